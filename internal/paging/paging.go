// Package paging provides the host-side guest page-table entry
// helpers used to bootstrap a guest's initial identity map: a small
// reusable builder so cmd/haxctl and tests can construct arbitrary
// identity-mapped ranges instead of one hardcoded 4 MiB page. This is
// strictly a guest-bootstrap convenience — it has nothing to do with
// the EPT tree in internal/ept, which is the second-dimension
// (GPA→HPA) table the engine itself owns.
package paging

// Page Table / Page Directory Entry flag bits (32-bit, non-PAE
// layout).
const (
	PTEPresent      uint32 = 1 << 0
	PTEReadWrite    uint32 = 1 << 1
	PTEUserSuper    uint32 = 1 << 2
	PTEWriteThrough uint32 = 1 << 3
	PTECacheDisable uint32 = 1 << 4
	PTEAccessed     uint32 = 1 << 5
	PTEDirty        uint32 = 1 << 6
	PDEPageSize     uint32 = 1 << 7
	PTEGlobal       uint32 = 1 << 8
)

// NewPDE4MB builds a page-directory entry that maps a 4 MiB page
// directly (PS=1). physAddr must be 4 MiB aligned.
func NewPDE4MB(physAddr uint32, flags uint32) uint32 {
	return (physAddr & 0xFFC00000) | (flags & 0x000001FF) | PDEPageSize
}

// NewPDEToPT builds a page-directory entry pointing at a 4 KiB
// page table. ptPhysAddr must be 4 KiB aligned.
func NewPDEToPT(ptPhysAddr uint32, flags uint32) uint32 {
	return (ptPhysAddr & 0xFFFFF000) | (flags & 0x00000FFF)
}

// NewPTE builds a page-table entry mapping a 4 KiB page frame.
// pagePhysAddr must be 4 KiB aligned.
func NewPTE(pagePhysAddr uint32, flags uint32) uint32 {
	return (pagePhysAddr & 0xFFFFF000) | (flags & 0x00000FFF)
}

// IdentityMapFirst4MB writes one 4 MiB PDE at pdBase identity-mapping
// physical [0, 4MiB) into dst (guest RAM): the minimal bootstrap a
// flat-binary guest needs before it can touch its own page tables.
func IdentityMapFirst4MB(dst []byte, pdBase uint64) {
	flags := PTEPresent | PTEReadWrite | PTEUserSuper
	entry := NewPDE4MB(0x0, flags)
	dst[pdBase+0] = byte(entry)
	dst[pdBase+1] = byte(entry >> 8)
	dst[pdBase+2] = byte(entry >> 16)
	dst[pdBase+3] = byte(entry >> 24)
}
