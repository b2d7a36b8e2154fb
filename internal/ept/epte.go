// Package ept implements the four-level, 4 KiB-leaf Extended Page
// Table: lazy non-leaf allocation, a frequently-used-page KVA cache,
// CAS-based leaf installation and invalidation, misconfiguration
// repair, and the sticky invept_pending flag consumed by an INVEPT
// broadcaster.
//
// On the /dev/kvm substrate the actual guest-physical to host-physical
// translation tables are owned by KVM, not this process; this tree is
// the in-process model the engine uses to decide *when* a GFN range
// needs a fresh KVM_SET_USER_MEMORY_REGION call and to keep its own
// testable invariants (at most one leaf maps a GFN at any instant,
// invept_pending set after a successful invalidate, etc.) independent
// of that substrate. Because
// this process never allocates real physical page-table pages, a
// non-leaf EPTE's "PFN" field holds a synthetic index into this
// tree's own page pool rather than a host physical frame number —
// the accessor methods below never assume otherwise.
package ept

import "sync/atomic"

// Permission bits.
const (
	PermRead    = 1 << 0
	PermWrite   = 1 << 1
	PermExecute = 1 << 2
	PermRWX     = PermRead | PermWrite | PermExecute
	PermRX      = PermRead | PermExecute
)

// Memory-type values (bits 5:3).
const (
	MemTypeUncacheable = 0
	MemTypeWriteBack   = 6
)

const (
	shiftMemType    = 3
	shiftIgnorePAT  = 6
	shiftLargePage  = 7
	shiftAccessed   = 8
	shiftDirty      = 9
	shiftPFN        = 12
	maskPFNBits     = 0x000F_FFFF_FFFF_F000 // bits 51:12
	shiftSuppressVE = 63

	permMask = 0x7
)

// Entry is a 64-bit EPT entry (EPTE): a typed wrapper around the raw
// bit-packed value with named accessors; arithmetic is never performed
// on the raw value outside this file.
type Entry uint64

// invalidEPTESentinel is the "missing entry" placeholder: only bit 62
// set (outside the PFN field, so PFN() reads 0) and permission bits
// cleared,
// published via CAS by the first thread to observe a genuinely-empty
// slot, so concurrent walkers can distinguish "nobody has started
// allocating this table yet" (zero) from "another thread is
// allocating it right now" (sentinel) from "it's ready" (any other
// non-zero, present value).
const invalidEPTESentinel Entry = 1 << 62

func (e Entry) isSentinel() bool { return e == invalidEPTESentinel }
func (e Entry) Present() bool    { return e != 0 && !e.isSentinel() && e&permMask != 0 }
func (e Entry) Perm() int        { return int(e & permMask) }
func (e Entry) MemType() int     { return int((e >> shiftMemType) & 0x7) }
func (e Entry) Accessed() bool   { return e&(1<<shiftAccessed) != 0 }
func (e Entry) Dirty() bool      { return e&(1<<shiftDirty) != 0 }
func (e Entry) PFN() uint64      { return uint64(e&maskPFNBits) >> shiftPFN }

// NewLeafEntry builds a present leaf EPTE mapping pfn with the given
// permission bits and memory type.
func NewLeafEntry(pfn uint64, perm int, memType int) Entry {
	return Entry(pfn<<shiftPFN) | Entry(perm&permMask) | Entry(memType&0x7)<<shiftMemType | (1 << shiftAccessed)
}

// NewNonLeafEntry builds a present non-leaf EPTE pointing at the
// child table identified by childPFN (this tree's synthetic pool
// index, not a host physical frame — see package doc).
func NewNonLeafEntry(childPFN uint64) Entry {
	return Entry(childPFN<<shiftPFN) | PermRWX
}

// WithAccessed preserves PFN and permission bits while setting the
// accessed bit — used by the misconfiguration fixer, which must
// preserve PFN and the accessed bit.
func (e Entry) WithAccessed() Entry { return e | (1 << shiftAccessed) }

// atomicEntry is a CAS-capable cell holding one Entry.
type atomicEntry struct {
	v atomic.Uint64
}

func (a *atomicEntry) load() Entry { return Entry(a.v.Load()) }
func (a *atomicEntry) casFrom(old, new Entry) bool {
	return a.v.CompareAndSwap(uint64(old), uint64(new))
}
func (a *atomicEntry) store(e Entry) { a.v.Store(uint64(e)) }

// EPTP mirrors the VMCS EPTP field layout: memory type, page-walk
// length, and the PML4 physical address. In the KVM substrate there
// is no VMCS field to write, but the value is retained as the tree's
// self-description.
type EPTP struct {
	MemType   int
	MaxLevel  int
	RootPFN   uint64
}

func (p EPTP) Encode() uint64 {
	return uint64(p.MemType) | uint64(p.MaxLevel-1)<<3 | p.RootPFN<<shiftPFN
}
