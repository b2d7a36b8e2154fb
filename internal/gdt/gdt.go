// Package gdt builds x86 Global Descriptor Table entries for guest
// bootstrap: a reusable Builder so any number of segments can be
// constructed and serialized into guest RAM by a caller such as
// cmd/haxctl.
package gdt

// Entry is a single 64-bit GDT descriptor. Field layout is fixed by
// the architecture: LimitLow, BaseLow/Mid/High, AccessByte, and a
// LimitHigh byte whose upper nibble doubles as the G/D-B/L/AVL flags
// nibble.
type Entry struct {
	LimitLow  uint16
	BaseLow   uint16
	BaseMid   uint8
	Access    uint8
	LimitHigh uint8
	BaseHigh  uint8
}

// Access byte bit values used by Builder callers.
const (
	AccessPresent  uint8 = 1 << 7
	AccessDPL0     uint8 = 0 << 5
	AccessDPL3     uint8 = 3 << 5
	AccessCodeData uint8 = 1 << 4 // S bit: code/data, not a system descriptor
	AccessExec     uint8 = 1 << 3
	AccessRW       uint8 = 1 << 1 // readable (code) / writable (data)

	// Flags nibble (packed into the upper bits of LimitHigh).
	FlagGranularity4K uint8 = 1 << 7
	FlagDB32          uint8 = 1 << 6
	FlagLongMode      uint8 = 1 << 5
)

// NewEntry builds one descriptor. base/limit are the 32-bit linear
// base and 20-bit segment limit; access is the 8-bit access byte;
// flags occupies the upper nibble shared with the top bits of limit.
func NewEntry(base uint32, limit uint32, access uint8, flags uint8) Entry {
	e := Entry{}
	e.BaseLow = uint16(base & 0xFFFF)
	e.BaseMid = uint8((base >> 16) & 0xFF)
	e.BaseHigh = uint8((base >> 24) & 0xFF)
	e.LimitLow = uint16(limit & 0xFFFF)
	e.LimitHigh = uint8((limit>>16)&0x0F) | (flags & 0xF0)
	e.Access = access
	return e
}

// Builder accumulates descriptors in selector order, entry 0 always
// being the mandatory null descriptor.
type Builder struct {
	entries []Entry
}

// NewBuilder returns a Builder pre-seeded with the null descriptor.
func NewBuilder() *Builder {
	return &Builder{entries: []Entry{NewEntry(0, 0, 0, 0)}}
}

// AddFlatCode appends a 4 GiB flat code segment and returns its
// selector (index*8).
func (b *Builder) AddFlatCode(dpl uint8) uint16 {
	access := AccessPresent | AccessCodeData | AccessExec | AccessRW | (dpl << 5)
	flags := FlagGranularity4K | FlagDB32
	b.entries = append(b.entries, NewEntry(0, 0xFFFFF, access, flags))
	return uint16((len(b.entries) - 1) * 8)
}

// AddFlatData appends a 4 GiB flat data segment and returns its
// selector.
func (b *Builder) AddFlatData(dpl uint8) uint16 {
	access := AccessPresent | AccessCodeData | AccessRW | (dpl << 5)
	flags := FlagGranularity4K | FlagDB32
	b.entries = append(b.entries, NewEntry(0, 0xFFFFF, access, flags))
	return uint16((len(b.entries) - 1) * 8)
}

// Bytes serializes the table in selector order, little-endian, ready
// to be copied into guest RAM.
func (b *Builder) Bytes() []byte {
	out := make([]byte, len(b.entries)*8)
	for i, e := range b.entries {
		off := i * 8
		out[off+0] = byte(e.LimitLow)
		out[off+1] = byte(e.LimitLow >> 8)
		out[off+2] = byte(e.BaseLow)
		out[off+3] = byte(e.BaseLow >> 8)
		out[off+4] = e.BaseMid
		out[off+5] = e.Access
		out[off+6] = e.LimitHigh
		out[off+7] = e.BaseHigh
	}
	return out
}

// Len returns the number of descriptors, including the null entry.
func (b *Builder) Len() int { return len(b.entries) }
