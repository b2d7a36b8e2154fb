package memory

import "sort"

// SlotFlags encodes the per-memslot type bits: read-only, standalone,
// or invalid (MMIO hole).
type SlotFlags uint32

const (
	SlotReadOnly  SlotFlags = 1 << 0
	SlotStandalone SlotFlags = 1 << 6
	SlotInvalid   SlotFlags = 1 << 7
)

func (f SlotFlags) isMMIO() bool { return f&SlotInvalid != 0 }

// Writable reports whether a slot with these flags accepts writes —
// used by internal/ept when choosing the permission bits for a freshly
// installed leaf entry.
func (f SlotFlags) Writable() bool { return f&SlotReadOnly == 0 }

// MemSlot is (base_gfn, npages, block_ref, offset_within_block,
// flags).
type MemSlot struct {
	BaseGFN     uint64
	NPages      uint64
	Block       *RamBlock
	BlockOffset uint64
	Flags       SlotFlags
}

func (s MemSlot) endGFN() uint64 { return s.BaseGFN + s.NPages }

// sameType reports whether two adjacent slots are mergeable: same
// block, contiguous UVA-offset progression matching GFN progression,
// same READONLY flag.
func (a MemSlot) sameType(b MemSlot) bool {
	if a.Flags.isMMIO() || b.Flags.isMMIO() {
		return false
	}
	if a.Block != b.Block {
		return false
	}
	if a.Flags&SlotReadOnly != b.Flags&SlotReadOnly {
		return false
	}
	if a.endGFN() != b.BaseGFN {
		return false
	}
	return a.BlockOffset+(a.NPages<<12) == b.BlockOffset
}

// ChangeKind classifies a mapping transition for the listener
// protocol below.
type ChangeKind int

const (
	MappingAdded ChangeKind = iota
	MappingRemoved
	MappingChanged
)

// Listener receives one callback per set_ram call, covering the whole
// target range: MappingAdded when no overlapped slot was RAM/ROM and the
// new mapping is, MappingRemoved for the reverse, MappingChanged when
// both were. A target range that was partly RAM and partly MMIO is
// reported as that single callback; it is not split into sub-ranges.
// The only consumer today (the EPT engine) invalidates
// unconditionally on any change and could get by with a single
// Invalidate(gfn, npages) call, but this interface keeps the added/
// removed/changed taxonomy so a future listener can distinguish them.
type Listener interface {
	OnMappingChanged(kind ChangeKind, baseGFN, npages uint64)
}

// List is the sorted, disjoint memory-slot list.
type List struct {
	slots     []MemSlot
	listeners []Listener
}

// AddListener registers a GpaSpaceListener.
func (l *List) AddListener(ls Listener) { l.listeners = append(l.listeners, ls) }

// Slots returns a read-only snapshot of the current slot list, sorted
// by BaseGFN.
func (l *List) Slots() []MemSlot {
	out := make([]MemSlot, len(l.slots))
	copy(out, l.slots)
	return out
}

// Find returns the slot covering gfn, or nil if unmapped.
func (l *List) Find(gfn uint64) *MemSlot {
	for i := range l.slots {
		s := &l.slots[i]
		if gfn >= s.BaseGFN && gfn < s.endGFN() {
			return s
		}
	}
	return nil
}

func classify(flags SlotFlags) int {
	if flags.isMMIO() {
		return 0
	}
	return 1
}

// SetRam implements set_ram: a REPLACE over
// [startGFN, startGFN+npages). newSlot is nil when flags marks
// INVALID (unmap).
func (l *List) SetRam(startGFN, npages uint64, block *RamBlock, blockOffset uint64, flags SlotFlags) error {
	if flags.isMMIO() && block != nil {
		return errOutOfRange // INVALID unmap must carry no backing UVA/block
	}
	endGFN := startGFN + npages

	var kept []MemSlot
	var overlapped []MemSlot
	for _, s := range l.slots {
		if s.endGFN() <= startGFN || s.BaseGFN >= endGFN {
			kept = append(kept, s)
			continue
		}
		overlapped = append(overlapped, s)
		// left remainder
		if s.BaseGFN < startGFN {
			left := s
			left.NPages = startGFN - s.BaseGFN
			kept = append(kept, left)
		}
		// right remainder
		if s.endGFN() > endGFN {
			right := s
			delta := endGFN - s.BaseGFN
			right.BaseGFN = endGFN
			right.NPages = s.NPages - delta
			right.BlockOffset = s.BlockOffset + (delta << 12)
			kept = append(kept, right)
		}
	}

	var newSlot *MemSlot
	if !flags.isMMIO() {
		newSlot = &MemSlot{BaseGFN: startGFN, NPages: npages, Block: block, BlockOffset: blockOffset, Flags: flags}
		kept = append(kept, *newSlot)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].BaseGFN < kept[j].BaseGFN })
	kept = coalesce(kept)
	l.slots = kept

	l.emitTransitions(overlapped, newSlot, startGFN, endGFN)
	return nil
}

func coalesce(slots []MemSlot) []MemSlot {
	if len(slots) < 2 {
		return slots
	}
	out := slots[:1]
	for _, s := range slots[1:] {
		last := &out[len(out)-1]
		if last.sameType(s) {
			last.NPages += s.NPages
			continue
		}
		out = append(out, s)
	}
	return out
}

// emitTransitions implements the three listener cases by classifying
// the before/after state of the target range.
func (l *List) emitTransitions(before []MemSlot, after *MemSlot, startGFN, endGFN uint64) {
	wasRAM := false
	for _, s := range before {
		if !s.Flags.isMMIO() {
			wasRAM = true
			break
		}
	}
	isRAM := after != nil

	var kind ChangeKind
	switch {
	case !wasRAM && isRAM:
		kind = MappingAdded
	case wasRAM && !isRAM:
		kind = MappingRemoved
	case wasRAM && isRAM:
		kind = MappingChanged
	default:
		return // MMIO -> MMIO: no change worth reporting
	}
	for _, ls := range l.listeners {
		ls.OnMappingChanged(kind, startGFN, endGFN-startGFN)
	}
}
