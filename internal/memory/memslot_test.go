package memory_test

import (
	"testing"

	"github.com/haxcore/hax-core-go/internal/memory"
)

type recordingListener struct {
	events []event
}
type event struct {
	kind          memory.ChangeKind
	baseGFN, npages uint64
}

func (r *recordingListener) OnMappingChanged(kind memory.ChangeKind, baseGFN, npages uint64) {
	r.events = append(r.events, event{kind, baseGFN, npages})
}

func newBlock(size uint64) *memory.RamBlock {
	buf := make([]byte, size)
	return memory.NewRamBlock(0, size, memory.NewSlicePinner(buf))
}

func TestSetRamSortedAndDisjoint(t *testing.T) {
	var l memory.List
	b := newBlock(1 << 22)
	if err := l.SetRam(100, 10, b, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := l.SetRam(0, 10, b, 0x10000, 0); err != nil {
		t.Fatal(err)
	}
	slots := l.Slots()
	for i := 1; i < len(slots); i++ {
		if slots[i-1].BaseGFN >= slots[i].BaseGFN {
			t.Fatalf("slots not sorted: %+v", slots)
		}
		if slots[i-1].BaseGFN+slots[i-1].NPages > slots[i].BaseGFN {
			t.Fatalf("slots overlap: %+v", slots)
		}
	}
}

func TestFindReturnsMostRecentSlot(t *testing.T) {
	var l memory.List
	b := newBlock(1 << 22)
	must(t, l.SetRam(0, 100, b, 0, 0))
	must(t, l.SetRam(10, 5, b, 0x5000, memory.SlotReadOnly))
	s := l.Find(12)
	if s == nil || s.Flags&memory.SlotReadOnly == 0 {
		t.Fatalf("expected overlapping slot to reflect the latest set_ram, got %+v", s)
	}
	if s := l.Find(200); s != nil {
		t.Fatalf("expected unmapped gfn to return nil, got %+v", s)
	}
}

func TestCoalescingAdjacentSameTypeSlots(t *testing.T) {
	var l memory.List
	b := newBlock(1 << 22)
	must(t, l.SetRam(0, 256, b, 0, 0))
	must(t, l.SetRam(256, 256, b, 0x100000, 0))
	slots := l.Slots()
	if len(slots) != 1 {
		t.Fatalf("expected coalesced single slot, got %d: %+v", len(slots), slots)
	}
	if slots[0].BaseGFN != 0 || slots[0].NPages != 512 {
		t.Fatalf("expected {base=0,npages=512}, got %+v", slots[0])
	}
}

func TestInvalidThenSetRamActsAsReplace(t *testing.T) {
	var l memory.List
	b := newBlock(1 << 22)
	must(t, l.SetRam(0, 100, b, 0, 0))
	must(t, l.SetRam(0, 100, nil, 0, memory.SlotInvalid))
	if s := l.Find(50); s != nil {
		t.Fatalf("expected unmapped after INVALID set_ram, got %+v", s)
	}
	must(t, l.SetRam(0, 100, b, 0, memory.SlotReadOnly))
	s := l.Find(50)
	if s == nil || s.Flags&memory.SlotReadOnly == 0 {
		t.Fatalf("expected state as if only the latter set_ram were issued, got %+v", s)
	}
}

func TestListenerTransitions(t *testing.T) {
	var l memory.List
	var rec recordingListener
	l.AddListener(&rec)
	b := newBlock(1 << 22)

	must(t, l.SetRam(0, 100, b, 0, 0)) // MMIO -> RAM: added
	must(t, l.SetRam(0, 100, nil, 0, memory.SlotInvalid)) // RAM -> MMIO: removed
	must(t, l.SetRam(0, 100, b, 0, 0)) // MMIO -> RAM: added again
	must(t, l.SetRam(0, 100, b, 0x1000, memory.SlotReadOnly)) // RAM -> RAM, flags changed: changed

	if len(rec.events) != 4 {
		t.Fatalf("expected 4 listener events, got %d: %+v", len(rec.events), rec.events)
	}
	want := []memory.ChangeKind{memory.MappingAdded, memory.MappingRemoved, memory.MappingAdded, memory.MappingChanged}
	for i, k := range want {
		if rec.events[i].kind != k {
			t.Fatalf("event %d: expected kind %v, got %v", i, k, rec.events[i].kind)
		}
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
