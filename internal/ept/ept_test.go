package ept_test

import (
	"testing"

	"github.com/haxcore/hax-core-go/internal/ept"
	"github.com/haxcore/hax-core-go/internal/memory"
)

func newSpace(t *testing.T, pages uint64) *memory.GpaSpace {
	t.Helper()
	s := memory.NewGpaSpace(nil)
	buf := make([]byte, pages*4096)
	b, err := s.Blocks.Add(0, uint64(len(buf)), memory.NewSlicePinner(buf))
	if err != nil {
		t.Fatal(err)
	}
	b.Ref()
	if err := s.Slots.SetRam(0, pages, b, 0, 0); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateAndLookupEntry(t *testing.T) {
	s := newSpace(t, 8)
	tree := ept.NewTree(s)
	s.Slots.AddListener(invalidateListener{tree})

	if err := tree.CreateEntry(3, ept.PermRWX); err != nil {
		t.Fatal(err)
	}
	e, ok := tree.Lookup(3)
	if !ok || !e.Present() {
		t.Fatalf("expected present leaf at gfn 3, got %+v ok=%v", e, ok)
	}
	if e.Perm() != ept.PermRWX {
		t.Fatalf("expected RWX perm, got %d", e.Perm())
	}
	if _, ok := tree.Lookup(4); ok {
		t.Fatal("expected gfn 4 to be unmapped")
	}
}

func TestCreateEntryHonorsReadOnlySlot(t *testing.T) {
	s := newSpace(t, 8)
	b := s.Blocks.Find(0)
	if err := s.Slots.SetRam(0, 8, b, 0, memory.SlotReadOnly); err != nil {
		t.Fatal(err)
	}
	tree := ept.NewTree(s)
	if err := tree.CreateEntry(0, ept.PermRWX); err != nil {
		t.Fatal(err)
	}
	e, _ := tree.Lookup(0)
	if e.Perm()&ept.PermWrite != 0 {
		t.Fatal("expected write permission stripped for read-only slot")
	}
}

func TestCreateEntryMMIOFails(t *testing.T) {
	s := newSpace(t, 1)
	must(t, s.Slots.SetRam(0, 1, nil, 0, memory.SlotInvalid))
	tree := ept.NewTree(s)
	if err := tree.CreateEntry(0, ept.PermRWX); err == nil {
		t.Fatal("expected error creating entry for MMIO gfn")
	}
}

type invalidateListener struct{ tree *ept.Tree }

func (l invalidateListener) OnMappingChanged(_ memory.ChangeKind, base, n uint64) {
	l.tree.Invalidate(base, n)
}

func TestInvalidateEntriesClearsMappingsAndSetsPending(t *testing.T) {
	s := newSpace(t, 8)
	tree := ept.NewTree(s)

	must(t, tree.CreateEntries(0, 8, ept.PermRWX))
	for i := uint64(0); i < 8; i++ {
		if _, ok := tree.Lookup(i); !ok {
			t.Fatalf("expected gfn %d mapped before invalidate", i)
		}
	}

	tree.InvalidateEntries(2, 3)
	for i := uint64(0); i < 8; i++ {
		_, ok := tree.Lookup(i)
		want := i < 2 || i >= 5
		if ok != want {
			t.Fatalf("gfn %d: mapped=%v want=%v", i, ok, want)
		}
	}

	if !tree.TakePending() {
		t.Fatal("expected invept_pending set after invalidate")
	}
	if tree.TakePending() {
		t.Fatal("expected invept_pending cleared after first consume")
	}
}

func TestWalkVisitsOnlyPresentLeaves(t *testing.T) {
	s := newSpace(t, 600) // spans two page tables (>512 pages)
	tree := ept.NewTree(s)

	must(t, tree.CreateEntry(0, ept.PermRX))
	must(t, tree.CreateEntry(511, ept.PermRX))
	must(t, tree.CreateEntry(512, ept.PermRX)) // crosses into the next page table
	must(t, tree.CreateEntry(599, ept.PermRX))

	seen := map[uint64]bool{}
	tree.Walk(func(gfn uint64, e ept.Entry) { seen[gfn] = true })

	for _, gfn := range []uint64{0, 511, 512, 599} {
		if !seen[gfn] {
			t.Fatalf("expected walk to visit gfn %d", gfn)
		}
	}
	if len(seen) != 4 {
		t.Fatalf("expected exactly 4 leaves, got %d: %v", len(seen), seen)
	}
}

func TestHandleAccessViolationColdPageInstallsMapping(t *testing.T) {
	s := newSpace(t, 8)
	tree := ept.NewTree(s)

	kind, err := tree.HandleAccessViolation(ept.AccessViolation{GFN: 1, Read: true})
	if err != nil {
		t.Fatal(err)
	}
	if kind != ept.ViolationColdPage {
		t.Fatalf("expected ViolationColdPage, got %v", kind)
	}
	if _, ok := tree.Lookup(1); !ok {
		t.Fatal("expected mapping installed after cold-page violation")
	}
}

func TestHandleAccessViolationMMIO(t *testing.T) {
	s := newSpace(t, 1)
	must(t, s.Slots.SetRam(0, 1, nil, 0, memory.SlotInvalid))
	tree := ept.NewTree(s)

	kind, err := tree.HandleAccessViolation(ept.AccessViolation{GFN: 0, Write: true})
	if err != nil {
		t.Fatal(err)
	}
	if kind != ept.ViolationMMIO {
		t.Fatalf("expected ViolationMMIO, got %v", kind)
	}
}

func TestHandleAccessViolationProtected(t *testing.T) {
	s := newSpace(t, 8)
	tree := ept.NewTree(s)
	s.ProtectRange(0, 4096, 0)

	kind, err := tree.HandleAccessViolation(ept.AccessViolation{GFN: 0, Read: true})
	if err != nil {
		t.Fatal(err)
	}
	if kind != ept.ViolationProtected {
		t.Fatalf("expected ViolationProtected, got %v", kind)
	}
}

func TestHandleMisconfigurationPreservesPFNAndPerm(t *testing.T) {
	s := newSpace(t, 8)
	tree := ept.NewTree(s)
	must(t, tree.CreateEntry(0, ept.PermRX))

	before, _ := tree.Lookup(0)
	if err := tree.HandleMisconfiguration(0); err != nil {
		t.Fatal(err)
	}
	after, _ := tree.Lookup(0)
	if after.PFN() != before.PFN() || after.Perm() != before.Perm() {
		t.Fatalf("expected PFN/perm preserved: before=%+v after=%+v", before, after)
	}
	if !after.Accessed() {
		t.Fatal("expected accessed bit set after misconfiguration fix")
	}
}

func TestBroadcasterTracksPerVcpuAck(t *testing.T) {
	s := newSpace(t, 8)
	tree := ept.NewTree(s)
	b := ept.NewBroadcaster(tree)
	b.Register(1)
	b.Register(2)

	must(t, tree.CreateEntries(0, 4, ept.PermRWX))
	tree.InvalidateEntries(0, 4)

	if !b.NeedsFlush(1) || !b.NeedsFlush(2) {
		t.Fatal("expected both vcpus to need a flush after invalidate")
	}
	b.Ack(1)
	if b.NeedsFlush(1) {
		t.Fatal("expected vcpu 1 to no longer need a flush after Ack")
	}
	if !b.NeedsFlush(2) {
		t.Fatal("expected vcpu 2 to still need a flush")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
