package memory_test

import (
	"bytes"
	"testing"

	"github.com/haxcore/hax-core-go/internal/memory"
)

type countingInvalidator struct {
	calls []struct{ base, n uint64 }
}

func (c *countingInvalidator) Invalidate(base, n uint64) {
	c.calls = append(c.calls, struct{ base, n uint64 }{base, n})
}

func newSpaceWithRAM(t *testing.T, size uint64) (*memory.GpaSpace, *countingInvalidator) {
	t.Helper()
	inv := &countingInvalidator{}
	s := memory.NewGpaSpace(inv)
	buf := make([]byte, size)
	b, err := s.Blocks.Add(0, size, memory.NewSlicePinner(buf))
	if err != nil {
		t.Fatal(err)
	}
	b.Ref()
	if err := s.Slots.SetRam(0, size/pageSizeConst, b, 0, 0); err != nil {
		t.Fatal(err)
	}
	return s, inv
}

const pageSizeConst = 4096

func TestReadWriteRoundTrip(t *testing.T) {
	s, _ := newSpaceWithRAM(t, 4*memory.HaxChunkSize)
	payload := bytes.Repeat([]byte{0xAB, 0xCD}, 4096)

	n, err := s.WriteData(0x200000, uint64(len(payload)), payload)
	if err != nil || n != uint64(len(payload)) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	got := make([]byte, len(payload))
	n, err = s.ReadData(0x200000, uint64(len(got)), got)
	if err != nil || n != uint64(len(got)) {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round-trip identity violated")
	}
}

func TestWriteToMMIOFails(t *testing.T) {
	s, _ := newSpaceWithRAM(t, memory.HaxChunkSize)
	must(t, s.Slots.SetRam(0, memory.HaxChunkSize/pageSizeConst, nil, 0, memory.SlotInvalid))
	buf := make([]byte, 16)
	if _, err := s.WriteData(0, 16, buf); err == nil {
		t.Fatal("expected error writing to unmapped MMIO range")
	}
}

func TestWriteToReadOnlyFails(t *testing.T) {
	s, _ := newSpaceWithRAM(t, memory.HaxChunkSize)
	b := s.Blocks.Find(0)
	must(t, s.Slots.SetRam(0, memory.HaxChunkSize/pageSizeConst, b, 0, memory.SlotReadOnly))
	buf := make([]byte, 16)
	if _, err := s.WriteData(0, 16, buf); err == nil {
		t.Fatal("expected EACCES writing to ROM slot")
	}
}

func TestProtectRangeInvalidatesAndFlagsChunk(t *testing.T) {
	s, inv := newSpaceWithRAM(t, 2*memory.HaxChunkSize)
	s.ProtectRange(0x1000, 0x1000, 0)
	if len(inv.calls) == 0 {
		t.Fatal("expected invalidator call on protect")
	}
	faultGFN, protected := s.IsChunkProtected(0x50) // same 2MiB chunk as gfn 1
	if !protected || faultGFN != 1 {
		t.Fatalf("expected chunk-level protection to report gfn 1, got (%d,%v)", faultGFN, protected)
	}
	s.ProtectRange(0x1000, 0x1000, memory.ProtectAll)
	if _, protected := s.IsChunkProtected(0x50); protected {
		t.Fatal("expected protection cleared")
	}
}

func TestGetPFNInvalidForMMIO(t *testing.T) {
	s, _ := newSpaceWithRAM(t, memory.HaxChunkSize)
	must(t, s.Slots.SetRam(0, memory.HaxChunkSize/pageSizeConst, nil, 0, memory.SlotInvalid))
	pfn, _, err := s.GetPFN(0)
	if err != nil {
		t.Fatal(err)
	}
	if pfn != memory.InvalidPFN {
		t.Fatalf("expected InvalidPFN for MMIO gfn, got %d", pfn)
	}
}
