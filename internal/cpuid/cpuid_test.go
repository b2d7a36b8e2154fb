package cpuid_test

import (
	"testing"

	"github.com/haxcore/hax-core-go/internal/cpuid"
)

func hostLeaves() []cpuid.Entry {
	return []cpuid.Entry{
		{Function: 0, EAX: 0x20},
		{Function: 1, EAX: 0x000906E9, EBX: 0x00100800, ECX: 0x7FFAFBBF, EDX: 0xBFEBFBFF},
		{Function: 0x80000000, EAX: 0x80000020},
		{Function: 0x80000008, EAX: 0x00003027},
	}
}

func TestLookupAbsentLeafIsZero(t *testing.T) {
	tbl := cpuid.NewTable(hostLeaves(), 0)
	e := tbl.Lookup(0x99999999, 0)
	if e.EAX != 0 || e.EBX != 0 || e.ECX != 0 || e.EDX != 0 {
		t.Fatalf("expected all-zero leaf, got %+v", e)
	}
}

func TestLeaf1AlwaysSetsHypervisorBit(t *testing.T) {
	tbl := cpuid.NewTable(hostLeaves(), 0)
	e := tbl.Lookup(1, 0)
	if e.ECX&cpuid.F1EcxHypervisor == 0 {
		t.Fatalf("expected hypervisor bit set in ECX, got %#x", e.ECX)
	}
	if (e.EBX>>16)&0xFF != 1 {
		t.Fatalf("expected EBX[23:16]=1 (one logical processor), got %#x", e.EBX)
	}
	if (e.EBX>>8)&0xFF != 0x08 {
		t.Fatalf("expected EBX[15:8]=0x08 (CLFLUSH line size), got %#x", e.EBX)
	}
}

func TestHypervisorLeafVendorID(t *testing.T) {
	tbl := cpuid.NewTable(hostLeaves(), 0)
	e := tbl.Lookup(0x40000000, 0)
	if e.EAX != 0x40000000 {
		t.Fatalf("expected EAX=0x40000000, got %#x", e.EAX)
	}
	if e.EBX != 0x4d584148 || e.ECX != 0x4d584148 || e.EDX != 0x4d584148 {
		t.Fatalf("expected HAXMHAXMHAXM vendor id, got %+v", e)
	}
}

func TestSetGuestFeaturesAlwaysAppliesFixedFeatures(t *testing.T) {
	tbl := cpuid.NewTable(hostLeaves(), 0)
	tbl.SetGuestFeatures([]cpuid.Entry{{Function: 1, EDX: 0}}, nil)
	e := tbl.Lookup(1, 0)
	want := uint32((1 << 7) | (1 << 9) | (1 << 12) | (1 << 16))
	if e.EDX&want != want {
		t.Fatalf("expected kFixedFeatures present after merge, got %#x", e.EDX)
	}
}

func TestSetGuestFeaturesCustomMerge(t *testing.T) {
	tbl := cpuid.NewTable(hostLeaves(), 0)
	called := false
	merges := map[uint32]cpuid.MergeFunc{
		1: func(requested, current cpuid.Entry) cpuid.Entry {
			called = true
			requested.EAX = current.EAX // keep host family/model, override rest
			return requested
		},
	}
	tbl.SetGuestFeatures([]cpuid.Entry{{Function: 1, EAX: 0xDEADBEEF, EDX: cpuid.F1EdxSSE2}}, merges)
	if !called {
		t.Fatal("expected custom merge function to run")
	}
	e := tbl.Lookup(1, 0)
	if e.EDX&cpuid.F1EdxSSE2 == 0 {
		t.Fatalf("expected requested SSE2 bit preserved, got %#x", e.EDX)
	}
}

func TestLeavesSortedByFunctionThenIndex(t *testing.T) {
	tbl := cpuid.NewTable(hostLeaves(), 0)
	leaves := tbl.Leaves()
	for i := 1; i < len(leaves); i++ {
		a, b := leaves[i-1], leaves[i]
		if a.Function > b.Function || (a.Function == b.Function && a.Index > b.Index) {
			t.Fatalf("leaves not sorted: %+v before %+v", a, b)
		}
	}
}

func TestMaxBasicLeafClamped(t *testing.T) {
	tbl := cpuid.NewTable(hostLeaves(), 0)
	e := tbl.Lookup(0, 0)
	if e.EAX > 0x16 {
		t.Fatalf("expected max basic leaf clamped to ceiling, got %#x", e.EAX)
	}
}
