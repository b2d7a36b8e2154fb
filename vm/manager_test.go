//go:build linux && amd64

package vm_test

import (
	"os"
	"testing"

	"github.com/haxcore/hax-core-go/vm"
)

func requireDevKVM(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("/dev/kvm not available in this environment")
	}
}

const testMemSize = 16 << 20

func TestCreateVMAssignsIDAndIsLookupable(t *testing.T) {
	requireDevKVM(t)

	m := vm.NewManager()
	v, err := m.CreateVM(testMemSize)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer m.Destroy(v.ID())

	if v.ID() == 0 {
		t.Fatalf("ID() = 0, want a nonzero registry id")
	}
	got, ok := m.Lookup(v.ID())
	if !ok || got != v {
		t.Fatalf("Lookup(%d) = %v,%v want %v,true", v.ID(), got, ok, v)
	}
}

func TestDestroyRefusesWhileVcpusLive(t *testing.T) {
	requireDevKVM(t)

	m := vm.NewManager()
	v, err := m.CreateVM(testMemSize)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	vc, err := v.CreateVcpu()
	if err != nil {
		t.Fatalf("CreateVcpu: %v", err)
	}

	if err := m.Destroy(v.ID()); err == nil {
		t.Fatalf("Destroy succeeded with a live vCPU, want error")
	}

	if err := v.RemoveVcpu(vc.ID); err != nil {
		t.Fatalf("RemoveVcpu: %v", err)
	}
	if err := m.Destroy(v.ID()); err != nil {
		t.Fatalf("Destroy after draining vCPUs: %v", err)
	}
}

func TestDestroyUnknownIDFails(t *testing.T) {
	requireDevKVM(t)

	m := vm.NewManager()
	if err := m.Destroy(999); err == nil {
		t.Fatalf("Destroy(999) succeeded on an empty registry, want error")
	}
}

func TestCreateVcpuAssignsDistinctIDs(t *testing.T) {
	requireDevKVM(t)

	m := vm.NewManager()
	v, err := m.CreateVM(testMemSize)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer func() {
		for _, id := range []int{0, 1} {
			v.RemoveVcpu(id)
		}
		m.Destroy(v.ID())
	}()

	vc0, err := v.CreateVcpu()
	if err != nil {
		t.Fatalf("CreateVcpu[0]: %v", err)
	}
	vc1, err := v.CreateVcpu()
	if err != nil {
		t.Fatalf("CreateVcpu[1]: %v", err)
	}
	if vc0.ID == vc1.ID {
		t.Fatalf("two vCPUs got the same id %d", vc0.ID)
	}
}

func TestRemoveVcpuUnknownIDFails(t *testing.T) {
	requireDevKVM(t)

	m := vm.NewManager()
	v, err := m.CreateVM(testMemSize)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer m.Destroy(v.ID())

	if err := v.RemoveVcpu(42); err == nil {
		t.Fatalf("RemoveVcpu(42) succeeded on an empty vCPU set, want error")
	}
}
