//go:build linux && amd64

// Package vm owns the per-VM state: the guest-physical memory space,
// the EPT bookkeeping tree, the CPUID view presented to every vCPU
// it creates, and the vCPUs themselves.
package vm

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/haxcore/hax-core-go/internal/cpufeature"
	"github.com/haxcore/hax-core-go/internal/cpuid"
	"github.com/haxcore/hax-core-go/internal/ept"
	"github.com/haxcore/hax-core-go/internal/kvmapi"
	"github.com/haxcore/hax-core-go/internal/kvmroot"
	"github.com/haxcore/hax-core-go/internal/memory"
	"github.com/haxcore/hax-core-go/vcpu"
)

// identityMapAddr/tssAddr are host-reserved GPA windows KVM needs to
// emulate real-mode/VM86 transitions for x86 guests; placed well above
// any RAM this package allocates by default.
const (
	identityMapAddr = 0xFFFFC000
	tssAddr         = 0xFFFFD000
)

// Vm is one virtual machine: its KVM vmFD, guest memory, EPT
// bookkeeping, CPUID view, and live vCPUs.
type Vm struct {
	id int

	root *kvmroot.Root
	vmFD int

	guestMem          []byte
	memSize           uint64
	controllerVersion [2]uint32
	gpa               *memory.GpaSpace
	tree              *ept.Tree
	bcast             *ept.Broadcaster
	cpuidTbl          *cpuid.Table

	vpids vpidAllocator

	mu         sync.Mutex
	vcpus      map[int]*vcpu.Vcpu
	vpidOf     map[int]uint16
	mmapSize   int
	nextVcpuID int
}

type eptInvalidateListener struct{ tree *ept.Tree }

func (l eptInvalidateListener) OnMappingChanged(_ memory.ChangeKind, baseGFN, npages uint64) {
	l.tree.Invalidate(baseGFN, npages)
}

// newVm opens (or joins) the shared /dev/kvm root, creates a VM fd,
// mmaps memSize bytes of anonymous guest memory, installs it as
// memslot 0, and wires up the GpaSpace/EPT/CPUID state every vCPU
// created against this VM will share.
func newVm(memSize uint64) (*Vm, error) {
	root, err := kvmroot.Shared()
	if err != nil {
		return nil, err
	}

	vmFD, err := root.CreateVM()
	if err != nil {
		root.Leave()
		return nil, err
	}

	mem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		unix.Close(vmFD)
		root.Leave()
		return nil, fmt.Errorf("vm: mmap guest memory: %w", err)
	}

	gpa := memory.NewGpaSpace(nil)
	block, err := gpa.Blocks.Add(0, memSize, memory.NewSlicePinner(mem))
	if err != nil {
		unix.Munmap(mem)
		unix.Close(vmFD)
		root.Leave()
		return nil, fmt.Errorf("vm: register RAM block: %w", err)
	}
	block.Ref()
	npages := memSize >> 12
	if err := gpa.Slots.SetRam(0, npages, block, 0, 0); err != nil {
		unix.Munmap(mem)
		unix.Close(vmFD)
		root.Leave()
		return nil, fmt.Errorf("vm: install initial memslot: %w", err)
	}

	tree := ept.NewTree(gpa)
	gpa.Slots.AddListener(eptInvalidateListener{tree})
	gpa.SetInvalidator(tree)
	bcast := ept.NewBroadcaster(tree)

	if err := kvmapi.SetUserMemoryRegion(vmFD, kvmapi.UserMemoryRegion{
		Slot: 0, GuestPhysAddr: 0, MemorySize: memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		unix.Munmap(mem)
		unix.Close(vmFD)
		root.Leave()
		return nil, fmt.Errorf("vm: KVM_SET_USER_MEMORY_REGION: %w", err)
	}
	if err := kvmapi.SetTSSAddr(vmFD, tssAddr); err != nil {
		return nil, fmt.Errorf("vm: KVM_SET_TSS_ADDR: %w", err)
	}
	if err := kvmapi.SetIdentityMapAddr(vmFD, identityMapAddr); err != nil {
		return nil, fmt.Errorf("vm: KVM_SET_IDENTITY_MAP_ADDR: %w", err)
	}
	if err := kvmapi.CreateIRQChip(vmFD); err != nil {
		return nil, fmt.Errorf("vm: KVM_CREATE_IRQCHIP: %w", err)
	}

	if _, err := cpufeature.Probe(root.FD()); err != nil {
		return nil, err
	}
	mmapSize, err := kvmapi.VCPUMmapSize(root.FD())
	if err != nil {
		return nil, fmt.Errorf("vm: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	cpuidTbl := cpuid.NewTable(hostCPUIDLeaves(root.FD()), 36)

	return &Vm{
		root: root, vmFD: vmFD,
		guestMem: mem, memSize: memSize, gpa: gpa, tree: tree, bcast: bcast,
		cpuidTbl: cpuidTbl,
		vcpus:    make(map[int]*vcpu.Vcpu),
		vpidOf:   make(map[int]uint16),
		mmapSize: mmapSize,
	}, nil
}

// hostCPUIDLeaves queries KVM_GET_SUPPORTED_CPUID and converts its
// entries (at most 80) into the plain Function/Index/EAX-EDX shape
// internal/cpuid.NewTable expects. A query failure (an old KVM build
// lacking the ioctl, or more entries than fit) degrades to an empty
// set rather than failing VM creation — the transform table's own
// fixed constants still produce leaf 0, the hypervisor leaf and the
// brand string, but no leaf 1.
func hostCPUIDLeaves(kvmFD int) []cpuid.Entry {
	raw, err := kvmapi.GetSupportedCPUID(kvmFD, 80)
	if err != nil {
		return nil
	}
	out := make([]cpuid.Entry, len(raw))
	for i, e := range raw {
		out[i] = cpuid.Entry{Function: e.Function, Index: e.Index, EAX: e.EAX, EBX: e.EBX, ECX: e.ECX, EDX: e.EDX}
	}
	return out
}

// ID returns this VM's registry id.
func (v *Vm) ID() int { return v.id }

// GpaSpace returns the guest-physical address space, for callers that
// need to load a boot image or install MMIO holes directly.
func (v *Vm) GpaSpace() *memory.GpaSpace { return v.gpa }

// CPUIDTable returns the per-VM CPUID view every new vCPU is seeded
// from.
func (v *Vm) CPUIDTable() *cpuid.Table { return v.cpuidTbl }

// CreateVcpu issues KVM_CREATE_VCPU, allocates a VPID, registers the
// new vCPU with the invalidation broadcaster, and returns the wrapped
// Vcpu.
func (v *Vm) CreateVcpu() (*vcpu.Vcpu, error) {
	v.mu.Lock()
	id := v.nextVcpuID
	v.nextVcpuID++
	v.mu.Unlock()

	fd, err := kvmapi.CreateVCPU(v.vmFD, id)
	if err != nil {
		return nil, fmt.Errorf("vm: KVM_CREATE_VCPU(%d): %w", id, err)
	}
	vpid, err := v.vpids.alloc()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	vc, err := vcpu.New(id, fd, v.mmapSize, v.gpa, v.tree)
	if err != nil {
		v.vpids.free(vpid)
		unix.Close(fd)
		return nil, err
	}

	v.bcast.Register(id)
	v.mu.Lock()
	v.vcpus[id] = vc
	v.vpidOf[id] = vpid
	v.mu.Unlock()
	return vc, nil
}

// RemoveVcpu tears down and forgets the vCPU with the given id.
func (v *Vm) RemoveVcpu(id int) error {
	v.mu.Lock()
	vc, ok := v.vcpus[id]
	vpid, hasVpid := v.vpidOf[id]
	if ok {
		delete(v.vcpus, id)
		delete(v.vpidOf, id)
	}
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("vm: no such vcpu %d", id)
	}
	if hasVpid {
		v.vpids.free(vpid)
	}
	v.bcast.Unregister(id)
	err := vc.Close()
	if cerr := unix.Close(vc.FD()); err == nil {
		err = cerr
	}
	return err
}

func (v *Vm) vcpuCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.vcpus)
}

func (v *Vm) close() error {
	if err := unix.Munmap(v.guestMem); err != nil {
		return err
	}
	if err := unix.Close(v.vmFD); err != nil {
		return err
	}
	return v.root.Leave()
}
