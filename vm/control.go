//go:build linux && amd64

package vm

import (
	"fmt"

	"github.com/haxcore/hax-core-go/internal/cpufeature"
	"github.com/haxcore/hax-core-go/internal/kvmroot"
	"github.com/haxcore/hax-core-go/internal/memory"
)

// Version reports the ratified host KVM API version, the global
// engine-version-query equivalent every controlling process checks
// once before creating any VM.
func (m *Manager) Version() (int, error) {
	root, err := kvmroot.Shared()
	if err != nil {
		return 0, err
	}
	defer root.Leave()
	return root.Version(), nil
}

// Capability reports the host capability word this engine requires to
// be present before it will create a VM.
func (m *Manager) Capability() (cpufeature.Capabilities, error) {
	root, err := kvmroot.Shared()
	if err != nil {
		return cpufeature.Capabilities{}, err
	}
	defer root.Leave()
	return cpufeature.Probe(root.FD())
}

// SetMemLimit caps the total guest memory this Manager will allow
// across every VM it creates; zero means unlimited. Unlike the
// per-pCPU capability probe above, this is pure userspace bookkeeping
// — KVM itself enforces no such global ceiling.
func (m *Manager) SetMemLimit(limitBytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memLimit = limitBytes
}

// reserve checks memSize against the configured limit. Callers must
// already hold m.mu.
func (m *Manager) reserve(memSize uint64) error {
	if m.memLimit == 0 {
		return nil
	}
	used := uint64(0)
	for _, v := range m.vms {
		used += v.memSize
	}
	if used+memSize > m.memLimit {
		return fmt.Errorf("vm: memory limit %d exceeded (in use %d, requested %d)", m.memLimit, used, memSize)
	}
	return nil
}

// AllocRam grows this VM with an additional anonymously backed RAM
// block and installs it as a fresh memslot at gpa, for a controlling
// process that needs to add guest memory after VM creation rather
// than sizing it all up front.
func (v *Vm) AllocRam(gpa uint64, size uint64) error {
	return v.AddRamBlock(gpa, make([]byte, size))
}

// AddRamBlock installs backing []byte as guest RAM starting at gpa,
// for a controlling process supplying its own externally managed
// memory (e.g. a shared-memory region) rather than asking AllocRam to
// allocate one.
func (v *Vm) AddRamBlock(gpa uint64, backing []byte) error {
	block, err := v.gpa.Blocks.Add(0, uint64(len(backing)), memory.NewSlicePinner(backing))
	if err != nil {
		return fmt.Errorf("vm: register RAM block: %w", err)
	}
	block.Ref()
	npages := uint64(len(backing)) >> 12
	return v.SetRam(gpa, npages, block, 0, 0)
}

// SetRam installs npages of block (given its own byte offset) as a RAM
// memslot starting at guest-physical gpa.
func (v *Vm) SetRam(gpa uint64, npages uint64, block *memory.RamBlock, blockOffset uint64, flags uint32) error {
	return v.gpa.Slots.SetRam(gpa>>12, npages, block, blockOffset, memory.SlotFlags(flags))
}

// SetRam2 is SetRam with an explicit read-only/MMIO-hole flag word,
// matching the original two-variant ioctl surface (the second variant
// added the flags argument the first predates).
func (v *Vm) SetRam2(gpa uint64, npages uint64, block *memory.RamBlock, blockOffset uint64, flags memory.SlotFlags) error {
	return v.gpa.Slots.SetRam(gpa>>12, npages, block, blockOffset, flags)
}

// ProtectRam marks [gpa, gpa+length) as access-protected: any further
// guest access faults to GpaProtExit instead of completing, until a
// matching call with memory.ProtectAll clears it.
func (v *Vm) ProtectRam(gpa uint64, length uint64, flags uint32) {
	v.gpa.ProtectRange(gpa, length, flags)
}

// NotifyQemuVersion records the controlling process's self-reported
// version, letting the engine gate version-sensitive behavior (newer
// controllers may set flags/registers older ones never populate). This
// engine does not yet branch on it; it exists so the information has
// somewhere to land.
func (v *Vm) NotifyQemuVersion(major, minor uint32) {
	v.controllerVersion = [2]uint32{major, minor}
}
