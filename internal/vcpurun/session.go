//go:build linux && amd64

// Package vcpurun owns the mmap'd kvm_run page — the dual-mapped
// tunnel page a loaded VMCS would otherwise be. Acquiring a Session is
// the fd-and-nesting-counter equivalent of load_vmcs: a vCPU fd can be
// "loaded" by more than one caller on the same goroutine stack (the
// dispatch loop loading it, and an inner helper like a register read
// wanting the same mapping without mapping it twice). Only NewSession
// mmaps; Load and Put only adjust the nesting count, and the page is
// unmapped by Close alone.
package vcpurun

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/haxcore/hax-core-go/internal/kvmapi"
)

// Session is a loaded vCPU: its fd and the mmap'd kvm_run page shared
// with the kernel. Not safe to share across goroutines — exactly one
// goroutine should drive a given vCPU's run loop and acquisitions of
// its Session at a time, matching the "calling thread runs the vCPU"
// scheduling model.
type Session struct {
	mu      sync.Mutex
	fd      int
	mmap    []byte
	nest    int
	mmapLen int
}

// NewSession mmaps the kvm_run page for vcpuFD. mmapSize must come from
// kvmapi.VCPUMmapSize(kvmFD), queried once per process and cached by
// the caller (it is a KVM-wide constant, not per-vCPU).
func NewSession(vcpuFD int, mmapSize int) (*Session, error) {
	if mmapSize <= 0 {
		return nil, fmt.Errorf("vcpurun: invalid kvm_run mmap size %d", mmapSize)
	}
	mem, err := unix.Mmap(vcpuFD, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("vcpurun: mmap kvm_run: %w", err)
	}
	return &Session{fd: vcpuFD, mmap: mem, mmapLen: mmapSize, nest: 1}, nil
}

// Load increments the nesting count, permitting an inner helper that
// already knows a Session is live on the call stack to acquire it
// again without re-mmapping.
func (s *Session) Load() *Session {
	s.mu.Lock()
	s.nest++
	s.mu.Unlock()
	return s
}

// Put decrements the nesting count; the final Put does not unmap — the
// Session's owner calls Close explicitly when the vCPU itself is torn
// down, mirroring put_vmcs never implying a VMCLEAR of a VMCS a vCPU
// will reuse.
func (s *Session) Put() {
	s.mu.Lock()
	if s.nest > 0 {
		s.nest--
	}
	s.mu.Unlock()
}

// Page returns the raw kvm_run page bytes for exit-reason dispatch to
// interpret.
func (s *Session) Page() []byte {
	return s.mmap
}

// Run issues one KVM_RUN against this session's fd — the guest-entry/
// VM-exit round trip.
func (s *Session) Run() error {
	return kvmapi.Run(s.fd)
}

// Close unmaps the kvm_run page. The caller must ensure no other
// goroutine holds a reference to Page()'s slice afterward.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mmap == nil {
		return nil
	}
	err := unix.Munmap(s.mmap)
	s.mmap = nil
	return err
}
