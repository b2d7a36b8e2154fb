//go:build linux && amd64

// Package kvmroot manages entry into and exit from the substrate that
// stands in for VMX root operation: the process-wide /dev/kvm file
// descriptor. A host CPU entering VMX root would execute VMXON against
// its own VMXON page; here the equivalent action is opening /dev/kvm
// (or, for a second caller on an already-open root, joining it by
// raising its nesting count). Leaving VMX
// root closes the fd, but only if this call was the one that opened
// it — a second, nested caller must never close a root it does not
// own, just as VMXOFF must never run on a pCPU that only observed a
// VMX root that some other VMM established.
package kvmroot

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/haxcore/hax-core-go/internal/kvmapi"
)

// Root is one process-wide VMX-root handle: the open /dev/kvm fd, a
// reentrancy count, and whether this handle is the owner responsible
// for closing the fd on the final leave.
type Root struct {
	mu      sync.Mutex
	fd      int
	nest    int
	owner   bool
	version int
}

var (
	globalMu sync.Mutex
	global   *Root
)

// Shared returns the process-wide Root, opening /dev/kvm on first use
// and incrementing the nesting count on every subsequent call — the
// same "already loaded, just bump the nest count" shortcut load_vmcs
// takes when a pCPU re-enters a VMCS it already holds. A second
// independent process opening /dev/kvm concurrently is KVM's analogue
// of another VMM already occupying VMX root: the device node allows
// multiple openers by design, so there is no EBUSY to observe here,
// unlike KVM_CREATE_VM against an fd that already owns a VM. The root
// is recorded as non-owner only when CreateVM below observes that case.
func Shared() (*Root, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		global.mu.Lock()
		global.nest++
		global.mu.Unlock()
		return global, nil
	}

	fd, err := kvmapi.OpenKVM()
	if err != nil {
		return nil, fmt.Errorf("kvmroot: open /dev/kvm: %w", err)
	}
	ver, err := kvmapi.APIVersion(fd)
	if err != nil {
		return nil, fmt.Errorf("kvmroot: KVM_GET_API_VERSION: %w", err)
	}
	if ver != 12 {
		return nil, fmt.Errorf("kvmroot: unsupported KVM API version %d", ver)
	}

	r := &Root{fd: fd, nest: 1, owner: true, version: ver}
	global = r
	return r, nil
}

// FD returns the underlying /dev/kvm file descriptor for ioctls that
// operate directly on it (KVM_CREATE_VM, KVM_CHECK_EXTENSION,
// KVM_GET_VCPU_MMAP_SIZE).
func (r *Root) FD() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fd
}

// Version returns the ratified KVM_GET_API_VERSION value observed at
// open time.
func (r *Root) Version() int {
	return r.version
}

// CreateVM issues KVM_CREATE_VM against this root. When it fails with
// EBUSY this is treated as the shared-VMX-root case: some other
// in-process owner already created a VM against this fd and this
// call's result should not be trusted to manage the fd's lifetime —
// the caller is joining a root it did not establish.
func (r *Root) CreateVM() (int, error) {
	vmFD, err := kvmapi.CreateVM(r.FD())
	if err != nil {
		if errors.Is(err, unix.EBUSY) {
			r.mu.Lock()
			r.owner = false
			r.mu.Unlock()
		}
		return 0, fmt.Errorf("kvmroot: KVM_CREATE_VM: %w", err)
	}
	return vmFD, nil
}

// Leave decrements the nesting count and, on the final matching Leave
// from the call that established this root, closes the /dev/kvm fd —
// the substrate's VMXOFF. A non-owning handle (one that joined a root
// another caller opened) never closes the fd; it only decrements.
func (r *Root) Leave() error {
	globalMu.Lock()
	defer globalMu.Unlock()

	r.mu.Lock()
	r.nest--
	nest := r.nest
	owner := r.owner
	fd := r.fd
	r.mu.Unlock()

	if nest > 0 {
		return nil
	}
	global = nil
	if !owner {
		return nil
	}
	return unix.Close(fd)
}
