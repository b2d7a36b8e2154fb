// Package herr defines the POSIX-style error taxonomy every fallible
// operation in this module returns, per the error handling design:
// programming errors are EINVAL, exhaustion is ENOMEM, policy
// violations are EACCES/EFAULT, and so on. Callers compare with
// errors.Is against the sentinels below.
package herr

import "syscall"

var (
	// ErrInvalid marks a programming error: bad argument, unknown id,
	// overlapping range. Never the result of guest behavior.
	ErrInvalid = syscall.EINVAL
	// ErrNoMem marks resource exhaustion: allocation, pinning, or
	// mapping failure. Callers must unwind partial work.
	ErrNoMem = syscall.ENOMEM
	// ErrFault marks a policy violation that the controlling process
	// must resolve before retrying (e.g. access to a protected GFN).
	ErrFault = syscall.EFAULT
	// ErrAccess marks a permission violation, such as a write to a
	// read-only (ROM) slot.
	ErrAccess = syscall.EACCES
	// ErrExist marks a create that conflicts with an object that
	// already exists.
	ErrExist = syscall.EEXIST
	// ErrBusy marks contention on a resource that must be retried.
	ErrBusy = syscall.EBUSY
	// ErrNoDevice marks a missing or unsupported host resource
	// (no /dev/kvm, an id that was never created).
	ErrNoDevice = syscall.ENODEV
)

// PanicInfo is the diagnostic snapshot captured when a vCPU transitions
// to the panicked state on a guest-fatal exit (triple fault, VM-entry
// failure, or a KVM internal error). The vCPU's Step returns an error
// for that exit and for every later call; Vcpu.Panicked returns the
// snapshot.
type PanicInfo struct {
	Reason       string
	ExitReason   uint32
	ExitStatus   uint32
	RIP          uint64
	ExitQual     uint64
	HWEntryError uint64
}
