//go:build linux && amd64

// Package tunnel decodes the shared kvm_run page — the dual-mapped
// exit-payload page a template VMCS's I/O bitmap and EPT structures
// would otherwise require manual marshalling for — into typed Go
// values, and carries the richer payload kinds this engine layers on
// top of a raw KVM exit (fast-path MMIO, debug, guest-physical
// protection faults, and vCPU state-change notices) in the same
// uniform Exit result the run loop returns to its caller.
package tunnel

import (
	"unsafe"

	"github.com/haxcore/hax-core-go/internal/mmio"
)

// header mirrors the common prefix of struct kvm_run: the fields every
// exit reason populates regardless of which union member follows.
// Data holds the first 256 bytes of the exit-specific union, enough to
// cover the io and mmio variants this engine reads directly; richer
// variants are synthesized by the vCPU dispatch loop instead of read
// from this page.
type header struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IODirection mirrors KVM_EXIT_IO's direction byte.
type IODirection uint8

const (
	IODirIn  IODirection = 0
	IODirOut IODirection = 1
)

// IOExit is the decoded KVM_EXIT_IO payload: a port access, possibly a
// REP string access of Count iterations, with Data pointing at the
// in-page buffer KVM reads from or writes to.
type IOExit struct {
	Direction IODirection
	Size      uint8
	Port      uint16
	Count     uint32
	Data      []byte
}

// MMIOExit is the decoded KVM_EXIT_MMIO payload: the slow, generic
// memory-access path taken when the fast-path decoder in internal/mmio
// could not classify the faulting instruction.
type MMIOExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  bool
}

// DebugExit is a KVM_EXIT_DEBUG payload: a guest breakpoint or
// single-step trap surfaced to the caller.
type DebugExit struct {
	DR6, DR7 uint64
	RIP      uint64
}

// GpaProtExit signals that a guest access faulted against a
// caller-installed guest-physical protection range rather than
// against an unbacked page.
type GpaProtExit struct {
	GPA   uint64
	Write bool
}

// StateKind distinguishes the vCPU lifecycle notices that do not carry
// a payload beyond the kind itself.
type StateKind int

const (
	StateHalted StateKind = iota
	StatePaused
	StateRealMode
)

// StateChange reports a vCPU lifecycle transition: HLT with nothing
// pending, a caller-requested pause taking effect, or a transition
// back to real/unrestricted-guest mode.
type StateChange struct {
	Kind StateKind
}

// Exit is the run loop's uniform result: at most one of the typed
// fields below is non-nil. Exits without a decoded payload (an
// interrupted KVM_RUN, an unrecognised reason) leave them all nil, and
// the synthesized kinds (FastMMIO, MMIO from an EPT fault, GpaProt,
// State) leave Reason zero.
type Exit struct {
	Reason                     uint32
	ReadyForInterruptInjection bool
	RequestInterruptWindow     bool
	ApicBase                   uint64

	IO       *IOExit
	MMIO     *MMIOExit
	FastMMIO *mmio.FastMMIO
	Debug    *DebugExit
	GpaProt  *GpaProtExit
	State    *StateChange
}

// Page wraps the mmap'd kvm_run bytes for a single vCPU.
type Page struct {
	raw []byte
	hdr *header
}

// NewPage interprets raw mmap'd bytes as a kvm_run page. raw must
// outlive the returned Page and must be at least the kernel-reported
// mmap size.
func NewPage(raw []byte) *Page {
	return &Page{raw: raw, hdr: (*header)(unsafe.Pointer(&raw[0]))}
}

// SetRequestInterruptWindow writes the flag KVM reads before the next
// entry: when true, the guest exits with KVM_EXIT_IRQ_WINDOW_OPEN as
// soon as its IF flag permits interrupt delivery, rather than running
// uninterrupted until something else causes an exit.
func (p *Page) SetRequestInterruptWindow(want bool) {
	if want {
		p.hdr.RequestInterruptWindow = 1
	} else {
		p.hdr.RequestInterruptWindow = 0
	}
}

// Common decodes the fields present on every exit regardless of
// reason.
func (p *Page) Common() Exit {
	return Exit{
		Reason:                     p.hdr.ExitReason,
		ReadyForInterruptInjection: p.hdr.ReadyForInterruptInjection != 0,
		RequestInterruptWindow:     p.hdr.RequestInterruptWindow != 0,
		ApicBase:                   p.hdr.ApicBase,
	}
}

// IO decodes the KVM_EXIT_IO union member. Data[0] packs
// direction/size/port/count; Data[1] is the byte offset of the I/O
// buffer within this page.
func (p *Page) IO() IOExit {
	direction := IODirection(p.hdr.Data[0] & 0xFF)
	size := uint8((p.hdr.Data[0] >> 8) & 0xFF)
	port := uint16((p.hdr.Data[0] >> 16) & 0xFFFF)
	count := uint32((p.hdr.Data[0] >> 32) & 0xFFFFFFFF)
	offset := p.hdr.Data[1]

	total := int(size) * int(count)
	base := uintptr(unsafe.Pointer(p.hdr)) + uintptr(offset)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(base)), total)

	return IOExit{Direction: direction, Size: size, Port: port, Count: count, Data: buf}
}

// MMIO decodes the KVM_EXIT_MMIO union member: phys_addr, an 8-byte
// data buffer, a length, and a direction flag.
func (p *Page) MMIO() MMIOExit {
	physAddr := p.hdr.Data[0]
	var data [8]byte
	for i := 0; i < 8; i++ {
		data[i] = byte(p.hdr.Data[1] >> (8 * i))
	}
	lenAndWrite := p.hdr.Data[2]
	length := uint32(lenAndWrite & 0xFFFFFFFF)
	isWrite := (lenAndWrite>>32)&0xFF != 0

	return MMIOExit{PhysAddr: physAddr, Data: data, Len: length, IsWrite: isWrite}
}
