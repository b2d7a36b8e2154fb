//go:build linux && amd64

package kvmapi

// Regs mirrors struct kvm_regs: the general-purpose register file
// exchanged by SET_REGS/GET_REGS round-trips. Field order and sizes
// must match the kernel ABI exactly; this is a u64 wrapper struct —
// no arithmetic is ever done on it directly, only named-field access.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (GDTR/IDTR).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterruptBits = 256

// Sregs mirrors struct kvm_sregs: segment/descriptor/control-register
// state, including the 256-bit interrupt bitmap the Vcpu pending-
// interrupt bitmap is modeled on.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [numInterruptBits / 64]uint64
}

// FPU mirrors struct kvm_fpu: the 512-byte FXSAVE-layout area exchanged
// by SET_FPU/GET_FPU; this module passes it to and from KVM unchanged
// and never inspects or checks its contents.
type FPU struct {
	FPR          [8][16]uint8
	FCW          uint16
	FSW          uint16
	FTWX         uint8
	_            uint8
	LastOpcode   uint16
	LastIP       uint64
	LastDP       uint64
	XMM          [16][16]uint8
	MXCSR        uint32
	_            [4]uint32
}

// CR0/CR4 bits a guest-entry bootstrap needs to set to leave real mode
// (CR0PE), enable paging (CR0PG), and turn on 4 MiB large pages for a
// non-PAE page directory (CR4PSE) — see cmd/haxctl's protected-mode
// seed. RFLAGSIF is the interrupt-enable flag the injection loop reads
// before deciding whether a vector can be delivered this entry.
const (
	CR0PE = 1 << 0
	CR0PG = 1 << 31

	CR4PSE = 1 << 4

	RFLAGSIF = 1 << 9
)

// VcpuEvents mirrors struct kvm_vcpu_events: the exception/interrupt/
// NMI state that can still be in flight across a VM exit — the
// idt-vectoring-information equivalent a run loop consults on re-entry
// to decide whether an event interrupted mid-delivery must be
// re-injected rather than letting a fresh one through.
type VcpuEvents struct {
	ExceptionInjected     uint8
	ExceptionNr           uint8
	ExceptionHasErrorCode uint8
	ExceptionPending      uint8
	ExceptionErrorCode    uint32

	InterruptInjected uint8
	InterruptNr       uint8
	InterruptSoft     uint8
	InterruptShadow   uint8

	NMIInjected uint8
	NMIPending  uint8
	NMIMasked   uint8
	_           uint8

	SipiVector uint32
	Flags      uint32

	_ [4]uint8  // smi, unused by this module
	_ [27]uint8 // reserved

	ExceptionHasPayload uint8
	ExceptionPayload    uint64
}
