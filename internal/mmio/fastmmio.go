//go:build linux && amd64

package mmio

import "github.com/haxcore/hax-core-go/internal/kvmapi"

// FastMMIO is the tunnel payload for the fast-MMIO exit path: a single
// register<->iomem move the engine can service without a full
// generic-memory-access round trip.
type FastMMIO struct {
	GPA       uint64
	GPA2      uint64 // second GPA for MMIO<->MMIO MOVS, else unused
	Size      Size
	Direction Direction
	Value     uint64
	CR0, CR2, CR3, CR4 uint64
}

// PostOp identifies what handle_mmio_post must do once user space
// returns a value for a pending FastMMIO request.
type PostOp int

const (
	PostNoop PostOp = iota
	PostWriteReg
	PostWriteMem
)

// PostMMIO is the per-vCPU descriptor captured at decode time and
// consumed by ApplyPostMMIO after the tunnel round trip.
type PostMMIO struct {
	Op       PostOp
	RegIndex int
	VA       uint64 // guest linear address, for PostWriteMem
	Manip    ManipOp
	Value    uint64 // saved operand value, source for the manip op
	Size     Size
}

// BuildFastMMIO turns a Decoded instruction plus the faulting GPA into
// the tunnel payload and the post-processing descriptor. For
// MovStore instructions the value to write is already known (from AL/
// AX/EAX or an immediate) and is returned as the FastMMIO.Value; for
// DirRead instructions the Value field is left for user space to fill
// in, and post describes how to apply it on the next Run call.
func BuildFastMMIO(d Decoded, gpa uint64, regs *kvmapi.Regs) (FastMMIO, PostMMIO) {
	fm := FastMMIO{
		GPA:       gpa,
		Size:      d.Size,
		Direction: d.Direction,
		CR0:       0, CR2: 0, CR3: 0, CR4: 0,
	}

	if d.Direction == DirWrite {
		switch {
		case d.IsString: // STOS: value is AL/AX/EAX/RAX
			fm.Value = readReg(regs, 0, d.Size)
		case d.MovStore: // C6/C7: value is the decoded immediate
			fm.Value = d.Imm
		default: // 88/89, A2/A3: value is the register operand
			fm.Value = readReg(regs, d.RegIndex, d.Size)
		}
		return fm, PostMMIO{Op: PostNoop}
	}

	// DirRead: value comes back from user space.
	post := PostMMIO{Op: PostWriteReg, RegIndex: d.RegIndex, Manip: d.Manip, Size: d.Size}
	if d.Manip != ManipNone {
		post.Value = readReg(regs, d.RegIndex, d.Size)
	}
	return fm, post
}

// ApplyPostMMIO applies the manip op (if any) between value (returned
// by user space) and the saved operand, then stores the result per
// post.Op, truncating to post.Size. 64-bit writes overwrite the whole
// register; narrower writes preserve
// the upper bits, matching real x86 sub-register semantics for 8/16-bit
// writes (32-bit writes still zero-extend per standard x86 behavior).
func ApplyPostMMIO(post PostMMIO, value uint64, regs *kvmapi.Regs) {
	result := value
	switch post.Manip {
	case ManipAnd:
		result = value & post.Value
	case ManipOr:
		result = value | post.Value
	case ManipXor:
		result = value ^ post.Value
	}

	switch post.Op {
	case PostWriteReg:
		writeReg(regs, post.RegIndex, post.Size, result)
	case PostWriteMem:
		// Memory-destination MMIO-to-MMIO MOVS: the caller (vcpu
		// dispatcher) owns the GpaSpace write, since this package has
		// no guest-memory access of its own.
	}
}

// AdvanceString updates RSI/RDI/RCX for a REP string instruction,
// returning whether the count has reached zero (RIP should only
// advance once it has).
func AdvanceString(d Decoded, regs *kvmapi.Regs) (done bool) {
	delta := int64(d.Size)
	if d.DF {
		delta = -delta
	}
	if d.Direction != DirWrite || d.IsString {
		regs.RSI = uint64(int64(regs.RSI) + delta)
	}
	regs.RDI = uint64(int64(regs.RDI) + delta)

	if !d.Rep {
		return true
	}
	regs.RCX--
	return regs.RCX == 0
}

func regPtr(regs *kvmapi.Regs, idx int) *uint64 {
	switch idx & 0xF {
	case 0:
		return &regs.RAX
	case 1:
		return &regs.RCX
	case 2:
		return &regs.RDX
	case 3:
		return &regs.RBX
	case 4:
		return &regs.RSP
	case 5:
		return &regs.RBP
	case 6:
		return &regs.RSI
	case 7:
		return &regs.RDI
	case 8:
		return &regs.R8
	case 9:
		return &regs.R9
	case 10:
		return &regs.R10
	case 11:
		return &regs.R11
	case 12:
		return &regs.R12
	case 13:
		return &regs.R13
	case 14:
		return &regs.R14
	default:
		return &regs.R15
	}
}

func readReg(regs *kvmapi.Regs, idx int, size Size) uint64 {
	v := *regPtr(regs, idx)
	switch size {
	case Size1:
		return v & 0xFF
	case Size2:
		return v & 0xFFFF
	case Size4:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}

// writeReg stores value into register idx at the given width,
// matching real x86 sub-register write semantics: 8/16-bit writes
// preserve the untouched bits of the 64-bit register, a 32-bit write
// zero-extends to 64 bits, and a 64-bit write fully overwrites it.
func writeReg(regs *kvmapi.Regs, idx int, size Size, value uint64) {
	p := regPtr(regs, idx)
	switch size {
	case Size1:
		*p = (*p &^ 0xFF) | (value & 0xFF)
	case Size2:
		*p = (*p &^ 0xFFFF) | (value & 0xFFFF)
	case Size4:
		*p = value & 0xFFFFFFFF
	default:
		*p = value
	}
}
