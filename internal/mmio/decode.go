//go:build linux && amd64

// Package mmio implements a minimal x86 instruction decoder: invoked
// on an EPT violation that resolves to "no backing RAM", it parses the
// guest instruction at CS:RIP far enough to either emit a fastmmio
// request (the common register<->iomem move forms) or signal that the
// caller must escalate to the full, user-space-serviced MMIO exit.
package mmio

import "github.com/haxcore/hax-core-go/internal/herr"

// Direction matches the fastmmio payload's direction field: 0 means
// the CPU is reading from guest-physical memory (device -> register),
// 1 means the CPU is writing to it (register/immediate -> device).
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// Size is an operand width in bytes.
type Size int

const (
	Size1 Size = 1
	Size2 Size = 2
	Size4 Size = 4
	Size8 Size = 8
)

// ManipOp is the bitwise operation handle_mmio_post applies between the
// value returned from user space and the instruction's other operand,
// for the AND/OR/XOR reg<-[mem] forms.
type ManipOp int

const (
	ManipNone ManipOp = iota
	ManipAnd
	ManipOr
	ManipXor
)

// Decoded is the result of parsing one instruction for MMIO purposes.
type Decoded struct {
	Length    int // total bytes consumed, for RIP advancement
	Size      Size
	Direction Direction
	RegIndex  int     // register operand, standard x86 encoding 0..15
	Manip     ManipOp // ManipNone unless this is an AND/OR/XOR form
	IsString  bool    // STOS/MOVS
	Rep       bool
	DF        bool // EFLAGS.DF, needed by the caller to sign RSI/RDI advance
	MovStore  bool // true for C6/C7 and STOS: value comes from immediate/AL/AX/EAX, not dst read
	Imm       uint64
}

// ErrUnsupportedOpcode signals the caller must escalate to the full
// generic MMIO exit path.
var ErrUnsupportedOpcode = herr.ErrInvalid

type prefixes struct {
	rep     bool
	opSize  bool // 0x66: toggles the default 32-bit operand size to 16
	addrSize bool // 0x67: address-size override, irrelevant to register width
	segOverride byte
	rexW, rexR, rexX, rexB bool
	hasREX  bool
}

// Decode parses inst (the raw bytes fetched from guest CS:RIP, up to
// 15 bytes) assuming long mode (64-bit) addressing — the only mode
// this engine's supported guests run MMIO-capable code in. df is the
// guest's current EFLAGS.DF bit.
func Decode(inst []byte, df bool) (Decoded, error) {
	i := 0
	var p prefixes
	p.segOverride = 0xFF

	// Up to 4 legacy prefixes.
	for count := 0; count < 4 && i < len(inst); count++ {
		switch inst[i] {
		case 0xF0: // LOCK: ignored
			i++
		case 0xF2, 0xF3: // REPNE/REP
			p.rep = true
			i++
		case 0x66:
			p.opSize = true
			i++
		case 0x67:
			p.addrSize = true
			i++
		case 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
			p.segOverride = inst[i]
			i++
		default:
			count = 4 // break out: not a prefix byte
		}
	}

	if i < len(inst) && inst[i]&0xF0 == 0x40 {
		b := inst[i]
		p.hasREX = true
		p.rexW = b&0x08 != 0
		p.rexR = b&0x04 != 0
		p.rexX = b&0x02 != 0
		p.rexB = b&0x01 != 0
		i++
	}

	if i >= len(inst) {
		return Decoded{}, ErrUnsupportedOpcode
	}

	escaped := false
	if inst[i] == 0x0F {
		escaped = true
		i++
		if i >= len(inst) {
			return Decoded{}, ErrUnsupportedOpcode
		}
	}

	opcode := inst[i]
	i++

	d := Decoded{DF: df, Rep: p.rep}

	switch {
	case escaped && (opcode == 0xB6 || opcode == 0xB7): // MOVZX
		modrm, consumed, err := decodeModRM(inst[i:], p)
		if err != nil {
			return Decoded{}, err
		}
		i += consumed
		d.Size = sizeFor(opcode == 0xB7, p)
		d.Direction = DirRead
		d.RegIndex = modrm.reg

	case !escaped && (opcode == 0x88 || opcode == 0x89): // MOV [mem], reg
		modrm, consumed, err := decodeModRM(inst[i:], p)
		if err != nil {
			return Decoded{}, err
		}
		i += consumed
		d.Size = byteOrWordSize(opcode == 0x89, p)
		d.Direction = DirWrite
		d.RegIndex = modrm.reg

	case !escaped && (opcode == 0x8A || opcode == 0x8B): // MOV reg, [mem]
		modrm, consumed, err := decodeModRM(inst[i:], p)
		if err != nil {
			return Decoded{}, err
		}
		i += consumed
		d.Size = byteOrWordSize(opcode == 0x8B, p)
		d.Direction = DirRead
		d.RegIndex = modrm.reg

	case opcode >= 0xA0 && opcode <= 0xA3: // MOV AL/eAX, moffs / moffs, AL/eAX
		i += 8 // absolute moffs operand (64-bit mode)
		d.RegIndex = 0 // AL/AX/EAX/RAX
		if opcode == 0xA0 || opcode == 0xA1 {
			d.Direction = DirRead
		} else {
			d.Direction = DirWrite
		}
		d.Size = byteOrWordSize(opcode == 0xA1 || opcode == 0xA3, p)

	case opcode == 0xC6 || opcode == 0xC7: // MOV [mem], imm
		modrm, consumed, err := decodeModRM(inst[i:], p)
		if err != nil {
			return Decoded{}, err
		}
		i += consumed
		d.Size = byteOrWordSize(opcode == 0xC7, p)
		d.Direction = DirWrite
		d.MovStore = true
		immLen := int(d.Size)
		if d.Size == Size8 {
			immLen = 4 // imm32 sign-extended, standard x86 encoding
		}
		if i+immLen > len(inst) {
			return Decoded{}, ErrUnsupportedOpcode
		}
		d.Imm = readImm(inst[i:i+immLen], immLen)
		i += immLen

	case opcode == 0xAA || opcode == 0xAB: // STOS
		d.Size = byteOrWordSize(opcode == 0xAB, p)
		d.Direction = DirWrite
		d.MovStore = true
		d.IsString = true
		d.RegIndex = 0 // AL/AX/EAX/RAX

	case opcode == 0xA4 || opcode == 0xA5: // MOVS
		d.Size = byteOrWordSize(opcode == 0xA5, p)
		d.IsString = true
		// Direction is determined by the caller consulting the GPA
		// space for src (RSI) vs dst (RDI); the decoder reports
		// IsString and lets the vcpu dispatcher resolve which side is
		// the iomem operand.

	case opcode == 0x22 || opcode == 0x23: // AND reg <- [mem]
		d, err := decodeManipReg(inst, i, p, ManipAnd, opcode == 0x23)
		if err != nil {
			return Decoded{}, err
		}
		return d, nil

	case opcode == 0x0A || opcode == 0x0B: // OR reg <- [mem]
		d, err := decodeManipReg(inst, i, p, ManipOr, opcode == 0x0B)
		if err != nil {
			return Decoded{}, err
		}
		return d, nil

	case opcode == 0x32 || opcode == 0x33: // XOR reg <- [mem]
		d, err := decodeManipReg(inst, i, p, ManipXor, opcode == 0x33)
		if err != nil {
			return Decoded{}, err
		}
		return d, nil

	default:
		return Decoded{}, ErrUnsupportedOpcode
	}

	d.Length = i
	return d, nil
}

func decodeManipReg(inst []byte, i int, p prefixes, op ManipOp, wide bool) (Decoded, error) {
	modrm, consumed, err := decodeModRM(inst[i:], p)
	if err != nil {
		return Decoded{}, err
	}
	i += consumed
	return Decoded{
		Length:    i,
		Size:      byteOrWordSize(wide, p),
		Direction: DirRead,
		RegIndex:  modrm.reg,
		Manip:     op,
	}, nil
}

func byteOrWordSize(wide bool, p prefixes) Size {
	if !wide {
		return Size1
	}
	return operandSize(p, true)
}

func sizeFor(wordSrc bool, p prefixes) Size {
	// MOVZX's destination is always the full operand size; wordSrc
	// distinguishes byte (B6) vs word (B7) source, irrelevant to the
	// fastmmio size field, which reports the memory operand's width.
	if !wordSrc {
		return Size1
	}
	return Size2
}

func operandSize(p prefixes, defaultWide bool) Size {
	if !defaultWide {
		return Size1
	}
	if p.rexW {
		return Size8
	}
	if p.opSize {
		return Size2
	}
	return Size4
}

type modRM struct {
	mod, reg, rm int
}

// decodeModRM parses the ModRM byte and any SIB/displacement bytes
// needed for the memory addressing forms this decoder supports,
// returning the number of bytes consumed (including ModRM itself).
// Only the reg field is needed by callers; the memory operand's
// effective address is the guest-physical address the EPT violation
// already supplied.
func decodeModRM(b []byte, p prefixes) (modRM, int, error) {
	if len(b) == 0 {
		return modRM{}, 0, ErrUnsupportedOpcode
	}
	m := modRM{
		mod: int(b[0]>>6) & 0x3,
		reg: int(b[0]>>3) & 0x7,
		rm:  int(b[0]) & 0x7,
	}
	if p.rexR {
		m.reg += 8
	}
	n := 1
	if m.mod != 3 && m.rm == 4 { // SIB byte present
		n++
	}
	switch m.mod {
	case 0:
		if m.rm == 5 { // RIP-relative or disp32-only
			n += 4
		}
	case 1:
		n += 1
	case 2:
		n += 4
	}
	if n > len(b) {
		return modRM{}, 0, ErrUnsupportedOpcode
	}
	return m, n, nil
}

func readImm(b []byte, n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
