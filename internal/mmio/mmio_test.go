//go:build linux && amd64

package mmio_test

import (
	"testing"

	"github.com/haxcore/hax-core-go/internal/kvmapi"
	"github.com/haxcore/hax-core-go/internal/mmio"
)

// TestDecodeMovAlMoffs covers `mov al, [0xF0000]` decoded as opcode
// 0xA0 (AL <- moffs8), then the resulting fastmmio request and
// post-processing after user space supplies value=0xAB.
func TestDecodeMovAlMoffs(t *testing.T) {
	inst := []byte{0xA0, 0x00, 0x00, 0x0F, 0x00, 0x00, 0x00, 0x00, 0x00} // A0 + imm64 moffs

	d, err := mmio.Decode(inst, false)
	if err != nil {
		t.Fatal(err)
	}
	if d.Size != mmio.Size1 || d.Direction != mmio.DirRead || d.RegIndex != 0 {
		t.Fatalf("unexpected decode: %+v", d)
	}
	if d.Length != len(inst) {
		t.Fatalf("expected length %d, got %d", len(inst), d.Length)
	}

	regs := &kvmapi.Regs{RAX: 0xFFFFFFFFFFFFFF00}
	fm, post := mmio.BuildFastMMIO(d, 0xF0000, regs)
	if fm.GPA != 0xF0000 || fm.Size != mmio.Size1 || fm.Direction != mmio.DirRead {
		t.Fatalf("unexpected fastmmio payload: %+v", fm)
	}

	mmio.ApplyPostMMIO(post, 0xAB, regs)
	if regs.RAX != 0xFFFFFFFFFFFFFFAB {
		t.Fatalf("expected AL written without disturbing upper RAX bits, got %#x", regs.RAX)
	}
}

// TestDecodeMovzxRegFromMem covers the 0F B6/B7 MOVZX forms.
func TestDecodeMovzxRegFromMem(t *testing.T) {
	inst := []byte{0x0F, 0xB6, 0x00} // movzx eax, byte [rax]
	d, err := mmio.Decode(inst, false)
	if err != nil {
		t.Fatal(err)
	}
	if d.Size != mmio.Size1 || d.Direction != mmio.DirRead {
		t.Fatalf("unexpected decode: %+v", d)
	}
}

// TestRepMovsbAdvancesAndDecrements covers rep movsb with ECX=4,
// exercising AdvanceString's RSI/RDI/RCX bookkeeping across four
// simulated exits, confirming RIP is only advanced on the final one.
func TestRepMovsbAdvancesAndDecrements(t *testing.T) {
	inst := []byte{0xF3, 0xA4} // rep movsb
	d, err := mmio.Decode(inst, false)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Rep || !d.IsString || d.Size != mmio.Size1 {
		t.Fatalf("unexpected decode: %+v", d)
	}

	regs := &kvmapi.Regs{RSI: 0x1000, RDI: 0xF0000, RCX: 4}
	for i := 0; i < 4; i++ {
		done := mmio.AdvanceString(d, regs)
		wantRSI := uint64(0x1000 + i + 1)
		wantRDI := uint64(0xF0000 + i + 1)
		if regs.RSI != wantRSI || regs.RDI != wantRDI {
			t.Fatalf("iter %d: RSI=%#x RDI=%#x, want %#x/%#x", i, regs.RSI, regs.RDI, wantRSI, wantRDI)
		}
		wantDone := i == 3
		if done != wantDone {
			t.Fatalf("iter %d: done=%v, want %v", i, done, wantDone)
		}
	}
	if regs.RCX != 0 {
		t.Fatalf("expected RCX to reach 0, got %d", regs.RCX)
	}
}

func TestAdvanceStringHonorsDirectionFlag(t *testing.T) {
	inst := []byte{0xA4} // movsb, no rep
	d, err := mmio.Decode(inst, true) // DF=1: decrement
	if err != nil {
		t.Fatal(err)
	}
	regs := &kvmapi.Regs{RSI: 0x1000, RDI: 0x2000}
	done := mmio.AdvanceString(d, regs)
	if !done {
		t.Fatal("expected non-REP string op to report done immediately")
	}
	if regs.RSI != 0x0FFF || regs.RDI != 0x1FFF {
		t.Fatalf("expected descending addresses under DF=1, got RSI=%#x RDI=%#x", regs.RSI, regs.RDI)
	}
}

func TestDecodeStosAbUsesALSource(t *testing.T) {
	inst := []byte{0xAA} // stosb
	d, err := mmio.Decode(inst, false)
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsString || !d.MovStore || d.Direction != mmio.DirWrite {
		t.Fatalf("unexpected decode: %+v", d)
	}
	regs := &kvmapi.Regs{RAX: 0x1234567890ABCDEF}
	fm, _ := mmio.BuildFastMMIO(d, 0xF0000, regs)
	if fm.Value != 0xEF {
		t.Fatalf("expected AL (0xEF) as stos value, got %#x", fm.Value)
	}
}

func TestDecodeMovImmToMem(t *testing.T) {
	inst := []byte{0xC6, 0x00, 0x42} // mov byte [rax], 0x42
	d, err := mmio.Decode(inst, false)
	if err != nil {
		t.Fatal(err)
	}
	if !d.MovStore || d.Direction != mmio.DirWrite || d.Size != mmio.Size1 {
		t.Fatalf("unexpected decode: %+v", d)
	}
	regs := &kvmapi.Regs{}
	fm, _ := mmio.BuildFastMMIO(d, 0xF0000, regs)
	if fm.Value != 0x42 {
		t.Fatalf("expected immediate 0x42, got %#x", fm.Value)
	}
}

func TestDecodeUnsupportedOpcodeEscalates(t *testing.T) {
	inst := []byte{0xFF, 0x00} // INC/CALL group, not in the supported set
	if _, err := mmio.Decode(inst, false); err == nil {
		t.Fatal("expected unsupported opcode to return an error (escalate to full MMIO)")
	}
}

func TestDecodeAndRegFromMem(t *testing.T) {
	inst := []byte{0x22, 0x00} // and al, [rax]
	d, err := mmio.Decode(inst, false)
	if err != nil {
		t.Fatal(err)
	}
	if d.Manip != mmio.ManipAnd || d.Size != mmio.Size1 {
		t.Fatalf("unexpected decode: %+v", d)
	}
	regs := &kvmapi.Regs{RAX: 0x0F}
	_, post := mmio.BuildFastMMIO(d, 0xF0000, regs)
	mmio.ApplyPostMMIO(post, 0xFC, regs)
	if regs.RAX&0xFF != 0x0C {
		t.Fatalf("expected AL = 0x0F & 0xFC = 0x0C, got %#x", regs.RAX&0xFF)
	}
}
