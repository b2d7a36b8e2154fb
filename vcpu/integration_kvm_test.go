//go:build linux && amd64

package vcpu_test

import (
	"os"
	"testing"

	"github.com/haxcore/hax-core-go/internal/kvmapi"
	"github.com/haxcore/hax-core-go/vm"
)

func requireDevKVM(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("/dev/kvm not available in this environment")
	}
}

// realModeOutAndHalt is a flat 16-bit real-mode image: it writes 'P'
// to port 0xF8 with a single-byte OUT, then halts.
//
//	MOV AL, 'P'
//	OUT 0xF8, AL
//	HLT
var realModeOutAndHalt = []byte{
	0xB0, 'P', // B0 50
	0xE6, 0xF8, // E6 F8
	0xF4, // F4
}

// resetForFlatBoot points CS at segment 0 (the default post-reset CS
// base of 0xFFFF0000 would run the BIOS reset vector instead of the
// image this test loads at guest-physical 0) and zeroes the general
// register file so RIP starts exactly at the image's first byte.
func resetForFlatBoot(t *testing.T, vcpuFD int) {
	t.Helper()

	var sregs kvmapi.Sregs
	if err := kvmapi.GetSregs(vcpuFD, &sregs); err != nil {
		t.Fatalf("GET_SREGS: %v", err)
	}
	sregs.CS.Base = 0
	sregs.CS.Selector = 0
	if err := kvmapi.SetSregs(vcpuFD, &sregs); err != nil {
		t.Fatalf("SET_SREGS: %v", err)
	}

	var regs kvmapi.Regs
	regs.RFLAGS = 0x2
	regs.RIP = 0
	if err := kvmapi.SetRegs(vcpuFD, &regs); err != nil {
		t.Fatalf("SET_REGS: %v", err)
	}
}

func TestStepSurfacesIOThenHalts(t *testing.T) {
	requireDevKVM(t)

	m := vm.NewManager()
	v, err := m.CreateVM(16 << 20)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer m.Destroy(v.ID())

	if _, err := v.GpaSpace().WriteData(0, uint64(len(realModeOutAndHalt)), realModeOutAndHalt); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	vc, err := v.CreateVcpu()
	if err != nil {
		t.Fatalf("CreateVcpu: %v", err)
	}
	defer v.RemoveVcpu(vc.ID)

	resetForFlatBoot(t, vc.FD())

	exit, err := vc.Step()
	if err != nil {
		t.Fatalf("Step (expect IO): %v", err)
	}
	if exit.IO == nil {
		t.Fatalf("Step returned %+v, want an IO exit", exit)
	}
	if exit.IO.Port != 0xF8 {
		t.Fatalf("IO.Port = %#x, want 0xF8", exit.IO.Port)
	}
	if len(exit.IO.Data) == 0 || exit.IO.Data[0] != 'P' {
		t.Fatalf("IO.Data = %v, want first byte 'P'", exit.IO.Data)
	}

	exit, err = vc.Step()
	if err != nil {
		t.Fatalf("Step (expect HLT): %v", err)
	}
	if exit.State == nil {
		t.Fatalf("Step returned %+v, want a state-change exit", exit)
	}
}
