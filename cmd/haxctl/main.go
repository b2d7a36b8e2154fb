//go:build linux && amd64

// Command haxctl boots a single flat-binary guest image through one
// vCPU's run loop and prints every exit it sees until the guest halts
// or a fatal condition stops it.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/haxcore/hax-core-go/internal/gdt"
	"github.com/haxcore/hax-core-go/internal/kvmapi"
	"github.com/haxcore/hax-core-go/internal/paging"
	"github.com/haxcore/hax-core-go/vm"
)

const (
	gdtBase = 0x1000
	pdBase  = 0x2000
	loadAt  = 0x10000
)

func main() {
	image := flag.String("image", "", "path to a flat binary guest image")
	memMB := flag.Uint64("mem", 64, "guest memory size in MiB")
	flag.Parse()

	if *image == "" {
		log.Fatal("haxctl: -image is required")
	}

	if err := run(*image, *memMB); err != nil {
		log.Fatalf("haxctl: %v", err)
	}
}

func run(imagePath string, memMB uint64) error {
	program, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}

	manager := vm.NewManager()
	machine, err := manager.CreateVM(memMB << 20)
	if err != nil {
		return err
	}
	defer manager.Destroy(machine.ID())

	gpa := machine.GpaSpace()

	builder := gdt.NewBuilder()
	codeSel := builder.AddFlatCode(0)
	dataSel := builder.AddFlatData(0)
	if _, err := gpa.WriteData(gdtBase, uint64(len(builder.Bytes())), builder.Bytes()); err != nil {
		return err
	}

	pd := make([]byte, 4096)
	paging.IdentityMapFirst4MB(pd, 0)
	if _, err := gpa.WriteData(pdBase, uint64(len(pd)), pd); err != nil {
		return err
	}

	if _, err := gpa.WriteData(loadAt, uint64(len(program)), program); err != nil {
		return err
	}
	log.Printf("haxctl: loaded %d bytes at %#x", len(program), loadAt)

	vcpu0, err := machine.CreateVcpu()
	if err != nil {
		return err
	}
	defer machine.RemoveVcpu(vcpu0.ID)

	if err := seedProtectedModeEntry(vcpu0.FD(), codeSel, dataSel); err != nil {
		return err
	}

	for {
		exit, err := vcpu0.Step()
		if err != nil {
			return err
		}
		switch {
		case exit.IO != nil:
			log.Printf("haxctl: IO port=%#x dir=%v size=%d data=%v", exit.IO.Port, exit.IO.Direction, exit.IO.Size, exit.IO.Data)
		case exit.FastMMIO != nil:
			log.Printf("haxctl: fast MMIO addr=%#x", exit.FastMMIO.PhysAddr)
		case exit.MMIO != nil:
			log.Printf("haxctl: MMIO addr=%#x write=%v", exit.MMIO.PhysAddr, exit.MMIO.IsWrite)
		case exit.State != nil:
			log.Printf("haxctl: vCPU state change kind=%d", exit.State.Kind)
			return nil
		default:
			log.Printf("haxctl: exit reason=%d", exit.Reason)
		}
	}
}

// seedProtectedModeEntry points CS/DS at the flat code/data selectors
// just built, loads CR0.PE, and sets RIP to the image's load address
// so the vCPU enters protected mode executing the loaded image
// directly rather than the BIOS reset vector KVM defaults every new
// vCPU to.
func seedProtectedModeEntry(vcpuFD int, codeSel, dataSel uint16) error {
	var sregs kvmapi.Sregs
	if err := kvmapi.GetSregs(vcpuFD, &sregs); err != nil {
		return err
	}
	sregs.GDT = kvmapi.DTable{Base: gdtBase, Limit: 0xFFFF}
	sregs.CS = kvmapi.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: codeSel, Typ: 0xB, Present: 1, DPL: 0, DB: 1, S: 1, G: 1}
	sregs.DS = kvmapi.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: dataSel, Typ: 0x3, Present: 1, DPL: 0, DB: 1, S: 1, G: 1}
	sregs.ES, sregs.FS, sregs.GS, sregs.SS = sregs.DS, sregs.DS, sregs.DS, sregs.DS
	sregs.CR3 = pdBase
	sregs.CR4 |= kvmapi.CR4PSE
	sregs.CR0 |= kvmapi.CR0PE | kvmapi.CR0PG
	if err := kvmapi.SetSregs(vcpuFD, &sregs); err != nil {
		return err
	}

	var regs kvmapi.Regs
	regs.RFLAGS = 0x2
	regs.RIP = loadAt
	return kvmapi.SetRegs(vcpuFD, &regs)
}
