//go:build linux && amd64

// Package vcpu drives a single virtual CPU's run loop: one KVM_RUN per
// iteration, exit-reason dispatch, and event injection. This is the
// per-thread loop the scheduling model requires each vCPU to run on
// its own calling goroutine — nothing here is safe to call
// concurrently for the same Vcpu.
package vcpu

import (
	"fmt"

	"github.com/haxcore/hax-core-go/internal/ept"
	"github.com/haxcore/hax-core-go/internal/herr"
	"github.com/haxcore/hax-core-go/internal/kvmapi"
	"github.com/haxcore/hax-core-go/internal/memory"
	"github.com/haxcore/hax-core-go/internal/mmio"
	"github.com/haxcore/hax-core-go/internal/vcpurun"
	"github.com/haxcore/hax-core-go/tunnel"
)

// Vcpu is one virtual CPU: its KVM fd, the loaded run session, and the
// shared guest-memory/EPT state it consults on every exit.
type Vcpu struct {
	ID   int
	fd   int
	sess *vcpurun.Session
	gpa  *memory.GpaSpace
	tree *ept.Tree
	page *tunnel.Page

	Inject InjectionState

	paused   bool
	panicked *herr.PanicInfo

	pendingPost    mmio.PostMMIO
	pendingDecoded mmio.Decoded
}

// New wraps an already-created vCPU fd (from kvmapi.CreateVCPU) with
// its mmap'd run session.
func New(id, fd int, mmapSize int, gpa *memory.GpaSpace, tree *ept.Tree) (*Vcpu, error) {
	sess, err := vcpurun.NewSession(fd, mmapSize)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: %w", id, err)
	}
	return &Vcpu{ID: id, fd: fd, sess: sess, gpa: gpa, tree: tree, page: tunnel.NewPage(sess.Page())}, nil
}

// Close unmaps the run session. It does not close fd; the owning
// vm.Vm does, since the fd is KVM_CREATE_VCPU's return value and the
// VM's to dispose of.
func (v *Vcpu) Close() error { return v.sess.Close() }

// FD exposes the raw vCPU descriptor for callers that need to seed
// initial register/segment state (a boot loader, a reset vector)
// before the first Step.
func (v *Vcpu) FD() int { return v.fd }

// Pause requests that the run loop return a StatePaused state-change
// exit at its next iteration boundary rather than re-entering the guest.
func (v *Vcpu) Pause() { v.paused = true }

// Resume clears a pending pause.
func (v *Vcpu) Resume() { v.paused = false }

// Panicked reports the diagnostic snapshot recorded by a fatal guest
// entry failure, if any.
func (v *Vcpu) Panicked() (*herr.PanicInfo, bool) {
	return v.panicked, v.panicked != nil
}

// regs round-trips the vCPU's general-purpose register file.
func (v *Vcpu) regs() (*kvmapi.Regs, error) {
	var r kvmapi.Regs
	if err := kvmapi.GetRegs(v.fd, &r); err != nil {
		return nil, fmt.Errorf("vcpu %d: GET_REGS: %w", v.ID, err)
	}
	return &r, nil
}

func (v *Vcpu) setRegs(r *kvmapi.Regs) error {
	if err := kvmapi.SetRegs(v.fd, r); err != nil {
		return fmt.Errorf("vcpu %d: SET_REGS: %w", v.ID, err)
	}
	return nil
}

// Step runs the vCPU until exactly one tunnel.Exit is produced for the
// caller to act on (an I/O, MMIO, HLT, pause, or fatal condition), or
// returns an error for a host-fatal entry failure. Exits this package
// can resolve on its own (cold-page EPT violations, HLT with an
// interrupt pending, an interrupt-window exit) are handled internally
// and looped past rather than surfaced; every MMIO access, fast-path
// or not, is surfaced to the caller.
func (v *Vcpu) Step() (tunnel.Exit, error) {
	for {
		if v.paused {
			return tunnel.Exit{State: &tunnel.StateChange{Kind: tunnel.StatePaused}}, nil
		}
		if v.panicked != nil {
			return tunnel.Exit{}, fmt.Errorf("vcpu %d: panicked: %s", v.ID, v.panicked.Reason)
		}

		if err := v.applyPendingInjection(); err != nil {
			return tunnel.Exit{}, err
		}

		if err := v.sess.Run(); err != nil {
			return tunnel.Exit{}, fmt.Errorf("vcpu %d: KVM_RUN: %w", v.ID, err)
		}
		if err := v.syncReinjection(); err != nil {
			return tunnel.Exit{}, err
		}

		exit, resolved, err := v.dispatch(v.page)
		if err != nil {
			return tunnel.Exit{}, err
		}
		if resolved {
			continue
		}
		return exit, nil
	}
}

// applyPendingInjection delivers the next vector (a reinjected event
// takes priority over a freshly pending one) if the guest's IF flag
// permits it this entry, and otherwise requests an interrupt-window
// exit so the injection loop gets another chance the moment IF opens.
func (v *Vcpu) applyPendingInjection() error {
	regs, err := v.regs()
	if err != nil {
		return err
	}
	ifSet := regs.RFLAGS&kvmapi.RFLAGSIF != 0
	vector, _, _, ok := v.Inject.NextVector(ifSet)
	if ok {
		v.Inject.WindowWanted = false
		v.page.SetRequestInterruptWindow(false)
		return kvmapi.Interrupt(v.fd, uint32(vector))
	}

	wantWindow := !ifSet && v.Inject.Pending.Pending()
	v.Inject.WindowWanted = wantWindow
	v.page.SetRequestInterruptWindow(wantWindow)
	return nil
}

// syncReinjection reads back the exception/interrupt state KVM
// tracked across the just-completed entry. An event still marked
// injected means the exit happened before delivery finished (the
// idt-vectoring case) and must be handed to the next entry rather
// than dropped.
func (v *Vcpu) syncReinjection() error {
	var ev kvmapi.VcpuEvents
	if err := kvmapi.GetVcpuEvents(v.fd, &ev); err != nil {
		return fmt.Errorf("vcpu %d: GET_VCPU_EVENTS: %w", v.ID, err)
	}
	switch {
	case ev.ExceptionInjected != 0:
		v.Inject.RequestReinjection(ev.ExceptionNr, ev.ExceptionErrorCode)
	case ev.InterruptInjected != 0:
		v.Inject.RequestReinjection(ev.InterruptNr, 0)
	}
	return nil
}

// handleEPTViolation classifies and, where possible, resolves an EPT
// violation without surfacing an exit to the caller — the cold-page
// install path taken on first touch of any guest RAM page.
func (v *Vcpu) handleEPTViolation(gpa uint64, write, execute bool) (tunnel.Exit, bool, error) {
	gfn := gpa >> 12
	kind, err := v.tree.HandleAccessViolation(ept.AccessViolation{
		GFN: gfn, Read: !write, Write: write, Execute: execute,
	})
	switch kind {
	case ept.ViolationColdPage:
		return tunnel.Exit{}, true, err
	case ept.ViolationProtected:
		return tunnel.Exit{GpaProt: &tunnel.GpaProtExit{GPA: gpa, Write: write}}, false, nil
	case ept.ViolationMMIO:
		return v.serviceMMIO(gpa)
	default: // ViolationPermission
		return tunnel.Exit{}, false, err
	}
}

// serviceMMIO decodes the faulting instruction at the current RIP and
// either services it via the fast single-access path or escalates to
// a generic MMIO exit for the caller to service directly.
func (v *Vcpu) serviceMMIO(gpa uint64) (tunnel.Exit, bool, error) {
	regs, err := v.regs()
	if err != nil {
		return tunnel.Exit{}, false, err
	}
	var sregs kvmapi.Sregs
	if err := kvmapi.GetSregs(v.fd, &sregs); err != nil {
		return tunnel.Exit{}, false, fmt.Errorf("vcpu %d: GET_SREGS: %w", v.ID, err)
	}

	code := make([]byte, 15)
	n, rerr := v.gpa.ReadData(sregs.CS.Base+regs.RIP, uint64(len(code)), code)
	if rerr != nil || n == 0 {
		return tunnel.Exit{MMIO: &tunnel.MMIOExit{PhysAddr: gpa}}, false, nil
	}

	df := regs.RFLAGS&(1<<10) != 0
	d, derr := mmio.Decode(code[:n], df)
	if derr != nil {
		return tunnel.Exit{MMIO: &tunnel.MMIOExit{PhysAddr: gpa}}, false, nil
	}

	var fm mmio.FastMMIO
	var post mmio.PostMMIO

	if d.IsString && !d.MovStore {
		// MOVS: the decoder can't tell which side is the iomem
		// operand, so resolve it here by consulting the GPA space for
		// src (RSI) vs dst (RDI).
		dir, srcLinear, dstLinear, ok := v.resolveMovsDirection(sregs, regs)
		if !ok {
			return tunnel.Exit{MMIO: &tunnel.MMIOExit{PhysAddr: gpa}}, false, nil
		}
		d.Direction = dir
		fm, _ = mmio.BuildFastMMIO(d, gpa, regs)

		switch dir {
		case mmio.DirWrite:
			// dst (RDI) is the iomem operand; the value to write
			// comes from guest RAM at src (RSI), not a register.
			buf := make([]byte, int(d.Size))
			if rn, rerr := v.gpa.ReadData(srcLinear, uint64(len(buf)), buf); rerr != nil || rn != uint64(len(buf)) {
				return tunnel.Exit{MMIO: &tunnel.MMIOExit{PhysAddr: gpa}}, false, nil
			}
			fm.Value = leBytesToUint64(buf)
			post = mmio.PostMMIO{Op: mmio.PostNoop}
		case mmio.DirRead:
			// src (RSI) is the iomem operand; the value returned by
			// the caller must land in guest RAM at dst (RDI), not a
			// register.
			post = mmio.PostMMIO{Op: mmio.PostWriteMem, VA: dstLinear, Size: d.Size}
		}
	} else {
		fm, post = mmio.BuildFastMMIO(d, gpa, regs)
	}

	v.pendingPost = post
	v.pendingDecoded = d

	// Both directions surface as a FastMMIO exit: a write carries its
	// value in fm.Value for the caller's device model to consume, a
	// read leaves it for the caller to fill in via ApplyMMIOResult.
	// Neither case advances RIP/RCX here — that only happens once the
	// caller's round trip completes, via ApplyMMIOResult.
	return tunnel.Exit{FastMMIO: &fm}, false, nil
}

// resolveMovsDirection classifies a MOVS instruction's iomem operand
// by asking the GPA space which of src (DS:RSI) or dst (ES:RDI) is
// unbacked (MMIO). ok is false if neither or both sides are MMIO —
// the generic MMIO escalation path handles those rather than this one.
func (v *Vcpu) resolveMovsDirection(sregs kvmapi.Sregs, regs *kvmapi.Regs) (dir mmio.Direction, srcLinear, dstLinear uint64, ok bool) {
	srcLinear = sregs.DS.Base + regs.RSI
	dstLinear = sregs.ES.Base + regs.RDI

	srcPFN, _, srcErr := v.gpa.GetPFN(srcLinear >> 12)
	dstPFN, _, dstErr := v.gpa.GetPFN(dstLinear >> 12)
	srcMMIO := srcErr == nil && srcPFN.IsInvalid()
	dstMMIO := dstErr == nil && dstPFN.IsInvalid()

	switch {
	case srcMMIO && !dstMMIO:
		return mmio.DirRead, srcLinear, dstLinear, true
	case dstMMIO && !srcMMIO:
		return mmio.DirWrite, srcLinear, dstLinear, true
	default:
		return 0, 0, 0, false
	}
}

// leBytesToUint64 decodes up to 8 little-endian bytes, the width
// BuildFastMMIO's Size already constrained buf to.
func leBytesToUint64(buf []byte) uint64 {
	var v uint64
	for i, b := range buf {
		v |= uint64(b) << (8 * i)
	}
	return v
}

func (v *Vcpu) advanceAfterMMIO(d mmio.Decoded, regs *kvmapi.Regs) {
	done := true
	if d.IsString {
		done = mmio.AdvanceString(d, regs)
	}
	if done {
		regs.RIP += uint64(d.Length)
	}
}
