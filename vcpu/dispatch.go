//go:build linux && amd64

package vcpu

import (
	"fmt"

	"github.com/haxcore/hax-core-go/internal/herr"
	"github.com/haxcore/hax-core-go/internal/kvmapi"
	"github.com/haxcore/hax-core-go/internal/mmio"
	"github.com/haxcore/hax-core-go/tunnel"
)

// dispatch classifies one KVM_RUN result. resolved reports whether
// this package fully serviced the exit internally (the caller should
// Step again without seeing it); otherwise exit is the value Step
// should return.
func (v *Vcpu) dispatch(page *tunnel.Page) (exit tunnel.Exit, resolved bool, err error) {
	common := page.Common()

	switch common.Reason {
	case kvmapi.ExitIO:
		io := page.IO()
		common.IO = &io
		return common, false, nil

	case kvmapi.ExitMMIO:
		m := page.MMIO()
		return v.handleEPTViolation(m.PhysAddr, m.IsWrite, false)

	case kvmapi.ExitHLT:
		if v.Inject.Pending.Pending() {
			return tunnel.Exit{}, true, nil
		}
		return tunnel.Exit{State: &tunnel.StateChange{Kind: tunnel.StateHalted}}, false, nil

	case kvmapi.ExitIRQWindow:
		v.Inject.WindowWanted = false
		return tunnel.Exit{}, true, nil

	case kvmapi.ExitIntr:
		return common, false, nil

	case kvmapi.ExitShutdown:
		v.panicked = &herr.PanicInfo{Reason: "triple fault", ExitReason: common.Reason}
		return tunnel.Exit{}, false, fmt.Errorf("vcpu %d: triple fault", v.ID)

	case kvmapi.ExitFailEntry, kvmapi.ExitInternalErr:
		v.panicked = &herr.PanicInfo{Reason: "guest entry failure", ExitReason: common.Reason}
		return tunnel.Exit{}, false, fmt.Errorf("vcpu %d: guest entry failure, exit reason %d", v.ID, common.Reason)

	default:
		return common, false, nil
	}
}

// ApplyMMIOResult applies a value returned from the tunnel caller for
// a prior FastMMIO exit (the DirRead case, where user space supplies
// the device's read result) and advances the guest past the
// instruction, mirroring handle_mmio_post. A read stores value in the
// destination register, or in guest RAM for a MOVS read. A write exit
// ignores value, but the caller still calls this once its round trip
// completes so RIP/RCX actually move.
func (v *Vcpu) ApplyMMIOResult(value uint64) error {
	regs, err := v.regs()
	if err != nil {
		return err
	}
	if v.pendingPost.Op == mmio.PostWriteMem {
		buf := leUint64ToBytes(value, v.pendingPost.Size)
		if _, werr := v.gpa.WriteData(v.pendingPost.VA, uint64(len(buf)), buf); werr != nil {
			return fmt.Errorf("vcpu %d: MMIO post write: %w", v.ID, werr)
		}
	} else {
		mmio.ApplyPostMMIO(v.pendingPost, value, regs)
	}
	v.advanceAfterMMIO(v.pendingDecoded, regs)
	return v.setRegs(regs)
}

// leUint64ToBytes truncates value to size bytes, little-endian — the
// memory-side counterpart of leBytesToUint64.
func leUint64ToBytes(value uint64, size mmio.Size) []byte {
	buf := make([]byte, int(size))
	for i := range buf {
		buf[i] = byte(value >> (8 * i))
	}
	return buf
}
