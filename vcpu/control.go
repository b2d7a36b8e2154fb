//go:build linux && amd64

package vcpu

import (
	"fmt"

	"github.com/haxcore/hax-core-go/internal/kvmapi"
)

// GetRegs returns the vCPU's current general-purpose register file.
func (v *Vcpu) GetRegs() (kvmapi.Regs, error) {
	r, err := v.regs()
	if err != nil {
		return kvmapi.Regs{}, err
	}
	return *r, nil
}

// SetRegs installs a new general-purpose register file, for a caller
// seeding initial vCPU state before the first Step.
func (v *Vcpu) SetRegs(r kvmapi.Regs) error { return v.setRegs(&r) }

// GetSregs returns the vCPU's segment/control-register state.
func (v *Vcpu) GetSregs() (kvmapi.Sregs, error) {
	var s kvmapi.Sregs
	if err := kvmapi.GetSregs(v.fd, &s); err != nil {
		return kvmapi.Sregs{}, fmt.Errorf("vcpu %d: GET_SREGS: %w", v.ID, err)
	}
	return s, nil
}

// SetSregs installs new segment/control-register state.
func (v *Vcpu) SetSregs(s kvmapi.Sregs) error {
	if err := kvmapi.SetSregs(v.fd, &s); err != nil {
		return fmt.Errorf("vcpu %d: SET_SREGS: %w", v.ID, err)
	}
	return nil
}

// GetFPU returns the vCPU's FXSAVE-layout FPU/SSE state.
func (v *Vcpu) GetFPU() (kvmapi.FPU, error) {
	var f kvmapi.FPU
	if err := kvmapi.GetFPU(v.fd, &f); err != nil {
		return kvmapi.FPU{}, fmt.Errorf("vcpu %d: GET_FPU: %w", v.ID, err)
	}
	return f, nil
}

// SetFPU installs new FPU/SSE state.
func (v *Vcpu) SetFPU(f kvmapi.FPU) error {
	if err := kvmapi.SetFPU(v.fd, &f); err != nil {
		return fmt.Errorf("vcpu %d: SET_FPU: %w", v.ID, err)
	}
	return nil
}

// GetMSRs reads the named MSRs' current values, filling Data in place.
func (v *Vcpu) GetMSRs(entries []kvmapi.MSREntry) error {
	if err := kvmapi.GetMSRs(v.fd, entries); err != nil {
		return fmt.Errorf("vcpu %d: GET_MSRS: %w", v.ID, err)
	}
	return nil
}

// SetMSRs writes the given MSR index/value pairs.
func (v *Vcpu) SetMSRs(entries []kvmapi.MSREntry) error {
	if err := kvmapi.SetMSRs(v.fd, entries); err != nil {
		return fmt.Errorf("vcpu %d: SET_MSRS: %w", v.ID, err)
	}
	return nil
}

// SetCPUID installs the guest-visible CPUID leaves this vCPU reports,
// as transformed by a cpuid.Table for the owning VM.
func (v *Vcpu) SetCPUID(entries []kvmapi.CPUIDEntry2) error {
	if err := kvmapi.SetCPUID2(v.fd, entries); err != nil {
		return fmt.Errorf("vcpu %d: SET_CPUID2: %w", v.ID, err)
	}
	return nil
}

// Interrupt raises vector as a pending interrupt, to be delivered the
// next time EFLAGS.IF is set and no higher-priority reinjection is
// outstanding.
func (v *Vcpu) Interrupt(vector uint8) { v.Inject.Pending.Raise(vector) }
