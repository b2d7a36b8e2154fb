package ept

import "github.com/haxcore/hax-core-go/internal/herr"

// ViolationKind classifies an EPT violation exit for the vcpu
// dispatcher.
type ViolationKind int

const (
	// ViolationColdPage means the GFN had no leaf installed — the
	// common case on first touch of a RAM page. HandleAccessViolation
	// has already installed the entry, so the caller resumes the guest
	// without an exit to the tunnel.
	ViolationColdPage ViolationKind = iota
	// ViolationProtected means the GFN is covered by GpaSpace's
	// explicit page-protection bitmap — the violation must be reported
	// to the API client as a gpa_protection exit.
	ViolationProtected
	// ViolationMMIO means the GFN resolves to no RAM slot at all and
	// must be decoded and serviced as device I/O (internal/mmio).
	ViolationMMIO
	// ViolationPermission means a real mapping exists but the access
	// (e.g. a write to a read-only page) is not permitted by it.
	ViolationPermission
)

// AccessViolation describes one EPT violation VM-exit, already
// decoded from the raw exit qualification by the caller (vcpurun).
type AccessViolation struct {
	GFN     uint64
	Read    bool
	Write   bool
	Execute bool
}

// HandleAccessViolation classifies an EPT violation and, for the
// cold-page case, installs the mapping so the guest can be resumed
// without surfacing the fault further.
func (t *Tree) HandleAccessViolation(v AccessViolation) (ViolationKind, error) {
	if faultGFN, protected := t.protectionCheck(v.GFN); protected {
		_ = faultGFN
		return ViolationProtected, nil
	}

	pfn, flags, err := t.resolver.GetPFN(v.GFN)
	if err != nil {
		return ViolationMMIO, err
	}
	if pfn.IsInvalid() {
		return ViolationMMIO, nil
	}

	if _, ok := t.Lookup(v.GFN); ok {
		// A mapping already exists: this is a genuine permission
		// violation (e.g. write to a read-only slot), not a cold miss.
		return ViolationPermission, herr.ErrAccess
	}

	perm := PermRX
	if flags.Writable() {
		perm = PermRWX
	}
	if err := t.CreateEntry(v.GFN, perm); err != nil {
		return ViolationColdPage, err
	}
	return ViolationColdPage, nil
}

// protectionCheck delegates to a chunk-granularity scan, through the
// same Resolver used for PFN lookups when it also implements
// protectionChecker; GpaSpace does.
type protectionChecker interface {
	IsChunkProtected(gfn uint64) (uint64, bool)
}

func (t *Tree) protectionCheck(gfn uint64) (uint64, bool) {
	pc, ok := t.resolver.(protectionChecker)
	if !ok {
		return 0, false
	}
	return pc.IsChunkProtected(gfn)
}

// HandleMisconfiguration repairs an EPT misconfiguration exit by
// re-asserting the accessed bit on the offending leaf while preserving
// its PFN and permissions. Re-asserting the accessed bit is the only
// repair performed; every leaf CreateEntry installs already carries
// it, so for such a leaf the call changes nothing. There is no
// MTRR-type mismatch to reconcile since every leaf is
// always written back as write-back memory type, and MTRR/PAT
// emulation is out of scope.
func (t *Tree) HandleMisconfiguration(gfn uint64) error {
	pt, idx, ok := t.descend(gfn, false)
	if !ok {
		return herr.ErrInvalid
	}
	cell := &pt.entries[idx]
	for {
		e := cell.load()
		if !e.Present() {
			return herr.ErrInvalid
		}
		fixed := e.WithAccessed()
		if fixed == e {
			return nil
		}
		if cell.casFrom(e, fixed) {
			return nil
		}
	}
}
