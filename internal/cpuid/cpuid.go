// Package cpuid implements the CPUID virtualization table: a static
// table of leaves the engine virtualizes (each either transformed or
// passed through from the host), and a second table of leaves the
// device model may override via SetGuestFeatures. The typed bit
// constants per leaf/register (F1Edx/F1Ecx) follow the shape used by
// other Go KVM CPUID feature tables in the ecosystem.
package cpuid

import "sort"

// Entry is one guest-visible CPUID leaf/subleaf result, the unit the
// guest-issued CPUID exit handler looks up by Function and Index and
// the device model overrides via SetGuestFeatures.
type Entry struct {
	Function uint32
	Index    uint32
	EAX, EBX, ECX, EDX uint32
}

const (
	hypervisorLeafBase = 0x40000000
	maxBasicLeafCeiling = 0x16
	maxExtLeafCeiling    = 0x80000008
)

// kFixedFeatures is OR'd into leaf 1 EDX on every SetGuestFeatures
// call to guarantee flags the guest relies on: MCE, APIC, MTRR, PAT.
const kFixedFeatures uint32 = (1 << 7) /* MCE */ | (1 << 9) /* APIC */ | (1 << 12) /* MTRR */ | (1 << 16) /* PAT */

// F1Edx/F1Ecx bit positions for leaf 1 EDX/ECX.
const (
	F1EdxFPU    uint32 = 1 << 0
	F1EdxVME    uint32 = 1 << 1
	F1EdxDE     uint32 = 1 << 2
	F1EdxPSE    uint32 = 1 << 3
	F1EdxTSC    uint32 = 1 << 4
	F1EdxMSR    uint32 = 1 << 5
	F1EdxPAE    uint32 = 1 << 6
	F1EdxMCE    uint32 = 1 << 7
	F1EdxCX8    uint32 = 1 << 8
	F1EdxAPIC   uint32 = 1 << 9
	F1EdxSEP    uint32 = 1 << 11
	F1EdxMTRR   uint32 = 1 << 12
	F1EdxPGE    uint32 = 1 << 13
	F1EdxMCA    uint32 = 1 << 14
	F1EdxCMOV   uint32 = 1 << 15
	F1EdxPAT    uint32 = 1 << 16
	F1EdxCLFLUSH uint32 = 1 << 19
	F1EdxMMX    uint32 = 1 << 23
	F1EdxFXSR   uint32 = 1 << 24
	F1EdxSSE    uint32 = 1 << 25
	F1EdxSSE2   uint32 = 1 << 26

	F1EcxSSE3      uint32 = 1 << 0
	F1EcxHypervisor uint32 = 1 << 31
)

// Table is a per-VM guest CPUID view: a sorted leaf table plus
// per-leaf merge functions for device-model-controlled entries.
type Table struct {
	entries  map[uint64]Entry // key = function<<32 | index
	maxBasic uint32
	maxExt   uint32
	physBits uint8
}

func key(function, index uint32) uint64 {
	return uint64(function)<<32 | uint64(index)
}

// NewTable initializes the default per-VM CPUID view from the host's
// raw leaves (hostLeaves), applying the transforms below.
// physAddrWidth is the host's physical-address width (from leaf
// 0x80000008 EAX[7:0]); it is cached for PhysAddrWidth, and a leaf
// 0x80000008 present in hostLeaves overrides it.
func NewTable(hostLeaves []Entry, physAddrWidth uint8) *Table {
	t := &Table{entries: make(map[uint64]Entry), physBits: physAddrWidth}
	byKey := make(map[uint64]Entry, len(hostLeaves))
	for _, e := range hostLeaves {
		byKey[key(e.Function, e.Index)] = e
	}

	t.maxBasic = hostLeaves0Max(byKey)
	if t.maxBasic > maxBasicLeafCeiling {
		t.maxBasic = maxBasicLeafCeiling
	}
	t.set(Entry{Function: 0, EAX: t.maxBasic, EBX: 0x756e6547, EDX: 0x49656e69, ECX: 0x6c65746e}) // "GenuineIntel"

	if leaf1, ok := byKey[key(1, 0)]; ok {
		t.set(transformLeaf1(leaf1))
	}
	if leaf2, ok := byKey[key(2, 0)]; ok {
		t.set(leaf2) // cache/TLB descriptors, passed through as hard-coded host values
	}
	if leafA, ok := byKey[key(0xA, 0)]; ok {
		t.set(leafA) // cached PMU info, passed through
	}

	t.set(Entry{Function: hypervisorLeafBase, EAX: hypervisorLeafBase, EBX: 0x4d584148, ECX: 0x4d584148, EDX: 0x4d584148}) // "HAXMHAXMHAXM"

	extMax, ok := byKey[key(0x80000000, 0)]
	t.maxExt = 0x80000000
	if ok {
		m := extMax.EAX
		if m > maxExtLeafCeiling {
			m = maxExtLeafCeiling
		}
		t.maxExt = m
		t.set(Entry{Function: 0x80000000, EAX: t.maxExt})
	}
	// Brand string: "Virtual CPU " at leaf 0x80000002, zero-padded
	// beyond it; the brand string is truncated after "Virtual CPU" by
	// design, kept bug-compatible with deployed guest OS brand parsers.
	brand := brandStringLeaves()
	for _, e := range brand {
		t.set(e)
	}
	if leaf8, ok := byKey[key(0x80000008, 0)]; ok {
		t.physBits = uint8(leaf8.EAX & 0xFF)
		t.set(Entry{Function: 0x80000008, EAX: leaf8.EAX})
	}

	return t
}

func hostLeaves0Max(byKey map[uint64]Entry) uint32 {
	if e, ok := byKey[key(0, 0)]; ok {
		return e.EAX
	}
	return maxBasicLeafCeiling
}

// transformLeaf1 applies the leaf-1 transform: clamp a family 6 part
// whose combined model exceeds 0x1F to family 6 model 0x1F, force a
// single logical-processor package and a fixed CLFLUSH line size,
// always set the hypervisor-present bit in ECX and OR kFixedFeatures
// into EDX. All other host ECX/EDX bits pass through unmasked.
func transformLeaf1(host Entry) Entry {
	out := host
	family := (host.EAX >> 8) & 0xF
	model := (host.EAX >> 4) & 0xF
	extModel := (host.EAX >> 16) & 0xF
	if family == 6 && (extModel<<4|model) > 0x1F { // family 6, model > 0x1f combined
		out.EAX = (out.EAX &^ 0x000F0FF0) | (0x6 << 8) | (0xF << 4) | (0x1 << 16)
	}
	out.EBX = (out.EBX &^ 0x00FFFF00) | (1 << 16) | (0x08 << 8)
	out.ECX |= F1EcxHypervisor
	out.EDX |= kFixedFeatures
	return out
}

func brandStringLeaves() []Entry {
	s := []byte("Virtual CPU \x00\x00\x00\x00")
	var e2 Entry
	e2.Function = 0x80000002
	e2.EAX = u32le(s[0:4])
	e2.EBX = u32le(s[4:8])
	e2.ECX = u32le(s[8:12])
	e2.EDX = u32le(s[12:16])
	zero := Entry{Function: 0x80000003}
	zero2 := Entry{Function: 0x80000004}
	return []Entry{e2, zero, zero2}
}

func u32le(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (t *Table) set(e Entry) { t.entries[key(e.Function, e.Index)] = e }

// Lookup returns the guest-visible value of a leaf; an absent leaf
// reads as all zeros.
func (t *Table) Lookup(function, index uint32) Entry {
	if e, ok := t.entries[key(function, index)]; ok {
		return e
	}
	return Entry{Function: function, Index: index}
}

// PhysAddrWidth returns the cached MAXPHYADDR (leaf 0x80000008
// EAX[7:0]).
func (t *Table) PhysAddrWidth() uint8 { return t.physBits }

// MergeFunc is applied by SetGuestFeatures for a single controlled
// leaf: given the device model's requested value and the engine's
// current value, produce the value actually installed.
type MergeFunc func(requested, current Entry) Entry

// DefaultMerge installs the device model's EAX/EBX/ECX/EDX verbatim,
// then re-applies kFixedFeatures to EDX — the default per-leaf merge
// for entries that don't need a bespoke transform.
func DefaultMerge(requested, _ Entry) Entry {
	out := requested
	out.EDX |= kFixedFeatures
	return out
}

// SetGuestFeatures applies the device model's per-leaf overrides,
// looking up each leaf's merge function (or DefaultMerge if none
// registered) and always re-asserting kFixedFeatures afterward.
func (t *Table) SetGuestFeatures(overrides []Entry, merges map[uint32]MergeFunc) {
	for _, req := range overrides {
		cur := t.Lookup(req.Function, req.Index)
		merge, ok := merges[req.Function]
		if !ok {
			merge = DefaultMerge
		}
		merged := merge(req, cur)
		merged.EDX |= kFixedFeatures
		t.set(merged)
	}
}

// Leaves returns all virtualized leaves sorted by (function, index),
// the shape KVM_SET_CPUID2 needs and the form tests assert against.
func (t *Table) Leaves() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Function != out[j].Function {
			return out[i].Function < out[j].Function
		}
		return out[i].Index < out[j].Index
	})
	return out
}
