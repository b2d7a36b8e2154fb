//go:build linux && amd64

// Package kvmapi wraps the /dev/kvm ioctl surface this module drives
// in place of raw VMXON/VMPTRLD/VMRUN: KVM performs those privileged
// instructions in-kernel; this package is the thin typed layer over
// the syscalls that ask it to. Ioctl numbers are the real Linux
// <linux/kvm.h> values.
package kvmapi

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl request codes, matching <linux/kvm.h>.
const (
	KVM_GET_API_VERSION       = 0xAE00
	KVM_CREATE_VM             = 0xAE01
	KVM_GET_VCPU_MMAP_SIZE    = 0xAE04
	KVM_CHECK_EXTENSION       = 0xAE03
	KVM_CREATE_VCPU           = 0xAE41
	KVM_GET_SUPPORTED_CPUID   = 0xC008AE05
	KVM_SET_CPUID2            = 0x4008AE90
	KVM_RUN                   = 0xAE80
	KVM_GET_REGS              = 0x8090AE81
	KVM_SET_REGS              = 0x4090AE82
	KVM_GET_SREGS             = 0x8138AE83
	KVM_SET_SREGS             = 0x4138AE84
	KVM_SET_USER_MEMORY_REGION = 0x4020AE46
	KVM_SET_TSS_ADDR          = 0xAE47
	KVM_SET_IDENTITY_MAP_ADDR = 0x4008AE48
	KVM_CREATE_IRQCHIP        = 0xAE60
	KVM_CREATE_PIT2           = 0x4040AE77
	KVM_IRQ_LINE              = 0xC008AE67
	KVM_INTERRUPT             = 0x4004AE86
	KVM_GET_MSRS              = 0xC008AE88
	KVM_SET_MSRS              = 0x4008AE89
	KVM_GET_FPU               = 0x8200AE8C
	KVM_SET_FPU               = 0x4200AE8D
	KVM_GET_VCPU_EVENTS       = 0x8040AE9F
	KVM_SET_VCPU_EVENTS       = 0x4040AEA0

	// Capability numbers used by cpufeature.Probe to stand in for a
	// direct VT/NX/EPT capability-MSR check.
	KVM_CAP_USER_MEMORY  = 3
	KVM_CAP_SET_TSS_ADDR = 4
	KVM_CAP_EXT_CPUID    = 7
	KVM_CAP_NR_VCPUS     = 9
	KVM_CAP_MAX_VCPUS    = 66
	KVM_CAP_IRQCHIP      = 0
)

// KVM exit reasons, the substrate's equivalent of a VM-exit's
// basic_reason value.
const (
	ExitUnknown     = 0
	ExitException   = 1
	ExitIO          = 2
	ExitHypercall   = 3
	ExitDebug       = 4
	ExitHLT         = 5
	ExitMMIO        = 6
	ExitIRQWindow   = 7
	ExitShutdown    = 8
	ExitFailEntry   = 9
	ExitIntr        = 10
	ExitSetTPR      = 11
	ExitTPRAccess   = 12
	ExitInternalErr = 17
)

const (
	IOExitIn  = 0
	IOExitOut = 1
)

// OpenKVM opens the global /dev/kvm device node.
func OpenKVM() (int, error) {
	return unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// APIVersion returns KVM_GET_API_VERSION; the engine refuses to start
// unless it equals 12, the only version the ABI below matches.
func APIVersion(kvmFD int) (int, error) {
	r, err := ioctl(kvmFD, KVM_GET_API_VERSION, 0)
	return int(r), err
}

// CheckExtension reports whether the host KVM module supports the
// given capability — the substrate's equivalent of probing VMX
// capability MSRs for EPT/UG/INVEPT support.
func CheckExtension(kvmFD int, cap uintptr) (int, error) {
	r, err := ioctl(kvmFD, KVM_CHECK_EXTENSION, cap)
	return int(r), err
}

// CreateVM issues KVM_CREATE_VM and returns the per-VM fd.
func CreateVM(kvmFD int) (int, error) {
	r, err := ioctl(kvmFD, KVM_CREATE_VM, 0)
	return int(r), err
}

// CreateVCPU issues KVM_CREATE_VCPU and returns the per-vCPU fd.
func CreateVCPU(vmFD int, id int) (int, error) {
	r, err := ioctl(vmFD, KVM_CREATE_VCPU, uintptr(id))
	return int(r), err
}

// VCPUMmapSize returns the size to mmap from a vCPU fd to obtain its
// shared kvm_run page — the substrate's Tunnel.
func VCPUMmapSize(kvmFD int) (int, error) {
	r, err := ioctl(kvmFD, KVM_GET_VCPU_MMAP_SIZE, 0)
	return int(r), err
}

// UserMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Region flags.
const (
	MemRegionLogDirty = 1 << 0
	MemRegionReadonly = 1 << 1
)

// SetUserMemoryRegion installs or replaces a KVM memory slot. This is
// the substrate call that stands in for populating EPT leaves in
// bulk. The vm package issues it once, for the initial RAM slot at
// VM creation; later changes to the memory.List are not passed to KVM.
func SetUserMemoryRegion(vmFD int, r UserMemoryRegion) error {
	_, err := ioctl(vmFD, KVM_SET_USER_MEMORY_REGION, uintptr(unsafe.Pointer(&r)))
	return err
}

// SetTSSAddr and SetIdentityMapAddr configure the two host-reserved
// GPA windows KVM needs for real-mode/VM86 emulation assists; required
// once per VM before the first vCPU runs.
func SetTSSAddr(vmFD int, addr uint64) error {
	_, err := ioctl(vmFD, KVM_SET_TSS_ADDR, uintptr(addr))
	return err
}

func SetIdentityMapAddr(vmFD int, addr uint64) error {
	_, err := ioctl(vmFD, KVM_SET_IDENTITY_MAP_ADDR, uintptr(unsafe.Pointer(&addr)))
	return err
}

func CreateIRQChip(vmFD int) error {
	_, err := ioctl(vmFD, KVM_CREATE_IRQCHIP, 0)
	return err
}

// Run executes one KVM_RUN; the guest-entry/VM-exit transition that
// VMPTRLD+VMRUN+state-capture would otherwise require collapses, from
// this process's point of view, to this single ioctl.
func Run(vcpuFD int) error {
	_, err := ioctl(vcpuFD, KVM_RUN, 0)
	return err
}

func GetRegs(vcpuFD int, regs *Regs) error {
	_, err := ioctl(vcpuFD, KVM_GET_REGS, uintptr(unsafe.Pointer(regs)))
	return err
}

func SetRegs(vcpuFD int, regs *Regs) error {
	_, err := ioctl(vcpuFD, KVM_SET_REGS, uintptr(unsafe.Pointer(regs)))
	return err
}

func GetSregs(vcpuFD int, sregs *Sregs) error {
	_, err := ioctl(vcpuFD, KVM_GET_SREGS, uintptr(unsafe.Pointer(sregs)))
	return err
}

func SetSregs(vcpuFD int, sregs *Sregs) error {
	_, err := ioctl(vcpuFD, KVM_SET_SREGS, uintptr(unsafe.Pointer(sregs)))
	return err
}

func GetFPU(vcpuFD int, fpu *FPU) error {
	_, err := ioctl(vcpuFD, KVM_GET_FPU, uintptr(unsafe.Pointer(fpu)))
	return err
}

func SetFPU(vcpuFD int, fpu *FPU) error {
	_, err := ioctl(vcpuFD, KVM_SET_FPU, uintptr(unsafe.Pointer(fpu)))
	return err
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX, EBX, ECX, EDX uint32
	Padding [3]uint32
}

const cpuidFlagSignificantIndex = 1 << 0

type cpuid2Header struct {
	NEnt uint32
	Pad  uint32
}

// GetSupportedCPUID issues KVM_GET_SUPPORTED_CPUID, the host-reported
// leaf set the engine's CPUID virtualization table transforms. max
// bounds the entry array KVM is allowed to fill in.
func GetSupportedCPUID(kvmFD int, max int) ([]CPUIDEntry2, error) {
	entries := make([]CPUIDEntry2, max)
	buf := marshalCPUID2(entries)
	if _, err := ioctl(kvmFD, KVM_GET_SUPPORTED_CPUID, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return nil, err
	}
	hdr := (*cpuid2Header)(unsafe.Pointer(&buf[0]))
	n := int(hdr.NEnt)
	if n > max {
		n = max
	}
	return unmarshalCPUID2(buf, n), nil
}

// SetCPUID2 issues KVM_SET_CPUID2, installing the per-vCPU guest
// CPUID view internal/cpuid.Table.Leaves() produces.
func SetCPUID2(vcpuFD int, entries []CPUIDEntry2) error {
	buf := marshalCPUID2(entries)
	_, err := ioctl(vcpuFD, KVM_SET_CPUID2, uintptr(unsafe.Pointer(&buf[0])))
	return err
}

func marshalCPUID2(entries []CPUIDEntry2) []byte {
	hdrSize := int(unsafe.Sizeof(cpuid2Header{}))
	entSize := int(unsafe.Sizeof(CPUIDEntry2{}))
	buf := make([]byte, hdrSize+entSize*len(entries))
	hdr := (*cpuid2Header)(unsafe.Pointer(&buf[0]))
	hdr.NEnt = uint32(len(entries))
	for i, e := range entries {
		dst := (*CPUIDEntry2)(unsafe.Pointer(&buf[hdrSize+i*entSize]))
		*dst = e
	}
	return buf
}

func unmarshalCPUID2(buf []byte, n int) []CPUIDEntry2 {
	hdrSize := int(unsafe.Sizeof(cpuid2Header{}))
	entSize := int(unsafe.Sizeof(CPUIDEntry2{}))
	out := make([]CPUIDEntry2, n)
	for i := 0; i < n; i++ {
		src := (*CPUIDEntry2)(unsafe.Pointer(&buf[hdrSize+i*entSize]))
		out[i] = *src
	}
	return out
}

// MSREntry mirrors struct kvm_msr_entry.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

type msrsHeader struct {
	NMSRs uint32
	Pad   uint32
}

// GetMSRs/SetMSRs marshal the variable-length kvm_msrs structure (a
// header followed by NMSRs entries), sized to len(entries) with no
// fixed upper bound.
func GetMSRs(vcpuFD int, entries []MSREntry) error {
	buf := marshalMSRs(entries)
	_, err := ioctl(vcpuFD, KVM_GET_MSRS, uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}
	unmarshalMSRs(buf, entries)
	return nil
}

func SetMSRs(vcpuFD int, entries []MSREntry) error {
	buf := marshalMSRs(entries)
	_, err := ioctl(vcpuFD, KVM_SET_MSRS, uintptr(unsafe.Pointer(&buf[0])))
	return err
}

func marshalMSRs(entries []MSREntry) []byte {
	hdrSize := int(unsafe.Sizeof(msrsHeader{}))
	entSize := int(unsafe.Sizeof(MSREntry{}))
	buf := make([]byte, hdrSize+entSize*len(entries))
	hdr := (*msrsHeader)(unsafe.Pointer(&buf[0]))
	hdr.NMSRs = uint32(len(entries))
	for i, e := range entries {
		dst := (*MSREntry)(unsafe.Pointer(&buf[hdrSize+i*entSize]))
		*dst = e
	}
	return buf
}

func unmarshalMSRs(buf []byte, entries []MSREntry) {
	hdrSize := int(unsafe.Sizeof(msrsHeader{}))
	entSize := int(unsafe.Sizeof(MSREntry{}))
	for i := range entries {
		src := (*MSREntry)(unsafe.Pointer(&buf[hdrSize+i*entSize]))
		entries[i] = *src
	}
}

// Interrupt issues KVM_INTERRUPT, the substrate's equivalent of
// queuing a pending vector for the injection gate to deliver.
func Interrupt(vcpuFD int, vector uint32) error {
	_, err := ioctl(vcpuFD, KVM_INTERRUPT, uintptr(unsafe.Pointer(&vector)))
	return err
}

// GetVcpuEvents/SetVcpuEvents round-trip struct kvm_vcpu_events, the
// exception/interrupt/NMI in-flight state the injection loop uses to
// detect and re-queue an event interrupted mid-delivery.
func GetVcpuEvents(vcpuFD int, ev *VcpuEvents) error {
	_, err := ioctl(vcpuFD, KVM_GET_VCPU_EVENTS, uintptr(unsafe.Pointer(ev)))
	return err
}

func SetVcpuEvents(vcpuFD int, ev *VcpuEvents) error {
	_, err := ioctl(vcpuFD, KVM_SET_VCPU_EVENTS, uintptr(unsafe.Pointer(ev)))
	return err
}
