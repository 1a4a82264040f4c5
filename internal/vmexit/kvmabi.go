// Package vmexit implements a single VM-entry/exit run loop over a KVM
// vCPU file descriptor, standing in for separate per-vendor VT-x/SVM exit
// tables since the KVM kernel module already performs that split and
// exposes one ioctl ABI to userspace.
//
// The ioctl numbers below are the real Linux KVM ABI values, cross-checked
// against the reference gokvm bindings.
package vmexit

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl request numbers for /dev/kvm, the VM fd, and the vCPU fd.
const (
	ioctlGetAPIVersion       = 44544
	ioctlCreateVM            = 44545
	ioctlCreateVCPU          = 44609
	ioctlRun                 = 44672
	ioctlGetVCPUMMapSize     = 44548
	ioctlGetSregs            = 0x8138ae83
	ioctlSetSregs            = 0x4138ae84
	ioctlGetRegs             = 0x8090ae81
	ioctlSetRegs             = 0x4090ae82
	ioctlSetUserMemoryRegion = 1075883590
	ioctlSetTSSAddr          = 0xae47
	ioctlSetIdentityMapAddr  = 0x4008AE48
	ioctlCreateIRQChip       = 0xAE60
	ioctlCreatePIT2          = 0x4040AE77
	ioctlGetSupportedCPUID   = 0xC008AE05
	ioctlSetCPUID2           = 0x4008AE90
	ioctlIRQLine             = 0x4008ae61
	ioctlInterrupt           = 0x4004ae86
	ioctlNMI                 = 0xae9a
	ioctlSetMSRs             = 0x4008ae89
	ioctlGetMSRs             = 0xc008ae88
)

// ExitReason enumerates the kvm_run.exit_reason values this dispatcher
// understands; names follow the KVM ABI's KVM_EXIT_* constants.
type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHLT           ExitReason = 5
	ExitMMIO          ExitReason = 6
	ExitIRQWinOpen    ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitSetTPR        ExitReason = 11
	ExitTPRAccess     ExitReason = 12
	ExitInternalError ExitReason = 17
	ExitRDMSR         ExitReason = 29
	ExitWRMSR         ExitReason = 30
)

const (
	ioDirectionIn  = 0
	ioDirectionOut = 1
)

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Regs mirrors struct kvm_regs (x86/x86-64).
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	_        [2]uint8
}

// DTable mirrors struct kvm_dtable (GDTR/IDTR).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs (the subset this VMM drives).
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [4]uint64
}

// MSREntry mirrors one struct kvm_msr_entry.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// CPUIDEntry2 mirrors one struct kvm_cpuid_entry2, the wire form
// KVM_GET_SUPPORTED_CPUID/KVM_SET_CPUID2 exchange.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

const cpuidEntry2Size = 40 // 7 uint32 fields + 3 uint32 padding

// KVM_CPUID_FLAG_SIGNIFCANT_INDEX marks an entry keyed on (function, index)
// rather than function alone (leaves 4, 7, 0xB, 0xD have per-subleaf data).
const CPUIDFlagSignificantIndex = 1 << 0

// rawIoctl issues one KVM ioctl via golang.org/x/sys/unix's raw-syscall path
// rather than calling syscall.Syscall(SYS_IOCTL, ...) directly.
func rawIoctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// OpenKVM opens /dev/kvm and checks the reported API version (must be 12).
func OpenKVM() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR, 0)
	if err != nil {
		return -1, err
	}
	v, err := rawIoctl(fd, ioctlGetAPIVersion, 0)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if v != 12 {
		unix.Close(fd)
		return -1, unix.EINVAL
	}
	return fd, nil
}

// CreateVM creates one KVM VM (address space + IRQ chip + in-kernel PIT).
func CreateVM(kvmFD int) (int, error) {
	r, err := rawIoctl(kvmFD, ioctlCreateVM, 0)
	if err != nil {
		return -1, err
	}
	vmFD := int(r)
	if _, err := rawIoctl(vmFD, ioctlCreateIRQChip, 0); err != nil {
		return -1, err
	}
	var pit2 [64]byte // struct kvm_pit_config { flags; pad[15] }, oversized for safety
	if _, err := rawIoctl(vmFD, ioctlCreatePIT2, uintptr(unsafe.Pointer(&pit2[0]))); err != nil {
		return -1, err
	}
	return vmFD, nil
}

// SetUserMemoryRegion installs or removes (MemorySize==0) one guest-physical
// memory slot backed by a host mmap.
func SetUserMemoryRegion(vmFD int, r UserspaceMemoryRegion) error {
	_, err := rawIoctl(vmFD, ioctlSetUserMemoryRegion, uintptr(unsafe.Pointer(&r)))
	return err
}

// CreateVCPU creates one vCPU fd and returns its kvm_run mmap size.
func CreateVCPU(vmFD int, kvmFD int, id int) (vcpuFD int, mmapSize int, err error) {
	r, err := rawIoctl(vmFD, ioctlCreateVCPU, uintptr(id))
	if err != nil {
		return -1, 0, err
	}
	vcpuFD = int(r)
	sz, err := rawIoctl(kvmFD, ioctlGetVCPUMMapSize, 0)
	if err != nil {
		return -1, 0, err
	}
	return vcpuFD, int(sz), nil
}

// MmapRun maps the shared kvm_run page for a vCPU fd.
func MmapRun(vcpuFD, size int) ([]byte, error) {
	return unix.Mmap(vcpuFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Run executes one VM-entry, blocking until the next exit.
func Run(vcpuFD int) error {
	for {
		_, err := rawIoctl(vcpuFD, ioctlRun, 0)
		if err == nil {
			return nil
		}
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return err
	}
}

func GetRegs(vcpuFD int) (Regs, error) {
	var r Regs
	_, err := rawIoctl(vcpuFD, ioctlGetRegs, uintptr(unsafe.Pointer(&r)))
	return r, err
}

func SetRegs(vcpuFD int, r Regs) error {
	_, err := rawIoctl(vcpuFD, ioctlSetRegs, uintptr(unsafe.Pointer(&r)))
	return err
}

func GetSregs(vcpuFD int) (Sregs, error) {
	var s Sregs
	_, err := rawIoctl(vcpuFD, ioctlGetSregs, uintptr(unsafe.Pointer(&s)))
	return s, err
}

func SetSregs(vcpuFD int, s Sregs) error {
	_, err := rawIoctl(vcpuFD, ioctlSetSregs, uintptr(unsafe.Pointer(&s)))
	return err
}

// Interrupt injects an external interrupt vector, the event-injection path
// for the default passthrough interrupt policy .
func Interrupt(vcpuFD int, vector uint32) error {
	_, err := rawIoctl(vcpuFD, ioctlInterrupt, uintptr(vector))
	return err
}

func InjectNMI(vcpuFD int) error {
	_, err := rawIoctl(vcpuFD, ioctlNMI, 0)
	return err
}

// SetMSRs writes the given MSR entries, used by the microcode-update and
// MSR-passthrough paths .
func SetMSRs(vcpuFD int, entries []MSREntry) error {
	buf := marshalMSRs(entries)
	_, err := rawIoctl(vcpuFD, ioctlSetMSRs, uintptr(unsafe.Pointer(&buf[0])))
	return err
}

// marshalMSRs builds the struct kvm_msrs{nmsrs,pad,entries[]} wire layout.
func marshalMSRs(entries []MSREntry) []byte {
	const headerSize = 8
	buf := make([]byte, headerSize+len(entries)*16)
	*(*uint32)(unsafe.Pointer(&buf[0])) = uint32(len(entries))
	for i, e := range entries {
		off := headerSize + i*16
		*(*uint32)(unsafe.Pointer(&buf[off])) = e.Index
		*(*uint64)(unsafe.Pointer(&buf[off+8])) = e.Data
	}
	return buf
}

// GetMSRs reads the current value of each MSR named by indices, the
// counterpart to SetMSRs used to build a HostMSR adapter for
// passthrough.MSRPass.
func GetMSRs(vcpuFD int, indices []uint32) ([]MSREntry, error) {
	entries := make([]MSREntry, len(indices))
	for i, idx := range indices {
		entries[i].Index = idx
	}
	buf := marshalMSRs(entries)
	if _, err := rawIoctl(vcpuFD, ioctlGetMSRs, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return nil, err
	}
	const headerSize = 8
	out := make([]MSREntry, len(indices))
	for i := range out {
		off := headerSize + i*16
		out[i].Index = *(*uint32)(unsafe.Pointer(&buf[off]))
		out[i].Data = *(*uint64)(unsafe.Pointer(&buf[off+8]))
	}
	return out, nil
}

// GetSupportedCPUID returns the full set of CPUID leaves KVM can expose to a
// guest on this host (KVM_GET_SUPPORTED_CPUID), queried once per VM rather
// than per vCPU: every vCPU gets the same filtered view.
func GetSupportedCPUID(kvmFD int) ([]CPUIDEntry2, error) {
	const maxEntries = 256
	const headerSize = 8
	buf := make([]byte, headerSize+maxEntries*cpuidEntry2Size)
	*(*uint32)(unsafe.Pointer(&buf[0])) = maxEntries
	if _, err := rawIoctl(kvmFD, ioctlGetSupportedCPUID, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return nil, err
	}
	n := *(*uint32)(unsafe.Pointer(&buf[0]))
	entries := make([]CPUIDEntry2, n)
	for i := range entries {
		off := headerSize + i*cpuidEntry2Size
		entries[i] = *(*CPUIDEntry2)(unsafe.Pointer(&buf[off]))
	}
	return entries, nil
}

// SetCPUID2 installs the (possibly filtered) CPUID leaf set a vCPU reports
// to the guest (KVM_SET_CPUID2), issued once at vCPU-creation time: unlike
// RDMSR/WRMSR, CPUID has no generic userspace-trapping exit in the KVM ABI,
// so filtering has to happen here rather than in the run-loop dispatch.
func SetCPUID2(vcpuFD int, entries []CPUIDEntry2) error {
	const headerSize = 8
	buf := make([]byte, headerSize+len(entries)*cpuidEntry2Size)
	*(*uint32)(unsafe.Pointer(&buf[0])) = uint32(len(entries))
	for i, e := range entries {
		off := headerSize + i*cpuidEntry2Size
		*(*CPUIDEntry2)(unsafe.Pointer(&buf[off])) = e
	}
	_, err := rawIoctl(vcpuFD, ioctlSetCPUID2, uintptr(unsafe.Pointer(&buf[0])))
	return err
}
