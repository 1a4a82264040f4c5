package vmexit

import "unsafe"

// RunBlock wraps the shared kvm_run mmap page, reading the exit_reason and
// the per-reason union members directly out of the raw byte slice rather
// than casting the whole region to one Go struct, since the union's layout
// depends on the exit reason.
type RunBlock struct {
	raw []byte
}

func NewRunBlock(raw []byte) *RunBlock { return &RunBlock{raw: raw} }

const exitReasonOffset = 8

func (r *RunBlock) ExitReason() ExitReason {
	return ExitReason(*(*uint32)(unsafe.Pointer(&r.raw[exitReasonOffset])))
}

const unionOffset = 32

// IOExit mirrors the kvm_run.io union member (KVM_EXIT_IO).
type IOExit struct {
	Direction uint8
	Size      uint8
	Port      uint16
	Count     uint32
	DataOffset uint64
}

func (r *RunBlock) IO() IOExit {
	base := r.raw[unionOffset:]
	return IOExit{
		Direction:  base[0],
		Size:       base[1],
		Port:       *(*uint16)(unsafe.Pointer(&base[2])),
		Count:      *(*uint32)(unsafe.Pointer(&base[4])),
		DataOffset: *(*uint64)(unsafe.Pointer(&base[8])),
	}
}

// IOData returns the data buffer for an IO exit, located at
// kvm_run + io.DataOffset per the KVM ABI.
func (r *RunBlock) IOData(io IOExit) []byte {
	off := io.DataOffset
	n := int(io.Size) * int(io.Count)
	if n == 0 {
		n = int(io.Size)
	}
	return r.raw[off : off+uint64(n)]
}

// MMIOExit mirrors the kvm_run.mmio union member (KVM_EXIT_MMIO).
type MMIOExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

func (r *RunBlock) MMIO() *MMIOExit {
	return (*MMIOExit)(unsafe.Pointer(&r.raw[unionOffset]))
}

// MSRExit mirrors the kvm_run.msr union member (KVM_EXIT_X86_RDMSR/WRMSR).
// Error and Data are read back by userspace after filling them in; Reason is
// kernel-supplied context (KVM_MSR_EXIT_REASON_*) this dispatcher ignores.
type MSRExit struct {
	Error uint8
	Index uint32
	Data  uint64
}

const (
	msrErrorOffset = 0
	msrIndexOffset = 12
	msrDataOffset  = 16
)

func (r *RunBlock) MSR() MSRExit {
	base := r.raw[unionOffset:]
	return MSRExit{
		Error: base[msrErrorOffset],
		Index: *(*uint32)(unsafe.Pointer(&base[msrIndexOffset])),
		Data:  *(*uint64)(unsafe.Pointer(&base[msrDataOffset])),
	}
}

// SetMSRData writes the value KVM reports back to the guest for a RDMSR
// exit; ignored for WRMSR.
func (r *RunBlock) SetMSRData(v uint64) {
	base := r.raw[unionOffset:]
	*(*uint64)(unsafe.Pointer(&base[msrDataOffset])) = v
}

// SetMSRError marks the access as faulting the guest with #GP, the way KVM
// expects userspace to report an MSR it refuses to service.
func (r *RunBlock) SetMSRError(fail bool) {
	base := r.raw[unionOffset:]
	if fail {
		base[msrErrorOffset] = 1
	} else {
		base[msrErrorOffset] = 0
	}
}
