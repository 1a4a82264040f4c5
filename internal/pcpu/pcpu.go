// Package pcpu provides the per-physical-processor substrate: a segment
// table, TSS, kernel stack placeholder and panic-state cell, reachable as an
// explicit handle rather than a GS-relative thread-local. A single
// well-scoped cell recovers that handle on asynchronous entry.
package pcpu

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// PanicState is the explicit per-processor panic progress cell, tracking a
// state machine that would otherwise have to be multiplexed onto an IDT
// limit byte.
type PanicState uint8

const (
	PanicReady      PanicState = 0x00
	PanicDumping    PanicState = 0x10 // 0x10-0x7F
	PanicResetShell PanicState = 0x80 // 0x80-0xEF
	PanicHalt       PanicState = 0xF0 // 0xF0+
)

// Advance moves the panic state machine forward one step on re-entrant
// panics so that a second panic on the same processor progresses toward
// halt instead of spinning.
func (p *PanicState) Advance() {
	switch {
	case *p < PanicDumping:
		*p = PanicDumping
	case *p < PanicResetShell:
		*p = PanicResetShell
	default:
		*p = PanicHalt
	}
}

// GDTEntry is an 8-byte x86 segment descriptor, encoded the same way
// regardless of 32/64-bit target: LimitLow/BaseLow/BaseMid/Access/LimitHigh+Flags/BaseHigh.
type GDTEntry struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMid    uint8
	AccessByte uint8
	LimitHigh  uint8 // low nibble: limit 19:16; high nibble: G, D/B, L, AVL
	BaseHigh   uint8
}

// NewGDTEntry builds a 32-bit-addressable descriptor.
func NewGDTEntry(base, limit uint32, access, flags uint8) GDTEntry {
	return GDTEntry{
		LimitLow:   uint16(limit & 0xFFFF),
		BaseLow:    uint16(base & 0xFFFF),
		BaseMid:    uint8((base >> 16) & 0xFF),
		AccessByte: access,
		LimitHigh:  uint8((limit>>16)&0x0F) | (flags & 0xF0),
		BaseHigh:   uint8((base >> 24) & 0xFF),
	}
}

// TSSDescriptor64 is the 16-byte descriptor form needed for a 64-bit TSS or
// call gate, which does not fit the 8-byte GDTEntry layout: the base address
// needs bits 32:63 in a second quadword.
type TSSDescriptor64 struct {
	Low  GDTEntry
	Base63_32 uint32
	Reserved  uint32
}

// NewTSSDescriptor64 builds a 64-bit TSS/call-gate descriptor pair.
func NewTSSDescriptor64(base uint64, limit uint32, access, flags uint8) TSSDescriptor64 {
	return TSSDescriptor64{
		Low:       NewGDTEntry(uint32(base&0xFFFFFFFF), limit, access, flags),
		Base63_32: uint32(base >> 32),
	}
}

// TSS32 is the 32-bit Task State Segment layout (only the fields this core cares about).
type TSS32 struct {
	PrevTaskLink uint16
	_            uint16
	ESP0         uint32
	SS0          uint16
	_            uint16
	// remaining architectural fields omitted; not needed by the pass-through model.
	IOMapBase uint16
}

// PCPU is the per-physical-processor record: one per hardware thread that
// hosts a vCPU, immortal once allocated.
type PCPU struct {
	ID int

	GDT   []GDTEntry
	TSS32 TSS32

	KernelStack []byte // 4 KiB kernel stack

	SuspendLock sync.Mutex
	PanicState  PanicState

	// MTRRSnapshot is opaque to this package; cachetype populates it.
	MTRRSnapshot any
}

var (
	registryMu sync.RWMutex
	registry   = map[int64]*PCPU{} // keyed by locked OS thread id surrogate
	nextKey    int64
)

// CurrentCPUAvailable reports whether SegmentInitAP has completed for the
// calling (OS-thread-locked) goroutine. Used by panic paths
func CurrentCPUAvailable(key int64) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[key]
	return ok
}

// SegmentInitAP allocates a PCPU record, a 4 KiB kernel stack, and installs a
// GDT containing code/data descriptors for ring 0 and ring 3 and a ring-3
// syscall code descriptor. It installs no TSS or call-gate descriptor: the
// two slots after the syscall descriptor stay zero. It locks the
// calling goroutine to its OS thread, the per-processor binding this core
// relies on for the rest of its lifetime.
func SegmentInitAP(cpunum int) (*PCPU, int64, error) {
	runtime.LockOSThread()

	p := &PCPU{
		ID:          cpunum,
		KernelStack: make([]byte, 4096),
	}

	// GDT layout: null, ring0 code, ring0 data, ring3 code, ring3 data,
	// ring3 syscall code, then two zero slots; no TSS descriptor is written.
	p.GDT = []GDTEntry{
		NewGDTEntry(0, 0, 0, 0),                // 0x00 null
		NewGDTEntry(0, 0xFFFFF, 0x9A, 0xCF),     // 0x08 ring0 code
		NewGDTEntry(0, 0xFFFFF, 0x92, 0xCF),     // 0x10 ring0 data
		NewGDTEntry(0, 0xFFFFF, 0xFA, 0xCF),     // 0x18 ring3 code
		NewGDTEntry(0, 0xFFFFF, 0xF2, 0xCF),     // 0x20 ring3 data
		NewGDTEntry(0, 0xFFFFF, 0xFA, 0xAF),     // 0x28 ring3 syscall code (L=1)
		{}, {}, // 0x30/0x38: reserved for the 16-byte TSS descriptor
	}

	key := atomic.AddInt64(&nextKey, 1)
	registryMu.Lock()
	registry[key] = p
	registryMu.Unlock()

	return p, key, nil
}

// Lookup returns the PCPU bound to key, or nil if SegmentInitAP was never
// called for it (e.g. an asynchronous NMI entry before AP bring-up).
func Lookup(key int64) *PCPU {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[key]
}

// CPUID issues the real host CPUID instruction for leaf/subleaf, the
// substrate's one piece of direct hardware-capability detection: second-level
// paging's page-size selection and the CPUID pass-through policy both need
// the host's actual feature bits, not an assumed baseline.
func CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuidRaw(leaf, subleaf)
}
