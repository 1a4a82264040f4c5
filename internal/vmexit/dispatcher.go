package vmexit

import (
	"fmt"

	"github.com/coreshim/vmmcore/internal/guestmem"
	"github.com/coreshim/vmmcore/internal/paging"
	"github.com/coreshim/vmmcore/internal/passthrough"
	"github.com/coreshim/vmmcore/internal/pcpu"
)

// IOBus is the port-I/O side the dispatcher routes KVM_EXIT_IO to; iodevices
// implements this over the PIC/PIT/RTC/serial/keyboard/NE2000 models.
type IOBus interface {
	In(port uint16, size int) (uint32, error)
	Out(port uint16, size int, val uint32) error
}

// PendingInterrupt is polled once per exit, per the default passthrough
// interrupt policy: inject only when the guest's IF is set and KVM_RUN
// reports ready_for_interrupt_injection.
type PendingInterrupt interface {
	NextVector() (vector uint8, ok bool)
}

// Dispatcher realizes the shared VT/SVM VM-exit contract as one run loop
// with one exit-reason switch, regardless of which hardware extension is
// underneath (KVM already abstracts that split).
type Dispatcher struct {
	VCPUFD int
	Run    *RunBlock
	PCPU   *pcpu.PCPU

	Second paging.SecondLevel
	Mem    *guestmem.Accessor
	IO     IOBus
	Intr   PendingInterrupt

	// MSRs applies the pass-through/fault/virtualize policy to the two MSR
	// accesses that are genuinely real userspace exits in this ABI
	// (KVM_EXIT_X86_RDMSR/WRMSR). CPUID has no equivalent runtime exit: KVM
	// answers it entirely in-kernel from the leaf set installed once at
	// vCPU-creation time via KVM_SET_CPUID2, so CPUIDPass is consulted there
	// instead of in this switch. CR-register writes, XSETBV and TASK_SWITCH
	// likewise never reach userspace under KVM on any host this targets: CR
	// writes are trapped only when shadow paging needs the notification
	// (handled already via the decode/execute path's PagingControl, not a
	// vmexit.ExitReason), XSETBV has no dedicated KVM_EXIT_* at all (KVM
	// validates XCR0 in-kernel against the feature bits CPUID advertised),
	// and KVM_EXIT_TASK_SWITCH_32/16 require a guest running without VMX
	// unrestricted-guest/hardware task-switch support, a configuration this
	// VMM's host-capability probe never selects into. MSRs may be nil for a
	// vCPU that never needs pass-through filtering (e.g. a test harness).
	MSRs *passthrough.MSRPass

	// Emulate, when non-nil, is invoked in place of a raw byte copy whenever
	// Second.Fault reports invokeInterp=true: the second-level fault handler
	// declined to install a mapping and wants the instruction at the
	// current RIP decoded and executed instead (the case a hardware-decoded
	// KVM_EXIT_MMIO can't cover, e.g. a guest access to a region behind
	// software shadow paging that isn't a simple load/store).
	Emulate func(gphys uint64) error

	// OnFatal lets vmm wire in whatever teardown or panic-dump behavior it
	// needs for ExitFailEntry and ExitInternalError without this package
	// depending on vmm. snapshot is best-effort: a vCPU far enough gone to
	// report ExitFailEntry/ExitInternalError may also fail GetRegs/GetSregs,
	// in which case snapshot is the zero value rather than omitted.
	OnFatal func(reason ExitReason, detail string, snapshot FatalSnapshot)
}

// FatalSnapshot carries the guest register state captured at the moment of
// a fatal exit, alongside the PCPU substrate's own panic bookkeeping, so a
// crash dump shows what the guest was doing rather than just the bare exit
// reason.
type FatalSnapshot struct {
	Regs     Regs
	Sregs    Sregs
	Captured bool
}

// Step runs one VM-entry and dispatches the resulting exit, returning
// shouldContinue=false when the guest halted or the VM is shutting down.
func (d *Dispatcher) Step() (shouldContinue bool, err error) {
	if err := d.injectPendingInterrupt(); err != nil {
		return false, err
	}
	if err := Run(d.VCPUFD); err != nil {
		return false, fmt.Errorf("vmexit: KVM_RUN: %w", err)
	}

	switch reason := d.Run.ExitReason(); reason {
	case ExitIO:
		return true, d.handleIO()
	case ExitMMIO:
		return true, d.handleMMIO()
	case ExitHLT:
		return false, nil
	case ExitShutdown:
		return false, nil
	case ExitFailEntry, ExitInternalError:
		d.panicDump(reason, "KVM reported entry failure")
		return false, fmt.Errorf("vmexit: fatal exit reason %d", reason)
	case ExitIntr, ExitIRQWinOpen:
		return true, nil
	case ExitRDMSR:
		return true, d.handleRDMSR()
	case ExitWRMSR:
		return true, d.handleWRMSR()
	default:
		return true, fmt.Errorf("vmexit: unhandled exit reason %d", reason)
	}
}

func (d *Dispatcher) handleRDMSR() error {
	m := d.Run.MSR()
	if d.MSRs == nil {
		d.Run.SetMSRError(true)
		return nil
	}
	v, err := d.MSRs.Read(m.Index)
	if err != nil {
		d.Run.SetMSRError(true)
		return nil
	}
	d.Run.SetMSRData(v)
	return nil
}

func (d *Dispatcher) handleWRMSR() error {
	m := d.Run.MSR()
	if d.MSRs == nil {
		d.Run.SetMSRError(true)
		return nil
	}
	if err := d.MSRs.Write(m.Index, m.Data); err != nil {
		d.Run.SetMSRError(true)
		return nil
	}
	return nil
}

func (d *Dispatcher) injectPendingInterrupt() error {
	if d.Intr == nil {
		return nil
	}
	// kvm_run.ready_for_interrupt_injection (offset 12) and if_flag (offset
	// 13), as left by the previous KVM_RUN.
	if d.Run != nil && (d.Run.raw[12] == 0 || d.Run.raw[13] == 0) {
		return nil
	}
	vector, ok := d.Intr.NextVector()
	if !ok {
		return nil
	}
	return Interrupt(d.VCPUFD, uint32(vector))
}

func (d *Dispatcher) handleIO() error {
	io := d.Run.IO()
	data := d.Run.IOData(io)
	for i := uint32(0); i < io.Count; i++ {
		chunk := data[uint32(io.Size)*i : uint32(io.Size)*(i+1)]
		if io.Direction == ioDirectionOut {
			v := decodeWidth(chunk)
			if err := d.IO.Out(io.Port, int(io.Size), v); err != nil {
				return err
			}
		} else {
			v, err := d.IO.In(io.Port, int(io.Size))
			if err != nil {
				return err
			}
			putWidth(chunk, v)
		}
	}
	return nil
}

func (d *Dispatcher) handleMMIO() error {
	m := d.Run.MMIO()
	buf := m.Data[:m.Len]
	if d.Second != nil {
		installed, invokeInterp, err := d.Second.Fault(m.PhysAddr, m.IsWrite != 0, true, false, true)
		if err != nil {
			return err
		}
		if installed {
			// A mapping raced in under us (another vCPU); let KVM re-dispatch
			// rather than also perform the MMIO access below.
			return nil
		}
		if invokeInterp && d.Emulate != nil {
			return d.Emulate(m.PhysAddr)
		}
	}
	if m.IsWrite != 0 {
		return d.Mem.WriteGPhysRaw(m.PhysAddr, buf)
	}
	return d.Mem.ReadGPhysRaw(m.PhysAddr, buf)
}

func (d *Dispatcher) panicDump(reason ExitReason, detail string) {
	if d.PCPU != nil {
		d.PCPU.PanicState.Advance()
	}
	if d.OnFatal == nil {
		return
	}
	var snap FatalSnapshot
	if regs, err := GetRegs(d.VCPUFD); err == nil {
		if sregs, err := GetSregs(d.VCPUFD); err == nil {
			snap = FatalSnapshot{Regs: regs, Sregs: sregs, Captured: true}
		}
	}
	d.OnFatal(reason, detail, snap)
}

func decodeWidth(buf []byte) uint32 {
	var v uint32
	for i, b := range buf {
		v |= uint32(b) << (8 * i)
	}
	return v
}

func putWidth(buf []byte, v uint32) {
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
}
