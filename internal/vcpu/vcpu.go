package vcpu

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/coreshim/vmmcore/internal/corelog"
	"github.com/coreshim/vmmcore/internal/guestmem"
	"github.com/coreshim/vmmcore/internal/interp"
	"github.com/coreshim/vmmcore/internal/paging"
	"github.com/coreshim/vmmcore/internal/pcpu"
	"github.com/coreshim/vmmcore/internal/vmexit"
)

// VCPU binds one KVM vCPU fd to its PCPU substrate, second-level paging
// strategy and guest-memory accessor, and supplies the vmexit.Dispatcher's
// Emulate hook with a real decode/execute path instead of a raw byte copy.
type VCPU struct {
	ID      int
	FD      int
	PCPU    *pcpu.PCPU
	pcpuKey int64

	Mem    *guestmem.Accessor
	Second paging.SecondLevel
	IO     vmexit.IOBus

	dr [16]uint64 // debug registers; not part of struct kvm_regs/kvm_sregs

	Dispatcher *vmexit.Dispatcher

	// Stop, when set, ends Run after the in-flight Step completes. A nil
	// Stop means Run only returns when the guest halts, shuts down, or
	// faults fatally.
	Stop <-chan struct{}

	log *logrus.Entry
}

// New wires one VCPU around an already-created KVM vCPU fd and mmap'd
// RunBlock. io and intr may be nil for a vCPU that never traps port I/O or
// never receives injected interrupts (e.g. a test harness).
func New(id, fd int, run *vmexit.RunBlock, mem *guestmem.Accessor, second paging.SecondLevel, io vmexit.IOBus, intr vmexit.PendingInterrupt) (*VCPU, error) {
	p, key, err := pcpu.SegmentInitAP(id)
	if err != nil {
		return nil, fmt.Errorf("vcpu: SegmentInitAP: %w", err)
	}

	v := &VCPU{
		ID:      id,
		FD:      fd,
		PCPU:    p,
		pcpuKey: key,
		Mem:     mem,
		Second:  second,
		IO:      io,
		log:     corelog.For("vcpu", logrus.Fields{"id": id}),
	}

	v.Dispatcher = &vmexit.Dispatcher{
		VCPUFD:  fd,
		Run:     run,
		PCPU:    p,
		Second:  second,
		Mem:     mem,
		IO:      io,
		Intr:    intr,
		Emulate: v.emulate,
		OnFatal: v.onFatal,
	}
	return v, nil
}

// Run drives VM-entries until the guest halts, the VM shuts down, or an
// unrecoverable exit reason is reported.
func (v *VCPU) Run() error {
	for {
		select {
		case <-v.Stop:
			return nil
		default:
		}

		shouldContinue, err := v.Dispatcher.Step()
		if err != nil {
			return fmt.Errorf("vcpu %d: %w", v.ID, err)
		}
		if !shouldContinue {
			return nil
		}
	}
}

func (v *VCPU) onFatal(reason vmexit.ExitReason, detail string, snap vmexit.FatalSnapshot) {
	fields := logrus.Fields{"reason": reason, "pcpu": v.PCPU.ID}
	if snap.Captured {
		fields["rip"] = fmt.Sprintf("%#x", snap.Regs.RIP)
		fields["rsp"] = fmt.Sprintf("%#x", snap.Regs.RSP)
		fields["cr3"] = fmt.Sprintf("%#x", snap.Sregs.CR3)
		fields["cs"] = snap.Sregs.CS.Selector
	}
	v.log.WithFields(fields).Error(detail)
}

// emulate decodes and executes the instruction at the current RIP, used when
// second-level paging declines to install a mapping for an MMIO-region
// access and asks for interpreter fallback instead. gphys identifies the
// faulting access for logging only; the decode/execute path works entirely
// off CS:RIP and the MemoryPort, the same as it would for any other trap.
func (v *VCPU) emulate(gphys uint64) error {
	regs, err := vmexit.GetRegs(v.FD)
	if err != nil {
		return fmt.Errorf("vcpu %d: GetRegs: %w", v.ID, err)
	}
	sregs, err := vmexit.GetSregs(v.FD)
	if err != nil {
		return fmt.Errorf("vcpu %d: GetSregs: %w", v.ID, err)
	}

	rf := &regFile{regs: regs, sregs: sregs, dr: v.dr}
	gs := pagingStateFromSregs(sregs)
	mode := cpuModeFromSregs(sregs)

	br := &linearByteReader{mem: v.Mem, gs: gs, base: sregs.CS.Base + regs.RIP}
	inst, err := interp.Decode(br, mode)
	if err != nil {
		return fmt.Errorf("vcpu %d: decode at gphys 0x%x: %w", v.ID, gphys, err)
	}

	mp := &memPort{mem: v.Mem, gs: gs, io: v.IO}
	inj := &eventInjector{fd: v.FD}
	pg := &pagingControl{second: v.Second}

	for {
		res, err := interp.Execute(inst, rf, mp, inj, pg)
		if err != nil {
			return fmt.Errorf("vcpu %d: execute at gphys 0x%x: %w", v.ID, gphys, err)
		}
		if res.AdvanceRIP {
			rf.SetRIP(rf.RIP() + uint64(inst.Length))
		}
		if !res.Continue {
			break
		}
	}

	if err := vmexit.SetRegs(v.FD, rf.regs); err != nil {
		return fmt.Errorf("vcpu %d: SetRegs: %w", v.ID, err)
	}
	if err := vmexit.SetSregs(v.FD, rf.sregs); err != nil {
		return fmt.Errorf("vcpu %d: SetSregs: %w", v.ID, err)
	}
	v.dr = rf.dr
	return nil
}

func pagingStateFromSregs(s vmexit.Sregs) guestmem.GuestPagingState {
	return guestmem.GuestPagingState{CR0: s.CR0, CR3: s.CR3, CR4: s.CR4, EFER: s.EFER}
}

// cpuModeFromSregs derives the CR0.PE/EFER.LMA/CS.L/CS.D mode bits
// interp.Decode needs to pick operand/address size from an Sregs snapshot.
// EFER bit 10 is LMA.
func cpuModeFromSregs(s vmexit.Sregs) interp.CPUMode {
	const eferLMA = 1 << 10
	return interp.CPUMode{
		ProtectedMode:  s.CR0&1 != 0,
		LongModeActive: s.EFER&eferLMA != 0,
		CSLongMode:     s.CS.L != 0,
		CSDefault32:    s.CS.DB != 0,
	}
}

// linearByteReader satisfies interp.ByteReader by reading successive bytes
// from a fixed linear base (CS.Base+RIP at decode start), walking guest page
// tables the same way any other linear access would.
type linearByteReader struct {
	mem  *guestmem.Accessor
	gs   guestmem.GuestPagingState
	base uint64
}

func (r *linearByteReader) ReadByte(off int) (byte, error) {
	return r.mem.ReadLinearAddrB(r.gs, r.base+uint64(off))
}

// memPort satisfies interp.MemoryPort over guestmem.Accessor for linear
// memory operands and over vmexit.IOBus for the port-I/O operands of string
// I/O instructions the interpreter executes (string I/O that KVM reports as
// KVM_EXIT_IO goes through the dispatcher's handleIO instead).
type memPort struct {
	mem *guestmem.Accessor
	gs  guestmem.GuestPagingState
	io  vmexit.IOBus
}

func (p *memPort) ReadLinear(lin uint64, buf []byte, user bool) error {
	return p.mem.ReadLinearAddr(p.gs, lin, buf, user, false)
}

func (p *memPort) WriteLinear(lin uint64, buf []byte, user bool) error {
	return p.mem.WriteLinearAddr(p.gs, lin, buf, user)
}

func (p *memPort) InPort(port uint16, width int) (uint32, error) {
	if p.io == nil {
		return 0, fmt.Errorf("vcpu: string I/O with no IOBus attached")
	}
	return p.io.In(port, width)
}

func (p *memPort) OutPort(port uint16, width int, val uint32) error {
	if p.io == nil {
		return fmt.Errorf("vcpu: string I/O with no IOBus attached")
	}
	return p.io.Out(port, width, val)
}

// eventInjector satisfies interp.EventInjector via the same KVM_INTERRUPT
// ioctl the dispatcher's default passthrough interrupt policy uses.
type eventInjector struct {
	fd int
}

func (e *eventInjector) InjectSoftInterrupt(vector uint8) error {
	return vmexit.Interrupt(e.fd, uint32(vector))
}

// pagingControl satisfies interp.PagingControl over a paging.SecondLevel: a
// CR3 reload clears every cached non-global shadow mapping the same way a
// real TLB flush would, and INVLPG removes that one page's shadow mapping (a
// no-op under nested paging).
type pagingControl struct {
	second paging.SecondLevel
}

func (p *pagingControl) ReloadCR3() {
	if p.second != nil {
		p.second.Reset()
	}
}

func (p *pagingControl) InvalidatePage(linear uint64) {
	if p.second != nil {
		p.second.InvalidatePage(linear)
	}
}
