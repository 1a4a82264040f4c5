// Package vcpu binds one logical processor's pcpu substrate, KVM vCPU fd,
// second-level paging strategy and interpreter together into one run loop,
// generalized across every control-layer component instead of one
// hard-coded real-mode boot path.
package vcpu

import (
	"fmt"

	"github.com/coreshim/vmmcore/internal/vmexit"
)

// regFile adapts the raw KVM Regs/Sregs pair to interp.RegisterFile. GPR
// indices follow the x86-64 encoding order (RAX=0 .. R15=15); CR/DR/segment
// indices are the architectural register numbers.
type regFile struct {
	regs  vmexit.Regs
	sregs vmexit.Sregs
	dr    [16]uint64
}

func (r *regFile) GPR(n int) uint64 {
	switch n {
	case 0:
		return r.regs.RAX
	case 1:
		return r.regs.RCX
	case 2:
		return r.regs.RDX
	case 3:
		return r.regs.RBX
	case 4:
		return r.regs.RSP
	case 5:
		return r.regs.RBP
	case 6:
		return r.regs.RSI
	case 7:
		return r.regs.RDI
	case 8:
		return r.regs.R8
	case 9:
		return r.regs.R9
	case 10:
		return r.regs.R10
	case 11:
		return r.regs.R11
	case 12:
		return r.regs.R12
	case 13:
		return r.regs.R13
	case 14:
		return r.regs.R14
	case 15:
		return r.regs.R15
	default:
		return 0
	}
}

func (r *regFile) SetGPR(n int, v uint64) {
	switch n {
	case 0:
		r.regs.RAX = v
	case 1:
		r.regs.RCX = v
	case 2:
		r.regs.RDX = v
	case 3:
		r.regs.RBX = v
	case 4:
		r.regs.RSP = v
	case 5:
		r.regs.RBP = v
	case 6:
		r.regs.RSI = v
	case 7:
		r.regs.RDI = v
	case 8:
		r.regs.R8 = v
	case 9:
		r.regs.R9 = v
	case 10:
		r.regs.R10 = v
	case 11:
		r.regs.R11 = v
	case 12:
		r.regs.R12 = v
	case 13:
		r.regs.R13 = v
	case 14:
		r.regs.R14 = v
	case 15:
		r.regs.R15 = v
	}
}

func (r *regFile) RFLAGS() uint64     { return r.regs.RFLAGS }
func (r *regFile) SetRFLAGS(v uint64) { r.regs.RFLAGS = v }
func (r *regFile) RIP() uint64        { return r.regs.RIP }
func (r *regFile) SetRIP(v uint64)    { r.regs.RIP = v }

func (r *regFile) Segment(n int) (uint16, uint64) {
	seg := r.segPtr(n)
	if seg == nil {
		return 0, 0
	}
	return seg.Selector, seg.Base
}

func (r *regFile) SetSegment(n int, selector uint16, base uint64) {
	seg := r.segPtr(n)
	if seg == nil {
		return
	}
	seg.Selector = selector
	seg.Base = base
}

// Segment register numbering: ES=0 CS=1 SS=2 DS=3 FS=4 GS=5, the order the
// ModRM.Reg field encodes MOV Sreg operands in.
func (r *regFile) segPtr(n int) *vmexit.Segment {
	switch n {
	case 0:
		return &r.sregs.ES
	case 1:
		return &r.sregs.CS
	case 2:
		return &r.sregs.SS
	case 3:
		return &r.sregs.DS
	case 4:
		return &r.sregs.FS
	case 5:
		return &r.sregs.GS
	default:
		return nil
	}
}

func (r *regFile) CR(n int) uint64 {
	switch n {
	case 0:
		return r.sregs.CR0
	case 2:
		return r.sregs.CR2
	case 3:
		return r.sregs.CR3
	case 4:
		return r.sregs.CR4
	case 8:
		return r.sregs.CR8
	default:
		return 0
	}
}

func (r *regFile) SetCR(n int, v uint64) error {
	switch n {
	case 0:
		r.sregs.CR0 = v
	case 2:
		r.sregs.CR2 = v
	case 3:
		r.sregs.CR3 = v
	case 4:
		r.sregs.CR4 = v
	case 8:
		r.sregs.CR8 = v
	default:
		return fmt.Errorf("vcpu: unsupported control register CR%d", n)
	}
	return nil
}

// Debug registers are not modeled by this core's KVM Sregs/Regs pair; kept
// as inert storage so MOV DR instructions decode and execute without
// faulting. Debug registers are accepted, not emulated.
func (r *regFile) DR(n int) uint64       { return r.dr[n&0xF] }
func (r *regFile) SetDR(n int, v uint64) { r.dr[n&0xF] = v }
