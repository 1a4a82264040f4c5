package interp

import (
	"fmt"

	"github.com/coreshim/vmmcore/internal/guestfault"
)

// RegisterFile is the subset of guest general-purpose/segment/control state
// the interpreter reads and writes, implemented by the caller (vcpu) over
// its real register snapshot. Kept as an interface rather than a struct so
// the interpreter never assumes a particular vCPU representation.
type RegisterFile interface {
	GPR(n int) uint64
	SetGPR(n int, v uint64)
	RFLAGS() uint64
	SetRFLAGS(v uint64)
	Segment(n int) (selector uint16, base uint64)
	SetSegment(n int, selector uint16, base uint64)
	CR(n int) uint64
	SetCR(n int, v uint64) error
	DR(n int) uint64
	SetDR(n int, v uint64)
	RIP() uint64
	SetRIP(v uint64)
}

// MemoryPort is the narrow guest-memory surface the interpreter needs: a
// linear read/write plus port I/O, satisfied by guestmem.Accessor plus an
// I/O-port backend (this "memory or port I/O operand").
type MemoryPort interface {
	ReadLinear(lin uint64, buf []byte, user bool) error
	WriteLinear(lin uint64, buf []byte, user bool) error
	InPort(port uint16, width int) (uint32, error)
	OutPort(port uint16, width int, val uint32) error
}

// EventInjector lets the interpreter raise synchronous guest events (#GP,
// #PF already flow through guestfault; this covers INT n and IRET's
// software path).
type EventInjector interface {
	InjectSoftInterrupt(vector uint8) error
}

// PagingControl lets the interpreter notify second-level paging of the two
// guest operations it cannot infer from a raw memory access: a CR3 reload
// (MOV CR3, reg) invalidates every non-global shadow mapping, and INVLPG
// invalidates exactly one page. A nil PagingControl is valid when the caller
// has no second-level paging to notify (e.g. a unit test).
type PagingControl interface {
	ReloadCR3()
	InvalidatePage(linear uint64)
}

// Segment register indices, matching the x86 Sreg ModRM.Reg encoding and
// vcpu.regFile's segPtr convention: ES=0 CS=1 SS=2 DS=3 FS=4 GS=5.
const (
	segES = 0
	segCS = 1
	segSS = 2
	segDS = 3
	segFS = 4
	segGS = 5
)

// maxStringRepeat bounds one call to Execute for a REP-prefixed string
// instruction to 16 iterations before returning control to the dispatcher.
// The caller re-enters with the same Instruction (RCX/RSI/RDI already
// advanced) until the count reaches zero, so a pending interrupt is never
// starved behind a multi-gigabyte REP MOVS.
const maxStringRepeat = 16

// ExecResult tells the caller (vmexit) what to do after Execute returns.
type ExecResult struct {
	AdvanceRIP bool // false for instructions that set RIP themselves (IRET, INT)
	Continue   bool // true: re-invoke Execute with the same Instruction (string op not finished)
}

// Execute emulates one decoded instruction against regs/mem. ALU
// instructions are re-issued on the host to capture the real RFLAGS result
// rather than hand-reimplementing every flag rule. pg may be nil when the
// caller has no second-level paging to notify.
func Execute(inst *Instruction, regs RegisterFile, mem MemoryPort, inj EventInjector, pg PagingControl) (ExecResult, error) {
	switch inst.Op {
	case OpMovToCR:
		return execMovToCR(inst, regs, pg)
	case OpMovFromCR:
		return execMovFromCR(inst, regs)
	case OpMovToDR:
		regs.SetDR(int(inst.ModRM.Reg), regs.GPR(int(inst.ModRM.RM)))
		return ExecResult{AdvanceRIP: true}, nil
	case OpMovFromDR:
		regs.SetGPR(int(inst.ModRM.RM), regs.DR(int(inst.ModRM.Reg)))
		return ExecResult{AdvanceRIP: true}, nil
	case OpLMSW:
		cr0 := regs.CR(0)
		newLow := uint64(inst.Imm) & 0xF
		if err := regs.SetCR(0, (cr0 &^ 0xF) | newLow); err != nil {
			return ExecResult{}, err
		}
		return ExecResult{AdvanceRIP: true}, nil
	case OpSMSW:
		regs.SetGPR(int(inst.ModRM.RM), regs.CR(0)&0xFFFF)
		return ExecResult{AdvanceRIP: true}, nil
	case OpINVLPG:
		lin, err := memOperandLinear(inst, regs)
		if err != nil {
			return ExecResult{}, err
		}
		if pg != nil {
			pg.InvalidatePage(lin)
		}
		return ExecResult{AdvanceRIP: true}, nil
	case OpINSB, OpINSW, OpINSL:
		return execStringIO(inst, regs, mem, true)
	case OpOUTSB, OpOUTSW, OpOUTSL:
		return execStringIO(inst, regs, mem, false)
	case OpINT:
		if inj == nil {
			return ExecResult{}, fmt.Errorf("interp: INT n with no event injector")
		}
		if err := inj.InjectSoftInterrupt(uint8(inst.Imm)); err != nil {
			return ExecResult{}, err
		}
		return ExecResult{AdvanceRIP: false}, nil
	case OpPUSHF:
		return execPushf(inst, regs, mem)
	case OpPOPF:
		return execPopf(inst, regs, mem)
	case OpIRET:
		return execIRET(inst, regs, mem)
	case OpMovToSreg:
		return execMovToSreg(inst, regs, mem)
	case OpMovFromSreg:
		return execMovFromSreg(inst, regs, mem)
	case OpLSS:
		return execLSS(inst, regs, mem)
	case OpALUArith:
		return execALU(inst, regs)
	case OpHLT:
		return ExecResult{AdvanceRIP: true}, nil
	default:
		return ExecResult{}, guestfault.New(guestfault.UnsupportedOpcode, regs.RIP(), "opcode not recognized by classify()")
	}
}

func execMovToCR(inst *Instruction, regs RegisterFile, pg PagingControl) (ExecResult, error) {
	n := int(inst.ModRM.Reg)
	v := regs.GPR(int(inst.ModRM.RM))
	if err := regs.SetCR(n, v); err != nil {
		return ExecResult{}, err
	}
	if n == 3 && pg != nil {
		// A CR3 write reloads the whole page-table root; every cached
		// non-global shadow mapping keyed off the old root is now stale.
		pg.ReloadCR3()
	}
	return ExecResult{AdvanceRIP: true}, nil
}

func execMovFromCR(inst *Instruction, regs RegisterFile) (ExecResult, error) {
	n := int(inst.ModRM.Reg)
	regs.SetGPR(int(inst.ModRM.RM), regs.CR(n))
	return ExecResult{AdvanceRIP: true}, nil
}

// execStringIO performs one iteration of INS/OUTS, decrementing the
// iteration budget so the caller's loop honors maxStringRepeat.
func execStringIO(inst *Instruction, regs RegisterFile, mem MemoryPort, in bool) (ExecResult, error) {
	width := stringWidth(inst.Op)
	rcx := regs.GPR(1) // ECX/RCX
	repeat := inst.Prefixes.Rep
	count := uint64(1)
	if repeat {
		count = rcx
		if count > maxStringRepeat {
			count = maxStringRepeat
		}
	}

	for i := uint64(0); i < count; i++ {
		dx := uint16(regs.GPR(2)) // DX holds the port for INS/OUTS
		if in {
			v, err := mem.InPort(dx, width)
			if err != nil {
				return ExecResult{}, err
			}
			rdi := regs.GPR(7)
			buf := encodeWidth(v, width)
			if err := mem.WriteLinear(rdi, buf, true); err != nil {
				return ExecResult{}, err
			}
			regs.SetGPR(7, rdi+uint64(width))
		} else {
			rsi := regs.GPR(6)
			buf := make([]byte, width)
			if err := mem.ReadLinear(rsi, buf, true); err != nil {
				return ExecResult{}, err
			}
			if err := mem.OutPort(dx, width, decodeWidth(buf)); err != nil {
				return ExecResult{}, err
			}
			regs.SetGPR(6, rsi+uint64(width))
		}
	}

	if repeat {
		remaining := rcx - count
		regs.SetGPR(1, remaining)
		if remaining > 0 {
			// Iteration budget exhausted but the string op is not done: the
			// dispatcher must re-enter Execute with this Instruction (RIP
			// unchanged) after checking for a pending interrupt.
			return ExecResult{AdvanceRIP: false, Continue: true}, nil
		}
	}
	return ExecResult{AdvanceRIP: true}, nil
}

func stringWidth(op OpKind) int {
	switch op {
	case OpINSB, OpOUTSB:
		return 1
	case OpINSW, OpOUTSW:
		return 2
	default:
		return 4
	}
}

func encodeWidth(v uint32, width int) []byte {
	buf := make([]byte, width)
	for i := 0; i < width; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

func decodeWidth(buf []byte) uint32 {
	var v uint32
	for i, b := range buf {
		v |= uint32(b) << (8 * i)
	}
	return v
}

func encodeWidthU64(v uint64, width int) []byte {
	buf := make([]byte, width)
	for i := 0; i < width; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

func decodeWidthU64(buf []byte) uint64 {
	var v uint64
	for i, b := range buf {
		v |= uint64(b) << (8 * i)
	}
	return v
}

// widthBytes maps an effective operand size to the byte width PUSHF/POPF/
// IRET and MOV Sreg's memory form operate at.
func widthBytes(sz OperandSize) int {
	switch sz {
	case Size16:
		return 2
	case Size64:
		return 8
	default:
		return 4
	}
}

// effectiveAddr16 computes a 16-bit real-mode effective address from the
// classic 8086 ModRM.RM table; it needs live register values, so it can only
// run at execute time, not decode time.
func effectiveAddr16(m *ModRM, regs RegisterFile) uint64 {
	if m.RM == 6 && m.Mod == 0 {
		return uint64(uint16(m.Disp)) // disp16, no base register
	}

	bx := uint16(regs.GPR(3))
	bp := uint16(regs.GPR(5))
	si := uint16(regs.GPR(6))
	di := uint16(regs.GPR(7))

	var base uint16
	switch m.RM {
	case 0:
		base = bx + si
	case 1:
		base = bx + di
	case 2:
		base = bp + si
	case 3:
		base = bp + di
	case 4:
		base = si
	case 5:
		base = di
	case 6:
		base = bp
	case 7:
		base = bx
	}
	return uint64(base + uint16(m.Disp))
}

// defaultSegIndex16 reports the segment a 16-bit effective address defaults
// to absent an override prefix: BP-based modes default to SS, everything
// else to DS.
func defaultSegIndex16(m *ModRM) int {
	switch m.RM {
	case 2, 3:
		return segSS
	case 6:
		if m.Mod != 0 {
			return segSS
		}
	}
	return segDS
}

// effectiveAddr3264 computes a 32/64-bit effective address from ModRM/SIB.
func effectiveAddr3264(m *ModRM, regs RegisterFile) uint64 {
	if m.HasSIB {
		var addr uint64
		if m.Index != 4 {
			addr = regs.GPR(int(m.Index)) << m.Scale
		}
		if !(m.Base == 5 && m.Mod == 0) {
			addr += regs.GPR(int(m.Base))
		}
		return addr + uint64(int64(m.Disp))
	}
	if m.Mod == 0 && m.RM == 5 {
		return uint64(int64(m.Disp)) // disp32, no base register
	}
	return regs.GPR(int(m.RM)) + uint64(int64(m.Disp))
}

// defaultSegIndex3264 reports the segment a 32/64-bit effective address
// defaults to: a (E/R)SP or (E/R)BP base defaults to SS, everything else DS.
func defaultSegIndex3264(m *ModRM) int {
	if m.HasSIB {
		if !(m.Base == 5 && m.Mod == 0) && (m.Base == 4 || m.Base == 5) {
			return segSS
		}
		return segDS
	}
	if m.Mod != 0 && m.RM == 5 {
		return segSS
	}
	return segDS
}

// segIndexFromOverridePrefix maps a legacy segment-override prefix byte to
// its segment register index.
func segIndexFromOverridePrefix(b uint8) int {
	switch b {
	case 0x2E:
		return segCS
	case 0x36:
		return segSS
	case 0x3E:
		return segDS
	case 0x26:
		return segES
	case 0x64:
		return segFS
	case 0x65:
		return segGS
	default:
		return segDS
	}
}

// memOperandLinear resolves a decoded memory ModRM operand to a linear
// address, honoring a segment-override prefix or the addressing mode's
// default segment otherwise.
func memOperandLinear(inst *Instruction, regs RegisterFile) (uint64, error) {
	m := inst.ModRM
	if m == nil || m.Mod == 3 {
		return 0, guestfault.New(guestfault.UnsupportedOpcode, regs.RIP(), "instruction requires a memory operand")
	}

	var offset uint64
	var segIdx int
	if inst.AddrSize == Addr16 {
		offset = effectiveAddr16(m, regs)
		segIdx = defaultSegIndex16(m)
	} else {
		offset = effectiveAddr3264(m, regs)
		segIdx = defaultSegIndex3264(m)
	}
	if inst.Prefixes.Seg != 0 {
		segIdx = segIndexFromOverridePrefix(inst.Prefixes.Seg)
	}

	_, segBase := regs.Segment(segIdx)
	return segBase + offset, nil
}

// execPush writes value (truncated to width bytes) to the top of the SS
// stack and decrements the stack pointer.
func execPush(regs RegisterFile, mem MemoryPort, value uint64, width int) error {
	newSP := regs.GPR(4) - uint64(width)
	_, ssBase := regs.Segment(segSS)
	if err := mem.WriteLinear(ssBase+newSP, encodeWidthU64(value, width), true); err != nil {
		return err
	}
	regs.SetGPR(4, newSP)
	return nil
}

// execPop reads width bytes off the top of the SS stack and advances the
// stack pointer past them.
func execPop(regs RegisterFile, mem MemoryPort, width int) (uint64, error) {
	sp := regs.GPR(4)
	_, ssBase := regs.Segment(segSS)
	buf := make([]byte, width)
	if err := mem.ReadLinear(ssBase+sp, buf, true); err != nil {
		return 0, err
	}
	regs.SetGPR(4, sp+uint64(width))
	return decodeWidthU64(buf), nil
}

func execPushf(inst *Instruction, regs RegisterFile, mem MemoryPort) (ExecResult, error) {
	width := widthBytes(inst.OperandSize)
	if err := execPush(regs, mem, regs.RFLAGS(), width); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{AdvanceRIP: true}, nil
}

func execPopf(inst *Instruction, regs RegisterFile, mem MemoryPort) (ExecResult, error) {
	width := widthBytes(inst.OperandSize)
	v, err := execPop(regs, mem, width)
	if err != nil {
		return ExecResult{}, err
	}
	mask := uint64(1)<<(8*width) - 1
	regs.SetRFLAGS((regs.RFLAGS() &^ mask) | (v & mask))
	return ExecResult{AdvanceRIP: true}, nil
}

// execIRET pops IP, CS, FLAGS off the stack, the real-mode interrupt-return
// form (no privilege-level change, no descriptor-table lookup: this
// interpreter's RegisterFile has no GDT-walk capability, so the reloaded CS
// base is derived as selector<<4 the same way a real-mode far jump would).
func execIRET(inst *Instruction, regs RegisterFile, mem MemoryPort) (ExecResult, error) {
	width := widthBytes(inst.OperandSize)
	ip, err := execPop(regs, mem, width)
	if err != nil {
		return ExecResult{}, err
	}
	csSel, err := execPop(regs, mem, width)
	if err != nil {
		return ExecResult{}, err
	}
	flags, err := execPop(regs, mem, width)
	if err != nil {
		return ExecResult{}, err
	}

	regs.SetSegment(segCS, uint16(csSel), uint64(uint16(csSel))<<4)
	mask := uint64(1)<<(8*width) - 1
	regs.SetRFLAGS((regs.RFLAGS() &^ mask) | (flags & mask))
	regs.SetRIP(ip)
	return ExecResult{AdvanceRIP: false}, nil
}

// execMovToSreg loads a segment register from a GPR or memory word. The base
// is derived as selector<<4 (real-mode interpretation; see execIRET).
func execMovToSreg(inst *Instruction, regs RegisterFile, mem MemoryPort) (ExecResult, error) {
	m := inst.ModRM
	var selector uint16
	if m.Mod == 3 {
		selector = uint16(regs.GPR(int(m.RM)))
	} else {
		lin, err := memOperandLinear(inst, regs)
		if err != nil {
			return ExecResult{}, err
		}
		var buf [2]byte
		if err := mem.ReadLinear(lin, buf[:], true); err != nil {
			return ExecResult{}, err
		}
		selector = uint16(buf[0]) | uint16(buf[1])<<8
	}
	regs.SetSegment(int(m.Reg), selector, uint64(selector)<<4)
	return ExecResult{AdvanceRIP: true}, nil
}

func execMovFromSreg(inst *Instruction, regs RegisterFile, mem MemoryPort) (ExecResult, error) {
	m := inst.ModRM
	selector, _ := regs.Segment(int(m.Reg))
	if m.Mod == 3 {
		regs.SetGPR(int(m.RM), uint64(selector))
		return ExecResult{AdvanceRIP: true}, nil
	}
	lin, err := memOperandLinear(inst, regs)
	if err != nil {
		return ExecResult{}, err
	}
	if err := mem.WriteLinear(lin, []byte{byte(selector), byte(selector >> 8)}, true); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{AdvanceRIP: true}, nil
}

// execLSS loads a far pointer's offset into the ModRM.Reg GPR and its
// segment selector into SS, the real-mode "load stack pointer" idiom BIOS
// code uses to switch stacks in one instruction.
func execLSS(inst *Instruction, regs RegisterFile, mem MemoryPort) (ExecResult, error) {
	m := inst.ModRM
	if m == nil || m.Mod == 3 {
		return ExecResult{}, guestfault.New(guestfault.UnsupportedOpcode, regs.RIP(), "LSS requires a memory operand")
	}
	width := widthBytes(inst.OperandSize)
	lin, err := memOperandLinear(inst, regs)
	if err != nil {
		return ExecResult{}, err
	}

	offBuf := make([]byte, width)
	if err := mem.ReadLinear(lin, offBuf, true); err != nil {
		return ExecResult{}, err
	}
	var selBuf [2]byte
	if err := mem.ReadLinear(lin+uint64(width), selBuf[:], true); err != nil {
		return ExecResult{}, err
	}
	selector := uint16(selBuf[0]) | uint16(selBuf[1])<<8

	regs.SetGPR(int(m.Reg), decodeWidthU64(offBuf))
	regs.SetSegment(segSS, selector, uint64(selector)<<4)
	return ExecResult{AdvanceRIP: true}, nil
}
