package interp

import "github.com/coreshim/vmmcore/internal/guestfault"

// aluOp identifies one of the eight group-1 ALU operations by its ModR/M
// reg field / opcode row, matching the x86 encoding directly so dispatch is
// a single table lookup.
type aluOp uint8

const (
	aluADD aluOp = 0
	aluOR  aluOp = 1
	aluADC aluOp = 2
	aluSBB aluOp = 3
	aluAND aluOp = 4
	aluSUB aluOp = 5
	aluXOR aluOp = 6
	aluCMP aluOp = 7
)

// hostALU32 performs op on (dst, src, carryIn) using the real host ADD/SUB/
// AND/OR/XOR/ADC/SBB/CMP instruction (alu_amd64.s) so the resulting RFLAGS
// bits (CF/PF/AF/ZF/SF/OF) are exactly what silicon would produce, rather
// than a hand-reimplemented flag table that has to track every edge case
// (e.g. AF on nibble borrow) by hand.
//
//go:noescape
func hostALU32(op uint32, dst, src uint32, carryIn uint32) (result uint32, flags uint64)

// execALU decodes the group-1 opcode row and re-issues it on the host to
// merge the resulting condition flags into the guest's RFLAGS.
func execALU(inst *Instruction, regs RegisterFile) (ExecResult, error) {
	op, ok := aluOpFromOpcode(inst.Opcode[0])
	if !ok {
		return ExecResult{}, guestfault.New(guestfault.UnsupportedOpcode, regs.RIP(), "not a recognized group-1 ALU opcode")
	}

	var dst, src uint32
	if inst.ModRM != nil {
		dst = uint32(regs.GPR(int(inst.ModRM.RM)))
		src = uint32(regs.GPR(int(inst.ModRM.Reg)))
	} else {
		dst = uint32(regs.GPR(0)) // AL/EAX accumulator forms
		src = uint32(inst.Imm)
	}

	carryIn := uint32(0)
	if op == aluADC || op == aluSBB {
		carryIn = uint32(regs.RFLAGS() & 1)
	}

	result, flags := hostALU32(uint32(op), dst, src, carryIn)

	merged := (regs.RFLAGS() &^ rflagsStatusMask) | (flags & rflagsStatusMask)
	regs.SetRFLAGS(merged)

	if op != aluCMP && inst.ModRM != nil {
		regs.SetGPR(int(inst.ModRM.RM), uint64(result))
	} else if op != aluCMP {
		regs.SetGPR(0, uint64(result))
	}

	return ExecResult{AdvanceRIP: true}, nil
}

// rflagsStatusMask covers CF(0), PF(2), AF(4), ZF(6), SF(7), OF(11).
const rflagsStatusMask = 1<<0 | 1<<2 | 1<<4 | 1<<6 | 1<<7 | 1<<11

func aluOpFromOpcode(b byte) (aluOp, bool) {
	row := b >> 3
	if b > 0x3D || b&0x06 == 0x06 && row > 7 {
		return 0, false
	}
	if row > 7 {
		return 0, false
	}
	return aluOp(row), true
}
