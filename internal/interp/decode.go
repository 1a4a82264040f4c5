// Package interp decodes and emulates the subset of x86/x86-64 instructions
// needed when hardware virtualization cannot complete a trap: INVLPG, MOV
// to/from CR/DR/SREG, string I/O, INT n in real mode, PUSHF/POPF/IRET,
// real-mode LSS and the group-1 ALU operations. LGDT/LIDT are decoded but
// Execute rejects them as unsupported; LMSW/SMSW are not decoded.
package interp

import "github.com/coreshim/vmmcore/internal/guestfault"

// OperandKind classifies where one operand's value comes from.
type OperandKind int

const (
	OperandMem OperandKind = iota
	OperandReg
	OperandAccum
	OperandImm
	OperandConst1
	OperandClReg
)

// OperandSize mirrors the effective operand-size classes (OPTYPE_16/32/64).
type OperandSize int

const (
	Size16 OperandSize = 2
	Size32 OperandSize = 4
	Size64 OperandSize = 8
)

// AddrSize mirrors the effective address-type classes (ADDRTYPE_16/32/64).
type AddrSize int

const (
	Addr16 AddrSize = 2
	Addr32 AddrSize = 4
	Addr64 AddrSize = 8
)

// CPUMode captures the (CR0.PE, EFER.LMA, CS.L, CS.D) mode-derivation
// inputs used to select operand/address size.
type CPUMode struct {
	ProtectedMode bool // CR0.PE
	LongModeActive bool // EFER.LMA
	CSLongMode    bool // CS.L
	CSDefault32   bool // CS.D/B
}

func (m CPUMode) defaultOperandSize() OperandSize {
	switch {
	case m.LongModeActive && m.CSLongMode:
		return Size32 // 64-bit mode defaults to 32-bit operands unless REX.W
	case !m.ProtectedMode:
		return Size16
	case m.CSDefault32:
		return Size32
	default:
		return Size16
	}
}

func (m CPUMode) defaultAddrSize() AddrSize {
	switch {
	case m.LongModeActive && m.CSLongMode:
		return Addr64
	case !m.ProtectedMode:
		return Addr16
	case m.CSDefault32:
		return Addr32
	default:
		return Addr16
	}
}

// Prefixes holds the legacy-prefix/REX state accumulated while scanning the
// instruction byte stream
type Prefixes struct {
	Lock, Rep, Repne   bool
	Seg                uint8 // segment override register index, 0 = none
	OperandSizeOverride bool
	AddrSizeOverride    bool
	REX                 uint8 // 0 = absent
}

func (p Prefixes) hasREX() bool { return p.REX != 0 }
func (p Prefixes) rexW() bool   { return p.REX&0x08 != 0 }
func (p Prefixes) rexR() bool   { return p.REX&0x04 != 0 }
func (p Prefixes) rexX() bool   { return p.REX&0x02 != 0 }
func (p Prefixes) rexB() bool   { return p.REX&0x01 != 0 }

// ModRM is the decoded ModR/M + SIB + displacement triple.
type ModRM struct {
	Mod, Reg, RM uint8
	HasSIB       bool
	Scale, Index, Base uint8
	Disp         int32
	DispBytes    int
}

// Instruction is the tagged decode result Decode returns, used in place of a
// raw opcode-indexed jump table.
type Instruction struct {
	Prefixes Prefixes
	Opcode   []byte // 1-3 opcode bytes, primary/secondary/0F38/0F3A table selector
	ModRM    *ModRM
	Imm      int64
	ImmBytes int
	Length   int // total encoded length, bounded to 15

	Op       OpKind
	OperandKind OperandKind
	OperandSize OperandSize
	AddrSize    AddrSize
}

// OpKind is the decoded-instruction mnemonic class the dispatcher switches on.
type OpKind int

const (
	OpUnsupported OpKind = iota
	OpMovToCR
	OpMovFromCR
	OpMovToDR
	OpMovFromDR
	OpMovToSreg
	OpMovFromSreg
	OpLGDT
	OpLIDT
	OpLMSW
	OpSMSW
	OpINVLPG
	OpINSB
	OpINSW
	OpINSL
	OpOUTSB
	OpOUTSW
	OpOUTSL
	OpINT
	OpPUSHF
	OpPOPF
	OpIRET
	OpLSS
	OpALUArith // ADD/SUB/AND/OR/XOR/CMP/ADC/SBB — re-issued on host for RFLAGS
	OpHLT
	OpCPUID
	OpVMCALL
)

// ByteReader reads bytes from CS:IP for decode; implemented by the caller
// (vmexit) using guestmem's linear-address accessor.
type ByteReader interface {
	ReadByte(off int) (byte, error)
}

const maxInstructionLength = 15

// Decode parses one instruction starting at CS:IP, bounded to 15 bytes. mode
// supplies the CR0.PE/EFER.LMA/CS.L/CS.D inputs that select operand/address
// size.
func Decode(r ByteReader, mode CPUMode) (*Instruction, error) {
	var raw []byte
	next := func() (byte, error) {
		if len(raw) >= maxInstructionLength {
			return 0, guestfault.New(guestfault.InstructionTooLong, 0, "instruction exceeds 15 bytes")
		}
		b, err := r.ReadByte(len(raw))
		if err != nil {
			return 0, err
		}
		raw = append(raw, b)
		return b, nil
	}

	inst := &Instruction{OperandSize: mode.defaultOperandSize(), AddrSize: mode.defaultAddrSize()}

	// Legacy + REX prefixes.
	for {
		b, err := next()
		if err != nil {
			return nil, err
		}
		switch {
		case b == 0xF0:
			inst.Prefixes.Lock = true
		case b == 0xF2:
			inst.Prefixes.Repne = true
		case b == 0xF3:
			inst.Prefixes.Rep = true
		case b == 0x66:
			inst.Prefixes.OperandSizeOverride = true
			if inst.OperandSize == Size32 {
				inst.OperandSize = Size16
			} else if inst.OperandSize == Size16 {
				inst.OperandSize = Size32
			}
		case b == 0x67:
			inst.Prefixes.AddrSizeOverride = true
			if inst.AddrSize == Addr32 {
				inst.AddrSize = Addr16
			} else if inst.AddrSize == Addr16 {
				inst.AddrSize = Addr32
			}
		case b == 0x2E || b == 0x36 || b == 0x3E || b == 0x26 || b == 0x64 || b == 0x65:
			inst.Prefixes.Seg = b
		case mode.LongModeActive && b&0xF0 == 0x40:
			inst.Prefixes.REX = b
			if inst.Prefixes.rexW() {
				inst.OperandSize = Size64
			}
			goto prefixesDone
		default:
			raw = raw[:len(raw)-1] // not a prefix byte; put it back for opcode scan
			goto prefixesDone
		}
	}
prefixesDone:

	opByte, err := next()
	if err != nil {
		return nil, err
	}
	inst.Opcode = []byte{opByte}
	if opByte == 0x0F {
		second, err := next()
		if err != nil {
			return nil, err
		}
		inst.Opcode = append(inst.Opcode, second)
	}

	if err := decodeOperands(next, inst); err != nil {
		return nil, err
	}

	classify(inst)
	inst.Length = len(raw)
	return inst, nil
}

// decodeOperands parses ModR/M, SIB, displacement and immediate for the
// instructions this interpreter needs; opcodes that require no ModR/M (e.g.
// CPUID, HLT, PUSHF/POPF, IRET, plain string ops) skip straight through.
func decodeOperands(next func() (byte, error), inst *Instruction) error {
	if !opcodeHasModRM(inst.Opcode) {
		return decodeImmediateIfAny(next, inst)
	}

	b, err := next()
	if err != nil {
		return err
	}
	m := &ModRM{
		Mod: b >> 6,
		Reg: (b >> 3) & 0x7,
		RM:  b & 0x7,
	}
	if inst.Prefixes.hasREX() {
		if inst.Prefixes.rexR() {
			m.Reg |= 0x8
		}
	}

	// 16-bit addressing has no SIB byte at all: ModRM.RM==4 there means SI,
	// not "has SIB", so the SIB scan must be gated on AddrSize.
	if inst.AddrSize != Addr16 && m.Mod != 3 && m.RM == 4 {
		sib, err := next()
		if err != nil {
			return err
		}
		m.HasSIB = true
		m.Scale = sib >> 6
		m.Index = (sib >> 3) & 0x7
		m.Base = sib & 0x7
	}

	if inst.AddrSize == Addr16 {
		// 16-bit ModRM: Mod==0,RM==6 is disp16 with no base register; Mod==1
		// is disp8; Mod==2 is disp16 (not disp32, unlike 32/64-bit addressing).
		switch {
		case m.Mod == 0 && m.RM == 6:
			m.DispBytes = 2
		case m.Mod == 1:
			m.DispBytes = 1
		case m.Mod == 2:
			m.DispBytes = 2
		}
	} else {
		switch {
		case m.Mod == 0 && (m.RM == 5 || (m.HasSIB && m.Base == 5)):
			m.DispBytes = 4
		case m.Mod == 1:
			m.DispBytes = 1
		case m.Mod == 2:
			m.DispBytes = 4
		}
	}
	var disp int32
	for i := 0; i < m.DispBytes; i++ {
		db, err := next()
		if err != nil {
			return err
		}
		disp |= int32(db) << (8 * i)
	}
	m.Disp = disp
	inst.ModRM = m

	return decodeImmediateIfAny(next, inst)
}

func decodeImmediateIfAny(next func() (byte, error), inst *Instruction) error {
	n := immediateBytes(inst)
	if n == 0 {
		return nil
	}
	var imm int64
	for i := 0; i < n; i++ {
		b, err := next()
		if err != nil {
			return err
		}
		imm |= int64(b) << (8 * i)
	}
	inst.Imm = imm
	inst.ImmBytes = n
	return nil
}

// immediateBytes is a narrow table covering only the opcodes classify()
// recognizes; instructions this interpreter never emulates report 0 and are
// rejected by classify() as unsupported before reaching here in practice.
func immediateBytes(inst *Instruction) int {
	switch inst.Opcode[0] {
	case 0xCD: // INT imm8
		return 1
	default:
		return 0
	}
}

func opcodeHasModRM(op []byte) bool {
	if len(op) == 2 && op[0] == 0x0F {
		switch op[1] {
		case 0x01, 0x20, 0x22, 0x21, 0x23, 0xB2: // LGDT/LIDT group, MOV CR/DR, LSS
			return true
		}
		return false
	}
	switch op[0] {
	case 0x8E, 0x8C: // MOV Sreg
		return true
	}
	return false
}

// classify assigns OpKind based on the decoded opcode bytes, tagging the
// instruction with an enum value in place of a raw jump table.
func classify(inst *Instruction) {
	op := inst.Opcode
	switch {
	case len(op) == 2 && op[0] == 0x0F && op[1] == 0x01:
		if inst.ModRM != nil {
			switch inst.ModRM.Reg {
			case 2:
				inst.Op = OpLGDT
			case 3:
				inst.Op = OpLIDT
			case 7:
				if inst.ModRM.Mod == 3 {
					inst.Op = OpUnsupported // register forms (SWAPGS, RDTSCP), not INVLPG
				} else {
					inst.Op = OpINVLPG
				}
			default:
				inst.Op = OpUnsupported
			}
		}
	case len(op) == 2 && op[0] == 0x0F && op[1] == 0x20:
		inst.Op = OpMovFromCR
	case len(op) == 2 && op[0] == 0x0F && op[1] == 0x22:
		inst.Op = OpMovToCR
	case len(op) == 2 && op[0] == 0x0F && op[1] == 0x21:
		inst.Op = OpMovFromDR
	case len(op) == 2 && op[0] == 0x0F && op[1] == 0x23:
		inst.Op = OpMovToDR
	case len(op) == 2 && op[0] == 0x0F && op[1] == 0xA2:
		inst.Op = OpCPUID
	case len(op) == 2 && op[0] == 0x0F && op[1] == 0xB2:
		inst.Op = OpLSS
	case op[0] == 0x8E:
		inst.Op = OpMovToSreg
	case op[0] == 0x8C:
		inst.Op = OpMovFromSreg
	case op[0] == 0x6C || op[0] == 0x6D: // INSB/INSW/INSD
		if op[0] == 0x6C {
			inst.Op = OpINSB
		} else if inst.OperandSize == Size16 {
			inst.Op = OpINSW
		} else {
			inst.Op = OpINSL
		}
	case op[0] == 0x6E || op[0] == 0x6F: // OUTSB/OUTSW/OUTSD
		if op[0] == 0x6E {
			inst.Op = OpOUTSB
		} else if inst.OperandSize == Size16 {
			inst.Op = OpOUTSW
		} else {
			inst.Op = OpOUTSL
		}
	case op[0] == 0xCD:
		inst.Op = OpINT
	case op[0] == 0x9C:
		inst.Op = OpPUSHF
	case op[0] == 0x9D:
		inst.Op = OpPOPF
	case op[0] == 0xCF:
		inst.Op = OpIRET
	case op[0] == 0xF4:
		inst.Op = OpHLT
	case op[0] >= 0x00 && op[0] <= 0x3D && (op[0]&0xC0) == 0x00:
		inst.Op = OpALUArith
	default:
		inst.Op = OpUnsupported
	}
}
