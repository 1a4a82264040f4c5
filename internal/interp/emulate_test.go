package interp

import "testing"

type fakeSeg struct {
	selector uint16
	base     uint64
}

type fakeRegs struct {
	gpr    [16]uint64
	rflags uint64
	rip    uint64
	cr     [16]uint64
	seg    [6]fakeSeg
}

func (f *fakeRegs) GPR(n int) uint64     { return f.gpr[n] }
func (f *fakeRegs) SetGPR(n int, v uint64) { f.gpr[n] = v }
func (f *fakeRegs) RFLAGS() uint64       { return f.rflags }
func (f *fakeRegs) SetRFLAGS(v uint64)   { f.rflags = v }
func (f *fakeRegs) Segment(n int) (uint16, uint64) { return f.seg[n].selector, f.seg[n].base }
func (f *fakeRegs) SetSegment(n int, sel uint16, base uint64) {
	f.seg[n] = fakeSeg{selector: sel, base: base}
}
func (f *fakeRegs) CR(n int) uint64 { return f.cr[n] }
func (f *fakeRegs) SetCR(n int, v uint64) error {
	f.cr[n] = v
	return nil
}
func (f *fakeRegs) DR(n int) uint64           { return 0 }
func (f *fakeRegs) SetDR(n int, v uint64)     {}
func (f *fakeRegs) RIP() uint64               { return f.rip }
func (f *fakeRegs) SetRIP(v uint64)           { f.rip = v }

type fakeMem struct {
	mem  map[uint64][]byte
	outs []uint32
	ins  []uint32
}

func (m *fakeMem) ReadLinear(lin uint64, buf []byte, user bool) error {
	src := m.mem[lin]
	copy(buf, src)
	return nil
}
func (m *fakeMem) WriteLinear(lin uint64, buf []byte, user bool) error {
	if m.mem == nil {
		m.mem = map[uint64][]byte{}
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	m.mem[lin] = cp
	return nil
}
func (m *fakeMem) InPort(port uint16, width int) (uint32, error) {
	v := m.ins[0]
	m.ins = m.ins[1:]
	return v, nil
}
func (m *fakeMem) OutPort(port uint16, width int, val uint32) error {
	m.outs = append(m.outs, val)
	return nil
}

func TestExecALUAddSetsZeroFlag(t *testing.T) {
	regs := &fakeRegs{}
	inst := &Instruction{
		Opcode: []byte{0x01}, // ADD r/m32, r32
		Op:     OpALUArith,
		ModRM:  &ModRM{Reg: 1, RM: 0},
	}
	regs.SetGPR(0, 5)
	regs.SetGPR(1, ^uint64(4)) // src = -5 in 32-bit terms when truncated below
	regs.gpr[1] = 0xFFFFFFFB   // -5 as uint32

	res, err := Execute(inst, regs, &fakeMem{}, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.AdvanceRIP {
		t.Fatal("expected AdvanceRIP")
	}
	if regs.GPR(0) != 0 {
		t.Fatalf("result = %d, want 0", regs.GPR(0))
	}
	if regs.RFLAGS()&(1<<6) == 0 {
		t.Fatal("expected ZF set")
	}
}

func TestExecALUCmpDoesNotWriteBack(t *testing.T) {
	regs := &fakeRegs{}
	regs.SetGPR(0, 10)
	regs.SetGPR(1, 10)
	inst := &Instruction{
		Opcode: []byte{0x39}, // CMP r/m32, r32
		Op:     OpALUArith,
		ModRM:  &ModRM{Reg: 1, RM: 0},
	}
	if _, err := Execute(inst, regs, &fakeMem{}, nil, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if regs.GPR(0) != 10 {
		t.Fatalf("CMP must not write back, got %d", regs.GPR(0))
	}
}

type fakePaging struct {
	resets       int
	invalidated  []uint64
}

func (f *fakePaging) ReloadCR3()                  { f.resets++ }
func (f *fakePaging) InvalidatePage(linear uint64) { f.invalidated = append(f.invalidated, linear) }

func TestExecMovToCR3NotifiesPaging(t *testing.T) {
	regs := &fakeRegs{}
	regs.SetGPR(0, 0x4000) // source register holding the new CR3
	inst := &Instruction{Op: OpMovToCR, ModRM: &ModRM{Reg: 3, RM: 0}}
	pg := &fakePaging{}

	if _, err := Execute(inst, regs, &fakeMem{}, nil, pg); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if regs.CR(3) != 0x4000 {
		t.Fatalf("CR3 = %#x, want 0x4000", regs.CR(3))
	}
	if pg.resets != 1 {
		t.Fatalf("ReloadCR3 called %d times, want 1", pg.resets)
	}
}

func TestExecMovToCR0DoesNotNotifyPaging(t *testing.T) {
	regs := &fakeRegs{}
	inst := &Instruction{Op: OpMovToCR, ModRM: &ModRM{Reg: 0, RM: 0}}
	pg := &fakePaging{}

	if _, err := Execute(inst, regs, &fakeMem{}, nil, pg); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if pg.resets != 0 {
		t.Fatalf("ReloadCR3 called %d times, want 0 for a CR0 write", pg.resets)
	}
}

func TestExecINVLPGInvalidatesComputedLinearAddress(t *testing.T) {
	regs := &fakeRegs{}
	regs.SetGPR(3, 0x1200) // BX
	regs.SetGPR(6, 0x0034) // SI
	regs.SetSegment(segDS, 0, 0) // flat DS base
	inst := &Instruction{
		Op:       OpINVLPG,
		AddrSize: Addr16,
		ModRM:    &ModRM{Mod: 0, Reg: 7, RM: 0}, // [BX+SI]
	}
	pg := &fakePaging{}

	if _, err := Execute(inst, regs, &fakeMem{}, nil, pg); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(pg.invalidated) != 1 || pg.invalidated[0] != 0x1234 {
		t.Fatalf("invalidated = %v, want [0x1234]", pg.invalidated)
	}
}

func TestExecPushfPopfRoundTrip(t *testing.T) {
	regs := &fakeRegs{}
	regs.SetGPR(4, 0x1000) // SP
	regs.SetRFLAGS(0x0246)
	mem := &fakeMem{}

	push := &Instruction{Op: OpPUSHF, OperandSize: Size16}
	if _, err := Execute(push, regs, mem, nil, nil); err != nil {
		t.Fatalf("pushf: %v", err)
	}
	if regs.GPR(4) != 0x0FFE {
		t.Fatalf("SP after PUSHF = %#x, want 0xFFE", regs.GPR(4))
	}

	regs.SetRFLAGS(0)
	pop := &Instruction{Op: OpPOPF, OperandSize: Size16}
	if _, err := Execute(pop, regs, mem, nil, nil); err != nil {
		t.Fatalf("popf: %v", err)
	}
	if regs.RFLAGS() != 0x0246 {
		t.Fatalf("RFLAGS after POPF = %#x, want 0x246", regs.RFLAGS())
	}
	if regs.GPR(4) != 0x1000 {
		t.Fatalf("SP after POPF = %#x, want back to 0x1000", regs.GPR(4))
	}
}

func TestExecLSSLoadsOffsetAndStackSegment(t *testing.T) {
	regs := &fakeRegs{}
	regs.SetGPR(3, 0x0100) // BX
	mem := &fakeMem{mem: map[uint64][]byte{
		0x0100: {0x00, 0x20}, // offset = 0x2000
		0x0102: {0x34, 0x12}, // selector = 0x1234
	}}
	inst := &Instruction{
		Op:          OpLSS,
		AddrSize:    Addr16,
		OperandSize: Size16,
		ModRM:       &ModRM{Mod: 0, Reg: 6, RM: 7}, // LSS SI, [BX]
	}

	if _, err := Execute(inst, regs, mem, nil, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if regs.GPR(6) != 0x2000 {
		t.Fatalf("SI = %#x, want 0x2000", regs.GPR(6))
	}
	sel, base := regs.Segment(segSS)
	if sel != 0x1234 || base != 0x12340 {
		t.Fatalf("SS = %#x/%#x, want 0x1234/0x12340", sel, base)
	}
}

func TestExecStringIOStopsAtIterationBudget(t *testing.T) {
	regs := &fakeRegs{}
	regs.SetGPR(1, 100) // RCX: far more than maxStringRepeat
	regs.SetGPR(6, 0x1000) // RSI
	mem := &fakeMem{mem: map[uint64][]byte{}}
	for i := 0; i < 100; i++ {
		mem.mem[0x1000+uint64(i)] = []byte{byte(i)}
	}
	inst := &Instruction{Op: OpOUTSB, Opcode: []byte{0x6E}, Prefixes: Prefixes{Rep: true}}

	res, err := Execute(inst, regs, mem, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Continue {
		t.Fatal("expected Continue=true after hitting the iteration budget")
	}
	if regs.GPR(1) != 100-maxStringRepeat {
		t.Fatalf("RCX = %d, want %d", regs.GPR(1), 100-maxStringRepeat)
	}
	if len(mem.outs) != maxStringRepeat {
		t.Fatalf("wrote %d ports, want %d", len(mem.outs), maxStringRepeat)
	}
}
