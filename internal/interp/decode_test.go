package interp

import "testing"

type byteSliceReader []byte

func (b byteSliceReader) ReadByte(off int) (byte, error) {
	if off >= len(b) {
		return 0, errShortRead
	}
	return b[off], nil
}

type readErr struct{}

func (readErr) Error() string { return "short read" }

var errShortRead = readErr{}

func TestDecodeMovFromCR(t *testing.T) {
	// 0F 20 C0 => MOV EAX, CR0
	r := byteSliceReader{0x0F, 0x20, 0xC0}
	inst, err := Decode(r, CPUMode{ProtectedMode: true})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inst.Op != OpMovFromCR {
		t.Fatalf("op = %v, want OpMovFromCR", inst.Op)
	}
	if inst.ModRM == nil || inst.ModRM.Reg != 0 || inst.ModRM.RM != 0 {
		t.Fatalf("modrm = %+v", inst.ModRM)
	}
	if inst.Length != 3 {
		t.Fatalf("length = %d, want 3", inst.Length)
	}
}

func TestDecodeLGDT(t *testing.T) {
	// 0F 01 10 => LGDT [EAX]
	r := byteSliceReader{0x0F, 0x01, 0x10}
	inst, err := Decode(r, CPUMode{ProtectedMode: true})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inst.Op != OpLGDT {
		t.Fatalf("op = %v, want OpLGDT", inst.Op)
	}
}

func TestDecodeINTImm8(t *testing.T) {
	r := byteSliceReader{0xCD, 0x21}
	inst, err := Decode(r, CPUMode{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inst.Op != OpINT || inst.Imm != 0x21 {
		t.Fatalf("inst = %+v", inst)
	}
}

func TestDecodeRejectsOverlongInstruction(t *testing.T) {
	long := make([]byte, 20)
	for i := range long {
		long[i] = 0xF0 // all LOCK prefixes, never reaches an opcode
	}
	_, err := Decode(byteSliceReader(long), CPUMode{})
	if err == nil {
		t.Fatal("expected an error for a 15+ byte instruction")
	}
}

func TestDecodeLSS(t *testing.T) {
	// 0F B2 30 => LSS SI, [BX+SI]  (Mod=0, Reg=6 (SI), RM=0 (BX+SI))
	r := byteSliceReader{0x0F, 0xB2, 0x30}
	inst, err := Decode(r, CPUMode{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inst.Op != OpLSS {
		t.Fatalf("op = %v, want OpLSS", inst.Op)
	}
	if inst.ModRM == nil || inst.ModRM.Reg != 6 || inst.ModRM.RM != 0 {
		t.Fatalf("modrm = %+v", inst.ModRM)
	}
	if inst.Length != 3 {
		t.Fatalf("length = %d, want 3", inst.Length)
	}
}

func TestDecode16BitModDisp16NoBase(t *testing.T) {
	// 0F B2 36 00 20 => LSS SI, [0x2000] (Mod=0, RM=6: disp16, no base register)
	r := byteSliceReader{0x0F, 0xB2, 0x36, 0x00, 0x20}
	inst, err := Decode(r, CPUMode{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inst.ModRM.DispBytes != 2 {
		t.Fatalf("DispBytes = %d, want 2", inst.ModRM.DispBytes)
	}
	if inst.ModRM.Disp != 0x2000 {
		t.Fatalf("Disp = %#x, want 0x2000", inst.ModRM.Disp)
	}
	if inst.Length != 5 {
		t.Fatalf("length = %d, want 5", inst.Length)
	}
}

func TestDecode16BitMod2Disp16(t *testing.T) {
	// 0F B2 B0 34 12 => LSS SI, [BX+SI+0x1234] (Mod=2: disp16, not disp32)
	r := byteSliceReader{0x0F, 0xB2, 0xB0, 0x34, 0x12}
	inst, err := Decode(r, CPUMode{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inst.ModRM.DispBytes != 2 {
		t.Fatalf("DispBytes = %d, want 2", inst.ModRM.DispBytes)
	}
	if inst.ModRM.Disp != 0x1234 {
		t.Fatalf("Disp = %#x, want 0x1234", inst.ModRM.Disp)
	}
	if inst.Length != 5 {
		t.Fatalf("length = %d, want 5", inst.Length)
	}
}

func TestDefaultOperandSizeByMode(t *testing.T) {
	cases := []struct {
		name string
		mode CPUMode
		want OperandSize
	}{
		{"real mode", CPUMode{}, Size16},
		{"protected 32", CPUMode{ProtectedMode: true, CSDefault32: true}, Size32},
		{"long mode 64-bit code", CPUMode{ProtectedMode: true, LongModeActive: true, CSLongMode: true}, Size32},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.mode.defaultOperandSize(); got != c.want {
				t.Fatalf("got %v, want %v", got, c.want)
			}
		})
	}
}
