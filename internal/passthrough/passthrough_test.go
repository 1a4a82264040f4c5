package passthrough

import "testing"

func TestCPUIDPassConcealsHWFeedback(t *testing.T) {
	host := func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
		return eaxHWPBit | eaxHWFeedbackBit | 0x1, 0, 0, 0
	}
	p := &CPUIDPass{Host: host, Cfg: Config{ConcealHWFeedback: true}}
	eax, _, _, _ := p.Query(leafThermalAndPower, 0)
	if eax&(eaxHWPBit|eaxHWFeedbackBit) != 0 {
		t.Fatalf("eax = %#x, HWP/feedback bits should be masked", eax)
	}
	if eax&0x1 == 0 {
		t.Fatal("unrelated bits should survive")
	}
}

func TestCPUIDPassForwardsWhenNotConcealing(t *testing.T) {
	host := func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
		return eaxHWPBit, 0, 0, 0
	}
	p := &CPUIDPass{Host: host}
	eax, _, _, _ := p.Query(leafThermalAndPower, 0)
	if eax&eaxHWPBit == 0 {
		t.Fatal("expected HWP bit to survive without ConcealHWFeedback")
	}
}

func TestFilterClearsVMXAndPCIDOnLeaf1(t *testing.T) {
	p := &CPUIDPass{}
	_, _, ecx, _ := p.Filter(leafFeatures, 0, 0, 0, ecxVMXBit|ecxPCIDBit|0x1, 0)
	if ecx&(ecxVMXBit|ecxPCIDBit) != 0 {
		t.Fatalf("ecx = %#x, VMX/PCID bits should be cleared", ecx)
	}
	if ecx&0x1 == 0 {
		t.Fatal("unrelated bits should survive")
	}
}

func TestFilterClearsINVPCIDOnLeaf7Subleaf0(t *testing.T) {
	p := &CPUIDPass{}
	_, ebx, _, _ := p.Filter(leafExtFeatures, 0, 0, ebxINVPCIDBit|0x2, 0, 0)
	if ebx&ebxINVPCIDBit != 0 {
		t.Fatalf("ebx = %#x, INVPCID bit should be cleared", ebx)
	}
}

func TestFilterMasksExtendedStateLeaf(t *testing.T) {
	p := &CPUIDPass{}
	eax, _, _, _ := p.Filter(leafExtState, 0, 0xFFFFFFFF, 0, 0, 0)
	if eax != eaxXSTATEMask {
		t.Fatalf("eax = %#x, want %#x", eax, eaxXSTATEMask)
	}
}

func TestFilterDecrementsNASIDOnSVMFeatureLeaf(t *testing.T) {
	p := &CPUIDPass{}
	eax, ebx, ecx, edx := p.Filter(leafExtAPMI, 0, 0xFF, 0xFF, 0xFF, 0xFF)
	if eax != 0xFF || ebx != 0xFE || ecx != 0xFF || edx != 0xFF {
		t.Fatalf("leaf 0x8000000A = %#x/%#x/%#x/%#x, want 0xff/0xfe/0xff/0xff", eax, ebx, ecx, edx)
	}
}

type fakeHostMSR struct {
	writes map[uint32]uint64
}

func (f *fakeHostMSR) Read(index uint32) (uint64, error) { return 0x42, nil }
func (f *fakeHostMSR) Write(index uint32, value uint64) error {
	if f.writes == nil {
		f.writes = map[uint32]uint64{}
	}
	f.writes[index] = value
	return nil
}

func TestMSRPassForwardsUnlistedMSR(t *testing.T) {
	host := &fakeHostMSR{}
	p := &MSRPass{Host: host}
	v, err := p.Read(0x00000010) // IA32_TIME_STAMP_COUNTER, not in table
	if err != nil || v != 0x42 {
		t.Fatalf("Read = %v, %v", v, err)
	}
}

func TestMSRPassMicrocodeTriggerRunsStallWorkaround(t *testing.T) {
	host := &fakeHostMSR{}
	called := false
	p := &MSRPass{Host: host, MicrocodeStallWorkaround: func() { called = true }}
	if err := p.Write(msrMicrocodeTrigger, 0x1234); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !called {
		t.Fatal("expected MicrocodeStallWorkaround to run")
	}
	if host.writes[msrMicrocodeTrigger] != 0x1234 {
		t.Fatal("expected the write to still reach the host")
	}
}

func TestMSRPassVirtualizedReadRejected(t *testing.T) {
	p := &MSRPass{Host: &fakeHostMSR{}}
	if _, err := p.Read(0x0000001B); err == nil {
		t.Fatal("expected virtualized MSR read to be rejected")
	}
}

func TestXSETBVPassRejectsBitsOutsideHostMask(t *testing.T) {
	x := &XSETBVPass{HostXCR0Mask: 0x7}
	if err := x.Validate(0xF); err == nil {
		t.Fatal("expected rejection of bits outside host mask")
	}
	if err := x.Validate(0x3); err != nil {
		t.Fatalf("expected a supported mask to validate, got %v", err)
	}
}

func TestXSETBVPassRequiresX87Bit(t *testing.T) {
	x := &XSETBVPass{HostXCR0Mask: 0x7}
	if err := x.Validate(0x2); err == nil {
		t.Fatal("expected rejection when x87 state bit is clear")
	}
}

func TestInterruptPolicyHonorsNoIntercept(t *testing.T) {
	p := &InterruptPolicy{Cfg: Config{NoIntrIntercept: true}}
	if p.ShouldIntercept(true, true) {
		t.Fatal("NoIntrIntercept should suppress interception")
	}
}

func TestInterruptPolicyDefault(t *testing.T) {
	p := &InterruptPolicy{}
	if !p.ShouldIntercept(true, true) {
		t.Fatal("expected interception when IF set and window open")
	}
	if p.ShouldIntercept(false, true) {
		t.Fatal("expected no interception when guest IF clear")
	}
}
