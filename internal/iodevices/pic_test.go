package iodevices

import "testing"

func initPIC(t *testing.T, p *PIC) {
	t.Helper()
	// ICW1 (init, edge, cascade, ICW4 to follow), ICW2 (offset 0x20), ICW3
	// (cascade wiring, value irrelevant to the master/slave split here),
	// ICW4 (8086 mode).
	writeByte := func(port uint16, v byte) {
		if err := p.HandleIO(port, IODirectionOut, 1, []byte{v}); err != nil {
			t.Fatalf("HandleIO(0x%x, 0x%x): %v", port, v, err)
		}
	}
	writeByte(PICMasterCmdPort, icw1Init|icw1IC4)
	writeByte(PICMasterDataPort, 0x20)
	writeByte(PICMasterDataPort, 0x04)
	writeByte(PICMasterDataPort, 0x01)

	writeByte(PICSlaveCmdPort, icw1Init|icw1IC4)
	writeByte(PICSlaveDataPort, 0x28)
	writeByte(PICSlaveDataPort, 0x02)
	writeByte(PICSlaveDataPort, 0x01)
}

func TestPICRaiseAndVector(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	p.RaiseIRQ(1)
	if !p.HasPendingInterrupts() {
		t.Fatal("expected pending interrupt after RaiseIRQ(1)")
	}
	vec := p.GetInterruptVector()
	if vec != 0x20+1 {
		t.Fatalf("vector = 0x%x, want 0x21", vec)
	}
	if p.HasPendingInterrupts() {
		t.Fatal("interrupt should be in-service, not pending, after vectoring")
	}
}

func TestPICMaskedIRQNeverPends(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	// Mask IRQ1 via the data port (OCW1).
	if err := p.HandleIO(PICMasterDataPort, IODirectionOut, 1, []byte{0x02}); err != nil {
		t.Fatalf("HandleIO: %v", err)
	}
	p.RaiseIRQ(1)
	if p.HasPendingInterrupts() {
		t.Fatal("masked IRQ must not be pending")
	}
}

func TestPICSlaveCascadesThroughMaster(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	p.RaiseIRQ(10) // slave IRQ2, routed through master's cascade line (2)
	if !p.HasPendingInterrupts() {
		t.Fatal("expected pending interrupt from slave IRQ")
	}
	vec := p.GetInterruptVector()
	if vec != 0x28+2 {
		t.Fatalf("vector = 0x%x, want 0x2a", vec)
	}
}

func TestPICEOIClearsInService(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	p.RaiseIRQ(0)
	p.GetInterruptVector()

	p.RaiseIRQ(0)
	if p.HasPendingInterrupts() {
		t.Fatal("IRQ0 still in-service, should not re-pend until EOI")
	}

	// Non-specific EOI on the master command port.
	if err := p.HandleIO(PICMasterCmdPort, IODirectionOut, 1, []byte{ocw2EOICmd}); err != nil {
		t.Fatalf("HandleIO EOI: %v", err)
	}
	if !p.HasPendingInterrupts() {
		t.Fatal("expected IRQ0 to pend again after EOI")
	}
}

func TestPICLowerIRQClearsRequest(t *testing.T) {
	p := NewPIC()
	initPIC(t, p)

	p.RaiseIRQ(3)
	p.LowerIRQ(3)
	if p.HasPendingInterrupts() {
		t.Fatal("lowered IRQ must not be pending")
	}
}
