package iodevices

import "testing"

func TestPITCounterLOHIRoundTrip(t *testing.T) {
	p := NewPIT()

	// Command: counter 0, LSB/MSB access, mode 3, binary.
	cmd := byte(0x36)
	if err := p.HandleIO(PITPortCommand, IODirectionOut, 1, []byte{cmd}); err != nil {
		t.Fatalf("HandleIO command: %v", err)
	}
	if err := p.HandleIO(PITPortCounter0, IODirectionOut, 1, []byte{0x34}); err != nil {
		t.Fatalf("HandleIO LSB: %v", err)
	}
	if err := p.HandleIO(PITPortCounter0, IODirectionOut, 1, []byte{0x12}); err != nil {
		t.Fatalf("HandleIO MSB: %v", err)
	}

	lo := []byte{0}
	hi := []byte{0}
	if err := p.HandleIO(PITPortCounter0, IODirectionIn, 1, lo); err != nil {
		t.Fatalf("HandleIO read LSB: %v", err)
	}
	if err := p.HandleIO(PITPortCounter0, IODirectionIn, 1, hi); err != nil {
		t.Fatalf("HandleIO read MSB: %v", err)
	}
	if lo[0] != 0x34 || hi[0] != 0x12 {
		t.Fatalf("readback = 0x%x 0x%x, want 0x34 0x12", lo[0], hi[0])
	}
}

func TestPITLatchFreezesValueAcrossWrites(t *testing.T) {
	p := NewPIT()
	if err := p.HandleIO(PITPortCommand, IODirectionOut, 1, []byte{0x36}); err != nil {
		t.Fatalf("HandleIO command: %v", err)
	}
	if err := p.HandleIO(PITPortCounter0, IODirectionOut, 1, []byte{0x34}); err != nil {
		t.Fatalf("HandleIO LSB: %v", err)
	}
	if err := p.HandleIO(PITPortCounter0, IODirectionOut, 1, []byte{0x12}); err != nil {
		t.Fatalf("HandleIO MSB: %v", err)
	}

	// Latch command for counter 0 (rw bits 00).
	if err := p.HandleIO(PITPortCommand, IODirectionOut, 1, []byte{0x00}); err != nil {
		t.Fatalf("HandleIO latch: %v", err)
	}
	// A counter write after the latch command leaves the latched value as is.
	if err := p.HandleIO(PITPortCounter0, IODirectionOut, 1, []byte{0x78}); err != nil {
		t.Fatalf("HandleIO write after latch: %v", err)
	}

	lo := []byte{0}
	if err := p.HandleIO(PITPortCounter0, IODirectionIn, 1, lo); err != nil {
		t.Fatalf("HandleIO read latched LSB: %v", err)
	}
	if lo[0] != 0x34 {
		t.Fatalf("latched LSB = 0x%x, want 0x34", lo[0])
	}
}

func TestPITStatusPortReadsGateA20(t *testing.T) {
	p := NewPIT()
	data := []byte{0}
	if err := p.HandleIO(PITPortStatus, IODirectionIn, 1, data); err != nil {
		t.Fatalf("HandleIO status: %v", err)
	}
	if data[0] != 0x20 {
		t.Fatalf("status = 0x%x, want 0x20", data[0])
	}
}
