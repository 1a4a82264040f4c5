package iodevices

import "testing"

type recordingDevice struct {
	lastPort      uint16
	lastDirection uint8
	lastSize      uint8
}

func (d *recordingDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	d.lastPort = port
	d.lastDirection = direction
	d.lastSize = size
	if direction == IODirectionIn {
		data[0] = 0x42
	}
	return nil
}

func TestBusRoutesToRegisteredDevice(t *testing.T) {
	bus := NewBus()
	dev := &recordingDevice{}
	bus.Register(0x300, 0x302, dev)

	if err := bus.HandleIO(0x301, IODirectionOut, 1, []byte{0x01}); err != nil {
		t.Fatalf("HandleIO: %v", err)
	}
	if dev.lastPort != 0x301 || dev.lastDirection != IODirectionOut {
		t.Fatalf("device saw port=0x%x dir=%d, want 0x301/out", dev.lastPort, dev.lastDirection)
	}
}

func TestBusUnregisteredPortErrors(t *testing.T) {
	bus := NewBus()
	if err := bus.HandleIO(0x999, IODirectionIn, 1, []byte{0}); err == nil {
		t.Fatal("expected error for unregistered port")
	}
}

func TestBusInOutRoundTrip(t *testing.T) {
	bus := NewBus()
	dev := &recordingDevice{}
	bus.Register(0x300, 0x300, dev)

	v, err := bus.In(0x300, 1)
	if err != nil {
		t.Fatalf("In: %v", err)
	}
	if v != 0x42 {
		t.Fatalf("In() = 0x%x, want 0x42", v)
	}

	if err := bus.Out(0x300, 2, 0xBEEF); err != nil {
		t.Fatalf("Out: %v", err)
	}
	if dev.lastSize != 2 {
		t.Fatalf("lastSize = %d, want 2", dev.lastSize)
	}
}
