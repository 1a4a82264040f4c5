package iodevices

import (
	"bytes"
	"testing"
)

func TestSerialWriteEchoesToOutput(t *testing.T) {
	var buf bytes.Buffer
	s := NewSerial(&buf, nil)

	if err := s.HandleIO(COM1PortBase+uartRHRTHRDLL, IODirectionOut, 1, []byte{'P'}); err != nil {
		t.Fatalf("HandleIO: %v", err)
	}
	if buf.String() != "P" {
		t.Fatalf("output = %q, want %q", buf.String(), "P")
	}
}

func TestSerialLineStatusReportsTHREAfterWrite(t *testing.T) {
	var buf bytes.Buffer
	s := NewSerial(&buf, nil)

	if err := s.HandleIO(COM1PortBase+uartRHRTHRDLL, IODirectionOut, 1, []byte{'x'}); err != nil {
		t.Fatalf("HandleIO: %v", err)
	}
	data := []byte{0}
	if err := s.HandleIO(COM1PortBase+uartLSR, IODirectionIn, 1, data); err != nil {
		t.Fatalf("HandleIO: %v", err)
	}
	if data[0]&lsrTHRE == 0 {
		t.Fatalf("LSR = 0x%x, want THRE set", data[0])
	}
}

func TestSerialDLABGatesDivisorLatch(t *testing.T) {
	var buf bytes.Buffer
	s := NewSerial(&buf, nil)

	if err := s.HandleIO(COM1PortBase+uartLCR, IODirectionOut, 1, []byte{lcrDLAB}); err != nil {
		t.Fatalf("HandleIO LCR: %v", err)
	}
	if err := s.HandleIO(COM1PortBase+uartRHRTHRDLL, IODirectionOut, 1, []byte{0x01}); err != nil {
		t.Fatalf("HandleIO DLL: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatal("divisor-latch write must not reach the output writer")
	}

	data := []byte{0}
	if err := s.HandleIO(COM1PortBase+uartRHRTHRDLL, IODirectionIn, 1, data); err != nil {
		t.Fatalf("HandleIO read DLL: %v", err)
	}
	if data[0] != 0x01 {
		t.Fatalf("DLL readback = 0x%x, want 0x01", data[0])
	}
}
