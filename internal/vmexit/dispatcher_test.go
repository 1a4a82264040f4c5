package vmexit

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/coreshim/vmmcore/internal/passthrough"
)

func buildRunBlock(exitReason uint32) []byte {
	buf := make([]byte, 256)
	buf[exitReasonOffset] = byte(exitReason)
	buf[exitReasonOffset+1] = byte(exitReason >> 8)
	buf[exitReasonOffset+2] = byte(exitReason >> 16)
	buf[exitReasonOffset+3] = byte(exitReason >> 24)
	return buf
}

func TestRunBlockExitReason(t *testing.T) {
	rb := NewRunBlock(buildRunBlock(uint32(ExitHLT)))
	if rb.ExitReason() != ExitHLT {
		t.Fatalf("ExitReason() = %v, want ExitHLT", rb.ExitReason())
	}
}

func TestRunBlockIODecode(t *testing.T) {
	raw := buildRunBlock(uint32(ExitIO))
	raw[unionOffset+0] = ioDirectionOut
	raw[unionOffset+1] = 2 // size
	raw[unionOffset+2] = 0xF8
	raw[unionOffset+3] = 0x03 // port 0x3F8
	raw[unionOffset+4] = 1    // count
	raw[unionOffset+8] = 64   // data offset
	raw[64] = 0x41
	raw[65] = 0x00

	rb := NewRunBlock(raw)
	io := rb.IO()
	if io.Port != 0x3F8 || io.Size != 2 || io.Count != 1 {
		t.Fatalf("io = %+v", io)
	}
	data := rb.IOData(io)
	if len(data) != 2 || data[0] != 0x41 {
		t.Fatalf("data = %v", data)
	}
}

type fakeIOBus struct {
	outs []uint32
}

func (f *fakeIOBus) In(port uint16, size int) (uint32, error) { return 0x99, nil }
func (f *fakeIOBus) Out(port uint16, size int, val uint32) error {
	f.outs = append(f.outs, val)
	return nil
}

func TestHandleIOWritesToBus(t *testing.T) {
	raw := buildRunBlock(uint32(ExitIO))
	raw[unionOffset+0] = ioDirectionOut
	raw[unionOffset+1] = 1
	raw[unionOffset+4] = 1
	raw[unionOffset+8] = 64
	raw[64] = 0x7A

	bus := &fakeIOBus{}
	d := &Dispatcher{Run: NewRunBlock(raw), IO: bus}
	if err := d.handleIO(); err != nil {
		t.Fatalf("handleIO: %v", err)
	}
	if len(bus.outs) != 1 || bus.outs[0] != 0x7A {
		t.Fatalf("outs = %v", bus.outs)
	}
}

type fakeHostMSR struct {
	vals map[uint32]uint64
}

func (f *fakeHostMSR) Read(index uint32) (uint64, error) {
	if v, ok := f.vals[index]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("no such msr %#x", index)
}

func (f *fakeHostMSR) Write(index uint32, value uint64) error {
	f.vals[index] = value
	return nil
}

func buildMSRBlock(exitReason uint32, index uint32, data uint64) []byte {
	buf := buildRunBlock(exitReason)
	base := buf[unionOffset:]
	*(*uint32)(unsafe.Pointer(&base[msrIndexOffset])) = index
	*(*uint64)(unsafe.Pointer(&base[msrDataOffset])) = data
	return buf
}

func TestHandleRDMSRForwardsHostValue(t *testing.T) {
	host := &fakeHostMSR{vals: map[uint32]uint64{0x10: 0xDEADBEEF}}
	raw := buildMSRBlock(uint32(ExitRDMSR), 0x10, 0)
	d := &Dispatcher{Run: NewRunBlock(raw), MSRs: &passthrough.MSRPass{Host: host}}

	if err := d.handleRDMSR(); err != nil {
		t.Fatalf("handleRDMSR: %v", err)
	}
	if got := d.Run.MSR(); got.Data != 0xDEADBEEF || got.Error != 0 {
		t.Fatalf("msr = %+v", got)
	}
}

func TestHandleRDMSRFaultsOnUnknownIndex(t *testing.T) {
	host := &fakeHostMSR{vals: map[uint32]uint64{}}
	raw := buildMSRBlock(uint32(ExitRDMSR), 0x77, 0)
	d := &Dispatcher{Run: NewRunBlock(raw), MSRs: &passthrough.MSRPass{Host: host}}

	if err := d.handleRDMSR(); err != nil {
		t.Fatalf("handleRDMSR: %v", err)
	}
	if got := d.Run.MSR(); got.Error == 0 {
		t.Fatalf("expected MSR error flag set for unknown index")
	}
}

func TestHandleWRMSRWritesThroughToHost(t *testing.T) {
	host := &fakeHostMSR{vals: map[uint32]uint64{}}
	raw := buildMSRBlock(uint32(ExitWRMSR), 0x20, 0x123456)
	d := &Dispatcher{Run: NewRunBlock(raw), MSRs: &passthrough.MSRPass{Host: host}}

	if err := d.handleWRMSR(); err != nil {
		t.Fatalf("handleWRMSR: %v", err)
	}
	if host.vals[0x20] != 0x123456 {
		t.Fatalf("host value = %#x, want 0x123456", host.vals[0x20])
	}
}
