package iodevices

import (
	"bytes"
	"testing"
)

type fakeHost struct {
	written [][]byte
	toRead  [][]byte
	closed  bool
}

func (f *fakeHost) ReadPacket() ([]byte, error) {
	if len(f.toRead) == 0 {
		return nil, nil
	}
	p := f.toRead[0]
	f.toRead = f.toRead[1:]
	return p, nil
}

func (f *fakeHost) WritePacket(packet []byte) error {
	cp := make([]byte, len(packet))
	copy(cp, packet)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeHost) Close() error {
	f.closed = true
	return nil
}

type fakeRaiser struct {
	raised []uint8
	lowered []uint8
}

func (f *fakeRaiser) RaiseIRQ(irq uint8) { f.raised = append(f.raised, irq) }
func (f *fakeRaiser) LowerIRQ(irq uint8) { f.lowered = append(f.lowered, irq) }

func ncWritePage0(t *testing.T, nc *NetCard, offset uint16, val byte) {
	t.Helper()
	if err := nc.HandleIO(netcardBasePort+offset, IODirectionOut, 1, []byte{val}); err != nil {
		t.Fatalf("write offset 0x%x: %v", offset, err)
	}
}

func TestNetCardTransmitsQueuedFrame(t *testing.T) {
	host := &fakeHost{}
	raiser := &fakeRaiser{}
	nc := NewNetCard([6]byte{0x52, 0x54, 0, 0, 0, 1}, host, raiser)
	defer nc.Close()

	payload := bytes.Repeat([]byte{0xAB}, 60)

	// DMA the payload into ram at TPSR page (0x40 -> byte offset 0x4000).
	ncWritePage0(t, nc, ncCRDA0, 0x00)
	ncWritePage0(t, nc, ncCRDA1, 0x40)
	ncWritePage0(t, nc, ncRBCR0, byte(len(payload)))
	ncWritePage0(t, nc, ncRBCR1, 0x00)
	for _, b := range payload {
		if err := nc.HandleIO(netcardBasePort+ncAsicData, IODirectionOut, 1, []byte{b}); err != nil {
			t.Fatalf("DMA write: %v", err)
		}
	}

	ncWritePage0(t, nc, ncTPSR, 0x40)
	ncWritePage0(t, nc, ncTBCR0, byte(len(payload)))
	ncWritePage0(t, nc, ncTBCR1, 0x00)

	ncWritePage0(t, nc, ncCR, ncCRStart|ncCRTXP)

	if len(host.written) != 1 {
		t.Fatalf("wrote %d packets, want 1", len(host.written))
	}
	if !bytes.Equal(host.written[0], payload) {
		t.Fatalf("transmitted payload mismatch")
	}

	isr := []byte{0}
	if err := nc.HandleIO(netcardBasePort+ncISR, IODirectionIn, 1, isr); err != nil {
		t.Fatalf("read ISR: %v", err)
	}
	if isr[0]&ncISRPTX == 0 {
		t.Fatalf("ISR = 0x%x, want PTX set", isr[0])
	}
}

func TestNetCardRejectsUndersizedFrame(t *testing.T) {
	host := &fakeHost{}
	nc := NewNetCard([6]byte{}, host, nil)
	defer nc.Close()

	ncWritePage0(t, nc, ncTPSR, 0x40)
	ncWritePage0(t, nc, ncTBCR0, 10) // below the 60-byte minimum
	ncWritePage0(t, nc, ncTBCR1, 0x00)
	ncWritePage0(t, nc, ncCR, ncCRStart|ncCRTXP)

	if len(host.written) != 0 {
		t.Fatalf("expected no transmission for undersized frame, got %d", len(host.written))
	}
	isr := []byte{0}
	if err := nc.HandleIO(netcardBasePort+ncISR, IODirectionIn, 1, isr); err != nil {
		t.Fatalf("read ISR: %v", err)
	}
	if isr[0]&ncISRTXE == 0 {
		t.Fatalf("ISR = 0x%x, want TXE set", isr[0])
	}
}

func TestNetCardASICResetRestoresDefaults(t *testing.T) {
	host := &fakeHost{}
	nc := NewNetCard([6]byte{1, 2, 3, 4, 5, 6}, host, nil)
	defer nc.Close()

	ncWritePage0(t, nc, ncPSTART, 0x50)
	if err := nc.HandleIO(netcardBasePort+ncAsicReset, IODirectionOut, 1, []byte{0x00}); err != nil {
		t.Fatalf("ASIC reset: %v", err)
	}

	val := []byte{0}
	if err := nc.HandleIO(netcardBasePort+ncPSTART, IODirectionIn, 1, val); err != nil {
		t.Fatalf("read PSTART: %v", err)
	}
	if val[0] != 0x46 {
		t.Fatalf("PSTART = 0x%x after reset, want 0x46", val[0])
	}
}

func TestNetCardCloseReleasesHost(t *testing.T) {
	host := &fakeHost{}
	nc := NewNetCard([6]byte{}, host, nil)
	if err := nc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !host.closed {
		t.Fatal("expected host.Close to be called")
	}
}

func TestNetCardDMAOverreadReturnsFill(t *testing.T) {
	host := &fakeHost{}
	nc := NewNetCard([6]byte{}, host, nil)
	defer nc.Close()

	ncWritePage0(t, nc, ncCRDA0, 0x00)
	ncWritePage0(t, nc, ncCRDA1, 0x40)
	ncWritePage0(t, nc, ncRBCR0, 0x00) // zero-length window
	ncWritePage0(t, nc, ncRBCR1, 0x00)

	data := []byte{0}
	if err := nc.HandleIO(netcardBasePort+ncAsicData, IODirectionIn, 1, data); err != nil {
		t.Fatalf("DMA read: %v", err)
	}
	if data[0] != 0xFF {
		t.Fatalf("overread fill = 0x%x, want 0xff", data[0])
	}
}
