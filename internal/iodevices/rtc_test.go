package iodevices

import "testing"

func rtcSelect(t *testing.T, r *RTC, index byte) {
	t.Helper()
	if err := r.HandleIO(RTCPortIndex, IODirectionOut, 1, []byte{index}); err != nil {
		t.Fatalf("select index 0x%x: %v", index, err)
	}
}

func TestRTCRegisterBRoundTrip(t *testing.T) {
	r := NewRTC(nil)
	rtcSelect(t, r, rtcRegB)
	if err := r.HandleIO(RTCPortData, IODirectionOut, 1, []byte{rtcB2412}); err != nil {
		t.Fatalf("write register B: %v", err)
	}

	rtcSelect(t, r, rtcRegB)
	data := []byte{0}
	if err := r.HandleIO(RTCPortData, IODirectionIn, 1, data); err != nil {
		t.Fatalf("read register B: %v", err)
	}
	if data[0] != rtcB2412 {
		t.Fatalf("register B = 0x%x, want 0x%x", data[0], rtcB2412)
	}
	if !r.hour24Mode {
		t.Fatal("expected 24-hour mode after setting B2412")
	}
}

func TestRTCRegisterCClearsOnRead(t *testing.T) {
	r := NewRTC(nil)
	r.Tick(RTCIRQ) // register C stays zero since PIE is off by default in NewRTC

	rtcSelect(t, r, rtcRegB)
	if err := r.HandleIO(RTCPortData, IODirectionOut, 1, []byte{rtcBPIE}); err != nil {
		t.Fatalf("enable PIE: %v", err)
	}
	r.Tick(RTCIRQ)

	rtcSelect(t, r, rtcRegC)
	first := []byte{0}
	if err := r.HandleIO(RTCPortData, IODirectionIn, 1, first); err != nil {
		t.Fatalf("read register C: %v", err)
	}
	if first[0]&rtcCPF == 0 {
		t.Fatal("expected CPF set in register C after a tick with PIE enabled")
	}

	second := []byte{0xFF}
	if err := r.HandleIO(RTCPortData, IODirectionIn, 1, second); err != nil {
		t.Fatalf("read register C again: %v", err)
	}
	if second[0] != 0 {
		t.Fatalf("register C = 0x%x, want 0 after first read", second[0])
	}
}

func TestRTCRegisterDAlwaysReportsValidTime(t *testing.T) {
	r := NewRTC(nil)
	rtcSelect(t, r, rtcRegD)
	data := []byte{0}
	if err := r.HandleIO(RTCPortData, IODirectionIn, 1, data); err != nil {
		t.Fatalf("read register D: %v", err)
	}
	if data[0]&rtcDVRT == 0 {
		t.Fatal("expected VRT bit set in register D")
	}
}

func TestRTCIndexMasksNMIBit(t *testing.T) {
	r := NewRTC(nil)
	rtcSelect(t, r, 0x80|rtcRegSeconds)
	data := []byte{0}
	if err := r.HandleIO(RTCPortIndex, IODirectionIn, 1, data); err != nil {
		t.Fatalf("read index: %v", err)
	}
	if data[0] != rtcRegSeconds {
		t.Fatalf("index = 0x%x, want 0x%x (NMI bit masked)", data[0], rtcRegSeconds)
	}
}
