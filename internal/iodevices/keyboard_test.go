package iodevices

import "testing"

func TestKeyboardInjectAndDrain(t *testing.T) {
	k := NewKeyboard()
	k.Inject(0x1E) // scan code for 'a'

	status := []byte{0}
	if err := k.HandleIO(KeyboardPortStatus, IODirectionIn, 1, status); err != nil {
		t.Fatalf("HandleIO status: %v", err)
	}
	if status[0]&0x01 == 0 {
		t.Fatal("expected output-buffer-full after Inject")
	}

	data := []byte{0}
	if err := k.HandleIO(KeyboardPortData, IODirectionIn, 1, data); err != nil {
		t.Fatalf("HandleIO data: %v", err)
	}
	if data[0] != 0x1E {
		t.Fatalf("data = 0x%x, want 0x1e", data[0])
	}

	if err := k.HandleIO(KeyboardPortStatus, IODirectionIn, 1, status); err != nil {
		t.Fatalf("HandleIO status: %v", err)
	}
	if status[0]&0x01 != 0 {
		t.Fatal("expected empty buffer after drain")
	}
}

func TestKeyboardWriteUnsupported(t *testing.T) {
	k := NewKeyboard()
	if err := k.HandleIO(KeyboardPortData, IODirectionOut, 1, []byte{0x00}); err == nil {
		t.Fatal("expected error on keyboard write")
	}
}
