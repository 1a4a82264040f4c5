package vmm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/coreshim/vmmcore/internal/guestmem"
	"github.com/coreshim/vmmcore/internal/iodevices"
)

func TestLoadBinaryCopiesIntoGuestMemory(t *testing.T) {
	v := &VM{mem: &guestmem.FlatMapper{Mem: make([]byte, 4096)}}

	path := filepath.Join(t.TempDir(), "image.bin")
	payload := []byte{0xEB, 0xFE, 0x90, 0x90}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := v.LoadBinary(path); err != nil {
		t.Fatalf("LoadBinary: %v", err)
	}
	for i, b := range payload {
		if v.mem.Mem[i] != b {
			t.Fatalf("mem[%d] = 0x%x, want 0x%x", i, v.mem.Mem[i], b)
		}
	}
}

func TestLoadBinaryRejectsOversizedImage(t *testing.T) {
	v := &VM{mem: &guestmem.FlatMapper{Mem: make([]byte, 4)}}

	path := filepath.Join(t.TempDir(), "image.bin")
	if err := os.WriteFile(path, make([]byte, 16), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := v.LoadBinary(path); err == nil {
		t.Fatal("expected error for an image larger than guest memory")
	}
}

func TestPicInterruptSourceReflectsPendingState(t *testing.T) {
	pic := iodevices.NewPIC()
	src := &picInterruptSource{pic: pic}

	if _, ok := src.NextVector(); ok {
		t.Fatal("expected no pending vector before any ICW/RaiseIRQ sequence")
	}

	// ICW1/ICW2/ICW3/ICW4 to bring the master controller up with an 8086-mode
	// vector base of 0x20, mirroring the sequence a real BIOS performs.
	writeByte := func(port uint16, v byte) {
		if err := pic.HandleIO(port, iodevices.IODirectionOut, 1, []byte{v}); err != nil {
			t.Fatalf("HandleIO: %v", err)
		}
	}
	writeByte(iodevices.PICMasterCmdPort, 0x11)
	writeByte(iodevices.PICMasterDataPort, 0x20)
	writeByte(iodevices.PICMasterDataPort, 0x04)
	writeByte(iodevices.PICMasterDataPort, 0x01)

	pic.RaiseIRQ(0)
	vec, ok := src.NextVector()
	if !ok || vec != 0x20 {
		t.Fatalf("NextVector() = (0x%x, %v), want (0x20, true)", vec, ok)
	}
}

func TestPicInterruptSourceNilPIC(t *testing.T) {
	src := &picInterruptSource{}
	if _, ok := src.NextVector(); ok {
		t.Fatal("expected ok=false with a nil PIC")
	}
}
