package iodevices

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coreshim/vmmcore/internal/corelog"
)

// Keyboard models an 8042-style controller backed by a FIFO the guest
// polls via the status port; there is no scan-code translation, a caller
// feeds raw bytes in via Inject.
type Keyboard struct {
	lock   sync.Mutex
	buffer []byte

	log *logrus.Entry
}

func NewKeyboard() *Keyboard {
	return &Keyboard{log: corelog.For("iodevices.keyboard", nil)}
}

// Inject appends bytes to the controller's output FIFO, as if typed.
func (k *Keyboard) Inject(b ...byte) {
	k.lock.Lock()
	defer k.lock.Unlock()
	k.buffer = append(k.buffer, b...)
}

// AttachTo registers the data and status ports on bus.
func (k *Keyboard) AttachTo(b *Bus) {
	b.Register(KeyboardPortData, KeyboardPortData, k)
	b.Register(KeyboardPortStatus, KeyboardPortStatus, k)
}

func (k *Keyboard) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	if size != 1 {
		return fmt.Errorf("iodevices: keyboard I/O size %d not supported on port 0x%x", size, port)
	}
	if direction == IODirectionOut {
		k.log.WithField("port", port).Debug("ignoring keyboard controller write")
		return fmt.Errorf("iodevices: keyboard write to port 0x%x not modeled", port)
	}

	switch port {
	case KeyboardPortStatus:
		if len(k.buffer) > 0 {
			data[0] = 0x01 // output-buffer-full
		} else {
			data[0] = 0x00
		}
	case KeyboardPortData:
		if len(k.buffer) > 0 {
			data[0] = k.buffer[0]
			k.buffer = k.buffer[1:]
		} else {
			data[0] = 0x00
		}
	default:
		return fmt.Errorf("iodevices: unhandled keyboard IN from port 0x%x", port)
	}
	return nil
}
