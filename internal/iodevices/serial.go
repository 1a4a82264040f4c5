package iodevices

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coreshim/vmmcore/internal/corelog"
)

// Serial models a 16550A UART with its output directed at an io.Writer
// (typically the host's stdout or a log file) rather than a real tty.
type Serial struct {
	output    io.Writer
	irqRaiser InterruptRaiser
	lock      sync.Mutex

	thrDll byte
	ierDlh byte
	iirFcr byte
	lcr    byte
	mcr    byte
	lsr    byte
	msr    byte
	scr    byte

	dlabActive bool

	log *logrus.Entry
}

func NewSerial(output io.Writer, irqRaiser InterruptRaiser) *Serial {
	return &Serial{
		output:    output,
		irqRaiser: irqRaiser,
		lsr:       lsrTHRE | lsrTEMT,
		iirFcr:    iirNoIntPending,
		log:       corelog.For("iodevices.serial", nil),
	}
}

// AttachTo registers this port's full register window on bus.
func (s *Serial) AttachTo(b *Bus) {
	b.Register(COM1PortBase, COM1PortEnd, s)
}

func (s *Serial) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if size != 1 {
		return fmt.Errorf("iodevices: serial I/O size %d not supported on port 0x%x", size, port)
	}
	offset := port - COM1PortBase

	if direction == IODirectionOut {
		return s.writeRegister(offset, data[0])
	}
	return s.readRegister(offset, data)
}

func (s *Serial) writeRegister(offset uint16, val byte) error {
	switch offset {
	case uartRHRTHRDLL:
		if s.dlabActive {
			s.thrDll = val
			return nil
		}
		if _, err := s.output.Write([]byte{val}); err != nil {
			s.log.WithError(err).Warn("serial output write failed")
			return err
		}
		s.lsr |= lsrTHRE | lsrTEMT
	case uartIERDLH:
		if s.dlabActive {
			s.ierDlh = val
		} else {
			s.ierDlh = val
		}
	case uartIIRFCR:
		s.iirFcr = val
	case uartLCR:
		s.lcr = val
		s.dlabActive = val&lcrDLAB != 0
	case uartMCR:
		s.mcr = val
	case uartSCR:
		s.scr = val
	default:
		return fmt.Errorf("iodevices: unhandled serial OUT offset 0x%x", offset)
	}
	return nil
}

func (s *Serial) readRegister(offset uint16, data []byte) error {
	switch offset {
	case uartRHRTHRDLL:
		if s.dlabActive {
			data[0] = s.thrDll
		} else {
			data[0] = 0
			s.lsr &^= lsrDR
		}
	case uartIERDLH:
		data[0] = s.ierDlh
	case uartIIRFCR:
		data[0] = s.iirFcr
		s.iirFcr = iirNoIntPending
	case uartLCR:
		data[0] = s.lcr
	case uartMCR:
		data[0] = s.mcr
	case uartLSR:
		data[0] = s.lsr
	case uartMSR:
		data[0] = 0
	case uartSCR:
		data[0] = s.scr
	default:
		return fmt.Errorf("iodevices: unhandled serial IN offset 0x%x", offset)
	}
	return nil
}
