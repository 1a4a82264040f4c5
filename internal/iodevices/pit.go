package iodevices

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coreshim/vmmcore/internal/corelog"
)

// PIT models the 8254 Programmable Interval Timer's three counters; only
// state load/latch/read is emulated, counters do not actively decrement.
type PIT struct {
	lock sync.Mutex

	counters       [3]pitCounterState
	readWriteLatch [3]byte // 0: expect LSB, 1: expect MSB

	log *logrus.Entry
}

type pitCounterState struct {
	value   uint16
	latch   uint16
	reload  uint16
	mode    byte
	rwMode  byte
	bcdMode bool
}

func NewPIT() *PIT {
	p := &PIT{log: corelog.For("iodevices.pit", nil)}
	for i := range p.counters {
		p.counters[i].mode = 0x3 // square wave
		p.counters[i].rwMode = pitRWLOHI
	}
	return p
}

// AttachTo registers the counter, command, and status ports on bus.
func (p *PIT) AttachTo(b *Bus) {
	b.Register(PITPortCounter0, PITPortCommand, p)
	b.Register(PITPortStatus, PITPortStatus, p)
}

func (p *PIT) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if size != 1 {
		return fmt.Errorf("iodevices: PIT I/O size %d not supported on port 0x%x", size, port)
	}
	val := byte(0)
	if direction == IODirectionOut {
		val = data[0]
	}

	switch port {
	case PITPortCounter0, PITPortCounter1, PITPortCounter2:
		index := int(port - PITPortCounter0)
		if direction == IODirectionOut {
			p.writeCounterPort(index, val)
		} else {
			data[0] = p.readCounterPort(index)
		}
	case PITPortCommand:
		if direction == IODirectionOut {
			p.writeCommandPort(val)
		} else {
			return fmt.Errorf("iodevices: PIT command port read is undefined")
		}
	case PITPortStatus:
		if direction == IODirectionIn {
			data[0] = 0x20 // Gate A20 reported high, PC speaker bits cleared
		}
	default:
		return fmt.Errorf("iodevices: unhandled PIT I/O to port 0x%x", port)
	}
	return nil
}

func (p *PIT) writeCounterPort(index int, val byte) {
	counter := &p.counters[index]
	switch counter.rwMode {
	case pitRWLatch:
		return
	case pitRWLSB:
		counter.reload = uint16(val)
		counter.value = counter.reload
	case pitRWMSB:
		counter.reload = uint16(val) << 8
		counter.value = counter.reload
	case pitRWLOHI:
		if p.readWriteLatch[index] == 0 {
			counter.reload = uint16(val)
			p.readWriteLatch[index] = 1
		} else {
			counter.reload |= uint16(val) << 8
			counter.value = counter.reload
			p.readWriteLatch[index] = 0
		}
	}
}

func (p *PIT) readCounterPort(index int) byte {
	counter := &p.counters[index]

	if counter.rwMode == pitRWLatch {
		if p.readWriteLatch[index] == 0 {
			p.readWriteLatch[index] = 1
			return byte(counter.latch & 0xFF)
		}
		p.readWriteLatch[index] = 0
		return byte(counter.latch >> 8)
	}

	switch counter.rwMode {
	case pitRWLSB:
		return byte(counter.value & 0xFF)
	case pitRWMSB:
		return byte(counter.value >> 8)
	case pitRWLOHI:
		if p.readWriteLatch[index] == 0 {
			p.readWriteLatch[index] = 1
			return byte(counter.value & 0xFF)
		}
		p.readWriteLatch[index] = 0
		return byte(counter.value >> 8)
	default:
		return byte(counter.value & 0xFF)
	}
}

func (p *PIT) writeCommandPort(val byte) {
	counterIndex := int((val >> 6) & 0x3)
	rwMode := (val >> 4) & 0x3
	opMode := (val >> 1) & 0x7
	bcdMode := val&0x1 != 0

	if counterIndex == 0x3 { // read-back command: not implemented
		p.log.Debug("PIT read-back command ignored")
		return
	}

	if rwMode == pitRWLatch {
		p.counters[counterIndex].latch = p.counters[counterIndex].value
		p.counters[counterIndex].rwMode = pitRWLatch
		p.readWriteLatch[counterIndex] = 0
		return
	}
	p.counters[counterIndex].rwMode = rwMode
	p.counters[counterIndex].mode = opMode
	p.counters[counterIndex].bcdMode = bcdMode
	p.readWriteLatch[counterIndex] = 0
}
