package iodevices

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coreshim/vmmcore/internal/corelog"
)

// picController is one 8259A (master or slave half of the cascaded pair).
type picController struct {
	isMaster bool
	offset   uint8 // ICW2 vector offset
	imr      uint8
	irr      uint8
	isr      uint8

	icwCount  int
	expectOCW bool
	modeFlags byte

	sfnm    bool
	autoEOI bool

	readRegSelect byte // 0 = IRR, 1 = ISR
}

// PIC models the cascaded master/slave 8259A pair found on the PC platform.
type PIC struct {
	master picController
	slave  picController
	lock   sync.Mutex

	log *logrus.Entry
}

func NewPIC() *PIC {
	p := &PIC{
		master: picController{isMaster: true, imr: 0xFF, modeFlags: icw1IC4},
		slave:  picController{isMaster: false, imr: 0xFF, modeFlags: icw1IC4},
		log:    corelog.For("iodevices.pic", nil),
	}
	return p
}

func (p *PIC) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if size != 1 {
		return fmt.Errorf("iodevices: PIC I/O size %d not supported on port 0x%x", size, port)
	}

	val := byte(0)
	if direction == IODirectionOut {
		val = data[0]
	}

	switch port {
	case PICMasterCmdPort, PICMasterDataPort:
		if direction == IODirectionOut {
			if port == PICMasterCmdPort && val&icw1Init != 0 {
				p.log.Debug("master 8259A reinitialized via ICW1")
			}
			p.master.write(port, val, &p.slave)
		} else {
			data[0] = p.master.read(port)
		}
	case PICSlaveCmdPort, PICSlaveDataPort:
		if direction == IODirectionOut {
			if port == PICSlaveCmdPort && val&icw1Init != 0 {
				p.log.Debug("slave 8259A reinitialized via ICW1")
			}
			p.slave.write(port, val, nil)
		} else {
			data[0] = p.slave.read(port)
		}
	default:
		return fmt.Errorf("iodevices: unhandled PIC I/O to port 0x%x", port)
	}
	return nil
}

// AttachTo registers both halves of the cascaded pair on bus.
func (p *PIC) AttachTo(b *Bus) {
	b.Register(PICMasterCmdPort, PICMasterDataPort, p)
	b.Register(PICSlaveCmdPort, PICSlaveDataPort, p)
}

func (pc *picController) cmdPort() uint16 {
	if pc.isMaster {
		return PICMasterCmdPort
	}
	return PICSlaveCmdPort
}

func (pc *picController) write(port uint16, val byte, slave *picController) {
	if port == pc.cmdPort() {
		pc.writeCommandPort(val, slave)
	} else {
		pc.writeDataPort(val)
	}
}

func (pc *picController) read(port uint16) byte {
	if port == pc.cmdPort() {
		return pc.readSelectedRegister()
	}
	return pc.imr
}

func (pc *picController) writeCommandPort(val byte, slave *picController) {
	if val&icw1Init != 0 {
		pc.icwCount = 1
		pc.expectOCW = false
		pc.imr = 0x00
		pc.irr = 0x00
		pc.isr = 0x00
		pc.modeFlags = val & (icw1Ltim | icw1Sngl | icw1IC4)
		pc.autoEOI = false
		pc.sfnm = false
		return
	}
	if val&0x18 == 0x08 {
		pc.processOCW3(val)
	} else {
		pc.processOCW2(val, slave)
	}
	pc.expectOCW = true
}

func (pc *picController) writeDataPort(val byte) {
	if pc.icwCount == 0 || pc.expectOCW {
		pc.imr = val
		return
	}
	switch pc.icwCount {
	case 1: // ICW2: vector offset
		pc.offset = val
		if pc.modeFlags&icw1Sngl != 0 {
			if pc.modeFlags&icw1IC4 == 0 {
				pc.icwCount = 0
			} else {
				pc.icwCount = 3
			}
		} else {
			pc.icwCount++
		}
	case 2: // ICW3: cascade wiring
		if pc.modeFlags&icw1IC4 == 0 {
			pc.icwCount = 0
		} else {
			pc.icwCount++
		}
	case 3: // ICW4: mode flags
		pc.modeFlags |= val
		pc.autoEOI = val&icw4AEOI != 0
		pc.sfnm = val&icw4SFNM != 0
		pc.icwCount = 0
	}
}

func (pc *picController) readSelectedRegister() byte {
	if pc.readRegSelect == 0 {
		return pc.irr
	}
	return pc.isr
}

func (pc *picController) processOCW2(val byte, slave *picController) {
	if val&ocw2EOICmd == 0 {
		return
	}
	if val&ocw2SLCmd != 0 { // specific EOI
		irqLine := val & 0x07
		if pc.isr&(1<<irqLine) != 0 {
			pc.isr &^= 1 << irqLine
		}
		return
	}
	for i := uint8(0); i < 8; i++ { // non-specific EOI: clear highest priority in-service bit
		if (pc.isr>>i)&1 != 0 {
			pc.isr &^= 1 << i
			if pc.isMaster && i == PICMasterSlaveIRQ && slave != nil {
				slave.processOCW2(ocw2EOICmd, nil)
			}
			break
		}
	}
}

func (pc *picController) processOCW3(val byte) {
	if val&ocw3PollCmd != 0 {
		return
	}
	if val&ocw3RRCmd != 0 {
		pc.readRegSelect = val & ocw3RISCmd
	}
}

// RaiseIRQ sets the IRR bit for irqLine (0-15, 8-15 routed through the slave).
func (p *PIC) RaiseIRQ(irqLine uint8) {
	p.lock.Lock()
	defer p.lock.Unlock()

	switch {
	case irqLine < 8:
		if (p.master.imr>>irqLine)&1 == 0 {
			p.master.irr |= 1 << irqLine
		}
	case irqLine < 16:
		slaveIrq := irqLine - 8
		if (p.slave.imr>>slaveIrq)&1 == 0 {
			p.slave.irr |= 1 << slaveIrq
			if (p.master.imr>>PICMasterSlaveIRQ)&1 == 0 {
				p.master.irr |= 1 << PICMasterSlaveIRQ
			}
		}
	}
}

// LowerIRQ clears a level-triggered IRQ's request bit.
func (p *PIC) LowerIRQ(irqLine uint8) {
	p.lock.Lock()
	defer p.lock.Unlock()

	switch {
	case irqLine < 8:
		p.master.irr &^= 1 << irqLine
	case irqLine < 16:
		p.slave.irr &^= 1 << (irqLine - 8)
	}
}

// HasPendingInterrupts reports whether any unmasked, unserviced IRQ exists.
func (p *PIC) HasPendingInterrupts() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	slaveActive := p.slave.irr &^ p.slave.imr
	if slaveActive != 0 && (p.master.imr>>PICMasterSlaveIRQ)&1 == 0 && (p.master.isr>>PICMasterSlaveIRQ)&1 == 0 {
		for i := uint8(0); i < 8; i++ {
			if (slaveActive>>i)&1 != 0 && (p.slave.isr>>i)&1 == 0 {
				return true
			}
		}
	}
	masterActive := p.master.irr &^ p.master.imr
	for i := uint8(0); i < 8; i++ {
		if (masterActive>>i)&1 != 0 && (p.master.isr>>i)&1 == 0 {
			return true
		}
	}
	return false
}

// GetInterruptVector picks the highest-priority pending interrupt, marks it
// in-service, and returns its vector; 0 if nothing is pending.
func (p *PIC) GetInterruptVector() uint8 {
	p.lock.Lock()
	defer p.lock.Unlock()

	masterPending := p.master.irr &^ p.master.imr
	for i := uint8(0); i < 8; i++ {
		if i == PICMasterSlaveIRQ {
			continue
		}
		if (masterPending>>i)&1 != 0 && (p.master.isr>>i)&1 == 0 {
			if !p.master.autoEOI {
				p.master.isr |= 1 << i
			}
			p.master.irr &^= 1 << i
			return p.master.offset + i
		}
	}

	if (masterPending>>PICMasterSlaveIRQ)&1 != 0 && (p.master.isr>>PICMasterSlaveIRQ)&1 == 0 {
		slavePending := p.slave.irr &^ p.slave.imr
		for i := uint8(0); i < 8; i++ {
			if (slavePending>>i)&1 != 0 && (p.slave.isr>>i)&1 == 0 {
				if !p.master.autoEOI {
					p.master.isr |= 1 << PICMasterSlaveIRQ
				}
				if !p.slave.autoEOI {
					p.slave.isr |= 1 << i
				}
				p.slave.irr &^= 1 << i
				if p.slave.irr&^p.slave.imr == 0 {
					p.master.irr &^= 1 << PICMasterSlaveIRQ
				}
				return p.slave.offset + i
			}
		}
	}
	return 0
}
