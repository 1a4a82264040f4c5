package iodevices

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coreshim/vmmcore/internal/corelog"
)

// RTC models the MC146818 CMOS real-time clock, deriving the guest-visible
// time/date registers from the host clock rather than maintaining its own.
type RTC struct {
	irqRaiser InterruptRaiser
	lock      sync.Mutex

	registers [128]byte
	index     byte

	bcdMode    bool
	hour24Mode bool

	log *logrus.Entry
}

func NewRTC(irqRaiser InterruptRaiser) *RTC {
	r := &RTC{irqRaiser: irqRaiser, log: corelog.For("iodevices.rtc", nil)}
	r.registers[rtcRegA] = 0x26
	r.registers[rtcRegB] = 0x02
	r.registers[rtcRegD] = 0x80
	r.updateConfigFlags()
	return r
}

// AttachTo registers the index/data port pair on bus.
func (r *RTC) AttachTo(b *Bus) {
	b.Register(RTCPortIndex, RTCPortData, r)
}

func (r *RTC) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if size != 1 {
		return fmt.Errorf("iodevices: RTC I/O size %d not supported on port 0x%x", size, port)
	}
	val := byte(0)
	if direction == IODirectionOut {
		val = data[0]
	}

	switch port {
	case RTCPortIndex:
		if direction == IODirectionOut {
			r.index = val & 0x7F // bit 7 is the NMI-disable bit, not modeled
		} else {
			data[0] = r.index
		}
	case RTCPortData:
		if int(r.index) >= len(r.registers) {
			if direction == IODirectionIn {
				data[0] = 0xFF
			}
			r.log.WithField("index", r.index).Warn("RTC register index out of range")
			return fmt.Errorf("iodevices: RTC register index 0x%x out of range", r.index)
		}
		if direction == IODirectionOut {
			r.writeDataRegister(val)
		} else {
			data[0] = r.readDataRegister()
		}
	default:
		return fmt.Errorf("iodevices: unhandled RTC I/O to port 0x%x", port)
	}
	return nil
}

func (r *RTC) writeDataRegister(val byte) {
	switch r.index {
	case rtcRegC, rtcRegD:
		return // read-only
	case rtcRegA:
		r.registers[r.index] = val &^ rtcAUIP
	case rtcRegB:
		r.registers[r.index] = val
		r.updateConfigFlags()
	default:
		r.registers[r.index] = val
	}
}

func (r *RTC) readDataRegister() byte {
	now := time.Now()
	switch r.index {
	case rtcRegSeconds:
		return r.convertTimeValue(now.Second())
	case rtcRegMinutes:
		return r.convertTimeValue(now.Minute())
	case rtcRegHours:
		hour := now.Hour()
		if r.hour24Mode {
			return r.convertTimeValue(hour)
		}
		isPM := hour >= 12
		if hour >= 12 {
			hour -= 12
		}
		if hour == 0 {
			hour = 12
		}
		v := r.convertTimeValue(hour)
		if isPM {
			return v | 0x80
		}
		return v
	case rtcRegDayOfWeek:
		return r.convertTimeValue(int(now.Weekday()) + 1)
	case rtcRegDayOfMonth:
		return r.convertTimeValue(now.Day())
	case rtcRegMonth:
		return r.convertTimeValue(int(now.Month()))
	case rtcRegYear:
		return r.convertTimeValue(now.Year() % 100)
	case rtcRegA:
		return r.registers[rtcRegA] &^ rtcAUIP
	case rtcRegC:
		v := r.registers[rtcRegC]
		r.registers[rtcRegC] = 0
		return v
	case rtcRegD:
		return r.registers[rtcRegD] | rtcDVRT
	default:
		return r.registers[r.index]
	}
}

func (r *RTC) convertTimeValue(val int) byte {
	if r.bcdMode {
		return byte(((val / 10) << 4) | (val % 10))
	}
	return byte(val)
}

func (r *RTC) updateConfigFlags() {
	r.bcdMode = r.registers[rtcRegB]&rtcBDM == 0
	r.hour24Mode = r.registers[rtcRegB]&rtcB2412 != 0
}

// Tick raises the periodic-interrupt IRQ if PIE is enabled in register B.
func (r *RTC) Tick(irqLine uint8) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.registers[rtcRegB]&rtcBPIE != 0 {
		r.registers[rtcRegC] |= rtcCPF | 0x80
		if r.irqRaiser != nil {
			r.irqRaiser.RaiseIRQ(irqLine)
		}
	}
}
