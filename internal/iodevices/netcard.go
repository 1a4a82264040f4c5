package iodevices

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coreshim/vmmcore/internal/corelog"
	"github.com/coreshim/vmmcore/internal/nettap"
)

// NetCard models an NE2000-compatible (DP8390 core) Ethernet controller,
// backed by a host network interface for frame I/O instead of a real wire.
type NetCard struct {
	mac [6]byte
	ram [64 * 1024]byte

	cr, isr, imr, dcr, tcr, rcr     byte
	tpsr, tbcr0, tbcr1              byte
	rsar0, rsar1, rbcr0, rbcr1      byte
	pstart, pstop, bnry, curr       byte
	mar                             [8]byte
	currentPage                     byte
	dmaCount                        int

	host      nettap.HostInterface
	irqRaiser InterruptRaiser

	lock sync.Mutex

	stopRx chan struct{}
	rxDone chan struct{}
	rxOn   bool

	log *logrus.Entry
}

func NewNetCard(mac [6]byte, host nettap.HostInterface, irqRaiser InterruptRaiser) *NetCard {
	nc := &NetCard{
		mac: mac, host: host, irqRaiser: irqRaiser,
		cr: ncCRStop | ncCRPage0, isr: ncISRRST, imr: 0,
		dcr: ncDCRFT1 | ncDCRBMS | ncDCRWTS,
		tpsr: 0x40, pstart: 0x46, pstop: 0x80, bnry: 0x46, curr: 0x46,
		log: corelog.For("iodevices.netcard", logrus.Fields{"mac": fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])}),
	}
	copy(nc.ram[0:6], nc.mac[:])
	nc.startRxLoop()
	return nc
}

func (nc *NetCard) startRxLoop() {
	if nc.rxOn {
		return
	}
	nc.rxOn = true
	nc.stopRx = make(chan struct{})
	nc.rxDone = make(chan struct{})
	go nc.receiveLoop()
}

// Close stops the receive goroutine and releases the host network handle.
func (nc *NetCard) Close() error {
	nc.lock.Lock()
	running := nc.rxOn
	nc.lock.Unlock()
	if running {
		close(nc.stopRx)
		select {
		case <-nc.rxDone:
		case <-time.After(2 * time.Second):
			nc.log.Warn("timed out waiting for receive loop to stop")
		}
		nc.lock.Lock()
		nc.rxOn = false
		nc.lock.Unlock()
	}
	return nc.host.Close()
}

func (nc *NetCard) receiveLoop() {
	defer close(nc.rxDone)
	for {
		select {
		case <-nc.stopRx:
			return
		default:
		}

		nc.lock.Lock()
		stopped := nc.cr&ncCRStop != 0 || nc.cr&ncCRStart == 0
		nc.lock.Unlock()
		if stopped {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		packet, err := nc.host.ReadPacket()
		if err != nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if len(packet) == 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		nc.injectReceivedPacket(packet)
	}
}

func (nc *NetCard) injectReceivedPacket(packet []byte) {
	nc.lock.Lock()
	defer nc.lock.Unlock()

	const headerSize = 4
	dataLen := uint16(len(packet))
	totalLen := dataLen + headerSize

	if dataLen > 1514 {
		nc.isr |= ncISRRXE
		nc.raiseIfUnmasked(ncISRRXE)
		return
	}

	numPages := (totalLen + 255) / 256
	if nc.curr < nc.pstart || nc.curr >= nc.pstop {
		if nc.curr == nc.pstop {
			nc.curr = nc.pstart
		} else {
			nc.curr = nc.pstart
		}
	}
	nextPage := nc.curr + byte(numPages)
	if nextPage >= nc.pstop {
		nextPage = nc.pstart + (nextPage - nc.pstop)
	}
	if nextPage == nc.bnry {
		nc.isr |= ncISROVW
		nc.raiseIfUnmasked(ncISROVW)
		return
	}

	headerOffset := uint32(nc.curr) * 256
	nc.ram[headerOffset] = ncRSRPRX
	nc.ram[headerOffset+1] = nextPage
	nc.ram[headerOffset+2] = byte(totalLen & 0xFF)
	nc.ram[headerOffset+3] = byte(totalLen >> 8)

	writeOffset := headerOffset + headerSize
	copied := 0
	for copied < int(dataLen) {
		if writeOffset >= uint32(nc.pstop)*256 {
			writeOffset = uint32(nc.pstart) * 256
		}
		pageEnd := (writeOffset/256)*256 + 256
		room := int(pageEnd - writeOffset)
		chunk := int(dataLen) - copied
		if chunk > room {
			chunk = room
		}
		copy(nc.ram[writeOffset:writeOffset+uint32(chunk)], packet[copied:copied+chunk])
		writeOffset += uint32(chunk)
		copied += chunk
	}

	nc.curr = nextPage
	nc.isr |= ncISRPRX
	nc.raiseIfUnmasked(ncISRPRX)
}

func (nc *NetCard) raiseIfUnmasked(bit byte) {
	if nc.imr&bit != 0 && nc.irqRaiser != nil {
		nc.irqRaiser.RaiseIRQ(netcardIRQ)
	}
}

// AttachTo registers this card's whole port window on bus.
func (nc *NetCard) AttachTo(b *Bus) {
	b.Register(netcardBasePort, netcardBasePort+netcardPortRange-1, nc)
}

func (nc *NetCard) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	nc.lock.Lock()
	defer nc.lock.Unlock()

	offset := port - netcardBasePort
	wordOK := nc.dcr&ncDCRWTS != 0 && size == 2 && offset == ncAsicData
	if size != 1 && !wordOK {
		return fmt.Errorf("iodevices: netcard I/O size %d not supported on port 0x%x", size, port)
	}

	if offset == ncAsicData {
		return nc.handleDMAPort(direction, data)
	}
	if offset == ncAsicReset {
		nc.resetLocked()
		if direction == IODirectionIn {
			data[0] = 0xFF
		}
		return nil
	}

	page := (nc.cr >> 6) & 0x03
	nc.currentPage = page
	switch page {
	case 0:
		return nc.handlePage0(offset, direction, data)
	case 1:
		return nc.handlePage1(offset, direction, data)
	default:
		return nc.handlePage2(offset, direction, data)
	}
}

func (nc *NetCard) handleDMAPort(direction uint8, data []byte) error {
	byteCount := uint16(nc.rbcr0) | uint16(nc.rbcr1)<<8
	curAddr := uint16(nc.rsar0) | uint16(nc.rsar1)<<8

	for i := range data {
		if nc.dmaCount >= int(byteCount) {
			if direction == IODirectionIn {
				data[i] = 0xFF
			}
			break
		}
		addr := curAddr + uint16(nc.dmaCount)
		if direction == IODirectionOut {
			nc.ram[addr] = data[i]
		} else {
			data[i] = nc.ram[addr]
		}
		nc.dmaCount++
	}
	if nc.dmaCount >= int(byteCount) {
		nc.isr |= ncISRRDC
		nc.raiseIfUnmasked(ncISRRDC)
		nc.dmaCount = 0
	}
	return nil
}

func (nc *NetCard) handlePage0(offset uint16, direction uint8, data []byte) error {
	var val byte
	if direction == IODirectionOut {
		val = data[0]
	}
	switch offset {
	case ncCR:
		if direction == IODirectionOut {
			nc.cr = val
			nc.processCommand(val)
		} else {
			data[0] = nc.cr
		}
	case ncPSTART:
		if direction == IODirectionOut {
			nc.pstart = val
		} else {
			data[0] = nc.pstart
		}
	case ncPSTOP:
		if direction == IODirectionOut {
			nc.pstop = val
		} else {
			data[0] = nc.pstop
		}
	case ncBNRY:
		if direction == IODirectionOut {
			if val >= nc.pstart && val < nc.pstop {
				nc.bnry = val
			}
		} else {
			data[0] = nc.bnry
		}
	case ncTPSR:
		if direction == IODirectionOut {
			nc.tpsr = val
		} else {
			data[0] = nc.tpsr
		}
	case ncTBCR0:
		if direction == IODirectionOut {
			nc.tbcr0 = val
		} else {
			data[0] = nc.tbcr0
		}
	case ncTBCR1:
		if direction == IODirectionOut {
			nc.tbcr1 = val
		} else {
			data[0] = nc.tbcr1
		}
	case ncISR:
		if direction == IODirectionOut {
			nc.isr &^= val
			if nc.isr&nc.imr == 0 && nc.irqRaiser != nil {
				nc.irqRaiser.LowerIRQ(netcardIRQ)
			}
		} else {
			data[0] = nc.isr
		}
	case ncCRDA0:
		if direction == IODirectionOut {
			nc.rsar0 = val
		} else {
			data[0] = nc.rsar0
		}
	case ncCRDA1:
		if direction == IODirectionOut {
			nc.rsar1 = val
		} else {
			data[0] = nc.rsar1
		}
	case ncRBCR0:
		if direction == IODirectionOut {
			nc.rbcr0 = val
		} else {
			data[0] = nc.rbcr0
		}
	case ncRBCR1:
		if direction == IODirectionOut {
			nc.rbcr1 = val
		} else {
			data[0] = nc.rbcr1
		}
	case ncRCR:
		if direction == IODirectionOut {
			nc.rcr = val
		} else {
			data[0] = nc.rcr
		}
	case ncTCR:
		if direction == IODirectionOut {
			nc.tcr = val
		} else {
			data[0] = nc.tcr
		}
	case ncDCR:
		if direction == IODirectionOut {
			nc.dcr = val
		} else {
			data[0] = nc.dcr
		}
	case ncIMR:
		if direction == IODirectionOut {
			nc.imr = val
			if nc.isr&nc.imr != 0 && nc.irqRaiser != nil {
				nc.irqRaiser.RaiseIRQ(netcardIRQ)
			} else if nc.irqRaiser != nil {
				nc.irqRaiser.LowerIRQ(netcardIRQ)
			}
		} else {
			data[0] = nc.imr
		}
	default:
		if direction == IODirectionIn {
			data[0] = 0xFF
		}
	}
	return nil
}

func (nc *NetCard) handlePage1(offset uint16, direction uint8, data []byte) error {
	var val byte
	if direction == IODirectionOut {
		val = data[0]
	}
	switch offset {
	case ncCR:
		if direction == IODirectionOut {
			nc.cr = val
			nc.processCommand(val)
		} else {
			data[0] = nc.cr
		}
	case ncPAR0, ncPAR1, ncPAR2, ncPAR3, ncPAR4, ncPAR5:
		idx := int(offset - ncPAR0)
		if direction == IODirectionOut {
			nc.mac[idx] = val
		} else {
			data[0] = nc.mac[idx]
		}
	case ncCURR:
		if direction == IODirectionIn {
			data[0] = nc.curr
		}
	case ncMAR0, ncMAR1, ncMAR2, ncMAR3, ncMAR4, ncMAR5, ncMAR6, ncMAR7:
		idx := int(offset - ncMAR0)
		if direction == IODirectionOut {
			nc.mar[idx] = val
		} else {
			data[0] = nc.mar[idx]
		}
	default:
		if direction == IODirectionIn {
			data[0] = 0xFF
		}
	}
	return nil
}

func (nc *NetCard) handlePage2(offset uint16, direction uint8, data []byte) error {
	switch offset {
	case ncCR:
		if direction == IODirectionOut {
			nc.cr = data[0]
			nc.processCommand(nc.cr)
		} else {
			data[0] = nc.cr
		}
	default:
		if direction == IODirectionIn {
			data[0] = 0xFF
		}
	}
	return nil
}

func (nc *NetCard) processCommand(raw byte) {
	command := raw & 0x3F

	if raw&ncCRStop != 0 {
		nc.isr |= ncISRRST
		nc.cr = (raw &^ (ncCRStart | ncCRTXP)) | ncCRStop
		nc.raiseIfUnmasked(ncISRRST)
		nc.dmaCount = 0
		return
	}
	if command&ncCRStart != 0 {
		nc.isr &^= ncISRRST
		nc.cr = (raw &^ (ncCRStop | ncCRTXP)) | ncCRStart
		if nc.isr&nc.imr == 0 && nc.irqRaiser != nil {
			nc.irqRaiser.LowerIRQ(netcardIRQ)
		}
	}
	if command&ncCRTXP != 0 {
		nc.transmit()
	}
	if command&(ncCRRD0|ncCRRD1|ncCRRD2) != 0 {
		if nc.cr&ncCRStop != 0 {
			nc.cr &^= ncCRRD0 | ncCRRD1 | ncCRRD2
			return
		}
		nc.dmaCount = 0
		if command == ncCRRD2 {
			nc.cr &^= ncCRRD0 | ncCRRD1 | ncCRRD2
		}
	}
}

func (nc *NetCard) transmit() {
	if nc.cr&ncCRStart == 0 {
		nc.cr &^= ncCRTXP
		return
	}

	byteCount := uint16(nc.tbcr1)<<8 | uint16(nc.tbcr0)
	if byteCount < 60 || byteCount > 1514 {
		nc.isr |= ncISRTXE
		nc.raiseIfUnmasked(ncISRTXE)
		nc.cr &^= ncCRTXP
		return
	}

	start := uint32(nc.tpsr) * 256
	end := start + uint32(byteCount)
	if end > uint32(len(nc.ram)) {
		nc.isr |= ncISRTXE
		nc.raiseIfUnmasked(ncISRTXE)
		nc.cr &^= ncCRTXP
		return
	}

	packet := make([]byte, byteCount)
	copy(packet, nc.ram[start:end])
	if err := nc.host.WritePacket(packet); err != nil {
		nc.log.WithError(err).Debug("transmit to host interface failed")
		nc.isr |= ncISRTXE
		nc.raiseIfUnmasked(ncISRTXE)
	} else {
		nc.isr |= ncISRPTX
		nc.raiseIfUnmasked(ncISRPTX)
	}
	nc.cr &^= ncCRTXP
}

func (nc *NetCard) resetLocked() {
	nc.cr = ncCRStop | ncCRPage0
	nc.isr = ncISRRST
	nc.imr = 0
	nc.dcr = ncDCRWTS | ncDCRBMS
	nc.tcr, nc.rcr = 0, 0
	nc.tpsr, nc.tbcr0, nc.tbcr1 = 0x40, 0, 0
	nc.pstart, nc.pstop = 0x46, 0x80
	nc.bnry, nc.curr = nc.pstart, nc.pstart
	nc.rsar0, nc.rsar1, nc.rbcr0, nc.rbcr1 = 0, 0, 0, 0
	nc.dmaCount = 0
	nc.currentPage = 0
	copy(nc.ram[0:6], nc.mac[:])
	for i := 6; i < 16; i++ {
		nc.ram[i] = 0xFF
	}
	for i := range nc.mar {
		nc.mar[i] = 0
	}
	if nc.irqRaiser == nil {
		return
	}
	if nc.isr&nc.imr != 0 {
		nc.irqRaiser.RaiseIRQ(netcardIRQ)
	} else {
		nc.irqRaiser.LowerIRQ(netcardIRQ)
	}
}
