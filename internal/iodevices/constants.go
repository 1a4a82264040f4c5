package iodevices

// 8259A PIC I/O ports.
const (
	PICMasterCmdPort  uint16 = 0x20
	PICMasterDataPort uint16 = 0x21
	PICSlaveCmdPort   uint16 = 0xA0
	PICSlaveDataPort  uint16 = 0xA1
)

// IRQ lines for the devices in this package.
const (
	PITIRQ           uint8 = 0
	KeyboardIRQ      uint8 = 1
	PICMasterSlaveIRQ uint8 = 2
	SerialIRQ        uint8 = 4
	RTCIRQ           uint8 = 8
)

// ICW1 bits.
const (
	icw1IC4  byte = 0x01
	icw1Sngl byte = 0x02
	icw1Ltim byte = 0x08
	icw1Init byte = 0x10
)

// ICW4 bits.
const (
	icw4AEOI byte = 0x02
	icw4SFNM byte = 0x10
)

// OCW2/OCW3 bits.
const (
	ocw2EOICmd byte = 0x20
	ocw2SLCmd  byte = 0x40
	ocw3RISCmd byte = 0x01
	ocw3RRCmd  byte = 0x02
	ocw3PollCmd byte = 0x04
)

// PIT read/write latch modes (command register bits 5:4).
const (
	pitRWLatch byte = 0x00
	pitRWLSB   byte = 0x01
	pitRWMSB   byte = 0x02
	pitRWLOHI  byte = 0x03
)

const (
	PITPortCounter0 uint16 = 0x40
	PITPortCounter1 uint16 = 0x41
	PITPortCounter2 uint16 = 0x42
	PITPortCommand  uint16 = 0x43
	PITPortStatus   uint16 = 0x61
)

// CMOS RTC ports and register indices.
const (
	RTCPortIndex uint16 = 0x70
	RTCPortData  uint16 = 0x71

	rtcRegSeconds    byte = 0x00
	rtcRegMinutes    byte = 0x02
	rtcRegHours      byte = 0x04
	rtcRegDayOfWeek  byte = 0x06
	rtcRegDayOfMonth byte = 0x07
	rtcRegMonth      byte = 0x08
	rtcRegYear       byte = 0x09
	rtcRegA          byte = 0x0A
	rtcRegB          byte = 0x0B
	rtcRegC          byte = 0x0C
	rtcRegD          byte = 0x0D

	rtcAUIP byte = 0x80

	rtcBPIE  byte = 0x40
	rtcBDM   byte = 0x04
	rtcB2412 byte = 0x02

	rtcCPF byte = 0x40

	rtcDVRT byte = 0x80
)

// 16550A UART ports (offsets from COM1PortBase) and register bits.
const (
	COM1PortBase uint16 = 0x3F8
	COM1PortEnd  uint16 = 0x3FF

	uartRHRTHRDLL uint16 = 0
	uartIERDLH    uint16 = 1
	uartIIRFCR    uint16 = 2
	uartLCR       uint16 = 3
	uartMCR       uint16 = 4
	uartLSR       uint16 = 5
	uartMSR       uint16 = 6
	uartSCR       uint16 = 7

	lcrDLAB byte = 0x80

	lsrDR   byte = 0x01
	lsrTHRE byte = 0x20
	lsrTEMT byte = 0x40

	iirNoIntPending byte = 0x01
)

// 8042-style keyboard controller ports.
const (
	KeyboardPortData   uint16 = 0x60
	KeyboardPortStatus uint16 = 0x64
)
