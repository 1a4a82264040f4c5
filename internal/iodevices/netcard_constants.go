package iodevices

// NE2000-compatible Ethernet controller, DP8390-core register layout.
const (
	netcardBasePort  uint16 = 0x300
	netcardPortRange uint16 = 0x20
)

// Page 0 register offsets.
const (
	ncCR     uint16 = 0x00
	ncPSTART uint16 = 0x01
	ncPSTOP  uint16 = 0x02
	ncBNRY   uint16 = 0x03
	ncTPSR   uint16 = 0x04
	ncTBCR0  uint16 = 0x05
	ncTBCR1  uint16 = 0x06
	ncISR    uint16 = 0x07
	ncCRDA0  uint16 = 0x08
	ncCRDA1  uint16 = 0x09
	ncRBCR0  uint16 = 0x0A
	ncRBCR1  uint16 = 0x0B
	ncRCR    uint16 = 0x0C
	ncTCR    uint16 = 0x0D
	ncDCR    uint16 = 0x0E
	ncIMR    uint16 = 0x0F
)

// Page 1 register offsets.
const (
	ncPAR0 uint16 = 0x01
	ncPAR1 uint16 = 0x02
	ncPAR2 uint16 = 0x03
	ncPAR3 uint16 = 0x04
	ncPAR4 uint16 = 0x05
	ncPAR5 uint16 = 0x06
	ncCURR uint16 = 0x07
	ncMAR0 uint16 = 0x08
	ncMAR1 uint16 = 0x09
	ncMAR2 uint16 = 0x0A
	ncMAR3 uint16 = 0x0B
	ncMAR4 uint16 = 0x0C
	ncMAR5 uint16 = 0x0D
	ncMAR6 uint16 = 0x0E
	ncMAR7 uint16 = 0x0F
)

// ASIC-page offsets (addressed regardless of the CR page selector).
const (
	ncAsicData  uint16 = 0x10
	ncAsicReset uint16 = 0x1F
)

// Command register bits.
const (
	ncCRStop  byte = 0x01
	ncCRStart byte = 0x02
	ncCRTXP   byte = 0x04
	ncCRRD0   byte = 0x08
	ncCRRD1   byte = 0x10
	ncCRRD2   byte = 0x20
	ncCRPage0 byte = 0x00
)

// Interrupt status register bits.
const (
	ncISRPRX byte = 0x01
	ncISRPTX byte = 0x02
	ncISRRXE byte = 0x04
	ncISRTXE byte = 0x08
	ncISROVW byte = 0x10
	ncISRCNT byte = 0x20
	ncISRRDC byte = 0x40
	ncISRRST byte = 0x80
)

// Receive status byte stored in the ring-buffer packet header.
const ncRSRPRX byte = 0x01

// Data configuration register bits.
const (
	ncDCRWTS byte = 0x01
	ncDCRBMS byte = 0x08
	ncDCRFT1 byte = 0x40
)

const netcardIRQ uint8 = 9
