// Package guestmem performs guest-physical and guest-linear memory accesses,
// honoring MMIO interception (mmio.Registry) and emulated cache attributes
// (cachetype.Context)
package guestmem

import (
	"fmt"

	"github.com/coreshim/vmmcore/internal/cachetype"
	"github.com/coreshim/vmmcore/internal/guestfault"
	"github.com/coreshim/vmmcore/internal/mmio"
)

// Mapper is the guest-physical-to-host-physical boundary collaborator. A
// fakeROM mapping is a read-only host mapping; writes to it are fatal.
type Mapper interface {
	GP2HP(gphys uint64) (hphys uint64, fakeROM bool, ok bool)
}

// FlatMapper is a reference Mapper over a single contiguous host-memory
// slice identity-mapped at guest-physical 0, allocated as a flat
// `guestMemory []byte`. ROMStart/ROMEnd (if ROMEnd > ROMStart) mark a
// fake-ROM region.
type FlatMapper struct {
	Mem               []byte
	ROMStart, ROMEnd  uint64
}

func (m *FlatMapper) GP2HP(gphys uint64) (uint64, bool, bool) {
	if gphys >= uint64(len(m.Mem)) {
		return 0, false, false
	}
	fake := m.ROMEnd > m.ROMStart && gphys >= m.ROMStart && gphys < m.ROMEnd
	return gphys, fake, true
}

// Accessor ties a Mapper, an mmio.Registry, and a cachetype.Context together
// to implement the read/write/cmpxchg family for 1/2/4/8-byte widths.
type Accessor struct {
	Mapper   Mapper
	MMIO     *mmio.Registry
	Cache    *cachetype.Context
}

func NewAccessor(m Mapper, reg *mmio.Registry, cache *cachetype.Context) *Accessor {
	return &Accessor{Mapper: m, MMIO: reg, Cache: cache}
}

// effectiveAttr computes the flags passed to an MMIO handler: presently
// just the MTRR-derived type, since guest PTE cache bits are consumed by
// the caller (paging) when installing a second-level mapping rather than by
// the raw physical accessor.
func (a *Accessor) effectiveAttr(gphys uint64) uint32 {
	if a.Cache == nil {
		return uint32(cachetype.TypeWB)
	}
	return uint32(cachetype.GetMTRRType(gphys, a.Cache, false))
}

func (a *Accessor) readGPhys(gphys uint64, buf []byte) error {
	attr := a.effectiveAttr(gphys)
	if a.MMIO != nil && a.MMIO.AccessMemory(gphys, false, buf, attr) {
		return nil
	}
	hphys, _, ok := a.Mapper.GP2HP(gphys)
	if !ok {
		return guestfault.New(guestfault.PageNotPresent, gphys, "gp2hp miss on read")
	}
	mem, ok := a.hostBytes(hphys, len(buf))
	if !ok {
		return guestfault.New(guestfault.PageNotPresent, gphys, "host range out of bounds")
	}
	copy(buf, mem)
	return nil
}

func (a *Accessor) writeGPhys(gphys uint64, buf []byte) error {
	attr := a.effectiveAttr(gphys)
	if a.MMIO != nil && a.MMIO.AccessMemory(gphys, true, buf, attr) {
		return nil
	}
	hphys, fakeROM, ok := a.Mapper.GP2HP(gphys)
	if !ok {
		return guestfault.New(guestfault.PageNotPresent, gphys, "gp2hp miss on write")
	}
	if fakeROM {
		return fmt.Errorf("guestmem: fatal write to fake-ROM region at gphys 0x%x", gphys)
	}
	mem, ok := a.hostBytes(hphys, len(buf))
	if !ok {
		return guestfault.New(guestfault.PageNotPresent, gphys, "host range out of bounds")
	}
	copy(mem, buf)
	return nil
}

// hostBytes resolves a host-physical range to the underlying backing slice.
// Only FlatMapper-backed accessors can serve this directly; a production
// Mapper would instead expose a Slice method, but the reference
// implementation keeps the indirection through the FlatMapper type.
func (a *Accessor) hostBytes(hphys uint64, n int) ([]byte, bool) {
	fm, ok := a.Mapper.(*FlatMapper)
	if !ok {
		return nil, false
	}
	if hphys+uint64(n) > uint64(len(fm.Mem)) {
		return nil, false
	}
	return fm.Mem[hphys : hphys+uint64(n)], true
}

// ReadGPhysRaw/WriteGPhysRaw read or write an arbitrary-width buffer at a
// guest-physical address, used by the dispatcher's KVM_EXIT_MMIO handler
// when a second-level fault handler declined to install a mapping (the
// access itself still has to complete against the registered handler).
func (a *Accessor) ReadGPhysRaw(gphys uint64, buf []byte) error  { return a.readGPhys(gphys, buf) }
func (a *Accessor) WriteGPhysRaw(gphys uint64, buf []byte) error { return a.writeGPhys(gphys, buf) }

// ReadGPhysB/W/L/Q read 1/2/4/8 bytes at a guest-physical address.
func (a *Accessor) ReadGPhysB(gphys uint64) (uint8, error) {
	var b [1]byte
	err := a.readGPhys(gphys, b[:])
	return b[0], err
}

func (a *Accessor) ReadGPhysW(gphys uint64) (uint16, error) {
	var b [2]byte
	if err := a.readGPhys(gphys, b[:]); err != nil {
		return 0, err
	}
	return le16(b[:]), nil
}

func (a *Accessor) ReadGPhysL(gphys uint64) (uint32, error) {
	var b [4]byte
	if err := a.readGPhys(gphys, b[:]); err != nil {
		return 0, err
	}
	return le32(b[:]), nil
}

func (a *Accessor) ReadGPhysQ(gphys uint64) (uint64, error) {
	var b [8]byte
	if err := a.readGPhys(gphys, b[:]); err != nil {
		return 0, err
	}
	return le64(b[:]), nil
}

// WriteGPhysB/W/L/Q write 1/2/4/8 bytes at a guest-physical address.
func (a *Accessor) WriteGPhysB(gphys uint64, v uint8) error {
	return a.writeGPhys(gphys, []byte{v})
}

func (a *Accessor) WriteGPhysW(gphys uint64, v uint16) error {
	var b [2]byte
	putLE16(b[:], v)
	return a.writeGPhys(gphys, b[:])
}

func (a *Accessor) WriteGPhysL(gphys uint64, v uint32) error {
	var b [4]byte
	putLE32(b[:], v)
	return a.writeGPhys(gphys, b[:])
}

func (a *Accessor) WriteGPhysQ(gphys uint64, v uint64) error {
	var b [8]byte
	putLE64(b[:], v)
	return a.writeGPhys(gphys, b[:])
}

// CmpxchgGPhysB/W/L/Q perform an atomic compare-and-swap at a guest-physical
// address and width, used by the linear-address walker's A/D-bit update
// retry loop (always the L width, since that walker only handles 4-byte
// non-PAE page-table entries) and by guest-visible LOCK CMPXCHG emulation at
// other widths. The MMIO registry is not consulted: a CAS always operates on
// the mapped memory behind gphys, even where an MMIO handler is registered.
func (a *Accessor) cmpxchgHostBytes(gphys uint64, width int) ([]byte, error) {
	hphys, fakeROM, ok := a.Mapper.GP2HP(gphys)
	if !ok {
		return nil, guestfault.New(guestfault.PageNotPresent, gphys, "gp2hp miss on cmpxchg")
	}
	if fakeROM {
		return nil, fmt.Errorf("guestmem: fatal cmpxchg write to fake-ROM region at gphys 0x%x", gphys)
	}
	mem, ok := a.hostBytes(hphys, width)
	if !ok {
		return nil, guestfault.New(guestfault.PageNotPresent, gphys, "host range out of bounds")
	}
	return mem, nil
}

func (a *Accessor) CmpxchgGPhysB(gphys uint64, old, new uint8) (actual uint8, swapped bool, err error) {
	mem, err := a.cmpxchgHostBytes(gphys, 1)
	if err != nil {
		return 0, false, err
	}
	if mem[0] != old {
		return mem[0], false, nil
	}
	mem[0] = new
	return new, true, nil
}

func (a *Accessor) CmpxchgGPhysW(gphys uint64, old, new uint16) (actual uint16, swapped bool, err error) {
	mem, err := a.cmpxchgHostBytes(gphys, 2)
	if err != nil {
		return 0, false, err
	}
	cur := le16(mem)
	if cur != old {
		return cur, false, nil
	}
	putLE16(mem, new)
	return new, true, nil
}

func (a *Accessor) CmpxchgGPhysL(gphys uint64, old, new uint32) (actual uint32, swapped bool, err error) {
	mem, err := a.cmpxchgHostBytes(gphys, 4)
	if err != nil {
		return 0, false, err
	}
	cur := le32(mem)
	if cur != old {
		return cur, false, nil
	}
	putLE32(mem, new)
	return new, true, nil
}

func (a *Accessor) CmpxchgGPhysQ(gphys uint64, old, new uint64) (actual uint64, swapped bool, err error) {
	mem, err := a.cmpxchgHostBytes(gphys, 8)
	if err != nil {
		return 0, false, err
	}
	cur := le64(mem)
	if cur != old {
		return cur, false, nil
	}
	putLE64(mem, new)
	return new, true, nil
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 {
	return uint64(le32(b[0:4])) | uint64(le32(b[4:8]))<<32
}
func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func putLE64(b []byte, v uint64) {
	putLE32(b[0:4], uint32(v))
	putLE32(b[4:8], uint32(v>>32))
}
