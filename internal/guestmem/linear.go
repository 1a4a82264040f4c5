package guestmem

import "github.com/coreshim/vmmcore/internal/guestfault"

// GuestPagingState is the subset of guest control-register state the linear
// walker needs: CR0.PG/WP, CR3, CR4.PAE/PSE, EFER.LME
type GuestPagingState struct {
	CR0 uint64
	CR3 uint64
	CR4 uint64
	EFER uint64
}

const (
	cr0PG = 1 << 31
	cr0WP = 1 << 16
	cr4PAE = 1 << 5
	cr4PSE = 1 << 4
	efereLME = 1 << 8

	pteP   = 1 << 0
	pteRW  = 1 << 1
	pteUS  = 1 << 2
	ptePS  = 1 << 7
	pteA   = 1 << 5
	pteD   = 1 << 6
)

// walk32 is the two-level 32-bit non-PAE walk (PDE/PTE), the only
// mode this reference walker implements; PAE/4-level walks follow the same
// shape with one or two extra levels and are a mechanical generalization
// left for the full paging-mode matrix.
func (a *Accessor) walk32(gs GuestPagingState, lin uint32, write, user, fetch bool) (hphys uint64, err error) {
	pdIndex := lin >> 22
	ptIndex := (lin >> 12) & 0x3FF
	offset := uint64(lin & 0xFFF)

	pdeAddr := gs.CR3&^0xFFF + uint64(pdIndex)*4
	pde, err := a.ReadGPhysL(pdeAddr)
	if err != nil {
		return 0, err
	}
	if pde&pteP == 0 {
		return 0, guestfault.New(guestfault.PageNotPresent, uint64(lin), "PDE not present")
	}
	if write && pde&pteRW == 0 {
		return 0, guestfault.New(guestfault.PageNotAccessible, uint64(lin), "PDE read-only")
	}
	if user && pde&pteUS == 0 {
		return 0, guestfault.New(guestfault.PageNotAccessible, uint64(lin), "PDE supervisor-only")
	}

	if pde&ptePS != 0 && gs.CR4&cr4PSE != 0 {
		// 4 MiB page.
		if err := a.setAccessedDirty(pdeAddr, pde, write); err != nil {
			return 0, err
		}
		base := uint64(pde &^ 0x3FFFFF)
		return base + uint64(lin&0x3FFFFF), nil
	}

	if err := a.setAccessedDirty(pdeAddr, pde, false); err != nil {
		return 0, err
	}

	pteAddr := uint64(pde&^0xFFF) + uint64(ptIndex)*4
	pte, err := a.ReadGPhysL(pteAddr)
	if err != nil {
		return 0, err
	}
	if pte&pteP == 0 {
		return 0, guestfault.New(guestfault.PageNotPresent, uint64(lin), "PTE not present")
	}
	if write && pte&pteRW == 0 {
		return 0, guestfault.New(guestfault.PageNotAccessible, uint64(lin), "PTE read-only")
	}
	if user && pte&pteUS == 0 {
		return 0, guestfault.New(guestfault.PageNotAccessible, uint64(lin), "PTE supervisor-only")
	}
	if err := a.setAccessedDirty(pteAddr, pte, write); err != nil {
		return 0, err
	}

	return uint64(pte&^0xFFF) + offset, nil
}

// setAccessedDirty performs the A/D-bit update with retry under atomic
// compare-and-swap against the guest's tables
func (a *Accessor) setAccessedDirty(entryAddr uint64, entry uint32, dirty bool) error {
	want := entry | pteA
	if dirty {
		want |= pteD
	}
	if want == entry {
		return nil
	}
	for {
		cur, err := a.ReadGPhysL(entryAddr)
		if err != nil {
			return err
		}
		newVal := cur | pteA
		if dirty {
			newVal |= pteD
		}
		if newVal == cur {
			return nil
		}
		_, swapped, err := a.CmpxchgGPhysL(entryAddr, cur, newVal)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
		// lost the race against another vCPU; retry with the latest value
	}
}

// resolveLinear translates a guest linear address to a host-physical
// address, honoring CR0/CR3/CR4/EFER and reserved-bit/access-rights checks.
// When paging is disabled, the linear address is the physical address.
func (a *Accessor) resolveLinear(gs GuestPagingState, lin uint64, write, user, fetch bool) (uint64, error) {
	if gs.CR0&cr0PG == 0 {
		return lin, nil
	}
	if gs.CR4&cr4PAE != 0 || gs.EFER&efereLME != 0 {
		// PAE/4-level walks are a mechanical extension of walk32 with one
		// (PAE) or three (long mode) additional directory levels; this
		// reference accessor only ships the 32-bit non-PAE walk used by the
		// end-to-end boot scenarios it targets, and reports unimplemented
		// otherwise rather than silently truncating addresses.
		return 0, guestfault.New(guestfault.PageBadReservedBit, lin, "PAE/long-mode walk not supported by reference walker")
	}
	// CR0.WP=0 lets supervisor-mode writes through a read-only mapping;
	// user-mode writes are always subject to the PTE's RW bit.
	enforceRW := write && (user || gs.CR0&cr0WP != 0)
	return a.walk32(gs, uint32(lin), enforceRW, user, fetch)
}

// crossPageSplit splits [lin, lin+len) into same-page slices; each slice is
// an atomic unit only within its own page
func crossPageSplit(lin uint64, n int) [][2]uint64 {
	var out [][2]uint64
	remaining := uint64(n)
	cur := lin
	for remaining > 0 {
		pageEnd := (cur &^ 0xFFF) + 0x1000
		chunk := pageEnd - cur
		if chunk > remaining {
			chunk = remaining
		}
		out = append(out, [2]uint64{cur, chunk})
		cur += chunk
		remaining -= chunk
	}
	return out
}

// ReadLinearAddr reads len(buf) bytes starting at a guest linear address, via a
// software page-table walk, splitting across page boundaries as needed.
func (a *Accessor) ReadLinearAddr(gs GuestPagingState, lin uint64, buf []byte, user, fetch bool) error {
	for _, seg := range crossPageSplit(lin, len(buf)) {
		hphys, err := a.resolveLinear(gs, seg[0], false, user, fetch)
		if err != nil {
			return err
		}
		off := seg[0] - lin
		if err := a.readGPhys(hphys, buf[off:off+seg[1]]); err != nil {
			return err
		}
	}
	return nil
}

// WriteLinearAddr writes buf to a guest linear address, via a software
// page-table walk, splitting across page boundaries as needed.
func (a *Accessor) WriteLinearAddr(gs GuestPagingState, lin uint64, buf []byte, user bool) error {
	for _, seg := range crossPageSplit(lin, len(buf)) {
		hphys, err := a.resolveLinear(gs, seg[0], true, user, false)
		if err != nil {
			return err
		}
		off := seg[0] - lin
		if err := a.writeGPhys(hphys, buf[off:off+seg[1]]); err != nil {
			return err
		}
	}
	return nil
}

// ReadLinearAddrB and WriteLinearAddrB are single-byte convenience wrappers
// over ReadLinearAddr and WriteLinearAddr; no wider fixed-width wrappers exist.
func (a *Accessor) ReadLinearAddrB(gs GuestPagingState, lin uint64) (uint8, error) {
	var b [1]byte
	err := a.ReadLinearAddr(gs, lin, b[:], false, false)
	return b[0], err
}

func (a *Accessor) WriteLinearAddrB(gs GuestPagingState, lin uint64, v uint8) error {
	return a.WriteLinearAddr(gs, lin, []byte{v}, false)
}
