package paging

import (
	"fmt"

	"github.com/coreshim/vmmcore/internal/cachetype"
	"github.com/coreshim/vmmcore/internal/guestmem"
	"github.com/coreshim/vmmcore/internal/mmio"
)

const maxNestedTables = 256 // default pool size

// nestedTable is one page-sized table in the nested-paging pool.
type nestedTable struct {
	entries [512]uint64
}

// Entry bit layout mirrors EPT/NPT: bit0 R, bit1 W, bit2 X, bits 3-5 memory
// type (EPT) / ignored on NPT, bit7 page-size (for PDE/PDPTE levels).
const (
	npR    = 1 << 0
	npW    = 1 << 1
	npX    = 1 << 2
	npPS   = 1 << 7
	npTypeShift = 3
)

// NestedPaging implements the hardware-second-level-table strategy (EPT on
// VT-x, NPT on SVM). The pool is allocated lazily; a free counter grows
// monotonically until exhausted, at which point the root is cleared and a
// TLB invalidation is broadcast.
type NestedPaging struct {
	deps sharedDeps

	root   *nestedTable
	pool   []*nestedTable
	free   int // next unused pool slot

	mmioHook *mmio.Registry
	invalidateTLB func() // INVEPT (VT) / tlb_control=Flush (SVM)
}

// NewNestedPaging constructs an empty nested-paging context.
func NewNestedPaging(mem *guestmem.Accessor, cache *cachetype.Context, hw HostHugePageSupport, mmioHook *mmio.Registry, invalidateTLB func()) *NestedPaging {
	return &NestedPaging{
		deps:          sharedDeps{mem: mem, cache: cache, hw: hw},
		root:          &nestedTable{},
		mmioHook:      mmioHook,
		invalidateTLB: invalidateTLB,
	}
}

// allocTable returns a fresh table and its pool index, used to encode
// parent→child references without a real host physical address (this
// Go-hosted model never needs silicon to walk these tables).
func (n *NestedPaging) allocTable() (idx int, err error) {
	if n.free >= maxNestedTables {
		n.rebuildPool()
	}
	if n.free >= len(n.pool) {
		n.pool = append(n.pool, &nestedTable{})
	}
	idx = n.free
	*n.pool[idx] = nestedTable{}
	n.free++
	return idx, nil
}

// rebuildPool handles pool exhaustion: clear the root, return all tables to
// the pool, and broadcast an invalidation.
func (n *NestedPaging) rebuildPool() {
	n.root = &nestedTable{}
	n.free = 0
	if n.invalidateTLB != nil {
		n.invalidateTLB()
	}
}

// chooseSize picks the largest page size that the host huge-page support,
// MMIO layout, and host-physical contiguity all permit.
func (n *NestedPaging) chooseSize(gphys uint64, requested PageSize) PageSize {
	size := requested
	for size > Size4K {
		if size == Size1G && !n.deps.hw.Supports1G {
			size = Size2M
			continue
		}
		if size == Size2M && !n.deps.hw.Supports2M {
			size = Size4K
			continue
		}
		base := gphys &^ (uint64(size) - 1)
		if n.mmioHook != nil && n.mmioHook.AccessPage(base) {
			// MMIO overlap forces a smaller page
			size = smallerSize(size)
			continue
		}
		if _, _, ok := n.deps.mem.Mapper.GP2HP(base); !ok || !contiguousHostRegion(n.deps.mem.Mapper, base, size) {
			size = smallerSize(size)
			continue
		}
		if !cachetype.MTRRTypeEqual(base, n.deps.cache, uint64(size)-1) {
			size = smallerSize(size)
			continue
		}
		break
	}
	return size
}

func smallerSize(s PageSize) PageSize {
	switch s {
	case Size1G:
		return Size2M
	case Size2M:
		return Size4K
	default:
		return Size4K
	}
}

// contiguousHostRegion reports whether the guest-to-host mapper yields a
// contiguous host-physical region of size bytes starting at base. A large
// guest page can only be backed by a large host page when this holds.
func contiguousHostRegion(m guestmem.Mapper, base uint64, size PageSize) bool {
	first, _, ok := m.GP2HP(base)
	if !ok {
		return false
	}
	// A FlatMapper is identity-mapped by construction, so contiguity holds
	// iff every 4 KiB page in the range maps and stays contiguous.
	for off := uint64(Size4K); off < uint64(size); off += uint64(Size4K) {
		h, _, ok := m.GP2HP(base + off)
		if !ok || h != first+off {
			return false
		}
	}
	return true
}

// Fault implements this fault-handler contract
// (vt_ept_violation / svm_np_pagefault).
func (n *NestedPaging) Fault(gphys uint64, write, user, fetch bool, mayEmulate bool) (bool, bool, error) {
	base4k := gphys &^ 0xFFF
	if n.mmioHook != nil && n.mmioHook.AccessPage(base4k) {
		if mayEmulate {
			return false, true, nil
		}
		return false, false, fmt.Errorf("paging: MMIO overlap at 0x%x and may_emulate=false is fatal", gphys)
	}

	size := n.chooseSize(gphys, Size1G)
	base := gphys &^ (uint64(size) - 1)

	hphys, fakeROM, ok := n.deps.mem.Mapper.GP2HP(base)
	if !ok {
		return false, false, fmt.Errorf("paging: gp2hp miss at 0x%x", base)
	}

	mtype := cachetype.GetMTRRType(base, n.deps.cache, false)
	entry := (hphys &^ (uint64(size) - 1)) | npR | npX | uint64(mtype)<<npTypeShift
	if !fakeROM {
		entry |= npW
	}
	if size != Size4K {
		entry |= npPS
	}

	if err := n.install(base, size, entry); err != nil {
		return false, false, err
	}
	return true, false, nil
}

// install walks/allocates tables down to the leaf for [base,base+size) and
// writes entry, allocating from the lazy pool as needed.
func (n *NestedPaging) install(base uint64, size PageSize, entry uint64) error {
	levels := levelsFor(size)
	table := n.root
	for l := 3; l > levels; l-- {
		idx := (base >> (12 + 9*uint(l))) & 0x1FF
		if table.entries[idx]&npR == 0 {
			childIdx, err := n.allocTable()
			if err != nil {
				return err
			}
			table.entries[idx] = (uint64(childIdx) << 12) | npR | npW | npX
		}
		table = n.tableAt(table.entries[idx])
	}
	idx := (base >> (12 + 9*uint(levels))) & 0x1FF
	table.entries[idx] = entry
	return nil
}

func levelsFor(size PageSize) int {
	switch size {
	case Size1G:
		return 2
	case Size2M:
		return 1
	default:
		return 0
	}
}

// tableAt resolves a parent entry's child-table pointer back to the pool
// slot it was allocated from.
func (n *NestedPaging) tableAt(entry uint64) *nestedTable {
	idx := int(entry >> 12)
	if idx < len(n.pool) {
		return n.pool[idx]
	}
	return n.root
}

// InvalidatePage is a no-op for nested paging; the second-level table entry
// for a single page is torn down lazily on the next fault instead.
func (n *NestedPaging) InvalidatePage(gphys uint64) {}

// Reset clears the entire nested table set and rebroadcasts an invalidation,
// used when the guest reconfigures CR3 ; nested paging does not
// shadow CR3 itself, but external invalidation (mmioclr) reuses this path.
func (n *NestedPaging) Reset() {
	n.rebuildPool()
}

// MMIOClear implements mmio.InvalidationSink: whenever a physical page is
// reclaimed or remapped, clear any nested-table entries pointing into it and
// broadcast an INVEPT/TLB-flush.
func (n *NestedPaging) MMIOClear(gphysStart, length uint64) {
	n.rebuildPool()
}
