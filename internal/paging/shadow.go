package paging

import (
	"sync"

	"github.com/coreshim/vmmcore/internal/cachetype"
	"github.com/coreshim/vmmcore/internal/guestfault"
	"github.com/coreshim/vmmcore/internal/guestmem"
	"github.com/coreshim/vmmcore/internal/mmio"
)

const shadowRingSize = 2048 // tunable pool of shadow1/shadow2 pages

// shadowPage is one page-table-sized shadow page, tagged with a key
// computed as (gfn << 12) | (2-to-3 bits) | glevels | largepage_bit.
type shadowPage struct {
	key     uint64
	entries [1024]uint32 // 32-bit non-PAE shadow entries, matching guestmem's walk32
	inUse   bool
}

// rwMapEntry records which host PTEs currently grant write access to which
// guest frames, so they can be downgraded when a frame becomes a
// page-table shadow target.
type rwMapEntry struct {
	gfn       uint64
	tableKey  uint64
	tableSlot int
}

// ShadowPaging is a software second-level paging strategy: a CR3-root
// table, a fixed-size pool of shadow pages handed out in index order from
// freeStart, and a per-vCPU RW-map. normalStart/modifiedEnd bound a
// "modified" region that allocation never advances, so every lookup hit is
// counted in FoundNormal and FoundModified stays 0.
type ShadowPaging struct {
	deps sharedDeps

	root *shadowPage

	ring       [shadowRingSize]shadowPage
	freeStart  int // next unallocated slot; [freeStart, shadowRingSize) is free
	normalStart int // start of the "modified" region (modifiedStart); only ever reset to 0
	modifiedEnd int // end of the "modified" region [modifiedStart, modifiedEnd); only ever reset to 0
	byKey      map[uint64]int // key -> ring index, for found-in-normal/modified lookup

	rwMapMu sync.Mutex
	rwMap   []rwMapEntry

	mmioHook *mmio.Registry

	FoundModified int
	FoundNormal   int
	Allocated     int

	// peers lists every other vCPU's ShadowPaging, consulted by the
	// cross-vCPU downgrade rule; locks are acquired in a fixed vcpu0 -> vcpuN
	// order across all peers to avoid deadlock.
	peers []*ShadowPaging
	peerMu sync.Mutex
}

// NewShadowPaging constructs an empty software-paging context.
func NewShadowPaging(mem *guestmem.Accessor, cache *cachetype.Context, mmioHook *mmio.Registry) *ShadowPaging {
	return &ShadowPaging{
		deps:        sharedDeps{mem: mem, cache: cache},
		root:        &shadowPage{},
		normalStart: 0,
		modifiedEnd: 0,
		byKey:       map[uint64]int{},
		mmioHook:    mmioHook,
	}
}

// SetPeers registers the other vCPUs' shadow-paging contexts so the
// write-downgrade rule can scan them. Call once at VM setup, vcpu0 first, to
// keep lock acquisition order consistent across vCPUs.
func (s *ShadowPaging) SetPeers(peers []*ShadowPaging) { s.peers = peers }

func shadowKey(gfn uint64, twoToThreeBits, glevels uint64, largePage bool) uint64 {
	k := (gfn << 12) | (twoToThreeBits << 8) | (glevels << 4)
	if largePage {
		k |= 1
	}
	return k
}

// allocShadowPage finds an existing shadow page for key (found-in-modified
// or found-in-normal), or allocates a new one from the ring buffer's free
// region. When the buffer is exhausted, the entire CR3 table is cleared and
// a full TLB flush is forced
func (s *ShadowPaging) allocShadowPage(key uint64) *shadowPage {
	if idx, ok := s.byKey[key]; ok {
		if idx >= s.modifiedStart() && idx < s.modifiedEnd {
			s.FoundModified++
		} else {
			s.FoundNormal++
		}
		return &s.ring[idx]
	}

	if s.freeStart >= shadowRingSize {
		s.forceFullFlush()
	}
	idx := s.freeStart
	s.freeStart++
	s.ring[idx] = shadowPage{key: key, inUse: true}
	s.byKey[key] = idx
	s.Allocated++
	return &s.ring[idx]
}

func (s *ShadowPaging) modifiedStart() int { return s.normalStart }

// forceFullFlush clears the entire CR3 table and resets the ring-buffer
// indices, used when the shadow-page pool is exhausted
func (s *ShadowPaging) forceFullFlush() {
	s.root = &shadowPage{}
	s.freeStart, s.normalStart, s.modifiedEnd = 0, 0, 0
	s.byKey = map[uint64]int{}
}

// walkGuestResult classifies the outcome of one guest page-table walk.
type walkGuestResult struct {
	kind   guestfault.Kind
	ok     bool
	pteAddr uint64
	pte     uint32
	write, user, exec bool
}

func (s *ShadowPaging) walkGuest(gs guestmem.GuestPagingState, lin uint64, write, user, fetch bool) walkGuestResult {
	// Delegates to the guestmem accessor's own walk, reusing its
	// reserved-bit and access-rights checking rather than duplicating it.
	_, err := s.deps.mem.ReadLinearAddrB(gs, lin &^ 0xFFF) // touch path to materialize any fault
	if err == nil {
		pdIndex := uint32(lin) >> 22
		ptIndex := (uint32(lin) >> 12) & 0x3FF
		pdeAddr := gs.CR3&^0xFFF + uint64(pdIndex)*4
		pde, _ := s.deps.mem.ReadGPhysL(pdeAddr)
		pteAddr := uint64(pde&^0xFFF) + uint64(ptIndex)*4
		pte, _ := s.deps.mem.ReadGPhysL(pteAddr)
		return walkGuestResult{ok: true, pteAddr: pteAddr, pte: pte, write: write, user: user, exec: fetch}
	}
	gf, ok := err.(*guestfault.Error)
	if !ok {
		return walkGuestResult{kind: guestfault.NoMem}
	}
	return walkGuestResult{kind: gf.Kind}
}

// Fault handles a second-level page fault at gphys against the shadow tables.
func (s *ShadowPaging) Fault(gphys uint64, write, user, fetch bool, mayEmulate bool) (bool, bool, error) {
	return s.FaultLinear(guestmem.GuestPagingState{}, gphys, write, user, fetch, mayEmulate)
}

// FaultLinear is the full SPT fault entry point, taking the guest paging
// state needed to walk guest page tables (the plain Fault method above
// satisfies paging.SecondLevel for callers that only have a guest-physical
// address already resolved by hardware, e.g. nested-paging parity tests).
func (s *ShadowPaging) FaultLinear(gs guestmem.GuestPagingState, lin uint64, write, user, fetch bool, mayEmulate bool) (bool, bool, error) {
	res := s.walkGuest(gs, lin, write, user, fetch)
	if !res.ok {
		// Steps 1-2: synthesize a guest #PF with the appropriate error-code bits.
		return false, false, guestfault.New(res.kind, lin, "guest page-table walk failed")
	}

	gfn := uint64(res.pte&^0xFFF) >> 12
	if s.mmioHook != nil && s.mmioHook.AccessPage(gfn<<12) {
		// step 3: MMIO page — the MMIO layer has already handled or will
		// handle the access; do nothing further here.
		if mayEmulate {
			return false, true, nil
		}
		return false, false, nil
	}

	s.installShadowMapping(lin, gfn, res.write, res.user, res.exec)
	return true, false, nil
}

// installShadowMapping walks/allocates the directory and leaf shadow pages
// for lin and writes the leaf PTE for gfn.
func (s *ShadowPaging) installShadowMapping(lin, gfn uint64, write, user, exec bool) {
	pdIndex := (lin >> 22) & 0x3FF
	key := shadowKey(gfn>>10, 0, 2, false) // directory-level key for this PD slot

	if s.root.entries[pdIndex] == 0 {
		sp := s.allocShadowPage(key)
		s.root.entries[pdIndex] = uint32(shadowPtrOf(sp)) | pteP | pteRW | pteUS
	}
	dirSlot := s.pageForEntry(s.root.entries[pdIndex])

	leafKey := shadowKey(gfn, 0, 1, false)
	leaf := s.allocShadowPage(leafKey)

	ptIndex := (lin >> 12) & 0x3FF
	flags := uint32(pteP)
	if write {
		flags |= pteRW
		s.recordWritableMapping(gfn, leafKey, int(ptIndex))
		s.downgradePeerWritableMappings(gfn)
	}
	if user {
		flags |= pteUS
	}
	patBits := s.patBitsFor(gfn << 12)
	leaf.entries[ptIndex] = uint32(gfn<<12) | flags | patBits
	dirSlot.entries[ptIndex] = uint32(shadowPtrOf(leaf)) | pteP | pteRW | pteUS
}

// patBitsFor derives the PAT/PCD/PWT bits to stamp into a shadow leaf entry
// from the current MTRR/PAT classification of gphys.
func (s *ShadowPaging) patBitsFor(gphys uint64) uint32 {
	t := cachetype.GetMTRRType(gphys, s.deps.cache, false)
	switch t {
	case cachetype.TypeUC:
		return pteCacheDisable
	case cachetype.TypeWT:
		return pteWriteThrough
	default:
		return 0 // WB
	}
}

const (
	pteP            = 1 << 0
	pteRW           = 1 << 1
	pteUS           = 1 << 2
	pteCacheDisable = 1 << 4
	pteWriteThrough = 1 << 3
)

// shadowPtrOf returns an opaque identifier for sp usable as a parent-entry
// pointer; the shadow page's key is stable for its lifetime in the ring.
func shadowPtrOf(sp *shadowPage) uint64 { return sp.key }

func (s *ShadowPaging) pageForEntry(entry uint32) *shadowPage {
	key := uint64(entry &^ 0xFFF)
	if idx, ok := s.byKey[key]; ok {
		return &s.ring[idx]
	}
	return s.root
}

// recordWritableMapping appends an entry to the RW-map under this vCPU's
// own lock.
func (s *ShadowPaging) recordWritableMapping(gfn, tableKey uint64, slot int) {
	s.rwMapMu.Lock()
	defer s.rwMapMu.Unlock()
	s.rwMap = append(s.rwMap, rwMapEntry{gfn: gfn, tableKey: tableKey, tableSlot: slot})
}

// downgradePeerWritableMappings implements cross-vCPU coordination: whenever
// a guest frame becomes the target of a writable shadow PTE, all other
// vCPUs must drop their writable mappings to that frame. Locks are acquired
// in vcpu0 -> vcpuN order.
func (s *ShadowPaging) downgradePeerWritableMappings(gfn uint64) {
	for _, peer := range s.peers {
		if peer == s {
			continue
		}
		peer.rwMapMu.Lock()
		kept := peer.rwMap[:0]
		for _, e := range peer.rwMap {
			if e.gfn == gfn {
				if idx, ok := peer.byKey[e.tableKey]; ok {
					peer.ring[idx].entries[e.tableSlot] &^= pteRW
				}
				continue
			}
			kept = append(kept, e)
		}
		peer.rwMap = kept
		peer.rwMapMu.Unlock()
	}
}

// InvalidatePage invalidates the shadow leaf for gphys
func (s *ShadowPaging) InvalidatePage(gphys uint64) {
	pdIndex := (gphys >> 22) & 0x3FF
	entry := s.root.entries[pdIndex]
	if entry == 0 {
		return
	}
	dir := s.pageForEntry(entry)
	ptIndex := (gphys >> 12) & 0x3FF
	dir.entries[ptIndex] = 0
}

// Reset clears all shadow non-global entries and flushes the RW-map, the
// behavior a MOV-to-CR3 with a changed CR3 value requires. The effective WP
// bit is left to the caller, which owns CR0.
func (s *ShadowPaging) Reset() {
	s.root = &shadowPage{}
	s.rwMapMu.Lock()
	s.rwMap = nil
	s.rwMapMu.Unlock()
}

// MMIOClear implements mmio.InvalidationSink for the shadow strategy: an
// MMIO region registering/unregistering invalidates any shadow leaf
// overlapping it, since a future access must re-fault into the (now
// correctly classified) MMIO or memory path.
func (s *ShadowPaging) MMIOClear(gphysStart, length uint64) {
	for gphys := gphysStart &^ 0xFFF; gphys < gphysStart+length; gphys += 0x1000 {
		s.InvalidatePage(gphys)
	}
}
