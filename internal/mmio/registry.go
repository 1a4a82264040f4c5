// Package mmio maps guest-physical ranges to handler callbacks that
// observe or filter memory accesses reaching those ranges
package mmio

import (
	"fmt"
	"sort"
	"sync"
)

// Handler is invoked for the portion of an access that falls within a
// registered range. Returning true means the access was handled and should
// not fall through to real memory.
type Handler func(data any, gphys uint64, write bool, buf []byte, flags uint32) bool

const numBuckets = 17 // top nibble of a 36-bit gphys, bucket 16 = >4 GiB

// InvalidationSink is the one-way capability the paging engine registers so
// that MMIO registration/unregistration can invalidate cached second-level
// mappings without the MMIO registry ever calling back into paging through
// a cyclic reference.
type InvalidationSink interface {
	MMIOClear(gphysStart, length uint64)
}

// handle is the internal representation of a registered MMIO range.
type handle struct {
	gphysStart   uint64
	length       uint64
	handler      Handler
	data         any
	unlocked     bool
	unregistered bool
}

// Handle is the public, opaque token returned by Register.
type Handle struct{ h *handle }

// Registry is the shared, per-VM MMIO hook table. Access discipline is a
// reader/writer lock; unregistration is deferred until no reader holds the
// lock.
type Registry struct {
	mu      sync.RWMutex
	ordered []*handle // sorted by gphysStart
	buckets [numBuckets][]*handle

	invalidate InvalidationSink
}

// NewRegistry creates an empty registry. invalidate may be nil in tests that
// don't exercise second-level paging.
func NewRegistry(invalidate InvalidationSink) *Registry {
	return &Registry{invalidate: invalidate}
}

func bucketOf(gphys uint64) int {
	b := int(gphys >> 28) // 256 MiB buckets
	if b >= numBuckets-1 {
		return numBuckets - 1
	}
	return b
}

// overlaps reports whether [aStart,aStart+aLen) intersects [bStart,bStart+bLen).
func overlaps(aStart, aLen, bStart, bLen uint64) bool {
	return aStart < bStart+bLen && bStart < aStart+aLen
}

func (r *Registry) registerLocked(gphys, length uint64, fn Handler, data any, unlocked bool) (*Handle, error) {
	for _, existing := range r.ordered {
		if existing.unregistered {
			continue
		}
		if overlaps(gphys, length, existing.gphysStart, existing.length) {
			return nil, fmt.Errorf("mmio: range [0x%x,0x%x) overlaps existing handle [0x%x,0x%x)",
				gphys, gphys+length, existing.gphysStart, existing.gphysStart+existing.length)
		}
	}

	h := &handle{gphysStart: gphys, length: length, handler: fn, data: data, unlocked: unlocked}
	r.ordered = append(r.ordered, h)
	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].gphysStart < r.ordered[j].gphysStart })

	startBucket, endBucket := bucketOf(gphys), bucketOf(gphys+length-1)
	for b := startBucket; b <= endBucket; b++ {
		r.buckets[b] = append(r.buckets[b], h)
	}

	if r.invalidate != nil {
		r.invalidate.MMIOClear(gphys, length)
	}
	return &Handle{h: h}, nil
}

// Register maps [gphys, gphys+length) to fn; fails if the range overlaps
// any existing registered range. The handler must not suspend or re-enter
// the registry ; use RegisterUnlocked for that.
func (r *Registry) Register(gphys, length uint64, fn Handler, data any) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(gphys, length, fn, data, false)
}

// RegisterUnlocked is like Register, but the handler is permitted to
// suspend or call back into the registry: Registry.AccessMemory releases
// its reader lock before invoking an unlocked handler's body and reacquires
// it afterward.
func (r *Registry) RegisterUnlocked(gphys, length uint64, fn Handler, data any) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(gphys, length, fn, data, true)
}

// Unregister marks h unregistered; actual removal from the ordered/bucket
// lists is deferred until no reader holds the lock, then performed here
// under the writer lock. Taking the writer lock immediately blocks until
// in-flight readers finish, so no register/unregister races a live access.
func (r *Registry) Unregister(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.h.unregistered = true
	r.compact()
}

func (r *Registry) compact() {
	kept := r.ordered[:0]
	for _, h := range r.ordered {
		if !h.unregistered {
			kept = append(kept, h)
		}
	}
	r.ordered = kept
	for b := range r.buckets {
		keptB := r.buckets[b][:0]
		for _, h := range r.buckets[b] {
			if !h.unregistered {
				keptB = append(keptB, h)
			}
		}
		r.buckets[b] = keptB
	}
}

// AccessMemory walks each overlapping handle in gphys order, splitting the
// access into {before-range, in-range, after-range} per handle. It returns
// true iff at least one handler claimed (any part of) the access.
func (r *Registry) AccessMemory(gphys uint64, write bool, buf []byte, flags uint32) bool {
	length := uint64(len(buf))
	r.mu.RLock()

	startBucket, endBucket := bucketOf(gphys), bucketOf(gphys+length-1)
	seen := map[*handle]bool{}
	var candidates []*handle
	for b := startBucket; b <= endBucket; b++ {
		for _, h := range r.buckets[b] {
			if h.unregistered || seen[h] {
				continue
			}
			if overlaps(gphys, length, h.gphysStart, h.length) {
				seen[h] = true
				candidates = append(candidates, h)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].gphysStart < candidates[j].gphysStart })

	handled := false
	for _, h := range candidates {
		rangeStart := h.gphysStart
		rangeEnd := h.gphysStart + h.length

		sliceStart := uint64(0)
		if rangeStart > gphys {
			sliceStart = rangeStart - gphys
		}
		sliceEnd := length
		if rangeEnd < gphys+length {
			sliceEnd = rangeEnd - gphys
		}
		if sliceStart >= sliceEnd {
			continue
		}
		sub := buf[sliceStart:sliceEnd]
		subGphys := gphys + sliceStart

		if h.unlocked {
			// Drop the reader lock around the handler body so it may
			// suspend or re-enter the registry; the handle's range is not
			// considered unregistered until this call returns, because
			// Unregister blocks on the writer lock we are about to give up
			// and reacquire.
			r.mu.RUnlock()
			ok := h.handler(h.data, subGphys, write, sub, flags)
			r.mu.RLock()
			handled = handled || ok
		} else {
			ok := h.handler(h.data, subGphys, write, sub, flags)
			handled = handled || ok
		}
	}
	r.mu.RUnlock()
	return handled
}

// AccessPage reports whether the 4 KiB page containing gphys overlaps any
// registered handle. Second-level paging calls this on a translation fault
// to decide whether to install a direct mapping or fall back to the
// instruction interpreter for that page.
func (r *Registry) AccessPage(gphys uint64) (overlapsHandle bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pageStart := gphys &^ 0xFFF
	pageEnd := pageStart + 0x1000
	b := bucketOf(gphys)
	for _, h := range r.buckets[b] {
		if h.unregistered {
			continue
		}
		if overlaps(pageStart, pageEnd-pageStart, h.gphysStart, h.length) {
			return true
		}
	}
	return false
}
