// Package apbringup brings up application processors and provides the
// cross-processor synchronization barrier used by MTRR/PAT reconfiguration
// and panic paths
package apbringup

import (
	"sync"
	"sync/atomic"
)

// SyncBarrier is a single-round cooperative rendezvous over N processors. A
// round advances sync_id only when sync_count reaches the expected
// participant count, and every caller that enters also leaves. This
// spinlock is the innermost lock in the system: no other lock may be held
// while waiting on it.
type SyncBarrier struct {
	expected int32

	mu        sync.Mutex // guards count within a round
	count     int32
	syncID    int32 // advanced with atomic CAS once count reaches expected
}

// NewSyncBarrier creates a barrier for exactly n cooperating processors.
func NewSyncBarrier(n int) *SyncBarrier {
	return &SyncBarrier{expected: int32(n)}
}

// SyncAllProcessors blocks the calling processor until every one of the
// barrier's participants has called it for the current round, then returns.
// Memory ordering: the CAS that advances syncID happens-before any load a
// post-barrier caller performs (Go's atomic CAS provides a release/acquire
// pair across all callers observing the new syncID).
func (b *SyncBarrier) SyncAllProcessors() {
	target := atomic.LoadInt32(&b.syncID) + 1

	b.mu.Lock()
	b.count++
	last := b.count == b.expected
	if last {
		b.count = 0
	}
	b.mu.Unlock()

	if last {
		atomic.CompareAndSwapInt32(&b.syncID, target-1, target)
		return
	}

	// Later arrivers spin on a CAS-observable syncID until the last
	// arriver publishes the new round.
	for atomic.LoadInt32(&b.syncID) != target {
		// deliberately busy; the barrier is expected to be short-lived,
		// covering a handful of MTRR-reload steps at most.
	}
}
