package apbringup

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/coreshim/vmmcore/internal/pcpu"
)

// Trampoline models the shared state the real INIT/SIPI protocol uses to
// coordinate BSP and APs: a fixed low-memory trampoline page (out of scope
// here — owned by the boot loader) and the counter/lock pair
// the BSP polls while APs enter it
type Trampoline struct {
	mu          sync.Mutex
	enteredAPs  int32
	wantAPs     int32
}

// StartAllProcessors starts NumCPU()-1 application processors plus the
// calling goroutine as the BSP. The BSP arrives at bspInitProc on a fresh
// stack; each AP arrives at apInitProc on its own fresh stack. In this
// userspace-over-KVM core, "fresh stack" and "INIT/SIPI" are realized as one
// locked OS thread per logical processor; the actual assertion of the
// INIT/STARTUP IPI sequence over the local APIC is owned by the boot loader.
func StartAllProcessors(numCPUs int, bspInitProc func(*pcpu.PCPU, *SyncBarrier), apInitProc func(*pcpu.PCPU, *SyncBarrier)) error {
	if numCPUs <= 0 {
		numCPUs = runtime.NumCPU()
	}

	barrier := NewSyncBarrier(numCPUs)
	tramp := &Trampoline{wantAPs: int32(numCPUs - 1)}

	var wg sync.WaitGroup
	for i := 1; i < numCPUs; i++ {
		wg.Add(1)
		go func(cpunum int) {
			runtime.LockOSThread()
			defer wg.Done()
			if err := apinitproc1(tramp, cpunum, barrier, apInitProc); err != nil {
				// An AP that fails to bring up cannot participate in the
				// barrier it was counted for; callers must treat this as fatal.
				panic(fmt.Sprintf("apbringup: AP %d failed to initialize: %v", cpunum, err))
			}
		}(i)
	}

	// The BSP runs the same segment-init step as the APs on its own locked
	// thread; it does not pass through the trampoline and is not counted
	// against wantAPs.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	bcpu, _, err := pcpu.SegmentInitAP(0)
	if err != nil {
		return fmt.Errorf("apbringup: BSP segment init failed: %w", err)
	}
	bspInitProc(bcpu, barrier)

	wg.Wait()
	return nil
}

// apinitproc1 is the AP-side trampoline handler: acquire the trampoline
// lock, account for this AP's arrival, release the lock, initialize this
// processor's segment/interrupt/per-PCPU state, then call the supplied AP
// init function.
func apinitproc1(t *Trampoline, cpunum int, barrier *SyncBarrier, apInitProc func(*pcpu.PCPU, *SyncBarrier)) error {
	t.mu.Lock()
	atomic.AddInt32(&t.enteredAPs, 1)
	t.mu.Unlock()

	p, _, err := pcpu.SegmentInitAP(cpunum)
	if err != nil {
		return err
	}

	apInitProc(p, barrier)
	return nil
}

// EnteredAPs reports how many APs have passed through the trampoline so
// far, for comparison against WantAPs. StartAllProcessors itself waits for
// its APs on a WaitGroup rather than polling this counter.
func (t *Trampoline) EnteredAPs() int32 { return atomic.LoadInt32(&t.enteredAPs) }

// WantAPs is the expected AP count for this boot.
func (t *Trampoline) WantAPs() int32 { return t.wantAPs }
