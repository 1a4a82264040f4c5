// Package paging maintains second-level address translation: either
// hardware nested page tables (EPT on VT-x, NPT on SVM) or software shadow
// page tables
package paging

import (
	"github.com/coreshim/vmmcore/internal/cachetype"
	"github.com/coreshim/vmmcore/internal/guestmem"
)

// PageSize enumerates the sizes a second-level mapping may install.
type PageSize int

const (
	Size4K PageSize = 1 << 12
	Size2M PageSize = 1 << 21
	Size1G PageSize = 1 << 30
)

// HostHugePageSupport reports which large-page sizes the host CPU (CPUID)
// advertises, consulted by the fault handler's page-size selection.
type HostHugePageSupport struct {
	Supports2M bool
	Supports1G bool
}

// SecondLevel is the interface both the nested-paging and shadow-paging
// strategies satisfy, selected once per vCPU at construction time based on
// hardware nested-paging availability
type SecondLevel interface {
	// Fault handles a second-level/shadow page fault for gphys (EPT
	// violation / NPT fault / #PF), returning whether it installed a
	// mapping, and if not, whether the interpreter should be invoked
	// (mayEmulate path).
	Fault(gphys uint64, write, user, fetch bool, mayEmulate bool) (installed bool, invokeInterp bool, err error)

	// InvalidatePage removes any mapping for the page containing gphys
	// (INVLPG on an SPT vCPU; a no-op on nested paging, which tears down
	// entries lazily on the next fault instead).
	InvalidatePage(gphys uint64)

	// Reset clears all non-global entries, used on MOV-to-CR3 .
	Reset()
}

// MMIOClearFunc is the function form of the MMIOClear method both strategies
// implement for mmio.InvalidationSink; the registry calls its sink under the
// writer lock, never the reverse.
type MMIOClearFunc func(gphysStart, length uint64)

// sharedDeps bundles the collaborators every second-level strategy needs.
type sharedDeps struct {
	mem   *guestmem.Accessor
	cache *cachetype.Context
	hw    HostHugePageSupport
}
