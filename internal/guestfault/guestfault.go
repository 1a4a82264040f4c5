// Package guestfault defines the closed taxonomy of faults that can occur
// while walking guest-visible state: page tables, segment descriptors, and
// MSRs. Routines in guestmem, paging, and interp return these unchanged; the
// vendor dispatcher in vmexit is the only place that converts them into
// event injections or a panic.
package guestfault

// Kind enumerates the fault classes shared across the guest-memory walker,
// the shadow-paging fault handler, and the instruction interpreter.
type Kind int

const (
	// PageNotPresent means no valid translation exists for the address.
	PageNotPresent Kind = iota
	// PageNotAccessible means a translation exists but RW/US permissions refuse the access.
	PageNotAccessible
	// PageBadReservedBit means a reserved bit was set in a page-table entry.
	PageBadReservedBit
	// PageNotExecutable means the NX bit refused an instruction fetch.
	PageNotExecutable
	// GuestSegNotPresent means a segment descriptor's Present bit was clear.
	GuestSegNotPresent
	// InvalidGuestSeg means a segment selector or descriptor was malformed.
	InvalidGuestSeg
	// InstructionTooLong means decode exceeded the 15-byte instruction length limit.
	InstructionTooLong
	// UnsupportedOpcode means the interpreter has no decode table entry for this byte sequence.
	UnsupportedOpcode
	// UnimplementedOpcode means the opcode is recognized but not yet emulated.
	UnimplementedOpcode
	// MsrFault means a RDMSR/WRMSR raised #GP on the host.
	MsrFault
	// NoMem means an internal allocation (shadow page, pool slot) failed.
	NoMem
	// AvoidCompilerWarning is a placeholder terminal case; it is never returned
	// in practice but keeps exhaustive switches total without a default arm
	// that would silently swallow a newly added Kind.
	AvoidCompilerWarning
)

func (k Kind) String() string {
	switch k {
	case PageNotPresent:
		return "page-not-present"
	case PageNotAccessible:
		return "page-not-accessible"
	case PageBadReservedBit:
		return "page-bad-reserved-bit"
	case PageNotExecutable:
		return "page-not-executable"
	case GuestSegNotPresent:
		return "guest-seg-not-present"
	case InvalidGuestSeg:
		return "invalid-guest-seg"
	case InstructionTooLong:
		return "instruction-too-long"
	case UnsupportedOpcode:
		return "unsupported-opcode"
	case UnimplementedOpcode:
		return "unimplemented-opcode"
	case MsrFault:
		return "msr-fault"
	case NoMem:
		return "no-mem"
	default:
		return "avoid-compiler-warning"
	}
}

// Error wraps a Kind with the address or context that produced it.
type Error struct {
	Kind    Kind
	Addr    uint64
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

// New constructs a guest fault Error.
func New(kind Kind, addr uint64, detail string) *Error {
	return &Error{Kind: kind, Addr: addr, Detail: detail}
}

// Fatal reports whether the dispatcher must treat this fault as unrecoverable
// (panic) rather than inject it as a guest architectural event
func (e *Error) Fatal() bool {
	switch e.Kind {
	case InstructionTooLong, UnsupportedOpcode, UnimplementedOpcode, NoMem, AvoidCompilerWarning:
		return true
	default:
		return false
	}
}

// PageFaultErrorCode computes the x86 #PF error code bits (P, W/R, U/S, RSVD, I/D)
// for the given Kind, write/user/fetch context. Only page-fault-shaped Kinds
// are meaningful; callers must not invoke this for non-page Kinds.
func PageFaultErrorCode(kind Kind, write, user, fetch bool) uint32 {
	var code uint32
	if kind != PageNotPresent {
		code |= 1 << 0 // P
	}
	if write {
		code |= 1 << 1 // W/R
	}
	if user {
		code |= 1 << 2 // U/S
	}
	if kind == PageBadReservedBit {
		code |= 1 << 3 // RSVD
	}
	if fetch || kind == PageNotExecutable {
		code |= 1 << 4 // I/D
	}
	return code
}
