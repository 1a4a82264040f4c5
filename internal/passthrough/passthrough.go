// Package passthrough implements the pass-through policy for CPUID, MSR,
// XSETBV and external interrupts: these guest operations are handed
// straight to the host except for a small set of bits the control layer
// must conceal or rewrite.
package passthrough

import "fmt"

// Config carries the handful of knobs that affect pass-through behavior.
type Config struct {
	ConcealHWFeedback  bool // vmm.conceal_hw_feedback
	LocalAPICIntercept bool // vmm.localapic_intercept
	NoIntrIntercept    bool // vmm.no_intr_intercept
}

// HostCPUID is the raw host CPUID leaf/subleaf query the policy filters.
type HostCPUID func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// CPUIDPass applies the CPUID pass-through policy: leaves are forwarded
// from the host, with HWP/ITD hardware-feedback bits in leaf 6 masked off
// when ConcealHWFeedback is set (these expose host power-management
// behavior the guest has no business observing).
type CPUIDPass struct {
	Host HostCPUID
	Cfg  Config
}

const (
	leafFeatures        = 0x01
	leafThermalAndPower = 0x06
	leafExtFeatures     = 0x07
	leafExtState        = 0x0D
	leafExtFunction     = 0x80000001
	leafExtAPMI         = 0x8000000A

	eaxHWPBit        = 1 << 7
	eaxHWFeedbackBit = 1 << 19

	ecxVMXBit  = 1 << 5  // leaf 1 ECX.VMX: nested virtualization, never exposed
	ecxPCIDBit = 1 << 17 // leaf 1 ECX.PCID: this core never manages PCID-tagged TLB entries

	ebxINVPCIDBit = 1 << 10 // leaf 7 subleaf 0 EBX.INVPCID: paired with PCID above

	// leaf 0x0D subleaf 0 EAX advertises which XCR0 bits the host can save;
	// only the x87/SSE/AVX state components this core actually context
	// switches are let through.
	eaxXSTATEMask = 0x7
)

// Filter applies the CPUID pass-through policy to one already-queried leaf,
// independent of where the raw values came from: a live CPUID instruction
// (Query, below) or a KVM_GET_SUPPORTED_CPUID entry filtered once at
// vCPU-creation time before KVM_SET_CPUID2 installs it.
func (c *CPUIDPass) Filter(leaf, subleaf, eax, ebx, ecx, edx uint32) (uint32, uint32, uint32, uint32) {
	switch leaf {
	case leafFeatures:
		ecx &^= ecxVMXBit | ecxPCIDBit
	case leafThermalAndPower:
		if c.Cfg.ConcealHWFeedback {
			eax &^= eaxHWPBit | eaxHWFeedbackBit
		}
	case leafExtFeatures:
		if subleaf == 0 {
			ebx &^= ebxINVPCIDBit
		}
	case leafExtState:
		if subleaf == 0 {
			eax &= eaxXSTATEMask
		}
	case leafExtFunction:
		// Passed through unchanged: EDX.LM stays set, since this core runs
		// only on 64-bit hosts.
	case leafExtAPMI:
		// leaf 0x8000_000A (SVM feature identification): EBX is the number of
		// ASIDs; one is kept back for the VMM when more than two exist.
		if ebx > 2 {
			ebx--
		}
	}
	return eax, ebx, ecx, edx
}

func (c *CPUIDPass) Query(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	eax, ebx, ecx, edx = c.Host(leaf, subleaf)
	return c.Filter(leaf, subleaf, eax, ebx, ecx, edx)
}

// MSRKind classifies an MSR for the pass-through table.
type MSRKind int

const (
	MSRForward MSRKind = iota // pass straight to host RDMSR/WRMSR
	MSRFault                  // not present on this platform; fault the guest
	MSRVirtualized            // control layer owns the value (not delegated here)
)

// msrTable is the narrow set of MSRs this layer must special-case; anything
// absent defaults to MSRForward (everything not listed passes through).
var msrTable = map[uint32]MSRKind{
	0x0000008B: MSRForward,     // IA32_BIOS_SIGN_ID (microcode revision readback)
	0x00000079: MSRVirtualized, // IA32_BIOS_UPDT_TRIG
	0x0000001B: MSRVirtualized, // IA32_APIC_BASE: localapic_intercept owns this
	0x17D0:     MSRForward,     // IA32_HW_FEEDBACK_PTR: forwarded raw; leaf-6 CPUID bit concealment (not this MSR) is what hides HWP from a guest that never sees the enumeration bit in the first place
	0x00000DA0: MSRForward,     // MSR_IA32_XSS: supervisor extended state enable; forwarded so a guest that probes it sees the host's real value
}

// HostMSR performs the real RDMSR/WRMSR the control layer delegates to.
type HostMSR interface {
	Read(index uint32) (uint64, error)
	Write(index uint32, value uint64) error
}

// MSRPass implements the MSR pass-through/fault/virtualize policy.
type MSRPass struct {
	Host HostMSR
	Cfg  Config

	// MicrocodeStallWorkaround, when non-nil, is invoked before issuing
	// IA32_BIOS_UPDT_TRIG: some Broadwell steppings require the requesting
	// core to be otherwise idle during the update or the write silently
	// fails, so the caller must quiesce the other logical CPUs first.
	// Preserved unconditionally, not gated behind a model check.
	MicrocodeStallWorkaround func()
}

func (m *MSRPass) kind(index uint32) MSRKind {
	if k, ok := msrTable[index]; ok {
		return k
	}
	return MSRForward
}

func (m *MSRPass) Read(index uint32) (uint64, error) {
	switch m.kind(index) {
	case MSRFault:
		return 0, fmt.Errorf("passthrough: MSR 0x%x not present", index)
	case MSRVirtualized:
		return 0, fmt.Errorf("passthrough: MSR 0x%x is virtualized, not delegated to host read", index)
	default:
		return m.Host.Read(index)
	}
}

const msrMicrocodeTrigger = 0x00000079

func (m *MSRPass) Write(index uint32, value uint64) error {
	switch m.kind(index) {
	case MSRFault:
		return fmt.Errorf("passthrough: MSR 0x%x not present", index)
	case MSRVirtualized:
		if index == msrMicrocodeTrigger {
			if m.MicrocodeStallWorkaround != nil {
				m.MicrocodeStallWorkaround()
			}
			return m.Host.Write(index, value)
		}
		return fmt.Errorf("passthrough: MSR 0x%x is virtualized, not delegated to host write", index)
	default:
		return m.Host.Write(index, value)
	}
}

// XSETBVPass forwards XSETBV to the host after validating the requested
// bits against the host's XCR0 capability mask, since the guest-visible
// XCR0 must never exceed what the host CPU (and KVM's exposed feature set)
// actually supports.
type XSETBVPass struct {
	HostXCR0Mask uint64
}

func (x *XSETBVPass) Validate(requested uint64) error {
	if requested&^x.HostXCR0Mask != 0 {
		return fmt.Errorf("passthrough: XSETBV requests bits outside host XCR0 mask: %#x", requested&^x.HostXCR0Mask)
	}
	if requested&1 == 0 {
		return fmt.Errorf("passthrough: XSETBV must set x87 state bit")
	}
	return nil
}

// InterruptPolicy implements the default external-interrupt pass-through
// decision: deliver whenever the guest's IF is set and no interrupt-window
// exit is pending, unless NoIntrIntercept suppresses interception entirely
// (diagnostic/benchmark mode).
type InterruptPolicy struct {
	Cfg Config
}

func (p *InterruptPolicy) ShouldIntercept(guestIF bool, windowOpen bool) bool {
	if p.Cfg.NoIntrIntercept {
		return false
	}
	return guestIF && windowOpen
}
