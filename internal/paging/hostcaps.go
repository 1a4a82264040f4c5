package paging

import (
	"os"
	"strings"

	"github.com/coreshim/vmmcore/internal/pcpu"
)

const (
	cpuidLeafFeatures    = 0x00000001
	cpuidEDXPAE          = 1 << 6
	cpuidLeafExtFeatures = 0x80000001
	cpuidEDXPage1GB      = 1 << 26
)

// DetectHostHugePageSupport queries the host CPU directly (not an assumed
// baseline) for the two huge-page sizes second-level paging's chooseSize
// consults. 2M support is read off the PAE bit: a PDE's PS bit only yields a
// 2M mapping under PAE/long-mode paging, so PAE is the CPUID-visible proxy
// for it. 1G support is the dedicated Page1GB leaf.
func DetectHostHugePageSupport() HostHugePageSupport {
	_, _, _, edx1 := pcpu.CPUID(cpuidLeafFeatures, 0)
	_, _, _, edxExt := pcpu.CPUID(cpuidLeafExtFeatures, 0)
	return HostHugePageSupport{
		Supports2M: edx1&cpuidEDXPAE != 0,
		Supports1G: edxExt&cpuidEDXPage1GB != 0,
	}
}

// hardwareNestedPagingSysfs are the kernel module parameters reporting
// whether KVM's in-kernel EPT (Intel) or NPT (AMD) is actually enabled; the
// CPU can advertise VT-x/SVM while the kvm_intel/kvm_amd module still has the
// feature disabled (nested-virt workarounds, erratum mitigations), so the
// sysfs knob is the only authoritative answer.
var hardwareNestedPagingSysfs = []string{
	"/sys/module/kvm_intel/parameters/ept",
	"/sys/module/kvm_amd/parameters/npt",
}

// HardwareNestedPagingActive reports whether the running kernel has hardware
// second-level paging enabled, consulted once at VM construction to choose
// between NewNestedPaging and NewShadowPaging.
func HardwareNestedPagingActive() bool {
	for _, path := range hardwareNestedPagingSysfs {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(string(data)) {
		case "Y", "1":
			return true
		}
	}
	return false
}
