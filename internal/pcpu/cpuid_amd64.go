//go:build amd64

package pcpu

// cpuidRaw issues the real CPUID instruction (cpuid_amd64.s), the only
// userspace-safe way to query host huge-page support: CPUID leaves are
// readable from ring 3 under KVM, unlike RDMSR.
//
//go:noescape
func cpuidRaw(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
