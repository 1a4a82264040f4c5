package vmexit

import "fmt"

// HostMSRAdapter satisfies passthrough.HostMSR over one vCPU's KVM_GET_MSRS/
// KVM_SET_MSRS ioctls, the real RDMSR/WRMSR a MSRPass delegates to once its
// own table says an index should just be forwarded.
type HostMSRAdapter struct {
	VCPUFD int
}

func (h HostMSRAdapter) Read(index uint32) (uint64, error) {
	entries, err := GetMSRs(h.VCPUFD, []uint32{index})
	if err != nil {
		return 0, fmt.Errorf("vmexit: GetMSRs 0x%x: %w", index, err)
	}
	if len(entries) != 1 {
		return 0, fmt.Errorf("vmexit: GetMSRs 0x%x: no entry returned", index)
	}
	return entries[0].Data, nil
}

func (h HostMSRAdapter) Write(index uint32, value uint64) error {
	if err := SetMSRs(h.VCPUFD, []MSREntry{{Index: index, Data: value}}); err != nil {
		return fmt.Errorf("vmexit: SetMSRs 0x%x: %w", index, err)
	}
	return nil
}
