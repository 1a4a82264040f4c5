// Package vmm assembles the per-component packages (pcpu, guestmem, paging,
// mmio, cachetype, vmexit, vcpu, iodevices) into one running virtual
// machine.
package vmm

import (
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/coreshim/vmmcore/internal/cachetype"
	"github.com/coreshim/vmmcore/internal/config"
	"github.com/coreshim/vmmcore/internal/corelog"
	"github.com/coreshim/vmmcore/internal/guestmem"
	"github.com/coreshim/vmmcore/internal/iodevices"
	"github.com/coreshim/vmmcore/internal/mmio"
	"github.com/coreshim/vmmcore/internal/nettap"
	"github.com/coreshim/vmmcore/internal/paging"
	"github.com/coreshim/vmmcore/internal/passthrough"
	"github.com/coreshim/vmmcore/internal/pcpu"
	"github.com/coreshim/vmmcore/internal/vcpu"
	"github.com/coreshim/vmmcore/internal/vmexit"
)

// Options configures a VM's memory, vCPU count, and attached peripherals.
type Options struct {
	MemoryBytes  uint64
	NumVCPUs     int
	KernelImage  string // raw flat binary loaded at guest-physical 0
	TapInterface string // host TAP device name; empty disables the NIC
	MAC          [6]byte
	SerialOutput *os.File // defaults to os.Stdout when nil
}

// VM owns the KVM file descriptors, guest memory, second-level paging, the
// legacy port-I/O bus, and the vCPUs bound to all of it.
type VM struct {
	cfg  config.Config
	opts Options

	kvmFD, vmFD int

	mem      *guestmem.FlatMapper
	registry *mmio.Registry
	cache    *cachetype.Context
	accessor *guestmem.Accessor
	second   paging.SecondLevel

	cpuidLeaves []vmexit.CPUIDEntry2
	cpuidPass   *passthrough.CPUIDPass

	bus      *iodevices.Bus
	pic      *iodevices.PIC
	pit      *iodevices.PIT
	rtc      *iodevices.RTC
	serial   *iodevices.Serial
	keyboard *iodevices.Keyboard
	netcard  *iodevices.NetCard
	tap      *nettap.Device

	vcpus []*vcpu.VCPU

	wg   sync.WaitGroup
	stop chan struct{}

	log *logrus.Entry
}

// New opens /dev/kvm, allocates guest memory, wires the legacy device bus,
// and constructs one VCPU per opts.NumVCPUs: open device -> create VM ->
// install memory slot -> attach devices -> create vCPUs.
func New(cfg config.Config, opts Options) (*VM, error) {
	if opts.NumVCPUs < 1 {
		return nil, fmt.Errorf("vmm: NumVCPUs must be >= 1")
	}
	if opts.MemoryBytes == 0 {
		return nil, fmt.Errorf("vmm: MemoryBytes must be > 0")
	}

	v := &VM{cfg: cfg, opts: opts, stop: make(chan struct{}), log: corelog.For("vmm", nil)}

	kvmFD, err := vmexit.OpenKVM()
	if err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}
	v.kvmFD = kvmFD

	vmFD, err := vmexit.CreateVM(kvmFD)
	if err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}
	v.vmFD = vmFD

	guestMem, err := unix.Mmap(-1, 0, int(opts.MemoryBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("vmm: mmap guest memory: %w", err)
	}
	v.mem = &guestmem.FlatMapper{Mem: guestMem}

	if err := vmexit.SetUserMemoryRegion(vmFD, vmexit.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    opts.MemoryBytes,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&guestMem[0]))),
	}); err != nil {
		return nil, fmt.Errorf("vmm: install guest memory slot: %w", err)
	}

	v.cache = &cachetype.Context{}
	v.registry = mmio.NewRegistry(nil)
	v.accessor = guestmem.NewAccessor(v.mem, v.registry, v.cache)

	if paging.HardwareNestedPagingActive() {
		hw := paging.DetectHostHugePageSupport()
		v.second = paging.NewNestedPaging(v.accessor, v.cache, hw, v.registry, nil)
		v.log.WithField("supports_1g", hw.Supports1G).WithField("supports_2m", hw.Supports2M).Info("using hardware nested paging (EPT/NPT)")
	} else {
		v.second = paging.NewShadowPaging(v.accessor, v.cache, v.registry)
		v.log.Info("kvm_intel/kvm_amd ept/npt parameter disabled; using software shadow paging")
	}

	if err := v.attachDevices(); err != nil {
		return nil, err
	}

	v.cpuidPass = &passthrough.CPUIDPass{Host: pcpu.CPUID, Cfg: passthrough.Config{
		ConcealHWFeedback:  cfg.ConcealHWFeedback,
		LocalAPICIntercept: cfg.LocalAPICIntercept,
		NoIntrIntercept:    cfg.NoIntrIntercept,
	}}
	supported, err := vmexit.GetSupportedCPUID(kvmFD)
	if err != nil {
		return nil, fmt.Errorf("vmm: GetSupportedCPUID: %w", err)
	}
	v.cpuidLeaves = make([]vmexit.CPUIDEntry2, len(supported))
	for i, e := range supported {
		eax, ebx, ecx, edx := v.cpuidPass.Filter(e.Function, e.Index, e.EAX, e.EBX, e.ECX, e.EDX)
		v.cpuidLeaves[i] = vmexit.CPUIDEntry2{
			Function: e.Function, Index: e.Index, Flags: e.Flags,
			EAX: eax, EBX: ebx, ECX: ecx, EDX: edx,
		}
	}

	for id := 0; id < opts.NumVCPUs; id++ {
		if err := v.addVCPU(id); err != nil {
			return nil, err
		}
	}

	if opts.KernelImage != "" {
		if err := v.LoadBinary(opts.KernelImage); err != nil {
			return nil, err
		}
	}

	return v, nil
}

func (v *VM) attachDevices() error {
	v.bus = iodevices.NewBus()
	v.pic = iodevices.NewPIC()
	v.pit = iodevices.NewPIT()
	v.rtc = iodevices.NewRTC(v.pic)

	out := io.Writer(os.Stdout)
	if v.opts.SerialOutput != nil {
		out = v.opts.SerialOutput
	}
	v.serial = iodevices.NewSerial(out, v.pic)
	v.keyboard = iodevices.NewKeyboard()

	v.pic.AttachTo(v.bus)
	v.pit.AttachTo(v.bus)
	v.rtc.AttachTo(v.bus)
	v.serial.AttachTo(v.bus)
	v.keyboard.AttachTo(v.bus)

	if v.opts.TapInterface != "" {
		tap, err := nettap.New(v.opts.TapInterface)
		if err != nil {
			return fmt.Errorf("vmm: attach TAP %s: %w", v.opts.TapInterface, err)
		}
		v.tap = tap
		v.netcard = iodevices.NewNetCard(v.opts.MAC, tap, v.pic)
		v.netcard.AttachTo(v.bus)
	}

	return nil
}

func (v *VM) addVCPU(id int) error {
	fd, mmapSize, err := vmexit.CreateVCPU(v.vmFD, v.kvmFD, id)
	if err != nil {
		return fmt.Errorf("vmm: create vcpu %d: %w", id, err)
	}
	raw, err := vmexit.MmapRun(fd, mmapSize)
	if err != nil {
		return fmt.Errorf("vmm: mmap vcpu %d run block: %w", id, err)
	}
	run := vmexit.NewRunBlock(raw)

	// CPUID has no runtime userspace exit in this ABI: the filtered leaf set
	// is installed once here, at vCPU creation, rather than intercepted
	// per-access the way RDMSR/WRMSR are below.
	if err := vmexit.SetCPUID2(fd, v.cpuidLeaves); err != nil {
		return fmt.Errorf("vmm: SetCPUID2 vcpu %d: %w", id, err)
	}

	vc, err := vcpu.New(id, fd, run, v.accessor, v.second, v.bus, &picInterruptSource{pic: v.pic})
	if err != nil {
		return fmt.Errorf("vmm: construct vcpu %d: %w", id, err)
	}
	vc.Dispatcher.MSRs = &passthrough.MSRPass{
		Host: vmexit.HostMSRAdapter{VCPUFD: fd},
		Cfg: passthrough.Config{
			ConcealHWFeedback:  v.cfg.ConcealHWFeedback,
			LocalAPICIntercept: v.cfg.LocalAPICIntercept,
			NoIntrIntercept:    v.cfg.NoIntrIntercept,
		},
		MicrocodeStallWorkaround: v.quiesceForMicrocodeUpdate,
	}
	vc.Stop = v.stop
	v.vcpus = append(v.vcpus, vc)
	return nil
}

// quiesceForMicrocodeUpdate is the Broadwell-stepping workaround MSRPass
// invokes before an IA32_BIOS_UPDT_TRIG write: it takes and releases each
// PCPU's SuspendLock in turn, the caller's own included. No vCPU run loop
// holds SuspendLock, so this does not pause a running vCPU.
func (v *VM) quiesceForMicrocodeUpdate() {
	for _, vc := range v.vcpus {
		vc.PCPU.SuspendLock.Lock()
		vc.PCPU.SuspendLock.Unlock()
	}
}

// LoadBinary copies a flat binary image into guest memory starting at
// guest-physical 0, the layout this core's boot path expects.
func (v *VM) LoadBinary(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("vmm: read kernel image %s: %w", path, err)
	}
	if uint64(len(data)) > uint64(len(v.mem.Mem)) {
		return fmt.Errorf("vmm: kernel image %s (%d bytes) exceeds guest memory (%d bytes)", path, len(data), len(v.mem.Mem))
	}
	copy(v.mem.Mem, data)
	return nil
}

// Run starts every vCPU's run loop on its own goroutine and blocks until
// all of them return.
func (v *VM) Run() error {
	errs := make([]error, len(v.vcpus))
	for i, vc := range v.vcpus {
		i, vc := i, vc
		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			if err := vc.Run(); err != nil {
				errs[i] = err
			}
		}()
	}
	v.wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop signals every vCPU's Run to return after its current exit. The NIC
// and its TAP handle are released by Close, not here.
func (v *VM) Stop() {
	close(v.stop)
}

// Close releases the guest memory mapping, the NIC's TAP handle, and the
// KVM file descriptors.
func (v *VM) Close() error {
	if v.netcard != nil {
		if err := v.netcard.Close(); err != nil {
			v.log.WithError(err).Warn("netcard close failed")
		}
	}
	if v.mem != nil && v.mem.Mem != nil {
		if err := unix.Munmap(v.mem.Mem); err != nil {
			return fmt.Errorf("vmm: munmap guest memory: %w", err)
		}
	}
	if v.vmFD != 0 {
		unix.Close(v.vmFD)
	}
	if v.kvmFD != 0 {
		unix.Close(v.kvmFD)
	}
	return nil
}

// picInterruptSource adapts the PIC to vmexit.PendingInterrupt.
type picInterruptSource struct {
	pic *iodevices.PIC
}

func (p *picInterruptSource) NextVector() (uint8, bool) {
	if p.pic == nil || !p.pic.HasPendingInterrupts() {
		return 0, false
	}
	return p.pic.GetInterruptVector(), true
}
