// Command vmmcore boots a single guest image under the KVM-backed run loop.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/coreshim/vmmcore/internal/config"
	"github.com/coreshim/vmmcore/internal/corelog"
	"github.com/coreshim/vmmcore/internal/vmm"
)

// launchOpts are the per-invocation knobs that describe what to boot, as
// opposed to config.Config's policy knobs, which describe how to handle
// faults once it's running.
type launchOpts struct {
	ConfigPath string `long:"config" description:"path to a vmm.* YAML config file"`
	Kernel     string `long:"kernel" required:"true" description:"flat binary image loaded at guest-physical 0"`
	MemoryMB   int    `long:"memory-mb" default:"128" description:"guest memory size in MiB"`
	NumVCPUs   int    `long:"vcpus" default:"1" description:"number of virtual CPUs"`
	Tap        string `long:"tap" description:"host TAP interface name for the NIC (optional)"`
	Debug      bool   `long:"debug" description:"enable debug logging"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts launchOpts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return err
	}

	cfg, err := config.Load(opts.ConfigPath, args)
	if err != nil {
		return fmt.Errorf("vmmcore: %w", err)
	}

	corelog.SetDebug(opts.Debug)
	log := corelog.For("main", nil)

	v, err := vmm.New(cfg, vmm.Options{
		MemoryBytes:  uint64(opts.MemoryMB) * 1024 * 1024,
		NumVCPUs:     opts.NumVCPUs,
		KernelImage:  opts.Kernel,
		TapInterface: opts.Tap,
		MAC:          [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
	})
	if err != nil {
		return fmt.Errorf("vmmcore: %w", err)
	}
	defer v.Close()

	log.Info("starting virtual machine")
	return v.Run()
}
