// Package config defines this core's runtime configuration surface,
// mirroring the vmm.* knobs the control layer exposes, and
// loads it from a YAML file plus command-line overrides the way snapd's
// tooling layers goconfigparser/go-flags-style config over a base struct.
package config

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Config is the flat set of booleans that configure this core's runtime
// behavior. A zero Config is the conservative default: no shell, no
// auto-reboot, interception on.
type Config struct {
	// Shell, if true, drops to an interactive debug shell instead of
	// rebooting on an unrecoverable guest/host fault.
	Shell bool `yaml:"shell" long:"shell" description:"drop to a debug shell on an unrecoverable panic"`

	// PanicReboot reboots the guest (rather than halting) after a fatal
	// panic has finished dumping state.
	PanicReboot bool `yaml:"panic_reboot" long:"panic-reboot" description:"reboot the guest after a fatal panic dump"`

	// AutoReboot reboots without waiting for an operator acknowledgment.
	AutoReboot bool `yaml:"auto_reboot" long:"auto-reboot" description:"reboot immediately, without waiting on the shell"`

	// ConcealHWFeedback masks CPUID leaf 6 HWP/hardware-feedback bits from
	// the guest (passthrough.Config.ConcealHWFeedback).
	ConcealHWFeedback bool `yaml:"conceal_hw_feedback" long:"conceal-hw-feedback" description:"mask HWP/hardware-feedback CPUID bits from the guest"`

	// LocalAPICIntercept routes IA32_APIC_BASE and the APIC MMIO page
	// through this core's emulation instead of KVM's in-kernel APIC.
	LocalAPICIntercept bool `yaml:"localapic_intercept" long:"localapic-intercept" description:"emulate the local APIC instead of delegating to KVM"`

	// NoIntrIntercept disables the default external-interrupt interception
	// policy entirely; a diagnostic/benchmark knob, never set in production.
	NoIntrIntercept bool `yaml:"no_intr_intercept" long:"no-intr-intercept" description:"disable external-interrupt interception (diagnostic only)"`

	// ConfigPath is the YAML file path consulted before flag overrides;
	// not itself persisted.
	ConfigPath string `yaml:"-" long:"config" description:"path to a vmm.* YAML config file"`
}

// Default returns the conservative baseline configuration.
func Default() Config {
	return Config{}
}

// Load reads a YAML config file (if path is non-empty) and then applies
// command-line flag overrides from args: the layered file-then-flags
// precedence expected of a VMM launched by hand or by a supervisor script.
func Load(path string, args []string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	parser := flags.NewParser(&cfg, flags.IgnoreUnknown)
	if _, err := parser.ParseArgs(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate rejects configuration combinations that make no operational
// sense before handing a VM off to the run loop.
func (c Config) Validate() error {
	if c.AutoReboot && !c.PanicReboot {
		return fmt.Errorf("config: vmm.auto_reboot requires vmm.panic_reboot")
	}
	return nil
}
