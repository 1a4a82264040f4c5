package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAMLThenFlagOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmm.yaml")
	body := "shell: true\npanic_reboot: true\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, []string{"--auto-reboot"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Shell || !cfg.PanicReboot {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if !cfg.AutoReboot {
		t.Fatal("expected --auto-reboot flag to override")
	}
}

func TestValidateRejectsAutoRebootWithoutPanicReboot(t *testing.T) {
	cfg := Config{AutoReboot: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateAcceptsDefault(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}
