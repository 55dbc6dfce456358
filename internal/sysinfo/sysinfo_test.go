package sysinfo

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSelf(t *testing.T) {
	p, err := Self()
	if err != nil {
		t.Fatalf("Self failed: %v", err)
	}

	if _, err := p.CPUPercent(); err != nil {
		t.Errorf("CPUPercent: %v", err)
	}

	vms, err := p.VirtualMemory()
	if err != nil {
		t.Fatalf("VirtualMemory: %v", err)
	}
	if vms <= 0 {
		t.Errorf("VirtualMemory: got %v, want > 0", vms)
	}
}

func TestDescribe(t *testing.T) {
	info := Describe()
	if info.Hostname == "" {
		t.Error("Hostname is empty")
	}
	if info.CPUCores <= 0 {
		t.Errorf("CPUCores: got %d, want > 0", info.CPUCores)
	}
	t.Logf("Described node: host=%s os=%s", info.Hostname, info.OSName)
}

func TestReadOSReleasePrettyName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	content := "NAME=\"Debian GNU/Linux\"\nPRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\nID=debian\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if got := readOSReleasePrettyName(path); got != "Debian GNU/Linux 12 (bookworm)" {
		t.Errorf("PRETTY_NAME: got %q", got)
	}
	if got := readOSReleasePrettyName(filepath.Join(t.TempDir(), "missing")); got != "" {
		t.Errorf("missing file: got %q, want empty", got)
	}
}
