package node

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"agentnet/pkg/config"
)

func TestDefaultConfigTemplateLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Agent.Name != "CHANGE_ME" {
		t.Errorf("Agent.Name: got %s, want CHANGE_ME", cfg.Agent.Name)
	}
	if cfg.Agent.Node == "" {
		t.Error("Agent.Node: got empty, want hostname")
	}
	if _, err := cfg.Agent.Runtime(zerolog.Nop()); err != nil {
		t.Errorf("runtime: %v", err)
	}
}

func TestRunRejectsPlaceholderName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := Run(path); err == nil {
		t.Error("expected error for placeholder name")
	}
}
