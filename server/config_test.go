package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.PluginRoot != "tools" || cfg.Python != "python3" {
		t.Errorf("defaults = %+v", cfg)
	}
	if !cfg.Watch {
		t.Error("watch should default to true")
	}
	if cfg.InstallTimeout() != 5*time.Minute {
		t.Errorf("InstallTimeout() = %v", cfg.InstallTimeout())
	}
	if cfg.ExecTimeout() != 60*time.Second {
		t.Errorf("ExecTimeout() = %v", cfg.ExecTimeout())
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".toolsmith.yaml")
	content := `plugin_root: /srv/plugins
python: /usr/bin/python3.12
index_url: https://mirror.example/simple
install_timeout_seconds: 60
exec_timeout_seconds: 30
requests_per_minute: 120
watch: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.PluginRoot != "/srv/plugins" {
		t.Errorf("PluginRoot = %q", cfg.PluginRoot)
	}
	if cfg.Python != "/usr/bin/python3.12" {
		t.Errorf("Python = %q", cfg.Python)
	}
	if cfg.IndexURL != "https://mirror.example/simple" {
		t.Errorf("IndexURL = %q", cfg.IndexURL)
	}
	if cfg.InstallTimeout() != time.Minute {
		t.Errorf("InstallTimeout() = %v", cfg.InstallTimeout())
	}
	if cfg.ExecTimeout() != 30*time.Second {
		t.Errorf("ExecTimeout() = %v", cfg.ExecTimeout())
	}
	if cfg.RequestsPerMinute != 120 {
		t.Errorf("RequestsPerMinute = %d", cfg.RequestsPerMinute)
	}
	if cfg.Watch {
		t.Error("watch should be disabled")
	}
}

func TestLoadConfig_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".toolsmith.yaml")
	if err := os.WriteFile(path, []byte("plugin_root: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}
