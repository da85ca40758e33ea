package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9099 {
		t.Errorf("Port = %d, want 9099", cfg.Server.Port)
	}
	if cfg.Server.TimeoutSeconds != 300 {
		t.Errorf("TimeoutSeconds = %d, want 300", cfg.Server.TimeoutSeconds)
	}
	if cfg.Server.APIKey != "" {
		t.Errorf("APIKey = %q, want empty (auth disabled)", cfg.Server.APIKey)
	}
	if cfg.Pipelines.Dir != "./pipelines" {
		t.Errorf("Pipelines.Dir = %q", cfg.Pipelines.Dir)
	}
	if !cfg.Pipelines.Watch {
		t.Error("Pipelines.Watch = false, want true by default")
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "./pipehost.db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = true, want false by default")
	}
}

func TestLoadMissingFileIsSkipped(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9099 {
		t.Errorf("Port = %d, want defaults", cfg.Server.Port)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `server:
  port: 8088
  apikey: filekey
pipelines:
  dir: /srv/pipelines
  watch: false
storage:
  driver: memory
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8088 || cfg.Server.APIKey != "filekey" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Pipelines.Dir != "/srv/pipelines" || cfg.Pipelines.Watch {
		t.Errorf("Pipelines = %+v", cfg.Pipelines)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("Storage.Driver = %q, want memory", cfg.Storage.Driver)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8088\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PIPEHOST_SERVER_PORT", "7001")
	t.Setenv("PIPEHOST_SERVER_APIKEY", "envkey")
	t.Setenv("PIPEHOST_STORAGE_DRIVER", "memory")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("Port = %d, want env override 7001", cfg.Server.Port)
	}
	if cfg.Server.APIKey != "envkey" {
		t.Errorf("APIKey = %q, want envkey", cfg.Server.APIKey)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("Storage.Driver = %q, want memory", cfg.Storage.Driver)
	}
}
