// Package config loads host configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Pipelines PipelinesConfig `koanf:"pipelines"`
	Storage   StorageConfig   `koanf:"storage"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// APIKey guards every route when set; empty disables auth.
	APIKey string `koanf:"apikey"`
	// TimeoutSeconds bounds each request; pipelines that outlive it are
	// abandoned by the HTTP layer, not preempted.
	TimeoutSeconds int `koanf:"timeout"`
}

type PipelinesConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, memory
	Path   string `koanf:"path"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Load reads the YAML file at path (skipped when missing) and applies
// PIPEHOST_* environment overrides, e.g. PIPEHOST_SERVER_PORT=9099 or
// PIPEHOST_SERVER_APIKEY=secret.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider("PIPEHOST_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "PIPEHOST_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Defaults
	if !k.Exists("server.port") {
		k.Set("server.port", 9099)
	}
	if !k.Exists("server.timeout") {
		k.Set("server.timeout", 300)
	}
	if !k.Exists("pipelines.dir") {
		k.Set("pipelines.dir", "./pipelines")
	}
	if !k.Exists("pipelines.watch") {
		k.Set("pipelines.watch", true)
	}
	if !k.Exists("storage.driver") {
		k.Set("storage.driver", "sqlite")
	}
	if !k.Exists("storage.path") {
		k.Set("storage.path", "./pipehost.db")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
