// Package config loads cmd/eamsa512ctl's settings from an optional config
// file, the way the teacher's corpus-mates load server configuration:
// kgiusti-go-fdo-server's cmd/config.go and poaiw-blockchain-paw's various
// config.go files both build their settings on top of spf13/viper rather
// than hand-rolling a flag-only story. This repo's CLI surface is smaller
// than either of theirs, so the resulting struct is small, but the same
// "defaults, overridden by an optional file, overridden by flags" shape is
// kept. This package handles the defaults and the file; cmd/eamsa512ctl
// applies the flag overrides. Config values are not read from the
// environment.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds cmd/eamsa512ctl's settings: which flash backend to mount,
// where its state lives, and where the hardware secret comes from. Command
// line flags always take precedence over the file; cmd/eamsa512ctl applies
// them to the Config that Load returns.
type Config struct {
	Backend     string `mapstructure:"backend"`
	DBPath      string `mapstructure:"db_path"`
	HWSecretEnv string `mapstructure:"hw_secret_env"`
}

// Defaults returns the configuration cmd/eamsa512ctl runs with when no
// file is given: an in-memory backend and the same environment variable
// name the CLI falls back to directly.
func Defaults() *Config {
	return &Config{
		Backend:     "memory",
		DBPath:      "eamsa512.db",
		HWSecretEnv: "EAMSA512_HW_SECRET",
	}
}

// Load reads a YAML or TOML config file at path (format inferred from its
// extension, viper's usual behavior) and merges it over Defaults. An empty
// path returns the defaults unchanged, so callers can treat "-config" as
// optional.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
