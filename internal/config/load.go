package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal and carry "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve applies the override chain defaults -> config file -> environment
// -> explicit overrides and returns validated settings with sizes and
// durations parsed.
func Resolve(env EnvOverrides, ov Overrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if ov.ConfigPath != "" {
		cfgPath = ov.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	applyString(&cfg.Bucket, env.Bucket, ov.Bucket)
	applyString(&cfg.TokenFile, env.TokenFile, ov.TokenFile)
	applyString(&cfg.ProjectID, env.ProjectID, ov.ProjectID)

	return resolve(cfg)
}

// ResolveConfig parses and validates an in-memory Config without consulting
// the file system or the environment.
func ResolveConfig(cfg *Config) (*Resolved, error) {
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return resolve(cfg)
}

func resolve(cfg *Config) (*Resolved, error) {
	r := &Resolved{Config: *cfg}

	var errs []error

	var err error

	if r.ChunkSizeBytes, err = ParseSize(cfg.ChunkSize); err != nil {
		errs = append(errs, fmt.Errorf("chunk_size: %w", err))
	}

	if r.BandwidthBytesPerSec, err = ParseRate(cfg.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("bandwidth_limit: %w", err))
	}

	if r.ConnectTimeoutDur, err = parseDurationMin("connect_timeout", cfg.ConnectTimeout, minConnectTimeout); err != nil {
		errs = append(errs, err)
	}

	if r.DataTimeoutDur, err = parseDurationMin("data_timeout", cfg.DataTimeout, minDataTimeout); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, ValidateResolved(r))

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return r, nil
}

// applyString sets *dst to the last non-empty value, in precedence order.
func applyString(dst *string, layers ...string) {
	for _, v := range layers {
		if v != "" {
			*dst = v
		}
	}
}
