package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	chunkAlignBytes   = 256 * kibibyte
	minConnectTimeout = 1 * time.Second
	minDataTimeout    = 5 * time.Second
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validLogFormats = map[string]bool{"text": true, "json": true}

// Validate checks every value and returns all problems found, joined.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateEndpoints(&cfg.EndpointConfig)...)
	errs = append(errs, validateAuth(&cfg.AuthConfig)...)
	errs = append(errs, validateTransfers(&cfg.TransferConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only hold after environment and
// explicit overrides have been applied.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.ProjectIDRequired && r.ProjectID == "" {
		errs = append(errs, errors.New("project_id: required when project_id_required is set"))
	}

	return errors.Join(errs...)
}

func validateEndpoints(e *EndpointConfig) []error {
	var errs []error

	for _, f := range []struct{ name, value string }{
		{"base_url", e.BaseURL},
		{"download_base_url", e.DownloadBaseURL},
		{"upload_base_url", e.UploadBaseURL},
	} {
		if err := validateURL(f.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		}
	}

	return errs
}

func validateAuth(a *AuthConfig) []error {
	var errs []error

	if len(a.Scopes) == 0 {
		errs = append(errs, errors.New("scopes: at least one scope is required"))
	}

	if (a.ClientID == "") != (a.ClientSecret == "") && a.TokenFile == "" {
		errs = append(errs, errors.New("client_id and client_secret must be set together"))
	}

	for _, f := range []struct{ name, value string }{
		{"token_url", a.TokenURL},
		{"device_auth_url", a.DeviceAuthURL},
	} {
		if f.value == "" {
			continue
		}

		if err := validateURL(f.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		}
	}

	return errs
}

func validateTransfers(t *TransferConfig) []error {
	var errs []error

	n, err := ParseSize(t.ChunkSize)

	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("chunk_size: %w", err))
	case n%chunkAlignBytes != 0:
		errs = append(errs, fmt.Errorf("chunk_size: must be a multiple of 256 KiB (%d bytes), got %s (%d bytes)",
			chunkAlignBytes, t.ChunkSize, n))
	}

	if _, err := ParseRate(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("bandwidth_limit: %w", err))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if _, err := parseDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout); err != nil {
		errs = append(errs, err)
	}

	if _, err := parseDurationMin("data_timeout", n.DataTimeout, minDataTimeout); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func parseDurationMin(field, value string, minimum time.Duration) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return 0, fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return d, nil
}

func validateURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http or https URL, got %q", s)
	}

	if u.Host == "" {
		return fmt.Errorf("missing host in %q", s)
	}

	return nil
}
