// Package config loads grain-storage settings from a flat TOML file and
// resolves them against defaults, environment variables and explicit
// overrides.
package config

import (
	"time"

	"github.com/sandgrain/grain-storage/internal/storage"
)

// Config is the decoded form of config.toml. Size and duration values stay
// as strings until Resolve parses them, so the file can say "8MiB" or "30s".
type Config struct {
	EndpointConfig
	AuthConfig
	TransferConfig
	LoggingConfig
	NetworkConfig
}

// EndpointConfig locates the remote service and the buckets the facade uses
// when a caller does not name one.
type EndpointConfig struct {
	BaseURL           string `toml:"base_url"`
	DownloadBaseURL   string `toml:"download_base_url"`
	UploadBaseURL     string `toml:"upload_base_url"`
	ProjectID         string `toml:"project_id"`
	ProjectIDRequired bool   `toml:"project_id_required"`
	Bucket            string `toml:"bucket"`
	TmpBucket         string `toml:"tmp_bucket"`
}

// AuthConfig selects the credential source. A token file wins over client
// credentials.
type AuthConfig struct {
	Scopes        []string `toml:"scopes"`
	TokenFile     string   `toml:"token_file"`
	ClientID      string   `toml:"client_id"`
	ClientSecret  string   `toml:"client_secret"`
	TokenURL      string   `toml:"token_url"`
	DeviceAuthURL string   `toml:"device_auth_url"`
}

// TransferConfig shapes upload chunking, stream throttling and download
// checksum verification.
type TransferConfig struct {
	ChunkSize                 string `toml:"chunk_size"`
	BandwidthLimit            string `toml:"bandwidth_limit"`
	DisableDownloadValidation bool   `toml:"disable_download_validation"`
}

// LoggingConfig controls log level and handler format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client timeouts and the User-Agent header.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// Overrides holds explicit values that beat both the file and the
// environment. Empty fields are not applied.
type Overrides struct {
	ConfigPath string
	Bucket     string
	TokenFile  string
	ProjectID  string
}

// Resolved is a validated Config with sizes and durations parsed.
type Resolved struct {
	Config

	ChunkSizeBytes       int64
	BandwidthBytesPerSec int64
	ConnectTimeoutDur    time.Duration
	DataTimeoutDur       time.Duration
}

// StorageOptions maps the resolved settings onto storage client options.
// Runtime collaborators (HTTP client, logger, observer, limiter) are left for
// the caller to fill in.
func (r *Resolved) StorageOptions() storage.Options {
	return storage.Options{
		BaseURL:         r.BaseURL,
		DownloadBaseURL: r.DownloadBaseURL,
		UploadBaseURL:   r.UploadBaseURL,
		UserAgent:       r.UserAgent,
		ProjectID:       r.ProjectID,
		ChunkSize:       int(r.ChunkSizeBytes),

		DisableDownloadValidation: r.DisableDownloadValidation,
	}
}
