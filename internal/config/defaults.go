package config

import "github.com/sandgrain/grain-storage/internal/storage"

// Default values for configuration options, the first layer of the override
// chain.
const (
	defaultChunkSize      = "8MiB"
	defaultBandwidthLimit = "0"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultConnectTimeout = "10s"
	defaultDataTimeout    = "60s"
	defaultTokenURL       = "https://oauth2.googleapis.com/token"
	defaultDeviceAuthURL  = "https://oauth2.googleapis.com/device/code"
)

// DefaultScope grants read and write access to objects and their ACLs.
const DefaultScope = "https://www.googleapis.com/auth/devstorage.full_control"

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset keys keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		EndpointConfig: EndpointConfig{
			BaseURL:         storage.DefaultBaseURL,
			DownloadBaseURL: storage.DefaultDownloadBaseURL,
			UploadBaseURL:   storage.DefaultUploadBaseURL,
		},
		AuthConfig: AuthConfig{
			Scopes:        []string{DefaultScope},
			TokenURL:      defaultTokenURL,
			DeviceAuthURL: defaultDeviceAuthURL,
		},
		TransferConfig: TransferConfig{
			ChunkSize:      defaultChunkSize,
			BandwidthLimit: defaultBandwidthLimit,
		},
		LoggingConfig: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		NetworkConfig: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
			UserAgent:      storage.DefaultUserAgent,
		},
	}
}
