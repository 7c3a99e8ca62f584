package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "GRAIN_CONFIG"
	EnvBucket    = "GRAIN_BUCKET"
	EnvTokenFile = "GRAIN_TOKEN_FILE"
	EnvProjectID = "GRAIN_PROJECT_ID"
)

// EnvOverrides holds values read from the environment.
type EnvOverrides struct {
	ConfigPath string // GRAIN_CONFIG
	Bucket     string // GRAIN_BUCKET
	TokenFile  string // GRAIN_TOKEN_FILE
	ProjectID  string // GRAIN_PROJECT_ID
}

// ReadEnvOverrides reads the GRAIN_* variables. It does not modify any
// Config; Resolve applies the non-empty fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Bucket:     os.Getenv(EnvBucket),
		TokenFile:  os.Getenv(EnvTokenFile),
		ProjectID:  os.Getenv(EnvProjectID),
	}
}
