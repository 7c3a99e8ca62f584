package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const platformDarwin = "darwin"

const appName = "grain-storage"

const (
	configFileName = "config.toml"
	tokenFileName  = "token.json"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// Outside macOS it honours XDG_CONFIG_HOME, falling back to ~/.config.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if runtime.GOOS == platformDarwin {
		return filepath.Join(home, "Library", "Application Support", appName)
	}

	return xdgDir("XDG_CONFIG_HOME", home, ".config")
}

// DefaultDataDir returns the platform-specific directory for saved tokens.
// Outside macOS it honours XDG_DATA_HOME, falling back to ~/.local/share.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if runtime.GOOS == platformDarwin {
		return filepath.Join(home, "Library", "Application Support", appName)
	}

	return xdgDir("XDG_DATA_HOME", home, ".local", "share")
}

func xdgDir(env, home string, fallback ...string) string {
	if xdg := os.Getenv(env); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(append(append([]string{home}, fallback...), appName)...)
}

// DefaultConfigPath returns the config file used when neither GRAIN_CONFIG
// nor an explicit path is given.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultTokenPath returns where a saved user token is looked for when
// token_file is unset and no client credentials are configured.
func DefaultTokenPath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, tokenFileName)
}
