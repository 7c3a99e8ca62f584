// Thin wrapper around auth.DeviceLogin for bootstrapping the token file the
// E2E suite authenticates with.
//
// Usage: go run ./cmd/integration-bootstrap --config .testdata/config.toml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sandgrain/grain-storage/internal/auth"
	"github.com/sandgrain/grain-storage/internal/config"
)

func main() {
	configPath := flag.String("config", "", "config file (default: GRAIN_CONFIG or the platform default)")
	tokenPath := flag.String("token-file", "", "where to save the token (default: token_file or the platform default)")
	flag.Parse()

	cfg, err := config.Resolve(config.ReadEnvOverrides(), config.Overrides{
		ConfigPath: *configPath,
		TokenFile:  *tokenPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	path := cfg.TokenFile
	if path == "" {
		path = config.DefaultTokenPath()
	}

	login := &auth.DeviceLogin{
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		DeviceAuthURL: cfg.DeviceAuthURL,
		TokenURL:      cfg.TokenURL,
		Scopes:        cfg.Scopes,
		Logger:        config.BuildLogger(cfg.LoggingConfig, os.Stderr),
	}

	_, err = login.Run(context.Background(), path, func(da auth.DeviceAuth) {
		fmt.Printf("Go to %s and enter code: %s\n", da.VerificationURI, da.UserCode)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Login successful. Token saved to %s.\n", path)
}
