// Package testutil provides shared environment helpers for the live-service
// E2E suite.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvAllowedBuckets lists the buckets E2E tests may write to and delete from.
const EnvAllowedBuckets = "GRAIN_ALLOWED_TEST_BUCKETS"

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// A missing file is not an error. Existing env vars take precedence.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// CheckAllowlist reports an error unless bucketEnvVar names a bucket listed
// in GRAIN_ALLOWED_TEST_BUCKETS. It returns the bucket name.
func CheckAllowlist(bucketEnvVar string) (string, error) {
	allowlist := os.Getenv(EnvAllowedBuckets)
	if allowlist == "" {
		return "", fmt.Errorf("%s not set (example: %s=my-test-bucket)", EnvAllowedBuckets, EnvAllowedBuckets)
	}

	bucket := os.Getenv(bucketEnvVar)
	if bucket == "" {
		return "", fmt.Errorf("%s not set", bucketEnvVar)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimSpace(a) == bucket {
			return bucket, nil
		}
	}

	return "", fmt.Errorf("%s=%q is not in %s=%q", bucketEnvVar, bucket, EnvAllowedBuckets, allowlist)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
