package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance bounds "did you mean?" suggestions.
const maxLevenshteinDistance = 3

// knownKeys are the valid top-level keys in the config file.
var knownKeys = map[string]bool{
	// Endpoints
	"base_url": true, "download_base_url": true, "upload_base_url": true,
	"project_id": true, "project_id_required": true, "bucket": true, "tmp_bucket": true,
	// Credentials
	"scopes": true, "token_file": true, "client_id": true, "client_secret": true, "token_url": true,
	"device_auth_url": true,
	// Transfers
	"chunk_size": true, "bandwidth_limit": true, "disable_download_validation": true,
	// Logging
	"log_level": true, "log_format": true,
	// Network
	"connect_timeout": true, "data_timeout": true, "user_agent": true,
}

// knownKeysList is sorted so ties in edit distance resolve deterministically.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys returns one error per undecoded key, each with a
// suggestion when a known key is close enough.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		top := strings.SplitN(key.String(), ".", 2)[0]
		if seen[top] {
			continue
		}

		seen[top] = true

		errs = append(errs, unknownKeyError(top))
	}

	return errors.Join(errs...)
}

func unknownKeyError(key string) error {
	if suggestion := closestMatch(key, knownKeysList); suggestion != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", key, suggestion)
	}

	return fmt.Errorf("unknown config key %q", key)
}

// closestMatch returns the known key nearest to unknown, or "" when none is
// within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	return best
}

func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
