// Package tokenfile persists OAuth2 credentials for the storage client. A token
// file stores the token together with the refresh parameters (client ID, token
// endpoint, scopes) needed to rebuild the oauth2.Config that minted it.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the token directory.
const DirPerms = 0o700

// File is the on-disk format for token files.
type File struct {
	Token    *oauth2.Token `json:"token"`
	ClientID string        `json:"client_id,omitempty"`
	TokenURL string        `json:"token_url,omitempty"`
	Scopes   []string      `json:"scopes,omitempty"`
}

// Covers reports whether the file was issued for every scope in want.
// A file that records no scopes is assumed to cover anything.
func (f *File) Covers(want []string) bool {
	if len(f.Scopes) == 0 {
		return true
	}

	for _, s := range want {
		if !slices.Contains(f.Scopes, s) {
			return false
		}
	}

	return true
}

// Load reads a token file from disk. Returns (nil, nil) if the file does not
// exist so callers can distinguish "never logged in" from a broken file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.Token == nil {
		return nil, fmt.Errorf("tokenfile: %s missing token field", path)
	}

	return &tf, nil
}

// Save writes a token file atomically (temp file + rename) with 0600
// permissions. Token values are never logged.
func Save(path string, tf *File) error {
	if tf == nil || tf.Token == nil {
		return errors.New("tokenfile: refusing to save empty token")
	}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory keeps the rename on one filesystem.
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// UpdateToken replaces the token in an existing file, keeping its refresh
// parameters. Used when a refresh rotates the access or refresh token.
func UpdateToken(path string, tok *oauth2.Token) error {
	tf, err := Load(path)
	if err != nil {
		return fmt.Errorf("tokenfile: reading for update: %w", err)
	}

	if tf == nil {
		tf = &File{}
	}

	tf.Token = tok

	return Save(path, tf)
}
