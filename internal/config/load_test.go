package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
base_url = "https://storage.example.test/storage/v1"
download_base_url = "https://dl.example.test"
upload_base_url = "https://up.example.test/upload/storage/v1"
project_id = "grain-prod"
project_id_required = true
bucket = "artifacts"
tmp_bucket = "artifacts-tmp"
scopes = ["https://www.googleapis.com/auth/devstorage.read_write"]
client_id = "id"
client_secret = "secret"
token_url = "https://auth.example.test/token"
chunk_size = "16MiB"
bandwidth_limit = "5MB/s"
log_level = "debug"
log_format = "json"
connect_timeout = "5s"
data_timeout = "2m"
user_agent = "grain-test/1"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://storage.example.test/storage/v1", cfg.BaseURL)
	assert.Equal(t, "https://dl.example.test", cfg.DownloadBaseURL)
	assert.Equal(t, "grain-prod", cfg.ProjectID)
	assert.True(t, cfg.ProjectIDRequired)
	assert.Equal(t, "artifacts", cfg.Bucket)
	assert.Equal(t, "artifacts-tmp", cfg.TmpBucket)
	assert.Equal(t, []string{"https://www.googleapis.com/auth/devstorage.read_write"}, cfg.Scopes)
	assert.Equal(t, "16MiB", cfg.ChunkSize)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "grain-test/1", cfg.UserAgent)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, `bucket = "only-this"`))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, "only-this", cfg.Bucket)
	assert.Equal(t, def.BaseURL, cfg.BaseURL)
	assert.Equal(t, def.Scopes, cfg.Scopes)
	assert.Equal(t, def.ChunkSize, cfg.ChunkSize)
	assert.Equal(t, def.LogLevel, cfg.LogLevel)
}

func TestLoad_UnknownKeySuggestsClosest(t *testing.T) {
	_, err := Load(writeTestConfig(t, `
bukcet = "x"
chunk_sise = "8MiB"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "bukcet": did you mean "bucket"?`)
	assert.Contains(t, err.Error(), `unknown config key "chunk_sise": did you mean "chunk_size"?`)
}

func TestLoad_UnknownKeyWithoutSuggestion(t *testing.T) {
	_, err := Load(writeTestConfig(t, `completely_unrelated = 1`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "completely_unrelated"`)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLoad_UnknownTableReportedOnce(t *testing.T) {
	_, err := Load(writeTestConfig(t, `
[network]
user_agent = "x"
data_timeout = "10s"
`))
	require.Error(t, err)
	assert.Equal(t, 1, strings.Count(err.Error(), `"network"`))
}

func TestLoad_InvalidTOML(t *testing.T) {
	_, err := Load(writeTestConfig(t, `bucket = `))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationErrorsAccumulate(t *testing.T) {
	_, err := Load(writeTestConfig(t, `
log_level = "loud"
chunk_size = "100KiB"
connect_timeout = "1ms"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "chunk_size")
	assert.Contains(t, err.Error(), "connect_timeout")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_Precedence(t *testing.T) {
	path := writeTestConfig(t, `
bucket = "from-file"
token_file = "/file/token.json"
project_id = "file-project"
`)

	r, err := Resolve(
		EnvOverrides{Bucket: "from-env", TokenFile: "/env/token.json"},
		Overrides{ConfigPath: path, Bucket: "from-override"},
	)
	require.NoError(t, err)

	assert.Equal(t, "from-override", r.Bucket)
	assert.Equal(t, "/env/token.json", r.TokenFile)
	assert.Equal(t, "file-project", r.ProjectID)
}

func TestResolve_EnvConfigPath(t *testing.T) {
	path := writeTestConfig(t, `bucket = "via-env-path"`)

	r, err := Resolve(EnvOverrides{ConfigPath: path}, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "via-env-path", r.Bucket)
}

func TestResolve_ParsesSizesAndDurations(t *testing.T) {
	path := writeTestConfig(t, `
chunk_size = "512KiB"
bandwidth_limit = "2MiB/s"
disable_download_validation = true
connect_timeout = "3s"
data_timeout = "45s"
`)

	r, err := Resolve(EnvOverrides{}, Overrides{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, int64(512*1024), r.ChunkSizeBytes)
	assert.Equal(t, int64(2*1024*1024), r.BandwidthBytesPerSec)
	assert.Equal(t, 3*time.Second, r.ConnectTimeoutDur)
	assert.Equal(t, 45*time.Second, r.DataTimeoutDur)

	opts := r.StorageOptions()
	assert.Equal(t, 512*1024, opts.ChunkSize)
	assert.Equal(t, r.BaseURL, opts.BaseURL)
	assert.Equal(t, r.UserAgent, opts.UserAgent)
	assert.True(t, opts.DisableDownloadValidation)
}

func TestResolve_ProjectIDRequired(t *testing.T) {
	path := writeTestConfig(t, `project_id_required = true`)

	_, err := Resolve(EnvOverrides{}, Overrides{ConfigPath: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project_id")

	r, err := Resolve(EnvOverrides{ProjectID: "from-env"}, Overrides{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "from-env", r.ProjectID)
}

func TestResolveConfig_InMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bucket = "mem"

	r, err := ResolveConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "mem", r.Bucket)
	assert.Equal(t, int64(8*1024*1024), r.ChunkSizeBytes)
	assert.Zero(t, r.BandwidthBytesPerSec)

	cfg.LogFormat = "xml"
	_, err = ResolveConfig(cfg)
	assert.Error(t, err)
}
