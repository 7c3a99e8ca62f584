package grain

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/sandgrain/grain-storage/internal/auth"
	"github.com/sandgrain/grain-storage/internal/config"
	"github.com/sandgrain/grain-storage/internal/storage"
	"github.com/sandgrain/grain-storage/internal/tokenfile"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig points every endpoint at srv.
func testConfig(t *testing.T, srv *httptest.Server) *config.Resolved {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.BaseURL = srv.URL + "/storage/v1"
	cfg.DownloadBaseURL = srv.URL + "/download"
	cfg.UploadBaseURL = srv.URL + "/upload/storage/v1"
	cfg.Bucket = "default-bucket"
	cfg.TmpBucket = "scratch"
	cfg.ProjectID = "billing-project"
	cfg.UserAgent = "grain-test"

	r, err := config.ResolveConfig(cfg)
	require.NoError(t, err)

	return r
}

func TestNew_DownloadThroughDefaultBucket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/download/default-bucket/report.csv", r.URL.Path)
		assert.Equal(t, "Bearer static-token", r.Header.Get("Authorization"))
		assert.Equal(t, "billing-project", r.Header.Get("X-Goog-User-Project"))
		assert.Equal(t, "grain-test", r.Header.Get("User-Agent"))

		_, _ = w.Write([]byte("a,b,c\n"))
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()

	g, err := New(context.Background(), testConfig(t, srv), Options{
		HTTPClient: srv.Client(),
		Logger:     discardLogger(),
		Registerer: reg,
		Source:     auth.StaticSource("static-token"),
	})
	require.NoError(t, err)

	obj, err := g.Object("", "report.csv")
	require.NoError(t, err)
	assert.Equal(t, storage.ObjectRef{Bucket: "default-bucket", Key: "report.csv"}, obj.Ref())

	data, err := obj.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\n", string(data))

	n, err := testutil.GatherAndCount(reg, "grain_storage_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(context.Background(), nil, Options{})
	assert.Error(t, err)
}

func TestBucket_FallbackAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := testConfig(t, srv)

	g, err := New(context.Background(), cfg, Options{Logger: discardLogger(), Source: auth.StaticSource("x")})
	require.NoError(t, err)

	b, err := g.Bucket("explicit")
	require.NoError(t, err)
	assert.Equal(t, "explicit", b.Name())

	b, err = g.Bucket("")
	require.NoError(t, err)
	assert.Equal(t, "default-bucket", b.Name())

	tmp, err := g.TmpBucket()
	require.NoError(t, err)
	assert.Equal(t, "scratch", tmp.Name())

	_, err = g.Object("explicit", "")
	assert.ErrorIs(t, err, storage.ErrKeyRequired)

	cfg.Bucket = ""
	cfg.TmpBucket = ""

	_, err = g.Bucket("")
	assert.ErrorIs(t, err, storage.ErrBucketRequired)

	_, err = g.Object("", "k")
	assert.ErrorIs(t, err, storage.ErrBucketRequired)

	_, err = g.TmpBucket()
	assert.ErrorIs(t, err, ErrNoTmpBucket)
}

func TestNew_TokenFileCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer saved-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv)
	cfg.TokenFile = filepath.Join(t.TempDir(), "token.json")

	require.NoError(t, tokenfile.Save(cfg.TokenFile, &tokenfile.File{
		Token: &oauth2.Token{
			AccessToken: "saved-token",
			TokenType:   "Bearer",
		},
		Scopes:   cfg.Scopes,
		TokenURL: srv.URL + "/token",
	}))

	g, err := New(context.Background(), cfg, Options{HTTPClient: srv.Client(), Logger: discardLogger()})
	require.NoError(t, err)

	obj, err := g.Object("", "gone")
	require.NoError(t, err)
	require.NoError(t, obj.Delete(context.Background()))
}

func TestNew_MissingTokenFileFailsAtFirstRequest(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv)
	cfg.TokenFile = filepath.Join(t.TempDir(), "absent.json")

	g, err := New(context.Background(), cfg, Options{HTTPClient: srv.Client(), Logger: discardLogger()})
	require.NoError(t, err)

	obj, err := g.Object("", "k")
	require.NoError(t, err)

	err = obj.Delete(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrAuthFailure)
	assert.ErrorIs(t, err, auth.ErrNotLoggedIn)
	assert.Zero(t, requests.Load())
}

func TestNewHTTPClient_AppliesTimeouts(t *testing.T) {
	cfg, err := config.ResolveConfig(config.DefaultConfig())
	require.NoError(t, err)

	c := newHTTPClient(cfg)

	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, cfg.ConnectTimeoutDur, tr.TLSHandshakeTimeout)
	assert.Equal(t, cfg.DataTimeoutDur, tr.ResponseHeaderTimeout)
	assert.Zero(t, c.Timeout)
}
