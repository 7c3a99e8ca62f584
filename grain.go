// Package grain is the configured entry point to grain-storage. It turns a
// resolved configuration into a credential gate, an instrumented HTTP client
// and a storage.Client, and hands out bucket and object handles with the
// configured default buckets filled in.
package grain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandgrain/grain-storage/internal/auth"
	"github.com/sandgrain/grain-storage/internal/config"
	"github.com/sandgrain/grain-storage/internal/metrics"
	"github.com/sandgrain/grain-storage/internal/storage"
)

// ErrNoTmpBucket is returned by TmpBucket when tmp_bucket is not configured.
var ErrNoTmpBucket = errors.New("grain: tmp_bucket is not configured")

// Options supplies runtime collaborators that do not belong in a config file.
// Zero values select defaults.
type Options struct {
	// HTTPClient replaces the client built from connect_timeout and
	// data_timeout.
	HTTPClient *http.Client

	// Logger replaces the logger built from log_level and log_format.
	Logger *slog.Logger

	// Registerer receives the request metrics. Nil registers nothing.
	Registerer prometheus.Registerer

	// Source replaces the credential source chosen from the config.
	Source auth.SourceFunc
}

// Grain binds one configuration to one storage client.
type Grain struct {
	cfg    *config.Resolved
	client *storage.Client
}

// New builds a Grain from resolved settings. ctx is bound into the
// credential gate and must outlive the returned value.
func New(ctx context.Context, cfg *config.Resolved, opts Options) (*Grain, error) {
	if cfg == nil {
		return nil, errors.New("grain: nil config")
	}

	logger := opts.Logger
	if logger == nil {
		logger = config.BuildLogger(cfg.LoggingConfig, os.Stderr)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(cfg)
	}

	source := opts.Source
	if source == nil {
		source = credentialSource(cfg, httpClient, logger)
	}

	gate := auth.NewGate(ctx, source, cfg.Scopes, logger)

	so := cfg.StorageOptions()
	so.HTTPClient = httpClient
	so.Logger = logger
	so.Limiter = storage.NewBandwidthLimiter(cfg.BandwidthBytesPerSec, logger)

	if opts.Registerer != nil {
		so.Observer = metrics.NewRequestMetrics(opts.Registerer)
	}

	logger.Debug("grain client configured",
		slog.String("base_url", cfg.BaseURL),
		slog.String("bucket", cfg.Bucket),
		slog.Int64("chunk_size", cfg.ChunkSizeBytes),
		slog.Int64("bandwidth_limit", cfg.BandwidthBytesPerSec),
	)

	return &Grain{
		cfg:    cfg,
		client: storage.NewClient(gate, so),
	}, nil
}

// Open resolves configuration from the default file, the GRAIN_*
// environment variables and ov, then builds a Grain.
func Open(ctx context.Context, ov config.Overrides, opts Options) (*Grain, error) {
	cfg, err := config.Resolve(config.ReadEnvOverrides(), ov)
	if err != nil {
		return nil, err
	}

	return New(ctx, cfg, opts)
}

// Storage returns the underlying client.
func (g *Grain) Storage() *storage.Client {
	return g.client
}

// Config returns the settings g was built from.
func (g *Grain) Config() *config.Resolved {
	return g.cfg
}

// Bucket returns a handle for name, or for the configured default bucket
// when name is empty.
func (g *Grain) Bucket(name string) (storage.BucketHandle, error) {
	if name == "" {
		name = g.cfg.Bucket
	}

	if name == "" {
		return storage.BucketHandle{}, storage.ErrBucketRequired
	}

	return g.client.Bucket(name), nil
}

// TmpBucket returns a handle for the configured scratch bucket.
func (g *Grain) TmpBucket() (storage.BucketHandle, error) {
	if g.cfg.TmpBucket == "" {
		return storage.BucketHandle{}, ErrNoTmpBucket
	}

	return g.client.Bucket(g.cfg.TmpBucket), nil
}

// Object returns a handle for key in bucket, falling back to the default
// bucket when bucket is empty.
func (g *Grain) Object(bucket, key string) (storage.ObjectHandle, error) {
	b, err := g.Bucket(bucket)
	if err != nil {
		return storage.ObjectHandle{}, err
	}

	if key == "" {
		return storage.ObjectHandle{}, storage.ErrKeyRequired
	}

	return b.Object(key), nil
}

// credentialSource picks the token source: an explicit token file, then
// client credentials, then the default token file location.
func credentialSource(cfg *config.Resolved, httpClient *http.Client, logger *slog.Logger) auth.SourceFunc {
	switch {
	case cfg.TokenFile != "":
		return auth.TokenFileSource(cfg.TokenFile, cfg.ClientSecret, logger)
	case cfg.ClientID != "":
		return auth.ClientCredentialsSource(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, httpClient)
	default:
		path := config.DefaultTokenPath()
		logger.Debug("no credentials configured, using default token file", slog.String("path", path))

		return auth.TokenFileSource(path, cfg.ClientSecret, logger)
	}
}

// newHTTPClient bounds connection setup and time-to-first-byte. Total
// request time is uncapped.
func newHTTPClient(cfg *config.Resolved) *http.Client {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Client{}
	}

	t := transport.Clone()
	t.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeoutDur}).DialContext
	t.TLSHandshakeTimeout = cfg.ConnectTimeoutDur
	t.ResponseHeaderTimeout = cfg.DataTimeoutDur

	return &http.Client{Transport: t}
}

// String describes g for logs.
func (g *Grain) String() string {
	return fmt.Sprintf("grain(%s, bucket=%q)", g.cfg.BaseURL, g.cfg.Bucket)
}
