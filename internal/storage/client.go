package storage

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Default endpoints of the remote service.
const (
	DefaultBaseURL         = "https://www.googleapis.com/storage/v1"
	DefaultDownloadBaseURL = "https://storage.googleapis.com"
	DefaultUploadBaseURL   = "https://www.googleapis.com/upload/storage/v1"
	DefaultUserAgent       = "grain-storage/0.1"
)

// Backoff between read attempts.
const (
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 16 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// tracerName identifies spans produced by this package.
const tracerName = "github.com/sandgrain/grain-storage/internal/storage"

// Authorizer decorates an outbound request with a credential. Satisfied by
// *auth.Gate; defined here, at the consumer.
type Authorizer interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// Observer receives per-request measurements. Satisfied by
// *metrics.RequestMetrics.
type Observer interface {
	ObserveRequest(op string, status int, err error, d time.Duration)
	ObserveBytes(op string, n int64)
	ObserveRetry(op string)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, int, error, time.Duration) {}
func (nopObserver) ObserveBytes(string, int64)                       {}
func (nopObserver) ObserveRetry(string)                              {}

// Options configures a Client. Zero values select defaults.
type Options struct {
	BaseURL         string
	DownloadBaseURL string
	UploadBaseURL   string
	UserAgent       string
	ProjectID       string
	ChunkSize       int

	// DisableDownloadValidation skips checksum verification of downloads.
	DisableDownloadValidation bool

	HTTPClient *http.Client
	Logger     *slog.Logger
	Observer   Observer
	Limiter    *BandwidthLimiter
	Sessions   SessionFactory
	Tracer     trace.Tracer
}

// Client issues authenticated requests against the storage service. A Client
// holds no per-object state and is safe for concurrent use; targets are
// passed to each operation as ObjectRef values.
type Client struct {
	baseURL     string
	downloadURL string
	uploadURL   string
	userAgent   string
	projectID   string
	chunkSize   int
	validate    bool

	httpClient *http.Client
	auth       Authorizer
	logger     *slog.Logger
	observer   Observer
	limiter    *BandwidthLimiter
	sessions   SessionFactory
	tracer     trace.Tracer

	// sleepFunc waits between read attempts. Tests override it to avoid
	// real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client that authorizes every request through auth.
func NewClient(auth Authorizer, opts Options) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(orDefault(opts.BaseURL, DefaultBaseURL), "/"),
		downloadURL: strings.TrimRight(orDefault(opts.DownloadBaseURL, DefaultDownloadBaseURL), "/"),
		uploadURL:   strings.TrimRight(orDefault(opts.UploadBaseURL, DefaultUploadBaseURL), "/"),
		userAgent:   orDefault(opts.UserAgent, DefaultUserAgent),
		projectID:   opts.ProjectID,
		chunkSize:   normalizeChunkSize(opts.ChunkSize),
		validate:    !opts.DisableDownloadValidation,
		httpClient:  opts.HTTPClient,
		auth:        auth,
		logger:      opts.Logger,
		observer:    opts.Observer,
		limiter:     opts.Limiter,
		tracer:      opts.Tracer,
		sleepFunc:   timeSleep,
	}

	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.observer == nil {
		c.observer = nopObserver{}
	}

	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}

	c.sessions = opts.Sessions
	if c.sessions == nil {
		c.sessions = &ResumableSessions{client: c}
	}

	return c
}

// Bucket returns a handle for the named bucket. Handles are cheap values.
func (c *Client) Bucket(name string) BucketHandle {
	return BucketHandle{client: c, name: name}
}

// Object returns a handle for one object.
func (c *Client) Object(ref ObjectRef) ObjectHandle {
	return ObjectHandle{client: c, ref: ref}
}

// BucketHandle scopes listing and bulk operations to one bucket.
type BucketHandle struct {
	client *Client
	name   string
}

// Name returns the bucket name.
func (b BucketHandle) Name() string {
	return b.name
}

// Object returns a handle for key inside this bucket.
func (b BucketHandle) Object(key string) ObjectHandle {
	return b.client.Object(ObjectRef{Bucket: b.name, Key: key})
}

// ObjectHandle binds one ObjectRef for streaming operations. Copying a handle
// never aliases another operation's target.
type ObjectHandle struct {
	client *Client
	ref    ObjectRef
}

// Ref returns the object reference this handle is bound to.
func (o ObjectHandle) Ref() ObjectRef {
	return o.ref
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}

	return v
}
