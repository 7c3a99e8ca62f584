package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Upload chunks must be a multiple of this size, except the last one.
const (
	chunkAlignment   = 256 << 10
	DefaultChunkSize = 8 << 20
)

// statusResumeIncomplete is the intermediate status of a resumable upload.
const statusResumeIncomplete = 308

// SessionConfig describes one upload session.
type SessionConfig struct {
	Ref      ObjectRef
	Metadata *ObjectAttrs

	// Offset and URI resume an existing session: bytes written to the
	// session start at Offset of the object.
	Offset int64
	URI    string

	PredefinedACL string
	Private       bool
	Public        bool

	ChunkSize int
}

// UploadSession moves the bytes of one upload to the service. Events follows
// the channel contract: at most one EventResponse and one EventMetadata, then
// exactly one terminal event.
type UploadSession interface {
	io.WriteCloser
	Abort()
	Events() <-chan Event
	URI() string
	Offset() int64
}

// SessionFactory constructs upload sessions. A returned error is fatal to the
// WriteStream that asked for the session.
type SessionFactory interface {
	NewSession(ctx context.Context, cfg SessionConfig) (UploadSession, error)
}

// ResumableSessions is the default SessionFactory, speaking the resumable
// upload protocol of the storage service.
type ResumableSessions struct {
	client *Client
}

// NewResumableSessions returns the default SessionFactory for c.
func NewResumableSessions(c *Client) *ResumableSessions {
	return &ResumableSessions{client: c}
}

// NewSession initiates a resumable upload, or adopts cfg.URI when resuming.
func (f *ResumableSessions) NewSession(ctx context.Context, cfg SessionConfig) (UploadSession, error) {
	if err := cfg.Ref.Validate(); err != nil {
		return nil, err
	}

	c := f.client
	uri := cfg.URI

	if uri == "" {
		var err error

		uri, err = f.initiate(ctx, &cfg)
		if err != nil {
			return nil, err
		}
	}

	chunkSize := c.chunkSize
	if cfg.ChunkSize > 0 {
		chunkSize = normalizeChunkSize(cfg.ChunkSize)
	}

	ctx, cancel := context.WithCancel(ctx)

	return &resumableSession{
		client:    c,
		ref:       cfg.Ref,
		ctx:       ctx,
		cancel:    cancel,
		uri:       uri,
		offset:    cfg.Offset,
		chunkSize: chunkSize,
		em:        newEmitter(),
	}, nil
}

// initiate posts the object metadata and returns the session URI.
func (f *ResumableSessions) initiate(ctx context.Context, cfg *SessionConfig) (string, error) {
	c := f.client

	doc, err := json.Marshal(cfg.Metadata.clone())
	if err != nil {
		return "", fmt.Errorf("storage: encoding upload metadata: %w", err)
	}

	query := url.Values{}
	query.Set("uploadType", "resumable")
	query.Set("name", cfg.Ref.Key)

	if acl := predefinedACL(cfg); acl != "" {
		query.Set("predefinedAcl", acl)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=UTF-8")
	header.Set("X-Goog-Gcs-Idempotency-Token", uuid.NewString())

	if cfg.Metadata != nil && cfg.Metadata.ContentType != "" {
		header.Set("X-Upload-Content-Type", cfg.Metadata.ContentType)
	}

	meta, body, err := c.roundTrip(ctx, &Descriptor{
		Method:        http.MethodPost,
		URL:           c.uploadURL + "/b/" + url.PathEscape(cfg.Ref.Bucket) + "/o",
		Query:         query,
		Header:        header,
		Body:          bytes.NewReader(doc),
		ContentLength: int64(len(doc)),
		Op:            "upload_initiate",
	})
	if err != nil {
		return "", err
	}

	if meta.StatusCode >= http.StatusBadRequest {
		return "", newStatusError(http.MethodPost, meta, body, 1)
	}

	uri := meta.Header.Get("Location")
	if uri == "" {
		return "", fmt.Errorf("%w: upload session response has no Location", ErrMalformedResponse)
	}

	c.logger.Debug("upload session initiated", slog.String("object", cfg.Ref.String()))

	return uri, nil
}

// predefinedACL resolves the visibility flags; an explicit ACL wins.
func predefinedACL(cfg *SessionConfig) string {
	switch {
	case cfg.PredefinedACL != "":
		return cfg.PredefinedACL
	case cfg.Private:
		return "private"
	case cfg.Public:
		return "publicRead"
	default:
		return ""
	}
}

// normalizeChunkSize rounds n up to the chunk alignment; zero or negative
// selects DefaultChunkSize.
func normalizeChunkSize(n int) int {
	if n <= 0 {
		return DefaultChunkSize
	}

	if rem := n % chunkAlignment; rem != 0 {
		n += chunkAlignment - rem
	}

	return n
}

// resumableSession buffers at most one chunk and sends it with a
// Content-Range PUT. The last chunk is held back until Close so that it can
// carry the total size.
type resumableSession struct {
	client    *Client
	ref       ObjectRef
	ctx       context.Context
	cancel    context.CancelFunc
	chunkSize int
	em        *emitter

	mu     sync.Mutex
	uri    string
	offset int64
	buf    []byte
	closed bool
	abort  sync.Once
}

func (s *resumableSession) Events() <-chan Event { return s.em.events }

func (s *resumableSession) URI() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.uri
}

func (s *resumableSession) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.offset
}

func (s *resumableSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return 0, err
	}

	written := 0

	for len(p) > 0 {
		// A full buffer is flushed only once more bytes arrive, so the final
		// chunk always remains for Close.
		if len(s.buf) == s.chunkSize {
			if err := s.flush(); err != nil {
				return written, err
			}
		}

		take := min(len(p), s.chunkSize-len(s.buf))
		s.buf = append(s.buf, p[:take]...)
		p = p[take:]
		written += take
	}

	return written, nil
}

// Close sends the final chunk and completes the upload.
func (s *resumableSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}

	s.closed = true
	total := s.offset + int64(len(s.buf))

	var rng string
	if len(s.buf) == 0 {
		rng = fmt.Sprintf("bytes */%d", total)
	} else {
		rng = fmt.Sprintf("bytes %d-%d/%d", s.offset, total-1, total)
	}

	meta, body, err := s.put(rng, s.buf)
	if err != nil {
		return s.fail(err)
	}

	switch {
	case meta.StatusCode == http.StatusOK || meta.StatusCode == http.StatusCreated:
	case meta.StatusCode == statusResumeIncomplete:
		return s.fail(fmt.Errorf("storage: upload of %s left incomplete at %s", s.ref, meta.Header.Get("Range")))
	default:
		return s.fail(newStatusError(http.MethodPut, meta, body, 1))
	}

	attrs := &ObjectAttrs{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, attrs); err != nil {
			return s.fail(fmt.Errorf("%w: upload response: %w", ErrMalformedResponse, err))
		}
	}

	s.offset = total
	s.buf = nil

	s.em.response(meta)
	s.em.metadata(attrs)
	s.em.finish(nil)
	s.cancel()

	return nil
}

// Abort stops the session. Bytes already committed stay on the service and
// the session URI remains valid for a caller-driven resume.
func (s *resumableSession) Abort() {
	s.abort.Do(func() {
		s.em.finish(ErrAborted)
		s.cancel()
	})
}

// usable reports why the session can no longer accept calls.
func (s *resumableSession) usable() error {
	if done, err := s.em.state(); done {
		if err != nil {
			return err
		}

		return ErrStreamClosed
	}

	if s.closed {
		return ErrStreamClosed
	}

	return nil
}

// flush sends the buffered chunk as an intermediate chunk. Bytes the service
// did not commit stay buffered for the next request.
func (s *resumableSession) flush() error {
	end := s.offset + int64(len(s.buf))

	meta, body, err := s.put(fmt.Sprintf("bytes %d-%d/*", s.offset, end-1), s.buf)
	if err != nil {
		return s.fail(err)
	}

	if meta.StatusCode != statusResumeIncomplete {
		if meta.StatusCode < http.StatusBadRequest {
			return s.fail(fmt.Errorf("storage: upload of %s finished before its last chunk (HTTP %d)", s.ref, meta.StatusCode))
		}

		return s.fail(newStatusError(http.MethodPut, meta, body, 1))
	}

	committed, err := committedOffset(meta.Header.Get("Range"))
	if err != nil {
		return s.fail(err)
	}

	if committed <= s.offset || committed > end {
		return s.fail(fmt.Errorf("%w: committed offset %d outside chunk %d-%d", ErrMalformedResponse, committed, s.offset, end))
	}

	s.buf = append(s.buf[:0], s.buf[committed-s.offset:]...)
	s.offset = committed

	return nil
}

// put sends one chunk to the session URI. Session URIs are pre-authorized.
func (s *resumableSession) put(contentRange string, chunk []byte) (*ResponseMeta, []byte, error) {
	header := http.Header{}
	header.Set("Content-Range", contentRange)

	return s.client.roundTrip(s.ctx, &Descriptor{
		Method:          http.MethodPut,
		URL:             s.uri,
		Header:          header,
		Body:            bytes.NewReader(chunk),
		ContentLength:   int64(len(chunk)),
		Unauthenticated: true,
		Op:              "upload_chunk",
	})
}

func (s *resumableSession) fail(err error) error {
	if errors.Is(err, context.Canceled) {
		if done, termErr := s.em.state(); done && termErr != nil {
			return termErr
		}
	}

	s.em.finish(err)
	s.cancel()

	return err
}

// committedOffset parses the Range header of a 308 response ("bytes=0-N")
// into the next offset. A missing header means nothing was committed.
func committedOffset(h string) (int64, error) {
	if h == "" {
		return 0, nil
	}

	_, last, ok := strings.Cut(strings.TrimPrefix(h, "bytes="), "-")
	if !ok {
		return 0, fmt.Errorf("%w: Range %q", ErrMalformedResponse, h)
	}

	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: Range %q: %w", ErrMalformedResponse, h, err)
	}

	return n + 1, nil
}
