package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"slices"
	"sync"
)

// maxReadRetries caps retries of a ReadStream: three attempts in total.
const maxReadRetries = 2

// copyBufferSize is the buffer WriteTo pulls through.
const copyBufferSize = 32 << 10

// StreamState is the lifecycle position of a ReadStream.
type StreamState int

// ReadStream states. Complete and Failed are terminal.
const (
	StateIdle StreamState = iota
	StateAuthenticating
	StateRequesting
	StateStreaming
	StateRetrying
	StateComplete
	StateFailed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateRetrying:
		return "retrying"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s StreamState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// HeaderSink is a destination that wants the response status and headers
// before any body bytes. http.ResponseWriter satisfies it.
type HeaderSink interface {
	Header() http.Header
	WriteHeader(statusCode int)
}

// attempt is one request of a ReadStream. Only the current attempt's channel
// is ever live; a retry aborts it before the next attempt opens.
type attempt struct {
	n  int
	ch *Channel
}

// ReadStream downloads one object. Nothing is sent until the first Read or
// WriteTo. A ReadStream is an io.ReadCloser for a single consumer; Attach,
// State and Close may be called from other goroutines.
type ReadStream struct {
	client *Client
	ref    ObjectRef
	desc   Descriptor
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	em     *emitter

	startOnce sync.Once

	mu       sync.Mutex
	state    StreamState
	retries  int
	attempts int
	cur      *attempt
	meta     *ResponseMeta
	sinks    []HeaderSink
	sent     []HeaderSink
	body     io.Reader
	closed   bool
	err      error
}

// NewReader returns a lazily started download of the object.
func (o ObjectHandle) NewReader(ctx context.Context) (*ReadStream, error) {
	if err := o.ref.Validate(); err != nil {
		return nil, err
	}

	c := o.client
	ctx, cancel := context.WithCancel(ctx)

	return &ReadStream{
		client: c,
		ref:    o.ref,
		desc: Descriptor{
			Method: http.MethodGet,
			URL:    c.downloadURL + "/" + url.PathEscape(o.ref.Bucket) + "/" + url.PathEscape(o.ref.Key),
			Gzip:   true,
			Op:     "download",
		},
		logger: c.logger.With(slog.String("object", o.ref.String())),
		ctx:    ctx,
		cancel: cancel,
		em:     newEmitter(),
	}, nil
}

// Download copies the object into w. If w is a HeaderSink, it receives the
// response status and headers first.
func (o ObjectHandle) Download(ctx context.Context, w io.Writer) (int64, error) {
	r, err := o.NewReader(ctx)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	return r.WriteTo(w)
}

// ReadAll downloads the whole object into memory.
func (o ObjectHandle) ReadAll(ctx context.Context) ([]byte, error) {
	r, err := o.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

// Ref returns the object this stream reads.
func (s *ReadStream) Ref() ObjectRef {
	return s.ref
}

// State returns the current lifecycle state.
func (s *ReadStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Attempts returns how many requests the stream has issued.
func (s *ReadStream) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.attempts
}

// Response returns the captured response of the successful attempt, or nil
// before streaming begins.
func (s *ReadStream) Response() *ResponseMeta {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.meta
}

// Events returns the stream's lifecycle events: at most one EventResponse,
// then one terminal event.
func (s *ReadStream) Events() <-chan Event {
	return s.em.events
}

// Wait blocks until the stream is complete or failed.
func (s *ReadStream) Wait(ctx context.Context) error {
	select {
	case <-s.em.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	_, err := s.em.state()

	return err
}

// Attach registers a destination for the response status and headers. If the
// response has already been captured, it is propagated before Attach returns.
// A destination receives headers at most once however often it is attached.
func (s *ReadStream) Attach(sink HeaderSink) {
	s.mu.Lock()

	if containsSink(s.sinks, sink) || containsSink(s.sent, sink) {
		s.mu.Unlock()
		return
	}

	meta := s.meta
	if meta != nil {
		s.sent = append(s.sent, sink)
	} else if !s.state.Terminal() {
		s.sinks = append(s.sinks, sink)
	}

	s.mu.Unlock()

	if meta != nil {
		propagateHeaders(sink, meta)
	}
}

// Read starts the download on first use and then streams the body.
func (s *ReadStream) Read(p []byte) (int, error) {
	s.startOnce.Do(s.connect)

	s.mu.Lock()
	state, termErr, body := s.state, s.err, s.body
	s.mu.Unlock()

	if state.Terminal() {
		if termErr != nil {
			return 0, termErr
		}

		return 0, io.EOF
	}

	n, err := body.Read(p)

	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		s.complete()
		return n, io.EOF
	default:
		return n, s.fail(err)
	}
}

// WriteTo streams the object into w. A HeaderSink destination is attached
// before the download starts.
func (s *ReadStream) WriteTo(w io.Writer) (int64, error) {
	if sink, ok := w.(HeaderSink); ok {
		s.Attach(sink)
	}

	buf := make([]byte, copyBufferSize)

	var written int64

	for {
		n, err := s.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)

			if werr == nil && m < n {
				werr = io.ErrShortWrite
			}

			if werr != nil {
				_ = s.Close()
				return written, werr
			}
		}

		if errors.Is(err, io.EOF) {
			return written, nil
		}

		if err != nil {
			return written, err
		}
	}
}

// Close abandons the download. A stream closed before it completes fails
// with ErrAborted; closing again or after completion is a no-op.
func (s *ReadStream) Close() error {
	s.mu.Lock()
	s.closed = true
	cur := s.cur
	s.mu.Unlock()

	if cur != nil {
		cur.ch.Abort()
	}

	s.fail(ErrAborted)
	s.cancel()

	return nil
}

// connect runs attempts until one streams or the stream fails.
func (s *ReadStream) connect() {
	for {
		a, ok := s.begin()
		if !ok {
			s.fail(ErrAborted)
			return
		}

		meta, err := s.await(a)

		switch {
		case err != nil:
			a.ch.Abort()

			if !s.retryable(err) || !s.backoff(a, err) {
				s.fail(err)
				return
			}

		case meta.StatusCode == http.StatusNotFound:
			serr := a.ch.statusError(meta, a.n)
			a.ch.Abort()
			s.logger.Debug("object not found")
			s.fail(serr)

			return

		case meta.StatusCode >= http.StatusBadRequest:
			serr := a.ch.statusError(meta, a.n)
			a.ch.Abort()

			if !s.backoff(a, serr) {
				s.logger.Error("download failed after retries",
					slog.Int("status", serr.StatusCode),
					slog.Int("attempts", a.n),
				)
				s.fail(serr)

				return
			}

		default:
			s.stream(a, meta)
			return
		}
	}
}

// begin opens the next attempt, or reports false if the stream was closed.
func (s *ReadStream) begin() (*attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.state.Terminal() {
		return nil, false
	}

	s.attempts++
	s.state = StateAuthenticating
	s.cur = &attempt{n: s.attempts, ch: s.client.Open(s.ctx, &s.desc)}

	return s.cur, true
}

// await follows an attempt through authorization to its response headers.
func (s *ReadStream) await(a *attempt) (*ResponseMeta, error) {
	select {
	case <-a.ch.Sent():
		s.transition(StateAuthenticating, StateRequesting)
	case <-a.ch.Done():
	}

	return a.ch.Response(s.ctx)
}

// retryable reports whether a failure before any response may be retried.
// Credential failures never are.
func (s *ReadStream) retryable(err error) bool {
	return errors.Is(err, ErrTransport) && s.ctx.Err() == nil
}

// backoff moves to Retrying and sleeps when the budget allows another
// attempt. It returns false when the stream must fail instead.
func (s *ReadStream) backoff(a *attempt, cause error) bool {
	s.mu.Lock()

	if s.closed || s.retries >= maxReadRetries {
		s.mu.Unlock()
		return false
	}

	s.retries++
	s.state = StateRetrying
	retry := s.retries
	s.mu.Unlock()

	s.client.observer.ObserveRetry(s.desc.Op)

	delay := calcBackoff(retry - 1)
	s.logger.Warn("retrying download",
		slog.Int("attempt", a.n),
		slog.Int("retry", retry),
		slog.Duration("backoff", delay),
		slog.String("error", cause.Error()),
	)

	return s.client.sleepFunc(s.ctx, delay) == nil
}

// stream captures the response, propagates it to attached sinks and starts
// delivering the body.
func (s *ReadStream) stream(a *attempt, meta *ResponseMeta) {
	s.mu.Lock()

	if s.closed || s.state.Terminal() {
		s.mu.Unlock()
		s.fail(ErrAborted)

		return
	}

	var body io.Reader = a.ch
	if s.client.validate {
		body = newVerifyingReader(body, meta)
	}

	s.meta = meta
	s.body = s.client.limiter.WrapReader(s.ctx, body)
	s.state = StateStreaming

	sinks := s.sinks
	s.sent = append(s.sent, sinks...)
	s.sinks = nil
	s.mu.Unlock()

	// Sinks run outside the lock; the body is not read until connect returns.
	for _, sink := range sinks {
		propagateHeaders(sink, meta)
	}

	s.em.response(meta)

	s.logger.Debug("download streaming",
		slog.Int("status", meta.StatusCode),
		slog.Int("attempt", a.n),
	)
}

func (s *ReadStream) transition(from, to StreamState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == from {
		s.state = to
	}
}

func (s *ReadStream) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}

	s.state = StateComplete
	s.em.finish(nil)
	s.cancel()
}

// fail moves the stream to Failed and returns the terminal error, which is
// the first failure recorded. Errors caused by Close surface as ErrAborted.
func (s *ReadStream) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		if s.err != nil {
			return s.err
		}

		return ErrStreamClosed
	}

	if s.closed {
		err = ErrAborted
	}

	s.state = StateFailed
	s.err = err
	s.sinks = nil

	if s.cur != nil {
		s.cur.ch.Abort()
	}

	s.em.finish(err)
	s.cancel()

	return err
}

// containsSink reports whether sink is already in sinks. Sinks of a
// non-comparable dynamic type never match.
func containsSink(sinks []HeaderSink, sink HeaderSink) bool {
	if t := reflect.TypeOf(sink); t == nil || !t.Comparable() {
		return false
	}

	return slices.ContainsFunc(sinks, func(other HeaderSink) bool {
		return reflect.TypeOf(other) == reflect.TypeOf(sink) && other == sink
	})
}

// propagateHeaders copies status and headers into sink.
func propagateHeaders(sink HeaderSink, meta *ResponseMeta) {
	h := sink.Header()
	for k, vs := range meta.Header {
		h[k] = append([]string(nil), vs...)
	}

	sink.WriteHeader(meta.StatusCode)
}
