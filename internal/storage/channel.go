package storage

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxResponseDocument bounds the response body captured for write-class
// requests and for error messages.
const maxResponseDocument = 1 << 20

// maxErrorMessage bounds how much of an error body ends up in an error.
const maxErrorMessage = 4 << 10

var (
	errReadOnlyChannel  = errors.New("storage: channel is read-only")
	errWriteOnlyChannel = errors.New("storage: channel is write-only")
	errRequestEnded     = errors.New("storage: request ended before the body was fully written")
)

// Descriptor describes one request. Open copies it, so the caller may reuse
// the value afterwards.
type Descriptor struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header

	// Body is a fixed request body for write-class requests. When nil, the
	// body is streamed through Channel.Write.
	Body          io.Reader
	ContentLength int64

	// Gzip negotiates a gzip-encoded response and decodes it.
	Gzip bool

	// Unauthenticated skips the credential gate (pre-authenticated URLs).
	Unauthenticated bool

	// Op labels logs, spans and metrics.
	Op string
}

// readClass reports whether method streams its response downstream.
func readClass(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodDelete, http.MethodHead:
		return true
	default:
		return false
	}
}

// Channel is one authenticated HTTP request exposed as a byte channel.
// Read-class channels (GET, DELETE) are readable; write-class channels (POST,
// PUT) are writable and capture the response document into ResponseMeta.
type Channel struct {
	client   *Client
	desc     Descriptor
	readable bool

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	start  time.Time

	em      *emitter
	sent    chan struct{}
	ready   chan struct{}
	sentMu  sync.Once
	readyMu sync.Once
	abort   sync.Once
	bytes   atomic.Int64

	pr *io.PipeReader
	pw *io.PipeWriter

	mu   sync.Mutex
	meta *ResponseMeta
	body io.ReadCloser
}

// Open starts a request and returns its channel immediately. Authorization
// and the round trip run on a separate goroutine.
func (c *Client) Open(ctx context.Context, desc *Descriptor) *Channel {
	d := *desc
	d.Method = strings.ToUpper(orDefault(d.Method, http.MethodGet))
	d.Header = desc.Header.Clone()
	d.Op = orDefault(d.Op, strings.ToLower(d.Method))

	if desc.Query != nil {
		d.Query = url.Values(http.Header(desc.Query).Clone())
	}

	ctx, cancel := context.WithCancel(ctx)
	ctx, span := c.tracer.Start(ctx, "storage."+d.Op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", d.Method),
			attribute.String("storage.op", d.Op),
		),
	)

	ch := &Channel{
		client:   c,
		desc:     d,
		readable: readClass(d.Method),
		ctx:      ctx,
		cancel:   cancel,
		span:     span,
		start:    time.Now(),
		em:       newEmitter(),
		sent:     make(chan struct{}),
		ready:    make(chan struct{}),
	}

	if !ch.readable && d.Body == nil {
		ch.pr, ch.pw = io.Pipe()
	}

	go ch.run()

	return ch
}

// Events returns the lifecycle events of the request. The channel is closed
// after the terminal event.
func (ch *Channel) Events() <-chan Event {
	return ch.em.events
}

// Sent is closed once the request has been authorized and handed to the
// transport.
func (ch *Channel) Sent() <-chan struct{} {
	return ch.sent
}

// Done is closed after the terminal event.
func (ch *Channel) Done() <-chan struct{} {
	return ch.em.done
}

// Response blocks until the response headers arrive or the request fails
// before producing a response.
func (ch *Channel) Response(ctx context.Context) (*ResponseMeta, error) {
	select {
	case <-ch.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ch.mu.Lock()
	meta := ch.meta
	ch.mu.Unlock()

	if meta != nil {
		return meta, nil
	}

	_, err := ch.em.state()
	if err == nil {
		err = ErrAborted
	}

	return nil, err
}

// Wait blocks until the terminal event and returns its error.
func (ch *Channel) Wait(ctx context.Context) error {
	select {
	case <-ch.em.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	_, err := ch.em.state()

	return err
}

// Read streams the response body of a read-class request. No data is
// returned after the channel has failed.
func (ch *Channel) Read(p []byte) (int, error) {
	if !ch.readable {
		return 0, errWriteOnlyChannel
	}

	<-ch.ready

	if done, err := ch.em.state(); done {
		if err == nil {
			return 0, io.EOF
		}

		return 0, err
	}

	ch.mu.Lock()
	body := ch.body
	ch.mu.Unlock()

	n, err := body.Read(p)
	if n > 0 {
		ch.bytes.Add(int64(n))
	}

	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		ch.finish(nil)
		return n, io.EOF
	}

	if done, termErr := ch.em.state(); done && termErr != nil {
		// Aborted while reading; report the terminal error, not the
		// closed-body error it caused.
		return n, termErr
	}

	terr := &TransportError{Op: ch.desc.Op, Err: err}
	ch.finish(terr)

	return n, terr
}

// Write streams request body bytes of a write-class request.
func (ch *Channel) Write(p []byte) (int, error) {
	if ch.readable || ch.pw == nil {
		return 0, errReadOnlyChannel
	}

	n, err := ch.pw.Write(p)
	if err == nil {
		return n, nil
	}

	// The transport stopped consuming the body; report why.
	<-ch.em.done

	if _, termErr := ch.em.state(); termErr != nil {
		return n, termErr
	}

	return n, errRequestEnded
}

// Close ends the request body of a streamed write-class request. On a
// read-class channel it releases the response like Abort.
func (ch *Channel) Close() error {
	if ch.readable {
		ch.Abort()
		return nil
	}

	if ch.pw != nil {
		return ch.pw.Close()
	}

	return nil
}

// Abort releases the transport. It is idempotent, safe before or after
// completion, and never produces a second terminal event.
func (ch *Channel) Abort() {
	ch.abort.Do(func() {
		ch.finish(ErrAborted)
		ch.cancel()
	})
}

// run authorizes and performs the round trip.
func (ch *Channel) run() {
	req, err := ch.buildRequest()
	if err != nil {
		ch.finish(err)
		return
	}

	if !ch.desc.Unauthenticated {
		if authErr := ch.client.auth.Authorize(ch.ctx, req); authErr != nil {
			ch.finish(authErr)
			return
		}
	}

	ch.sentMu.Do(func() { close(ch.sent) })

	resp, err := ch.client.httpClient.Do(req)
	if err != nil {
		ch.finish(&TransportError{Op: ch.desc.Op, Err: err})
		return
	}

	meta := &ResponseMeta{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}
	ch.span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	body, err := ch.decodeBody(resp, meta)
	if err != nil {
		resp.Body.Close()
		ch.finish(&TransportError{Op: ch.desc.Op, Err: err})

		return
	}

	if !ch.readable {
		data, readErr := io.ReadAll(io.LimitReader(body, maxResponseDocument))
		body.Close()

		if readErr != nil {
			ch.finish(&TransportError{Op: ch.desc.Op, Err: readErr})
			return
		}

		meta.Body = data
		ch.respond(meta, nil)
		ch.finish(nil)

		return
	}

	ch.respond(meta, body)
}

// buildRequest turns the descriptor into an *http.Request.
func (ch *Channel) buildRequest() (*http.Request, error) {
	target := ch.desc.URL
	if len(ch.desc.Query) > 0 {
		target += "?" + ch.desc.Query.Encode()
	}

	var body io.Reader = http.NoBody

	switch {
	case ch.desc.Body != nil:
		body = ch.desc.Body
	case ch.pr != nil:
		body = ch.pr
	}

	req, err := http.NewRequestWithContext(ch.ctx, ch.desc.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("storage: creating %s request: %w", ch.desc.Op, err)
	}

	for k, vs := range ch.desc.Header {
		req.Header[k] = vs
	}

	if ch.desc.ContentLength > 0 {
		req.ContentLength = ch.desc.ContentLength
	}

	req.Header.Set("User-Agent", ch.client.userAgent)

	if ch.client.projectID != "" {
		req.Header.Set("X-Goog-User-Project", ch.client.projectID)
	}

	if ch.desc.Gzip {
		// Setting the header ourselves disables the transport's transparent
		// decoding; decodeBody does it instead.
		req.Header.Set("Accept-Encoding", "gzip")
	}

	return req, nil
}

// decodeBody unwraps a gzip-encoded response when gzip was negotiated.
func (ch *Channel) decodeBody(resp *http.Response, meta *ResponseMeta) (io.ReadCloser, error) {
	if !ch.desc.Gzip || !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return resp.Body, nil
	}

	meta.Header.Del("Content-Encoding")
	meta.Header.Del("Content-Length")
	meta.Decoded = true

	zr, err := gzip.NewReader(resp.Body)
	if errors.Is(err, io.EOF) {
		resp.Body.Close()
		return http.NoBody, nil
	}

	if err != nil {
		return nil, fmt.Errorf("opening gzip body: %w", err)
	}

	return &gzipBody{Reader: zr, raw: resp.Body}, nil
}

// respond publishes the response headers. If the channel was aborted in the
// meantime, the body is released instead.
func (ch *Channel) respond(meta *ResponseMeta, body io.ReadCloser) {
	ch.mu.Lock()

	if done, _ := ch.em.state(); done {
		ch.mu.Unlock()

		if body != nil {
			body.Close()
		}

		return
	}

	ch.meta = meta
	ch.body = body
	ch.mu.Unlock()

	ch.em.response(meta)
	ch.readyMu.Do(func() { close(ch.ready) })
}

// finish emits the terminal event once and releases every resource.
func (ch *Channel) finish(err error) {
	if !ch.em.finish(err) {
		return
	}

	ch.readyMu.Do(func() { close(ch.ready) })

	ch.mu.Lock()
	body := ch.body
	status := 0

	if ch.meta != nil {
		status = ch.meta.StatusCode
	}
	ch.mu.Unlock()

	if body != nil {
		body.Close()
	}

	if ch.pr != nil {
		closeErr := err
		if closeErr == nil {
			closeErr = errRequestEnded
		}

		ch.pr.CloseWithError(closeErr)
	}

	ch.cancel()

	elapsed := time.Since(ch.start)
	ch.client.observer.ObserveRequest(ch.desc.Op, status, err, elapsed)

	if n := ch.bytes.Load(); n > 0 {
		ch.client.observer.ObserveBytes(ch.desc.Op, n)
	}

	if err != nil && !errors.Is(err, ErrAborted) {
		ch.span.RecordError(err)
		ch.span.SetStatus(codes.Error, err.Error())
		ch.client.logger.Debug("request failed",
			slog.String("op", ch.desc.Op),
			slog.String("method", ch.desc.Method),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	} else {
		ch.client.logger.Debug("request finished",
			slog.String("op", ch.desc.Op),
			slog.String("method", ch.desc.Method),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed),
		)
	}

	ch.span.End()
}

// statusError builds a StatusError from a failed read-class response,
// consuming at most maxErrorMessage bytes of its body. The caller aborts the
// channel afterwards.
func (ch *Channel) statusError(meta *ResponseMeta, attempts int) *StatusError {
	body := meta.Body

	if ch.readable {
		body, _ = io.ReadAll(io.LimitReader(ch, maxErrorMessage)) //nolint:errcheck // best-effort read for the message
	}

	return newStatusError(ch.desc.Method, meta, body, attempts)
}

func newStatusError(method string, meta *ResponseMeta, body []byte, attempts int) *StatusError {
	if len(body) > maxErrorMessage {
		body = body[:maxErrorMessage]
	}

	return &StatusError{
		StatusCode: meta.StatusCode,
		Method:     method,
		RequestID:  meta.Header.Get("X-Guploader-Uploadid"),
		Message:    strings.TrimSpace(string(body)),
		Attempts:   attempts,
	}
}

// roundTrip performs one request to completion and returns its response with
// at most maxResponseDocument bytes of body. Status codes are not classified.
func (c *Client) roundTrip(ctx context.Context, desc *Descriptor) (*ResponseMeta, []byte, error) {
	ch := c.Open(ctx, desc)
	defer ch.Abort()

	meta, err := ch.Response(ctx)
	if err != nil {
		return nil, nil, err
	}

	if !ch.readable {
		if err := ch.Wait(ctx); err != nil {
			return nil, nil, err
		}

		return meta, meta.Body, nil
	}

	body, err := io.ReadAll(io.LimitReader(ch, maxResponseDocument))
	if err != nil {
		return nil, nil, err
	}

	return meta, body, nil
}

// gzipBody closes both the decoder and the raw body.
type gzipBody struct {
	*gzip.Reader
	raw io.Closer
}

func (g *gzipBody) Close() error {
	zerr := g.Reader.Close()
	if err := g.raw.Close(); err != nil {
		return err
	}

	return zerr
}
