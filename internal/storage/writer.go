package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// WriteOptions configures one upload.
type WriteOptions struct {
	// Gzip compresses the stream and sets ContentEncoding to "gzip".
	Gzip bool
	// Encoder overrides the compression stage selected by Gzip.
	Encoder Encoder

	Metadata *ObjectAttrs

	// Offset and URI hand an existing session back for a caller-driven
	// resume.
	Offset int64
	URI    string

	PredefinedACL string
	Private       bool
	Public        bool

	ChunkSize int
}

// WriteStream uploads one object. No session exists until the first Write
// or Close. Writes block while the session sends a chunk, so a slow upload
// slows the producer down.
type WriteStream struct {
	client  *Client
	ref     ObjectRef
	opts    WriteOptions
	encoder Encoder
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	em     *emitter

	startOnce sync.Once
	abortOnce sync.Once

	mu      sync.Mutex
	session UploadSession
	enc     io.WriteCloser
	meta    *ResponseMeta
	attrs   *ObjectAttrs
	closed  bool
}

// NewWriter returns a lazily started upload of the object.
func (o ObjectHandle) NewWriter(ctx context.Context, opts WriteOptions) (*WriteStream, error) {
	if err := o.ref.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	return &WriteStream{
		client:  o.client,
		ref:     o.ref,
		opts:    opts,
		encoder: encoderFor(&opts),
		logger:  o.client.logger.With(slog.String("object", o.ref.String())),
		ctx:     ctx,
		cancel:  cancel,
		em:      newEmitter(),
	}, nil
}

// Upload copies r into the object and returns the stored object's attributes.
func (o ObjectHandle) Upload(ctx context.Context, r io.Reader, opts WriteOptions) (*ObjectAttrs, error) {
	w, err := o.NewWriter(ctx, opts)
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(w, r); err != nil {
		w.Abort()
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return w.Attrs(), nil
}

// Events returns the stream's lifecycle events: response and metadata from
// the session, then one terminal event.
func (w *WriteStream) Events() <-chan Event {
	return w.em.events
}

// Attrs returns the stored object's attributes once the upload completed.
func (w *WriteStream) Attrs() *ObjectAttrs {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.attrs
}

// Response returns the final response of the session, if any.
func (w *WriteStream) Response() *ResponseMeta {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.meta
}

// URI returns the session URI, which a caller may pass back in
// WriteOptions.URI to resume after a failure.
func (w *WriteStream) URI() string {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()

	if sess == nil {
		return w.opts.URI
	}

	return sess.URI()
}

// Offset returns how many bytes of the object the session has committed.
func (w *WriteStream) Offset() int64 {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()

	if sess == nil {
		return w.opts.Offset
	}

	return sess.Offset()
}

// Write feeds p through the encoder into the session.
func (w *WriteStream) Write(p []byte) (int, error) {
	if err := w.writable(); err != nil {
		return 0, err
	}

	if err := w.start(); err != nil {
		return 0, err
	}

	n, err := w.enc.Write(p)
	if err != nil {
		return n, w.fail(err)
	}

	return n, nil
}

// Close flushes the encoder, finishes the session and waits for the upload
// to complete. An empty stream still creates an empty object.
func (w *WriteStream) Close() error {
	if err := w.writable(); err != nil {
		if errors.Is(err, ErrStreamClosed) {
			return w.wait()
		}

		return err
	}

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	if err := w.start(); err != nil {
		return err
	}

	if err := w.enc.Close(); err != nil {
		return w.fail(err)
	}

	if err := w.session.Close(); err != nil {
		return w.fail(err)
	}

	return w.wait()
}

// Abort stops the upload. It is idempotent and safe after completion.
func (w *WriteStream) Abort() {
	w.abortOnce.Do(func() {
		w.fail(ErrAborted)
	})
}

// start creates the session on first use. A session construction failure
// destroys the stream.
func (w *WriteStream) start() error {
	w.startOnce.Do(func() {
		cfg := SessionConfig{
			Ref:           w.ref,
			Metadata:      mergeMetadata(w.opts.Metadata, w.encoder),
			Offset:        w.opts.Offset,
			URI:           w.opts.URI,
			PredefinedACL: w.opts.PredefinedACL,
			Private:       w.opts.Private,
			Public:        w.opts.Public,
			ChunkSize:     w.opts.ChunkSize,
		}

		sess, err := w.client.sessions.NewSession(w.ctx, cfg)
		if err != nil {
			w.logger.Warn("upload session construction failed", slog.String("error", err.Error()))
			w.fail(err)

			return
		}

		w.mu.Lock()
		if done, _ := w.em.state(); done {
			w.mu.Unlock()
			sess.Abort()

			return
		}

		w.session = sess
		w.enc = w.encoder.Wrap(w.client.limiter.WrapWriter(w.ctx, sess))
		w.mu.Unlock()

		w.logger.Debug("upload started",
			slog.String("encoding", w.encoder.Name()),
			slog.String("session", sess.URI()),
		)

		go w.relay(sess)
	})

	if done, err := w.em.state(); done {
		if err != nil {
			return err
		}

		return ErrStreamClosed
	}

	return nil
}

// relay forwards session events to the stream.
func (w *WriteStream) relay(sess UploadSession) {
	for ev := range sess.Events() {
		switch ev.Kind {
		case EventResponse:
			w.mu.Lock()
			w.meta = ev.Response
			w.mu.Unlock()
			w.em.response(ev.Response)
		case EventMetadata:
			w.mu.Lock()
			w.attrs = ev.Object
			w.mu.Unlock()
			w.em.metadata(ev.Object)
		case EventComplete:
			w.em.finish(nil)
			w.cancel()
			w.logger.Debug("upload complete")
		case EventError:
			w.fail(ev.Err)
		}
	}

	// A session that closes its events without a terminal event ended the
	// upload without completing it.
	w.fail(ErrStreamClosed)
}

// wait blocks for the terminal event. The relay records attributes before
// it forwards completion.
func (w *WriteStream) wait() error {
	<-w.em.done

	_, err := w.em.state()

	return err
}

// writable reports whether Write or Close may proceed.
func (w *WriteStream) writable() error {
	if done, err := w.em.state(); done {
		if err != nil {
			return err
		}

		return ErrStreamClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrStreamClosed
	}

	return nil
}

// fail records the first terminal error, aborts the session and returns the
// terminal error.
func (w *WriteStream) fail(err error) error {
	if w.em.finish(err) {
		w.mu.Lock()
		sess := w.session
		w.mu.Unlock()

		if sess != nil {
			sess.Abort()
		}

		w.cancel()

		if !errors.Is(err, ErrAborted) {
			w.logger.Error("upload failed", slog.String("error", err.Error()))
		}
	}

	if _, termErr := w.em.state(); termErr != nil {
		return termErr
	}

	return err
}

// mergeMetadata copies the caller's metadata and applies the encoder's
// content encoding. The caller's value is never modified.
func mergeMetadata(meta *ObjectAttrs, enc Encoder) *ObjectAttrs {
	merged := meta.clone()

	if ce := enc.ContentEncoding(); ce != "" {
		merged.ContentEncoding = ce
	}

	return merged
}
