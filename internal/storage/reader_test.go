package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadStream_RetriesUpstreamThenFails(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			var requests atomic.Int32

			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				requests.Add(1)
				w.WriteHeader(status)
				_, _ = w.Write([]byte("backend unavailable"))
			}))

			r, err := c.Bucket("bucket").Object("obj").NewReader(context.Background())
			require.NoError(t, err)

			_, err = io.ReadAll(r)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUpstream)
			assert.ErrorIs(t, err, ErrServerError)
			assert.NotErrorIs(t, err, ErrNotFound)

			var serr *StatusError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, status, serr.StatusCode)
			assert.Equal(t, 3, serr.Attempts)
			assert.Equal(t, "backend unavailable", serr.Message)

			assert.Equal(t, int32(3), requests.Load())
			assert.Equal(t, 3, r.Attempts())
			assert.Equal(t, StateFailed, r.State())

			events := drainEvents(t, r.Events())
			require.Equal(t, []EventKind{EventError}, eventKinds(events))
		})
	}
}

func TestReadStream_SucceedsOnThirdAttempt(t *testing.T) {
	var requests atomic.Int32

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("must not reach the consumer"))

			return
		}

		_, _ = w.Write([]byte("fresh body"))
	}))

	data, err := c.Bucket("bucket").Object("obj").ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh body", string(data))
	assert.Equal(t, int32(3), requests.Load())
}

func TestReadStream_NotFoundNeverRetried(t *testing.T) {
	var requests atomic.Int32

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		http.NotFound(w, nil)
	}))

	_, err := c.Bucket("bucket").Object("missing").ReadAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrUpstream)
	assert.Equal(t, int32(1), requests.Load())
}

func TestReadStream_HelloScenario(t *testing.T) {
	var requests atomic.Int32

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/download/bucket/logs/2024.gz", r.URL.Path)
		assert.Equal(t, "/download/bucket/logs%2F2024.gz", r.URL.EscapedPath())
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write([]byte("hello"))
	}))

	r, err := c.Bucket("bucket").Object("logs/2024.gz").NewReader(context.Background())
	require.NoError(t, err)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int32(1), requests.Load())
	assert.Equal(t, StateComplete, r.State())

	events := drainEvents(t, r.Events())
	require.Equal(t, []EventKind{EventResponse, EventComplete}, eventKinds(events))
	assert.Equal(t, http.StatusOK, events[0].Response.StatusCode)

	// A finished stream keeps reporting EOF.
	n, err := r.Read(make([]byte, 4))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadStream_LazyStart(t *testing.T) {
	var requests atomic.Int32

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte("x"))
	}))

	r, err := c.Bucket("bucket").Object("obj").NewReader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, r.State())
	assert.Equal(t, int32(0), requests.Load())

	require.NoError(t, r.Close())
	assert.Equal(t, int32(0), requests.Load())

	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, int32(0), requests.Load())
}

func TestReadStream_HeaderPropagationIsAttachOrderIndependent(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Goog-Generation", "42")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("body bytes"))
	}))

	obj := c.Bucket("bucket").Object("obj")

	// Attached before the response exists.
	early := httptest.NewRecorder()
	n, err := obj.Download(context.Background(), early)
	require.NoError(t, err)
	assert.Equal(t, int64(len("body bytes")), n)
	assert.Equal(t, "body bytes", early.Body.String())

	// Attached after streaming began.
	r, err := obj.NewReader(context.Background())
	require.NoError(t, err)

	first := make([]byte, 4)
	_, err = io.ReadFull(r, first)
	require.NoError(t, err)
	assert.Equal(t, StateStreaming, r.State())

	late := httptest.NewRecorder()
	r.Attach(late)
	assert.Equal(t, "42", late.Header().Get("X-Goog-Generation"))

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "body bytes", string(first)+string(rest))

	earlyRes, lateRes := early.Result(), late.Result()
	assert.Equal(t, earlyRes.StatusCode, lateRes.StatusCode)
	assert.Equal(t, "text/plain", lateRes.Header.Get("Content-Type"))
	assert.Equal(t, earlyRes.Header.Get("Content-Type"), lateRes.Header.Get("Content-Type"))
	assert.Equal(t, earlyRes.Header.Get("X-Goog-Generation"), lateRes.Header.Get("X-Goog-Generation"))
	assert.Equal(t, "42", earlyRes.Header.Get("X-Goog-Generation"))
}

// countingSink counts header deliveries and may call back into the stream.
type countingSink struct {
	header      http.Header
	body        bytes.Buffer
	writeHeader int
	status      int
	onHeader    func()
}

func newCountingSink() *countingSink {
	return &countingSink{header: http.Header{}}
}

func (c *countingSink) Header() http.Header { return c.header }

func (c *countingSink) WriteHeader(code int) {
	c.writeHeader++
	c.status = code

	if c.onHeader != nil {
		c.onHeader()
	}
}

func (c *countingSink) Write(p []byte) (int, error) { return c.body.Write(p) }

func helloServer(t *testing.T) *Client {
	t.Helper()

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Goog-Generation", "7")
		_, _ = w.Write([]byte("hello"))
	}))

	return c
}

func TestReadStream_AttachThenWriteToSendsHeadersOnce(t *testing.T) {
	r, err := helloServer(t).Bucket("bucket").Object("obj").NewReader(context.Background())
	require.NoError(t, err)

	sink := newCountingSink()
	r.Attach(sink)
	r.Attach(sink)

	_, err = r.WriteTo(sink)
	require.NoError(t, err)
	assert.Equal(t, 1, sink.writeHeader)
	assert.Equal(t, http.StatusOK, sink.status)
	assert.Equal(t, "hello", sink.body.String())
}

func TestReadStream_LateAttachTwiceSendsHeadersOnce(t *testing.T) {
	r, err := helloServer(t).Bucket("bucket").Object("obj").NewReader(context.Background())
	require.NoError(t, err)

	_, err = r.Read(make([]byte, 1))
	require.NoError(t, err)

	sink := newCountingSink()
	r.Attach(sink)
	r.Attach(sink)
	assert.Equal(t, 1, sink.writeHeader)
	assert.Equal(t, "7", sink.header.Get("X-Goog-Generation"))

	require.NoError(t, r.Close())
}

func TestReadStream_SinkMayQueryStreamFromWriteHeader(t *testing.T) {
	r, err := helloServer(t).Bucket("bucket").Object("obj").NewReader(context.Background())
	require.NoError(t, err)

	var seen StreamState

	early := newCountingSink()
	early.onHeader = func() {
		seen = r.State()
		assert.NotNil(t, r.Response())
	}
	r.Attach(early)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, StateStreaming, seen)

	late := newCountingSink()
	late.onHeader = func() { _ = r.State() }
	r.Attach(late)
	assert.Equal(t, 1, late.writeHeader)
}

func TestReadStream_FailedAttemptHeadersNotPropagated(t *testing.T) {
	var requests atomic.Int32

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("X-Attempt", "failed")
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		w.Header().Set("X-Attempt", "good")
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	_, err := c.Bucket("bucket").Object("obj").Download(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "good", rec.Result().Header.Get("X-Attempt"))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReadStream_TransportErrorWhileStreamingNotRetried(t *testing.T) {
	var requests atomic.Int32

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("only ten b"))
	}))

	_, err := c.Bucket("bucket").Object("obj").ReadAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, int32(1), requests.Load())
}

func TestReadStream_TransportErrorBeforeResponseRetried(t *testing.T) {
	var requests atomic.Int32

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if assert.NoError(t, err) {
				conn.Close()
			}

			return
		}

		_, _ = w.Write([]byte("second try"))
	}))

	data, err := c.Bucket("bucket").Object("obj").ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second try", string(data))
	assert.Equal(t, int32(2), requests.Load())
}

func TestReadStream_AuthFailureNotRetried(t *testing.T) {
	var requests, authCalls atomic.Int32

	c, _ := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		requests.Add(1)
	}))

	c.auth = authFunc(func(context.Context, *http.Request) error {
		authCalls.Add(1)
		return ErrAuthFailure
	})

	r, err := c.Bucket("bucket").Object("obj").NewReader(context.Background())
	require.NoError(t, err)

	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrAuthFailure)
	assert.Equal(t, int32(0), requests.Load())
	assert.Equal(t, int32(1), authCalls.Load())
	assert.Equal(t, 1, r.Attempts())
}

func TestReadStream_CloseWhileStreaming(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("first chunk"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))

	r, err := c.Bucket("bucket").Object("obj").NewReader(context.Background())
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.Read(buf)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, StateFailed, r.State())

	events := drainEvents(t, r.Events())
	require.Equal(t, []EventKind{EventResponse, EventError}, eventKinds(events))
	assert.ErrorIs(t, events[1].Err, ErrAborted)
}

func TestReadStream_WriteToStopsOnWriterError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("z"), 1024))
	}))

	sinkErr := errors.New("disk full")

	_, err := c.Bucket("bucket").Object("obj").Download(context.Background(), failingWriter{err: sinkErr})
	assert.ErrorIs(t, err, sinkErr)
}

func TestDownload_DecodesGzip(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte("compressed on the wire"))
		_ = zw.Close()

		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))

	var out bytes.Buffer
	n, err := c.Bucket("bucket").Object("obj").Download(context.Background(), &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len("compressed on the wire")), n)
	assert.Equal(t, "compressed on the wire", out.String())
}

func TestNewReader_RequiresRef(t *testing.T) {
	c := NewClient(nil, Options{})

	_, err := c.Bucket("").Object("k").NewReader(context.Background())
	assert.ErrorIs(t, err, ErrBucketRequired)

	_, err = c.Bucket("b").Object("").NewReader(context.Background())
	assert.ErrorIs(t, err, ErrKeyRequired)
}

func TestStreamState_String(t *testing.T) {
	assert.Equal(t, "retrying", StateRetrying.String())
	assert.True(t, StateComplete.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateStreaming.Terminal())
}

type failingWriter struct {
	err error
}

func (f failingWriter) Write([]byte) (int, error) {
	return 0, f.err
}
