package storage

import (
	"compress/gzip"
	"io"
)

// Encoder is the compression stage between a WriteStream's consumer and its
// upload session. Wrap must not buffer more than one compression window, so
// backpressure from the session reaches the consumer.
type Encoder interface {
	Name() string
	// ContentEncoding is merged into the upload metadata; empty for identity.
	ContentEncoding() string
	Wrap(w io.Writer) io.WriteCloser
}

// IdentityEncoder passes bytes through unchanged.
type IdentityEncoder struct{}

func (IdentityEncoder) Name() string            { return "identity" }
func (IdentityEncoder) ContentEncoding() string { return "" }

func (IdentityEncoder) Wrap(w io.Writer) io.WriteCloser {
	return nopWriteCloser{w}
}

// GzipEncoder compresses with gzip at Level (zero selects the default).
type GzipEncoder struct {
	Level int
}

func (GzipEncoder) Name() string            { return "gzip" }
func (GzipEncoder) ContentEncoding() string { return "gzip" }

func (g GzipEncoder) Wrap(w io.Writer) io.WriteCloser {
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}

	zw, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		// Invalid level: fall back rather than fail the upload.
		return gzip.NewWriter(w)
	}

	return zw
}

// encoderFor selects the strategy for a WriteOptions value.
func encoderFor(opts *WriteOptions) Encoder {
	switch {
	case opts.Encoder != nil:
		return opts.Encoder
	case opts.Gzip:
		return GzipEncoder{}
	default:
		return IdentityEncoder{}
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
