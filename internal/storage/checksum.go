package storage

import (
	"crypto/md5" //nolint:gosec // md5 is the service's own content digest, not a security primitive
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
)

// hashHeader carries the stored object's digests, e.g.
// "crc32c=n03x6A==,md5=Ojk9c3dhfxgoKVVHYwFbHQ==".
const hashHeader = "X-Goog-Hash"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrChecksumMismatch marks a download whose bytes do not match the digest
// the service advertised.
var ErrChecksumMismatch = errors.New("storage: checksum mismatch")

// ChecksumError reports which digest disagreed.
type ChecksumError struct {
	Algorithm string
	Want      string
	Got       string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("storage: %s mismatch: want %s, got %s", e.Algorithm, e.Want, e.Got)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// digests are the base64 values advertised in hashHeader.
type digests struct {
	crc32c string
	md5    string
}

// parseDigests reads every hashHeader value. Unknown algorithms are ignored.
func parseDigests(h http.Header) digests {
	var d digests

	for _, v := range h.Values(hashHeader) {
		for _, part := range strings.Split(v, ",") {
			alg, val, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok {
				continue
			}

			switch strings.ToLower(alg) {
			case "crc32c":
				d.crc32c = val
			case "md5":
				d.md5 = val
			}
		}
	}

	return d
}

// verifyingReader hashes everything read through it and checks the result
// against the advertised digests at EOF. crc32c is preferred; md5 is only
// checked when no crc32c was advertised.
type verifyingReader struct {
	r    io.Reader
	alg  string
	want string
	h    hash.Hash
}

// newVerifyingReader wraps r when meta carries a usable digest. A decoded
// body or a response without digests is returned unwrapped.
func newVerifyingReader(r io.Reader, meta *ResponseMeta) io.Reader {
	if meta.Decoded {
		return r
	}

	d := parseDigests(meta.Header)

	switch {
	case d.crc32c != "":
		return &verifyingReader{r: r, alg: "crc32c", want: d.crc32c, h: crc32.New(castagnoli)}
	case d.md5 != "":
		return &verifyingReader{r: r, alg: "md5", want: d.md5, h: md5.New()} //nolint:gosec // see import
	default:
		return r
	}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.h.Write(p[:n])
	}

	if errors.Is(err, io.EOF) {
		if got := base64.StdEncoding.EncodeToString(v.h.Sum(nil)); got != v.want {
			return n, &ChecksumError{Algorithm: v.alg, Want: v.want, Got: got}
		}
	}

	return n, err
}
