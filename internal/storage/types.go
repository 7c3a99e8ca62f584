package storage

import (
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ObjectRef names one object. It is a value: every operation receives its own
// copy, so nothing about a target is ever stored on a shared Client.
type ObjectRef struct {
	Bucket string
	Key    string
}

// Validate reports a missing bucket or key.
func (r ObjectRef) Validate() error {
	if r.Bucket == "" {
		return ErrBucketRequired
	}

	if r.Key == "" {
		return ErrKeyRequired
	}

	return nil
}

func (r ObjectRef) String() string {
	return r.Bucket + "/" + r.Key
}

// ObjectAttrs is the object resource document. It doubles as upload metadata
// and as the decoded form of listing and upload responses.
type ObjectAttrs struct {
	Name               string            `json:"name,omitempty"`
	Bucket             string            `json:"bucket,omitempty"`
	ContentType        string            `json:"contentType,omitempty"`
	ContentEncoding    string            `json:"contentEncoding,omitempty"`
	ContentDisposition string            `json:"contentDisposition,omitempty"`
	CacheControl       string            `json:"cacheControl,omitempty"`
	Size               int64             `json:"size,string,omitempty"`
	MD5Hash            string            `json:"md5Hash,omitempty"`
	CRC32C             string            `json:"crc32c,omitempty"`
	Generation         int64             `json:"generation,string,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Updated            time.Time         `json:"updated,omitzero"`
}

// clone returns a copy that shares no maps with a.
func (a *ObjectAttrs) clone() *ObjectAttrs {
	if a == nil {
		return &ObjectAttrs{}
	}

	c := *a
	c.Metadata = maps.Clone(a.Metadata)

	return &c
}

// ResponseMeta is the status line and headers of one attempt. Body holds the
// response document of write-class requests and is nil otherwise.
type ResponseMeta struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Decoded is set when the body was gzip-decoded on the way in, so its
	// bytes no longer match the service's stored checksums.
	Decoded bool
}

// Query selects objects in a listing.
type Query struct {
	Prefix     string
	Delimiter  string
	MaxResults int
	PageToken  string
	Versions   bool
}

func (q *Query) values() url.Values {
	v := url.Values{}
	if q == nil {
		return v
	}

	if q.Prefix != "" {
		v.Set("prefix", q.Prefix)
	}

	if q.Delimiter != "" {
		v.Set("delimiter", q.Delimiter)
	}

	if q.MaxResults > 0 {
		v.Set("maxResults", strconv.Itoa(q.MaxResults))
	}

	if q.PageToken != "" {
		v.Set("pageToken", q.PageToken)
	}

	if q.Versions {
		v.Set("versions", "true")
	}

	return v
}

// ObjectPage is one page of a listing. NextQuery is nil on the last page;
// otherwise it is the caller's query with the page token advanced.
type ObjectPage struct {
	Names     []string
	Items     []ObjectAttrs
	Prefixes  []string
	NextQuery *Query
}
