package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// listResponse is the wire shape of an object listing.
type listResponse struct {
	Items         []ObjectAttrs `json:"items"`
	Prefixes      []string      `json:"prefixes"`
	NextPageToken string        `json:"nextPageToken"`
}

// List fetches one page of objects matching q. Pagination is driven by the
// caller through ObjectPage.NextQuery.
func (b BucketHandle) List(ctx context.Context, q *Query) (*ObjectPage, error) {
	if b.name == "" {
		return nil, ErrBucketRequired
	}

	c := b.client

	meta, body, err := c.roundTrip(ctx, &Descriptor{
		Method: http.MethodGet,
		URL:    c.baseURL + "/b/" + url.PathEscape(b.name) + "/o",
		Query:  q.values(),
		Op:     "list",
	})
	if err != nil {
		return nil, fmt.Errorf("storage: listing %s: %w", b.name, err)
	}

	if meta.StatusCode >= http.StatusBadRequest {
		return nil, newStatusError(http.MethodGet, meta, body, 1)
	}

	page := &ObjectPage{}

	if len(bytes.TrimSpace(body)) == 0 {
		return page, nil
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Warn("malformed listing response",
			slog.String("bucket", b.name),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: listing %s: %w", ErrMalformedResponse, b.name, err)
	}

	page.Items = resp.Items
	page.Prefixes = resp.Prefixes
	page.Names = make([]string, 0, len(resp.Items))

	for i := range resp.Items {
		page.Names = append(page.Names, resp.Items[i].Name)
	}

	if resp.NextPageToken != "" {
		next := Query{}
		if q != nil {
			next = *q
		}

		next.PageToken = resp.NextPageToken
		page.NextQuery = &next
	}

	c.logger.Debug("listed objects",
		slog.String("bucket", b.name),
		slog.Int("count", len(page.Items)),
		slog.Bool("more", page.NextQuery != nil),
	)

	return page, nil
}
