package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MaxParallelDeletes is the ceiling on delete requests in flight during a
// bulk delete.
const MaxParallelDeletes = 10

// DeleteOutcome is the result of deleting one object. Err is nil on success.
type DeleteOutcome struct {
	Key string
	Err error
}

// DeleteOptions controls DeleteMatching.
type DeleteOptions struct {
	// Force records per-object failures and keeps going instead of stopping
	// at the first one.
	Force bool
}

// DeleteResult lists one outcome per listed key, in completion order.
type DeleteResult struct {
	Outcomes []DeleteOutcome
}

// Failed returns the outcomes that carry an error, skipped keys included.
func (r *DeleteResult) Failed() []DeleteOutcome {
	var failed []DeleteOutcome

	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}

	return failed
}

// Deleted returns how many objects were deleted.
func (r *DeleteResult) Deleted() int {
	n := 0

	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}

	return n
}

// Delete removes the object. A missing object counts as deleted.
func (o ObjectHandle) Delete(ctx context.Context) error {
	if err := o.ref.Validate(); err != nil {
		return err
	}

	c := o.client

	meta, body, err := c.roundTrip(ctx, &Descriptor{
		Method: http.MethodDelete,
		URL:    c.baseURL + "/b/" + url.PathEscape(o.ref.Bucket) + "/o/" + url.PathEscape(o.ref.Key),
		Op:     "delete",
	})
	if err != nil {
		return fmt.Errorf("storage: deleting %s: %w", o.ref, err)
	}

	switch {
	case meta.StatusCode == http.StatusNotFound:
		c.logger.Debug("delete: already absent", slog.String("object", o.ref.String()))
		return nil
	case meta.StatusCode >= http.StatusBadRequest:
		return newStatusError(http.MethodDelete, meta, body, 1)
	}

	c.logger.Debug("deleted object", slog.String("object", o.ref.String()))

	return nil
}

// DeleteMatching lists one page of objects matching q and deletes them with
// at most MaxParallelDeletes requests in flight.
//
// The returned error is nil when every delete succeeded, a
// *PartialFailureError when Force is set and some failed, and otherwise the
// fatal error: a listing failure or the first failed delete. Without Force,
// deletes not yet started when the first failure happens are skipped and
// recorded with ErrDeleteSkipped; deletes already in flight finish.
func (b BucketHandle) DeleteMatching(ctx context.Context, q *Query, opts DeleteOptions) (*DeleteResult, error) {
	page, err := b.List(ctx, q)
	if err != nil {
		return nil, err
	}

	result, fatal := b.deleteKeys(ctx, page.Names, opts)

	switch {
	case fatal != nil:
		return result, fatal
	case len(result.Failed()) > 0:
		return result, &PartialFailureError{Failures: result.Failed()}
	default:
		return result, nil
	}
}

// deleteKeys runs the bounded delete pool. Requests use the parent context
// so a fatal failure never interrupts deletes already in flight; the group
// context only gates admission.
func (b BucketHandle) deleteKeys(ctx context.Context, keys []string, opts DeleteOptions) (*DeleteResult, error) {
	result := &DeleteResult{Outcomes: make([]DeleteOutcome, 0, len(keys))}

	var mu sync.Mutex

	record := func(key string, err error) {
		mu.Lock()
		result.Outcomes = append(result.Outcomes, DeleteOutcome{Key: key, Err: err})
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxParallelDeletes)

	for i, key := range keys {
		// g.Go blocks while the pool is full; re-check afterwards.
		if gctx.Err() != nil {
			for _, rest := range keys[i:] {
				record(rest, ErrDeleteSkipped)
			}

			break
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				record(key, ErrDeleteSkipped)
				return nil
			}

			err := b.Object(key).Delete(ctx)
			record(key, err)

			if err == nil || opts.Force {
				if err != nil {
					b.client.logger.Warn("delete failed, continuing",
						slog.String("bucket", b.name),
						slog.String("key", key),
						slog.String("error", err.Error()),
					)
				}

				return nil
			}

			return err
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		b.client.logger.Warn("bulk delete stopped",
			slog.String("bucket", b.name),
			slog.Int("keys", len(keys)),
			slog.String("error", err.Error()),
		)
	}

	if err == nil {
		err = ctx.Err()
	}

	return result, err
}
