// Package auth decorates outbound storage requests with OAuth2 bearer
// credentials. The Gate owns every credential it hands out; callers only ever
// see an authorized *http.Request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// ErrAuthFailure marks every credential acquisition failure. Use
// errors.Is(err, auth.ErrAuthFailure) to detect it through wrapping.
var ErrAuthFailure = errors.New("auth: credential acquisition failed")

// ErrNotLoggedIn is returned by file-backed sources when no token is saved.
var ErrNotLoggedIn = errors.New("auth: no saved token")

// AuthError carries the scope set that could not be authorized and the
// underlying cause. It matches both ErrAuthFailure and the cause.
type AuthError struct {
	Scopes []string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: obtaining credential for [%s]: %v", strings.Join(e.Scopes, " "), e.Err)
}

func (e *AuthError) Unwrap() []error {
	return []error{ErrAuthFailure, e.Err}
}

// SourceFunc mints a token source for a scope set. It is called at most once
// per distinct scope set for the lifetime of a Gate.
type SourceFunc func(ctx context.Context, scopes []string) (oauth2.TokenSource, error)

// Gate authorizes requests with a bearer credential. Credentials are cached
// per scope set and refreshed transparently on expiry by
// oauth2.ReuseTokenSource, so concurrent requests share one token read-only.
type Gate struct {
	newSource SourceFunc
	scopes    []string
	logger    *slog.Logger

	// ctx is bound into every minted token source. It must outlive the Gate;
	// canceling it makes silent refresh fail.
	ctx context.Context

	mu    sync.Mutex
	cache map[string]oauth2.TokenSource
}

// NewGate creates a Gate that authorizes with the given default scopes.
func NewGate(ctx context.Context, newSource SourceFunc, scopes []string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}

	return &Gate{
		newSource: newSource,
		scopes:    slices.Clone(scopes),
		logger:    logger,
		ctx:       ctx,
		cache:     make(map[string]oauth2.TokenSource),
	}
}

// Authorize sets the Authorization header on req using the default scopes.
func (g *Gate) Authorize(ctx context.Context, req *http.Request) error {
	return g.AuthorizeScopes(ctx, req, g.scopes)
}

// AuthorizeScopes sets the Authorization header on req for a specific scope
// set. Failures are never retried here; they surface as *AuthError.
func (g *Gate) AuthorizeScopes(ctx context.Context, req *http.Request, scopes []string) error {
	if err := ctx.Err(); err != nil {
		return &AuthError{Scopes: scopes, Err: err}
	}

	src, err := g.source(scopes)
	if err != nil {
		g.logger.Warn("token source unavailable",
			slog.String("scopes", scopeKey(scopes)),
			slog.String("error", err.Error()),
		)

		return &AuthError{Scopes: scopes, Err: err}
	}

	tok, err := fetchToken(ctx, src)
	if err != nil {
		g.logger.Warn("token acquisition failed",
			slog.String("scopes", scopeKey(scopes)),
			slog.String("error", err.Error()),
		)

		return &AuthError{Scopes: scopes, Err: err}
	}

	g.logger.Debug("token acquired",
		slog.Time("expiry", tok.Expiry),
		slog.Bool("valid", tok.Valid()),
	)

	tok.SetAuthHeader(req)

	return nil
}

// fetchToken returns as soon as ctx is done. A fetch already in flight keeps
// running on the gate's context and still fills the ReuseTokenSource cache.
func fetchToken(ctx context.Context, src oauth2.TokenSource) (*oauth2.Token, error) {
	type result struct {
		tok *oauth2.Token
		err error
	}

	ch := make(chan result, 1)

	go func() {
		tok, err := src.Token()
		ch <- result{tok, err}
	}()

	select {
	case r := <-ch:
		return r.tok, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// source returns the cached token source for scopes, minting one on miss.
func (g *Gate) source(scopes []string) (oauth2.TokenSource, error) {
	key := scopeKey(scopes)

	g.mu.Lock()
	defer g.mu.Unlock()

	if src, ok := g.cache[key]; ok {
		return src, nil
	}

	src, err := g.newSource(g.ctx, scopes)
	if err != nil {
		return nil, err
	}

	src = oauth2.ReuseTokenSource(nil, src)
	g.cache[key] = src

	return src, nil
}

// scopeKey normalizes a scope set so permutations share a cache entry.
func scopeKey(scopes []string) string {
	sorted := slices.Clone(scopes)
	slices.Sort(sorted)

	return strings.Join(slices.Compact(sorted), " ")
}
