package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sandgrain/grain-storage/internal/tokenfile"
)

// StaticSource serves a fixed access token regardless of scope. Intended for
// emulators and tests.
func StaticSource(accessToken string) SourceFunc {
	return func(_ context.Context, _ []string) (oauth2.TokenSource, error) {
		return oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: accessToken,
			TokenType:   "Bearer",
		}), nil
	}
}

// ClientCredentialsSource mints tokens with the OAuth2 client credentials
// grant. httpClient may be nil to use http.DefaultClient.
func ClientCredentialsSource(clientID, clientSecret, tokenURL string, httpClient *http.Client) SourceFunc {
	return func(ctx context.Context, scopes []string) (oauth2.TokenSource, error) {
		if clientID == "" || tokenURL == "" {
			return nil, fmt.Errorf("auth: client credentials need client_id and token_url")
		}

		cfg := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}

		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}

		return cfg.TokenSource(ctx), nil
	}
}

// TokenFileSource loads a saved token from path and refreshes it against the
// token endpoint recorded in the file. Refreshed tokens are written back so a
// rotated refresh token survives process restarts.
func TokenFileSource(path, clientSecret string, logger *slog.Logger) SourceFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, scopes []string) (oauth2.TokenSource, error) {
		tf, err := tokenfile.Load(path)
		if err != nil {
			return nil, err
		}

		if tf == nil {
			return nil, ErrNotLoggedIn
		}

		if !tf.Covers(scopes) {
			return nil, fmt.Errorf("auth: token in %s was not issued for the requested scopes", path)
		}

		logger.Info("loaded saved token",
			slog.String("path", path),
			slog.Time("expiry", tf.Token.Expiry),
		)

		cfg := &oauth2.Config{
			ClientID:     tf.ClientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tf.TokenURL},
			Scopes:       scopes,
		}

		return &persistingSource{
			src:    cfg.TokenSource(ctx, tf.Token),
			path:   path,
			last:   tf.Token.AccessToken,
			logger: logger,
		}, nil
	}
}

// persistingSource writes a token back to disk whenever the wrapped source
// returns a different access token than the last one seen.
type persistingSource struct {
	src    oauth2.TokenSource
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tok.AccessToken == p.last {
		return tok, nil
	}

	p.last = tok.AccessToken

	if saveErr := tokenfile.UpdateToken(p.path, tok); saveErr != nil {
		// The token is still usable for this process.
		p.logger.Warn("failed to persist refreshed token",
			slog.String("path", p.path),
			slog.String("error", saveErr.Error()),
		)

		return tok, nil
	}

	p.logger.Info("persisted refreshed token",
		slog.String("path", p.path),
		slog.Time("new_expiry", tok.Expiry),
	)

	return tok, nil
}
