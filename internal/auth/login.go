package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"golang.org/x/oauth2"

	"github.com/sandgrain/grain-storage/internal/tokenfile"
)

// DeviceAuth is what a user needs to approve a device login.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

// DeviceLogin obtains a user token with the OAuth2 device authorization grant
// and saves it where TokenFileSource will find it.
type DeviceLogin struct {
	ClientID      string
	ClientSecret  string
	DeviceAuthURL string
	TokenURL      string
	Scopes        []string

	// HTTPClient may be nil to use http.DefaultClient.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Run starts the device flow, hands the user code to display and blocks until
// the user approves, the code expires or ctx is canceled. The token is saved
// to path before Run returns.
func (d *DeviceLogin) Run(ctx context.Context, path string, display func(DeviceAuth)) (*oauth2.Token, error) {
	if d.ClientID == "" || d.DeviceAuthURL == "" || d.TokenURL == "" {
		return nil, errors.New("auth: device login needs client_id, device_auth_url and token_url")
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if d.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, d.HTTPClient)
	}

	cfg := &oauth2.Config{
		ClientID:     d.ClientID,
		ClientSecret: d.ClientSecret,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: d.DeviceAuthURL,
			TokenURL:      d.TokenURL,
		},
		Scopes: d.Scopes,
	}

	logger.Info("starting device code auth flow", slog.String("path", path))

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: device auth request failed: %w", err)
	}

	display(DeviceAuth{UserCode: da.UserCode, VerificationURI: da.VerificationURI})

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("auth: device code authorization failed: %w", err)
	}

	if err := tokenfile.Save(path, &tokenfile.File{
		Token:    tok,
		ClientID: d.ClientID,
		TokenURL: d.TokenURL,
		Scopes:   slices.Clone(d.Scopes),
	}); err != nil {
		return nil, fmt.Errorf("auth: saving token: %w", err)
	}

	logger.Info("login successful",
		slog.String("path", path),
		slog.Time("expiry", tok.Expiry),
	)

	return tok, nil
}
