// Package auth drives the OAuth2 authorization-code flow against the
// storefront backend: authorize URL construction, code exchange, token
// refresh, logout, and the lightweight profile endpoint.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	mrand "math/rand"

	"golang.org/x/oauth2"

	"github.com/storefront-dev/storefront-cli/internal/api"
)

// CallbackPath is the fixed path the identity provider redirects back to.
const CallbackPath = "/auth/callback"

// oauthScope is the fixed scope requested on every login.
const oauthScope = "openid profile"

// LoginRequest holds everything needed to send the user to the identity
// provider: the full authorize URL and the CSRF state to verify on return.
type LoginRequest struct {
	// AuthURL is the complete authorization URL to open in a browser.
	AuthURL string

	// State is the per-attempt CSRF token embedded in AuthURL. The callback
	// must echo it back.
	State string

	// RedirectURI is where the provider will send the user after consent.
	RedirectURI string
}

// InitiateLogin validates the backend origin and builds the authorize URL
// `{origin}/{prefix}/oauth2/authorize` with client_id, redirect_uri, scope,
// response_type=code, and a fresh random state. It performs no network work:
// on a missing or malformed origin it fails with a *config.ConfigError before
// anything else happens. callbackOrigin is the local origin that will receive
// the redirect (e.g., "http://127.0.0.1:9876").
func (s *Service) InitiateLogin(callbackOrigin string) (*LoginRequest, error) {
	if err := s.cfg.ValidateOrigin(); err != nil {
		return nil, err
	}

	state := generateState()
	redirectURI := callbackOrigin + CallbackPath

	oc := oauth2.Config{
		ClientID:    s.cfg.OAuth.ClientID,
		RedirectURL: redirectURI,
		Scopes:      []string{oauthScope},
		Endpoint: oauth2.Endpoint{
			AuthURL: api.JoinURL(s.cfg.Backend.Origin, s.cfg.Backend.APIPrefix, "oauth2", "authorize"),
		},
	}

	authURL := oc.AuthCodeURL(state)

	slog.Debug("built authorize URL",
		"client_id", s.cfg.OAuth.ClientID,
		"redirect_uri", redirectURI,
	)

	return &LoginRequest{
		AuthURL:     authURL,
		State:       state,
		RedirectURI: redirectURI,
	}, nil
}

// generateState creates a random state parameter for CSRF protection:
// 32 random bytes encoded as hex (64 characters). crypto/rand is used when
// available, with a non-cryptographic fallback so login never hard-fails on
// an exhausted entropy source.
func generateState() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		slog.Warn("secure random source unavailable, using fallback", "error", err)
		for i := range b {
			b[i] = byte(mrand.Intn(256))
		}
	}
	return hex.EncodeToString(b)
}
