package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/storefront-dev/storefront-cli/internal/api"
	"github.com/storefront-dev/storefront-cli/internal/config"
	"github.com/storefront-dev/storefront-cli/internal/session"
)

// Profile is the lightweight identity derived from JWT claims on the server,
// returned by GET /auth/profile without a database round trip.
type Profile struct {
	UserID      string         `json:"userId"`
	Email       string         `json:"email"`
	Name        string         `json:"name"`
	Preferences map[string]any `json:"preferences,omitempty"`
	LastLoginAt string         `json:"lastLoginAt,omitempty"`
}

// LogoutResult is the server's answer to a logout request.
type LogoutResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	IdpLogoutURL string `json:"idpLogoutUrl,omitempty"`
}

// Health is the auth service liveness payload.
type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// TokenInvalidator is implemented by anything holding cached bearer tokens
// that must be dropped when the session changes.
type TokenInvalidator interface {
	InvalidateToken()
}

// Service is the authentication flow controller. It owns every mutation of
// the session store besides the refresh path inside the HTTP client core.
type Service struct {
	cfg          *config.Config
	client       *api.Client // "auth" resource group on the backend origin
	loginClient  *api.Client // "api/auth" group on the auth-service origin
	store        *session.Store
	invalidators []TokenInvalidator
}

// NewService creates the flow controller.
// client serves the backend "auth" group (refresh, logout, profile, health);
// loginClient serves the token-exchange endpoint, which may live on a
// dedicated auth-service origin. invalidators are the token caches (typically
// every API client) to drop whenever the session changes.
func NewService(cfg *config.Config, client, loginClient *api.Client, store *session.Store, invalidators ...TokenInvalidator) *Service {
	return &Service{
		cfg:          cfg,
		client:       client,
		loginClient:  loginClient,
		store:        store,
		invalidators: invalidators,
	}
}

// invalidateTokens drops every registered bearer cache.
func (s *Service) invalidateTokens() {
	for _, inv := range s.invalidators {
		inv.InvalidateToken()
	}
}

// ExchangeCode exchanges the authorization code for tokens via
// POST {authOrigin}/api/auth/login. On success the session is persisted and
// cached tokens are invalidated. On any failure (transport error, missing
// access token) any partial session is cleared and no session is returned.
func (s *Service) ExchangeCode(ctx context.Context, code string) (*session.Session, error) {
	var sess session.Session
	err := s.loginClient.Post(ctx, api.Request{
		Path:   "login",
		Body:   map[string]string{"code": code},
		NoAuth: true,
	}, &sess)
	if err != nil {
		s.clearLocal()
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	if sess.AccessToken == "" {
		s.clearLocal()
		return nil, fmt.Errorf("code exchange failed: no access token in response")
	}

	if err := s.store.Set(&sess); err != nil {
		slog.Warn("failed to persist session", "error", err)
	}
	s.invalidateTokens()

	slog.Info("login successful", "token_type", sess.TokenType)
	return &sess, nil
}

// Refresh exchanges the refresh token for new tokens via POST /auth/refresh,
// merging them into the stored session (user info is preserved). It fails
// when the endpoint does not return the expected envelope.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*session.Session, error) {
	var data struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token,omitempty"`
	}
	err := s.client.Post(ctx, api.Request{
		Path:   "refresh",
		Body:   map[string]string{"refresh_token": refreshToken},
		NoAuth: true,
	}, &data)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	if data.AccessToken == "" {
		return nil, fmt.Errorf("token refresh failed: missing access token in response")
	}

	sess := s.store.Get()
	if sess == nil {
		sess = &session.Session{}
	}
	sess.AccessToken = data.AccessToken
	if data.RefreshToken != "" {
		sess.RefreshToken = data.RefreshToken
	}

	if err := s.store.Set(sess); err != nil {
		slog.Warn("failed to persist refreshed session", "error", err)
	}
	s.invalidateTokens()

	return sess, nil
}

// Logout calls POST /auth/logout, then clears the local session and cached
// tokens regardless of the server outcome. When the server call fails, local
// state is cleared before the failure is propagated: the client never stays
// logged in against a dead backend. A returned IdP logout URL, if any, is for
// the caller to navigate to.
func (s *Service) Logout(ctx context.Context) (*LogoutResult, error) {
	var result LogoutResult
	err := s.client.Post(ctx, api.Request{Path: "logout"}, &result)

	s.clearLocal()

	if err != nil {
		return nil, fmt.Errorf("server logout failed (local session cleared): %w", err)
	}

	if result.IdpLogoutURL != "" {
		slog.Debug("identity provider logout URL provided")
	}
	return &result, nil
}

// LogoutLocal clears the local session and cached tokens without contacting
// the server.
func (s *Service) LogoutLocal() {
	s.clearLocal()
}

func (s *Service) clearLocal() {
	if err := s.store.Clear(); err != nil {
		slog.Warn("failed to clear session store", "error", err)
	}
	s.invalidateTokens()
}

// GetProfile fetches the JWT-derived profile via GET /auth/profile.
func (s *Service) GetProfile(ctx context.Context) (*Profile, error) {
	var profile Profile
	if err := s.client.Get(ctx, api.Request{Path: "profile"}, &profile); err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return &profile, nil
}

// HealthCheck calls the unauthenticated GET /auth/health endpoint.
func (s *Service) HealthCheck(ctx context.Context) (*Health, error) {
	var h Health
	if err := s.client.GetNoAuth(ctx, api.Request{Path: "health"}, &h); err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	return &h, nil
}
