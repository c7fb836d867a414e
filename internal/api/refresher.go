package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/storefront-dev/storefront-cli/internal/session"
)

// ErrNoRefreshToken is returned when a refresh is requested but the stored
// session carries no refresh token.
var ErrNoRefreshToken = errors.New("no refresh token in session")

// Refresher exchanges the stored refresh token for fresh access tokens.
// It talks to the refresh endpoint directly with its own transport, bypassing
// the clients' auth injection, and is shared by all clients so that
// concurrent 401s collapse into a single refresh call: the first caller
// performs the exchange, the rest wait for its result.
type Refresher struct {
	store *session.Store
	url   string
	http  *http.Client
	group singleflight.Group
}

// NewRefresher creates a refresher posting to the given absolute refresh URL.
func NewRefresher(store *session.Store, refreshURL string, timeout time.Duration) *Refresher {
	return &Refresher{
		store: store,
		url:   refreshURL,
		http:  &http.Client{Timeout: timeout},
	}
}

// refreshEnvelope is the wire shape of a refresh response.
type refreshEnvelope struct {
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token,omitempty"`
	} `json:"data,omitempty"`
}

// Refresh performs a single-flighted token refresh.
// On success the new tokens are merged into the stored session (fields not
// replaced, such as user info, are preserved) and the updated session is
// returned. It fails when no refresh token is stored, the endpoint is
// unreachable, or the response does not carry the expected envelope.
func (r *Refresher) Refresh(ctx context.Context) (*session.Session, error) {
	v, err, shared := r.group.Do("refresh", func() (any, error) {
		return r.refresh(ctx)
	})
	if shared {
		slog.Debug("token refresh shared with concurrent caller")
	}
	if err != nil {
		return nil, err
	}
	return v.(*session.Session), nil
}

func (r *Refresher) refresh(ctx context.Context) (*session.Session, error) {
	sess := r.store.Get()
	if sess == nil || sess.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	payload, err := json.Marshal(map[string]string{"refresh_token": sess.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, &RequestError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Message: err.Error(), Status: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{
			Message: fmt.Sprintf("token refresh rejected: %s", http.StatusText(resp.StatusCode)),
			Status:  resp.StatusCode,
			Payload: body,
		}
	}

	var env refreshEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed refresh response: %w", err)
	}
	if env.Success != nil && !*env.Success {
		return nil, &RequestError{Message: env.Message, Status: resp.StatusCode, Payload: body}
	}
	if env.Data == nil || env.Data.AccessToken == "" {
		return nil, fmt.Errorf("malformed refresh response: missing access token")
	}

	sess.AccessToken = env.Data.AccessToken
	if env.Data.RefreshToken != "" {
		sess.RefreshToken = env.Data.RefreshToken
	}

	if err := r.store.Set(sess); err != nil {
		slog.Warn("failed to persist refreshed session", "error", err)
	}

	slog.Debug("access token refreshed")
	return sess, nil
}
