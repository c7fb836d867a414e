package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/storefront-dev/storefront-cli/internal/api"
	"github.com/storefront-dev/storefront-cli/internal/config"
	"github.com/storefront-dev/storefront-cli/internal/session"
)

// countingInvalidator records cache invalidations.
type countingInvalidator struct {
	count int
}

func (c *countingInvalidator) InvalidateToken() {
	c.count++
}

// newBackedService wires a Service against a fake backend serving both the
// auth group and the token-exchange endpoint.
func newBackedService(t *testing.T, handler http.Handler) (*Service, *session.Store, *countingInvalidator) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	cfg := config.DefaultConfig()
	cfg.Backend.Origin = ts.URL
	cfg.Backend.AuthOrigin = ts.URL

	store := session.NewStore(filepath.Join(t.TempDir(), "session.json"))
	clientCfg := api.ClientConfig{Origin: ts.URL, Store: store, Timeout: 5 * time.Second}
	authClient := api.NewClient("auth", clientCfg)
	loginClient := api.NewClient("api/auth", clientCfg)

	inv := &countingInvalidator{}
	return NewService(cfg, authClient, loginClient, store, inv), store, inv
}

func TestExchangeCodePersistsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["code"] != "abc" {
			t.Errorf("code = %q, want abc", body["code"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "acc-1",
			"refreshToken": "ref-1",
			"tokenType":    "Bearer",
			"expiresIn":    3600,
			"userInfo":     map[string]any{"email": "alice@example.com", "name": "Alice"},
		})
	})

	svc, store, inv := newBackedService(t, mux)

	sess, err := svc.ExchangeCode(context.Background(), "abc")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}
	if sess.AccessToken != "acc-1" || sess.RefreshToken != "ref-1" {
		t.Errorf("session = %+v", sess)
	}
	if sess.UserInfo == nil || sess.UserInfo.Name != "Alice" {
		t.Errorf("user info = %+v", sess.UserInfo)
	}

	stored := store.Get()
	if stored == nil || stored.AccessToken != "acc-1" {
		t.Errorf("stored session = %+v", stored)
	}
	if inv.count == 0 {
		t.Error("cached tokens not invalidated after login")
	}
}

func TestExchangeCodeMissingAccessToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tokenType": "Bearer"})
	})

	svc, store, _ := newBackedService(t, mux)

	// A stale session must be gone afterwards.
	store.Set(&session.Session{AccessToken: "stale"})

	sess, err := svc.ExchangeCode(context.Background(), "abc")
	if err == nil {
		t.Fatal("expected error for missing access token")
	}
	if sess != nil {
		t.Errorf("session = %+v, want nil", sess)
	}
	if store.Get() != nil {
		t.Error("existing session not cleared on failed exchange")
	}
}

func TestExchangeCodeTransportFailure(t *testing.T) {
	svc, store, _ := newBackedService(t, http.NewServeMux()) // 404s everything
	store.Set(&session.Session{AccessToken: "stale"})

	sess, err := svc.ExchangeCode(context.Background(), "abc")
	if err == nil || sess != nil {
		t.Fatalf("sess=%+v err=%v, want nil session and error", sess, err)
	}
	if store.Get() != nil {
		t.Error("existing session not cleared on failed exchange")
	}
}

func TestRefreshMergesIntoSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]string{"access_token": "acc-2"},
		})
	})

	svc, store, inv := newBackedService(t, mux)
	store.Set(&session.Session{
		AccessToken:  "acc-1",
		RefreshToken: "ref-1",
		UserInfo:     &session.UserSummary{Name: "Alice"},
	})

	sess, err := svc.Refresh(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if sess.AccessToken != "acc-2" {
		t.Errorf("access token = %s, want acc-2", sess.AccessToken)
	}
	if sess.RefreshToken != "ref-1" {
		t.Errorf("refresh token = %s, want preserved", sess.RefreshToken)
	}
	if sess.UserInfo == nil || sess.UserInfo.Name != "Alice" {
		t.Error("user info not preserved")
	}
	if inv.count == 0 {
		t.Error("cached tokens not invalidated after refresh")
	}
}

func TestRefreshMalformedEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{}}`))
	})

	svc, _, _ := newBackedService(t, mux)

	if _, err := svc.Refresh(context.Background(), "ref-1"); err == nil {
		t.Error("expected error for envelope without access token")
	}
}

func TestLogoutClearsLocalState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success":      true,
			"message":      "bye",
			"idpLogoutUrl": "https://idp.example.com/logout",
		})
	})

	svc, store, inv := newBackedService(t, mux)
	store.Set(&session.Session{AccessToken: "acc-1"})

	result, err := svc.Logout(context.Background())
	if err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if result.IdpLogoutURL != "https://idp.example.com/logout" {
		t.Errorf("idp logout URL = %s", result.IdpLogoutURL)
	}
	if store.Get() != nil {
		t.Error("session not cleared after logout")
	}
	if inv.count == 0 {
		t.Error("cached tokens not invalidated after logout")
	}
}

func TestLogoutServerFailureStillClears(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	svc, store, _ := newBackedService(t, mux)
	store.Set(&session.Session{AccessToken: "acc-1"})

	if _, err := svc.Logout(context.Background()); err == nil {
		t.Fatal("expected error from failed server logout")
	}
	if store.Get() != nil {
		t.Error("session not cleared when server logout failed")
	}
}

func TestLogoutLocal(t *testing.T) {
	svc, store, inv := newBackedService(t, http.NewServeMux())
	store.Set(&session.Session{AccessToken: "acc-1"})

	svc.LogoutLocal()

	if store.Get() != nil {
		t.Error("session not cleared by local logout")
	}
	if inv.count == 0 {
		t.Error("cached tokens not invalidated by local logout")
	}
}

func TestGetProfile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer acc-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"userId": "u-1",
			"email":  "alice@example.com",
			"name":   "Alice",
		})
	})

	svc, store, _ := newBackedService(t, mux)
	store.Set(&session.Session{AccessToken: "acc-1"})

	profile, err := svc.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if profile.UserID != "u-1" || profile.Email != "alice@example.com" {
		t.Errorf("profile = %+v", profile)
	}
}

func TestHealthCheckUnauthenticated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("health check sent an Authorization header")
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "timestamp": "2024-01-01T00:00:00Z"})
	})

	svc, store, _ := newBackedService(t, mux)
	store.Set(&session.Session{AccessToken: "acc-1"})

	h, err := svc.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("status = %s", h.Status)
	}
}
