package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/storefront-dev/storefront-cli/internal/session"
)

func TestRefresherMergesTokens(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "ref-1" {
			t.Errorf("refresh_token = %q, want ref-1", body["refresh_token"])
		}
		w.Write([]byte(`{"success":true,"data":{"access_token":"acc-2"}}`))
	}))
	defer ts.Close()

	store := session.NewStore(filepath.Join(t.TempDir(), "s.json"))
	store.Set(&session.Session{
		AccessToken:  "acc-1",
		RefreshToken: "ref-1",
		TokenType:    "Bearer",
		UserInfo:     &session.UserSummary{Email: "a@example.com"},
	})

	r := NewRefresher(store, ts.URL, 5*time.Second)
	sess, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if sess.AccessToken != "acc-2" {
		t.Errorf("access token = %s, want acc-2", sess.AccessToken)
	}
	// No new refresh token in the response: the old one is kept.
	if sess.RefreshToken != "ref-1" {
		t.Errorf("refresh token = %s, want ref-1 preserved", sess.RefreshToken)
	}
	if sess.UserInfo == nil || sess.UserInfo.Email != "a@example.com" {
		t.Error("user info not preserved across refresh")
	}

	stored := store.Get()
	if stored == nil || stored.AccessToken != "acc-2" {
		t.Errorf("stored session = %+v, want refreshed", stored)
	}
}

func TestRefresherNoRefreshToken(t *testing.T) {
	store := session.NewStore(filepath.Join(t.TempDir(), "s.json"))
	store.Set(&session.Session{AccessToken: "acc-1"})

	r := NewRefresher(store, "http://localhost:1/auth/refresh", time.Second)
	if _, err := r.Refresh(context.Background()); !errors.Is(err, ErrNoRefreshToken) {
		t.Errorf("err = %v, want ErrNoRefreshToken", err)
	}
}

func TestRefresherMalformedEnvelope(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty object", `{}`},
		{"data without token", `{"success":true,"data":{}}`},
		{"not json", `<html>oops</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			store := session.NewStore(filepath.Join(t.TempDir(), "s.json"))
			store.Set(&session.Session{AccessToken: "a", RefreshToken: "r"})

			refresher := NewRefresher(store, ts.URL, 5*time.Second)
			if _, err := refresher.Refresh(context.Background()); err == nil {
				t.Error("expected error for malformed envelope")
			}
		})
	}
}

func TestConcurrentRefreshesSingleFlighted(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Write([]byte(`{"success":true,"data":{"access_token":"shared-tok"}}`))
	}))
	defer ts.Close()

	store := session.NewStore(filepath.Join(t.TempDir(), "s.json"))
	store.Set(&session.Session{AccessToken: "a", RefreshToken: "r"})

	refresher := NewRefresher(store, ts.URL, 10*time.Second)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*session.Session, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = refresher.Refresh(context.Background())
		}(i)
	}

	// Let all workers pile up on the in-flight call, then release it.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("refresh endpoint called %d times, want 1", got)
	}
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Errorf("worker %d: %v", i, errs[i])
			continue
		}
		if results[i].AccessToken != "shared-tok" {
			t.Errorf("worker %d token = %s, want shared-tok", i, results[i].AccessToken)
		}
	}
}
