package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/storefront-dev/storefront-cli/internal/auth"
)

const testState = "abc123def456"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	server, err := NewServer("127.0.0.1:0", testState)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server
}

// tryWait returns the delivered result, or ok=false if nothing was
// delivered.
func tryWait(t *testing.T, server *Server) (Result, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	code, err := server.Wait(ctx)
	if ctx.Err() != nil && err == ctx.Err() {
		return Result{}, false
	}
	return Result{Code: code, Err: err}, true
}

func TestNewServer(t *testing.T) {
	server := newTestServer(t)

	if server.templates == nil {
		t.Error("expected templates to be loaded")
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	server.mux.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if health.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", health.Status)
	}
}

func TestCallbackDeliversCode(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", auth.CallbackPath+"?code=authz-code&state="+testState, nil)
	w := httptest.NewRecorder()

	server.mux.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Signed in successfully") {
		t.Errorf("expected success page, got: %s", body)
	}

	res, ok := tryWait(t, server)
	if !ok {
		t.Fatal("no result delivered")
	}
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Code != "authz-code" {
		t.Errorf("code = %q, want authz-code", res.Code)
	}
}

func TestCallbackStateMismatchKeepsWaiting(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", auth.CallbackPath+"?code=authz-code&state=wrong", nil)
	w := httptest.NewRecorder()

	server.mux.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}

	if _, ok := tryWait(t, server); ok {
		t.Error("result delivered for mismatched state")
	}

	// The genuine redirect still works afterwards.
	req = httptest.NewRequest("GET", auth.CallbackPath+"?code=real-code&state="+testState, nil)
	server.mux.ServeHTTP(httptest.NewRecorder(), req)

	res, ok := tryWait(t, server)
	if !ok || res.Code != "real-code" {
		t.Errorf("result = %+v, ok = %v", res, ok)
	}
}

func TestCallbackMissingCode(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", auth.CallbackPath+"?state="+testState, nil)
	w := httptest.NewRecorder()

	server.mux.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}

	if _, ok := tryWait(t, server); ok {
		t.Error("result delivered for missing code")
	}
}

func TestCallbackIdPError(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET",
		auth.CallbackPath+"?error=access_denied&error_description=User+cancelled", nil)
	w := httptest.NewRecorder()

	server.mux.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}

	res, ok := tryWait(t, server)
	if !ok {
		t.Fatal("no result delivered")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "User cancelled") {
		t.Errorf("error = %v, want description surfaced", res.Err)
	}
}

func TestCallbackIdPErrorWithoutDescription(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest("GET", auth.CallbackPath+"?error=server_error", nil)
	server.mux.ServeHTTP(httptest.NewRecorder(), req)

	res, ok := tryWait(t, server)
	if !ok {
		t.Fatal("no result delivered")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "server_error") {
		t.Errorf("error = %v, want error code surfaced", res.Err)
	}
}

func TestFirstResultWins(t *testing.T) {
	server := newTestServer(t)

	for _, code := range []string{"first", "second"} {
		req := httptest.NewRequest("GET", auth.CallbackPath+"?code="+code+"&state="+testState, nil)
		server.mux.ServeHTTP(httptest.NewRecorder(), req)
	}

	res, ok := tryWait(t, server)
	if !ok || res.Code != "first" {
		t.Errorf("result = %+v, ok = %v, want code first", res, ok)
	}

	if _, ok := tryWait(t, server); ok {
		t.Error("second result delivered")
	}
}

func TestRenderSuccess(t *testing.T) {
	server := newTestServer(t)

	w := httptest.NewRecorder()
	server.renderSuccess(w, "Test message")

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Test message") {
		t.Error("expected message in rendered page")
	}
}

func TestRenderError(t *testing.T) {
	server := newTestServer(t)

	w := httptest.NewRecorder()
	server.renderError(w, "Something went wrong")

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Something went wrong") {
		t.Error("expected error message in rendered page")
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	headers := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
	}

	for name, want := range headers {
		if got := resp.Header.Get(name); got != want {
			t.Errorf("header %s = %q, want %q", name, got, want)
		}
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"127.0.0.1:54321", "127.0.0.1"},
		{"[::1]:54321", "::1"},
		{"192.0.2.7:80", "192.0.2.7"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := extractIP(req); got != tt.want {
			t.Errorf("extractIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

func TestStartServesAndShutsDown(t *testing.T) {
	server := newTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	server := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := server.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait error = %v, want deadline exceeded", err)
	}
}
