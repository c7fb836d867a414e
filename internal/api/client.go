// Package api implements the HTTP client core shared by every backend
// resource group: base URL composition, bearer injection with a short-lived
// token cache, response envelope unwrapping, and a refresh-then-retry-once
// policy on 401 responses.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storefront-dev/storefront-cli/internal/logsanitize"
	"github.com/storefront-dev/storefront-cli/internal/session"
)

// tokenCacheTTL bounds how long a bearer token derived from the session store
// is reused before re-reading the store.
const tokenCacheTTL = 5 * time.Minute

// includeAuthHeader is a transient marker used inside the request pipeline to
// signal that no Authorization header should be attached. It is always
// stripped before the request leaves the process.
const includeAuthHeader = "X-Include-Auth"

// Request describes a single call against a client's resource group.
type Request struct {
	// Path is appended to the client's base URL (leading slash optional).
	Path string

	// Query parameters, if any.
	Query url.Values

	// Body is JSON-encoded unless it is a *Form (multipart) or nil.
	Body any

	// Headers are extra headers merged into the request.
	Headers http.Header

	// NoAuth skips Authorization injection for this request.
	NoAuth bool

	// Raw skips envelope unwrapping; out must be a *[]byte.
	Raw bool

	// Timeout overrides the client default for this request.
	Timeout time.Duration

	// OnUploadProgress, if set, is called as the request body is consumed.
	OnUploadProgress func(sent, total int64)
}

// ClientConfig carries the collaborators a Client needs. Construct clients
// once at startup and pass them to consumers explicitly.
type ClientConfig struct {
	// Origin is the backend root origin (scheme + host).
	Origin string

	// Prefix is the optional shared API path prefix.
	Prefix string

	// Store is the session store tokens are read from. May be an
	// unavailable store; requests then go out unauthenticated.
	Store *session.Store

	// Refresher drives the 401 refresh-then-retry policy. Optional; without
	// it a 401 is surfaced like any other failure.
	Refresher *Refresher

	// Timeout is the default per-request timeout.
	Timeout time.Duration

	// OnForcedLogout is invoked after an irrecoverable 401 has cleared the
	// session, so the application can send the user back to login.
	OnForcedLogout func()

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client is an HTTP client bound to one backend resource group.
type Client struct {
	baseURL        string
	http           *http.Client
	store          *session.Store
	refresher      *Refresher
	defaultTimeout time.Duration
	onForcedLogout func()

	cacheMu      sync.Mutex
	cachedBearer string
	cachedAt     time.Time
}

// NewClient creates a client for one resource group (e.g., "auth", "users").
// The base URL is origin + prefix + group with slashes normalized away
// before joining.
func NewClient(group string, cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	store := cfg.Store
	if store == nil {
		store = session.NewStore("")
	}

	return &Client{
		baseURL:        JoinURL(cfg.Origin, cfg.Prefix, group),
		http:           httpClient,
		store:          store,
		refresher:      cfg.Refresher,
		defaultTimeout: timeout,
		onForcedLogout: cfg.OnForcedLogout,
	}
}

// JoinURL composes a URL from a root origin and path segments, trimming
// trailing slashes from the root and surrounding slashes from each segment.
// Empty segments are dropped.
func JoinURL(root string, segments ...string) string {
	parts := make([]string, 0, len(segments)+1)
	if root = strings.TrimRight(strings.TrimSpace(root), "/"); root != "" {
		parts = append(parts, root)
	}
	for _, seg := range segments {
		if seg = strings.Trim(strings.TrimSpace(seg), "/"); seg != "" {
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, "/")
}

// BaseURL returns the composed base URL of this client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get issues an authenticated GET (unless req.NoAuth is set).
func (c *Client) Get(ctx context.Context, req Request, out any) error {
	return c.do(ctx, http.MethodGet, req, out)
}

// GetNoAuth issues a GET without an Authorization header.
func (c *Client) GetNoAuth(ctx context.Context, req Request, out any) error {
	req.NoAuth = true
	return c.do(ctx, http.MethodGet, req, out)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, req Request, out any) error {
	return c.do(ctx, http.MethodPost, req, out)
}

// PostForm issues a POST whose body must be a *Form multipart payload.
func (c *Client) PostForm(ctx context.Context, req Request, out any) error {
	if _, ok := req.Body.(*Form); !ok {
		return fmt.Errorf("PostForm requires the body to be a *Form multipart payload")
	}
	return c.do(ctx, http.MethodPost, req, out)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, req Request, out any) error {
	return c.do(ctx, http.MethodPut, req, out)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, req Request, out any) error {
	return c.do(ctx, http.MethodDelete, req, out)
}

// do runs the request through the pipeline and applies the failure policy:
// no-status failures are surfaced immediately; a 401 triggers at most one
// refresh-then-resubmit; everything else becomes a uniform RequestError.
func (c *Client) do(ctx context.Context, method string, req Request, out any) error {
	body, reqErr := c.send(ctx, method, req, "")
	if reqErr == nil {
		return c.decode(body, req.Raw, out)
	}

	// Network-level failure: no status, no retry.
	if reqErr.Status == 0 {
		return reqErr
	}

	if reqErr.Status == http.StatusUnauthorized && c.refresher != nil {
		sess := c.store.Get()
		if sess != nil && sess.RefreshToken != "" {
			newSess, refreshErr := c.refresher.Refresh(ctx)
			if refreshErr == nil {
				c.InvalidateToken()

				// Resubmit exactly once with the fresh token attached.
				body, retryErr := c.send(ctx, method, req, "Bearer "+newSess.AccessToken)
				if retryErr == nil {
					return c.decode(body, req.Raw, out)
				}
				if retryErr.Status == http.StatusUnauthorized {
					// Already retried: fail closed.
					c.forceLogout()
				}
				return c.surface(method, req.Path, retryErr)
			}

			slog.Warn("token refresh failed, forcing logout", "error", refreshErr)
			c.forceLogout()
			return c.surface(method, req.Path, reqErr)
		}

		// No refresh token to recover with: fail closed.
		c.forceLogout()
		return c.surface(method, req.Path, reqErr)
	}

	return c.surface(method, req.Path, reqErr)
}

// surface logs server-side failures and returns the error unchanged. Every
// status-bearing failure reaches the caller in uniform shape regardless.
func (c *Client) surface(method, path string, reqErr *RequestError) error {
	if reqErr.Status >= http.StatusInternalServerError {
		slog.Error("server error",
			"method", method,
			"path", logsanitize.Sanitize(path),
			"status", reqErr.Status,
			"message", logsanitize.Truncate(reqErr.Message, 200),
		)
	}
	return reqErr
}

// send builds and performs one HTTP round trip.
// overrideBearer, when non-empty, is attached as the Authorization header in
// place of the cached token (used for the post-refresh resubmission).
// A nil *RequestError means a 2xx response; body is the raw payload.
func (c *Client) send(ctx context.Context, method string, req Request, overrideBearer string) ([]byte, *RequestError) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := JoinURL(c.baseURL, req.Path)
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var (
		payload     []byte
		contentType string
	)
	switch b := req.Body.(type) {
	case nil:
	case *Form:
		var err error
		payload, err = b.bytes()
		if err != nil {
			return nil, &RequestError{Message: fmt.Sprintf("failed to encode form: %v", err)}
		}
		contentType, err = b.contentType()
		if err != nil {
			return nil, &RequestError{Message: fmt.Sprintf("failed to encode form: %v", err)}
		}
	default:
		var err error
		payload, err = json.Marshal(b)
		if err != nil {
			return nil, &RequestError{Message: fmt.Sprintf("failed to encode body: %v", err)}
		}
		contentType = "application/json"
	}

	var bodyReader io.Reader
	if payload != nil {
		if req.OnUploadProgress != nil {
			bodyReader = &progressReader{
				r:      bytes.NewReader(payload),
				total:  int64(len(payload)),
				report: req.OnUploadProgress,
			}
		} else {
			bodyReader = bytes.NewReader(payload)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, &RequestError{Message: err.Error()}
	}
	if payload != nil {
		httpReq.ContentLength = int64(len(payload))
	}

	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if req.NoAuth {
		httpReq.Header.Set(includeAuthHeader, "false")
	}

	// The marker header never leaves the process.
	includeAuth := httpReq.Header.Get(includeAuthHeader) != "false"
	httpReq.Header.Del(includeAuthHeader)

	if includeAuth && overrideBearer == "" {
		if bearer := c.bearer(); bearer != "" {
			httpReq.Header.Set("Authorization", bearer)
		}
	}
	if overrideBearer != "" {
		httpReq.Header.Set("Authorization", overrideBearer)
	}

	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &RequestError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Message: err.Error(), Status: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{
			Message: errorMessage(respBody, resp.StatusCode),
			Status:  resp.StatusCode,
			Payload: respBody,
		}
	}

	return respBody, nil
}

// envelope is the inconsistent response wrapper some endpoints use.
type envelope struct {
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// decode unwraps the response payload into out.
// Envelope objects yield their data field; an envelope declaring failure
// becomes a RequestError carrying its message; anything else is decoded
// as-is. A nil out discards the payload.
func (c *Client) decode(body []byte, raw bool, out any) error {
	if raw {
		buf, ok := out.(*[]byte)
		if !ok {
			return fmt.Errorf("raw response requires a *[]byte destination")
		}
		*buf = body
		return nil
	}

	if len(body) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Success != nil && !*env.Success {
			msg := env.Message
			if msg == "" {
				msg = "request failed"
			}
			return &RequestError{Message: msg, Payload: body}
		}
		if env.Data != nil {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(env.Data, out); err != nil {
				return fmt.Errorf("failed to decode response data: %w", err)
			}
			return nil
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// errorMessage extracts a human-readable message from a failure payload,
// falling back to the HTTP status text.
func errorMessage(body []byte, status int) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return env.Message
	}
	return http.StatusText(status)
}

// bearer returns the Authorization header value for the current session.
// The value is cached for tokenCacheTTL to avoid re-reading the store on
// every request; a session without an access token yields "" and the request
// proceeds unauthenticated.
func (c *Client) bearer() string {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	now := time.Now()
	if c.cachedBearer != "" && now.Sub(c.cachedAt) < tokenCacheTTL {
		return c.cachedBearer
	}

	sess := c.store.Get()
	if !sess.Authenticated() {
		c.cachedBearer = ""
		c.cachedAt = time.Time{}
		return ""
	}

	c.cachedBearer = "Bearer " + sess.AccessToken
	c.cachedAt = now
	return c.cachedBearer
}

// InvalidateToken drops the cached bearer token. Call it whenever the
// underlying session may have changed: login, refresh, logout, preferences
// update.
func (c *Client) InvalidateToken() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cachedBearer = ""
	c.cachedAt = time.Time{}
}

// forceLogout clears every trace of the session after an irrecoverable 401
// and signals the application so it can send the user back to login.
func (c *Client) forceLogout() {
	c.InvalidateToken()
	if err := c.store.Clear(); err != nil {
		slog.Warn("failed to clear session store", "error", err)
	}
	if c.onForcedLogout != nil {
		c.onForcedLogout()
	}
}
