// Package callback runs the loopback HTTP server that receives the
// authorization-code redirect during login. It serves exactly one login
// attempt: the first matching callback is delivered to the waiter, every
// later request gets an error page.
package callback

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/storefront-dev/storefront-cli/internal/auth"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Result is the outcome of a login redirect.
type Result struct {
	Code string
	Err  error
}

// Server is the local HTTP server awaiting the IdP redirect.
type Server struct {
	listen     string
	state      string
	httpServer *http.Server
	mux        *http.ServeMux
	templates  *template.Template

	listener net.Listener

	once    sync.Once
	results chan Result
}

// NewServer creates a callback server bound to listen that accepts only
// redirects carrying the given state value.
func NewServer(listen, state string) (*Server, error) {
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		listen:    listen,
		state:     state,
		mux:       http.NewServeMux(),
		templates: templates,
		results:   make(chan Result, 1),
	}

	s.mux.HandleFunc(auth.CallbackPath, s.handleCallback)
	s.mux.HandleFunc("/health", s.handleHealth)

	handler := loggingMiddleware(s.mux)
	handler = recoveryMiddleware(handler)
	handler = rateLimitMiddleware(handler)
	handler = securityHeadersMiddleware(handler)

	s.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Start binds the listener and begins serving in the background. A serve
// failure is delivered to the waiter.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	s.listener = ln

	slog.Info("callback server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deliver(Result{Err: err})
		}
	}()

	return nil
}

// Addr returns the bound address. Valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.listen
	}
	return s.listener.Addr().String()
}

// Wait blocks until a callback result arrives or ctx ends.
func (s *Server) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-s.results:
		return res.Code, res.Err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down callback server")
	return s.httpServer.Shutdown(ctx)
}

// deliver hands the result to the waiter. Only the first call wins.
func (s *Server) deliver(res Result) {
	s.once.Do(func() {
		s.results <- res
	})
}
