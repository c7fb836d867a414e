package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/storefront-dev/storefront-cli/internal/api"
	"github.com/storefront-dev/storefront-cli/internal/auth"
	"github.com/storefront-dev/storefront-cli/internal/authstate"
	"github.com/storefront-dev/storefront-cli/internal/config"
	"github.com/storefront-dev/storefront-cli/internal/session"
	"github.com/storefront-dev/storefront-cli/internal/users"
)

// app holds the wired service graph for one command invocation.
type app struct {
	cfg      *config.Config
	sessions *session.Store
	auth     *auth.Service
	users    *users.Service
	state    *authstate.Store
}

// buildApp loads configuration and wires stores, clients and services.
// Construction never touches the network; misconfiguration surfaces on the
// first request.
func buildApp() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	config.SetupLogging(&cfg.Log)

	sessionPath := cfg.Session.File
	if sessionPath == "" {
		sessionPath = session.DefaultPath()
	}
	sessions := session.NewStore(sessionPath)
	if !sessions.Available() {
		slog.Warn("no session file path available, sessions will not persist")
	}

	timeout := time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second
	refresher := api.NewRefresher(sessions,
		api.JoinURL(cfg.Backend.Origin, cfg.Backend.APIPrefix, "auth", "refresh"), timeout)

	// Forced logout fires from inside a request; the state store is bound
	// after construction.
	var state *authstate.Store
	onForcedLogout := func() {
		slog.Warn("session is no longer valid, signed out")
		if state != nil {
			state.Reset()
		}
	}

	clientCfg := api.ClientConfig{
		Origin:         cfg.Backend.Origin,
		Prefix:         cfg.Backend.APIPrefix,
		Store:          sessions,
		Refresher:      refresher,
		Timeout:        timeout,
		OnForcedLogout: onForcedLogout,
	}
	authClient := api.NewClient("auth", clientCfg)
	usersClient := api.NewClient("users", clientCfg)

	// Token exchange goes to the auth service directly; it never carries a
	// bearer and never retries.
	authOrigin := cfg.Backend.AuthOrigin
	if authOrigin == "" {
		authOrigin = cfg.Backend.Origin
	}
	loginClient := api.NewClient("api/auth", api.ClientConfig{
		Origin:  authOrigin,
		Store:   sessions,
		Timeout: timeout,
	})

	authSvc := auth.NewService(cfg, authClient, loginClient, sessions,
		authClient, usersClient, loginClient)
	userSvc := users.NewService(usersClient)
	state = authstate.NewStore(authSvc, userSvc, sessions)

	return &app{
		cfg:      cfg,
		sessions: sessions,
		auth:     authSvc,
		users:    userSvc,
		state:    state,
	}, nil
}
