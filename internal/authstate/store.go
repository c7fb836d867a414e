// Package authstate holds the single source of truth for session state.
// UI surfaces subscribe to a snapshot stream instead of polling services;
// imperative mutators keep the snapshot in sync with the backend.
package authstate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/storefront-dev/storefront-cli/internal/auth"
	"github.com/storefront-dev/storefront-cli/internal/session"
	"github.com/storefront-dev/storefront-cli/internal/users"
)

// State is an immutable snapshot of the current session.
type State struct {
	// User is the best identity summary currently known.
	User *session.UserSummary

	// Profile is the JWT-derived profile, when loaded.
	Profile *auth.Profile

	// Session is the raw persisted session, if any.
	Session *session.Session

	// Loading is true until the initial load has resolved.
	Loading bool
}

// IsAuthenticated reports whether a session with a non-empty access token
// exists.
func (s State) IsAuthenticated() bool {
	return s.Session.Authenticated()
}

// Store is an observable session-state container.
type Store struct {
	auth     *auth.Service
	users    *users.Service
	sessions *session.Store

	mu      sync.Mutex
	state   State
	subs    map[int]func(State)
	nextSub int
}

// NewStore creates the state store. The state starts in Loading until Load
// resolves.
func NewStore(authSvc *auth.Service, userSvc *users.Service, sessions *session.Store) *Store {
	return &Store{
		auth:     authSvc,
		users:    userSvc,
		sessions: sessions,
		state:    State{Loading: true},
		subs:     make(map[int]func(State)),
	}
}

// Current returns the latest snapshot.
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn to be called with every new snapshot, starting with
// the current one. The returned function cancels the subscription.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	current := s.state
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// mutate applies fn to the state and notifies subscribers with the result.
func (s *Store) mutate(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	snapshot := s.state
	listeners := make([]func(State), 0, len(s.subs))
	for _, sub := range s.subs {
		listeners = append(listeners, sub)
	}
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(snapshot)
	}
}

// Load resolves the initial session state: it reads the persisted session
// and, when authenticated, loads the profile, falling back to the full user
// record. Failures of both leave the identity absent without surfacing an
// error; Loading ends either way.
func (s *Store) Load(ctx context.Context) {
	stored := s.sessions.Get()

	var (
		profile *auth.Profile
		user    *session.UserSummary
	)

	if stored.Authenticated() {
		var err error
		profile, err = s.auth.GetProfile(ctx)
		if err == nil {
			user = summaryFromProfile(profile)
		} else {
			slog.Warn("failed to load profile, falling back to user record", "error", err)
			fullUser, userErr := s.users.CurrentUser(ctx)
			if userErr != nil {
				slog.Warn("failed to load user record", "error", userErr)
			} else {
				user = summaryFromUser(fullUser)
			}
		}
	}

	s.mutate(func(st *State) {
		st.Session = stored
		st.Profile = profile
		st.User = user
		st.Loading = false
	})
}

// RefreshProfile reloads the JWT-derived profile and the user summary
// derived from it. The failure is propagated so the caller can react.
func (s *Store) RefreshProfile(ctx context.Context) error {
	profile, err := s.auth.GetProfile(ctx)
	if err != nil {
		slog.Warn("failed to refresh profile", "error", err)
		return err
	}

	s.mutate(func(st *State) {
		st.Profile = profile
		st.User = summaryFromProfile(profile)
	})
	return nil
}

// RefreshUser reloads the full user record.
func (s *Store) RefreshUser(ctx context.Context) error {
	user, err := s.users.CurrentUser(ctx)
	if err != nil {
		slog.Warn("failed to refresh user", "error", err)
		return err
	}

	s.mutate(func(st *State) {
		st.User = summaryFromUser(user)
	})
	return nil
}

// Logout performs a server-confirmed logout, falling back to a local-only
// logout when the server call fails. State is reset either way; the server
// failure is propagated after local state is clean.
func (s *Store) Logout(ctx context.Context) error {
	_, err := s.auth.Logout(ctx)
	if err != nil {
		slog.Warn("server logout failed, local session cleared", "error", err)
	}

	s.mutate(func(st *State) {
		st.User = nil
		st.Profile = nil
		st.Session = nil
	})
	return err
}

// UpdatePreferences pushes the new preference map to the backend and merges
// the server's result into the local user and profile state. It does not
// re-fetch the user.
func (s *Store) UpdatePreferences(ctx context.Context, preferences map[string]any) error {
	updated, err := s.users.UpdatePreferences(ctx, preferences)
	if err != nil {
		slog.Warn("failed to update preferences", "error", err)
		return err
	}

	s.mutate(func(st *State) {
		if st.User != nil {
			st.User.Preferences = updated
		}
		if st.Profile != nil {
			st.Profile.Preferences = updated
		}
	})
	return nil
}

// Reset drops all session state. Wire it as the forced-logout signal of the
// API clients so an irrecoverable 401 is reflected immediately.
func (s *Store) Reset() {
	s.mutate(func(st *State) {
		st.User = nil
		st.Profile = nil
		st.Session = nil
	})
}

func summaryFromProfile(p *auth.Profile) *session.UserSummary {
	return &session.UserSummary{
		UserID:      p.UserID,
		Email:       p.Email,
		Name:        p.Name,
		Preferences: p.Preferences,
	}
}

func summaryFromUser(u *users.User) *session.UserSummary {
	return &session.UserSummary{
		ID:          u.ID,
		UserID:      u.IdpUserID,
		Email:       u.Email,
		Name:        u.Name,
		Picture:     u.Picture,
		Roles:       u.Roles,
		Preferences: u.Preferences,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}
