// Package users talks to the backend "users" resource group.
package users

import (
	"context"
	"fmt"

	"github.com/storefront-dev/storefront-cli/internal/api"
)

// User is the full user record from GET /users/me, backed by the database.
type User struct {
	ID           string         `json:"id"`
	IdpUserID    string         `json:"idpUserId"`
	Email        string         `json:"email,omitempty"`
	Name         string         `json:"name,omitempty"`
	Picture      string         `json:"picture,omitempty"`
	Roles        []string       `json:"roles,omitempty"`
	Preferences  map[string]any `json:"preferences,omitempty"`
	CreatedAt    string         `json:"createdAt,omitempty"`
	LastLoginAt  string         `json:"lastLoginAt,omitempty"`
	LastLogoutAt string         `json:"lastLogoutAt,omitempty"`
}

// Profile is the claims-only profile from GET /users/profile; no database
// round trip on the server side.
type Profile struct {
	IdpUserID string   `json:"idpUserId"`
	Username  string   `json:"username"`
	Email     string   `json:"email,omitempty"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// Service wraps the "users" API client.
type Service struct {
	client *api.Client
}

// NewService creates the users service around the given "users" group client.
func NewService(client *api.Client) *Service {
	return &Service{client: client}
}

// CurrentUser fetches the full user record via GET /users/me.
func (s *Service) CurrentUser(ctx context.Context) (*User, error) {
	var user User
	if err := s.client.Get(ctx, api.Request{Path: "me"}, &user); err != nil {
		return nil, fmt.Errorf("failed to load current user: %w", err)
	}
	return &user, nil
}

// Profile fetches the claims-only profile via GET /users/profile.
func (s *Service) Profile(ctx context.Context) (*Profile, error) {
	var profile Profile
	if err := s.client.Get(ctx, api.Request{Path: "profile"}, &profile); err != nil {
		return nil, fmt.Errorf("failed to load user profile: %w", err)
	}
	return &profile, nil
}

// UpdatePreferences replaces the user's preference map via
// PUT /users/me/preferences and returns the server's updated map. The
// client's bearer cache is invalidated afterwards, since the session may
// have changed server-side.
func (s *Service) UpdatePreferences(ctx context.Context, preferences map[string]any) (map[string]any, error) {
	var result struct {
		Preferences map[string]any `json:"preferences"`
	}
	err := s.client.Put(ctx, api.Request{
		Path: "me/preferences",
		Body: map[string]any{"preferences": preferences},
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("failed to update preferences: %w", err)
	}

	s.client.InvalidateToken()

	return result.Preferences, nil
}
