// Package session persists the logged-in user's tokens and identity.
package session

// UserSummary is the identity data the backend returns alongside tokens.
// All fields are optional; older sessions may lack any of them.
type UserSummary struct {
	ID          string         `json:"id,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Email       string         `json:"email,omitempty"`
	Username    string         `json:"username,omitempty"`
	Name        string         `json:"name,omitempty"`
	Picture     string         `json:"picture,omitempty"`
	Roles       []string       `json:"roles,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
	CreatedAt   string         `json:"createdAt,omitempty"`
	LastLoginAt string         `json:"lastLoginAt,omitempty"`
}

// Session is the locally persisted record of a login.
// It is serialized as opaque JSON under a single fixed location; there is no
// schema versioning, so every field must tolerate being absent.
type Session struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken,omitempty"`
	TokenType    string       `json:"tokenType,omitempty"`
	ExpiresIn    int64        `json:"expiresIn,omitempty"`
	UserInfo     *UserSummary `json:"userInfo,omitempty"`
}

// Authenticated reports whether the session carries an access token.
// A session without one is equivalent to "not logged in".
func (s *Session) Authenticated() bool {
	return s != nil && s.AccessToken != ""
}
