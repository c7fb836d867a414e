package session

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store persists the current Session as a single JSON file.
// It is the one shared resource between the auth flow and every API client;
// writes are last-writer-wins with no transaction semantics.
//
// A Store with an empty path is "unavailable": Get returns nil, Set and Clear
// do nothing. This mirrors execution contexts with no durable storage and
// must never surface an error for it.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store backed by the given file path.
// An empty path yields an unavailable store whose operations are no-ops.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultPath returns the platform default session file location
// (<user config dir>/storefront/session.json), or "" when no user config
// directory can be determined.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		slog.Debug("no user config dir, session persistence disabled", "error", err)
		return ""
	}
	return filepath.Join(dir, "storefront", "session.json")
}

// Available reports whether the store has a backing file.
func (s *Store) Available() bool {
	return s.path != ""
}

// Get reads and parses the persisted session.
// It returns nil when the store is unavailable, no session exists, or the
// stored entry fails to parse. A corrupted entry is deleted so the next read
// starts clean. Get never fails to the caller.
func (s *Store) Get() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Debug("failed to read session file", "path", s.path, "error", err)
		}
		return nil
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		slog.Warn("stored session is corrupt, discarding", "path", s.path, "error", err)
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Debug("failed to remove corrupt session file", "path", s.path, "error", rmErr)
		}
		return nil
	}

	return &sess
}

// Set serializes and persists the session, replacing any prior value.
// It is a no-op when the store is unavailable.
func (s *Store) Set(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}

	// Session holds bearer credentials; keep it owner-only.
	return os.WriteFile(s.path, data, 0o600)
}

// Clear removes the persisted session.
// It is a no-op when the store is unavailable or nothing is stored.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
