// Package session keeps server-side sessions, their free-form data and
// CSRF tokens in memory.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config controls expiry and the session cookie.
type Config struct {
	// Timeout is measured from the last access.
	Timeout    time.Duration
	CookieName string
	CookiePath string
	SameSite   string
	Secure     bool
	HTTPOnly   bool
}

// DefaultConfig returns a one hour timeout and a secure "session" cookie.
func DefaultConfig() Config {
	return Config{
		Timeout:    time.Hour,
		CookieName: "session",
		CookiePath: "/",
		SameSite:   "Lax",
		Secure:     true,
		HTTPOnly:   true,
	}
}

// Data is an authenticated session.
type Data struct {
	ID           string    `json:"session_id"`
	UserID       int64     `json:"user_id"`
	Role         string    `json:"role"`
	Claims       string    `json:"claims"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

type rawEntry struct {
	data         string
	lastAccessed time.Time
}

// Store is shared by all requests. Every operation holds the lock only
// for its own map access.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Data
	raw      map[string]rawEntry
	csrf     map[string]string
	now      func() time.Time
	logger   *zap.Logger
}

// NewStore creates an empty store. Empty cookie settings take their
// defaults; a zero timeout is kept and expires sessions on next access.
func NewStore(cfg Config, logger *zap.Logger) *Store {
	def := DefaultConfig()
	if cfg.CookieName == "" {
		cfg.CookieName = def.CookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = def.CookiePath
	}
	if cfg.SameSite == "" {
		cfg.SameSite = def.SameSite
	}
	return &Store{
		cfg:      cfg,
		sessions: make(map[string]*Data),
		raw:      make(map[string]rawEntry),
		csrf:     make(map[string]string),
		now:      time.Now,
		logger:   logger.With(zap.String("component", "session-store")),
	}
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) expired(last time.Time) bool {
	elapsed := s.now().Sub(last)
	if s.cfg.Timeout == 0 {
		return elapsed >= 0
	}
	return elapsed > s.cfg.Timeout
}

// Create starts a session for userID.
func (s *Store) Create(userID int64, role, claims string) Data {
	now := s.now()
	d := &Data{
		ID:           uuid.NewString(),
		UserID:       userID,
		Role:         role,
		Claims:       claims,
		CreatedAt:    now,
		LastAccessed: now,
	}
	s.mu.Lock()
	s.sessions[d.ID] = d
	s.mu.Unlock()

	s.logger.Info("Session created", zap.String("session_id", d.ID), zap.Int64("user_id", userID))
	return *d
}

// Get returns the session and refreshes its access time. An expired
// session is removed.
func (s *Store) Get(id string) (Data, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.sessions[id]
	if !ok {
		return Data{}, false
	}
	if s.expired(d.LastAccessed) {
		delete(s.sessions, id)
		s.logger.Debug("Session expired", zap.String("session_id", id))
		return Data{}, false
	}
	d.LastAccessed = s.now()
	return *d, true
}

// Delete removes the session. It reports whether one existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// StoreRaw saves free-form data under id.
func (s *Store) StoreRaw(id, data string) {
	s.mu.Lock()
	s.raw[id] = rawEntry{data: data, lastAccessed: s.now()}
	s.mu.Unlock()
}

// GetRaw returns the data saved under id. Without raw data an
// authenticated session with that id is rendered as JSON instead.
func (s *Store) GetRaw(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.raw[id]; ok {
		if s.expired(e.lastAccessed) {
			delete(s.raw, id)
			return "", false
		}
		e.lastAccessed = s.now()
		s.raw[id] = e
		return e.data, true
	}

	d, ok := s.sessions[id]
	if !ok {
		return "", false
	}
	if s.expired(d.LastAccessed) {
		delete(s.sessions, id)
		return "", false
	}
	d.LastAccessed = s.now()
	b, _ := json.Marshal(struct {
		UserID    int64  `json:"userId"`
		Role      string `json:"role"`
		SessionID string `json:"sessionId"`
		Claims    string `json:"claims"`
	}{d.UserID, d.Role, d.ID, d.Claims})
	return string(b), true
}

// DeleteRaw removes raw data, the session and the CSRF token for id.
func (s *Store) DeleteRaw(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, raw := s.raw[id]
	_, typed := s.sessions[id]
	delete(s.raw, id)
	delete(s.sessions, id)
	delete(s.csrf, id)
	return raw || typed
}

// ExistsRaw reports whether raw data or a session exists for id. It does
// not check expiry.
func (s *Store) ExistsRaw(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, raw := s.raw[id]
	_, typed := s.sessions[id]
	return raw || typed
}

// SetCSRF stores the CSRF token issued for session id, replacing any
// earlier one.
func (s *Store) SetCSRF(id, token string) {
	s.mu.Lock()
	s.csrf[id] = token
	s.mu.Unlock()
}

// GetCSRF returns the CSRF token stored for session id and whether one
// was set.
func (s *Store) GetCSRF(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.csrf[id]
	return t, ok
}

// CleanupExpired removes expired sessions and raw entries and returns how
// many were removed.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, d := range s.sessions {
		if s.expired(d.LastAccessed) {
			delete(s.sessions, id)
			delete(s.csrf, id)
			removed++
		}
	}
	for id, e := range s.raw {
		if s.expired(e.lastAccessed) {
			delete(s.raw, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of authenticated sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep calls CleanupExpired every interval until ctx is done.
func (s *Store) Sweep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.CleanupExpired(); n > 0 {
				s.logger.Info("Expired sessions removed", zap.Int("count", n))
			}
		}
	}
}
