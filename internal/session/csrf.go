package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

const csrfBytes = 32

// NewCSRFToken returns a random hex token.
func NewCSRFToken() (string, error) {
	b := make([]byte, csrfBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ValidateCSRF compares token with the one stored for id in constant time.
func (s *Store) ValidateCSRF(id, token string) bool {
	want, ok := s.GetCSRF(id)
	if !ok || want == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}
