package questionnaire

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

// SessionValidity is the fixed window in which a session accepts a submission.
const SessionValidity = 7 * 24 * time.Hour

// tokenBytes gives 256 bits of entropy per token.
const tokenBytes = 32

// State is the lifecycle position of a session at a given instant.
type State string

const (
	StateOpen      State = "open"
	StateExpired   State = "expired"
	StateCompleted State = "completed"
)

// ParseState accepts the list filter values; the empty string means any.
func ParseState(s string) (State, error) {
	switch State(s) {
	case "", StateOpen, StateExpired, StateCompleted:
		return State(s), nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// TokenIssuer produces session tokens.
type TokenIssuer struct {
	rand io.Reader
}

// NewTokenIssuer uses crypto/rand when r is nil.
func NewTokenIssuer(r io.Reader) *TokenIssuer {
	if r == nil {
		r = rand.Reader
	}
	return &TokenIssuer{rand: r}
}

// Issue returns a fresh unguessable token and the expiry for a session
// created at now.
func (i *TokenIssuer) Issue(now time.Time) (string, time.Time, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(i.rand, buf); err != nil {
		return "", time.Time{}, fmt.Errorf("read random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), now.Add(SessionValidity), nil
}

// IsValid reports whether the session may be read by the patient. Completed
// sessions stay readable after their nominal expiry.
func IsValid(s *Session, now time.Time) bool {
	return s.Completed || now.Before(s.ExpiresAt)
}

// IsSubmittable reports whether the session still accepts answers.
func IsSubmittable(s *Session, now time.Time) bool {
	return !s.Completed && now.Before(s.ExpiresAt)
}

// StateAt evaluates the session lifecycle at now.
func StateAt(s *Session, now time.Time) State {
	switch {
	case s.Completed:
		return StateCompleted
	case !now.Before(s.ExpiresAt):
		return StateExpired
	default:
		return StateOpen
	}
}

// tokenPrefix shortens a token for log output.
func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
