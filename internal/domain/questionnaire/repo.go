package questionnaire

import (
	"context"
	"time"
)

// Repository persists sessions.
//
// Complete is the only method that writes answers or the completion flag. It
// is a compare-and-set: the write happens only if the session is still open
// at c.CompletedAt, otherwise it reports ErrNotFound, ErrAlreadyCompleted or
// ErrExpired and leaves the record untouched.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByToken(ctx context.Context, token string) (*Session, error)
	List(ctx context.Context, filter ListFilter, now time.Time, limit, offset int) ([]*Session, int, error)
	UpdateIdentity(ctx context.Context, s *Session) error
	Complete(ctx context.Context, token string, c Completion) error
	MarkInvitationSent(ctx context.Context, token string, at time.Time) error
	Delete(ctx context.Context, token string) error
}
