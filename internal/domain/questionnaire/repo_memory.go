package questionnaire

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// memoryEntry guards one session. Writers serialize on mu and publish a new
// immutable snapshot; readers load the snapshot without locking.
type memoryEntry struct {
	mu      sync.Mutex
	snap    atomic.Pointer[Session]
	deleted bool
}

type memoryRepo struct {
	entries sync.Map // token -> *memoryEntry
	retired sync.Map // token -> struct{}
}

// NewMemoryRepo returns a process-local repository. Sessions for different
// tokens never contend on a shared lock.
func NewMemoryRepo() Repository {
	return &memoryRepo{}
}

func (r *memoryRepo) entry(token string) (*memoryEntry, bool) {
	v, ok := r.entries.Load(token)
	if !ok {
		return nil, false
	}
	return v.(*memoryEntry), true
}

func (r *memoryRepo) Create(_ context.Context, s *Session) error {
	if _, retired := r.retired.Load(s.Token); retired {
		return ErrTokenCollision
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	e := &memoryEntry{}
	e.snap.Store(s.clone())
	if _, loaded := r.entries.LoadOrStore(s.Token, e); loaded {
		return ErrTokenCollision
	}
	return nil
}

func (r *memoryRepo) GetByToken(_ context.Context, token string) (*Session, error) {
	e, ok := r.entry(token)
	if !ok {
		return nil, ErrNotFound
	}
	return e.snap.Load().clone(), nil
}

func (r *memoryRepo) List(_ context.Context, filter ListFilter, now time.Time, limit, offset int) ([]*Session, int, error) {
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	var all []*Session
	r.entries.Range(func(_, v any) bool {
		s := v.(*memoryEntry).snap.Load()
		if filter.Status != "" && StateAt(s, now) != filter.Status {
			return true
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(s.LastName), search) &&
			!strings.Contains(strings.ToLower(s.FirstName), search) {
			return true
		}
		all = append(all, s.clone())
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return []*Session{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// update applies fn to a copy of the current snapshot under the entry lock.
func (r *memoryRepo) update(token string, fn func(s *Session) error) error {
	e, ok := r.entry(token)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrNotFound
	}
	next := e.snap.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	e.snap.Store(next)
	return nil
}

func (r *memoryRepo) UpdateIdentity(_ context.Context, s *Session) error {
	return r.update(s.Token, func(cur *Session) error {
		cur.LastName = s.LastName
		cur.FirstName = s.FirstName
		cur.Email = s.Email
		cur.BirthDate = s.BirthDate
		return nil
	})
}

func (r *memoryRepo) Complete(_ context.Context, token string, c Completion) error {
	return r.update(token, func(cur *Session) error {
		if cur.Completed {
			return ErrAlreadyCompleted
		}
		if !c.CompletedAt.Before(cur.ExpiresAt) {
			return ErrExpired
		}
		at := c.CompletedAt
		total := c.Result.Total
		band := c.Result.Band
		cur.Completed = true
		cur.CompletedAt = &at
		cur.Answers = c.Answers.Clone()
		cur.ESSTotal = &total
		cur.ESSBand = &band
		return nil
	})
}

func (r *memoryRepo) MarkInvitationSent(_ context.Context, token string, at time.Time) error {
	return r.update(token, func(cur *Session) error {
		cur.InvitationSentAt = &at
		return nil
	})
}

func (r *memoryRepo) Delete(_ context.Context, token string) error {
	e, ok := r.entry(token)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrNotFound
	}
	e.deleted = true
	r.retired.Store(token, struct{}{})
	r.entries.Delete(token)
	return nil
}
