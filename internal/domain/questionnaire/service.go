package questionnaire

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const (
	maxNameLength  = 100
	maxEmailLength = 254
	issueAttempts  = 3
)

// Invitation is the data an invitation email is rendered from.
type Invitation struct {
	To        string
	FirstName string
	LastName  string
	Link      string
	ExpiresAt time.Time
}

// Mailer delivers invitation emails.
type Mailer interface {
	SendInvitation(ctx context.Context, inv Invitation) error
}

// Observer receives domain events for metrics.
type Observer interface {
	SessionCreated()
	SubmissionObserved(outcome string)
	Scored(band Band)
	InvitationObserved(outcome string)
}

type noopObserver struct{}

func (noopObserver) SessionCreated()           {}
func (noopObserver) SubmissionObserved(string) {}
func (noopObserver) Scored(Band)               {}
func (noopObserver) InvitationObserved(string) {}

// Service implements the session gateway operations.
type Service struct {
	repo         Repository
	tokens       *TokenIssuer
	mailer       Mailer
	observer     Observer
	logger       zerolog.Logger
	linkBase     string
	emailTimeout time.Duration
	emailWait    time.Duration
	clock        func() time.Time
	pending      sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithMailer enables invitation emails.
func WithMailer(m Mailer) Option { return func(s *Service) { s.mailer = m } }

// WithObserver sets the metrics sink.
func WithObserver(o Observer) Option { return func(s *Service) { s.observer = o } }

// WithLogger sets the logger used for email failures.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithLinkBase sets the public URL prefix of the patient form.
func WithLinkBase(base string) Option {
	return func(s *Service) { s.linkBase = strings.TrimRight(base, "/") }
}

// WithEmailTimeouts sets how long a send may take and how long session
// creation waits for its outcome before reporting it as pending.
func WithEmailTimeouts(send, wait time.Duration) Option {
	return func(s *Service) {
		s.emailTimeout = send
		s.emailWait = wait
	}
}

// WithTokenIssuer replaces the token source.
func WithTokenIssuer(t *TokenIssuer) Option { return func(s *Service) { s.tokens = t } }

// WithClock sets the time source used to stamp invitation_sent_at.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.clock = now } }

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:         repo,
		tokens:       NewTokenIssuer(nil),
		observer:     noopObserver{},
		logger:       zerolog.Nop(),
		linkBase:     "http://localhost:3000",
		emailTimeout: 15 * time.Second,
		emailWait:    3 * time.Second,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Link returns the patient-facing URL of a session.
func (s *Service) Link(token string) string {
	return s.linkBase + "/fragebogen/" + token
}

// Wait blocks until background invitation sends have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func normalizeName(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

func checkName(errs FieldErrors, key, label, v string) {
	switch {
	case v == "":
		errs[key] = requiredMsg(label)
	case utf8.RuneCountInString(v) > maxNameLength:
		errs[key] = fmt.Sprintf("%s darf höchstens %d Zeichen lang sein", label, maxNameLength)
	}
}

func checkEmail(errs FieldErrors, v string) {
	if v == "" {
		return
	}
	addr, err := mail.ParseAddress(v)
	if err != nil || addr.Address != v || len(v) > maxEmailLength {
		errs["patient_email"] = "Ungültige E-Mail-Adresse"
	}
}

func checkBirthDate(errs FieldErrors, d *Date, now time.Time) {
	if d != nil && d.After(now) {
		errs["patient_birth_date"] = "Geburtsdatum liegt in der Zukunft"
	}
}

// CreateSession persists a new open session and, when an email address is
// on file, dispatches the invitation. The returned status is informational;
// an email failure never undoes the creation.
func (s *Service) CreateSession(ctx context.Context, id Identity, now time.Time) (*Session, InvitationStatus, error) {
	id.LastName = normalizeName(id.LastName)
	id.FirstName = normalizeName(id.FirstName)
	id.Email = strings.TrimSpace(id.Email)

	errs := FieldErrors{}
	checkName(errs, "patient_last_name", "Nachname", id.LastName)
	checkName(errs, "patient_first_name", "Vorname", id.FirstName)
	checkEmail(errs, id.Email)
	checkBirthDate(errs, id.BirthDate, now)
	if len(errs) > 0 {
		return nil, InvitationStatus{}, &ValidationError{Fields: errs}
	}

	sess := &Session{
		LastName:  id.LastName,
		FirstName: id.FirstName,
		BirthDate: id.BirthDate,
		CreatedAt: now,
	}
	if id.Email != "" {
		sess.Email = &id.Email
	}
	if v := strings.TrimSpace(id.GDTPatientID); v != "" {
		sess.GDTPatientID = &v
	}
	if v := strings.TrimSpace(id.GDTRequestID); v != "" {
		sess.GDTRequestID = &v
	}

	var err error
	for attempt := 0; attempt < issueAttempts; attempt++ {
		sess.Token, sess.ExpiresAt, err = s.tokens.Issue(now)
		if err != nil {
			return nil, InvitationStatus{}, err
		}
		err = s.repo.Create(ctx, sess)
		if !errors.Is(err, ErrTokenCollision) {
			break
		}
	}
	if err != nil {
		return nil, InvitationStatus{}, fmt.Errorf("create session: %w", err)
	}
	s.observer.SessionCreated()

	return sess, s.dispatchInvitation(ctx, sess), nil
}

// dispatchInvitation sends in the background and waits at most emailWait
// for the outcome.
func (s *Service) dispatchInvitation(ctx context.Context, sess *Session) InvitationStatus {
	if s.mailer == nil || !sess.HasEmail() {
		return InvitationStatus{}
	}

	type outcome struct {
		sentAt time.Time
		err    error
	}
	inv := s.invitationFor(sess)
	done := make(chan outcome, 1)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.emailTimeout)
		defer cancel()
		sentAt, err := s.deliver(sendCtx, sess.Token, inv)
		done <- outcome{sentAt: sentAt, err: err}
	}()

	timer := time.NewTimer(s.emailWait)
	defer timer.Stop()
	select {
	case o := <-done:
		if !o.sentAt.IsZero() {
			sess.InvitationSentAt = &o.sentAt
		}
		return invitationStatus(o.err)
	case <-timer.C:
		return InvitationStatus{Attempted: true, Pending: true}
	}
}

func invitationStatus(err error) InvitationStatus {
	if err != nil {
		return InvitationStatus{Attempted: true, Error: err.Error()}
	}
	return InvitationStatus{Attempted: true, Sent: true}
}

func (s *Service) invitationFor(sess *Session) Invitation {
	return Invitation{
		To:        *sess.Email,
		FirstName: sess.FirstName,
		LastName:  sess.LastName,
		Link:      s.Link(sess.Token),
		ExpiresAt: sess.ExpiresAt,
	}
}

// deliver sends one invitation and records the outcome. It returns the
// stored invitation_sent_at, which is zero when recording failed. A send
// failure is logged and returned as *EmailDeliveryError.
func (s *Service) deliver(ctx context.Context, token string, inv Invitation) (time.Time, error) {
	if err := s.mailer.SendInvitation(ctx, inv); err != nil {
		s.observer.InvitationObserved("failed")
		s.logger.Warn().Err(err).
			Str("operation", "send_invitation").
			Str("token_prefix", tokenPrefix(token)).
			Msg("invitation email failed")
		return time.Time{}, &EmailDeliveryError{Err: err}
	}
	s.observer.InvitationObserved("sent")
	at := s.clock()
	if err := s.repo.MarkInvitationSent(ctx, token, at); err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error().Err(err).
				Str("operation", "mark_invitation_sent").
				Str("token_prefix", tokenPrefix(token)).
				Msg("recording invitation failed")
		}
		return time.Time{}, nil
	}
	return at, nil
}

// ResendInvitation sends the invitation again and waits for the outcome.
func (s *Service) ResendInvitation(ctx context.Context, token string) (InvitationStatus, error) {
	sess, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return InvitationStatus{}, err
	}
	if !sess.HasEmail() {
		return InvitationStatus{}, ErrNoEmailOnFile
	}
	if s.mailer == nil {
		err := &EmailDeliveryError{Err: errors.New("email delivery is not configured")}
		return InvitationStatus{Attempted: false, Error: err.Err.Error()}, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.emailTimeout)
	defer cancel()
	if _, err := s.deliver(sendCtx, token, s.invitationFor(sess)); err != nil {
		return invitationStatus(err), err
	}
	return invitationStatus(nil), nil
}

// GetForPatient returns the session if the patient may still see it.
func (s *Service) GetForPatient(ctx context.Context, token string, now time.Time) (*Session, error) {
	sess, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !IsValid(sess, now) {
		return nil, ErrExpired
	}
	return sess, nil
}

// GetForAdmin returns the session regardless of its state.
func (s *Service) GetForAdmin(ctx context.Context, token string) (*Session, error) {
	return s.repo.GetByToken(ctx, token)
}

// ListSessions returns sessions newest first.
func (s *Service) ListSessions(ctx context.Context, filter ListFilter, now time.Time, limit, offset int) ([]*Session, int, error) {
	return s.repo.List(ctx, filter, now, limit, offset)
}

// EditIdentity corrects patient identity fields. Answers, score, completion
// and timestamps are not reachable through this path.
func (s *Service) EditIdentity(ctx context.Context, token string, p IdentityPatch, now time.Time) (*Session, error) {
	sess, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	errs := FieldErrors{}
	if p.LastName != nil {
		sess.LastName = normalizeName(*p.LastName)
		checkName(errs, "patient_last_name", "Nachname", sess.LastName)
	}
	if p.FirstName != nil {
		sess.FirstName = normalizeName(*p.FirstName)
		checkName(errs, "patient_first_name", "Vorname", sess.FirstName)
	}
	if p.Email != nil {
		email := strings.TrimSpace(*p.Email)
		checkEmail(errs, email)
		sess.Email = nil
		if email != "" {
			sess.Email = &email
		}
	}
	if p.BirthDate != nil {
		sess.BirthDate = nil
		if v := strings.TrimSpace(*p.BirthDate); v != "" {
			d, err := ParseDate(v)
			if err != nil {
				errs["patient_birth_date"] = "Ungültiges Datum"
			} else {
				sess.BirthDate = &d
				checkBirthDate(errs, &d, now)
			}
		}
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	if err := s.repo.UpdateIdentity(ctx, sess); err != nil {
		return nil, err
	}
	return s.repo.GetByToken(ctx, token)
}

// DeleteSession removes a session permanently. Its token is never issued again.
func (s *Service) DeleteSession(ctx context.Context, token string) error {
	return s.repo.Delete(ctx, token)
}

// Submit validates, scores and completes a session in one step. Either the
// whole submission is stored or nothing is.
func (s *Service) Submit(ctx context.Context, token string, answers Answers, now time.Time) (ESSResult, error) {
	res, err := s.submit(ctx, token, answers, now)
	s.observer.SubmissionObserved(submissionOutcome(err))
	if err == nil {
		s.observer.Scored(res.Band)
	}
	return res, err
}

func (s *Service) submit(ctx context.Context, token string, answers Answers, now time.Time) (ESSResult, error) {
	sess, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return ESSResult{}, err
	}
	if sess.Completed {
		return ESSResult{}, ErrAlreadyCompleted
	}
	if !now.Before(sess.ExpiresAt) {
		return ESSResult{}, ErrExpired
	}
	if errs := ValidateAll(answers); len(errs) > 0 {
		return ESSResult{}, &ValidationError{Fields: errs}
	}

	res := Score(answers.ESS())
	if err := s.repo.Complete(ctx, token, Completion{
		CompletedAt: now,
		Answers:     answers.Clone(),
		Result:      res,
	}); err != nil {
		return ESSResult{}, err
	}
	return res, nil
}

func submissionOutcome(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.As(err, &verr):
		return "validation_failed"
	}
	return "error"
}

// Finalized returns a completed session for the print and GDT collaborators.
func (s *Service) Finalized(ctx context.Context, token string) (*Session, error) {
	sess, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !sess.Completed {
		return nil, ErrNotCompleted
	}
	return sess, nil
}
