// Package notification renders and delivers patient emails.
package notification

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Admiral9633/fragebogen/internal/domain/questionnaire"
)

// EmailSender delivers one HTML email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, htmlBody string) error
}

// Template is a subject and body with {{key}} placeholders.
type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateInvitation is the id of the built-in invitation template.
const TemplateInvitation = "invitation"

var invitationTemplate = Template{
	ID:      TemplateInvitation,
	Subject: "Ihr verkehrsmedizinischer Fragebogen – {{practice_name}}",
	Body: `<p>Guten Tag {{patient_name}},</p>
<p>bitte füllen Sie vor Ihrem Termin den verkehrsmedizinischen Fragebogen aus:</p>
<p><a href="{{link}}">{{link}}</a></p>
<p>Der Link ist bis zum {{expires}} gültig und kann nur einmal abgeschickt werden.</p>
<p>Mit freundlichen Grüßen<br>{{practice_name}}</p>`,
}

// TemplateEngine holds templates by id.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine returns an engine with the invitation template registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	e.Register(invitationTemplate)
	return e
}

// Register adds or replaces a template.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render fills the placeholders of a template. Values are HTML-escaped in
// the body. Placeholders without data are left as they are.
func (e *TemplateEngine) Render(id string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[id]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", id)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, html.EscapeString(v))
	}
	return subject, body, nil
}

// InvitationMailer renders invitations and hands them to an EmailSender.
type InvitationMailer struct {
	sender       EmailSender
	templates    *TemplateEngine
	practiceName string
	location     *time.Location
}

// NewInvitationMailer builds a mailer. Expiry dates are shown in loc.
func NewInvitationMailer(sender EmailSender, templates *TemplateEngine, practiceName string, loc *time.Location) *InvitationMailer {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &InvitationMailer{sender: sender, templates: templates, practiceName: practiceName, location: loc}
}

// SendInvitation implements questionnaire.Mailer.
func (m *InvitationMailer) SendInvitation(ctx context.Context, inv questionnaire.Invitation) error {
	subject, body, err := m.templates.Render(TemplateInvitation, map[string]string{
		"patient_name":  strings.TrimSpace(inv.FirstName + " " + inv.LastName),
		"link":          inv.Link,
		"expires":       inv.ExpiresAt.In(m.location).Format("02.01.2006"),
		"practice_name": m.practiceName,
	})
	if err != nil {
		return err
	}
	return m.sender.SendEmail(ctx, inv.To, subject, body)
}

// LogSender writes emails to the log instead of delivering them. It is used
// in development when no mail provider is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.Logger.Info().Str("to", to).Str("subject", subject).Msg("email not delivered (log sender)")
	return nil
}

// EmailCall records one SendEmail call.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
	Delay      time.Duration
}

func (m *MockEmailSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of the recorded calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}
