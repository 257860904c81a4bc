package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/resendlabs/resend-go"
)

// ResendSender delivers email through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

// NewResendSender returns a sender for the given API key. from may include a
// display name ("Praxis <noreply@example.org>").
func NewResendSender(apiKey, from string) (*ResendSender, error) {
	if apiKey == "" {
		return nil, errors.New("resend api key is required")
	}
	if from == "" {
		return nil, errors.New("sender address is required")
	}
	return &ResendSender{client: resend.NewClient(apiKey), from: from}, nil
}

// SendEmail sends one message. The Resend client has no context support, so
// the call is abandoned, not aborted, when ctx ends first.
func (s *ResendSender) SendEmail(ctx context.Context, to, subject, htmlBody string) error {
	req := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    htmlBody,
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.client.Emails.Send(req)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email via resend: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send email via resend: %w", ctx.Err())
	}
}
