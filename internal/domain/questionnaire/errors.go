package questionnaire

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrExpired          = errors.New("session expired")
	ErrAlreadyCompleted = errors.New("session already completed")
	ErrNotCompleted     = errors.New("session not completed yet")
	ErrNoEmailOnFile    = errors.New("no email address on file")
	ErrTokenCollision   = errors.New("token already issued")
	ErrUnknownStep      = errors.New("unknown step")
)

// FieldErrors maps field ids to human-readable messages.
type FieldErrors map[string]string

// Keys returns the offending field ids in sorted order.
func (fe FieldErrors) Keys() []string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (fe FieldErrors) merge(other FieldErrors) {
	for k, v := range other {
		fe[k] = v
	}
}

// ValidationError carries every unmet constraint, not just the first.
type ValidationError struct {
	Fields FieldErrors
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Fields.Keys(), ", "))
}

// EmailDeliveryError wraps a failed invitation. It never undoes the
// operation that triggered the email.
type EmailDeliveryError struct {
	Err error
}

func (e *EmailDeliveryError) Error() string {
	return "email delivery failed: " + e.Err.Error()
}

func (e *EmailDeliveryError) Unwrap() error { return e.Err }
