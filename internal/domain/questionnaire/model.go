package questionnaire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Answers maps field ids to the values submitted by the form client.
type Answers map[string]any

func (a Answers) text(key string) (string, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case bool:
		return strconv.FormatBool(t), true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	}
	return fmt.Sprint(v), true
}

// present reports whether key holds a non-empty answer. false, empty strings
// and empty lists count as unanswered.
func (a Answers) present(key string) bool {
	v, ok := a[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case bool:
		return t
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	}
	return true
}

// ordinal interprets key as an integer item. ok is false when the value is
// missing; valid is false when it is present but not an integer.
func (a Answers) ordinal(key string) (n int, ok, valid bool) {
	v, exists := a[key]
	if !exists || v == nil {
		return 0, false, false
	}
	switch t := v.(type) {
	case int:
		return t, true, true
	case int64:
		return int(t), true, true
	case float64:
		if t != float64(int(t)) {
			return 0, true, false
		}
		return int(t), true, true
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, true, false
		}
		return int(i), true, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false, false
		}
		i, err := strconv.Atoi(s)
		if err != nil {
			return 0, true, false
		}
		return i, true, true
	}
	return 0, true, false
}

// ESS extracts the eight items. It must only be called on answers that
// passed validation.
func (a Answers) ESS() ESSAnswers {
	var out ESSAnswers
	for i := range out {
		out[i], _, _ = a.ordinal(ESSFieldID(i + 1))
	}
	return out
}

// serverComputedKeys are dropped from submitted answers; the stored score is
// always the one computed on submission.
var serverComputedKeys = []string{"ess_total", "ess_band", "ess_band_label"}

// Clone returns a shallow copy without server-computed keys.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		out[k] = v
	}
	for _, k := range serverComputedKeys {
		delete(out, k)
	}
	return out
}

// Date is a calendar date serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

const (
	isoDateLayout    = "2006-01-02"
	germanDateLayout = "02.01.2006"
)

// ParseDate accepts ISO (2006-01-02) and German (02.01.2006) notation.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{isoDateLayout, germanDateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return Date{t}, nil
		}
	}
	return Date{}, fmt.Errorf("invalid date %q", s)
}

// NewDate truncates t to its calendar day.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string { return d.Format(isoDateLayout) }

// Local renders the date the way it is shown to practice staff.
func (d Date) Local() string { return d.Format(germanDateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Identity is the patient data an admin supplies when creating a session.
type Identity struct {
	LastName     string `json:"patient_last_name"`
	FirstName    string `json:"patient_first_name"`
	Email        string `json:"patient_email,omitempty"`
	BirthDate    *Date  `json:"patient_birth_date,omitempty"`
	GDTPatientID string `json:"gdt_patient_id,omitempty"`
	GDTRequestID string `json:"gdt_request_id,omitempty"`
}

// IdentityPatch carries a partial identity correction. Nil fields are left
// untouched; an empty Email or BirthDate clears the stored value.
type IdentityPatch struct {
	LastName  *string `json:"patient_last_name,omitempty"`
	FirstName *string `json:"patient_first_name,omitempty"`
	Email     *string `json:"patient_email,omitempty"`
	BirthDate *string `json:"patient_birth_date,omitempty"`
}

// IdentityPatchKeys lists the only payload keys accepted by an identity edit.
var IdentityPatchKeys = map[string]bool{
	"patient_last_name":  true,
	"patient_first_name": true,
	"patient_email":      true,
	"patient_birth_date": true,
}

// Session is one patient's invitation, identified by its token.
type Session struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	Token            string     `db:"token" json:"token"`
	LastName         string     `db:"patient_last_name" json:"patient_last_name"`
	FirstName        string     `db:"patient_first_name" json:"patient_first_name"`
	Email            *string    `db:"patient_email" json:"patient_email,omitempty"`
	BirthDate        *Date      `db:"patient_birth_date" json:"patient_birth_date,omitempty"`
	GDTPatientID     *string    `db:"gdt_patient_id" json:"gdt_patient_id,omitempty"`
	GDTRequestID     *string    `db:"gdt_request_id" json:"gdt_request_id,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt        time.Time  `db:"expires_at" json:"expires_at"`
	Completed        bool       `db:"completed" json:"completed"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Answers          Answers    `db:"answers" json:"answers,omitempty"`
	ESSTotal         *int       `db:"ess_total" json:"ess_total,omitempty"`
	ESSBand          *Band      `db:"ess_band" json:"ess_band,omitempty"`
	InvitationSentAt *time.Time `db:"invitation_sent_at" json:"invitation_sent_at,omitempty"`
}

// HasEmail reports whether an invitation can be sent.
func (s *Session) HasEmail() bool {
	return s.Email != nil && strings.TrimSpace(*s.Email) != ""
}

// FullName is "First Last".
func (s *Session) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// Result returns the stored score of a completed session.
func (s *Session) Result() (ESSResult, bool) {
	if !s.Completed || s.ESSTotal == nil || s.ESSBand == nil {
		return ESSResult{}, false
	}
	return ESSResult{Total: *s.ESSTotal, Band: *s.ESSBand}, true
}

// clone copies the session deeply enough that callers can modify it
// without affecting stored state.
func (s *Session) clone() *Session {
	cp := *s
	if s.Answers != nil {
		cp.Answers = make(Answers, len(s.Answers))
		for k, v := range s.Answers {
			cp.Answers[k] = v
		}
	}
	return &cp
}

// Completion is the set of values written when a session is submitted.
type Completion struct {
	CompletedAt time.Time
	Answers     Answers
	Result      ESSResult
}

// PatientView is the reduced representation served to the form client.
type PatientView struct {
	Token       string     `json:"token"`
	FirstName   string     `json:"patient_first_name"`
	LastName    string     `json:"patient_last_name"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Submittable bool       `json:"submittable"`
	ESSTotal    *int       `json:"ess_total,omitempty"`
	ESSBand     *Band      `json:"ess_band,omitempty"`
}

// NewPatientView strips admin-only fields from s.
func NewPatientView(s *Session, now time.Time) *PatientView {
	return &PatientView{
		Token:       s.Token,
		FirstName:   s.FirstName,
		LastName:    s.LastName,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
		Completed:   s.Completed,
		CompletedAt: s.CompletedAt,
		Submittable: IsSubmittable(s, now),
		ESSTotal:    s.ESSTotal,
		ESSBand:     s.ESSBand,
	}
}

// AdminView is the full representation plus the state evaluated at request time.
type AdminView struct {
	*Session
	Status State `json:"status"`
}

// NewAdminView wraps s with its current state.
func NewAdminView(s *Session, now time.Time) *AdminView {
	return &AdminView{Session: s, Status: StateAt(s, now)}
}

// InvitationStatus reports the outcome of an invitation email. It is metadata
// only; the session exists regardless of it.
type InvitationStatus struct {
	Attempted bool   `json:"attempted"`
	Sent      bool   `json:"sent"`
	Pending   bool   `json:"pending,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ListFilter narrows the admin session list.
type ListFilter struct {
	Status State
	Search string
}
