package questionnaire

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Report is the read-only view of a completed session that document
// rendering works from.
type Report struct {
	Token       string          `json:"token"`
	PatientName string          `json:"patient_name"`
	BirthDate   string          `json:"patient_birth_date,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
	Sections    []ReportSection `json:"sections"`
	ESS         ReportESS       `json:"ess"`
}

// ReportSection holds the answered questions of one step.
type ReportSection struct {
	Title string       `json:"title"`
	Items []ReportItem `json:"items"`
}

// ReportItem is one answered question.
type ReportItem struct {
	FieldID  string `json:"field_id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// ReportESS is the score block of a report.
type ReportESS struct {
	Items    []ReportItem `json:"items"`
	Total    int          `json:"total"`
	Max      int          `json:"max"`
	Band     Band         `json:"band"`
	BandText string       `json:"band_text"`
}

// BuildReport renders a completed session. Unanswered optional questions
// are left out.
func BuildReport(s *Session) (*Report, error) {
	res, ok := s.Result()
	if !ok || s.CompletedAt == nil {
		return nil, ErrNotCompleted
	}

	r := &Report{
		Token:       s.Token,
		PatientName: s.LastName + ", " + s.FirstName,
		CompletedAt: *s.CompletedAt,
		ESS: ReportESS{
			Total:    res.Total,
			Max:      ESSMaxTotal,
			Band:     res.Band,
			BandText: res.Band.Description(),
		},
	}
	if s.BirthDate != nil {
		r.BirthDate = s.BirthDate.Local()
	}

	for _, step := range steps {
		sec := ReportSection{Title: step.Title}
		for _, f := range step.Fields {
			answer, ok := formatAnswer(f, s.Answers)
			if !ok {
				continue
			}
			item := ReportItem{FieldID: f.ID, Question: questionText(f), Answer: answer}
			if f.Kind == KindESSItem {
				r.ESS.Items = append(r.ESS.Items, item)
				continue
			}
			sec.Items = append(sec.Items, item)
		}
		if len(sec.Items) > 0 {
			r.Sections = append(r.Sections, sec)
		}
	}
	return r, nil
}

func questionText(f Field) string {
	if f.Question != "" {
		return f.Question
	}
	return f.Label
}

func formatAnswer(f Field, a Answers) (string, bool) {
	switch f.Kind {
	case KindConsent:
		if b, _ := a[f.ID].(bool); b {
			return "Bestätigt", true
		}
		return "", false
	case KindESSItem:
		n, ok, valid := a.ordinal(f.ID)
		if !ok || !valid {
			return "", false
		}
		return fmt.Sprint(n), true
	case KindList:
		return formatList(a[f.ID])
	}

	v, ok := a.text(f.ID)
	if !ok {
		return "", false
	}
	for _, o := range f.Options {
		if o.Value == v {
			return o.Label, true
		}
	}
	return v, true
}

func formatList(v any) (string, bool) {
	var parts []string
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			parts = append(parts, fmt.Sprint(e))
		}
	case []string:
		parts = t
	case string:
		if strings.TrimSpace(t) != "" {
			parts = []string{t}
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, ", "), true
}

// PrintView builds the report of a completed session.
func (s *Service) PrintView(ctx context.Context, token string) (*Report, error) {
	sess, err := s.Finalized(ctx, token)
	if err != nil {
		return nil, err
	}
	return BuildReport(sess)
}
