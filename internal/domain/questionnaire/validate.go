package questionnaire

import "fmt"

const (
	msgSelect    = "Bitte auswählen"
	msgESSRange  = "Wert muss zwischen 0 und 3 liegen"
	msgConsent   = "Pflichtfeld"
	msgBadOption = "Ungültige Auswahl"
)

func requiredMsg(label string) string {
	return label + " ist erforderlich"
}

// ValidateStep checks the answers that belong to one step. Fields of other
// steps are ignored, except as triggers of dependency rules. The result is
// empty when the step is complete.
func ValidateStep(index int, a Answers) (FieldErrors, error) {
	if index < 0 || index >= len(steps) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStep, index)
	}
	return validateStep(steps[index], a), nil
}

// ValidateAll is the union of ValidateStep over every step.
func ValidateAll(a Answers) FieldErrors {
	errs := FieldErrors{}
	for _, s := range steps {
		errs.merge(validateStep(s, a))
	}
	return errs
}

func validateStep(s Step, a Answers) FieldErrors {
	errs := FieldErrors{}
	required := requiredByRules(a)

	for _, f := range s.Fields {
		switch f.Kind {
		case KindESSItem:
			n, ok, valid := a.ordinal(f.ID)
			switch {
			case !ok:
				errs[f.ID] = msgSelect
			case !valid || n < 0 || n > 3:
				errs[f.ID] = msgESSRange
			}
			continue
		case KindConsent:
			v, ok := a[f.ID]
			if b, isBool := v.(bool); !ok || !isBool || !b {
				errs[f.ID] = msgConsent
			}
			continue
		}

		if !a.present(f.ID) {
			if f.Required || required[f.ID] {
				errs[f.ID] = requiredMsg(f.Label)
			}
			continue
		}
		if len(f.Options) > 0 && f.Kind != KindList {
			if v, _ := a.text(f.ID); !hasOption(f.Options, v) {
				errs[f.ID] = msgBadOption
			}
		}
	}
	return errs
}

// requiredByRules returns the dependents made mandatory by fired rules.
func requiredByRules(a Answers) map[string]bool {
	out := map[string]bool{}
	for _, r := range rules {
		if r.Required && r.Fires(a) {
			out[r.Dependent] = true
		}
	}
	return out
}

// RelevantFields returns the dependents whose rules fire for a, whether or
// not they are mandatory. Form clients use it to decide what to show.
func RelevantFields(a Answers) []string {
	var out []string
	for _, r := range rules {
		if r.Fires(a) {
			out = append(out, r.Dependent)
		}
	}
	return out
}

func hasOption(opts []ChoiceOption, v string) bool {
	for _, o := range opts {
		if o.Value == v {
			return true
		}
	}
	return false
}
