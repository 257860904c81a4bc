package questionnaire

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// completeAnswers returns a submission that passes every step, with all
// ESS items set to ess.
func completeAnswers(ess int) Answers {
	a := Answers{
		"license_classes":     "B",
		"license_classes_arr": []any{"B"},
		"driving_hours":       "1-2",
		"night_driving":       "no",
		"accidents":           "no",
		"syncope":             "no",
		"seizures":            "no",
		"dizziness":           "no",
		"neuro_deficit":       "no",
		"glasses":             "yes",
		"vision_problems":     "no",
		"hearing_aid":         "no",
		"heart_attack":        "no",
		"arrhythmia":          "no",
		"heart_failure":       "no",
		"epilepsy":            "no",
		"parkinson":           "no",
		"ms":                  "no",
		"migraine_aura":       "no",
		"diabetes_type":       "none",
		"hypoglycemia":        "no",
		"daytime_sleepiness":  "no",
		"microsleep":          "no",
		"snoring":             "no",
		"psychiatric":         "no",
		"concentration":       "no",
		"alcohol":             "occasional",
		"drugs":               "no",
		"sedating_meds":       "no",
		"consent_truth":       true,
		"consent_privacy":     true,
	}
	for i := 1; i <= ESSItemCount; i++ {
		a[ESSFieldID(i)] = ess
	}
	return a
}

func TestValidateAll_Complete(t *testing.T) {
	if errs := ValidateAll(completeAnswers(1)); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestValidateAll_Empty(t *testing.T) {
	errs := ValidateAll(Answers{})
	for _, key := range []string{"license_classes", "ess_1", "ess_8", "consent_truth", "consent_privacy", "diabetes_type"} {
		if _, ok := errs[key]; !ok {
			t.Errorf("expected error for %s", key)
		}
	}
	if _, ok := errs["accidents_desc"]; ok {
		t.Error("did not expect optional field to be reported")
	}
	if _, ok := errs["diabetes_therapy"]; ok {
		t.Error("dependent field must not be required when trigger is absent")
	}
}

func TestValidateAll_EachRequiredFieldReportedAlone(t *testing.T) {
	for _, step := range Steps() {
		for _, f := range step.Fields {
			if !f.Required {
				continue
			}
			t.Run(f.ID, func(t *testing.T) {
				a := completeAnswers(1)
				delete(a, f.ID)
				errs := ValidateAll(a)
				if _, ok := errs[f.ID]; !ok || len(errs) != 1 {
					t.Errorf("expected only %s to be reported, got %v", f.ID, errs)
				}
			})
		}
	}
}

func TestValidateAll_DiabetesDependentsReportedAlone(t *testing.T) {
	withType1 := func() Answers {
		a := completeAnswers(1)
		a["diabetes_type"] = "type1"
		a["diabetes_therapy"] = "insulin"
		a["hypo_awareness"] = "no"
		return a
	}
	if errs := ValidateAll(withType1()); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}

	for _, id := range []string{"diabetes_therapy", "hypo_awareness"} {
		t.Run(id, func(t *testing.T) {
			a := withType1()
			delete(a, id)
			errs := ValidateAll(a)
			if _, ok := errs[id]; !ok || len(errs) != 1 {
				t.Errorf("expected only %s to be reported, got %v", id, errs)
			}
		})
	}
}

func TestValidateStep_UnknownIndex(t *testing.T) {
	for _, i := range []int{-1, StepCount()} {
		if _, err := ValidateStep(i, Answers{}); !errors.Is(err, ErrUnknownStep) {
			t.Errorf("step %d: expected ErrUnknownStep, got %v", i, err)
		}
	}
}

func TestValidateStep_OnlyOwnFields(t *testing.T) {
	errs, err := ValidateStep(0, Answers{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := errs["ess_1"]; ok {
		t.Error("step 0 must not report ESS items")
	}
	if errs["license_classes"] != "Führerscheinklasse ist erforderlich" {
		t.Errorf("unexpected message %q", errs["license_classes"])
	}
}

func TestValidate_ESSItems(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"missing", nil, msgSelect},
		{"empty string", "", msgSelect},
		{"too high", 4, msgESSRange},
		{"negative", -1, msgESSRange},
		{"fraction", 1.5, msgESSRange},
		{"not a number", "viel", msgESSRange},
		{"float from JSON", float64(2), ""},
		{"digit string", "3", ""},
		{"json number", json.Number("0"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := completeAnswers(1)
			if tt.value == nil {
				delete(a, "ess_8")
			} else {
				a["ess_8"] = tt.value
			}
			errs := ValidateAll(a)
			if errs["ess_8"] != tt.want {
				t.Errorf("expected %q, got %q", tt.want, errs["ess_8"])
			}
			if len(errs) > 1 || (tt.want == "" && len(errs) != 0) {
				t.Errorf("unexpected extra errors %v", errs)
			}
		})
	}
}

func TestValidate_Consent(t *testing.T) {
	for _, v := range []any{false, "true", 1, nil} {
		a := completeAnswers(0)
		a["consent_privacy"] = v
		if errs := ValidateAll(a); errs["consent_privacy"] != msgConsent {
			t.Errorf("value %v: expected consent error, got %v", v, errs)
		}
	}
}

func TestValidate_DependencyRules(t *testing.T) {
	a := completeAnswers(0)
	a["diabetes_type"] = "type2"

	errs := ValidateAll(a)
	if _, ok := errs["diabetes_therapy"]; !ok {
		t.Error("expected diabetes_therapy to be required")
	}
	if _, ok := errs["hypo_awareness"]; !ok {
		t.Error("expected hypo_awareness to be required")
	}

	a["diabetes_therapy"] = "tablets"
	a["hypo_awareness"] = "no"
	if errs := ValidateAll(a); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestValidate_InformativeRuleNotRequired(t *testing.T) {
	a := completeAnswers(0)
	a["accidents"] = "yes"
	if errs := ValidateAll(a); len(errs) != 0 {
		t.Errorf("accidents_desc must stay optional, got %v", errs)
	}
	relevant := strings.Join(RelevantFields(a), ",")
	if !strings.Contains(relevant, "accidents_desc") {
		t.Errorf("expected accidents_desc to be relevant, got %s", relevant)
	}
}

func TestValidate_BadOption(t *testing.T) {
	a := completeAnswers(0)
	a["alcohol"] = "daily"
	if errs := ValidateAll(a); errs["alcohol"] != msgBadOption {
		t.Errorf("expected option error, got %v", errs)
	}
}

func TestValidate_WhitespaceIsUnanswered(t *testing.T) {
	a := completeAnswers(0)
	a["license_classes"] = "   "
	if _, ok := ValidateAll(a)["license_classes"]; !ok {
		t.Error("expected blank text to be treated as missing")
	}
}

func TestDependencyRule_AbsentTriggerNeverFires(t *testing.T) {
	r := DependencyRule{Trigger: "diabetes_type", Operator: OpNotEquals, Value: "none", Dependent: "x"}
	if r.Fires(Answers{}) {
		t.Error("expected rule not to fire without trigger")
	}
	if !r.Fires(Answers{"diabetes_type": "type1"}) {
		t.Error("expected rule to fire")
	}
}

func TestSteps_Layout(t *testing.T) {
	s := Steps()
	if len(s) != 10 {
		t.Fatalf("expected 10 steps, got %d", len(s))
	}
	for i, step := range s {
		if step.Index != i {
			t.Errorf("step %s: expected index %d, got %d", step.ID, i, step.Index)
		}
	}
	f, idx, ok := lookupField("ess_3")
	if !ok || f.Kind != KindESSItem || s[idx].ID != "schlaf" {
		t.Errorf("unexpected lookup result %+v in step %d", f, idx)
	}

	s[0].Fields[0].Label = "changed"
	if Steps()[0].Fields[0].Label == "changed" {
		t.Error("Steps must return a copy")
	}
}

func TestRules_ReferenceKnownFields(t *testing.T) {
	for _, r := range Rules() {
		trigger, ti, ok := lookupField(r.Trigger)
		if !ok {
			t.Errorf("rule %s: unknown trigger", r.Dependent)
			continue
		}
		if _, di, ok := lookupField(r.Dependent); !ok || di != ti {
			t.Errorf("rule %s: dependent must live in the step of %s", r.Dependent, trigger.ID)
		}
	}
}
