package questionnaire

import "fmt"

// FieldKind describes how an answer value is shaped and checked.
type FieldKind string

const (
	KindText    FieldKind = "text"
	KindYesNo   FieldKind = "yes_no"
	KindChoice  FieldKind = "choice"
	KindList    FieldKind = "list"
	KindESSItem FieldKind = "ess_item"
	KindConsent FieldKind = "consent"
)

// ChoiceOption is one selectable value of a choice field.
type ChoiceOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Field is a single question of a step.
type Field struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Question string         `json:"question,omitempty"`
	Kind     FieldKind      `json:"kind"`
	Required bool           `json:"required"`
	Options  []ChoiceOption `json:"options,omitempty"`
}

// Step is one page of the intake form.
type Step struct {
	Index    int     `json:"index"`
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Subtitle string  `json:"subtitle,omitempty"`
	Fields   []Field `json:"fields"`
}

// RuleOperator compares a trigger field against a rule value.
type RuleOperator string

const (
	OpEquals    RuleOperator = "equals"
	OpNotEquals RuleOperator = "not_equals"
)

// DependencyRule ties a dependent field to the value of a trigger field.
// When the rule fires and Required is set, the dependent field must be
// answered. Rules with Required unset only mark the dependent field as
// relevant for the form client.
type DependencyRule struct {
	Trigger   string       `json:"trigger"`
	Operator  RuleOperator `json:"operator"`
	Value     string       `json:"value"`
	Dependent string       `json:"dependent"`
	Required  bool         `json:"required"`
}

// Fires reports whether the rule applies to the given answers. An absent
// trigger never fires.
func (r DependencyRule) Fires(a Answers) bool {
	v, ok := a.text(r.Trigger)
	if !ok {
		return false
	}
	switch r.Operator {
	case OpEquals:
		return v == r.Value
	case OpNotEquals:
		return v != r.Value
	}
	return false
}

var yesNoOptions = []ChoiceOption{{Value: "yes", Label: "Ja"}, {Value: "no", Label: "Nein"}}

func yesNo(id, label, question string, required bool) Field {
	return Field{ID: id, Label: label, Question: question, Kind: KindYesNo, Required: required, Options: yesNoOptions}
}

func text(id, label string) Field {
	return Field{ID: id, Label: label, Kind: KindText}
}

var essQuestions = [ESSItemCount]string{
	"Beim Sitzen und Lesen",
	"Beim Fernsehen",
	"Wenn Sie passiv in der Öffentlichkeit sitzen (z.B. im Theater oder bei einer Besprechung)",
	"Als Beifahrer im Auto während einer einstündigen Fahrt ohne Pause",
	"Wenn Sie sich am Nachmittag hingelegt haben, um auszuruhen",
	"Wenn Sie sitzen und sich mit jemandem unterhalten",
	"Wenn Sie nach dem Mittagessen (ohne Alkohol) ruhig dasitzen",
	"Wenn Sie als Fahrer eines Autos verkehrsbedingt einige Minuten halten müssen",
}

var essOptions = []ChoiceOption{
	{Value: "0", Label: "0 - Würde nie einnicken"},
	{Value: "1", Label: "1 - Geringe Wahrscheinlichkeit"},
	{Value: "2", Label: "2 - Mittlere Wahrscheinlichkeit"},
	{Value: "3", Label: "3 - Hohe Wahrscheinlichkeit"},
}

// ESSFieldID returns the answer key of the i-th ESS item, counting from 1.
func ESSFieldID(i int) string {
	return fmt.Sprintf("ess_%d", i)
}

func essFields() []Field {
	fields := make([]Field, 0, ESSItemCount)
	for i, q := range essQuestions {
		fields = append(fields, Field{
			ID:       ESSFieldID(i + 1),
			Label:    fmt.Sprintf("ESS Frage %d", i+1),
			Question: q,
			Kind:     KindESSItem,
			Required: true,
			Options:  essOptions,
		})
	}
	return fields
}

var steps = []Step{
	{ID: "fahrprofil", Title: "Fahrprofil", Subtitle: "Angaben zu Ihrer Fahrtätigkeit", Fields: []Field{
		{ID: "license_classes", Label: "Führerscheinklasse", Question: "Führerscheinklassen", Kind: KindText, Required: true},
		{ID: "license_classes_arr", Label: "Führerscheinklassen (Auswahl)", Kind: KindList},
		{ID: "driving_hours", Label: "Fahrzeit pro Tag", Question: "Fahrzeit pro Tag (Stunden)", Kind: KindChoice, Required: true, Options: []ChoiceOption{
			{Value: "<1", Label: "< 1 h"}, {Value: "1-2", Label: "1-2 h"}, {Value: "2-4", Label: "2-4 h"}, {Value: ">4", Label: "> 4 h"},
		}},
		yesNo("night_driving", "Nachtfahrten", "Regelmäßige Nachtfahrten", true),
		yesNo("accidents", "Unfälle / Beinahe-Unfälle", "Unfälle oder Beinahe-Unfälle in den letzten 24 Monaten", true),
		text("accidents_desc", "Beschreibung der Unfälle"),
	}},
	{ID: "warnsymptome", Title: "Warnsymptome", Subtitle: "Plötzliches Ausfallrisiko", Fields: []Field{
		yesNo("syncope", "Ohnmacht/Bewusstlosigkeit", "Ohnmacht oder Bewusstlosigkeit in den letzten 5 Jahren", true),
		yesNo("seizures", "Krampfanfälle", "Krampfanfälle oder epileptische Anfälle", true),
		yesNo("dizziness", "Schwindelattacken", "Schwindelattacken", true),
		yesNo("neuro_deficit", "Neurologische Ausfälle", "Neurologische Ausfälle (z.B. Lähmung, Sprachstörung)", true),
	}},
	{ID: "sehen", Title: "Sehen & Hören", Subtitle: "Seh- und Hörfunktion", Fields: []Field{
		yesNo("glasses", "Brille/Kontaktlinsen", "Brille oder Kontaktlinsen", true),
		yesNo("vision_problems", "Sehprobleme", "Sehprobleme", true),
		text("vision_desc", "Beschreibung der Sehprobleme"),
		yesNo("hearing_aid", "Hörgerät", "Hörgerät oder relevante Hörstörung", true),
	}},
	{ID: "herz", Title: "Herz-Kreislauf", Subtitle: "Kardiovaskuläre Erkrankungen", Fields: []Field{
		yesNo("heart_attack", "Herzinfarkt", "Herzinfarkt oder koronare Erkrankung", true),
		yesNo("arrhythmia", "Rhythmusstörungen", "Rhythmusstörungen, Schrittmacher oder ICD", true),
		yesNo("heart_failure", "Herzinsuffizienz", "Herzinsuffizienz", true),
		yesNo("syncope_workup", "Synkopenabklärung", "Synkopenabklärung bereits erfolgt?", false),
	}},
	{ID: "neuro", Title: "Neurologie", Subtitle: "Neurologische Erkrankungen", Fields: []Field{
		yesNo("epilepsy", "Epilepsie", "Epilepsie", true),
		yesNo("parkinson", "Parkinson", "Parkinson", true),
		yesNo("ms", "Multiple Sklerose", "Multiple Sklerose", true),
		yesNo("migraine_aura", "Migräne mit Aura", "Migräne mit Aura", true),
		yesNo("balance_disorder", "Gleichgewichtsstörungen", "Gleichgewichtsstörungen", false),
	}},
	{ID: "diabetes", Title: "Diabetes / Stoffwechsel", Subtitle: "Blutzucker und Therapie", Fields: []Field{
		{ID: "diabetes_type", Label: "Diabetes", Question: "Diabetesform", Kind: KindChoice, Required: true, Options: []ChoiceOption{
			{Value: "none", Label: "Kein Diabetes"}, {Value: "type1", Label: "Typ 1"}, {Value: "type2", Label: "Typ 2"},
		}},
		yesNo("hypoglycemia", "Hypoglykämie mit Fremdhilfe", "Hypoglykämie mit Fremdhilfe in den letzten 12 Monaten", true),
		yesNo("hypo_awareness", "Hypowahrnehmungsstörung", "Hypowahrnehmungsstörung", false),
		{ID: "diabetes_therapy", Label: "Aktuelle Therapie", Question: "Aktuelle Therapie", Kind: KindChoice, Options: []ChoiceOption{
			{Value: "insulin", Label: "Insulin"}, {Value: "tablets", Label: "Tabletten"}, {Value: "diet", Label: "Diät"}, {Value: "other", Label: "Sonstige"},
		}},
	}},
	{ID: "schlaf", Title: "Schlaf & Tagesschläfrigkeit", Subtitle: "Inkl. Epworth Sleepiness Scale (ESS)", Fields: append([]Field{
		yesNo("daytime_sleepiness", "Tagesmüdigkeit", "Ausgeprägte Tagesmüdigkeit", true),
		yesNo("microsleep", "Sekundenschlaf", "Sekundenschlaf beim Fahren", true),
		yesNo("snoring", "Schnarchen / Atemaussetzer", "Schnarchen oder Atemaussetzer", true),
	}, essFields()...)},
	{ID: "psyche", Title: "Psychische Gesundheit", Subtitle: "Psychiatrische Erkrankungen", Fields: []Field{
		yesNo("psychiatric", "Psychiatrische Erkrankung", "Depression, Angststörung oder andere psychiatrische Erkrankung", true),
		text("psychiatric_desc", "Beschreibung der Erkrankung"),
		yesNo("psychiatric_inpatient", "Stationäre Behandlung", "Stationäre psychiatrische Behandlung in den letzten 5 Jahren", false),
		yesNo("concentration", "Konzentrations-/Gedächtnisprobleme", "Konzentrations- oder Gedächtnisprobleme", true),
	}},
	{ID: "substanzen", Title: "Substanzen & Medikamente", Subtitle: "Alkohol, Drogen, Medikamente", Fields: []Field{
		{ID: "alcohol", Label: "Alkohol", Question: "Alkohol", Kind: KindChoice, Required: true, Options: []ChoiceOption{
			{Value: "none", Label: "Keinen"}, {Value: "occasional", Label: "Gelegentlich"}, {Value: "regular", Label: "Regelmäßig"}, {Value: "risky", Label: "Riskant"},
		}},
		yesNo("drugs", "Drogenkonsum", "Drogenkonsum aktuell oder früher", true),
		text("drugs_desc", "Angaben zum Drogenkonsum"),
		yesNo("sedating_meds", "Sedierende Medikamente", "Medikamente mit sedierender Wirkung", true),
		text("sedating_meds_desc", "Welche Medikamente"),
		yesNo("side_effects", "Nebenwirkungen", "Nebenwirkungen wie Schläfrigkeit oder Schwindel", false),
	}},
	{ID: "einwilligung", Title: "Einwilligung", Subtitle: "Erklärung & Datenschutz", Fields: []Field{
		{ID: "consent_truth", Label: "Wahrheitsgemäße Angaben", Question: "Ich bestätige, dass meine Angaben vollständig und wahrheitsgemäß sind.", Kind: KindConsent, Required: true},
		{ID: "consent_privacy", Label: "Datenschutz", Question: "Ich habe die Datenschutzhinweise gelesen und willige in die Verarbeitung meiner Daten zu verkehrsmedizinischen Zwecken ein.", Kind: KindConsent, Required: true},
	}},
}

var rules = []DependencyRule{
	{Trigger: "accidents", Operator: OpEquals, Value: "yes", Dependent: "accidents_desc"},
	{Trigger: "vision_problems", Operator: OpEquals, Value: "yes", Dependent: "vision_desc"},
	{Trigger: "diabetes_type", Operator: OpNotEquals, Value: "none", Dependent: "diabetes_therapy", Required: true},
	{Trigger: "diabetes_type", Operator: OpNotEquals, Value: "none", Dependent: "hypo_awareness", Required: true},
	{Trigger: "psychiatric", Operator: OpEquals, Value: "yes", Dependent: "psychiatric_desc"},
	{Trigger: "drugs", Operator: OpEquals, Value: "yes", Dependent: "drugs_desc"},
	{Trigger: "sedating_meds", Operator: OpEquals, Value: "yes", Dependent: "sedating_meds_desc"},
}

func init() {
	for i := range steps {
		steps[i].Index = i
	}
	for _, r := range rules {
		for _, id := range []string{r.Trigger, r.Dependent} {
			if _, _, ok := lookupField(id); !ok {
				panic("questionnaire: rule references unknown field " + id)
			}
		}
	}
}

// StepCount is the number of form steps.
func StepCount() int { return len(steps) }

// Steps returns a copy of the ordered form definition.
func Steps() []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		s.Fields = append([]Field(nil), s.Fields...)
		out[i] = s
	}
	return out
}

// Rules returns the dependency rules between fields.
func Rules() []DependencyRule {
	return append([]DependencyRule(nil), rules...)
}

// lookupField finds a field definition and the index of its step.
func lookupField(id string) (Field, int, bool) {
	for _, s := range steps {
		for _, f := range s.Fields {
			if f.ID == id {
				return f, s.Index, true
			}
		}
	}
	return Field{}, -1, false
}
