package questionnaire

// ESSItemCount is the number of Epworth Sleepiness Scale items.
const ESSItemCount = 8

// ESSMaxTotal is the highest reachable ESS total.
const ESSMaxTotal = ESSItemCount * 3

// Band is the severity classification derived from an ESS total.
type Band string

const (
	BandNormal     Band = "normal"
	BandElevated   Band = "erhöht"
	BandPronounced Band = "ausgeprägt"
)

// Description returns the wording used on printed reports and GDT results.
func (b Band) Description() string {
	switch b {
	case BandNormal:
		return "Normal (0-9) – keine erhöhte Tagesschläfrigkeit"
	case BandElevated:
		return "Erhöht (10-15) – weitere Abklärung empfohlen"
	case BandPronounced:
		return "Ausgeprägt (≥16) – ärztliche Abklärung erforderlich"
	}
	return string(b)
}

// Valid reports whether b is one of the three known bands.
func (b Band) Valid() bool {
	return b == BandNormal || b == BandElevated || b == BandPronounced
}

// ESSAnswers holds the eight ordinal items in order ess_1..ess_8.
type ESSAnswers [ESSItemCount]int

// ESSResult is the outcome of scoring.
type ESSResult struct {
	Total int  `json:"ess_total"`
	Band  Band `json:"ess_band"`
}

// BandFor classifies a total.
func BandFor(total int) Band {
	switch {
	case total <= 9:
		return BandNormal
	case total <= 15:
		return BandElevated
	default:
		return BandPronounced
	}
}

// Score sums the items and classifies the total. The input must already have
// passed validation; Score does not check item ranges.
func Score(a ESSAnswers) ESSResult {
	total := 0
	for _, v := range a {
		total += v
	}
	return ESSResult{Total: total, Band: BandFor(total)}
}
