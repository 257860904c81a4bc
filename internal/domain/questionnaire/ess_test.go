package questionnaire

import "testing"

func TestBandFor(t *testing.T) {
	tests := []struct {
		total int
		want  Band
	}{
		{0, BandNormal},
		{9, BandNormal},
		{10, BandElevated},
		{15, BandElevated},
		{16, BandPronounced},
		{24, BandPronounced},
	}
	for _, tt := range tests {
		if got := BandFor(tt.total); got != tt.want {
			t.Errorf("BandFor(%d) = %q, want %q", tt.total, got, tt.want)
		}
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name  string
		items ESSAnswers
		total int
		band  Band
	}{
		{"all zero", ESSAnswers{}, 0, BandNormal},
		{"all one", ESSAnswers{1, 1, 1, 1, 1, 1, 1, 1}, 8, BandNormal},
		{"all two", ESSAnswers{2, 2, 2, 2, 2, 2, 2, 2}, 16, BandPronounced},
		{"mixed", ESSAnswers{3, 2, 1, 0, 3, 1, 0, 2}, 12, BandElevated},
		{"maximum", ESSAnswers{3, 3, 3, 3, 3, 3, 3, 3}, ESSMaxTotal, BandPronounced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.items)
			if got.Total != tt.total || got.Band != tt.band {
				t.Errorf("Score = %d/%q, want %d/%q", got.Total, got.Band, tt.total, tt.band)
			}
		})
	}
}

func TestScore_AllCombinations(t *testing.T) {
	combos := 1
	for i := 0; i < ESSItemCount; i++ {
		combos *= 4
	}
	for n := 0; n < combos; n++ {
		var items ESSAnswers
		sum := 0
		for i, rest := 0, n; i < ESSItemCount; i, rest = i+1, rest/4 {
			items[i] = rest % 4
			sum += items[i]
		}

		want := BandPronounced
		switch {
		case sum <= 9:
			want = BandNormal
		case sum <= 15:
			want = BandElevated
		}

		got := Score(items)
		if got.Total != sum || got.Band != want {
			t.Fatalf("Score(%v) = %d/%q, want %d/%q", items, got.Total, got.Band, sum, want)
		}
	}
}

func TestBand_Description(t *testing.T) {
	for _, b := range []Band{BandNormal, BandElevated, BandPronounced} {
		if !b.Valid() {
			t.Errorf("expected %q to be valid", b)
		}
		if b.Description() == string(b) {
			t.Errorf("expected a description for %q", b)
		}
	}
	if Band("low").Valid() {
		t.Error("expected unknown band to be invalid")
	}
}
