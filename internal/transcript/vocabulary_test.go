package transcript_test

import (
	"testing"

	"github.com/MrWong99/soniclens/internal/transcript"
	"github.com/MrWong99/soniclens/pkg/types"
)

// stubMatcher maps exact phrases to terms.
type stubMatcher map[string]string

func (s stubMatcher) Match(word string, _ []string) (string, float64, bool) {
	if t, ok := s[word]; ok {
		return t, 0.9, true
	}
	return word, 0, false
}

func TestVocabulary_Correct(t *testing.T) {
	t.Parallel()

	v := transcript.NewVocabulary(
		[]string{"Kubernetes", "Grafana dashboard"},
		stubMatcher{"cooper": "Kubernetes", "graphana dashbord": "Grafana dashboard"},
	)

	tests := []struct {
		name  string
		in    string
		want  string
		fixes int
	}{
		{"single word keeps punctuation", "We run cooper, daily.", "We run Kubernetes, daily.", 1},
		{"multi-word window", "open the graphana dashbord now", "open the Grafana dashboard now", 1},
		{"window stops at clause break", "graphana, dashbord", "graphana, dashbord", 0},
		{"quoted term", `he said "cooper".`, `he said "Kubernetes".`, 1},
		{"no match", "nothing to see", "nothing to see", 0},
		{"empty", "", "", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, fixes := v.Correct(tc.in)
			if got != tc.want {
				t.Errorf("Correct(%q) = %q, want %q", tc.in, got, tc.want)
			}
			if len(fixes) != tc.fixes {
				t.Errorf("corrections = %+v, want %d", fixes, tc.fixes)
			}
		})
	}
}

func TestVocabulary_SkipsShortWords(t *testing.T) {
	t.Parallel()

	v := transcript.NewVocabulary([]string{"Theo"}, stubMatcher{"the": "Theo"})
	if got, _ := v.Correct("the end"); got != "the end" {
		t.Errorf("Correct = %q, want short word untouched", got)
	}
}

func TestVocabulary_WithPhoneticMatcher(t *testing.T) {
	t.Parallel()

	v := transcript.NewVocabulary([]string{"Postgres"}, nil)
	got, fixes := v.Correct("We migrated to postgress.")
	if got != "We migrated to Postgres." {
		t.Errorf("Correct = %q", got)
	}
	if len(fixes) != 1 || fixes[0].Original != "postgress" || fixes[0].Corrected != "Postgres" {
		t.Errorf("corrections = %+v", fixes)
	}
}

func TestVocabulary_Apply(t *testing.T) {
	t.Parallel()

	v := transcript.NewVocabulary([]string{"Kubernetes"}, stubMatcher{"cooper": "Kubernetes"})
	in := types.Transcript{
		{Speaker: "S1", Start: 0, End: 1, Text: "Deploy cooper."},
		{Speaker: "S2", Start: 1, End: 2, Text: "[ASR error: cooper]", Error: "cooper"},
	}
	out, fixes := v.Apply(in)
	if out[0].Text != "Deploy Kubernetes." {
		t.Errorf("segment 0 = %q", out[0].Text)
	}
	if out[1].Text != "[ASR error: cooper]" {
		t.Errorf("failed segment modified: %q", out[1].Text)
	}
	if len(fixes) != 1 {
		t.Errorf("corrections = %d, want 1", len(fixes))
	}
	if in[0].Text != "Deploy cooper." {
		t.Error("input transcript modified")
	}
}

func TestVocabulary_Empty(t *testing.T) {
	t.Parallel()

	var nilVocab *transcript.Vocabulary
	if nilVocab.Len() != 0 {
		t.Error("nil vocabulary has terms")
	}
	v := transcript.NewVocabulary(nil, nil)
	if got, fixes := v.Correct("anything goes"); got != "anything goes" || fixes != nil {
		t.Errorf("Correct = (%q, %v)", got, fixes)
	}
}
