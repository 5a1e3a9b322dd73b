package phonetic_test

import (
	"testing"

	"github.com/MrWong99/soniclens/internal/transcript/phonetic"
)

func TestMatcher_Match(t *testing.T) {
	t.Parallel()

	terms := []string{"Kubernetes", "Grafana dashboard", "Postgres"}

	tests := []struct {
		name    string
		word    string
		want    string
		matched bool
		minConf float64
	}{
		{name: "exact lower case", word: "kubernetes", want: "Kubernetes", matched: true, minConf: 0.99},
		{name: "upper case", word: "POSTGRES", want: "Postgres", matched: true, minConf: 0.99},
		{name: "misspelt", word: "postgress", want: "Postgres", matched: true, minConf: 0.95},
		{name: "word count differs", word: "grafana", want: "grafana", matched: false},
		{name: "multi-word term", word: "grafana dashbord", want: "Grafana dashboard", matched: true, minConf: 0.9},
		{name: "unrelated word", word: "hello", want: "hello", matched: false},
		{name: "blank word", word: "  ", want: "  ", matched: false},
	}
	m := phonetic.New()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, conf, ok := m.Match(tc.word, terms)
			if ok != tc.matched {
				t.Fatalf("Match(%q) matched = %v, want %v", tc.word, ok, tc.matched)
			}
			if got != tc.want {
				t.Errorf("Match(%q) = %q, want %q", tc.word, got, tc.want)
			}
			if !ok && conf != 0 {
				t.Errorf("confidence = %f for a miss, want 0", conf)
			}
			if ok && conf < tc.minConf {
				t.Errorf("confidence = %f, want >= %f", conf, tc.minConf)
			}
		})
	}
}

func TestMatcher_ThresholdRejectsNearMatches(t *testing.T) {
	t.Parallel()

	m := phonetic.New(
		phonetic.WithPhoneticThreshold(0.99),
		phonetic.WithFuzzyThreshold(0.99),
	)
	if _, _, ok := m.Match("postgress", []string{"Postgres"}); ok {
		t.Fatal("near match accepted with 0.99 thresholds")
	}
}

func TestMatcher_EmptyVocabulary(t *testing.T) {
	t.Parallel()

	got, conf, ok := phonetic.New().Match("kubernetes", nil)
	if ok || got != "kubernetes" || conf != 0 {
		t.Errorf("Match with no terms = (%q, %f, %v), want unchanged miss", got, conf, ok)
	}
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	ts := phonetic.Prepare([]string{"Grafana dashboard", "", "  ", "Kubernetes"})
	if ts.Len() != 2 {
		t.Errorf("Len = %d, want 2", ts.Len())
	}
	if ts.MaxWords() != 2 {
		t.Errorf("MaxWords = %d, want 2", ts.MaxWords())
	}

	got, _, ok := phonetic.New().MatchPrepared("Kubernetes", ts)
	if !ok || got != "Kubernetes" {
		t.Errorf("MatchPrepared = (%q, %v), want Kubernetes", got, ok)
	}
	if _, _, ok := phonetic.New().MatchPrepared("x", nil); ok {
		t.Error("MatchPrepared with nil terms matched")
	}
}
