// Package phonetic matches misheard words against a vocabulary of known
// terms (names, product names, jargon) by pronunciation.
//
// Matching proceeds in two stages:
//
//  1. Candidate filtering: Double Metaphone codes are computed for every token
//     of the input and of each term. A term whose codes overlap the input's
//     codes is a phonetic candidate.
//
//  2. Ranking: among phonetic candidates, the term with the highest
//     Jaro-Winkler similarity (case-insensitive) wins if it reaches the
//     phonetic threshold. When no term sounds alike, a term can still match
//     on spelling alone if it reaches the stricter fuzzy threshold.
//
// A phrase is only compared with terms of the same word count, and always as
// a whole rather than word by word.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a term that
// sounds like the input. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term that
// does not sound like the input. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher implements transcript.PhoneticMatcher. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher with default thresholds 0.70 (phonetic) and 0.85
// (fuzzy).
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// term is a vocabulary entry with its phonetic codes precomputed.
type term struct {
	original string
	lower    string
	tokens   []string
	codes    map[string]struct{}
}

// Terms is a vocabulary prepared for repeated matching. Build it once with
// [Prepare] and reuse it for every window of every segment.
type Terms struct {
	terms    []term
	maxWords int
}

// Prepare precomputes phonetic codes for terms. Blank entries are skipped.
func Prepare(terms []string) *Terms {
	ts := &Terms{terms: make([]term, 0, len(terms))}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		ts.terms = append(ts.terms, term{
			original: strings.TrimSpace(t),
			lower:    lower,
			tokens:   tokens,
			codes:    codesForTokens(tokens),
		})
		ts.maxWords = max(ts.maxWords, len(tokens))
	}
	return ts
}

// Len returns the number of usable terms.
func (ts *Terms) Len() int { return len(ts.terms) }

// MaxWords returns the word count of the longest term.
func (ts *Terms) MaxWords() int { return ts.maxWords }

// Match finds the term in terms that best matches word, which may be a
// single word or a space-separated phrase. Only terms with the same number of
// words as word are considered.
//
// When matched is false, corrected equals word and confidence is 0.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, Prepare(terms))
}

// MatchPrepared is [Matcher.Match] against a prepared vocabulary.
func (m *Matcher) MatchPrepared(word string, ts *Terms) (corrected string, confidence float64, matched bool) {
	if ts == nil || len(ts.terms) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range ts.terms {
		if len(t.tokens) != len(wordTokens) {
			continue
		}
		score := bestJWScore(wordTokens, t.tokens, wordLower, t.lower)
		if codesOverlap(inputCodes, t.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.original, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t.original, score
		}
	}

	if best == "" {
		return word, 0, false
	}
	return best, bestScore, true
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
// Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the higher Jaro-Winkler similarity of the full strings and
// of the space-stripped strings.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)
	if len(inputTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(termTokens, ""), false); s > score {
			score = s
		}
	}
	return score
}
