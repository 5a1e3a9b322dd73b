package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/soniclens/internal/transcript/phonetic"
	"github.com/MrWong99/soniclens/pkg/types"
)

// Correction captures a single substitution made by a [Vocabulary].
type Correction struct {
	// Original is the text as produced by the transcription engine.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the matcher's similarity score (0.0–1.0).
	Confidence float64
}

// PhoneticMatcher resolves a word or phrase to a known term by
// pronunciation. It runs in-process and never blocks.
//
// Implementations must be safe for concurrent use.
type PhoneticMatcher interface {
	// Match returns the term from terms most similar to word. When matched
	// is false, corrected equals word and confidence is 0.
	Match(word string, terms []string) (corrected string, confidence float64, matched bool)
}

// minWindowRunes is the shortest window considered for correction. Short
// function words sound like too many terms to be corrected safely.
const minWindowRunes = 4

// Vocabulary repairs misheard domain terms (names, products, jargon) in
// transcript text. It is read-only after construction and safe for
// concurrent use.
type Vocabulary struct {
	matcher  PhoneticMatcher
	terms    []string
	prepared *phonetic.Terms
	maxWords int
}

// NewVocabulary returns a Vocabulary for terms. When matcher is nil a
// default [phonetic.Matcher] is used.
func NewVocabulary(terms []string, matcher PhoneticMatcher) *Vocabulary {
	if matcher == nil {
		matcher = phonetic.New()
	}
	v := &Vocabulary{matcher: matcher, terms: terms, prepared: phonetic.Prepare(terms)}
	v.maxWords = v.prepared.MaxWords()
	return v
}

// Len returns the number of usable terms.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return v.prepared.Len()
}

func (v *Vocabulary) match(window string) (string, float64, bool) {
	if pm, ok := v.matcher.(*phonetic.Matcher); ok {
		return pm.MatchPrepared(window, v.prepared)
	}
	return v.matcher.Match(window, v.terms)
}

// Correct replaces misheard terms in text and returns the corrected text with
// every substitution made.
//
// At each word the longest window (up to the longest term's word count) that
// matches a term of the same word count wins, so multi-word terms take
// precedence over single-word matches. Punctuation around a window is preserved; a window
// never spans a sentence or clause break.
func (v *Vocabulary) Correct(text string) (string, []Correction) {
	if v.Len() == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		output      = make([]string, 0, len(tokens))
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		maxN := min(v.maxWords, len(tokens)-i)
		matched := false
		for n := maxN; n >= 1; n-- {
			lead, words, trail, ok := splitWindow(tokens[i : i+n])
			if !ok {
				continue
			}
			window := strings.Join(words, " ")
			if utf8.RuneCountInString(window) < minWindowRunes {
				continue
			}
			term, conf, hit := v.match(window)
			if !hit {
				continue
			}
			if term != window {
				corrections = append(corrections, Correction{Original: window, Corrected: term, Confidence: conf})
			}
			output = append(output, lead+term+trail)
			i += n
			matched = true
			break
		}
		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}
	return strings.Join(output, " "), corrections
}

// Apply corrects the text of every non-failed segment and returns the new
// transcript with all substitutions made. The input is not modified.
func (v *Vocabulary) Apply(t types.Transcript) (types.Transcript, []Correction) {
	out := make(types.Transcript, len(t))
	copy(out, t)
	if v.Len() == 0 {
		return out, nil
	}
	var all []Correction
	for i := range out {
		if out[i].Failed() {
			continue
		}
		text, cs := v.Correct(out[i].Text)
		out[i].Text = text
		all = append(all, cs...)
	}
	return out, all
}

// splitWindow strips leading punctuation from the first token and trailing
// punctuation from the last. It fails when an inner boundary carries
// punctuation or when a token has no word characters left.
func splitWindow(tokens []string) (lead string, words []string, trail string, ok bool) {
	words = make([]string, len(tokens))
	for j, tok := range tokens {
		l, core, t := trimPunct(tok)
		if core == "" {
			return "", nil, "", false
		}
		if (j > 0 && l != "") || (j < len(tokens)-1 && t != "") {
			return "", nil, "", false
		}
		if j == 0 {
			lead = l
		}
		if j == len(tokens)-1 {
			trail = t
		}
		words[j] = core
	}
	return lead, words, trail, true
}

func trimPunct(tok string) (lead, core, trail string) {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	start := strings.IndexFunc(tok, isWord)
	if start < 0 {
		return tok, "", ""
	}
	end := strings.LastIndexFunc(tok, isWord)
	_, size := utf8.DecodeRuneInString(tok[end:])
	return tok[:start], tok[start : end+size], tok[end+size:]
}
