// Package transcript turns raw, fragmentary transcription results into a
// clean transcript.
//
// [Normalize] canonicalises the text of a single segment. [Merger] orders
// segments, fuses fragments that belong together and discards noise.
// [Vocabulary] optionally repairs misheard domain terms by pronunciation.
// All three are deterministic and idempotent: running them on their own
// output changes nothing.
package transcript

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	spaceBeforePunct = regexp.MustCompile(`\s+([,.!?])`)
	punctRun         = regexp.MustCompile(`[,.!?]{2,}`)
	sentenceBreak    = regexp.MustCompile(`[.!?]\s*`)
)

// Normalize canonicalises transcript text:
//
//   - control characters become spaces, runs of whitespace collapse to one
//     space and the result is trimmed;
//   - spaces before , . ! ? are removed;
//   - a run of two or more of , . ! ? collapses to its last character;
//   - text is lower-cased and the first character after every . ! ? (and any
//     following whitespace) is upper-cased, as is the very first character;
//   - a trailing comma is dropped and a final . is appended unless the text
//     already ends in . ! or ?.
//
// Text without any letter or digit normalizes to "". Normalize is idempotent.
func Normalize(text string) string {
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")
	if !hasAlnum(text) {
		return ""
	}

	text = spaceBeforePunct.ReplaceAllString(text, "$1")
	text = punctRun.ReplaceAllStringFunc(text, func(run string) string {
		return run[len(run)-1:]
	})
	text = capitalizeSentences(strings.ToLower(text))

	text = strings.TrimSpace(text)
	text = strings.TrimSpace(strings.TrimSuffix(text, ","))
	if !strings.HasSuffix(text, ".") && !strings.HasSuffix(text, "!") && !strings.HasSuffix(text, "?") {
		text += "."
	}
	return text
}

// capitalizeSentences upper-cases the first rune of text and of every piece
// that follows a sentence break.
func capitalizeSentences(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, loc := range sentenceBreak.FindAllStringIndex(text, -1) {
		b.WriteString(capitalizeFirst(text[prev:loc[0]]))
		b.WriteString(text[loc[0]:loc[1]])
		prev = loc[1]
	}
	b.WriteString(capitalizeFirst(text[prev:]))
	return b.String()
}

func capitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 || r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func hasAlnum(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}
