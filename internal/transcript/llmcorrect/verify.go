package llmcorrect

import (
	"strings"

	"github.com/MrWong99/soniclens/internal/transcript"
)

// anchor pairs a token of the original text with the equal token of the
// corrected text.
type anchor struct {
	orig, corr int
}

// commonTokens returns the longest common subsequence of a and b as anchor
// pairs in order.
func commonTokens(a, b []string) []anchor {
	m, n := len(a), len(b)
	if m == 0 || n == 0 {
		return nil
	}

	// lcs[i][j] is the LCS length of a[i:] and b[j:].
	lcs := make([][]int, m+1)
	for i := range lcs {
		lcs[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	anchors := make([]anchor, 0, lcs[0][0])
	for i, j := 0, 0; i < m && j < n; {
		switch {
		case a[i] == b[j]:
			anchors = append(anchors, anchor{i, j})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			i++
		default:
			j++
		}
	}
	return anchors
}

// lookupKey lowercases s and strips surrounding punctuation so that a span
// like "Grafanna." matches a correction declared as "grafanna".
func lookupKey(s string) string {
	return strings.ToLower(strings.Trim(s, `.,;:!?"'()`))
}

// verifyCorrectedText keeps only the changes between original and corrected
// that a declared correction accounts for. Every other differing span is
// reverted to the original tokens. It returns the verified text and the
// corrections that were applied.
func verifyCorrectedText(original, corrected string, corrections []transcript.Correction) (string, []transcript.Correction) {
	if original == corrected {
		return original, nil
	}

	type key struct{ orig, corr string }
	declared := make(map[key]transcript.Correction, len(corrections))
	for _, c := range corrections {
		declared[key{lookupKey(c.Original), lookupKey(c.Corrected)}] = c
	}

	origTokens := strings.Fields(original)
	corrTokens := strings.Fields(corrected)

	var (
		out      = make([]string, 0, len(origTokens))
		verified []transcript.Correction
		oi, ci   int
	)
	// resolve emits the differing span ending before origEnd and corrEnd.
	resolve := func(origEnd, corrEnd int) {
		if oi == origEnd && ci == corrEnd {
			return
		}
		from, to := origTokens[oi:origEnd], corrTokens[ci:corrEnd]
		k := key{lookupKey(strings.Join(from, " ")), lookupKey(strings.Join(to, " "))}
		if c, ok := declared[k]; ok {
			out = append(out, to...)
			verified = append(verified, c)
			return
		}
		out = append(out, from...)
	}

	for _, a := range commonTokens(origTokens, corrTokens) {
		resolve(a.orig, a.corr)
		out = append(out, origTokens[a.orig])
		oi, ci = a.orig+1, a.corr+1
	}
	resolve(len(origTokens), len(corrTokens))

	return strings.Join(out, " "), verified
}
