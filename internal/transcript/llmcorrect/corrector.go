// Package llmcorrect implements a language-model transcript correction pass
// that repairs misheard domain terms the phonetic vocabulary did not catch.
//
// The [Corrector] sends each segment's text to an [llm.Provider] together
// with the known terms. The model is asked to fix only words that look like
// misheard terms and to answer with JSON holding the corrected text and an
// itemised list of substitutions. Every change the model makes that is not
// backed by a declared substitution is reverted, so the pass can rename
// terms but never rewrite sentences.
//
// When the response cannot be parsed, the original text is kept.
package llmcorrect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/soniclens/internal/transcript"
	"github.com/MrWong99/soniclens/pkg/provider/llm"
	"github.com/MrWong99/soniclens/pkg/types"
)

const defaultTemperature = 0.1

// systemPromptTemplate is the base system prompt. The term list is appended
// at call time.
const systemPromptTemplate = `You are a transcript correction assistant for automatic speech recognition output.

Your task: fix misheard domain terms in the provided transcript text.

Rules:
- ONLY correct words that appear to be misheard versions of the known terms listed below.
- Do NOT change ordinary words, grammar, punctuation, or sentence structure.
- Be conservative. If you are not confident a word is a misheard term, leave it unchanged.
- Terms in the corrected text must match the canonical spelling from the term list exactly.

Known terms:
%s

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "corrected_text": "<full corrected transcript>",
  "corrections": [
    {"original": "<original words>", "corrected": "<term>", "confidence": <0.0-1.0>}
  ]
}

If no corrections are needed, return an empty corrections array and corrected_text equal to the input.`

// llmResponse is the expected JSON structure returned by the model.
type llmResponse struct {
	CorrectedText string `json:"corrected_text"`
	Corrections   []struct {
		Original   string  `json:"original"`
		Corrected  string  `json:"corrected"`
		Confidence float64 `json:"confidence"`
	} `json:"corrections"`
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(c *Corrector) {
		c.temperature = temp
	}
}

// Corrector uses an [llm.Provider] to correct misheard terms in transcript
// text. A nil *Corrector is valid and changes nothing. It is safe for
// concurrent use.
type Corrector struct {
	llm         llm.Provider
	terms       []string
	sysPrompt   string
	temperature float64
}

// New returns a Corrector for terms backed by provider. It returns nil when
// terms is empty, since there is nothing to correct towards.
func New(provider llm.Provider, terms []string, opts ...Option) *Corrector {
	if len(terms) == 0 {
		return nil
	}
	c := &Corrector{
		llm:         provider,
		terms:       append([]string(nil), terms...),
		sysPrompt:   buildSystemPrompt(terms),
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct asks the model to fix misheard terms in text and returns the
// verified result with every substitution kept.
//
// An unparseable response yields the original text, no corrections and a
// nil error. Context cancellation and provider errors are returned.
func (c *Corrector) Correct(ctx context.Context, text string) (string, []transcript.Correction, error) {
	if c == nil || strings.TrimSpace(text) == "" {
		return text, nil, nil
	}

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: c.sysPrompt,
		Temperature:  c.temperature,
		Messages:     []llm.Message{{Role: "user", Content: text}},
	})
	if err != nil {
		return text, nil, fmt.Errorf("llmcorrect: complete: %w", err)
	}
	if resp == nil {
		return text, nil, nil
	}

	corrected, corrections, err := parseResponse(resp.Content, text)
	if err != nil {
		slog.Debug("llmcorrect: unparseable response, keeping text", "err", err)
		return text, nil, nil
	}
	verified, kept := verifyCorrectedText(text, corrected, corrections)
	return verified, kept, nil
}

// Apply corrects every non-failed segment of t and returns the new
// transcript with all substitutions made. A segment whose request fails
// keeps its text; once ctx is done the remaining segments are left as they
// are. The input is not modified.
func (c *Corrector) Apply(ctx context.Context, t types.Transcript) (types.Transcript, []transcript.Correction) {
	out := make(types.Transcript, len(t))
	copy(out, t)
	if c == nil {
		return out, nil
	}

	var all []transcript.Correction
	for i := range out {
		if out[i].Failed() {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		text, cs, err := c.Correct(ctx, out[i].Text)
		if err != nil {
			slog.Warn("llmcorrect: segment left uncorrected", "start", out[i].Start, "err", err)
			continue
		}
		out[i].Text = text
		all = append(all, cs...)
	}
	return out, all
}

// Terms returns the terms the corrector works towards.
func (c *Corrector) Terms() []string {
	if c == nil {
		return nil
	}
	return c.terms
}

// buildSystemPrompt formats the system prompt template with the term list.
func buildSystemPrompt(terms []string) string {
	var sb strings.Builder
	for _, t := range terms {
		sb.WriteString("- ")
		sb.WriteString(t)
		sb.WriteByte('\n')
	}
	return fmt.Sprintf(systemPromptTemplate, sb.String())
}

// parseResponse unmarshals the model output into corrected text and
// substitutions. It strips markdown code fences before parsing.
func parseResponse(content, originalText string) (string, []transcript.Correction, error) {
	var r llmResponse
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &r); err != nil {
		return "", nil, fmt.Errorf("llmcorrect: parse response: %w", err)
	}
	if r.CorrectedText == "" {
		return originalText, nil, nil
	}

	corrections := make([]transcript.Correction, 0, len(r.Corrections))
	for _, c := range r.Corrections {
		if c.Original == c.Corrected || c.Original == "" {
			continue
		}
		corrections = append(corrections, transcript.Correction{
			Original:   c.Original,
			Corrected:  c.Corrected,
			Confidence: c.Confidence,
		})
	}
	return r.CorrectedText, corrections, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
