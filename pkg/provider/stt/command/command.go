// Package command provides an STT provider that delegates to an external
// helper program, typically a Python script wrapping faster-whisper or Vosk.
//
// The helper is invoked once per clip as
//
//	<program> [args...] --audio <clip.wav> --model <name> --device <target> [--language <code>]
//
// and must print exactly one JSON object on stdout, either
//
//	{"text": "...", "language": "en", "duration": 1.2}
//
// or a segment list whose texts are joined:
//
//	{"segments": [{"start": 0, "end": 1.2, "text": "..."}]}
//
// A helper may report a failure as {"error": "..."}. Output that is not
// valid JSON is an error; it is never evaluated or guessed at.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/MrWong99/soniclens/pkg/audio"
	"github.com/MrWong99/soniclens/pkg/provider/stt"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Runner executes the helper and returns its stdout. Implementations must
// honour ctx cancellation.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) (stdout []byte, err error)
}

// execRunner runs real processes.
type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		return nil, err
	}
	return out, nil
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithArgs sets arguments placed before the standard flags, e.g. the path of
// a helper script when program is an interpreter.
func WithArgs(args ...string) Option {
	return func(p *Provider) { p.args = args }
}

// WithModel sets the model name passed via --model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithDevice sets the compute target passed via --device.
func WithDevice(device string) Option {
	return func(p *Provider) { p.device = device }
}

// WithLanguage sets the default language passed via --language.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithRunner replaces the process runner. Intended for tests.
func WithRunner(r Runner) Option {
	return func(p *Provider) { p.runner = r }
}

// Provider implements stt.Provider by running an external helper per clip.
type Provider struct {
	program  string
	args     []string
	model    string
	device   string
	language string
	runner   Runner
}

// New returns a Provider invoking program. program must be non-empty.
func New(program string, opts ...Option) (*Provider, error) {
	if program == "" {
		return nil, errors.New("command stt: program must not be empty")
	}
	p := &Provider{
		program: program,
		model:   "small",
		device:  "cpu",
		runner:  execRunner{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// helperOutput is the JSON document a helper prints on stdout.
type helperOutput struct {
	Text     *string  `json:"text"`
	Language string   `json:"language"`
	Duration float64  `json:"duration"`
	Error    string   `json:"error"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe runs the helper on the clip and parses its JSON answer.
func (p *Provider) Transcribe(ctx context.Context, clip *audio.Clip, cfg stt.Config) (stt.Transcript, error) {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	args := append([]string{}, p.args...)
	args = append(args, "--audio", clip.Path, "--model", p.model, "--device", p.device)
	if lang != "" {
		args = append(args, "--language", lang)
	}

	out, err := p.runner.Output(ctx, p.program, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stt.Transcript{}, fmt.Errorf("command stt: %w", ctxErr)
		}
		return stt.Transcript{}, fmt.Errorf("command stt: run %s: %w", p.program, err)
	}
	return parseOutput(out)
}

// parseOutput decodes helper stdout. Exactly one JSON object is accepted.
func parseOutput(out []byte) (stt.Transcript, error) {
	dec := json.NewDecoder(bytes.NewReader(out))
	var parsed helperOutput
	if err := dec.Decode(&parsed); err != nil {
		return stt.Transcript{}, fmt.Errorf("command stt: helper output is not JSON: %w", err)
	}
	if dec.More() {
		return stt.Transcript{}, errors.New("command stt: helper printed more than one JSON value")
	}
	if parsed.Error != "" {
		return stt.Transcript{}, fmt.Errorf("command stt: helper reported: %s", parsed.Error)
	}

	tr := stt.Transcript{
		Language: parsed.Language,
		Duration: time.Duration(parsed.Duration * float64(time.Second)),
	}
	switch {
	case parsed.Text != nil:
		tr.Text = strings.TrimSpace(*parsed.Text)
	case parsed.Segments != nil:
		parts := make([]string, 0, len(parsed.Segments))
		for _, s := range parsed.Segments {
			if t := strings.TrimSpace(s.Text); t != "" {
				parts = append(parts, t)
			}
		}
		tr.Text = strings.Join(parts, " ")
	default:
		return stt.Transcript{}, errors.New(`command stt: helper output has neither "text" nor "segments"`)
	}
	return tr, nil
}

// lastLine returns the final non-empty line of s, where helpers usually
// print the exception message.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
