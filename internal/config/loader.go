package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad":     {"webrtc", "energy"},
	"stt":     {"command", "whisper", "whisper-native", "openai", "deepgram"},
	"capture": {"ffmpeg"},
	"llm":     {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. An empty document yields the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// VAD
	if cfg.VAD.Provider.Name == "" {
		errs = append(errs, errors.New("vad.provider.name is required"))
	}
	validateProviderName("vad", cfg.VAD.Provider.Name)
	if cfg.VAD.Aggressiveness < 0 || cfg.VAD.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is out of range [0, 3]", cfg.VAD.Aggressiveness))
	}
	switch cfg.VAD.FrameMs {
	case 0, 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("vad.frame_ms %d is invalid; valid values: 10, 20, 30", cfg.VAD.FrameMs))
	}

	// Clip
	switch cfg.Clip.Extractor {
	case "", ExtractorNative, ExtractorFFmpeg:
	default:
		errs = append(errs, fmt.Errorf("clip.extractor %q is invalid; valid values: native, ffmpeg", cfg.Clip.Extractor))
	}
	if cfg.Clip.Padding < 0 {
		errs = append(errs, fmt.Errorf("clip.padding %.2f must not be negative", cfg.Clip.Padding))
	}
	if cfg.Clip.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("clip.sample_rate %d must not be negative", cfg.Clip.SampleRate))
	}

	// Transcription
	tc := cfg.Transcription
	if tc.Provider.Name == "" {
		errs = append(errs, errors.New("transcription.provider.name is required"))
	}
	validateProviderName("stt", tc.Provider.Name)
	for i, fb := range tc.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("transcription.fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	if tc.Workers < 0 {
		errs = append(errs, fmt.Errorf("transcription.workers %d must not be negative", tc.Workers))
	}
	if tc.Timeout < 0 {
		errs = append(errs, fmt.Errorf("transcription.timeout %s must not be negative", tc.Timeout))
	}
	if tc.CircuitBreaker.MaxFailures < 0 || tc.CircuitBreaker.HalfOpenMax < 0 || tc.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("transcription.circuit_breaker values must not be negative"))
	}

	// Merge
	if err := cfg.Merge.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("merge: %w", err))
	}

	// Vocabulary
	for _, th := range []struct {
		name  string
		value float64
	}{
		{"phonetic_threshold", cfg.Vocabulary.PhoneticThreshold},
		{"fuzzy_threshold", cfg.Vocabulary.FuzzyThreshold},
	} {
		if th.value < 0 || th.value > 1 {
			errs = append(errs, fmt.Errorf("vocabulary.%s %.2f is out of range [0, 1]", th.name, th.value))
		}
	}
	validateProviderName("llm", cfg.Vocabulary.LLM.Name)

	// Live
	lc := cfg.Live
	if lc.Chunk <= 0 {
		errs = append(errs, fmt.Errorf("live.chunk %s must be positive", lc.Chunk))
	}
	if lc.Overlap < 0 || (lc.Chunk > 0 && lc.Overlap >= lc.Chunk) {
		errs = append(errs, fmt.Errorf("live.overlap %s must be in [0, live.chunk)", lc.Overlap))
	}
	if lc.Retention < 0 || lc.ReapInterval < 0 {
		errs = append(errs, errors.New("live.retention and live.reap_interval must not be negative"))
	}
	validateProviderName("capture", lc.Capture.Name)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
