// Package config provides the configuration schema, loader, and provider registry
// for SonicLens.
package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/soniclens/internal/resilience"
	"github.com/MrWong99/soniclens/internal/transcript"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown or empty levels map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Extractor names accepted in clip.extractor.
const (
	ExtractorNative = "native"
	ExtractorFFmpeg = "ffmpeg"
)

// DeviceEnv names the environment variable consulted for the compute target
// when neither the command line nor the config file chooses one.
const DeviceEnv = "WHISPER_DEVICE"

// DefaultDevice is the compute target used when nothing else selects one.
const DefaultDevice = "cpu"

// Config is the root configuration structure for SonicLens.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// fields absent from the file keep the values of [Default].
type Config struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowDegraded lets a run continue with placeholder components when the
	// VAD engine or the transcription engine cannot be created. Degradation
	// is always reported. A missing model is fatal regardless.
	AllowDegraded bool `yaml:"allow_degraded"`

	VAD           VADConfig           `yaml:"vad"`
	Clip          ClipConfig          `yaml:"clip"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Merge         transcript.Config   `yaml:"merge"`
	Vocabulary    VocabularyConfig    `yaml:"vocabulary"`
	Live          LiveConfig          `yaml:"live"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "webrtc", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "small", "whisper-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// Option returns Options[key] as a string, or def when it is absent or not
// a string.
func (e ProviderEntry) Option(key, def string) string {
	if s, ok := e.Options[key].(string); ok && s != "" {
		return s
	}
	return def
}

// StringsOption returns Options[key] as a string list. A single string is
// treated as a one-element list.
func (e ProviderEntry) StringsOption(key string) []string {
	switch v := e.Options[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// FloatOption returns Options[key] as a float64, or def when it is absent or
// not a number. YAML integers are accepted.
func (e ProviderEntry) FloatOption(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// VADConfig selects the frame classifier used for voice activity detection.
type VADConfig struct {
	// Provider names the frame classifier ("webrtc" or "energy").
	Provider ProviderEntry `yaml:"provider"`

	// Aggressiveness from 0 (keeps most audio) to 3 (filters hardest).
	Aggressiveness int `yaml:"aggressiveness"`

	// FrameMs is the analysis frame length: 10, 20 or 30.
	FrameMs int `yaml:"frame_ms"`
}

// ClipConfig controls clip extraction.
type ClipConfig struct {
	// Extractor is "native" (in-process WAV slicing) or "ffmpeg".
	Extractor string `yaml:"extractor"`

	// FFmpegPath is the ffmpeg binary used by the ffmpeg extractor and the
	// live capture source. Empty means "ffmpeg" from PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// Padding in seconds added on both sides of every interval.
	Padding float64 `yaml:"padding"`

	// SampleRate of the produced clips.
	SampleRate int `yaml:"sample_rate"`

	// TempDir receives clip files. Empty means the system temp directory.
	TempDir string `yaml:"temp_dir"`
}

// TranscriptionConfig selects the transcription engine and its scheduling.
type TranscriptionConfig struct {
	// Provider is the primary engine.
	Provider ProviderEntry `yaml:"provider"`

	// Fallbacks are tried in order when the primary fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Device is the compute target ("cpu", "cuda", ...). See [ResolveDevice].
	Device string `yaml:"device"`

	// Language hint passed with every clip. Empty lets the engine detect it.
	Language string `yaml:"language"`

	// Workers bounds concurrent segment transcriptions. Zero means one per CPU.
	Workers int `yaml:"workers"`

	// Timeout bounds a single segment's extraction and transcription.
	Timeout time.Duration `yaml:"timeout"`

	// CircuitBreaker tunes the breaker guarding each engine when fallbacks
	// are configured.
	CircuitBreaker resilience.CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// VocabularyConfig lists domain terms restored after transcription.
type VocabularyConfig struct {
	Terms []string `yaml:"terms"`

	// PhoneticThreshold and FuzzyThreshold tune the matcher. Zero keeps the
	// matcher's default.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`
	FuzzyThreshold    float64 `yaml:"fuzzy_threshold"`

	// LLM names a language model that corrects the terms the matcher missed
	// ("openai"). An empty name disables the pass. Options may carry
	// "organization" and "temperature".
	LLM ProviderEntry `yaml:"llm"`
}

// LiveConfig controls live capture mode.
type LiveConfig struct {
	// Capture names the capture source ("ffmpeg"). Options carry
	// "input_format" and "device".
	Capture ProviderEntry `yaml:"capture"`

	// Chunk is the capture window transcribed at a time.
	Chunk time.Duration `yaml:"chunk"`

	// Overlap is carried from the end of one chunk into the next.
	Overlap time.Duration `yaml:"overlap"`

	// Dir receives chunk files. Empty means a soniclens-live directory under
	// the system temp directory.
	Dir string `yaml:"dir"`

	// Retention is how long chunk files are kept before they are reaped.
	Retention time.Duration `yaml:"retention"`

	// ReapInterval is the period between sweeps of Dir.
	ReapInterval time.Duration `yaml:"reap_interval"`

	// Merge runs the segment merger over the accumulated chunks on stop.
	Merge bool `yaml:"merge"`

	// ListenAddr, when set, serves /metrics, /healthz and /readyz during a
	// live session (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`
}

// TelemetryConfig configures OpenTelemetry resource attributes.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:      LogInfo,
		AllowDegraded: true,
		VAD: VADConfig{
			Provider:       ProviderEntry{Name: "webrtc"},
			Aggressiveness: 2,
			FrameMs:        30,
		},
		Clip: ClipConfig{
			Extractor:  ExtractorNative,
			Padding:    0.15,
			SampleRate: 16000,
		},
		Transcription: TranscriptionConfig{
			Provider: ProviderEntry{Name: "command"},
			Timeout:  2 * time.Minute,
		},
		Merge: transcript.DefaultConfig(),
		Live: LiveConfig{
			Chunk:        6 * time.Second,
			Overlap:      time.Second,
			Retention:    5 * time.Minute,
			ReapInterval: time.Minute,
			Capture:      ProviderEntry{Name: "ffmpeg"},
		},
		Telemetry: TelemetryConfig{ServiceName: "soniclens"},
	}
}

// ResolveDevice picks the compute target: flag if set, else configured, else
// the WHISPER_DEVICE environment variable, else "cpu".
func ResolveDevice(flag, configured string) string {
	switch {
	case flag != "":
		return flag
	case configured != "":
		return configured
	}
	if env := os.Getenv(DeviceEnv); env != "" {
		return env
	}
	return DefaultDevice
}
