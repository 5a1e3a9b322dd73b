package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes are reported individually; everything else that
// only takes effect on restart is listed in Restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// MergeChanged is true when any merge threshold changed.
	MergeChanged bool

	// VocabularyChanged is true when the term list or a matcher threshold
	// changed.
	VocabularyChanged bool

	// Restart names the top-level sections that changed but are not
	// applied to a running process.
	Restart []string
}

// HotReload reports whether d carries any change that can be applied
// without restart.
func (d ConfigDiff) HotReload() bool {
	return d.LogLevelChanged || d.MergeChanged || d.VocabularyChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	d.MergeChanged = old.Merge != new.Merge
	d.VocabularyChanged = !slices.Equal(old.Vocabulary.Terms, new.Vocabulary.Terms) ||
		old.Vocabulary.PhoneticThreshold != new.Vocabulary.PhoneticThreshold ||
		old.Vocabulary.FuzzyThreshold != new.Vocabulary.FuzzyThreshold ||
		!sameEntry(old.Vocabulary.LLM, new.Vocabulary.LLM)

	if old.AllowDegraded != new.AllowDegraded {
		d.Restart = append(d.Restart, "allow_degraded")
	}
	if !sameEntry(old.VAD.Provider, new.VAD.Provider) ||
		old.VAD.Aggressiveness != new.VAD.Aggressiveness || old.VAD.FrameMs != new.VAD.FrameMs {
		d.Restart = append(d.Restart, "vad")
	}
	if old.Clip != new.Clip {
		d.Restart = append(d.Restart, "clip")
	}
	if !sameTranscription(old.Transcription, new.Transcription) {
		d.Restart = append(d.Restart, "transcription")
	}
	if !sameLive(old.Live, new.Live) {
		d.Restart = append(d.Restart, "live")
	}
	if old.Telemetry != new.Telemetry {
		d.Restart = append(d.Restart, "telemetry")
	}
	return d
}

// sameEntry compares the scalar fields of two entries and the string form of
// their options.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || !sameOption(v, w) {
			return false
		}
	}
	return true
}

func sameOption(a, b any) bool {
	as, aok := a.([]any)
	bs, bok := b.([]any)
	if aok || bok {
		return aok && bok && slices.EqualFunc(as, bs, sameOption)
	}
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok || bok {
		return aok && bok && sameEntry(ProviderEntry{Options: am}, ProviderEntry{Options: bm})
	}
	return a == b
}

func sameTranscription(a, b TranscriptionConfig) bool {
	if !sameEntry(a.Provider, b.Provider) || !slices.EqualFunc(a.Fallbacks, b.Fallbacks, sameEntry) {
		return false
	}
	return a.Device == b.Device && a.Language == b.Language && a.Workers == b.Workers &&
		a.Timeout == b.Timeout &&
		a.CircuitBreaker.MaxFailures == b.CircuitBreaker.MaxFailures &&
		a.CircuitBreaker.ResetTimeout == b.CircuitBreaker.ResetTimeout &&
		a.CircuitBreaker.HalfOpenMax == b.CircuitBreaker.HalfOpenMax
}

func sameLive(a, b LiveConfig) bool {
	return sameEntry(a.Capture, b.Capture) &&
		a.Chunk == b.Chunk && a.Overlap == b.Overlap && a.Dir == b.Dir &&
		a.Retention == b.Retention && a.ReapInterval == b.ReapInterval &&
		a.Merge == b.Merge && a.ListenAddr == b.ListenAddr
}
