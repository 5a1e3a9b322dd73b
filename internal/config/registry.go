package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/soniclens/internal/capture"
	"github.com/MrWong99/soniclens/internal/clip"
	"github.com/MrWong99/soniclens/pkg/provider/llm"
	"github.com/MrWong99/soniclens/pkg/provider/stt"
	"github.com/MrWong99/soniclens/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// STTFactory builds a transcription engine for entry on the given compute
// target. Factories return an error wrapping [stt.ErrModelNotFound] when the
// model cannot be resolved.
type STTFactory func(entry ProviderEntry, device string) (stt.Provider, error)

// ExtractorFactory builds a clip extractor.
type ExtractorFactory func(cfg ClipConfig) (clip.Extractor, error)

// CaptureFactory opens a live capture source. The source must stop blocking
// in Read once ctx is cancelled.
type CaptureFactory func(ctx context.Context, entry ProviderEntry, clipCfg ClipConfig) (capture.Source, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	vad        map[string]func(ProviderEntry) (vad.Engine, error)
	stt        map[string]STTFactory
	extractors map[string]ExtractorFactory
	capture    map[string]CaptureFactory
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:        make(map[string]func(ProviderEntry) (vad.Engine, error)),
		stt:        make(map[string]STTFactory),
		extractors: make(map[string]ExtractorFactory),
		capture:    make(map[string]CaptureFactory),
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterExtractor registers a clip extractor factory under name.
func (r *Registry) RegisterExtractor(name string, factory ExtractorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[name] = factory
}

// RegisterCapture registers a live capture source factory under name.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterLLM registers a language model factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry, device string) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, device)
}

// CreateExtractor instantiates the clip extractor named by cfg.Extractor.
// An empty name selects [ExtractorNative].
func (r *Registry) CreateExtractor(cfg ClipConfig) (clip.Extractor, error) {
	name := cfg.Extractor
	if name == "" {
		name = ExtractorNative
	}
	r.mu.RLock()
	factory, ok := r.extractors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: extractor/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// CreateCapture opens a capture source using the factory registered under entry.Name.
func (r *Registry) CreateCapture(ctx context.Context, entry ProviderEntry, clipCfg ClipConfig) (capture.Source, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry, clipCfg)
}

// CreateLLM instantiates a language model using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
