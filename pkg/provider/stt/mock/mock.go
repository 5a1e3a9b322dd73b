// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to script transcription results per clip and to verify which
// clips were submitted with which Config.
//
// Example:
//
//	p := &mock.Provider{
//	    TextFunc: func(c *audio.Clip) (string, error) { return "hello", nil },
//	}
//	tr, _ := p.Transcribe(ctx, clip, stt.Config{Language: "en"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/soniclens/pkg/audio"
	"github.com/MrWong99/soniclens/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Clip is a copy of the clip passed to Transcribe.
	Clip audio.Clip
	// Cfg is the Config passed to Transcribe.
	Cfg stt.Config
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned by Transcribe when TextFunc is nil.
	Text string

	// Err, if non-nil, is returned by every Transcribe call when TextFunc
	// is nil.
	Err error

	// TextFunc, if set, computes the result for each clip.
	TextFunc func(clip *audio.Clip) (string, error)

	// Block makes Transcribe wait for ctx to be done and return its error,
	// simulating a stuck engine.
	Block bool

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Transcribe records the call and returns the scripted result.
func (p *Provider) Transcribe(ctx context.Context, clip *audio.Clip, cfg stt.Config) (stt.Transcript, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Clip: *clip, Cfg: cfg})
	block, text, err, fn := p.Block, p.Text, p.Err, p.TextFunc
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return stt.Transcript{}, ctx.Err()
	}
	if fn != nil {
		text, err = fn(clip)
	}
	if err != nil {
		return stt.Transcript{}, err
	}
	return stt.Transcript{Text: text, Language: cfg.Language}, nil
}

// Close records the call and returns CloseErr.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCallCount++
	return p.CloseErr
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Calls returns a snapshot of the recorded Transcribe calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.TranscribeCalls))
	copy(out, p.TranscribeCalls)
	return out
}

// ResetCalls clears all recorded calls. Thread-safe.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.CloseCallCount = 0
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
