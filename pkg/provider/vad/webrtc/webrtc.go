// Package webrtc provides a vad.Engine backed by the WebRTC voice activity
// detector (via cgo).
//
// The WebRTC detector is a binary classifier: every 10, 20 or 30 ms frame of
// mono 16-bit PCM at 8, 16, 32 or 48 kHz is labelled speech or silence. The
// session Config's Aggressiveness maps directly onto the detector's operating
// mode (0–3).
package webrtc

import (
	"errors"
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/soniclens/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

var errClosed = errors.New("webrtc vad: session is closed")

// Engine creates WebRTC VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession allocates a detector instance configured for cfg.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("webrtc vad: %w", err)
	}
	det, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create detector: %w", err)
	}
	if err := det.SetMode(cfg.Aggressiveness); err != nil {
		return nil, fmt.Errorf("webrtc vad: set mode %d: %w", cfg.Aggressiveness, err)
	}
	return &session{
		cfg:        cfg,
		det:        det,
		frameBytes: cfg.FrameBytes(),
	}, nil
}

// session wraps one detector instance. The underlying C state is not
// re-entrant, so ProcessFrame is serialised.
type session struct {
	mu         sync.Mutex
	cfg        vad.Config
	det        *webrtcvad.VAD
	frameBytes int
	closed     bool
}

// ProcessFrame classifies one frame.
func (s *session) ProcessFrame(frame []byte) (vad.FrameResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.FrameResult{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.FrameResult{}, fmt.Errorf("webrtc vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	speech, err := s.det.Process(s.cfg.SampleRate, frame)
	if err != nil {
		return vad.FrameResult{}, fmt.Errorf("webrtc vad: process frame: %w", err)
	}
	if speech {
		return vad.FrameResult{Speech: true, Probability: 1}, nil
	}
	return vad.FrameResult{}, nil
}

// Reset re-creates the detector state by re-applying the operating mode.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if det, err := webrtcvad.New(); err == nil && det.SetMode(s.cfg.Aggressiveness) == nil {
		s.det = det
	}
}

// Close marks the session closed. The detector memory is released by the
// binding's finalizer.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.det = nil
	return nil
}
