// Package energy provides a pure-Go vad.Engine that gates frames on signal
// energy and voice-band spectral concentration.
//
// A frame is classified as speech when both hold:
//
//   - its RMS level exceeds max(floor, noise × factor), where noise is a
//     running estimate of the background level learnt from silent frames;
//   - the share of spectral energy between 300 Hz and 3400 Hz (the telephone
//     voice band) exceeds the band ratio.
//
// Floor, factor and band ratio all rise with Aggressiveness. A short hangover
// keeps a frame classified as speech for a few frames after the gate closes
// so that word-internal dips do not split an utterance.
//
// The engine needs no cgo and is the fallback when the WebRTC detector is not
// available in the build.
package energy

import (
	"errors"
	"fmt"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MrWong99/soniclens/pkg/audio"
	"github.com/MrWong99/soniclens/pkg/provider/vad"
)

const (
	voiceBandLow  = 300.0
	voiceBandHigh = 3400.0

	// noiseAlpha is the smoothing weight of the newest silent frame in the
	// background level estimate.
	noiseAlpha = 0.05

	// initialNoise is the assumed background RMS before any silent frame
	// has been observed.
	initialNoise = 50.0
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

var errClosed = errors.New("energy vad: session is closed")

// level holds the thresholds for one aggressiveness setting.
type level struct {
	floor     float64 // minimum RMS for speech, in sample units
	factor    float64 // required ratio over the noise estimate
	bandRatio float64 // required voice-band energy share
	hangover  int     // frames kept as speech after the gate closes
}

var levels = [4]level{
	{floor: 150, factor: 1.5, bandRatio: 0.30, hangover: 3},
	{floor: 200, factor: 2.0, bandRatio: 0.40, hangover: 2},
	{floor: 300, factor: 2.5, bandRatio: 0.50, hangover: 1},
	{floor: 400, factor: 3.0, bandRatio: 0.60, hangover: 0},
}

// Engine creates energy VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession returns a session configured for cfg.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy vad: %w", err)
	}
	n := cfg.SampleRate * cfg.FrameSizeMs / 1000
	s := &session{
		cfg:        cfg,
		lvl:        levels[cfg.Aggressiveness],
		frameBytes: cfg.FrameBytes(),
		fft:        fourier.NewFFT(n),
		noise:      initialNoise,
	}
	return s, nil
}

type session struct {
	mu         sync.Mutex
	cfg        vad.Config
	lvl        level
	frameBytes int
	fft        *fourier.FFT
	coeff      []complex128

	noise  float64
	hang   int
	closed bool
}

// ProcessFrame classifies one frame.
func (s *session) ProcessFrame(frame []byte) (vad.FrameResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.FrameResult{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.FrameResult{}, fmt.Errorf("energy vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	rms := audio.RMS(frame)
	threshold := max(s.lvl.floor, s.noise*s.lvl.factor)

	var ratio float64
	if rms >= threshold {
		ratio = s.bandRatio(frame)
	}
	gate := rms >= threshold && ratio >= s.lvl.bandRatio

	switch {
	case gate:
		s.hang = s.lvl.hangover
	case s.hang > 0:
		s.hang--
		return vad.FrameResult{Speech: true, Probability: ratio}, nil
	default:
		s.noise = (1-noiseAlpha)*s.noise + noiseAlpha*rms
	}
	return vad.FrameResult{Speech: gate, Probability: ratio}, nil
}

// bandRatio returns the share of spectral energy inside the voice band.
func (s *session) bandRatio(frame []byte) float64 {
	samples := audio.PCMToFloat64(frame)
	s.coeff = s.fft.Coefficients(s.coeff, samples)

	var band, total float64
	for k, c := range s.coeff {
		if k == 0 {
			continue // DC offset carries no voicing information.
		}
		p := cmplx.Abs(c)
		p *= p
		total += p
		f := s.fft.Freq(k) * float64(s.cfg.SampleRate)
		if f >= voiceBandLow && f <= voiceBandHigh {
			band += p
		}
	}
	if total == 0 {
		return 0
	}
	return band / total
}

// Reset forgets the background estimate and any pending hangover.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noise = initialNoise
	s.hang = 0
}

// Close marks the session closed. Calling Close more than once is safe.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
