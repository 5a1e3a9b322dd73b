// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface by
// streaming each clip over a short-lived connection and joining the final
// results.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/soniclens/pkg/audio"
	"github.com/MrWong99/soniclens/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// sendChunkMs is the amount of audio sent per binary message.
	sendChunkMs = 100
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithKeywords boosts recognition of uncommon terms such as names. Each
// keyword may carry a Deepgram intensifier suffix (e.g., "Kubernetes:2").
func WithKeywords(keywords ...string) Option {
	return func(p *Provider) {
		p.keywords = append(p.keywords, keywords...)
	}
}

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	endpoint string
	model    string
	language string
	keywords []string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: deepgramEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams the clip's PCM to Deepgram, asks the server to flush
// with CloseStream and returns the joined final transcripts.
func (p *Provider) Transcribe(ctx context.Context, clip *audio.Clip, cfg stt.Config) (stt.Transcript, error) {
	pcm, format, err := audio.ReadWAV(clip.Path)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: read clip: %w", err)
	}

	wsURL, err := p.buildURL(cfg, format)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeClip(ctx, conn, pcm, format)
	}()

	res, readErr := readFinals(ctx, conn)
	if readErr != nil {
		conn.CloseNow()
	}
	if err := errors.Join(readErr, <-writeErr); err != nil {
		return stt.Transcript{}, err
	}
	conn.Close(websocket.StatusNormalClosure, "clip transcribed")

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	return stt.Transcript{
		Text:       res.text,
		Language:   lang,
		Confidence: res.confidence,
		Duration:   audio.DurationOf(len(pcm), format),
	}, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given
// request and audio format.
func (p *Provider) buildURL(cfg stt.Config, format audio.Format) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(format.SampleRate))
	if format.Channels > 0 {
		q.Set("channels", strconv.Itoa(format.Channels))
	}
	for _, kw := range p.keywords {
		q.Add("keywords", kw)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// writeClip sends pcm in fixed-duration binary messages followed by a
// CloseStream control message.
func writeClip(ctx context.Context, conn *websocket.Conn, pcm []byte, format audio.Format) error {
	step := format.BytesPerSecond() * sendChunkMs / 1000
	if step <= 0 {
		step = len(pcm)
	}
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: send CloseStream: %w", err)
	}
	return nil
}

// finals accumulates the authoritative results of one clip.
type finals struct {
	text       string
	confidence float64
}

// readFinals receives JSON messages until the server reports the stream
// metadata or closes the connection normally.
func readFinals(ctx context.Context, conn *websocket.Conn) (finals, error) {
	var (
		parts   []string
		confSum float64
	)
	done := func() finals {
		f := finals{text: strings.Join(parts, " ")}
		if len(parts) > 0 {
			f.confidence = confSum / float64(len(parts))
		}
		return f
	}

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return done(), nil
			}
			return finals{}, fmt.Errorf("deepgram: read: %w", err)
		}

		r, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		if r.metadata {
			return done(), nil
		}
		if r.isFinal && r.text != "" {
			parts = append(parts, r.text)
			confSum += r.confidence
		}
	}
}

// deepgramResponse is the JSON structure returned by Deepgram for Results
// and Metadata events.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// result is one parsed server event.
type result struct {
	text       string
	confidence float64
	isFinal    bool
	metadata   bool
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message. Returns
// (result, true) for Results and Metadata events, or (zero, false) if the
// message should be ignored.
func parseDeepgramResponse(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	switch resp.Type {
	case "Metadata":
		return result{metadata: true}, true
	case "Results":
	default:
		return result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	return result{
		text:       strings.TrimSpace(alt.Transcript),
		confidence: alt.Confidence,
		isFinal:    resp.IsFinal,
	}, true
}
