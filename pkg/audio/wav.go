package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// wavFormatPCM is the WAVE format tag for uncompressed integer PCM.
	wavFormatPCM = 1

	// readChunkSamples is how many samples WAVReader pulls from the decoder
	// per refill.
	readChunkSamples = 4096
)

// WAVReader streams the PCM payload of a WAV file as 16-bit little-endian
// bytes. It implements io.ReadCloser; Format reports the stream layout.
// A WAVReader is not safe for concurrent use.
type WAVReader struct {
	f      *os.File
	dec    *wav.Decoder
	format Format
	buf    *goaudio.IntBuffer
	pend   []byte
	eof    bool
}

// OpenWAV opens the WAV file at path for streaming. Files that are not valid
// WAV containers, or that carry anything other than 16-bit integer PCM, are
// rejected with an error wrapping [ErrUnsupportedAudioFormat]. A missing file
// returns an error wrapping fs.ErrNotExist.
func OpenWAV(path string) (*WAVReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open wav: %w", err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("audio: %s is not a valid wav file: %w", path, ErrUnsupportedAudioFormat)
	}
	if dec.WavAudioFormat != wavFormatPCM || dec.BitDepth != 16 {
		f.Close()
		return nil, fmt.Errorf("audio: %s: format tag %d with %d-bit samples, want 16-bit PCM: %w",
			path, dec.WavAudioFormat, dec.BitDepth, ErrUnsupportedAudioFormat)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("audio: %s: locate pcm data: %w", path, err)
	}

	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	return &WAVReader{
		f:      f,
		dec:    dec,
		format: format,
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			Data:           make([]int, readChunkSamples),
			SourceBitDepth: 16,
		},
	}, nil
}

// Format returns the sample rate and channel count of the stream.
func (r *WAVReader) Format() Format { return r.format }

// Read fills p with PCM bytes. It returns io.EOF once the data chunk is
// exhausted.
func (r *WAVReader) Read(p []byte) (int, error) {
	for len(r.pend) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		n, err := r.dec.PCMBuffer(r.buf)
		if err != nil {
			return 0, fmt.Errorf("audio: decode pcm: %w", err)
		}
		if n == 0 {
			r.eof = true
			continue
		}
		r.pend = intsToPCM(r.pend[:0], r.buf.Data[:n])
	}
	n := copy(p, r.pend)
	r.pend = r.pend[n:]
	return n, nil
}

// Close releases the underlying file.
func (r *WAVReader) Close() error {
	return r.f.Close()
}

// ReadWAV loads the whole PCM payload of the WAV file at path.
func ReadWAV(path string) ([]byte, Format, error) {
	r, err := OpenWAV(path)
	if err != nil {
		return nil, Format{}, err
	}
	defer r.Close()

	pcm, err := io.ReadAll(r)
	if err != nil {
		return nil, Format{}, err
	}
	return pcm, r.Format(), nil
}

// WriteWAV writes pcm as a 16-bit PCM WAV file at path, replacing any
// existing file. On failure the partially written file is removed.
func WriteWAV(path string, pcm []byte, format Format) (err error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return fmt.Errorf("audio: write wav %s: %w", format, ErrUnsupportedAudioFormat)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create wav: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("audio: close wav: %w", cerr)
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	enc := wav.NewEncoder(f, format.SampleRate, 16, format.Channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           pcmToInts(pcm),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return errors.Join(fmt.Errorf("audio: encode wav: %w", err), enc.Close())
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize wav: %w", err)
	}
	return nil
}

// intsToPCM appends the samples in src to dst as 16-bit little-endian PCM,
// clamping out-of-range values.
func intsToPCM(dst []byte, src []int) []byte {
	for _, v := range src {
		s := clamp16(int32(v))
		dst = append(dst, byte(s), byte(s>>8))
	}
	return dst
}

// pcmToInts widens 16-bit little-endian PCM into the int samples go-audio
// buffers use. A trailing odd byte is ignored.
func pcmToInts(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return out
}
