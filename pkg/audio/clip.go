package audio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Clip is an extracted, padded sub-range of a recording stored as a
// temporary WAV file ready for transcription.
//
// The file belongs to whoever received the Clip and must be released with
// Close on every exit path.
type Clip struct {
	// Path of the WAV file holding the clip.
	Path string

	// Start and End are the covered range in seconds of the source
	// recording, padding included.
	Start float64
	End   float64

	// Format of the clip's PCM data.
	Format Format
}

// Duration returns the covered range in seconds.
func (c *Clip) Duration() float64 {
	return c.End - c.Start
}

// Close removes the clip file. Calling Close more than once is safe and
// returns nil once the file is gone.
func (c *Clip) Close() error {
	if c == nil || c.Path == "" {
		return nil
	}
	if err := os.Remove(c.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("audio: remove clip: %w", err)
	}
	return nil
}

// PCM loads the clip's sample data.
func (c *Clip) PCM() ([]byte, error) {
	pcm, _, err := ReadWAV(c.Path)
	return pcm, err
}
