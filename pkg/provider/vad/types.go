package vad

// FrameResult is the classification of a single audio frame.
type FrameResult struct {
	// Speech is true when the frame was classified as voiced.
	Speech bool

	// Probability is the speech probability score (0.0–1.0). Binary
	// classifiers report 0 or 1.
	Probability float64
}
