package stt

import "context"

// Result is the outcome of transcribing one utterance.
type Result struct {
	Text string
	// Language is the detected ISO 639-1 code, empty when the vendor could not
	// tell.
	Language string
	// Confidence in [0,1]; zero when unknown.
	Confidence float64
}

// Transcriber defines the contract for any STT vendor implementation.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Transcribe converts a complete mono 16-bit PCM utterance to text with
	// language detection.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Result, error)
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	Model      string
	SampleRate int
	// Languages restricts detection when the vendor supports it.
	Languages []string
}
