package tts

import "context"

// Synthesizer defines the contract for any TTS vendor implementation.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Synthesize renders text with the given voice and returns the complete
	// encoded audio. An empty result without error means the vendor produced
	// nothing.
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	Model        string
	OutputFormat string
	Stability    float64
	Similarity   float64
}
