package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/juru/pkg/adapters/tts"
)

type TTSConfig struct {
	// BytesPerChar sizes the fake audio; zero means 100.
	BytesPerChar int
	Err          error
	// Silent makes every call return empty audio.
	Silent bool
}

type Synthesizer struct {
	cfg TTSConfig

	mu     sync.Mutex
	voices []string
	texts  []string
}

func NewTTS(cfg TTSConfig) *Synthesizer {
	if cfg.BytesPerChar <= 0 {
		cfg.BytesPerChar = 100
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	s.mu.Lock()
	s.voices = append(s.voices, voice)
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cfg.Err != nil {
		return nil, s.cfg.Err
	}
	if s.cfg.Silent {
		return nil, nil
	}
	out := make([]byte, len(text)*s.cfg.BytesPerChar)
	for i := range out {
		out[i] = byte(i)
	}
	return out, nil
}

// Voices returns the voice ids requested so far.
func (s *Synthesizer) Voices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.voices...)
}

// Texts returns the texts synthesized so far.
func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
