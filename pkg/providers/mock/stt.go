package mock

import (
	"context"
	"sync/atomic"

	"github.com/harunnryd/juru/pkg/adapters/stt"
)

type STTConfig struct {
	Transcript string
	Language   string
	Err        error
	// Script, when set, is consumed one result per call before falling back
	// to Transcript.
	Script []stt.Result
}

type Transcriber struct {
	cfg   STTConfig
	calls atomic.Int64
}

func NewSTT(cfg STTConfig) *Transcriber {
	if cfg.Transcript == "" && len(cfg.Script) == 0 {
		cfg.Transcript = "mock transcript"
	}
	return &Transcriber{cfg: cfg}
}

func (s *Transcriber) Name() string { return "mock_stt" }

func (s *Transcriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	n := s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	if s.cfg.Err != nil {
		return stt.Result{}, s.cfg.Err
	}
	if i := int(n - 1); i < len(s.cfg.Script) {
		return s.cfg.Script[i], nil
	}
	return stt.Result{Text: s.cfg.Transcript, Language: s.cfg.Language, Confidence: 1}, nil
}

// Calls reports how many utterances were transcribed.
func (s *Transcriber) Calls() int { return int(s.calls.Load()) }

var _ stt.Transcriber = (*Transcriber)(nil)
