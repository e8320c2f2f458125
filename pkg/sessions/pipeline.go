package sessions

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/harunnryd/juru/pkg/adapters/tts"
	"github.com/harunnryd/juru/pkg/translate"
)

// ErrClosed is returned by a pipeline used after its session was destroyed.
var ErrClosed = errors.New("listener pipeline closed")

// Pipeline is the per-listener translate and synthesize handle.
type Pipeline interface {
	Translate(ctx context.Context, req translate.Request) (translate.Result, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Close() error
}

// ListenerPipeline binds a translator and synthesizer to one listener's voice.
type ListenerPipeline struct {
	translator  translate.Translator
	synthesizer tts.Synthesizer
	voice       string
	closed      atomic.Bool
}

func NewListenerPipeline(tr translate.Translator, syn tts.Synthesizer, voice string) *ListenerPipeline {
	return &ListenerPipeline{translator: tr, synthesizer: syn, voice: voice}
}

func (p *ListenerPipeline) Translate(ctx context.Context, req translate.Request) (translate.Result, error) {
	if p.closed.Load() {
		return translate.Result{}, ErrClosed
	}
	return p.translator.Translate(ctx, req)
}

func (p *ListenerPipeline) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	return p.synthesizer.Synthesize(ctx, text, p.voice)
}

func (p *ListenerPipeline) Close() error {
	p.closed.Store(true)
	return nil
}

var _ Pipeline = (*ListenerPipeline)(nil)
