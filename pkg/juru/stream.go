package juru

import (
	"context"

	"github.com/harunnryd/juru/pkg/frames"
	"github.com/harunnryd/juru/pkg/segment"
)

// speakerStream owns one speaker's segmenter. Frames arrive on audio in
// order; a flush signal forces out whatever is buffered.
type speakerStream struct {
	identity string
	audio    chan frames.AudioFrame
	flush    chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// stream returns the speaker's stream, starting it on first audio. It returns
// nil once the engine is shutting down.
func (e *Engine) stream(identity string) *speakerStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.streams[identity]; ok {
		return s
	}
	if e.ctx.Err() != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(e.ctx)
	s := &speakerStream{
		identity: identity,
		audio:    make(chan frames.AudioFrame, e.cfg.Engine.StreamBuffer),
		flush:    make(chan struct{}, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	e.streams[identity] = s
	go e.runStream(ctx, s)
	e.logger.Debug("speaker_stream_started", "speaker", identity)
	return s
}

func (e *Engine) runStream(ctx context.Context, s *speakerStream) {
	defer close(s.done)
	seg := segment.New(e.cfg.Segment)
	var rate int
	push := func(f frames.AudioFrame) {
		rate = f.Rate()
		if pcm, ok := seg.Push(f.RawPayload(), f.Channels()); ok {
			e.dispatch(s.identity, pcm, rate)
		}
	}
	for {
		select {
		case <-ctx.Done():
			if n := seg.Buffered(); n > 0 {
				e.logger.Debug("partial_utterance_dropped", "speaker", s.identity, "bytes", n)
			}
			return
		case f := <-s.audio:
			push(f)
		case <-s.flush:
			for pending := true; pending; {
				select {
				case f := <-s.audio:
					push(f)
				default:
					pending = false
				}
			}
			if pcm, ok := seg.Flush(); ok {
				e.dispatch(s.identity, pcm, rate)
			}
		}
	}
}

func (e *Engine) flushStream(identity string) {
	e.mu.Lock()
	s, ok := e.streams[identity]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case s.flush <- struct{}{}:
	default:
	}
}

// stopStream discards the speaker's partial utterance and waits for its
// worker to exit.
func (e *Engine) stopStream(identity string) {
	e.mu.Lock()
	s, ok := e.streams[identity]
	delete(e.streams, identity)
	e.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
}

func (e *Engine) stopAllStreams() {
	e.mu.Lock()
	list := make([]*speakerStream, 0, len(e.streams))
	for id, s := range e.streams {
		list = append(list, s)
		delete(e.streams, id)
	}
	e.mu.Unlock()
	for _, s := range list {
		s.cancel()
		<-s.done
	}
}
