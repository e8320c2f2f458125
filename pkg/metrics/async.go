package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver decouples event producers from slow observers. Events are
// dropped, not queued, once the buffer is full.
type AsyncObserver struct {
	inner   Observer
	ch      chan MetricsEvent
	dropped atomic.Int64
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
	mu      sync.RWMutex
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner: inner,
		ch:    make(chan MetricsEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed.Load() {
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits until buffered events are delivered.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.mu.Lock()
		a.closed.Store(true)
		close(a.ch)
		a.mu.Unlock()
		<-a.done
		if f, ok := a.inner.(Flusher); ok {
			_ = f.Flush()
		}
	})
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
	}
}
