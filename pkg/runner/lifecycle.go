package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDrainTimeout = errors.New("drain timeout")

type LifecycleRunner struct {
	state    int32
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	timeout  time.Duration
	stopped  chan struct{}
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleRunner{
		state:   int32(StateNew),
		ctx:     ctx,
		cancel:  cancel,
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		stopped: make(chan struct{}),
	}
}

// Run starts the lifecycle and blocks until ctx ends or Stop is called,
// then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return fmt.Errorf("invalid state transition from %d", r.State())
	}
	PrintBanner()
	r.mu.Lock()
	if ctx != nil {
		parent := r.ctx
		r.ctx, r.cancel = context.WithCancel(ctx)
		// a Stop that raced ahead of Run cancelled the original context.
		if parent.Err() != nil {
			r.cancel()
		}
	}
	runCtx := r.ctx
	r.mu.Unlock()
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.setState(StateRunning)
	<-runCtx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	if r.State() == StateNew {
		return r.stop()
	}
	<-r.stopped
	return r.stopErr
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		defer close(r.stopped)
		r.setState(StateDraining)
		if r.drainer != nil {
			done := make(chan error, 1)
			go func() {
				done <- r.drainer.Drain()
			}()
			select {
			case err := <-done:
				r.stopErr = err
			case <-time.After(r.timeout):
				r.stopErr = ErrDrainTimeout
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	<-r.stopped
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
