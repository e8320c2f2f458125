package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/juru/pkg/frames"
	"github.com/harunnryd/juru/pkg/transports"
)

// Sent is one outbound payload captured by the mock transport.
type Sent struct {
	Payload      []byte
	Destinations []string
}

// Transport is an in-memory transport for local testing and integration.
// It implements the transports.Transport interface without any network dependency.
type Transport struct {
	recvCh chan frames.Frame
	closed atomic.Bool
	mu     sync.Mutex

	// MaxBytes is reported by MaxMessageBytes; payloads above it are rejected.
	MaxBytes int
	// SendErr, when set, is returned by every Send.
	SendErr error

	sentMu sync.Mutex
	sent   []Sent
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) MaxMessageBytes() int { return t.MaxBytes }

func (t *Transport) Send(ctx context.Context, payload []byte, destinations ...string) error {
	if t.closed.Load() {
		return transports.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.SendErr != nil {
		return t.SendErr
	}
	if t.MaxBytes > 0 && len(payload) > t.MaxBytes {
		return fmt.Errorf("payload of %d bytes exceeds limit %d", len(payload), t.MaxBytes)
	}
	t.sentMu.Lock()
	t.sent = append(t.sent, Sent{
		Payload:      append([]byte(nil), payload...),
		Destinations: append([]string(nil), destinations...),
	})
	t.sentMu.Unlock()
	return nil
}

// Push injects an inbound frame into the transport. It reports false when
// the transport is closed or its buffer is full.
func (t *Transport) Push(f frames.Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false
	}
	select {
	case t.recvCh <- f:
		return true
	default:
		return false
	}
}

// Sent returns a copy of every payload sent so far.
func (t *Transport) Sent() []Sent {
	t.sentMu.Lock()
	defer t.sentMu.Unlock()
	return append([]Sent(nil), t.sent...)
}

// SentTo returns the payloads addressed to identity.
func (t *Transport) SentTo(identity string) [][]byte {
	var out [][]byte
	for _, s := range t.Sent() {
		for _, d := range s.Destinations {
			if d == identity {
				out = append(out, s.Payload)
				break
			}
		}
	}
	return out
}
