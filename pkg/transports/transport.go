package transports

import (
	"context"
	"errors"

	"github.com/harunnryd/juru/pkg/frames"
)

// ErrClosed is returned by Send after Stop.
var ErrClosed = errors.New("transport closed")

// Transport defines a vendor-agnostic boundary to a multi-party room.
// Inbound traffic arrives as frames; outbound traffic is opaque payloads
// addressed to participant identities. Implementations own their network
// lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	// Send publishes payload reliably to the listed identities. An empty
	// destination list broadcasts to the room.
	Send(ctx context.Context, payload []byte, destinations ...string) error
	// MaxMessageBytes is the largest payload Send accepts; zero means unbounded.
	MaxMessageBytes() int
}

// ReadyReporter allows transports to expose readiness metadata (e.g., listen addresses).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
