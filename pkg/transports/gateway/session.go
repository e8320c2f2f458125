package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/juru/pkg/transports"
)

// session serializes writes to one websocket connection.
type session struct {
	id           string
	conn         *websocket.Conn
	sendCh       chan []byte
	writeTimeout time.Duration

	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

func newSession(conn *websocket.Conn, id string, buffer int, writeTimeout time.Duration) *session {
	return &session{
		id:           id,
		conn:         conn,
		sendCh:       make(chan []byte, buffer),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// enqueue blocks until the payload is queued, the context ends or the
// connection closes.
func (s *session) enqueue(ctx context.Context, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return transports.ErrClosed
	}
	select {
	case s.sendCh <- payload:
		return nil
	case <-s.done:
		return transports.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("gateway: enqueue: %w", ctx.Err())
	}
}

func (s *session) loop() {
	for msg := range s.sendCh {
		if s.conn == nil {
			continue
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			_ = s.close()
		}
	}
}

func (s *session) close() error {
	// done first so blocked enqueues release their read locks.
	s.doneOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.sendCh)
	}
	s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
