package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/juru/pkg/frames"
	"github.com/harunnryd/juru/pkg/logging"
	"github.com/harunnryd/juru/pkg/transports"
)

const (
	// MetaConnID tags frames with the websocket connection that produced them.
	MetaConnID = "conn_id"

	defaultMaxMessageBytes = 64 * 1024
)

type Config struct {
	ServerAddr      string   `mapstructure:"server_addr"`
	Path            string   `mapstructure:"path"`
	RoomName        string   `mapstructure:"room_name"`
	SampleRate      int      `mapstructure:"sample_rate"`
	Channels        int      `mapstructure:"channels"`
	MaxMessageBytes int      `mapstructure:"max_message_bytes"`
	SendBuffer      int      `mapstructure:"send_buffer"`
	WriteTimeoutMS  int      `mapstructure:"write_timeout_ms"`
	AllowAnyOrigin  bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8090"
	}
	if c.Path == "" {
		c.Path = "/room"
	}
	if c.RoomName == "" {
		c.RoomName = "juru"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeoutMS <= 0 {
		c.WriteTimeoutMS = 5000
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// ClientMessage is a JSON control message sent by a room client.
type ClientMessage struct {
	Type     string `json:"type"`
	Metadata string `json:"metadata,omitempty"`
	Speaking bool   `json:"speaking,omitempty"`
}

// Client message types.
const (
	ClientMetadata   = "metadata"
	ClientSpeaking   = "speaking"
	ClientTrackEnded = "track_ended"
)

// Transport is a self-hosted room: every websocket connection is one
// participant. Binary messages carry 16-bit PCM, text messages carry
// ClientMessage JSON. Outbound payloads are written as text messages to the
// addressed participants.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	recvMu     sync.RWMutex
	recvCh     chan frames.Frame
	recvClosed bool

	mu       sync.Mutex
	sessions map[string]*session
	speaking []string

	draining atomic.Bool
}

func New(cfg Config, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:   logging.NewComponentLogger(logger, "gateway"),
		recvCh:   make(chan frames.Frame, 512),
		sessions: make(map[string]*session),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "gateway" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) MaxMessageBytes() int { return t.cfg.MaxMessageBytes }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"listen_addr": t.cfg.ServerAddr,
		"room_path":   t.cfg.Path,
		"room":        t.cfg.RoomName,
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("gateway_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, sess := range t.sessions {
		_ = sess.close()
	}
	t.sessions = make(map[string]*session)
	t.speaking = nil
	t.mu.Unlock()

	t.recvMu.Lock()
	if !t.recvClosed {
		t.recvClosed = true
		close(t.recvCh)
	}
	t.recvMu.Unlock()
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	connID := uuid.NewString()
	identity := strings.TrimSpace(q.Get("identity"))
	if identity == "" {
		identity = "guest-" + connID[:8]
	}
	rate := t.cfg.SampleRate
	if v, err := strconv.Atoi(q.Get("sample_rate")); err == nil && v > 0 {
		rate = v
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(int64(t.cfg.MaxMessageBytes) * 4)

	sess := newSession(conn, connID, t.cfg.SendBuffer, time.Duration(t.cfg.WriteTimeoutMS)*time.Millisecond)
	if old := t.attach(identity, sess); old != nil {
		t.logger.Info("gateway_participant_replaced",
			slog.String("participant", identity),
			slog.String("old_conn_id", old.id),
			slog.String(MetaConnID, connID))
		_ = old.close()
	}
	go sess.loop()

	t.emit(frames.NewSystemFrame(identity, frames.Now(), frames.ParticipantJoined, t.meta(connID, map[string]string{
		frames.MetaName:     q.Get("name"),
		frames.MetaMetadata: q.Get("metadata"),
	})))

	defer func() {
		if t.detach(identity, sess) {
			t.emit(frames.NewSystemFrame(identity, frames.Now(), frames.ParticipantLeft, t.meta(connID, nil)))
		}
		_ = sess.close()
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if len(msg) == 0 {
				continue
			}
			t.emit(frames.NewAudioFrame(identity, frames.Now(), msg, rate, t.cfg.Channels, t.meta(connID, nil)))
		case websocket.TextMessage:
			var cm ClientMessage
			if err := json.Unmarshal(msg, &cm); err != nil {
				continue
			}
			t.handleClientMessage(identity, connID, cm)
		}
	}
}

func (t *Transport) handleClientMessage(identity, connID string, cm ClientMessage) {
	switch cm.Type {
	case ClientMetadata:
		t.emit(frames.NewSystemFrame(identity, frames.Now(), frames.MetadataChanged, t.meta(connID, map[string]string{
			frames.MetaMetadata: cm.Metadata,
		})))
	case ClientTrackEnded:
		t.emit(frames.NewSystemFrame(identity, frames.Now(), frames.TrackEnded, t.meta(connID, nil)))
	case ClientSpeaking:
		if speakers, changed := t.setSpeaking(identity, cm.Speaking); changed {
			t.emit(frames.NewSpeakersFrame(frames.Now(), speakers, t.meta(connID, nil)))
		}
	}
}

// Send writes payload to each destination. An empty destination list
// broadcasts to every connected participant.
func (t *Transport) Send(ctx context.Context, payload []byte, destinations ...string) error {
	if t.draining.Load() {
		return transports.ErrClosed
	}
	if len(payload) > t.cfg.MaxMessageBytes {
		return fmt.Errorf("gateway: payload of %d bytes exceeds limit %d", len(payload), t.cfg.MaxMessageBytes)
	}
	t.mu.Lock()
	if len(destinations) == 0 {
		for id := range t.sessions {
			destinations = append(destinations, id)
		}
	}
	targets := make([]*session, 0, len(destinations))
	var errs []error
	for _, id := range destinations {
		sess, ok := t.sessions[id]
		if !ok {
			errs = append(errs, fmt.Errorf("gateway: participant %s not connected", id))
			continue
		}
		targets = append(targets, sess)
	}
	t.mu.Unlock()

	for _, sess := range targets {
		if err := sess.enqueue(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) attach(identity string, sess *session) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.sessions[identity]
	t.sessions[identity] = sess
	return old
}

// detach removes sess when it is still the current connection for identity.
func (t *Transport) detach(identity string, sess *session) bool {
	t.mu.Lock()
	current, ok := t.sessions[identity]
	if !ok || current != sess {
		t.mu.Unlock()
		return false
	}
	delete(t.sessions, identity)
	speakers, changed := t.removeSpeakingLocked(identity)
	t.mu.Unlock()
	if changed {
		t.emit(frames.NewSpeakersFrame(frames.Now(), speakers, t.meta(sess.id, nil)))
	}
	return true
}

// setSpeaking keeps speakers ordered by when they started talking, most
// recent first.
func (t *Transport) setSpeaking(identity string, speaking bool) ([]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !speaking {
		return t.removeSpeakingLocked(identity)
	}
	for _, id := range t.speaking {
		if id == identity {
			return nil, false
		}
	}
	t.speaking = append([]string{identity}, t.speaking...)
	return append([]string(nil), t.speaking...), true
}

func (t *Transport) removeSpeakingLocked(identity string) ([]string, bool) {
	for i, id := range t.speaking {
		if id == identity {
			t.speaking = append(t.speaking[:i], t.speaking[i+1:]...)
			return append([]string(nil), t.speaking...), true
		}
	}
	return nil, false
}

func (t *Transport) meta(connID string, extra map[string]string) map[string]string {
	meta := map[string]string{
		MetaConnID:        connID,
		frames.MetaRoom:   t.cfg.RoomName,
		frames.MetaSource: "transport",
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

func (t *Transport) emit(f frames.Frame) {
	t.recvMu.RLock()
	defer t.recvMu.RUnlock()
	if t.recvClosed {
		return
	}
	select {
	case t.recvCh <- f:
	default:
		t.logger.Warn("gateway_frame_dropped", slog.String("kind", string(f.Kind())))
	}
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
