package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/juru/pkg/frames"
	"github.com/harunnryd/juru/pkg/transports"
)

var _ transports.Transport = (*Transport)(nil)

func newTestGateway(t *testing.T) (*Transport, *httptest.Server) {
	t.Helper()
	tr := New(Config{SampleRate: 16000}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(tr)
	t.Cleanup(func() {
		srv.Close()
		_ = tr.Stop()
	})
	return tr, srv
}

func dial(t *testing.T, srv *httptest.Server, identity, metadata string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	q.Set("identity", identity)
	q.Set("name", strings.ToUpper(identity))
	q.Set("metadata", metadata)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/room?" + q.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", identity, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func nextFrame(t *testing.T, tr *Transport) frames.Frame {
	t.Helper()
	select {
	case f, ok := <-tr.Recv():
		if !ok {
			t.Fatalf("recv channel closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return nil
}

func TestConnectEmitsJoinAudioAndLeave(t *testing.T) {
	tr, srv := newTestGateway(t)
	md := `{"speaksLanguage":"en","hearsLanguage":"ar"}`
	conn := dial(t, srv, "alice", md)

	joined, ok := nextFrame(t, tr).(frames.SystemFrame)
	if !ok || joined.Name() != frames.ParticipantJoined {
		t.Fatalf("expected participant_joined, got %#v", joined)
	}
	meta := joined.Meta()
	if joined.Participant() != "alice" || meta[frames.MetaName] != "ALICE" || meta[frames.MetaMetadata] != md {
		t.Fatalf("unexpected join meta %v", meta)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 0, 2, 0}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	af, ok := nextFrame(t, tr).(frames.AudioFrame)
	if !ok || af.Participant() != "alice" || af.Rate() != 16000 || len(af.RawPayload()) != 4 {
		t.Fatalf("unexpected audio frame %#v", af)
	}

	_ = conn.Close()
	left, ok := nextFrame(t, tr).(frames.SystemFrame)
	if !ok || left.Name() != frames.ParticipantLeft || left.Participant() != "alice" {
		t.Fatalf("expected participant_left, got %#v", left)
	}
}

func TestClientMessagesBecomeFrames(t *testing.T) {
	tr, srv := newTestGateway(t)
	conn := dial(t, srv, "bob", `{"speaksLanguage":"ar","hearsLanguage":"en"}`)
	nextFrame(t, tr)

	send := func(cm ClientMessage) {
		b, _ := json.Marshal(cm)
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send(ClientMessage{Type: ClientMetadata, Metadata: `{"speaksLanguage":"ar","hearsLanguage":"fr"}`})
	if sf := nextFrame(t, tr).(frames.SystemFrame); sf.Name() != frames.MetadataChanged {
		t.Fatalf("expected metadata_changed, got %s", sf.Name())
	}
	send(ClientMessage{Type: ClientSpeaking, Speaking: true})
	sp, ok := nextFrame(t, tr).(frames.SpeakersFrame)
	if !ok || len(sp.Speakers()) != 1 || sp.Speakers()[0] != "bob" {
		t.Fatalf("unexpected speakers frame %#v", sp)
	}
	send(ClientMessage{Type: ClientTrackEnded})
	if sf := nextFrame(t, tr).(frames.SystemFrame); sf.Name() != frames.TrackEnded {
		t.Fatalf("expected track_ended, got %s", sf.Name())
	}
}

func TestSendTargetsDestination(t *testing.T) {
	tr, srv := newTestGateway(t)
	alice := dial(t, srv, "alice", "")
	nextFrame(t, tr)
	bob := dial(t, srv, "bob", "")
	nextFrame(t, tr)

	if err := tr.Send(context.Background(), []byte(`{"type":"translation_text"}`), "bob"); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := bob.ReadMessage()
	if err != nil {
		t.Fatalf("bob read: %v", err)
	}
	if string(msg) != `{"type":"translation_text"}` {
		t.Fatalf("unexpected payload %s", msg)
	}
	_ = alice.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := alice.ReadMessage(); err == nil {
		t.Fatalf("alice should not receive bob's message")
	}

	if err := tr.Send(context.Background(), []byte("x"), "nobody"); err == nil {
		t.Fatalf("expected error for unknown destination")
	}
	big := make([]byte, tr.MaxMessageBytes()+1)
	if err := tr.Send(context.Background(), big, "bob"); err == nil {
		t.Fatalf("expected size limit error")
	}
}

func TestDrainingRejectsConnections(t *testing.T) {
	tr, srv := newTestGateway(t)
	_ = tr.Stop()
	resp, err := http.Get(srv.URL + "/room?identity=late")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if err := tr.Send(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected send after stop to fail")
	}
}

func TestCheckOrigin(t *testing.T) {
	tr := New(Config{AllowedOrigins: []string{"app.example.com"}}, nil)
	req := httptest.NewRequest(http.MethodGet, "/room", nil)
	req.Header.Set("Origin", "https://app.example.com/")
	if !tr.checkOrigin(req) {
		t.Fatalf("expected allowed origin")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if tr.checkOrigin(req) {
		t.Fatalf("expected rejected origin")
	}
}
