package juru

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/juru/pkg/adapters/stt"
	"github.com/harunnryd/juru/pkg/adapters/tts"
	"github.com/harunnryd/juru/pkg/delivery"
	"github.com/harunnryd/juru/pkg/errorsx"
	"github.com/harunnryd/juru/pkg/frames"
	"github.com/harunnryd/juru/pkg/llm"
	"github.com/harunnryd/juru/pkg/providers/mock"
	"github.com/harunnryd/juru/pkg/runner"
	"github.com/harunnryd/juru/pkg/segment"
	"github.com/harunnryd/juru/pkg/transports"
	mocktransport "github.com/harunnryd/juru/pkg/transports/mock"
)

func init() {
	runner.BannerOutput = nil
}

type testRig struct {
	engine    *Engine
	transport *mocktransport.Transport
	stt       *mock.Transcriber
	tts       *mock.Synthesizer
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Segment = segment.Config{
		SpeechThreshold: 100,
		SilenceFrames:   2,
		MinBytes:        8,
		MaxBytes:        1 << 20,
	}
	cfg.Delivery.ChunkDelayMS = 0
	cfg.Engine.DrainTimeoutMS = 2000
	cfg.Translation.MaxAttempts = 1
	return cfg
}

func newRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	rig := &testRig{
		transport: mocktransport.New(),
		stt:       mock.NewSTT(mock.STTConfig{Transcript: "good morning"}),
		tts:       mock.NewTTS(mock.TTSConfig{BytesPerChar: 10}),
	}
	rig.transport.MaxBytes = 64 * 1024
	providers := NewProviderRegistry()
	providers.RegisterSTT("mock", func(Config) (stt.Transcriber, error) { return rig.stt, nil })
	providers.RegisterTTS("mock", func(Config) (tts.Synthesizer, error) { return rig.tts, nil })
	providers.RegisterLLM("mock", func(Config) (llm.LLMAdapter, error) {
		return mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "sabah alkhayr"}), nil
	})
	providers.RegisterTransport("mock", func(Config, *slog.Logger) (transports.Transport, error) {
		return rig.transport, nil
	})
	e, err := NewEngine(EngineOptions{
		Config:    cfg,
		Providers: providers,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	rig.engine = e
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop() })
	return rig
}

func (r *testRig) push(t *testing.T, f frames.Frame) {
	t.Helper()
	if !r.transport.Push(f) {
		t.Fatalf("push rejected")
	}
}

func (r *testRig) join(t *testing.T, identity, speaks, hears string) {
	t.Helper()
	md := `{"speaksLanguage":"` + speaks + `","hearsLanguage":"` + hears + `"}`
	r.push(t, frames.NewSystemFrame(identity, frames.Now(), frames.ParticipantJoined, map[string]string{
		frames.MetaName:     strings.ToUpper(identity[:1]) + identity[1:],
		frames.MetaMetadata: md,
	}))
}

func pcmFrame(identity string, sample int16, samples int) frames.AudioFrame {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return frames.NewAudioFrame(identity, frames.Now(), buf, 48000, 1, nil)
}

func (r *testRig) speak(t *testing.T, identity string, loud, silent int) {
	t.Helper()
	for i := 0; i < loud; i++ {
		r.push(t, pcmFrame(identity, 8000, 160))
	}
	for i := 0; i < silent; i++ {
		r.push(t, pcmFrame(identity, 0, 160))
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func messageTypes(t *testing.T, payloads [][]byte) []string {
	t.Helper()
	out := make([]string, 0, len(payloads))
	for _, p := range payloads {
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(p, &msg); err != nil {
			t.Fatalf("decode %q: %v", p, err)
		}
		out = append(out, msg.Type)
	}
	return out
}

func TestEngineRelaysUtteranceToListener(t *testing.T) {
	rig := newRig(t, testConfig(t))
	rig.join(t, "alice", "en", "ar")
	rig.join(t, "bob", "ar", "en")
	rig.join(t, "carol", "ar", "ar")
	waitFor(t, "sessions", func() bool { return rig.engine.Sessions().Count() == 3 })

	rig.push(t, frames.NewSpeakersFrame(frames.Now(), []string{"alice"}, nil))
	rig.speak(t, "alice", 4, 2)

	waitFor(t, "delivery to carol", func() bool { return len(rig.transport.SentTo("carol")) >= 2 })
	types := messageTypes(t, rig.transport.SentTo("carol"))
	if types[0] != delivery.TypeStart || types[1] != delivery.TypeChunk {
		t.Fatalf("unexpected message order %v", types)
	}
	var start delivery.StartMessage
	if err := json.Unmarshal(rig.transport.SentTo("carol")[0], &start); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if start.SpeakerName != "Alice" || start.OriginalText != "good morning" || start.TranslatedText != "sabah alkhayr" ||
		start.SourceLang != "en" || start.TargetLang != "ar" {
		t.Fatalf("unexpected start message %+v", start)
	}
	if got := rig.engine.Store().Len(); got != 1 {
		t.Fatalf("expected one context entry, got %d", got)
	}
	if voices := rig.tts.Voices(); len(voices) == 0 || voices[0] != "TX3LPaxmHKxFdv7VOQHJ" {
		t.Fatalf("expected arabic voice, got %v", voices)
	}

	if err := rig.engine.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(rig.transport.SentTo("alice")) != 0 {
		t.Fatalf("speaker must not hear their own utterance")
	}
	for _, p := range rig.transport.SentTo("bob") {
		if strings.Contains(string(p), delivery.TypeStart) {
			t.Fatalf("bob hears english and should be skipped")
		}
	}
}

func TestEngineFlushesOnTrackEnded(t *testing.T) {
	rig := newRig(t, testConfig(t))
	rig.join(t, "alice", "en", "ar")
	rig.join(t, "carol", "ar", "ar")
	rig.speak(t, "alice", 3, 0)
	rig.push(t, frames.NewSystemFrame("alice", frames.Now(), frames.TrackEnded, nil))

	waitFor(t, "flushed utterance", func() bool { return rig.stt.Calls() == 1 })
	waitFor(t, "delivery to carol", func() bool { return len(rig.transport.SentTo("carol")) > 0 })
}

func TestEngineIgnoresAgentAudio(t *testing.T) {
	rig := newRig(t, testConfig(t))
	rig.join(t, "carol", "ar", "ar")
	rig.join(t, "juru-relay", "en", "ar")
	rig.speak(t, "juru-relay", 4, 2)
	rig.speak(t, "agent-42", 4, 2)

	if err := rig.engine.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rig.stt.Calls() != 0 {
		t.Fatalf("agent audio must not be transcribed, got %d calls", rig.stt.Calls())
	}
	if rig.engine.Participants().Count() != 1 {
		t.Fatalf("agents must not be tracked, got %d participants", rig.engine.Participants().Count())
	}
}

func TestEngineParticipantLeftDestroysSession(t *testing.T) {
	rig := newRig(t, testConfig(t))
	rig.join(t, "bob", "ar", "en")
	waitFor(t, "session", func() bool {
		_, ok := rig.engine.Sessions().Get("bob")
		return ok
	})
	rig.push(t, frames.NewSystemFrame("bob", frames.Now(), frames.ParticipantLeft, nil))
	waitFor(t, "session removal", func() bool { return rig.engine.Sessions().Count() == 0 })
	if _, ok := rig.engine.Participants().Get("bob"); ok {
		t.Fatalf("bob should be forgotten")
	}
}

func TestEngineDropsAudioAfterParticipantLeft(t *testing.T) {
	rig := newRig(t, testConfig(t))
	rig.join(t, "alice", "en", "ar")
	rig.join(t, "carol", "ar", "ar")
	rig.push(t, frames.NewSystemFrame("alice", frames.Now(), frames.ParticipantLeft, nil))
	rig.speak(t, "alice", 4, 2)

	rig.join(t, "alice", "en", "ar")
	rig.speak(t, "alice", 4, 2)
	waitFor(t, "utterance after rejoin", func() bool { return rig.stt.Calls() >= 1 })

	if err := rig.engine.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := rig.stt.Calls(); got != 1 {
		t.Fatalf("audio sent after leaving must not be relayed, got %d transcriptions", got)
	}
}

func TestEngineParticipantLeftReleasesActiveSpeaker(t *testing.T) {
	rig := newRig(t, testConfig(t))
	rig.join(t, "alice", "en", "ar")
	rig.join(t, "bob", "ar", "en")
	waitFor(t, "sessions", func() bool { return rig.engine.Sessions().Count() == 2 })
	rig.push(t, frames.NewSpeakersFrame(frames.Now(), []string{"alice"}, nil))
	waitFor(t, "active speaker", func() bool { return rig.engine.Sessions().ActiveSpeaker() == "alice" })

	rig.push(t, frames.NewSystemFrame("alice", frames.Now(), frames.ParticipantLeft, nil))
	waitFor(t, "active speaker cleared", func() bool { return rig.engine.Sessions().ActiveSpeaker() == "" })
	bob, ok := rig.engine.Sessions().Get("bob")
	if !ok || bob.Attending() != "" {
		t.Fatalf("bob should stop attending alice")
	}

	rig.join(t, "carol", "ar", "ar")
	waitFor(t, "carol session", func() bool {
		_, ok := rig.engine.Sessions().Get("carol")
		return ok
	})
	if carol, _ := rig.engine.Sessions().Get("carol"); carol.Attending() != "" {
		t.Fatalf("new session attends departed speaker %q", carol.Attending())
	}
}

func TestEngineMetadataChangeRetargetsSession(t *testing.T) {
	rig := newRig(t, testConfig(t))
	rig.join(t, "bob", "ar", "en")
	waitFor(t, "session", func() bool { return rig.engine.Sessions().Count() == 1 })
	rig.push(t, frames.NewSystemFrame("bob", frames.Now(), frames.MetadataChanged, map[string]string{
		frames.MetaMetadata: `{"speaksLanguage":"ar","hearsLanguage":"ar"}`,
	}))
	waitFor(t, "retargeted session", func() bool {
		sess, ok := rig.engine.Sessions().Get("bob")
		return ok && sess.TargetLanguage == "ar"
	})
}

func TestEngineActiveSpeakerSkipsAgents(t *testing.T) {
	rig := newRig(t, testConfig(t))
	rig.join(t, "alice", "en", "ar")
	rig.join(t, "bob", "ar", "en")
	waitFor(t, "sessions", func() bool { return rig.engine.Sessions().Count() == 2 })
	rig.push(t, frames.NewSpeakersFrame(frames.Now(), []string{"juru-relay", "bob"}, nil))
	waitFor(t, "active speaker", func() bool { return rig.engine.Participants().ActiveSpeaker() == "bob" })

	rig.push(t, frames.NewSpeakersFrame(frames.Now(), []string{"agent-7"}, nil))
	rig.push(t, frames.NewSpeakersFrame(frames.Now(), nil, nil))
	if err := rig.engine.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := rig.engine.Participants().ActiveSpeaker(); got != "bob" {
		t.Fatalf("agent-only updates must keep bob, got %q", got)
	}
}

func TestEngineStopWritesArtifactsAndCloses(t *testing.T) {
	cfg := testConfig(t)
	cfg.Observability.ArtifactsDir = t.TempDir()
	rig := newRig(t, cfg)
	rig.join(t, "alice", "en", "ar")
	rig.join(t, "carol", "ar", "ar")
	rig.speak(t, "alice", 4, 2)
	waitFor(t, "delivery", func() bool { return len(rig.transport.SentTo("carol")) > 0 })
	waitFor(t, "running", func() bool { return rig.engine.Health() == nil })

	if err := rig.engine.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rig.engine.State() != runner.StateStopped {
		t.Fatalf("expected stopped, got %d", rig.engine.State())
	}
	if rig.engine.Health() == nil {
		t.Fatalf("stopped engine must not report healthy")
	}
	if n := rig.engine.Sessions().Count(); n != 0 {
		t.Fatalf("expected sessions closed, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(cfg.Observability.ArtifactsDir, "alice.usage.json")); err != nil {
		t.Fatalf("usage summary not written: %v", err)
	}

	rec := httptest.NewRecorder()
	rig.engine.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "juru_events_total") {
		t.Fatalf("metrics missing relay events")
	}
}

func TestNewEngineUnknownProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Vendors.STT.Provider = "nope"
	_, err := NewEngine(EngineOptions{
		Config:    cfg,
		Providers: NewProviderRegistry(),
		Transport: mocktransport.New(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err == nil || !errorsx.HasReason(err, errorsx.ReasonProviderInit) {
		t.Fatalf("expected provider_init error, got %v", err)
	}
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Languages.Default = "fr"
	if _, err := NewEngine(EngineOptions{Config: cfg, Transport: mocktransport.New()}); err == nil {
		t.Fatalf("expected validation error")
	}
}
