package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/juru/pkg/errorsx"
	"github.com/harunnryd/juru/pkg/metrics"
	"github.com/harunnryd/juru/pkg/participants"
	"github.com/harunnryd/juru/pkg/providers/mock"
	"github.com/harunnryd/juru/pkg/translate"
)

type fakePipeline struct {
	closed   atomic.Bool
	closeErr error
}

func (f *fakePipeline) Translate(context.Context, translate.Request) (translate.Result, error) {
	return translate.Result{}, nil
}

func (f *fakePipeline) Synthesize(context.Context, string) ([]byte, error) { return nil, nil }

func (f *fakePipeline) Close() error {
	f.closed.Store(true)
	return f.closeErr
}

func newTestManager(factory Factory) (*Manager, *metrics.MemoryObserver) {
	obs := metrics.NewMemoryObserver()
	m := NewManager(Options{
		Factory:         factory,
		Voices:          map[string]string{"en": "voice-en", "ar": "voice-ar"},
		DefaultLanguage: "en",
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observer:        obs,
	})
	return m, obs
}

func staticFactory(pipes *[]*fakePipeline) Factory {
	var mu sync.Mutex
	return func(ctx context.Context, p participants.Participant, voice string) (Pipeline, error) {
		fp := &fakePipeline{}
		mu.Lock()
		*pipes = append(*pipes, fp)
		mu.Unlock()
		return fp, nil
	}
}

func TestCreateIsIdempotentForSameTarget(t *testing.T) {
	var pipes []*fakePipeline
	m, obs := newTestManager(staticFactory(&pipes))
	p := participants.Participant{Identity: "omar", Hears: "ar"}
	s1, created, err := m.Create(context.Background(), p)
	if err != nil || !created {
		t.Fatalf("first create: %v %v", created, err)
	}
	if s1.Voice != "voice-ar" {
		t.Fatalf("unexpected voice %q", s1.Voice)
	}
	s2, created, err := m.Create(context.Background(), p)
	if err != nil || created || s1 != s2 {
		t.Fatalf("second create should reuse session")
	}
	if m.Count() != 1 || len(pipes) != 1 {
		t.Fatalf("expected a single session, got %d/%d", m.Count(), len(pipes))
	}
	if len(obs.Named(metrics.EventSessionCreated)) != 1 {
		t.Fatalf("expected one created event")
	}
}

func TestCreateReplacesOnLanguageChange(t *testing.T) {
	var pipes []*fakePipeline
	m, _ := newTestManager(staticFactory(&pipes))
	old, _, _ := m.Create(context.Background(), participants.Participant{Identity: "omar", Hears: "ar"})
	repl, created, err := m.Create(context.Background(), participants.Participant{Identity: "omar", Hears: "en"})
	if err != nil || !created {
		t.Fatalf("expected replacement, got %v %v", created, err)
	}
	if !pipes[0].closed.Load() || old.Ctx.Err() == nil {
		t.Fatalf("old session should be closed and cancelled")
	}
	if repl.TargetLanguage != "en" || repl.Voice != "voice-en" || m.Count() != 1 {
		t.Fatalf("unexpected replacement %+v count=%d", repl, m.Count())
	}
}

func TestCreateDropsConcurrentDuplicate(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int32
	m, _ := newTestManager(func(ctx context.Context, p participants.Participant, voice string) (Pipeline, error) {
		calls.Add(1)
		close(entered)
		<-release
		return &fakePipeline{}, nil
	})
	p := participants.Participant{Identity: "bob", Hears: "en"}
	done := make(chan error, 1)
	go func() {
		_, _, err := m.Create(context.Background(), p)
		done <- err
	}()
	<-entered
	if _, _, err := m.Create(context.Background(), p); !errors.Is(err, ErrCreateInFlight) {
		t.Fatalf("expected in-flight error, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first create: %v", err)
	}
	if calls.Load() != 1 || m.Count() != 1 {
		t.Fatalf("expected one build, got %d", calls.Load())
	}
}

func TestCreateFailureIsWrapped(t *testing.T) {
	m, _ := newTestManager(func(context.Context, participants.Participant, string) (Pipeline, error) {
		return nil, errors.New("vendor down")
	})
	_, _, err := m.Create(context.Background(), participants.Participant{Identity: "bob", Hears: "en"})
	if !errorsx.HasReason(err, errorsx.ReasonSessionCreate) {
		t.Fatalf("expected create reason, got %v", err)
	}
	if m.Count() != 0 {
		t.Fatalf("failed create must not register")
	}
}

func TestCreateRefusedWhileDraining(t *testing.T) {
	var pipes []*fakePipeline
	m, _ := newTestManager(staticFactory(&pipes))
	m.SetDraining(true)
	if _, _, err := m.Create(context.Background(), participants.Participant{Identity: "bob", Hears: "en"}); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected draining error, got %v", err)
	}
}

func TestRetargetSkipsSpeakerAndAccepts(t *testing.T) {
	var pipes []*fakePipeline
	m, _ := newTestManager(staticFactory(&pipes))
	for _, id := range []string{"alice", "bob", "omar"} {
		if _, _, err := m.Create(context.Background(), participants.Participant{Identity: id, Hears: "en"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if n := m.Retarget("alice"); n != 2 {
		t.Fatalf("expected 2 retargeted, got %d", n)
	}
	if n := m.Retarget("alice"); n != 0 {
		t.Fatalf("retarget should be idempotent, got %d", n)
	}
	bob, _ := m.Get("bob")
	alice, _ := m.Get("alice")
	if bob.Attending() != "alice" || alice.Attending() != "" {
		t.Fatalf("unexpected attending bob=%q alice=%q", bob.Attending(), alice.Attending())
	}
	if !bob.Accepts("alice", true) || bob.Accepts("omar", true) || !bob.Accepts("omar", false) {
		t.Fatalf("unexpected accept decisions")
	}

	late, _, _ := m.Create(context.Background(), participants.Participant{Identity: "carol", Hears: "ar"})
	if late.Attending() != "alice" {
		t.Fatalf("new session should attend the active speaker, got %q", late.Attending())
	}
}

func TestForgetSpeakerClearsDepartedTarget(t *testing.T) {
	var pipes []*fakePipeline
	m, _ := newTestManager(staticFactory(&pipes))
	if n := m.ForgetSpeaker("alice"); n != 0 {
		t.Fatalf("nothing to release before any speaker, got %d", n)
	}
	for _, id := range []string{"alice", "bob"} {
		if _, _, err := m.Create(context.Background(), participants.Participant{Identity: id, Hears: "en"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	m.Retarget("alice")
	if err := m.Destroy("alice"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if n := m.ForgetSpeaker("alice"); n != 1 {
		t.Fatalf("expected bob released, got %d", n)
	}
	if m.ActiveSpeaker() != "" {
		t.Fatalf("active speaker should be cleared, got %q", m.ActiveSpeaker())
	}
	bob, _ := m.Get("bob")
	if !bob.Accepts("omar", true) {
		t.Fatalf("released session should accept any speaker")
	}

	late, _, _ := m.Create(context.Background(), participants.Participant{Identity: "carol", Hears: "ar"})
	if late.Attending() != "" || !late.Accepts("bob", true) {
		t.Fatalf("new session must not attend a departed speaker, got %q", late.Attending())
	}

	m.Retarget("bob")
	if m.ForgetSpeaker("alice") != 0 || m.ActiveSpeaker() != "bob" {
		t.Fatalf("forgetting someone else must keep the active speaker")
	}
}

func TestDestroyAndCloseAll(t *testing.T) {
	var pipes []*fakePipeline
	m, obs := newTestManager(staticFactory(&pipes))
	for _, id := range []string{"a", "b", "c"} {
		_, _, _ = m.Create(context.Background(), participants.Participant{Identity: id, Hears: "en"})
	}
	pipes[1].closeErr = errors.New("already gone")
	if err := m.Destroy("b"); !errorsx.HasReason(err, errorsx.ReasonSessionClose) {
		t.Fatalf("expected close reason, got %v", err)
	}
	if err := m.Destroy("missing"); err != nil {
		t.Fatalf("unknown destroy should be a no-op: %v", err)
	}
	m.CloseAll()
	if m.Count() != 0 || len(m.List()) != 0 {
		t.Fatalf("expected no sessions, got %d", m.Count())
	}
	for i, p := range pipes {
		if !p.closed.Load() {
			t.Fatalf("pipeline %d not closed", i)
		}
	}
	if len(obs.Named(metrics.EventSessionDestroyed)) != 3 {
		t.Fatalf("expected three destroyed events")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !m.WaitForEmpty(ctx, time.Millisecond) {
		t.Fatalf("expected empty")
	}
}

func TestListenerPipelineUsesVoiceAndCloses(t *testing.T) {
	syn := mock.NewTTS(mock.TTSConfig{})
	tr := translate.NewLLMTranslator(mock.NewLLMAdapter(mock.LLMConfig{Prefix: "ar:"}), translate.Options{})
	p := NewListenerPipeline(tr, syn, "voice-ar")
	res, err := p.Translate(context.Background(), translate.Request{Text: "hi", Source: "en", Target: "ar"})
	if err != nil || res.Text != "ar:hi" {
		t.Fatalf("unexpected translation %q %v", res.Text, err)
	}
	if _, err := p.Synthesize(context.Background(), res.Text); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if v := syn.Voices(); len(v) != 1 || v[0] != "voice-ar" {
		t.Fatalf("unexpected voices %v", v)
	}
	_ = p.Close()
	if _, err := p.Synthesize(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
