// Package sessions keeps one translation session per listening participant.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/juru/pkg/errorsx"
	"github.com/harunnryd/juru/pkg/logging"
	"github.com/harunnryd/juru/pkg/metrics"
	"github.com/harunnryd/juru/pkg/participants"
)

var (
	// ErrCreateInFlight is returned when a create for the same identity is
	// already running. The caller's request is dropped, not queued.
	ErrCreateInFlight = errors.New("session create already in flight")
	ErrDraining       = errors.New("session manager is draining")
)

type Session struct {
	Identity       string
	TargetLanguage string
	Voice          string
	Pipeline       Pipeline
	Ctx            context.Context
	Cancel         context.CancelFunc
	Created        time.Time

	attending atomic.Value
}

// Attending returns the speaker this session currently listens to.
func (s *Session) Attending() string {
	v, _ := s.attending.Load().(string)
	return v
}

func (s *Session) setAttending(speaker string) bool {
	if s.Attending() == speaker {
		return false
	}
	s.attending.Store(speaker)
	return true
}

// Accepts reports whether an utterance from speaker should reach this
// listener. With follow off every speaker is accepted.
func (s *Session) Accepts(speaker string, follow bool) bool {
	if !follow {
		return true
	}
	attending := s.Attending()
	return attending == "" || attending == speaker
}

type Factory func(ctx context.Context, p participants.Participant, voice string) (Pipeline, error)

type Options struct {
	Factory Factory
	// Voices maps a target language to a synthesizer voice id.
	Voices          map[string]string
	DefaultLanguage string
	Logger          *slog.Logger
	Observer        metrics.Observer
}

type Manager struct {
	sessions sync.Map
	pending  sync.Map
	count    atomic.Int64
	draining atomic.Bool
	active   atomic.Value
	opts     Options
	logger   *slog.Logger
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "sessions"),
	}
}

// VoiceFor picks the configured voice for lang, falling back to the default
// language's voice.
func (m *Manager) VoiceFor(lang string) string {
	if v, ok := m.opts.Voices[lang]; ok {
		return v
	}
	return m.opts.Voices[m.opts.DefaultLanguage]
}

// Create returns the listener's session, building it on first use. A session
// whose target language no longer matches p.Hears is replaced. The bool is
// true when a new session was built.
func (m *Manager) Create(ctx context.Context, p participants.Participant) (*Session, bool, error) {
	if p.Identity == "" {
		return nil, false, errorsx.Wrap(errors.New("session identity is empty"), errorsx.ReasonSessionCreate)
	}
	if m.draining.Load() {
		return nil, false, ErrDraining
	}
	if sess, ok := m.Get(p.Identity); ok && sess.TargetLanguage == p.Hears {
		return sess, false, nil
	}
	if _, loaded := m.pending.LoadOrStore(p.Identity, struct{}{}); loaded {
		m.logger.Debug("session_create_dropped",
			slog.String("listener", p.Identity),
			slog.String("reason", "in_flight"))
		return nil, false, ErrCreateInFlight
	}
	defer m.pending.Delete(p.Identity)

	if old, ok := m.Get(p.Identity); ok {
		if old.TargetLanguage == p.Hears {
			return old, false, nil
		}
		m.logger.Info("session_retargeted",
			slog.String("listener", p.Identity),
			slog.String("from", old.TargetLanguage),
			slog.String("to", p.Hears))
		if err := m.Destroy(p.Identity); err != nil {
			m.logger.Warn("session_close_failed",
				slog.String("listener", p.Identity),
				slog.String("error", err.Error()))
		}
	}

	voice := m.VoiceFor(p.Hears)
	sessCtx, cancel := context.WithCancel(context.Background())
	pipe, err := m.opts.Factory(ctx, p, voice)
	if err != nil {
		cancel()
		m.logger.Error("session_create_failed",
			slog.String("listener", p.Identity),
			slog.String("target_language", p.Hears),
			slog.String("error", err.Error()))
		return nil, false, errorsx.Errorf(errorsx.ReasonSessionCreate, "create session for %s: %w", p.Identity, err)
	}
	sess := &Session{
		Identity:       p.Identity,
		TargetLanguage: p.Hears,
		Voice:          voice,
		Pipeline:       pipe,
		Ctx:            sessCtx,
		Cancel:         cancel,
		Created:        time.Now(),
	}
	if active := m.ActiveSpeaker(); active != p.Identity {
		sess.setAttending(active)
	}
	m.sessions.Store(p.Identity, sess)
	m.count.Add(1)

	m.logger.Info("session_created",
		slog.String("listener", p.Identity),
		slog.String("target_language", p.Hears),
		slog.String("voice", voice),
		slog.String("attending", sess.Attending()))
	metrics.Emit(m.opts.Observer, metrics.EventSessionCreated, map[string]string{
		metrics.TagListener: p.Identity,
		metrics.TagLanguage: p.Hears,
	}, nil)
	return sess, true, nil
}

// Retarget points every session except the speaker's own at speaker and
// returns how many changed.
func (m *Manager) Retarget(speaker string) int {
	m.active.Store(speaker)
	changed := 0
	m.sessions.Range(func(key, value any) bool {
		sess := value.(*Session)
		if sess.Identity == speaker {
			return true
		}
		if sess.setAttending(speaker) {
			changed++
		}
		return true
	})
	if changed > 0 {
		m.logger.Debug("sessions_retargeted",
			slog.String("speaker", speaker),
			slog.Int("changed", changed))
	}
	return changed
}

// ForgetSpeaker drops a departed speaker: the active pointer is cleared when
// it names identity, and sessions attending identity attend no one until the
// next Retarget. It returns how many sessions were released.
func (m *Manager) ForgetSpeaker(identity string) int {
	if identity == "" {
		return 0
	}
	m.active.CompareAndSwap(identity, "")
	released := 0
	m.sessions.Range(func(key, value any) bool {
		sess := value.(*Session)
		if sess.Attending() == identity && sess.setAttending("") {
			released++
		}
		return true
	})
	if released > 0 {
		m.logger.Debug("sessions_released",
			slog.String("speaker", identity),
			slog.Int("released", released))
	}
	return released
}

// ActiveSpeaker is the speaker last passed to Retarget.
func (m *Manager) ActiveSpeaker() string {
	v, _ := m.active.Load().(string)
	return v
}

// Destroy removes the session, cancels its context and closes its pipeline
// before returning. Unknown identities are a no-op.
func (m *Manager) Destroy(identity string) error {
	v, ok := m.sessions.LoadAndDelete(identity)
	if !ok {
		return nil
	}
	sess := v.(*Session)
	m.count.Add(-1)
	if sess.Cancel != nil {
		sess.Cancel()
	}
	var err error
	if sess.Pipeline != nil {
		if cerr := sess.Pipeline.Close(); cerr != nil {
			err = errorsx.Errorf(errorsx.ReasonSessionClose, "close session %s: %w", identity, cerr)
		}
	}
	m.logger.Info("session_destroyed",
		slog.String("listener", identity),
		slog.Duration("age", time.Since(sess.Created)))
	metrics.Emit(m.opts.Observer, metrics.EventSessionDestroyed, map[string]string{
		metrics.TagListener: identity,
	}, nil)
	return err
}

// CloseAll destroys every session. Close failures are logged, not returned.
func (m *Manager) CloseAll() {
	m.sessions.Range(func(key, value any) bool {
		identity := key.(string)
		if err := m.Destroy(identity); err != nil {
			m.logger.Error("session_close_failed",
				slog.String("listener", identity),
				slog.String("reason", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
		}
		return true
	})
}

func (m *Manager) Get(identity string) (*Session, bool) {
	if v, ok := m.sessions.Load(identity); ok {
		return v.(*Session), true
	}
	return nil, false
}

// List returns the sessions ordered by identity.
func (m *Manager) List() []*Session {
	var out []*Session
	m.sessions.Range(func(_, value any) bool {
		out = append(out, value.(*Session))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (m *Manager) Count() int64 {
	return m.count.Load()
}

func (m *Manager) SetDraining(v bool) {
	m.draining.Store(v)
}

func (m *Manager) Draining() bool {
	return m.draining.Load()
}

func (m *Manager) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if m.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
