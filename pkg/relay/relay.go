// Package relay carries one finished utterance from transcription through
// per-listener translation, synthesis and delivery.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/harunnryd/juru/pkg/adapters/stt"
	"github.com/harunnryd/juru/pkg/audio"
	"github.com/harunnryd/juru/pkg/conversation"
	"github.com/harunnryd/juru/pkg/delivery"
	"github.com/harunnryd/juru/pkg/errorsx"
	"github.com/harunnryd/juru/pkg/lang"
	"github.com/harunnryd/juru/pkg/logging"
	"github.com/harunnryd/juru/pkg/metrics"
	"github.com/harunnryd/juru/pkg/participants"
	"github.com/harunnryd/juru/pkg/redact"
	"github.com/harunnryd/juru/pkg/sessions"
	"github.com/harunnryd/juru/pkg/translate"
)

// Policies for a transcript whose language could not be detected.
const (
	UndetectedDeclared = "declared"
	UndetectedSkip     = "skip"
)

// Abandon and skip reasons.
const (
	ReasonNoTranscript     = "no_transcript"
	ReasonUndetected       = "undetected_language"
	ReasonSameLanguage     = "same_language"
	ReasonNotAttending     = "not_attending"
	ReasonNoSession        = "no_session"
	ReasonNoAudio          = "no_audio"
	ReasonDeliveryFailed   = "delivery_failed"
	ReasonListenerPanic    = "panic"
	ReasonDeadlineExceeded = "deadline_exceeded"
)

type Utterance struct {
	Speaker    string
	PCM        []byte
	SampleRate int
	CreatedAt  time.Time
}

type Config struct {
	DefaultLanguage     string
	Supported           lang.Set
	UndetectedPolicy    string
	FollowActiveSpeaker bool
	SnapshotSize        int
	TextFallback        bool
	// Timeout bounds one utterance end to end; zero means no bound.
	Timeout time.Duration
}

// Outcome is what happened for one listener.
type Outcome struct {
	Listener  string
	MessageID string
	Mode      string
	Reason    string
}

// Report summarizes one Process call.
type Report struct {
	UtteranceID    string
	Speaker        string
	Transcript     string
	SourceLanguage string
	Abandoned      string
	Delivered      []Outcome
	Skipped        []Outcome
	Failed         []Outcome
}

type Options struct {
	Config      Config
	Transcriber stt.Transcriber
	Registry    *participants.Registry
	Store       *conversation.Store
	Sessions    *sessions.Manager
	Deliverer   *delivery.Deliverer
	Observer    metrics.Observer
	Logger      *slog.Logger
}

type Relay struct {
	cfg         Config
	transcriber stt.Transcriber
	registry    *participants.Registry
	store       *conversation.Store
	sessions    *sessions.Manager
	deliverer   *delivery.Deliverer
	obs         metrics.Observer
	logger      *slog.Logger
}

func New(opts Options) (*Relay, error) {
	switch {
	case opts.Transcriber == nil:
		return nil, errors.New("relay: transcriber is required")
	case opts.Registry == nil:
		return nil, errors.New("relay: registry is required")
	case opts.Store == nil:
		return nil, errors.New("relay: context store is required")
	case opts.Sessions == nil:
		return nil, errors.New("relay: session manager is required")
	case opts.Deliverer == nil:
		return nil, errors.New("relay: deliverer is required")
	}
	cfg := opts.Config
	if cfg.UndetectedPolicy == "" {
		cfg.UndetectedPolicy = UndetectedDeclared
	}
	if cfg.UndetectedPolicy != UndetectedDeclared && cfg.UndetectedPolicy != UndetectedSkip {
		return nil, fmt.Errorf("relay: unknown undetected language policy %q", cfg.UndetectedPolicy)
	}
	if len(cfg.Supported) == 0 {
		cfg.Supported = lang.NewSet("en", "ar")
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	obs := opts.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Relay{
		cfg:         cfg,
		transcriber: opts.Transcriber,
		registry:    opts.Registry,
		store:       opts.Store,
		sessions:    opts.Sessions,
		deliverer:   opts.Deliverer,
		obs:         obs,
		logger:      logging.NewComponentLogger(opts.Logger, "relay"),
	}, nil
}

// Process relays one utterance to every eligible listener. It never returns
// an error; failures are reported per listener and logged.
func (r *Relay) Process(ctx context.Context, u Utterance) Report {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	id, err := delivery.NewMessageID()
	if err != nil {
		id = fmt.Sprintf("%s-%d", u.Speaker, u.CreatedAt.UnixNano())
	}
	report := Report{UtteranceID: id, Speaker: u.Speaker}
	speaker := r.resolveSpeaker(u.Speaker)
	tags := map[string]string{
		metrics.TagUtteranceID: id,
		metrics.TagSpeaker:     u.Speaker,
		metrics.TagComponent:   "relay",
	}
	log := r.logger.With(slog.String("utterance_id", id), slog.String("speaker", u.Speaker))

	metrics.Emit(r.obs, metrics.EventUtteranceEmitted, tags, map[string]any{
		metrics.FieldBytes:        len(u.PCM),
		metrics.FieldAudioSeconds: audio.Duration(len(u.PCM), u.SampleRate, 1).Seconds(),
	})

	start := time.Now()
	res, err := r.transcriber.Transcribe(ctx, u.PCM, u.SampleRate)
	text := strings.TrimSpace(res.Text)
	if err != nil || text == "" {
		attrs := []any{slog.Int("audio_bytes", len(u.PCM))}
		if err != nil {
			attrs = append(attrs, slog.String("reason", string(errorsx.Reason(err))), slog.String("error", err.Error()))
		}
		log.Info("relay_abandoned_no_transcript", attrs...)
		return r.abandon(report, tags, ReasonNoTranscript)
	}
	report.Transcript = text

	source, ok := r.sourceLanguage(res.Language, speaker.Speaks)
	if !ok {
		log.Info("relay_abandoned_undetected_language", slog.String("detected", res.Language))
		return r.abandon(report, tags, ReasonUndetected)
	}
	report.SourceLanguage = source
	tags = withTag(tags, metrics.TagLanguage, source)
	metrics.Emit(r.obs, metrics.EventTranscribed, tags, map[string]any{
		metrics.FieldDurationMS: float64(time.Since(start).Milliseconds()),
		metrics.FieldChars:      len(text),
		"transcript":            text,
		"detected_language":     res.Language,
	})
	log.Info("utterance_transcribed",
		slog.String("source_language", source),
		slog.String("detected_language", res.Language),
		slog.String("transcript", redact.Snippet(text, 120)))

	snapshot := r.store.Snapshot(r.cfg.SnapshotSize)
	r.store.Add(speaker.DisplayName, text, source)

	var targets []*sessions.Session
	for _, p := range r.registry.Listeners(speaker.Identity) {
		sess, ok := r.sessions.Get(p.Identity)
		switch {
		case !ok:
			report.Skipped = append(report.Skipped, Outcome{Listener: p.Identity, Reason: ReasonNoSession})
		case sess.TargetLanguage == source:
			report.Skipped = append(report.Skipped, Outcome{Listener: p.Identity, Reason: ReasonSameLanguage})
		case !sess.Accepts(speaker.Identity, r.cfg.FollowActiveSpeaker):
			report.Skipped = append(report.Skipped, Outcome{Listener: p.Identity, Reason: ReasonNotAttending})
		default:
			targets = append(targets, sess)
		}
	}

	var mu sync.Mutex
	var wg conc.WaitGroup
	for _, sess := range targets {
		sess := sess
		wg.Go(func() {
			var pc panics.Catcher
			var out Outcome
			pc.Try(func() {
				out = r.serveListener(ctx, sess, speaker, text, source, snapshot, tags)
			})
			if rec := pc.Recovered(); rec != nil {
				log.Error("listener_panic",
					slog.String("listener", sess.Identity),
					slog.String("panic", rec.String()))
				out = Outcome{Listener: sess.Identity, Reason: ReasonListenerPanic}
			}
			mu.Lock()
			defer mu.Unlock()
			if out.MessageID != "" && out.Reason == "" {
				report.Delivered = append(report.Delivered, out)
				return
			}
			report.Failed = append(report.Failed, out)
			metrics.Emit(r.obs, metrics.EventListenerFailed, withTag(tags, metrics.TagListener, out.Listener, metrics.TagReason, out.Reason), nil)
		})
	}
	wg.Wait()

	sortOutcomes(report.Delivered)
	sortOutcomes(report.Failed)
	metrics.Emit(r.obs, metrics.EventRelayCompleted, tags, map[string]any{
		"delivered": len(report.Delivered),
		"skipped":   len(report.Skipped),
		"failed":    len(report.Failed),
	})
	log.Info("relay_completed",
		slog.Int("delivered", len(report.Delivered)),
		slog.Int("skipped", len(report.Skipped)),
		slog.Int("failed", len(report.Failed)),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()))
	return report
}

func (r *Relay) serveListener(ctx context.Context, sess *sessions.Session, speaker participants.Participant, text, source, snapshot string, baseTags map[string]string) Outcome {
	out := Outcome{Listener: sess.Identity}
	tags := withTag(baseTags, metrics.TagListener, sess.Identity)
	log := r.logger.With(
		slog.String("utterance_id", baseTags[metrics.TagUtteranceID]),
		slog.String("speaker", speaker.Identity),
		slog.String("listener", sess.Identity))

	// The session context ends when the listener leaves mid-utterance.
	ctx, stop := mergeCancel(ctx, sess.Ctx)
	defer stop()

	start := time.Now()
	translated := text
	tr, err := sess.Pipeline.Translate(ctx, translate.Request{
		Text:    text,
		Source:  source,
		Target:  sess.TargetLanguage,
		Context: snapshot,
		Speaker: speaker.DisplayName,
	})
	switch {
	case err != nil:
		log.Warn("translation_failed_using_original",
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	case strings.TrimSpace(tr.Text) == "":
		log.Warn("translation_empty_using_original")
	default:
		translated = tr.Text
	}
	metrics.Emit(r.obs, metrics.EventTranslated, tags, map[string]any{
		metrics.FieldDurationMS: float64(time.Since(start).Milliseconds()),
		metrics.FieldTokens:     tr.Tokens,
		"fallback":              translated == text && err != nil,
		"translation":           translated,
	})

	start = time.Now()
	audioOut, err := sess.Pipeline.Synthesize(ctx, translated)
	if err != nil || len(audioOut) == 0 {
		attrs := []any{}
		if err != nil {
			attrs = append(attrs, slog.String("reason", string(errorsx.Reason(err))), slog.String("error", err.Error()))
		}
		log.Warn("synthesis_produced_no_audio", attrs...)
		if ctx.Err() != nil {
			out.Reason = ReasonDeadlineExceeded
			return out
		}
		if r.cfg.TextFallback {
			id, derr := r.deliverer.DeliverText(ctx, delivery.TextResult{
				SpeakerName:    speaker.DisplayName,
				OriginalText:   text,
				TranslatedText: translated,
				SourceLang:     source,
				TargetLang:     sess.TargetLanguage,
			}, sess.Identity)
			if derr != nil {
				log.Warn("text_delivery_failed", slog.String("error", derr.Error()))
				out.Reason = ReasonDeliveryFailed
				return out
			}
			out.MessageID, out.Mode = id, "text"
			return out
		}
		if _, derr := r.deliverer.DeliverError(ctx, "translation audio unavailable", sess.Identity); derr != nil {
			log.Debug("error_notice_failed", slog.String("error", derr.Error()))
		}
		out.Reason = ReasonNoAudio
		return out
	}
	metrics.Emit(r.obs, metrics.EventSynthesized, tags, map[string]any{
		metrics.FieldDurationMS: float64(time.Since(start).Milliseconds()),
		metrics.FieldBytes:      len(audioOut),
		metrics.FieldChars:      len(translated),
	})

	start = time.Now()
	id, err := r.deliverer.Deliver(ctx, delivery.Result{
		SpeakerName:    speaker.DisplayName,
		OriginalText:   text,
		TranslatedText: translated,
		SourceLang:     source,
		TargetLang:     sess.TargetLanguage,
		Audio:          audioOut,
	}, sess.Identity)
	if err != nil {
		log.Warn("delivery_failed",
			slog.String("message_id", id),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		out.MessageID, out.Reason = id, ReasonDeliveryFailed
		return out
	}
	metrics.Emit(r.obs, metrics.EventDelivered, tags, map[string]any{
		metrics.FieldDurationMS: float64(time.Since(start).Milliseconds()),
		metrics.FieldChunks:     r.deliverer.Chunks(len(audioOut)),
		metrics.FieldBytes:      len(audioOut),
	})
	log.Info("listener_delivered",
		slog.String("message_id", id),
		slog.String("target_language", sess.TargetLanguage),
		slog.Int("audio_bytes", len(audioOut)))
	out.MessageID, out.Mode = id, "audio"
	return out
}

// resolveSpeaker falls back to the identity as display name and the default
// language for speakers the registry does not know.
func (r *Relay) resolveSpeaker(identity string) participants.Participant {
	if p, ok := r.registry.Get(identity); ok {
		return p
	}
	return participants.Participant{
		Identity:    identity,
		DisplayName: identity,
		Speaks:      r.cfg.DefaultLanguage,
		Hears:       r.cfg.DefaultLanguage,
	}
}

// sourceLanguage prefers a supported detected language, then applies the
// undetected-language policy.
func (r *Relay) sourceLanguage(detected, declared string) (string, bool) {
	if code, ok := r.cfg.Supported.Resolve(detected); ok {
		return code, true
	}
	if r.cfg.UndetectedPolicy == UndetectedSkip {
		return "", false
	}
	if code, ok := r.cfg.Supported.Resolve(declared); ok {
		return code, true
	}
	return r.cfg.DefaultLanguage, true
}

func (r *Relay) abandon(report Report, tags map[string]string, reason string) Report {
	report.Abandoned = reason
	metrics.Emit(r.obs, metrics.EventRelayAbandoned, withTag(tags, metrics.TagReason, reason), nil)
	return report
}
