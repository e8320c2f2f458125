package juru

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/harunnryd/juru/pkg/adapters/tts"
	"github.com/harunnryd/juru/pkg/conversation"
	"github.com/harunnryd/juru/pkg/delivery"
	"github.com/harunnryd/juru/pkg/errorsx"
	"github.com/harunnryd/juru/pkg/frames"
	"github.com/harunnryd/juru/pkg/llm"
	"github.com/harunnryd/juru/pkg/logging"
	"github.com/harunnryd/juru/pkg/metrics"
	"github.com/harunnryd/juru/pkg/observers"
	"github.com/harunnryd/juru/pkg/participants"
	"github.com/harunnryd/juru/pkg/redact"
	"github.com/harunnryd/juru/pkg/relay"
	"github.com/harunnryd/juru/pkg/resilience"
	"github.com/harunnryd/juru/pkg/runner"
	"github.com/harunnryd/juru/pkg/sessions"
	"github.com/harunnryd/juru/pkg/translate"
	"github.com/harunnryd/juru/pkg/transports"
)

// Engine wires a transport to the relay: it tracks participants, keeps one
// listener session per participant and segments each speaker's audio into
// utterances.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	providers *ProviderRegistry
	transport transports.Transport
	registry  *participants.Registry
	store     *conversation.Store
	sessions  *sessions.Manager
	relay     *relay.Relay
	obs       metrics.Observer
	asyncObs  *metrics.AsyncObserver
	prom      *metrics.PrometheusObserver
	runner    *runner.LifecycleRunner

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	streams    map[string]*speakerStream
	metricsSrv *http.Server

	// departed is owned by the route loop: identities seen leaving and not
	// seen joining again.
	departed map[string]struct{}

	started  atomic.Bool
	loopDone chan struct{}
	inflight conc.WaitGroup
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Transport overrides the configured transport provider.
	Transport transports.Transport
	Logger    *slog.Logger
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := logging.NewComponentLogger(base, "engine")
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("juru_init",
		"environment", cfg.Environment,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"transport", cfg.Transports.Provider,
		"languages", strings.Join(cfg.SupportedLanguages().Codes(), ","),
	)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	var timelineObs *observers.TimelineObserver
	var usageObs *observers.UsageObserver
	prom := metrics.NewPrometheusObserver()
	logObs := metrics.NewSamplingObserver(observers.NewLoggerObserver(base), cfg.Observability.SampleRate,
		metrics.EventRelayAbandoned, metrics.EventListenerFailed, metrics.EventFrameDropped)
	obsList := []metrics.Observer{logObs, observers.NewLatencyObserver(base), prom}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			n, err := observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
			if err != nil {
				logger.Warn("artifact_purge_failed", "dir", dir, "error", err)
			} else if n > 0 {
				logger.Info("artifacts_purged", "dir", dir, "removed", n)
			}
		}
		timelineObs = observers.NewTimelineObserver(dir)
		usageObs = observers.NewUsageObserver(dir)
		obsList = append(obsList, timelineObs, usageObs)
	}
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	// OnStop closes observers once the engine exists; before that, fail does.
	fail := func(err error) (*Engine, error) {
		asyncObs.Close()
		if timelineObs != nil {
			_ = timelineObs.Close()
		}
		if usageObs != nil {
			_ = usageObs.Close()
		}
		return nil, err
	}

	transcriber, err := providers.BuildSTT(cfg)
	if err != nil {
		return fail(errorsx.Wrap(err, errorsx.ReasonProviderInit))
	}
	synth, err := providers.BuildTTS(cfg)
	if err != nil {
		return fail(errorsx.Wrap(err, errorsx.ReasonProviderInit))
	}
	adapter, err := providers.BuildLLM(cfg)
	if err != nil {
		return fail(errorsx.Wrap(err, errorsx.ReasonProviderInit))
	}
	if cfg.Translation.CircuitThreshold > 0 {
		breaker := llm.NewCircuitBreakerAdapter(adapter, resilience.NewCircuitBreaker(
			cfg.Translation.CircuitThreshold,
			time.Duration(cfg.Translation.CircuitCooldownMS)*time.Millisecond,
		))
		breaker.SetObserver(asyncObs)
		adapter = breaker
	}
	translator := translate.NewLLMTranslator(adapter, translate.Options{
		Temperature: cfg.Translation.Temperature,
		MaxTokens:   cfg.Translation.MaxTokens,
		Retry: llm.RetryConfig{
			MaxAttempts: cfg.Translation.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Translation.RetryBaseDelayMS) * time.Millisecond,
			Jitter:      0.2,
		},
		Logger: base,
	})

	transport := opts.Transport
	if transport == nil {
		transport, err = providers.BuildTransport(cfg, base)
		if err != nil {
			return fail(errorsx.Wrap(err, errorsx.ReasonProviderInit))
		}
	}

	registry, err := participants.NewRegistry(participants.Options{
		Self:         cfg.Agent.Identity,
		AgentPattern: cfg.Agent.Pattern,
		Supported:    cfg.SupportedLanguages(),
		Logger:       base,
	})
	if err != nil {
		return fail(err)
	}
	store := conversation.NewStore(cfg.Context.Capacity)

	mgr := sessions.NewManager(sessions.Options{
		Factory:         listenerFactory(translator, synth),
		Voices:          cfg.Voices(),
		DefaultLanguage: cfg.DefaultLanguage(),
		Logger:          base,
		Observer:        asyncObs,
	})
	registry.OnRemove(func(identity string) {
		if err := mgr.Destroy(identity); err != nil {
			logger.Warn("session_close_failed", "listener", identity, "error", err)
		}
		mgr.ForgetSpeaker(identity)
	})

	deliverer, err := delivery.NewDeliverer(transport, delivery.Config{
		ChunkSize:  cfg.Delivery.ChunkSize,
		ChunkDelay: cfg.ChunkDelay(),
	}, base)
	if err != nil {
		return fail(err)
	}
	rl, err := relay.New(relay.Options{
		Config: relay.Config{
			DefaultLanguage:     cfg.DefaultLanguage(),
			Supported:           cfg.SupportedLanguages(),
			UndetectedPolicy:    cfg.Relay.UndetectedLanguage,
			FollowActiveSpeaker: cfg.Relay.FollowActiveSpeaker,
			SnapshotSize:        cfg.Context.SnapshotSize,
			TextFallback:        cfg.Delivery.TextFallback,
			Timeout:             cfg.RelayTimeout(),
		},
		Transcriber: transcriber,
		Registry:    registry,
		Store:       store,
		Sessions:    mgr,
		Deliverer:   deliverer,
		Observer:    asyncObs,
		Logger:      base,
	})
	if err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
		transport: transport,
		registry:  registry,
		store:     store,
		sessions:  mgr,
		relay:     rl,
		obs:       asyncObs,
		asyncObs:  asyncObs,
		prom:      prom,
		ctx:       ctx,
		cancel:    cancel,
		streams:   make(map[string]*speakerStream),
		departed:  make(map[string]struct{}),
		loopDone:  make(chan struct{}),
	}

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Juru Relay Ready"}
			if rr, ok := transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			logger.Info("engine_ready", fields...)
		},
		OnStop: func() {
			e.stopMetricsServer()
			asyncObs.Close()
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			if usageObs != nil {
				_ = usageObs.Close()
			}
			logger.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"participants", registry.Count(),
				"sessions", mgr.Count(),
				"dropped_events", asyncObs.Dropped())
		},
	}
	// Session teardown runs after the drain timeout, inside the runner's bound.
	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), hooks, cfg.DrainTimeout()+5*time.Second)
	return e, nil
}

func listenerFactory(tr translate.Translator, syn tts.Synthesizer) sessions.Factory {
	return func(ctx context.Context, p participants.Participant, voice string) (sessions.Pipeline, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return sessions.NewListenerPipeline(tr, syn, voice), nil
	}
}

// Start connects the transport and begins routing its frames. It returns once
// the transport is up; the engine runs until ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	e.store.Clear()
	if err := e.transport.Start(ctx); err != nil {
		close(e.loopDone)
		return errorsx.Errorf(errorsx.ReasonTransport, "start transport %s: %w", e.transport.Name(), err)
	}
	e.startMetricsServer()
	go e.route()
	go func() {
		if err := e.runner.Run(ctx); err != nil {
			e.logger.Error("engine_stop_failed", "error", err)
		}
	}()
	return nil
}

// Stop drains the engine. Utterances already segmented are relayed before
// listener sessions close.
func (e *Engine) Stop() error {
	err := e.runner.Stop()
	e.cancel()
	return err
}

func (e *Engine) route() {
	defer close(e.loopDone)
	for f := range e.transport.Recv() {
		switch fr := f.(type) {
		case frames.AudioFrame:
			e.onAudio(fr)
		case frames.SystemFrame:
			e.onSystem(fr)
		case frames.SpeakersFrame:
			e.onSpeakers(fr)
		}
	}
}

func (e *Engine) onSystem(f frames.SystemFrame) {
	identity := f.Participant()
	if identity == "" {
		return
	}
	meta := f.Meta()
	switch f.Name() {
	case frames.ParticipantJoined, frames.MetadataChanged:
		delete(e.departed, identity)
		p, err := e.registry.Upsert(identity, meta[frames.MetaName], meta[frames.MetaMetadata])
		if err != nil {
			if errors.Is(err, participants.ErrAgent) {
				e.logger.Debug("agent_ignored", "participant", identity)
				return
			}
			e.logger.Warn("participant_not_tracked",
				"participant", identity,
				"event", f.Name(),
				"reason", errorsx.Reason(err),
				"error", err)
			return
		}
		if _, _, err := e.sessions.Create(e.ctx, p); err != nil && !errors.Is(err, sessions.ErrCreateInFlight) {
			e.logger.Warn("session_unavailable", "listener", identity, "error", err)
		}
	case frames.ParticipantLeft:
		e.departed[identity] = struct{}{}
		e.stopStream(identity)
		e.registry.Remove(identity)
	case frames.TrackEnded:
		e.flushStream(identity)
	}
}

func (e *Engine) onSpeakers(f frames.SpeakersFrame) {
	speaker, ok := e.registry.SelectActiveSpeaker(f.Speakers())
	if !ok {
		return
	}
	if e.registry.SetActiveSpeaker(speaker) {
		e.logger.Debug("active_speaker_changed", "speaker", speaker)
	}
	e.sessions.Retarget(speaker)
}

func (e *Engine) onAudio(f frames.AudioFrame) {
	identity := f.Participant()
	if identity == "" || e.registry.IsAgent(identity) {
		return
	}
	if _, gone := e.departed[identity]; gone {
		return
	}
	s := e.stream(identity)
	if s == nil {
		return
	}
	select {
	case s.audio <- f:
	default:
		metrics.Emit(e.obs, metrics.EventFrameDropped, map[string]string{
			metrics.TagSpeaker:   identity,
			metrics.TagComponent: "engine",
		}, map[string]any{metrics.FieldBytes: len(f.RawPayload())})
	}
}

// dispatch hands one utterance to the relay. In-flight relays are awaited by
// drain before sessions close.
func (e *Engine) dispatch(speaker string, pcm []byte, sampleRate int) {
	u := relay.Utterance{
		Speaker:    speaker,
		PCM:        pcm,
		SampleRate: sampleRate,
		CreatedAt:  time.Now(),
	}
	e.inflight.Go(func() {
		report := e.relay.Process(e.ctx, u)
		e.logger.Debug("utterance_relayed",
			"utterance_id", report.UtteranceID,
			"speaker", speaker,
			"delivered", len(report.Delivered),
			"skipped", len(report.Skipped),
			"failed", len(report.Failed),
			"abandoned", report.Abandoned)
	})
}

func (e *Engine) drain() error {
	_ = e.transport.Stop()
	if e.started.Load() {
		<-e.loopDone
	}
	e.stopAllStreams()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := e.inflight.WaitAndRecover(); r != nil {
			e.logger.Error("relay_panic", "error", r.AsError())
		}
	}()
	timeout := e.cfg.DrainTimeout()
	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("drain_timeout", "timeout", timeout)
	}
	e.cancel()

	e.sessions.SetDraining(true)
	e.sessions.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !e.sessions.WaitForEmpty(ctx, 50*time.Millisecond) {
		return fmt.Errorf("%d listener sessions still open", e.sessions.Count())
	}
	return nil
}

func (e *Engine) startMetricsServer() {
	addr := strings.TrimSpace(e.cfg.Observability.MetricsAddr)
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.prom.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := e.Health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	e.mu.Lock()
	e.metricsSrv = srv
	e.mu.Unlock()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics_server_failed", "addr", addr, "error", err)
		}
	}()
	e.logger.Info("metrics_server_started", "addr", addr)
}

func (e *Engine) stopMetricsServer() {
	e.mu.Lock()
	srv := e.metricsSrv
	e.metricsSrv = nil
	e.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// Health reports nil while the engine accepts new participants.
func (e *Engine) Health() error {
	if e.transport == nil {
		return errors.New("missing transport")
	}
	if e.runner.State() != runner.StateRunning {
		return fmt.Errorf("engine not running (state %d)", e.runner.State())
	}
	if e.sessions.Draining() {
		return errors.New("draining")
	}
	return nil
}

// MetricsHandler serves the Prometheus registry of this engine.
func (e *Engine) MetricsHandler() http.Handler { return e.prom.Handler() }

func (e *Engine) Config() Config { return e.cfg }
func (e *Engine) Transport() transports.Transport { return e.transport }
func (e *Engine) Participants() *participants.Registry { return e.registry }
func (e *Engine) Sessions() *sessions.Manager { return e.sessions }
func (e *Engine) Store() *conversation.Store { return e.store }
func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }
func (e *Engine) State() runner.State { return e.runner.State() }
