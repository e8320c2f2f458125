package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/juru/pkg/metrics"
)

// LatencyObserver logs one relay_latency line per utterance once it has been
// delivered or abandoned.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	speaker     string
	emitted     time.Time
	transcribed time.Time
	translated  time.Time
	synthesized time.Time
	delivered   time.Time
	listeners   int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := ev.Tags[metrics.TagUtteranceID]
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[id]
	if t == nil {
		t = &trace{speaker: ev.Tags[metrics.TagSpeaker]}
		o.traces[id] = t
	}
	switch ev.Name {
	case metrics.EventUtteranceEmitted:
		setOnce(&t.emitted, ev.Time)
	case metrics.EventTranscribed:
		setOnce(&t.transcribed, ev.Time)
	case metrics.EventTranslated:
		setOnce(&t.translated, ev.Time)
	case metrics.EventSynthesized:
		setOnce(&t.synthesized, ev.Time)
	case metrics.EventDelivered:
		setOnce(&t.delivered, ev.Time)
		t.listeners++
	case metrics.EventRelayCompleted, metrics.EventRelayAbandoned:
		o.logLocked(id, t, ev.Name == metrics.EventRelayAbandoned)
		delete(o.traces, id)
	}
}

// Pending reports how many utterances are still being traced.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func (o *LatencyObserver) logLocked(id string, t *trace, abandoned bool) {
	o.log.Info("relay_latency",
		"utterance_id", id,
		"speaker", t.speaker,
		"abandoned", abandoned,
		"listeners", t.listeners,
		"stt_ms", durationMs(t.emitted, t.transcribed),
		"translate_ms", durationMs(t.transcribed, t.translated),
		"tts_ms", durationMs(t.translated, t.synthesized),
		"first_delivery_ms", durationMs(t.emitted, t.delivered),
	)
}

func setOnce(dst *time.Time, v time.Time) {
	if dst.IsZero() {
		*dst = v
	}
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
