package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver turns relay events into Prometheus series.
type PrometheusObserver struct {
	gatherer prometheus.Gatherer

	Events          *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	UtteranceAudio  prometheus.Histogram
	ChunksDelivered prometheus.Counter
	ActiveSessions  prometheus.Gauge
	Abandoned       *prometheus.CounterVec
}

// NewPrometheusObserver registers the relay metrics on a fresh registry.
func NewPrometheusObserver() *PrometheusObserver {
	reg := prometheus.NewRegistry()
	return newPrometheusObserver(reg, reg)
}

func newPrometheusObserver(reg prometheus.Registerer, gatherer prometheus.Gatherer) *PrometheusObserver {
	factory := promauto.With(reg)
	return &PrometheusObserver{
		gatherer: gatherer,
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "juru_events_total",
			Help: "Relay events by name and component",
		}, []string{"name", "component"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "juru_stage_duration_seconds",
			Help:    "Duration of transcription, translation, synthesis and delivery calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"stage"}),
		UtteranceAudio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "juru_utterance_audio_seconds",
			Help:    "Length of segmented utterances",
			Buckets: prometheus.LinearBuckets(1, 1, 10), // 1s to 10s
		}),
		ChunksDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "juru_chunks_delivered_total",
			Help: "Total number of translation_chunk messages sent",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "juru_listener_sessions",
			Help: "Current number of listener sessions",
		}),
		Abandoned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "juru_relay_abandoned_total",
			Help: "Utterances or listener deliveries abandoned, by reason",
		}, []string{"reason"}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	p.Events.WithLabelValues(ev.Name, ev.Tags[TagComponent]).Inc()
	switch ev.Name {
	case EventUtteranceEmitted:
		if sec, ok := floatField(ev.Fields, FieldAudioSeconds); ok {
			p.UtteranceAudio.Observe(sec)
		}
	case EventTranscribed, EventTranslated, EventSynthesized, EventDelivered:
		if ms, ok := floatField(ev.Fields, FieldDurationMS); ok {
			p.StageDuration.WithLabelValues(ev.Name).Observe(ms / 1000)
		}
		if ev.Name == EventDelivered {
			if n, ok := floatField(ev.Fields, FieldChunks); ok {
				p.ChunksDelivered.Add(n)
			}
		}
	case EventRelayAbandoned, EventListenerFailed:
		p.Abandoned.WithLabelValues(ev.Tags[TagReason]).Inc()
	case EventSessionCreated:
		p.ActiveSessions.Inc()
	case EventSessionDestroyed:
		p.ActiveSessions.Dec()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

func floatField(fields map[string]any, key string) (float64, bool) {
	switch v := fields[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
