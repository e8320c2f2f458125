package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

type countingObserver struct {
	n atomic.Int64
}

func (c *countingObserver) RecordEvent(MetricsEvent) { c.n.Add(1) }

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	inner := &countingObserver{}
	a := NewAsyncObserver(inner, 16)
	for i := 0; i < 10; i++ {
		a.RecordEvent(MetricsEvent{Name: EventDelivered})
	}
	a.Close()
	if got := inner.n.Load() + a.Dropped(); got != 10 {
		t.Fatalf("expected 10 delivered or dropped, got %d", got)
	}
	a.RecordEvent(MetricsEvent{Name: EventDelivered})
	a.Close()
}

func TestSamplingObserverAlwaysList(t *testing.T) {
	inner := NewMemoryObserver()
	s := NewSamplingObserver(inner, 0, EventRelayAbandoned)
	s.RecordEvent(MetricsEvent{Name: EventDelivered})
	s.RecordEvent(MetricsEvent{Name: EventRelayAbandoned})
	if len(inner.Events) != 1 || inner.Events[0].Name != EventRelayAbandoned {
		t.Fatalf("expected only the always-forwarded event, got %+v", inner.Events)
	}
}

func TestSamplingObserverRate(t *testing.T) {
	inner := NewMemoryObserver()
	s := NewSamplingObserver(inner, 0.25)
	for i := 0; i < 100; i++ {
		s.RecordEvent(MetricsEvent{Name: EventTranscribed})
	}
	if got := len(inner.Named(EventTranscribed)); got != 25 {
		t.Fatalf("expected 25 sampled events, got %d", got)
	}
}

func TestPrometheusObserverExposesSeries(t *testing.T) {
	p := NewPrometheusObserver()
	p.RecordEvent(MetricsEvent{
		Name:   EventDelivered,
		Tags:   map[string]string{TagComponent: "delivery"},
		Fields: map[string]any{FieldDurationMS: 120.0, FieldChunks: 3},
	})
	p.RecordEvent(MetricsEvent{
		Name: EventRelayAbandoned,
		Tags: map[string]string{TagComponent: "relay", TagReason: "no_transcript"},
	})
	p.RecordEvent(MetricsEvent{Name: EventSessionCreated})

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`juru_chunks_delivered_total 3`,
		`juru_relay_abandoned_total{reason="no_transcript"} 1`,
		`juru_listener_sessions 1`,
		`juru_events_total{component="delivery",name="delivered"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, text)
		}
	}
}

func TestEmitNilObserver(t *testing.T) {
	Emit(nil, EventDelivered, nil, nil)
	mem := NewMemoryObserver()
	Emit(mem, EventDelivered, map[string]string{TagListener: "bob"}, nil)
	if len(mem.Named(EventDelivered)) != 1 {
		t.Fatalf("expected one event")
	}
}

func TestEmitCopiesTagsAndFields(t *testing.T) {
	mem := NewMemoryObserver()
	tags := map[string]string{TagSpeaker: "alice"}
	fields := map[string]any{FieldBytes: 10}
	Emit(mem, EventUtteranceEmitted, tags, fields)
	tags[TagLanguage] = "en"
	fields[FieldBytes] = 20

	ev := mem.Named(EventUtteranceEmitted)[0]
	if _, ok := ev.Tags[TagLanguage]; ok || len(ev.Tags) != 1 {
		t.Fatalf("recorded tags changed after emit: %v", ev.Tags)
	}
	if ev.Fields[FieldBytes] != 10 {
		t.Fatalf("recorded fields changed after emit: %v", ev.Fields)
	}
}
