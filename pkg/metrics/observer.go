package metrics

import (
	"maps"
	"time"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Emit records a timestamped event on obs; nil observers are ignored.
// The event holds copies of tags and fields, so callers may keep using them.
func Emit(obs Observer, name string, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   maps.Clone(tags),
		Fields: maps.Clone(fields),
	})
}
