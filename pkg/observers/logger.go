package observers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/harunnryd/juru/pkg/metrics"
)

// LoggerObserver mirrors every event into the debug log.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	if !o.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := make([]slog.Attr, 0, 2+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs, slog.String("event", ev.Name), slog.Time("time", ev.Time))
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), slog.LevelDebug, "metrics_event", attrs...)
}

// MultiObserver fans an event out to several observers in order.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	out := make([]metrics.Observer, 0, len(list))
	for _, obs := range list {
		if obs != nil {
			out = append(out, obs)
		}
	}
	return &MultiObserver{list: out}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		obs.RecordEvent(ev)
	}
}

// Flush flushes every member that supports it.
func (m *MultiObserver) Flush() error {
	var errs []error
	for _, obs := range m.list {
		if f, ok := obs.(metrics.Flusher); ok {
			if err := f.Flush(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
