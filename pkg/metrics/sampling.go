package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards roughly rate of events to inner. Events named in
// always bypass sampling.
type SamplingObserver struct {
	inner       Observer
	rate        float64
	sampleEvery uint64
	counter     atomic.Uint64
	always      map[string]struct{}
}

func NewSamplingObserver(inner Observer, rate float64, always ...string) *SamplingObserver {
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	var every uint64
	switch {
	case rate == 0:
		every = 0
	case rate == 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	set := make(map[string]struct{}, len(always))
	for _, name := range always {
		set[name] = struct{}{}
	}
	return &SamplingObserver{inner: inner, rate: rate, sampleEvery: every, always: set}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, ok := s.always[ev.Name]; ok {
		s.inner.RecordEvent(ev)
		return
	}
	if s.rate == 0 {
		return
	}
	if s.sampleEvery <= 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.counter.Add(1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
