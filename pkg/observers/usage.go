package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/juru/pkg/metrics"
)

// UsageSummary totals vendor consumption attributed to one speaker.
type UsageSummary struct {
	Speaker       string  `json:"speaker"`
	Utterances    int     `json:"utterances"`
	STTAudioSec   float64 `json:"stt_audio_seconds"`
	LLMTokenCount int     `json:"llm_tokens"`
	TTSChars      int     `json:"tts_characters"`
	TTSBytes      int     `json:"tts_bytes"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

// UsageObserver accumulates per-speaker usage and writes it on Close.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	speaker := ev.Tags[metrics.TagSpeaker]
	if speaker == "" {
		return
	}
	switch ev.Name {
	case metrics.EventUtteranceEmitted, metrics.EventTranslated, metrics.EventSynthesized:
	default:
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[speaker]
	if stat == nil {
		stat = &UsageSummary{Speaker: speaker}
		o.stats[speaker] = stat
	}
	switch ev.Name {
	case metrics.EventUtteranceEmitted:
		stat.Utterances++
		if sec, ok := ev.Fields[metrics.FieldAudioSeconds].(float64); ok {
			stat.STTAudioSec += sec
		}
	case metrics.EventTranslated:
		if n, ok := ev.Fields[metrics.FieldTokens].(int); ok {
			stat.LLMTokenCount += n
		}
	case metrics.EventSynthesized:
		if n, ok := ev.Fields[metrics.FieldChars].(int); ok {
			stat.TTSChars += n
		}
		if n, ok := ev.Fields[metrics.FieldBytes].(int); ok {
			stat.TTSBytes += n
		}
	}
}

// Snapshot returns a copy of the summary for speaker.
func (o *UsageObserver) Snapshot(speaker string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat, ok := o.stats[speaker]
	if !ok {
		return UsageSummary{}, false
	}
	return *stat, true
}

// Close writes one <speaker>.usage.json file per speaker.
func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.stats) == 0 {
		return nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	now := time.Now().UTC().Format(time.RFC3339)
	for id, stat := range o.stats {
		stat.RecordedAtUTC = now
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+".usage.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

var _ metrics.Observer = (*UsageObserver)(nil)
