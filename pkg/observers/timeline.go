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
	"github.com/harunnryd/juru/pkg/redact"
)

// TimelineObserver appends every utterance event to a per-speaker JSONL file.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

// NewTimelineObserver creates a new timeline observer writing to dir.
func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

// RecordEvent implements metrics.Observer.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	speaker := ev.Tags[metrics.TagSpeaker]
	if speaker == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	entry := timelineEvent{
		Time:        ev.Time.UTC(),
		Event:       ev.Name,
		UtteranceID: ev.Tags[metrics.TagUtteranceID],
		Listener:    ev.Tags[metrics.TagListener],
		Tags:        copyTags(ev.Tags, metrics.TagSpeaker, metrics.TagUtteranceID, metrics.TagListener),
		Fields:      sanitizeFields(ev.Fields),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.fileForLocked(speaker)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

// Flush syncs open files to disk.
func (o *TimelineObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		err = errors.Join(err, f.Sync())
	}
	return err
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

type timelineEvent struct {
	Time        time.Time         `json:"time"`
	Event       string            `json:"event"`
	UtteranceID string            `json:"utterance_id,omitempty"`
	Listener    string            `json:"listener,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Fields      map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) fileForLocked(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(o.dir, safe+".timeline.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func copyTags(in map[string]string, skip ...string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	for _, k := range skip {
		delete(out, k)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// sanitizeFields redacts free text such as transcripts and translations.
func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = redact.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
