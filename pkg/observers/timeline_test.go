package observers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/juru/pkg/metrics"
	"github.com/harunnryd/juru/pkg/redact"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	redact.SetEnabled(true)
	defer redact.SetEnabled(false)

	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventTranscribed,
		Time: time.Now(),
		Tags: map[string]string{
			metrics.TagSpeaker:     "alice/1",
			metrics.TagUtteranceID: "u-1",
		},
		Fields: map[string]any{"transcript": "mail me at a@b.com"},
	})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTranscribed, Time: time.Now()})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "alice_1.timeline.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	var entry timelineEvent
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.UtteranceID != "u-1" || entry.Event != metrics.EventTranscribed {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if got := entry.Fields["transcript"]; got != "mail me at [REDACTED_EMAIL]" {
		t.Fatalf("expected redacted transcript, got %v", got)
	}
}

func TestUsageObserverWritesSummary(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)
	tags := map[string]string{metrics.TagSpeaker: "omar"}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventUtteranceEmitted, Tags: tags,
		Fields: map[string]any{metrics.FieldAudioSeconds: 1.5}})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTranslated, Tags: tags,
		Fields: map[string]any{metrics.FieldTokens: 40}})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSynthesized, Tags: tags,
		Fields: map[string]any{metrics.FieldChars: 12, metrics.FieldBytes: 3000}})

	stat, ok := obs.Snapshot("omar")
	if !ok || stat.Utterances != 1 || stat.STTAudioSec != 1.5 || stat.LLMTokenCount != 40 || stat.TTSBytes != 3000 {
		t.Fatalf("unexpected summary %+v", stat)
	}
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "omar.usage.json")); err != nil {
		t.Fatalf("expected usage file: %v", err)
	}
}

func TestLatencyObserverLogsOnCompletion(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	start := time.Now()
	tags := map[string]string{metrics.TagUtteranceID: "u-9", metrics.TagSpeaker: "alice"}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventUtteranceEmitted, Time: start, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTranscribed, Time: start.Add(300 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventDelivered, Time: start.Add(time.Second), Tags: tags})
	if obs.Pending() != 1 {
		t.Fatalf("expected pending trace")
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventRelayCompleted, Time: start.Add(time.Second), Tags: tags})
	if obs.Pending() != 0 {
		t.Fatalf("expected trace to be released")
	}
	out := buf.String()
	for _, want := range []string{"relay_latency", "stt_ms=300", "first_delivery_ms=1000", "listeners=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestPurgeArtifactsKeepsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	for _, name := range []string{"a.timeline.jsonl", "a.usage.json", "notes.txt"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	n, err := PurgeArtifacts(dir, time.Hour)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 removed, got %d %v", n, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("foreign file removed")
	}
	if n, err := PurgeArtifacts(filepath.Join(dir, "missing"), time.Hour); n != 0 || err != nil {
		t.Fatalf("missing dir should be a no-op")
	}
}
