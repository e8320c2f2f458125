package juru

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "juru.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("JURU_TEST_DG_KEY", "dg-secret")
	t.Setenv("JURU_TEST_ROOM", "standup")
	path := writeConfig(t, `
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${JURU_TEST_DG_KEY}
  tts:
    provider: mock
  llm:
    provider: mock
transports:
  provider: gateway
  settings:
    room_name: $JURU_TEST_ROOM
languages:
  supported: [en-US, ar]
  default: en
relay:
  undetected_language: skip
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Vendors.STT.Settings["api_key"] != "dg-secret" {
		t.Fatalf("expected expanded api key, got %v", cfg.Vendors.STT.Settings["api_key"])
	}
	if cfg.Transports.Settings["room_name"] != "standup" {
		t.Fatalf("expected expanded room, got %v", cfg.Transports.Settings["room_name"])
	}
	if !cfg.SupportedLanguages().Contains("en") || cfg.DefaultLanguage() != "en" {
		t.Fatalf("unexpected languages %v", cfg.SupportedLanguages().Codes())
	}
	if cfg.Relay.UndetectedLanguage != "skip" {
		t.Fatalf("expected skip policy, got %q", cfg.Relay.UndetectedLanguage)
	}
	if cfg.Context.Capacity != 5 || cfg.Context.SnapshotSize != 5 {
		t.Fatalf("unexpected context defaults %+v", cfg.Context)
	}
	if cfg.Delivery.ChunkSize != 48000 || cfg.ChunkDelay() != 10*time.Millisecond {
		t.Fatalf("unexpected delivery defaults %+v", cfg.Delivery)
	}
	if cfg.Voices()["ar"] != "TX3LPaxmHKxFdv7VOQHJ" {
		t.Fatalf("unexpected voices %v", cfg.Voices())
	}
	if cfg.Segment.MinBytes != 48000 || cfg.Segment.SilenceFrames != 75 {
		t.Fatalf("unexpected segment defaults %+v", cfg.Segment)
	}
	if !cfg.Privacy.RedactPII || !cfg.Relay.FollowActiveSpeaker {
		t.Fatalf("expected privacy and follow defaults on")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	path := writeConfig(t, `
vendors:
  stt:
    provider: mock
languages:
  supported: [en, ar]
  default: fr
  voices:
    de: abc
relay:
  undetected_language: guess
observability:
  sample_rate: 2
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{
		"transports.provider",
		"vendors.tts.provider",
		"vendors.llm.provider",
		"languages.default",
		"languages.voices.de",
		"relay.undetected_language",
		"observability.sample_rate",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.RelayTimeout() != time.Minute || cfg.DrainTimeout() != 20*time.Second {
		t.Fatalf("unexpected timeouts %v %v", cfg.RelayTimeout(), cfg.DrainTimeout())
	}
}
