package translate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/juru/pkg/errorsx"
	"github.com/harunnryd/juru/pkg/llm"
	"github.com/harunnryd/juru/pkg/providers/mock"
)

func TestTranslateBuildsPromptWithContext(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{ResponseText: `"مرحبا يا صديقي"`})
	tr := NewLLMTranslator(adapter, Options{})
	res, err := tr.Translate(context.Background(), Request{
		Text:    "hello my friend",
		Source:  "en",
		Target:  "ar",
		Context: "Omar (ar): كيف حالك",
		Speaker: "Alice",
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if res.Text != "مرحبا يا صديقي" {
		t.Fatalf("expected quotes stripped, got %q", res.Text)
	}
	reqs := adapter.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.Temperature != DefaultTemperature || req.MaxTokens != DefaultMaxTokens {
		t.Fatalf("unexpected params %+v", req)
	}
	system := req.Messages[0].Content
	for _, want := range []string{"from English to Arabic", "Omar (ar): كيف حالك", "spoken by Alice", "resolve pronouns", "Output only the translation"} {
		if !strings.Contains(system, want) {
			t.Fatalf("expected %q in prompt:\n%s", want, system)
		}
	}
	if req.Messages[1].Role != llm.RoleUser || req.Messages[1].Content != "hello my friend" {
		t.Fatalf("unexpected user message %+v", req.Messages[1])
	}
}

func TestTranslateSameLanguagePassesThrough(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{})
	tr := NewLLMTranslator(adapter, Options{})
	res, err := tr.Translate(context.Background(), Request{Text: " bonjour ", Source: "fr", Target: "fr"})
	if err != nil || res.Text != "bonjour" {
		t.Fatalf("expected passthrough, got %q %v", res.Text, err)
	}
	if len(adapter.Requests()) != 0 {
		t.Fatalf("passthrough should not call the model")
	}
}

func TestTranslateEmptyPromptContext(t *testing.T) {
	p := SystemPrompt(Request{Source: "ar", Target: "en"})
	if !strings.Contains(p, "No previous context.") {
		t.Fatalf("expected no-context sentinel:\n%s", p)
	}
}

func TestTranslateFailureCarriesReason(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{Err: errors.New("boom")})
	tr := NewLLMTranslator(adapter, Options{Retry: llm.RetryConfig{MaxAttempts: 2, Sleep: func(time.Duration) {}}})
	_, err := tr.Translate(context.Background(), Request{Text: "hi", Source: "en", Target: "ar"})
	if !errorsx.HasReason(err, errorsx.ReasonLLMGenerate) {
		t.Fatalf("expected llm reason, got %v", err)
	}
	if len(adapter.Requests()) != 2 {
		t.Fatalf("expected retry, got %d calls", len(adapter.Requests()))
	}
}

func TestTranslateEmptyOutput(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{ResponseText: `""`})
	tr := NewLLMTranslator(adapter, Options{})
	_, err := tr.Translate(context.Background(), Request{Text: "hi", Source: "en", Target: "ar"})
	if !errorsx.HasReason(err, errorsx.ReasonTranslate) {
		t.Fatalf("expected translate reason, got %v", err)
	}
}
