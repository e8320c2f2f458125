// Package translate turns a transcript into another language with the recent
// conversation as context.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/juru/pkg/errorsx"
	"github.com/harunnryd/juru/pkg/llm"
	"github.com/harunnryd/juru/pkg/logging"
)

const (
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 1000
)

// Request is one translation of a single utterance.
type Request struct {
	Text    string
	Source  string
	Target  string
	Context string
	Speaker string
}

// Result carries the translated text and the tokens it cost.
type Result struct {
	Text   string
	Tokens int
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

type Options struct {
	Temperature float64
	MaxTokens   int
	Retry       llm.RetryConfig
	Logger      *slog.Logger
}

// LLMTranslator prompts a chat model to translate with pronoun and tone
// continuity from the conversation snapshot.
type LLMTranslator struct {
	adapter llm.LLMAdapter
	opts    Options
	logger  *slog.Logger
}

func NewLLMTranslator(adapter llm.LLMAdapter, opts Options) *LLMTranslator {
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 2
	}
	return &LLMTranslator{
		adapter: adapter,
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "translator"),
	}
}

func (t *LLMTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Result{}, errorsx.Wrap(errors.New("nothing to translate"), errorsx.ReasonTranslate)
	}
	if req.Source != "" && req.Source == req.Target {
		return Result{Text: text}, nil
	}

	input := llm.Context{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: SystemPrompt(req)},
			{Role: llm.RoleUser, Content: text},
		},
		Temperature: t.opts.Temperature,
		MaxTokens:   t.opts.MaxTokens,
	}
	start := time.Now()
	resp, err := llm.Retry(ctx, t.opts.Retry, func(ctx context.Context) (llm.Response, error) {
		return t.adapter.Generate(ctx, input)
	})
	if err != nil {
		if errorsx.Reason(err) == errorsx.ReasonUnknown {
			err = errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
		}
		return Result{}, err
	}
	out := cleanOutput(resp.Text)
	if out == "" {
		return Result{}, errorsx.Errorf(errorsx.ReasonTranslate, "%s returned an empty translation", t.adapter.Name())
	}
	t.logger.Debug("translation_generated",
		slog.String("source", req.Source),
		slog.String("target", req.Target),
		slog.Int("tokens", resp.Usage.TotalTokens),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()))
	return Result{Text: out, Tokens: resp.Usage.TotalTokens}, nil
}

// SystemPrompt renders the instructions sent ahead of the utterance.
func SystemPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a real-time interpreter in a multilingual conversation. Translate the next message from %s to %s.\n",
		LanguageName(req.Source), LanguageName(req.Target))
	if req.Speaker != "" {
		fmt.Fprintf(&b, "The message was spoken by %s.\n", req.Speaker)
	}
	b.WriteString("\nRecent conversation:\n")
	if strings.TrimSpace(req.Context) == "" {
		b.WriteString("No previous context.\n")
	} else {
		b.WriteString(strings.TrimSpace(req.Context))
		b.WriteString("\n")
	}
	b.WriteString(`
Rules:
- Use the recent conversation to resolve pronouns and references.
- Preserve the speaker's tone and register.
- Output only the translation, without quotes, notes or explanations.
- If the message is already in the target language, return it unchanged.
`)
	return b.String()
}

var languageNames = map[string]string{
	"en": "English",
	"ar": "Arabic",
	"fr": "French",
	"es": "Spanish",
	"de": "German",
	"tr": "Turkish",
	"ur": "Urdu",
	"id": "Indonesian",
}

// LanguageName maps a code to its English name, falling back to the code.
func LanguageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	if code == "" {
		return "the detected language"
	}
	return code
}

// cleanOutput strips wrapping quotes some models add despite instructions.
func cleanOutput(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range [][2]string{{`"`, `"`}, {"“", "”"}, {"«", "»"}} {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			s = strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
		}
	}
	return s
}
