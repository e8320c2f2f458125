package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/harunnryd/juru/pkg/llm"
)

type LLMAdapter struct {
	cfg LLMConfig

	mu       sync.Mutex
	requests []llm.Context
}

type LLMConfig struct {
	// ResponseText is returned verbatim. When empty the adapter echoes the last
	// user message prefixed with Prefix.
	ResponseText string
	Prefix       string
	Err          error
	StreamChunks []string
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	a.mu.Lock()
	a.requests = append(a.requests, input)
	a.mu.Unlock()
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	text := a.cfg.ResponseText
	if text == "" {
		text = a.cfg.Prefix + lastUser(input.Messages)
	}
	words := len(strings.Fields(text))
	return llm.Response{
		Text:         text,
		Usage:        llm.Usage{CompletionTokens: words, TotalTokens: words},
		FinishReason: "stop",
	}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	if len(a.cfg.StreamChunks) == 0 {
		resp, err := a.Generate(ctx, input)
		if err != nil {
			return nil, err
		}
		out := make(chan string, 1)
		out <- resp.Text
		close(out)
		return out, nil
	}
	out := make(chan string, len(a.cfg.StreamChunks))
	for _, chunk := range a.cfg.StreamChunks {
		out <- chunk
	}
	close(out)
	return out, nil
}

// Requests returns the chat requests received so far.
func (a *LLMAdapter) Requests() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.requests...)
}

func lastUser(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
