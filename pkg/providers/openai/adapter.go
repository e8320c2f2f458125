package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/juru/pkg/llm"
	"github.com/harunnryd/juru/pkg/resilience"
)

const (
	DefaultBaseURL    = "https://api.openai.com/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// Adapter speaks the chat completions protocol shared by OpenAI and
// OpenRouter.
type Adapter struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
	// Provider names the vendor in errors and metrics.
	Provider string
	// Referer and Title are sent as OpenRouter attribution headers when set.
	Referer string
	Title   string
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:   apiKey,
		Model:    model,
		BaseURL:  DefaultBaseURL,
		Client:   &http.Client{Timeout: 60 * time.Second},
		Provider: "openai",
	}
}

// NewOpenRouterAdapter points the adapter at OpenRouter.
func NewOpenRouterAdapter(apiKey, model, referer, title string) *Adapter {
	a := NewAdapter(apiKey, model)
	a.BaseURL = OpenRouterBaseURL
	a.Provider = "openrouter"
	a.Referer = referer
	a.Title = title
	return a
}

func (a *Adapter) Name() string {
	if a.Provider == "" {
		return "openai"
	}
	return a.Provider
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	resp, err := a.do(ctx, input, false)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()
	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, err
	}
	return fromProvider(payload)
}

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	resp, err := a.do(ctx, input, true)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 128)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				select {
				case <-ctx.Done():
					return
				case out <- text:
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) do(ctx context.Context, input llm.Context, stream bool) (*http.Response, error) {
	body, err := a.buildRequest(input, stream)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.BaseURL, "/")+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, resilience.FromStatus(a.Name(), resp.StatusCode, string(b))
	}
	return resp, nil
}

func (a *Adapter) buildRequest(input llm.Context, stream bool) (*bytes.Buffer, error) {
	req := chatRequest{
		Model:     a.Model,
		Messages:  input.Messages,
		Stream:    stream,
		MaxTokens: input.MaxTokens,
	}
	if input.Temperature > 0 {
		t := input.Temperature
		req.Temperature = &t
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	if a.Referer != "" {
		req.Header.Set("HTTP-Referer", a.Referer)
	}
	if a.Title != "" {
		req.Header.Set("X-Title", a.Title)
	}
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

func fromProvider(payload chatResponse) (llm.Response, error) {
	if payload.Error != nil {
		return llm.Response{}, errors.New(payload.Error.Message)
	}
	if len(payload.Choices) == 0 {
		return llm.Response{}, errors.New("no choices")
	}
	first := payload.Choices[0]
	resp := llm.Response{
		Text:         strings.TrimSpace(first.Message.Content),
		FinishReason: first.FinishReason,
	}
	if payload.Usage != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     payload.Usage.PromptTokens,
			CompletionTokens: payload.Usage.CompletionTokens,
			TotalTokens:      payload.Usage.TotalTokens,
		}
	}
	return resp, nil
}

var _ llm.LLMAdapter = (*Adapter)(nil)
