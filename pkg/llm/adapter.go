package llm

import "context"

// Roles used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Context is one chat completion request.
type Context struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

type LLMAdapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Stream(ctx context.Context, input Context) (<-chan string, error)
	Name() string
}
