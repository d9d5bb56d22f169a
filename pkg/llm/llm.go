package llm

import (
	"context"

	"github.com/lectio-ai/lectio/pkg/conversation"
)

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// Adapter is the contract every language-model vendor implements. Stream is
// the path the conversation engine uses; Generate exists for one-shot calls
// such as health checks and offline tooling.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, messages []conversation.Message) (Response, error)
	Stream(ctx context.Context, messages []conversation.Message) (<-chan string, error)
}
