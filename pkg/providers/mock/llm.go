package mock

import (
	"context"
	"strings"
	"time"

	"github.com/lectio-ai/lectio/pkg/conversation"
	"github.com/lectio-ai/lectio/pkg/llm"
)

type LLMConfig struct {
	// StreamChunks are delivered in order; when empty, ResponseText is
	// delivered as a single chunk.
	StreamChunks []string
	ResponseText string
	// ChunkDelay spaces out stream chunks so tests can cancel mid-stream.
	ChunkDelay time.Duration
	// Err, when set, fails both Generate and Stream immediately.
	Err error
}

// LLMAdapter is a scripted language model for tests.
type LLMAdapter struct {
	cfg LLMConfig
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" && len(cfg.StreamChunks) == 0 {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, messages []conversation.Message) (llm.Response, error) {
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	text := a.cfg.ResponseText
	if text == "" {
		text = strings.Join(a.cfg.StreamChunks, "")
	}
	return llm.Response{Text: text, FinishReason: "stop"}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, messages []conversation.Message) (<-chan string, error) {
	if a.cfg.Err != nil {
		return nil, a.cfg.Err
	}
	chunks := a.cfg.StreamChunks
	if len(chunks) == 0 {
		chunks = []string{a.cfg.ResponseText}
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for _, chunk := range chunks {
			if a.cfg.ChunkDelay > 0 {
				select {
				case <-time.After(a.cfg.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var _ llm.Adapter = (*LLMAdapter)(nil)
