package provider

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/pkg/anthropic"
	"github.com/sells-group/prospect-cli/pkg/perplexity"
)

type mockPerplexity struct {
	mock.Mock
}

func (m *mockPerplexity) ChatCompletion(ctx context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*perplexity.ChatCompletionResponse), args.Error(1)
}

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func pplxAnswer(content string, tokens int) *perplexity.ChatCompletionResponse {
	return &perplexity.ChatCompletionResponse{
		ID:      "chat-1",
		Choices: []perplexity.Choice{{Message: perplexity.Message{Role: "assistant", Content: content}}},
		Usage:   perplexity.Usage{PromptTokens: tokens / 2, CompletionTokens: tokens - tokens/2},
	}
}

func claudeAnswer(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:      "msg-1",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 100},
	}
}

// fastDeps retries quickly so tests stay fast.
func fastDeps() Deps {
	return Deps{Retry: resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}}
}
