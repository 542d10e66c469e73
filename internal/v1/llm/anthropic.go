package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/parleyhq/parley/internal/v1/types"
)

// Anthropic invokes the Messages API.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates an Anthropic provider with the given API key.
func NewAnthropic(apiKey string) *Anthropic {
	return &Anthropic{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (a *Anthropic) Name() string { return "anthropic" }

// Invoke sends a single user turn; prior turns are already folded into the
// prompt by the orchestrator, so history is not replayed as messages.
func (a *Anthropic) Invoke(ctx context.Context, agent types.Agent, prompt string, _ []string) (*Result, error) {
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(agent.Model),
		MaxTokens:   int64(agent.MaxTokens),
		Temperature: anthropic.Float(agent.Temperature),
		System: []anthropic.TextBlockParam{
			{Text: agent.SystemPrompt},
		},
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return &Result{
				Content:    block.Text,
				TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			}, nil
		}
	}
	return nil, errors.New("anthropic returned no text block")
}
