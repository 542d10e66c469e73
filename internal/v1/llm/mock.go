package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/v1/types"
)

// mockLatency simulates model inference time so debates pace realistically in
// development.
const mockLatency = time.Second

var mockTemplates = []string{
	"That's an interesting point about %s. I believe we should consider multiple perspectives here.",
	"Building on the discussion of %s, the evidence suggests a more nuanced view is warranted.",
	"I respectfully disagree regarding %s. The practical implications tell a different story.",
	"When it comes to %s, history has shown that careful analysis beats quick conclusions.",
	"The question of %s deserves deeper scrutiny. Let me offer a counterpoint.",
}

// Mock is a deterministic offline provider. It selects a canned template from
// the prompt length, so tests can predict output without network access.
type Mock struct {
	latency time.Duration
}

// NewMock creates the mock provider with the default simulated latency.
func NewMock() *Mock {
	return &Mock{latency: mockLatency}
}

// NewMockWithLatency creates a mock provider with a custom simulated latency.
func NewMockWithLatency(latency time.Duration) *Mock {
	return &Mock{latency: latency}
}

func (m *Mock) Name() string { return "mock" }

// Invoke returns a canned response after the simulated latency, or the ctx
// error if the deadline fires first.
func (m *Mock) Invoke(ctx context.Context, agent types.Agent, prompt string, history []string) (*Result, error) {
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	topic := prompt
	if idx := strings.IndexAny(topic, ".!?\n"); idx > 0 {
		topic = topic[:idx]
	}
	if len(topic) > 60 {
		topic = topic[:60]
	}

	content := fmt.Sprintf(mockTemplates[len(prompt)%len(mockTemplates)], strings.TrimSpace(topic))
	return &Result{
		Content:    content,
		TokensUsed: len(strings.Fields(content)),
	}, nil
}
