package llm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/v1/types"
)

func mockAgent() types.Agent {
	return types.Agent{
		ID: "mock-a", Name: "Mock Agent A", Provider: "mock", Model: "mock",
		Temperature: 0.7, MaxTokens: 500, SystemPrompt: "You are a test agent.",
	}
}

func TestMock_Deterministic(t *testing.T) {
	m := NewMockWithLatency(0)
	ctx := context.Background()

	first, err := m.Invoke(ctx, mockAgent(), "Tabs or spaces", nil)
	require.NoError(t, err)
	second, err := m.Invoke(ctx, mockAgent(), "Tabs or spaces", nil)
	require.NoError(t, err)

	// Same prompt always selects the same template.
	assert.Equal(t, first.Content, second.Content)
}

func TestMock_TemplateSelectionByPromptLength(t *testing.T) {
	m := NewMockWithLatency(0)
	ctx := context.Background()

	seen := map[string]bool{}
	for _, prompt := range []string{"a", "ab", "abc", "abcd", "abcde"} {
		res, err := m.Invoke(ctx, mockAgent(), prompt, nil)
		require.NoError(t, err)
		seen[res.Content] = true
	}
	// Five prompt lengths cover all five templates.
	assert.Len(t, seen, len(mockTemplates))
}

func TestMock_TokensAreWordCount(t *testing.T) {
	m := NewMockWithLatency(0)

	res, err := m.Invoke(context.Background(), mockAgent(), "topic", nil)
	require.NoError(t, err)
	assert.Equal(t, len(strings.Fields(res.Content)), res.TokensUsed)
}

func TestMock_HonorsContextCancellation(t *testing.T) {
	m := NewMockWithLatency(10 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Invoke(ctx, mockAgent(), "topic", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMock_SimulatedLatency(t *testing.T) {
	m := NewMockWithLatency(30 * time.Millisecond)

	start := time.Now()
	_, err := m.Invoke(context.Background(), mockAgent(), "topic", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
