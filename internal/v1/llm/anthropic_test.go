package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/v1/types"
)

func TestAnthropic_InvokeSendsSingleUserTurn(t *testing.T) {
	var gotBody struct {
		Model    string `json:"model"`
		System   []any  `json:"system"`
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "msg_1",
			"type":    "message",
			"role":    "assistant",
			"model":   "claude-3-5-haiku-latest",
			"content": []map[string]any{{"type": "text", "text": "claude answer"}},
			"usage":   map[string]any{"input_tokens": 3, "output_tokens": 4},
		})
	}))
	defer srv.Close()

	a := &Anthropic{client: anthropic.NewClient(
		option.WithAPIKey("test-key"),
		option.WithBaseURL(srv.URL),
	)}

	agent := types.Agent{
		ID: "claude", Provider: "anthropic", Model: "claude-3-5-haiku-latest",
		Temperature: 0.7, MaxTokens: 400, SystemPrompt: "Be concise.",
	}
	res, err := a.Invoke(context.Background(), agent, "the prompt", []string{"turn one", "turn two"})
	require.NoError(t, err)
	assert.Equal(t, "claude answer", res.Content)
	assert.Equal(t, 7, res.TokensUsed)

	// History is folded into the prompt upstream; the request carries exactly
	// one user turn.
	require.Len(t, gotBody.Messages, 1)
	assert.Equal(t, "user", gotBody.Messages[0].Role)
	require.Len(t, gotBody.Messages[0].Content, 1)
	assert.Equal(t, "the prompt", gotBody.Messages[0].Content[0].Text)
	assert.Equal(t, "claude-3-5-haiku-latest", gotBody.Model)
	assert.NotEmpty(t, gotBody.System)
}
