package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/v1/types"
)

// Ollama invokes a local Ollama daemon's generate API.
type Ollama struct {
	baseURL string
	client  *http.Client
}

// NewOllama creates an Ollama provider against the given base URL, e.g.
// "http://localhost:11434".
func NewOllama(baseURL string) *Ollama {
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (o *Ollama) Name() string { return "ollama" }

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Options map[string]any `json:"options,omitempty"`
	Stream  bool           `json:"stream"`
}

type ollamaResponse struct {
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count"`
	Error     string `json:"error"`
}

func (o *Ollama) Invoke(ctx context.Context, agent types.Agent, prompt string, history []string) (*Result, error) {
	var sb strings.Builder
	for _, turn := range contextTail(history, maxContextTurns) {
		fmt.Fprintf(&sb, "Previous: %s\n", turn)
	}
	sb.WriteString(prompt)

	body, err := json.Marshal(ollamaRequest{
		Model:  agent.Model,
		Prompt: sb.String(),
		System: agent.SystemPrompt,
		Options: map[string]any{
			"temperature": agent.Temperature,
			"num_predict": agent.MaxTokens,
		},
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read ollama response: %w", err)
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != "" {
		return nil, fmt.Errorf("ollama error (%d): %s", resp.StatusCode, parsed.Error)
	}

	return &Result{
		Content:    parsed.Response,
		TokensUsed: parsed.EvalCount,
	}, nil
}
