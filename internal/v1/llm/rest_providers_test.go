package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/v1/types"
)

func TestOllama_Invoke(t *testing.T) {
	var gotReq ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(ollamaResponse{
			Response:  "local model says hi",
			EvalCount: 12,
		})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL)
	agent := types.Agent{
		ID: "llama", Provider: "ollama", Model: "llama3.1",
		Temperature: 0.5, MaxTokens: 200, SystemPrompt: "Be brief.",
	}

	res, err := o.Invoke(context.Background(), agent, "the prompt", []string{"earlier turn"})
	require.NoError(t, err)
	assert.Equal(t, "local model says hi", res.Content)
	assert.Equal(t, 12, res.TokensUsed)

	assert.Equal(t, "llama3.1", gotReq.Model)
	assert.Equal(t, "Be brief.", gotReq.System)
	assert.False(t, gotReq.Stream)
	assert.Contains(t, gotReq.Prompt, "earlier turn")
	assert.Contains(t, gotReq.Prompt, "the prompt")
	assert.Equal(t, 0.5, gotReq.Options["temperature"])
}

func TestOllama_InvokeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(ollamaResponse{Error: "model not found"})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL)
	_, err := o.Invoke(context.Background(), types.Agent{Model: "ghost"}, "p", nil)
	assert.ErrorContains(t, err, "model not found")
}

func TestGemini_Invoke(t *testing.T) {
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/models/gemini-1.5-flash:generateContent")
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "gemini answer"}}}},
			},
		})
	}))
	defer srv.Close()

	g := NewGemini("test-key")
	g.baseURL = srv.URL

	agent := types.Agent{
		ID: "gem", Provider: "gemini", Model: "gemini-1.5-flash",
		Temperature: 0.8, MaxTokens: 300, SystemPrompt: "Be fair.",
	}
	res, err := g.Invoke(context.Background(), agent, "the prompt", []string{"turn one"})
	require.NoError(t, err)
	assert.Equal(t, "gemini answer", res.Content)

	require.Len(t, gotBody.Contents, 1)
	text := gotBody.Contents[0].Parts[0].Text
	assert.Contains(t, text, "System: Be fair.")
	assert.Contains(t, text, "Previous: turn one")
	assert.Contains(t, text, "User: the prompt")
}

func TestGemini_InvokeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "invalid model"},
		})
	}))
	defer srv.Close()

	g := NewGemini("test-key")
	g.baseURL = srv.URL

	_, err := g.Invoke(context.Background(), types.Agent{Model: "ghost"}, "p", nil)
	assert.ErrorContains(t, err, "invalid model")
}

func TestGemini_InvokeNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
	}))
	defer srv.Close()

	g := NewGemini("test-key")
	g.baseURL = srv.URL

	_, err := g.Invoke(context.Background(), types.Agent{Model: "m"}, "p", nil)
	assert.ErrorContains(t, err, "no candidates")
}
