package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalogYAML = `
agents:
  philosopher:
    name: "The Philosopher"
    provider: openai
    model: gpt-4o-mini
    temperature: 0.9
    max_tokens: 400
    system_prompt: "You argue from first principles."
  pragmatist:
    name: "The Pragmatist"
    provider: mock
    model: mock

providers:
  openai:
    api_key: ${TEST_OPENAI_KEY:-}
    required: true
  ollama:
    base_url: ${TEST_OLLAMA_URL:-http://localhost:11434}
    required: false

debate_settings:
  max_rounds: 4
  max_duration: 60
`

func writeTestCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAgentCatalog(t *testing.T) {
	catalog, err := LoadAgentCatalog(writeTestCatalog(t, testCatalogYAML))
	require.NoError(t, err)

	phil, ok := catalog.Agent("philosopher")
	require.True(t, ok)
	assert.Equal(t, "philosopher", phil.ID) // id filled from the map key
	assert.Equal(t, "The Philosopher", phil.Name)
	assert.Equal(t, "openai", phil.Provider)
	assert.Equal(t, 0.9, phil.Temperature)
	assert.Equal(t, 400, phil.MaxTokens)

	assert.Equal(t, 4, catalog.DebateSettings.MaxRounds)
	assert.Equal(t, 60, catalog.DebateSettings.MaxDuration)
	assert.Equal(t, 15, catalog.DebateSettings.TurnTimeout) // default applied
}

func TestLoadAgentCatalog_AgentDefaults(t *testing.T) {
	catalog, err := LoadAgentCatalog(writeTestCatalog(t, testCatalogYAML))
	require.NoError(t, err)

	prag, ok := catalog.Agent("pragmatist")
	require.True(t, ok)
	assert.Equal(t, 0.7, prag.Temperature)
	assert.Equal(t, 500, prag.MaxTokens)
	assert.Equal(t, "You are a helpful AI assistant.", prag.SystemPrompt)
}

func TestLoadAgentCatalog_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")

	catalog, err := LoadAgentCatalog(writeTestCatalog(t, testCatalogYAML))
	require.NoError(t, err)

	assert.Equal(t, "sk-from-env", catalog.Providers["openai"].APIKey)
	assert.Equal(t, "http://localhost:11434", catalog.Providers["ollama"].BaseURL)
}

func TestLoadAgentCatalog_EnvExpansionDefault(t *testing.T) {
	t.Setenv("TEST_OLLAMA_URL", "http://ollama.internal:11434")

	catalog, err := LoadAgentCatalog(writeTestCatalog(t, testCatalogYAML))
	require.NoError(t, err)

	assert.Equal(t, "", catalog.Providers["openai"].APIKey)
	assert.Equal(t, "http://ollama.internal:11434", catalog.Providers["ollama"].BaseURL)
}

func TestLoadAgentCatalog_MissingFileFallsBackToMocks(t *testing.T) {
	catalog, err := LoadAgentCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	_, okA := catalog.Agent("mock-a")
	_, okB := catalog.Agent("mock-b")
	assert.True(t, okA)
	assert.True(t, okB)
	assert.Equal(t, 6, catalog.DebateSettings.MaxRounds)
	assert.Equal(t, 90, catalog.DebateSettings.MaxDuration)
}

func TestLoadAgentCatalog_MalformedYAML(t *testing.T) {
	_, err := LoadAgentCatalog(writeTestCatalog(t, "agents: [not: a: map"))
	assert.ErrorContains(t, err, "failed to parse agent catalog")
}

func TestAvailableAgents(t *testing.T) {
	catalog, err := LoadAgentCatalog(writeTestCatalog(t, testCatalogYAML))
	require.NoError(t, err)

	summaries := catalog.AvailableAgents()
	require.Len(t, summaries, 2)

	// Sorted by id for stable API output.
	assert.Equal(t, "philosopher", summaries[0].ID)
	assert.Equal(t, "pragmatist", summaries[1].ID)

	// openai requires a key and none is set; mock is always available.
	assert.False(t, summaries[0].Available)
	assert.True(t, summaries[1].Available)
}

func TestAvailableAgents_WithCredentials(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")

	catalog, err := LoadAgentCatalog(writeTestCatalog(t, testCatalogYAML))
	require.NoError(t, err)

	for _, s := range catalog.AvailableAgents() {
		assert.True(t, s.Available, s.ID)
	}
}
