package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley/internal/v1/types"
)

// ProviderConfig describes credentials for one language-model back-end.
type ProviderConfig struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Required bool   `yaml:"required"`
}

// DebateSettings are the orchestrator defaults applied when a start request
// leaves them unset.
type DebateSettings struct {
	MaxRounds   int `yaml:"max_rounds"`
	MaxDuration int `yaml:"max_duration"` // seconds
	TurnTimeout int `yaml:"turn_timeout"` // seconds
}

// AgentCatalog is the parsed agent configuration file.
type AgentCatalog struct {
	Agents         map[string]types.Agent    `yaml:"agents"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
	DebateSettings DebateSettings            `yaml:"debate_settings"`
}

// AgentSummary is the public shape reported by the /agents endpoint.
type AgentSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Available bool   `json:"available"`
}

// ${VAR} or ${VAR:-default}
var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default} references with values from
// the process environment.
func expandEnv(raw []byte) []byte {
	return envVarRe.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envVarRe.FindSubmatch(match)
		if val, ok := os.LookupEnv(string(groups[1])); ok {
			return []byte(val)
		}
		return groups[2] // default, possibly empty
	})
}

// LoadAgentCatalog reads the YAML agent catalog at path, expanding env
// references in string values. A missing file yields the built-in catalog of
// two mock agents so developer environments work with zero configuration.
func LoadAgentCatalog(path string) (*AgentCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Agent catalog not found, using built-in mock agents", "path", path)
			return defaultCatalog(), nil
		}
		return nil, fmt.Errorf("failed to read agent catalog: %w", err)
	}

	var catalog AgentCatalog
	if err := yaml.Unmarshal(expandEnv(raw), &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse agent catalog: %w", err)
	}

	if len(catalog.Agents) == 0 {
		slog.Warn("Agent catalog has no agents, using built-in mock agents", "path", path)
		def := defaultCatalog()
		catalog.Agents = def.Agents
	}

	for id, agent := range catalog.Agents {
		if agent.ID == "" {
			agent.ID = id
		}
		if agent.Temperature == 0 {
			agent.Temperature = 0.7
		}
		if agent.MaxTokens == 0 {
			agent.MaxTokens = 500
		}
		if agent.SystemPrompt == "" {
			agent.SystemPrompt = "You are a helpful AI assistant."
		}
		catalog.Agents[id] = agent
	}

	applyDebateDefaults(&catalog.DebateSettings)

	slog.Info("Agent catalog loaded", "path", path, "agents", len(catalog.Agents))
	return &catalog, nil
}

func applyDebateDefaults(s *DebateSettings) {
	if s.MaxRounds == 0 {
		s.MaxRounds = 6
	}
	if s.MaxDuration == 0 {
		s.MaxDuration = 90
	}
	if s.TurnTimeout == 0 {
		s.TurnTimeout = 15
	}
}

func defaultCatalog() *AgentCatalog {
	catalog := &AgentCatalog{
		Agents: map[string]types.Agent{
			"mock-a": {
				ID:           "mock-a",
				Name:         "Mock Agent A",
				Provider:     "mock",
				Model:        "mock",
				Temperature:  0.7,
				MaxTokens:    500,
				SystemPrompt: "You are Mock Agent A. Always respond with creative ideas.",
			},
			"mock-b": {
				ID:           "mock-b",
				Name:         "Mock Agent B",
				Provider:     "mock",
				Model:        "mock",
				Temperature:  0.7,
				MaxTokens:    500,
				SystemPrompt: "You are Mock Agent B. Always respond with analytical insights.",
			},
		},
	}
	applyDebateDefaults(&catalog.DebateSettings)
	return catalog
}

// Agent returns the agent with the given id, or false when unknown.
func (c *AgentCatalog) Agent(id string) (types.Agent, bool) {
	agent, ok := c.Agents[id]
	return agent, ok
}

// AvailableAgents lists every configured agent with its availability,
// ordered by id for stable API output.
func (c *AgentCatalog) AvailableAgents() []AgentSummary {
	summaries := make([]AgentSummary, 0, len(c.Agents))
	for _, agent := range c.Agents {
		summaries = append(summaries, AgentSummary{
			ID:        agent.ID,
			Name:      agent.Name,
			Provider:  agent.Provider,
			Model:     agent.Model,
			Available: c.agentAvailable(agent),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries
}

// agentAvailable reports whether the agent's provider has what it needs to
// be invoked. Mock is always available; others require credentials only when
// the provider entry marks them required.
func (c *AgentCatalog) agentAvailable(agent types.Agent) bool {
	if agent.Provider == "mock" {
		return true
	}

	provider, ok := c.Providers[agent.Provider]
	if !ok {
		return true
	}
	return !provider.Required || provider.APIKey != ""
}
