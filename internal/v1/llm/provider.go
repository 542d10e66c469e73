// Package llm abstracts language-model back-ends behind a single Provider
// interface so the debate loop is provider-agnostic.
package llm

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/types"
)

// Result is one completed model invocation.
type Result struct {
	Content    string
	TokensUsed int
}

// Provider generates one turn of agent output. Implementations must honor ctx
// cancellation and deadlines.
type Provider interface {
	// Name returns the provider identifier used in agent configs.
	Name() string
	// Invoke generates a response to prompt. history carries the most recent
	// prior turns of the conversation, oldest first.
	Invoke(ctx context.Context, agent types.Agent, prompt string, history []string) (*Result, error)
}

// Registry maps provider names to implementations. Agents referencing a
// provider that was never registered fall back to mock, so a debate always
// produces turns even without credentials.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  Provider
}

// NewRegistry creates a registry with the mock provider pre-registered as the
// fallback.
func NewRegistry() *Registry {
	mock := NewMock()
	return &Registry{
		providers: map[string]Provider{mock.Name(): mock},
		fallback:  mock,
	}
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider with the given name, falling back to mock when the
// name is unknown.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[name]; ok {
		return p
	}
	return r.fallback
}

// Available lists registered provider names, sorted for stable API output.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke resolves the agent's provider and runs one turn, recording call
// latency and token usage.
func (r *Registry) Invoke(ctx context.Context, agent types.Agent, prompt string, history []string) (*Result, error) {
	provider := r.Get(agent.Provider)
	if provider.Name() != agent.Provider {
		logging.Warn(ctx, "Unknown provider, falling back to mock",
			zap.String("provider", agent.Provider),
			zap.String("agent_id", agent.ID))
	}

	start := time.Now()
	res, err := provider.Invoke(ctx, agent, prompt, history)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ProviderCallDuration.WithLabelValues(provider.Name(), status).Observe(elapsed.Seconds())
	if err != nil {
		return nil, err
	}
	if res.TokensUsed > 0 {
		metrics.ProviderTokens.WithLabelValues(provider.Name()).Add(float64(res.TokensUsed))
	}
	return res, nil
}

// contextTail returns at most n trailing entries of history.
func contextTail(history []string, n int) []string {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// maxContextTurns bounds how much prior conversation is replayed to a
// provider on each turn.
const maxContextTurns = 4
