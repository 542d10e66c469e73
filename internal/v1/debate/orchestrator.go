// Package debate runs turn-based debates between two configured agents,
// injecting each turn into the room fabric as a first-class message.
package debate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/config"
	"github.com/parleyhq/parley/internal/v1/llm"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/types"
)

// Termination reasons stamped on the final system frame.
const (
	ReasonManual      = "manual"
	ReasonMaxRounds   = "max_rounds"
	ReasonMaxDuration = "max_duration"
	ReasonTurnTimeout = "turn_timeout"
	ReasonError       = "error"
)

// turnDelay paces the loop between successful turns.
const turnDelay = 2 * time.Second

// Invoker runs one model turn. Satisfied by llm.Registry; tests substitute
// fakes to control turn timing.
type Invoker interface {
	Invoke(ctx context.Context, agent types.Agent, prompt string, history []string) (*llm.Result, error)
}

// session is the in-memory state machine of one running debate, owned by the
// instance that started it.
type session struct {
	id          string
	room        string
	topic       string
	agentA      types.Agent
	agentB      types.Agent
	maxRounds   int
	maxDuration time.Duration
	startedAt   time.Time

	currentRound atomic.Int32
	cancel       context.CancelFunc

	// context carries prior agent responses, oldest first. Only the turn
	// loop goroutine touches it.
	context []string
}

// Snapshot is the public view of a running debate.
type Snapshot struct {
	DebateID        string `json:"debate_id"`
	RoomID          string `json:"room_id"`
	Topic           string `json:"topic"`
	AgentA          string `json:"agent_a"`
	AgentB          string `json:"agent_b"`
	CurrentRound    int    `json:"current_round"`
	MaxRounds       int    `json:"max_rounds"`
	StartedAt       string `json:"started_at"`
	DurationSeconds int    `json:"duration_seconds"`
}

// Stats aggregates orchestrator counters for the status endpoint.
type Stats struct {
	TotalDebates         int                `json:"total_debates"`
	CompletedDebates     int                `json:"completed_debates"`
	TotalTokens          int                `json:"total_tokens"`
	ErrorsByProvider     map[string]int     `json:"errors_by_provider"`
	AvgLatencyByProvider map[string]float64 `json:"avg_latency_by_provider"`
	ActiveDebates        int                `json:"active_debates_count"`
}

// Orchestrator owns the active-debate map and drives every debate's turn
// loop. One debate per room at a time; a second start is rejected while the
// first is running.
type Orchestrator struct {
	fabric   types.RoomFabric
	invoker  Invoker
	catalog  *config.AgentCatalog
	settings config.DebateSettings

	turnTimeout time.Duration
	turnDelay   time.Duration

	mu      sync.Mutex
	active  map[string]*session
	byRoom  map[string]string
	wg      sync.WaitGroup
	closed  bool
	stats   statsCounters
}

type statsCounters struct {
	totalDebates     int
	completedDebates int
	totalTokens      int
	errorsByProvider map[string]int
	latencies        map[string][]float64
}

// NewOrchestrator creates an orchestrator over the given fabric, model
// invoker, and agent catalog.
func NewOrchestrator(fabric types.RoomFabric, invoker Invoker, catalog *config.AgentCatalog) *Orchestrator {
	return &Orchestrator{
		fabric:      fabric,
		invoker:     invoker,
		catalog:     catalog,
		settings:    catalog.DebateSettings,
		turnTimeout: time.Duration(catalog.DebateSettings.TurnTimeout) * time.Second,
		turnDelay:   turnDelay,
		active:      make(map[string]*session),
		byRoom:      make(map[string]string),
		stats: statsCounters{
			errorsByProvider: make(map[string]int),
			latencies:        make(map[string][]float64),
		},
	}
}

// SetTurnTiming overrides the per-turn timeout and inter-turn delay. Intended
// for tests that need fast loops or forced timeouts.
func (o *Orchestrator) SetTurnTiming(timeout, delay time.Duration) {
	o.turnTimeout = timeout
	o.turnDelay = delay
}

// Start validates the request, announces the debate to the room, and launches
// the turn loop. Returns the new debate id.
func (o *Orchestrator) Start(ctx context.Context, room string, cfg types.DebateConfig) (string, error) {
	if room == "" {
		return "", errors.New("room is required")
	}
	if cfg.Topic == "" {
		return "", errors.New("topic is required")
	}

	agentA, ok := o.catalog.Agent(cfg.AgentAID)
	if !ok {
		return "", fmt.Errorf("unknown agent: %s", cfg.AgentAID)
	}
	agentB, ok := o.catalog.Agent(cfg.AgentBID)
	if !ok {
		return "", fmt.Errorf("unknown agent: %s", cfg.AgentBID)
	}

	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = o.settings.MaxRounds
	}
	maxDuration := time.Duration(cfg.MaxDuration) * time.Second
	if maxDuration <= 0 {
		maxDuration = time.Duration(o.settings.MaxDuration) * time.Second
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d := &session{
		id:          uuid.New().String(),
		room:        room,
		topic:       cfg.Topic,
		agentA:      agentA,
		agentB:      agentB,
		maxRounds:   maxRounds,
		maxDuration: maxDuration,
		startedAt:   time.Now(),
		cancel:      cancel,
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return "", errors.New("orchestrator is shutting down")
	}
	if existing, busy := o.byRoom[room]; busy {
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("room already has a running debate: %s", existing)
	}
	o.active[d.id] = d
	o.byRoom[room] = d.id
	o.stats.totalDebates++
	o.wg.Add(1)
	o.mu.Unlock()

	metrics.DebatesStarted.Inc()
	metrics.ActiveDebates.Inc()

	start := &types.Message{
		Type:    types.TypeSystem,
		Room:    room,
		User:    types.SystemUser(),
		Content: fmt.Sprintf("Debate started: %s vs %s", agentA.Name, agentB.Name),
		TS:      time.Now().UnixMilli(),
		Meta: map[string]any{
			"action":       types.ActionDebateStarted,
			"debate_id":    d.id,
			"topic":        cfg.Topic,
			"agent_a":      cfg.AgentAID,
			"agent_b":      cfg.AgentBID,
			"max_rounds":   maxRounds,
			"max_duration": maxDuration.Milliseconds(),
		},
	}
	o.fabric.Broadcast(ctx, room, start)
	o.fabric.AppendHistory(ctx, room, start)

	logging.Info(ctx, "Debate started",
		zap.String("debate_id", d.id),
		zap.String("room", room),
		zap.String("agent_a", cfg.AgentAID),
		zap.String("agent_b", cfg.AgentBID))

	go func() {
		defer o.wg.Done()
		o.runDebate(runCtx, d)
	}()
	return d.id, nil
}

// Stop force-terminates the debate with reason "manual". A stop for an
// unknown or already-terminated id is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, debateID string) {
	o.mu.Lock()
	d, ok := o.active[debateID]
	o.mu.Unlock()
	if !ok {
		return
	}
	d.cancel()
	o.finish(ctx, d, ReasonManual)
}

// StopAll terminates every running debate and waits for their loops to exit.
func (o *Orchestrator) StopAll(ctx context.Context) {
	o.mu.Lock()
	o.closed = true
	sessions := make([]*session, 0, len(o.active))
	for _, d := range o.active {
		sessions = append(sessions, d)
	}
	o.mu.Unlock()

	for _, d := range sessions {
		d.cancel()
		o.finish(ctx, d, ReasonManual)
	}
	o.wg.Wait()
}

// finish removes the debate from the active set and publishes the terminal
// frame. The map removal happens before publishing, so concurrent callers
// settle on exactly one terminal frame per debate.
func (o *Orchestrator) finish(ctx context.Context, d *session, reason string) {
	o.mu.Lock()
	if _, ok := o.active[d.id]; !ok {
		o.mu.Unlock()
		return
	}
	delete(o.active, d.id)
	if o.byRoom[d.room] == d.id {
		delete(o.byRoom, d.room)
	}
	o.stats.completedDebates++
	o.mu.Unlock()

	metrics.ActiveDebates.Dec()
	metrics.DebatesCompleted.WithLabelValues(reason).Inc()

	end := &types.Message{
		Type:    types.TypeSystem,
		Room:    d.room,
		User:    types.SystemUser(),
		Content: fmt.Sprintf("Debate finished (%s)", reason),
		TS:      time.Now().UnixMilli(),
		Meta: map[string]any{
			"action":       types.ActionDebateStopped,
			"debate_id":    d.id,
			"total_rounds": int(d.currentRound.Load()),
			"duration":     int(time.Since(d.startedAt).Seconds()),
			"reason":       reason,
		},
	}
	o.fabric.Broadcast(ctx, d.room, end)
	o.fabric.AppendHistory(ctx, d.room, end)

	logging.Info(ctx, "Debate finished",
		zap.String("debate_id", d.id),
		zap.String("room", d.room),
		zap.String("reason", reason),
		zap.Int32("rounds", d.currentRound.Load()))
}

// runDebate is the turn loop. Rounds alternate agents, each turn is bounded
// by the per-turn timeout, and the loop ends on round, duration, timeout,
// provider error, or cancellation.
func (o *Orchestrator) runDebate(ctx context.Context, d *session) {
	prompt := d.topic

	for int(d.currentRound.Load()) < d.maxRounds && time.Since(d.startedAt) < d.maxDuration {
		if ctx.Err() != nil {
			return
		}

		agent := d.agentA
		if d.currentRound.Load()%2 != 0 {
			agent = d.agentB
		}

		turnCtx, cancel := context.WithTimeout(ctx, o.turnTimeout)
		turnStart := time.Now()
		res, err := o.invoker.Invoke(turnCtx, agent, prompt, d.context)
		latency := time.Since(turnStart)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				// Manual stop already published the terminal frame.
				return
			}
			o.recordError(agent.Provider)
			if errors.Is(err, context.DeadlineExceeded) {
				logging.Warn(ctx, "Debate turn timed out",
					zap.String("debate_id", d.id),
					zap.String("agent", agent.ID),
					zap.Duration("timeout", o.turnTimeout))
				o.finish(ctx, d, ReasonTurnTimeout)
			} else {
				logging.Error(ctx, "Debate turn failed",
					zap.String("debate_id", d.id),
					zap.String("agent", agent.ID),
					zap.Error(err))
				o.finish(ctx, d, fmt.Sprintf("llm_error_%s", agent.Provider))
			}
			return
		}

		o.recordSuccess(agent.Provider, latency.Seconds(), res.TokensUsed)

		round := int(d.currentRound.Add(1))
		turnMsg := &types.Message{
			Type:    types.TypeMessage,
			Room:    d.room,
			User:    types.AgentUser(agent.Provider, agent.Model, agent.Name),
			Content: res.Content,
			TS:      time.Now().UnixMilli(),
			Meta: map[string]any{
				"agent":         true,
				"provider":      agent.Provider,
				"model":         agent.Model,
				"debate_id":     d.id,
				"current_round": round,
				"total_rounds":  d.maxRounds,
				"tokens_used":   res.TokensUsed,
				"latency":       latency.Seconds(),
			},
		}
		o.fabric.Broadcast(ctx, d.room, turnMsg)
		o.fabric.AppendHistory(ctx, d.room, turnMsg)

		d.context = append(d.context, res.Content)
		prompt = res.Content

		// Round markers are live-only, never stored.
		roundMsg := &types.Message{
			Type:    types.TypeSystem,
			Room:    d.room,
			User:    types.SystemUser(),
			Content: fmt.Sprintf("Round %d/%d", round, d.maxRounds),
			TS:      time.Now().UnixMilli(),
			Meta: map[string]any{
				"action":        types.ActionDebateRound,
				"debate_id":     d.id,
				"current_round": round,
				"current_agent": agent.ID,
				"max_rounds":    d.maxRounds,
			},
		}
		o.fabric.Broadcast(ctx, d.room, roundMsg)

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.turnDelay):
		}
	}

	if ctx.Err() != nil {
		return
	}
	if int(d.currentRound.Load()) >= d.maxRounds {
		o.finish(ctx, d, ReasonMaxRounds)
	} else {
		o.finish(ctx, d, ReasonMaxDuration)
	}
}

func (o *Orchestrator) recordSuccess(provider string, latency float64, tokens int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.totalTokens += tokens
	o.stats.latencies[provider] = append(o.stats.latencies[provider], latency)
}

func (o *Orchestrator) recordError(provider string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.errorsByProvider[provider]++
}

// ActiveDebates returns a snapshot of every running debate.
func (o *Orchestrator) ActiveDebates() []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(o.active))
	for _, d := range o.active {
		snapshots = append(snapshots, Snapshot{
			DebateID:        d.id,
			RoomID:          d.room,
			Topic:           d.topic,
			AgentA:          d.agentA.Name,
			AgentB:          d.agentB.Name,
			CurrentRound:    int(d.currentRound.Load()),
			MaxRounds:       d.maxRounds,
			StartedAt:       d.startedAt.UTC().Format(time.RFC3339),
			DurationSeconds: int(time.Since(d.startedAt).Seconds()),
		})
	}
	return snapshots
}

// Stats returns the aggregated orchestrator counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	avg := make(map[string]float64, len(o.stats.latencies))
	for provider, samples := range o.stats.latencies {
		var sum float64
		for _, s := range samples {
			sum += s
		}
		avg[provider] = sum / float64(len(samples))
	}

	errs := make(map[string]int, len(o.stats.errorsByProvider))
	for provider, n := range o.stats.errorsByProvider {
		errs[provider] = n
	}

	return Stats{
		TotalDebates:         o.stats.totalDebates,
		CompletedDebates:     o.stats.completedDebates,
		TotalTokens:          o.stats.totalTokens,
		ErrorsByProvider:     errs,
		AvgLatencyByProvider: avg,
		ActiveDebates:        len(o.active),
	}
}
