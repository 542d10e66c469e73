// Package web is the HTTP control plane: status, agent listing, debate
// start/stop, and guest login.
package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/auth"
	"github.com/parleyhq/parley/internal/v1/config"
	"github.com/parleyhq/parley/internal/v1/debate"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/transport"
	"github.com/parleyhq/parley/internal/v1/types"
)

// ServerVersion is reported by the banner endpoint.
const ServerVersion = "1.0.0"

// Handler bundles the control-plane endpoints.
type Handler struct {
	orchestrator *debate.Orchestrator
	catalog      *config.AgentCatalog
	providers    []string
	validator    *auth.Validator
	hub          *transport.Hub
	environment  string
}

// NewHandler creates the control-plane handler.
func NewHandler(orchestrator *debate.Orchestrator, catalog *config.AgentCatalog, providers []string, validator *auth.Validator, hub *transport.Hub, environment string) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		catalog:      catalog,
		providers:    providers,
		validator:    validator,
		hub:          hub,
		environment:  environment,
	}
}

// Root handles GET /.
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":     "Parley Chat API",
		"version":     ServerVersion,
		"status":      "healthy",
		"environment": h.environment,
	})
}

// Health handles GET /health, the legacy flat health check.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// LLMStatus handles GET /llm/status.
func (h *Handler) LLMStatus(c *gin.Context) {
	agents := h.catalog.AvailableAgents()
	c.JSON(http.StatusOK, gin.H{
		"active_debates":      h.orchestrator.ActiveDebates(),
		"available_agents":    agents,
		"total_agents":        len(agents),
		"available_providers": h.providers,
		"stats":               h.orchestrator.Stats(),
	})
}

// ListAgents handles GET /agents.
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.catalog.AvailableAgents()
	available := 0
	for _, a := range agents {
		if a.Available {
			available++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"agents":          agents,
		"total_available": available,
	})
}

// startDebateRequest is the POST /debate/start body.
type startDebateRequest struct {
	Room        string `json:"room" binding:"required"`
	AgentAID    string `json:"agent_a_id" binding:"required"`
	AgentBID    string `json:"agent_b_id" binding:"required"`
	Topic       string `json:"topic" binding:"required"`
	MaxRounds   int    `json:"max_rounds"`
	MaxDuration int    `json:"max_duration"`
}

// StartDebate handles POST /debate/start.
func (h *Handler) StartDebate(c *gin.Context) {
	var req startDebateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	debateID, err := h.orchestrator.Start(c.Request.Context(), types.SanitizeIdentifier(req.Room), types.DebateConfig{
		AgentAID:    req.AgentAID,
		AgentBID:    req.AgentBID,
		Topic:       req.Topic,
		MaxRounds:   req.MaxRounds,
		MaxDuration: req.MaxDuration,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"debate_id": debateID,
		"status":    "started",
	})
}

// StopDebate handles POST /debate/:id/stop. Always 200; stopping a finished
// or unknown debate is a no-op.
func (h *Handler) StopDebate(c *gin.Context) {
	debateID := c.Param("id")
	h.orchestrator.Stop(c.Request.Context(), debateID)
	c.JSON(http.StatusOK, gin.H{
		"status":    "stopped",
		"debate_id": debateID,
	})
}

// loginRequest is the POST /auth/login body.
type loginRequest struct {
	Name        string `json:"name" binding:"required"`
	DisplayName string `json:"displayName"`
}

// Login handles POST /auth/login, issuing a 24h guest token.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := req.DisplayName
	if name == "" {
		name = req.Name
	}
	user := types.User{
		ID:   uuid.New().String(),
		Name: types.SanitizeDisplayName(name),
	}

	token, err := h.validator.IssueGuestToken(user)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to issue guest token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"id":     user.ID,
			"name":   user.Name,
			"avatar": nil,
		},
		"token": token,
		"type":  "guest",
	})
}

// RoomStats handles GET /rooms/:room/stats.
func (h *Handler) RoomStats(c *gin.Context) {
	room := types.SanitizeIdentifier(c.Param("room"))
	if room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room"})
		return
	}

	stats, err := h.hub.Stats(c.Request.Context(), room)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read room stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
