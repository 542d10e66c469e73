// Package router validates, rate-limits, sanitizes, and dispatches every
// inbound client frame.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/types"
)

// DebateController is the orchestrator surface the router drives from in-room
// system frames.
type DebateController interface {
	Start(ctx context.Context, room string, cfg types.DebateConfig) (string, error)
	Stop(ctx context.Context, debateID string)
}

// Router is the inbound frame pipeline. Errors are always unicast to the
// offending session; they never reach history or the fabric.
type Router struct {
	rooms   *store.Rooms
	fabric  types.RoomFabric
	debates DebateController
}

// New creates a router over the room store, fabric, and debate controller.
func New(rooms *store.Rooms, fabric types.RoomFabric, debates DebateController) *Router {
	return &Router{rooms: rooms, fabric: fabric, debates: debates}
}

// HandleInbound processes one raw frame from a session. The session binding
// is authoritative: room, user, and timestamp are stamped server-side so a
// client cannot speak as anyone else or into any other room.
func (r *Router) HandleInbound(ctx context.Context, sess types.Session, raw []byte) {
	start := time.Now()

	var msg types.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.sendError(sess, types.CodeInvalidJSON, "Invalid JSON", nil)
		metrics.FramesRouted.WithLabelValues("unknown", "rejected").Inc()
		return
	}
	if msg.Type == "" {
		r.sendError(sess, types.CodeInvalidPayload, "Missing frame type", nil)
		metrics.FramesRouted.WithLabelValues("unknown", "rejected").Inc()
		return
	}

	msg.Room = sess.Room()
	msg.User = sess.SessionUser()
	msg.TS = time.Now().UnixMilli()

	status := "ok"
	switch msg.Type {
	case types.TypeMessage:
		status = r.handleChatMessage(ctx, sess, &msg)
	case types.TypeTyping:
		status = r.handleTyping(ctx, sess, &msg)
	case types.TypeSystem:
		status = r.handleSystem(ctx, sess, &msg)
	default:
		r.sendError(sess, types.CodeUnknownType, fmt.Sprintf("Unknown message type: %s", msg.Type), nil)
		status = "rejected"
	}

	metrics.FramesRouted.WithLabelValues(msg.Type, status).Inc()
	metrics.FrameProcessingDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
}

func (r *Router) handleChatMessage(ctx context.Context, sess types.Session, msg *types.Message) string {
	if msg.Content == "" {
		r.sendError(sess, types.CodeInvalidPayload, "Message content is required", nil)
		return "rejected"
	}
	if len(msg.Content) > types.MaxContentLength {
		r.sendError(sess, types.CodeMessageTooLong,
			fmt.Sprintf("Message too long (max %d chars)", types.MaxContentLength), nil)
		return "rejected"
	}

	msg.Content = SanitizeContent(msg.Content)

	allowed, resetIn, err := r.rooms.AllowMessage(ctx, msg.Room, msg.User.ID)
	if err != nil {
		logging.Warn(ctx, "Rate limit check degraded",
			zap.String("room", msg.Room), zap.Error(err))
	}
	if !allowed {
		r.sendError(sess, types.CodeRateLimited,
			"Rate limit exceeded. Please wait before sending more messages.",
			map[string]any{"reset_in": resetIn})
		return "rate_limited"
	}

	// Sending a message implies the user stopped typing.
	if err := r.rooms.ClearTyping(ctx, msg.Room, msg.User.ID); err != nil {
		logging.Warn(ctx, "Failed to clear typing indicator",
			zap.String("room", msg.Room), zap.Error(err))
	}

	r.fabric.AppendHistory(ctx, msg.Room, msg)
	r.fabric.Broadcast(ctx, msg.Room, msg)
	return "ok"
}

func (r *Router) handleTyping(ctx context.Context, sess types.Session, msg *types.Message) string {
	user := msg.User
	switch msg.Content {
	case "started":
		if err := r.rooms.SetTyping(ctx, msg.Room, user.ID, user.Name); err != nil {
			logging.Warn(ctx, "Failed to set typing indicator",
				zap.String("room", msg.Room), zap.Error(err))
		}
	case "stopped":
		if err := r.rooms.ClearTyping(ctx, msg.Room, user.ID); err != nil {
			logging.Warn(ctx, "Failed to clear typing indicator",
				zap.String("room", msg.Room), zap.Error(err))
		}
	default:
		r.sendError(sess, types.CodeInvalidPayload, `Typing content must be "started" or "stopped"`, nil)
		return "rejected"
	}

	r.broadcastTyping(ctx, msg.Room)
	return "ok"
}

// broadcastTyping publishes the room's current typing set. Live-only, never
// stored.
func (r *Router) broadcastTyping(ctx context.Context, room string) {
	typing, err := r.rooms.TypingUsers(ctx, room)
	if err != nil {
		logging.Warn(ctx, "Failed to read typing set", zap.String("room", room), zap.Error(err))
		return
	}

	r.fabric.Broadcast(ctx, room, &types.Message{
		Type: types.TypeTyping,
		Room: room,
		User: types.SystemUser(),
		TS:   time.Now().UnixMilli(),
		Meta: map[string]any{"typing_users": typing},
	})
}

func (r *Router) handleSystem(ctx context.Context, sess types.Session, msg *types.Message) string {
	action, _ := msg.Meta["action"].(string)
	switch action {
	case types.ActionDebateStart:
		return r.handleDebateStart(ctx, sess, msg)
	case types.ActionDebateStop:
		if id, _ := msg.Meta["debate_id"].(string); id != "" {
			r.debates.Stop(ctx, id)
		}
		return "ok"
	default:
		// Other system actions are server-originated; client copies are
		// ignored.
		return "ignored"
	}
}

func (r *Router) handleDebateStart(ctx context.Context, sess types.Session, msg *types.Message) string {
	cfg := types.DebateConfig{
		AgentAID:    metaString(msg.Meta, "agent_a"),
		AgentBID:    metaString(msg.Meta, "agent_b"),
		Topic:       metaString(msg.Meta, "topic"),
		MaxRounds:   metaInt(msg.Meta, "max_rounds"),
		MaxDuration: metaInt(msg.Meta, "max_duration"),
	}
	if cfg.Topic == "" {
		cfg.Topic = "Debate"
	}

	debateID, err := r.debates.Start(ctx, msg.Room, cfg)
	if err != nil {
		r.sendError(sess, types.CodeDebateStartFailed,
			fmt.Sprintf("Failed to start debate: %v", err), nil)
		return "rejected"
	}

	sess.Send(&types.Message{
		Type:    types.TypeSystem,
		Room:    msg.Room,
		User:    types.SystemUser(),
		Content: fmt.Sprintf("Debate started with ID: %s", debateID),
		TS:      time.Now().UnixMilli(),
		Meta: map[string]any{
			"action":    types.ActionDebateConfirmed,
			"debate_id": debateID,
		},
	})
	return "ok"
}

// sendError unicasts an error frame to the offending session.
func (r *Router) sendError(sess types.Session, code, reason string, extra map[string]any) {
	meta := map[string]any{"code": code}
	for k, v := range extra {
		meta[k] = v
	}

	sess.Send(&types.Message{
		Type:    types.TypeError,
		Room:    sess.Room(),
		User:    types.SystemUser(),
		Content: reason,
		TS:      time.Now().UnixMilli(),
		Meta:    meta,
	})
}

func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
