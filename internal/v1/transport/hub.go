// Package transport owns the WebSocket edge: session lifecycle, the
// process-local session registry, and fan-out of room traffic to local
// sessions.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/auth"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/ratelimit"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/types"
)

// FrameRouter consumes inbound frames from live sessions.
type FrameRouter interface {
	HandleInbound(ctx context.Context, sess types.Session, raw []byte)
}

// Hub is the central coordinator for rooms on this instance. It keeps the
// (room, user) session registry, holds exactly one backplane subscription per
// room with local sessions, and implements types.RoomFabric.
type Hub struct {
	rooms     *store.Rooms
	validator *auth.Validator
	limiter   *ratelimit.Limiter
	router    FrameRouter

	allowedOrigins []string

	mu       sync.Mutex
	sessions map[string]map[string]*Client
	subs     map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a Hub over the room store. SetRouter must be called before
// the first connection is served.
func NewHub(rooms *store.Rooms, validator *auth.Validator, limiter *ratelimit.Limiter, allowedOrigins []string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:          rooms,
		validator:      validator,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
		sessions:       make(map[string]map[string]*Client),
		subs:           make(map[string]context.CancelFunc),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SetRouter wires the inbound frame pipeline. Separate from NewHub because
// the router itself needs the Hub as its fabric.
func (h *Hub) SetRouter(r FrameRouter) {
	h.router = r
}

// ServeWs authenticates the request, upgrades it, and starts the session
// pumps. Query parameters: room, user_id, user_name, token.
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.limiter.CheckWebSocket(c) {
		return
	}

	room := types.SanitizeIdentifier(c.DefaultQuery("room", "general"))
	userID := types.SanitizeIdentifier(c.DefaultQuery("user_id", "anonymous"))
	userName := types.SanitizeDisplayName(c.DefaultQuery("user_name", "Guest"))
	token := c.DefaultQuery("token", "guest")

	if room == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room and user_id are required"})
		return
	}
	if userName == "" {
		userName = userID
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	user := types.User{ID: userID, Name: userName}
	if token != "guest" {
		verified, err := h.validator.VerifyToken(token)
		if err != nil {
			logging.Warn(c.Request.Context(), "Token validation failed, closing stream",
				zap.String("userId", userID), zap.Error(err))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"))
			_ = conn.Close()
			return
		}
		user = *verified
		if user.Name == "" {
			user.Name = userName
		}
	}

	client := &Client{
		conn: conn,
		hub:  h,
		user: user,
		room: room,
		send: make(chan []byte, sendBufferSize),
	}

	metrics.IncConnection()
	h.Register(c.Request.Context(), client)

	go client.writePump()
	go client.readPump()
}

// Register adds the session to the local registry, replays room history to
// it, records presence, and announces the join. A reconnect by the same user
// id supersedes the old session.
func (h *Hub) Register(ctx context.Context, c *Client) {
	// History goes straight into this session's send queue before it joins
	// the registry, so replay frames always precede live frames.
	history, err := h.rooms.History(ctx, c.room)
	if err != nil {
		logging.Warn(ctx, "Failed to load history for replay",
			zap.String("room", c.room), zap.Error(err))
	}
	for i := range history {
		c.Send(&history[i])
	}

	h.mu.Lock()
	roomSessions, ok := h.sessions[c.room]
	if !ok {
		roomSessions = make(map[string]*Client)
		h.sessions[c.room] = roomSessions
		h.subscribeLocked(c.room)
		metrics.ActiveRooms.Inc()
	}
	superseded := roomSessions[c.user.ID]
	roomSessions[c.user.ID] = c
	h.mu.Unlock()

	if superseded != nil {
		logging.Info(ctx, "Superseding stale session",
			zap.String("room", c.room), zap.String("userId", c.user.ID))
		superseded.Close()
	}

	if err := h.rooms.AddUser(ctx, c.room, c.user); err != nil {
		logging.Warn(ctx, "Failed to record presence", zap.String("room", c.room), zap.Error(err))
	}

	h.broadcastPresence(ctx, c.room)
	join := &types.Message{
		Type:    types.TypeSystem,
		Room:    c.room,
		User:    types.SystemUser(),
		Content: fmt.Sprintf("%s joined the room", c.user.Name),
		TS:      time.Now().UnixMilli(),
		Meta:    map[string]any{"action": types.ActionUserJoined, "user_id": c.user.ID},
	}
	h.Broadcast(ctx, c.room, join)
	h.AppendHistory(ctx, c.room, join)

	logging.Info(ctx, "Session registered",
		zap.String("room", c.room), zap.String("userId", c.user.ID))
}

// Unregister removes the session from the registry and, when it was the
// user's current session, withdraws presence and announces the leave.
func (h *Hub) Unregister(ctx context.Context, c *Client) {
	h.mu.Lock()
	roomSessions := h.sessions[c.room]
	current := roomSessions != nil && roomSessions[c.user.ID] == c
	if current {
		delete(roomSessions, c.user.ID)
		if len(roomSessions) == 0 {
			delete(h.sessions, c.room)
			h.unsubscribeLocked(c.room)
			metrics.ActiveRooms.Dec()
		}
	}
	h.mu.Unlock()

	if !current {
		// A superseding session owns this (room, user) now; leave its
		// presence alone.
		return
	}

	if err := h.rooms.RemoveUser(ctx, c.room, c.user.ID); err != nil {
		logging.Warn(ctx, "Failed to withdraw presence", zap.String("room", c.room), zap.Error(err))
	}
	if err := h.rooms.ClearTyping(ctx, c.room, c.user.ID); err != nil {
		logging.Warn(ctx, "Failed to clear typing on disconnect", zap.String("room", c.room), zap.Error(err))
	}

	h.broadcastPresence(ctx, c.room)
	leave := &types.Message{
		Type:    types.TypeSystem,
		Room:    c.room,
		User:    types.SystemUser(),
		Content: fmt.Sprintf("%s left the room", c.user.Name),
		TS:      time.Now().UnixMilli(),
		Meta:    map[string]any{"action": types.ActionUserLeft, "user_id": c.user.ID},
	}
	h.Broadcast(ctx, c.room, leave)
	h.AppendHistory(ctx, c.room, leave)

	logging.Info(ctx, "Session deregistered",
		zap.String("room", c.room), zap.String("userId", c.user.ID))
}

// subscribeLocked opens the single backplane subscription for a room. Caller
// holds h.mu.
func (h *Hub) subscribeLocked(room string) {
	if !h.rooms.Connected() {
		return
	}
	subCtx, cancel := context.WithCancel(h.ctx)
	h.subs[room] = cancel
	h.rooms.Subscribe(subCtx, room, func(payload string) {
		h.fanOutLocal(room, []byte(payload))
	})
}

// unsubscribeLocked tears down a room's backplane subscription. Caller holds
// h.mu.
func (h *Hub) unsubscribeLocked(room string) {
	if cancel, ok := h.subs[room]; ok {
		cancel()
		delete(h.subs, room)
	}
}

// fanOutLocal writes the serialized frame to every local session in the room.
func (h *Hub) fanOutLocal(room string, data []byte) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.sessions[room]))
	for _, c := range h.sessions[room] {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.SendRaw(data)
	}
}

// Broadcast publishes the frame to the room via the backplane, or directly to
// local sessions when the backplane is down. Implements types.RoomFabric.
func (h *Hub) Broadcast(ctx context.Context, room string, msg *types.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(ctx, "Failed to marshal broadcast frame", zap.String("room", room), zap.Error(err))
		return
	}

	if h.rooms.Connected() {
		if err := h.rooms.PublishRaw(ctx, room, data); err == nil {
			return
		}
		logging.Warn(ctx, "Publish failed, falling back to local fan-out", zap.String("room", room))
	}
	h.fanOutLocal(room, data)
}

// AppendHistory records the frame in the room's bounded history. Implements
// types.RoomFabric.
func (h *Hub) AppendHistory(ctx context.Context, room string, msg *types.Message) {
	if err := h.rooms.AppendHistory(ctx, room, msg); err != nil {
		logging.Warn(ctx, "Failed to append history", zap.String("room", room), zap.Error(err))
	}
}

// broadcastPresence publishes the room's current presence snapshot.
func (h *Hub) broadcastPresence(ctx context.Context, room string) {
	users, err := h.rooms.OnlineUsers(ctx, room)
	if err != nil {
		logging.Warn(ctx, "Failed to read presence set", zap.String("room", room), zap.Error(err))
		return
	}

	h.Broadcast(ctx, room, &types.Message{
		Type: types.TypePresence,
		Room: room,
		User: types.SystemUser(),
		TS:   time.Now().UnixMilli(),
		Meta: map[string]any{"count": len(users), "users": users},
	})
}

// RoomStats reports backplane presence alongside this instance's local
// session count for a room.
type RoomStats struct {
	Room             string `json:"room"`
	OnlineCount      int    `json:"online_count"`
	LocalConnections int    `json:"local_connections"`
}

// Stats returns presence and local connection counts for the room.
func (h *Hub) Stats(ctx context.Context, room string) (RoomStats, error) {
	count, err := h.rooms.OnlineCount(ctx, room)
	if err != nil {
		return RoomStats{}, err
	}

	h.mu.Lock()
	local := len(h.sessions[room])
	h.mu.Unlock()

	return RoomStats{Room: room, OnlineCount: count, LocalConnections: local}, nil
}

// Shutdown cancels every room subscription and closes every local session.
func (h *Hub) Shutdown(ctx context.Context) {
	logging.Info(ctx, "Shutting down hub, closing all sessions")
	h.cancel()

	h.mu.Lock()
	clients := make([]*Client, 0)
	for _, roomSessions := range h.sessions {
		for _, c := range roomSessions {
			clients = append(clients, c)
		}
	}
	h.subs = make(map[string]context.CancelFunc)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	logging.Info(ctx, "All sessions closed", zap.Int("count", len(clients)))
}

// validateOrigin checks the request origin against the allowed list. Absent
// origins are allowed so non-browser clients can connect.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	if len(allowedOrigins) == 0 {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}
