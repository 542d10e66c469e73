// Package store is the typed room-state layer over the backplane: bounded
// history, presence, typing indicators, and the per-user message bucket.
//
// Key schema (shared by every server instance):
//
//	ws:rooms:{room}:stream        pub/sub channel
//	ws:rooms:{room}:history       list, cap 50, TTL 24h
//	ws:rooms:{room}:online        set of JSON user records, TTL 1h
//	ws:rooms:{room}:typing:{user} string (display name), TTL 5s
//	ratelimit:{room}:{user}       string "{t}:{n}", TTL 10s
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/parleyhq/parley/internal/v1/bus"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/types"
)

const (
	// HistoryLimit caps the number of retained messages per room.
	HistoryLimit = 50
	// HistoryTTL is the idle expiry on a room's history list.
	HistoryTTL = 24 * time.Hour
	// PresenceTTL is the idle expiry on a room's presence set.
	PresenceTTL = time.Hour
	// TypingTTL clears a typing indicator after inactivity.
	TypingTTL = 5 * time.Second
)

// StreamChannel returns the pub/sub channel carrying a room's live frames.
func StreamChannel(room string) string {
	return fmt.Sprintf("ws:rooms:%s:stream", room)
}

func historyKey(room string) string {
	return fmt.Sprintf("ws:rooms:%s:history", room)
}

func onlineKey(room string) string {
	return fmt.Sprintf("ws:rooms:%s:online", room)
}

func typingKey(room, userID string) string {
	return fmt.Sprintf("ws:rooms:%s:typing:%s", room, userID)
}

func typingPattern(room string) string {
	return fmt.Sprintf("ws:rooms:%s:typing:*", room)
}

// Rooms provides room-state operations keyed so that multiple server
// instances sharing the backplane form a single logical cluster.
type Rooms struct {
	bus *bus.Service
}

// New creates the room store over the given backplane adapter.
func New(b *bus.Service) *Rooms {
	return &Rooms{bus: b}
}

// Connected reports whether the underlying backplane is reachable.
func (r *Rooms) Connected() bool {
	return r.bus.Connected()
}

// PublishRaw fans a serialized frame out to every instance subscribed to the
// room's stream channel.
func (r *Rooms) PublishRaw(ctx context.Context, room string, payload []byte) error {
	return r.bus.Publish(ctx, StreamChannel(room), payload)
}

// Subscribe delivers every payload published on the room's stream channel to
// handler until ctx is cancelled.
func (r *Rooms) Subscribe(ctx context.Context, room string, handler func(payload string)) {
	r.bus.Subscribe(ctx, StreamChannel(room), nil, handler)
}

// AppendHistory prepends the message to the room history, trims it to
// HistoryLimit entries, and refreshes the idle TTL.
func (r *Rooms) AppendHistory(ctx context.Context, room string, msg *types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	key := historyKey(room)
	if err := r.bus.ListPushFrontTrim(ctx, key, data, HistoryLimit); err != nil {
		return err
	}
	return r.bus.Expire(ctx, key, HistoryTTL)
}

// History returns up to HistoryLimit messages, chronologically oldest-first.
func (r *Rooms) History(ctx context.Context, room string) ([]types.Message, error) {
	raw, err := r.bus.ListRange(ctx, historyKey(room), 0, HistoryLimit-1)
	if err != nil {
		return nil, err
	}

	// Stored newest-first; reverse while decoding.
	msgs := make([]types.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var msg types.Message
		if err := json.Unmarshal([]byte(raw[i]), &msg); err != nil {
			logging.Warn(ctx, "Dropping undecodable history entry", zap.String("room", room), zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// AddUser records the user in the room's presence set and refreshes the set's
// idle TTL. The member is the canonical JSON of the user record; SADD makes a
// same-identity rejoin a no-op.
func (r *Rooms) AddUser(ctx context.Context, room string, user types.User) error {
	member, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal presence member: %w", err)
	}

	key := onlineKey(room)
	if err := r.bus.SetAdd(ctx, key, string(member)); err != nil {
		return err
	}
	return r.bus.Expire(ctx, key, PresenceTTL)
}

// RemoveUser removes every presence member whose id matches userID. Keying
// removal by id keeps join/leave symmetric even when the display name changed
// between sessions.
func (r *Rooms) RemoveUser(ctx context.Context, room, userID string) error {
	key := onlineKey(room)
	members, err := r.bus.SetMembers(ctx, key)
	if err != nil {
		return err
	}

	for _, member := range members {
		var user types.User
		if err := json.Unmarshal([]byte(member), &user); err != nil || user.ID != userID {
			continue
		}
		if err := r.bus.SetRem(ctx, key, member); err != nil {
			return err
		}
	}
	return nil
}

// OnlineUsers returns the room's presence records, one per user id.
func (r *Rooms) OnlineUsers(ctx context.Context, room string) ([]types.User, error) {
	members, err := r.bus.SetMembers(ctx, onlineKey(room))
	if err != nil {
		return nil, err
	}

	seen := set.New[string]()
	users := make([]types.User, 0, len(members))
	for _, member := range members {
		var user types.User
		if err := json.Unmarshal([]byte(member), &user); err != nil {
			logging.Warn(ctx, "Dropping undecodable presence member", zap.String("room", room), zap.Error(err))
			continue
		}
		if seen.Has(user.ID) {
			continue
		}
		seen.Insert(user.ID)
		users = append(users, user)
	}
	return users, nil
}

// OnlineCount returns the cardinality of the room's presence set.
func (r *Rooms) OnlineCount(ctx context.Context, room string) (int, error) {
	n, err := r.bus.SetCard(ctx, onlineKey(room))
	return int(n), err
}

// SetTyping marks the user as typing for TypingTTL.
func (r *Rooms) SetTyping(ctx context.Context, room, userID, name string) error {
	return r.bus.SetWithTTL(ctx, typingKey(room, userID), name, TypingTTL)
}

// ClearTyping removes the user's typing indicator.
func (r *Rooms) ClearTyping(ctx context.Context, room, userID string) error {
	return r.bus.Delete(ctx, typingKey(room, userID))
}

// TypingUsers reconstructs the set of currently-typing users from the live
// typing keys. The 5s TTL means inactivity clears the indicator without any
// explicit stop frame.
func (r *Rooms) TypingUsers(ctx context.Context, room string) ([]types.User, error) {
	keys, err := r.bus.Keys(ctx, typingPattern(room))
	if err != nil {
		return nil, err
	}

	users := make([]types.User, 0, len(keys))
	for _, key := range keys {
		name, ok, err := r.bus.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		idx := strings.LastIndex(key, ":")
		users = append(users, types.User{ID: key[idx+1:], Name: name})
	}
	return users, nil
}
