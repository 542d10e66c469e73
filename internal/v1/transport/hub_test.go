package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/v1/bus"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/types"
)

func newTestHub(t *testing.T) (*Hub, *store.Rooms) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	rooms := store.New(svc)
	h := NewHub(rooms, nil, nil, nil)
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h, rooms
}

// newLocalHub builds a hub with no backplane so Broadcast fans out locally.
func newLocalHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(store.New(nil), nil, nil, nil)
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

func newTestClient(h *Hub, room, userID string) *Client {
	return &Client{
		hub:  h,
		user: types.User{ID: userID, Name: userID},
		room: room,
		send: make(chan []byte, sendBufferSize),
	}
}

// drainFrames decodes everything currently queued on the client's send
// channel without blocking.
func drainFrames(c *Client) []types.Message {
	var frames []types.Message
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return frames
			}
			var msg types.Message
			if json.Unmarshal(data, &msg) == nil {
				frames = append(frames, msg)
			}
		default:
			return frames
		}
	}
}

func framesOfType(frames []types.Message, frameType string) []types.Message {
	var out []types.Message
	for _, f := range frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func TestRegister_ReplaysHistoryBeforeLiveFrames(t *testing.T) {
	h, rooms := newTestHub(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, rooms.AppendHistory(ctx, "general", &types.Message{
			Type: types.TypeMessage, Room: "general",
			User:    types.User{ID: "alice", Name: "alice"},
			Content: content, TS: time.Now().UnixMilli(),
		}))
	}

	c := newTestClient(h, "general", "bob")
	h.Register(ctx, c)

	var frames []types.Message
	require.Eventually(t, func() bool {
		frames = append(frames, drainFrames(c)...)
		return len(framesOfType(frames, types.TypeSystem)) >= 1
	}, time.Second, 10*time.Millisecond)

	// Replay precedes everything delivered live after registration.
	require.GreaterOrEqual(t, len(frames), 3)
	assert.Equal(t, "one", frames[0].Content)
	assert.Equal(t, "two", frames[1].Content)
	assert.Equal(t, "three", frames[2].Content)
}

func TestRegister_AnnouncesJoinAndPresence(t *testing.T) {
	h, rooms := newTestHub(t)
	ctx := context.Background()

	c := newTestClient(h, "general", "alice")
	h.Register(ctx, c)

	users, err := rooms.OnlineUsers(ctx, "general")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].ID)

	var frames []types.Message
	require.Eventually(t, func() bool {
		frames = append(frames, drainFrames(c)...)
		return len(framesOfType(frames, types.TypeSystem)) >= 1 &&
			len(framesOfType(frames, types.TypePresence)) >= 1
	}, time.Second, 10*time.Millisecond)

	join := framesOfType(frames, types.TypeSystem)[0]
	assert.Equal(t, types.ActionUserJoined, join.Meta["action"])
	assert.Equal(t, "alice", join.Meta["user_id"])

	presence := framesOfType(frames, types.TypePresence)[0]
	assert.Equal(t, float64(1), presence.Meta["count"])
}

func TestJoinAndLeaveFramesRecordedInHistory(t *testing.T) {
	h, rooms := newTestHub(t)
	ctx := context.Background()

	c := newTestClient(h, "general", "alice")
	h.Register(ctx, c)
	h.Unregister(ctx, c)

	history, err := rooms.History(ctx, "general")
	require.NoError(t, err)

	joins, leaves := 0, 0
	for _, f := range history {
		switch f.Meta["action"] {
		case types.ActionUserJoined:
			joins++
		case types.ActionUserLeft:
			leaves++
		}
	}
	assert.Equal(t, 1, joins)
	assert.Equal(t, 1, leaves)
}

func TestRegister_SameUserReconnectSupersedes(t *testing.T) {
	h, rooms := newTestHub(t)
	ctx := context.Background()

	old := newTestClient(h, "general", "alice")
	h.Register(ctx, old)

	replacement := newTestClient(h, "general", "alice")
	h.Register(ctx, replacement)

	// The old session's send channel is closed by the supersede.
	require.Eventually(t, func() bool {
		old.mu.RLock()
		defer old.mu.RUnlock()
		return old.closed
	}, time.Second, 10*time.Millisecond)

	// Unregistering the stale session must not withdraw presence.
	h.Unregister(ctx, old)
	users, err := rooms.OnlineUsers(ctx, "general")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].ID)
}

func TestUnregister_WithdrawsPresenceAndAnnouncesLeave(t *testing.T) {
	h, rooms := newTestHub(t)
	ctx := context.Background()

	alice := newTestClient(h, "general", "alice")
	bob := newTestClient(h, "general", "bob")
	h.Register(ctx, alice)
	h.Register(ctx, bob)

	require.NoError(t, rooms.SetTyping(ctx, "general", "bob", "bob"))
	h.Unregister(ctx, bob)

	users, err := rooms.OnlineUsers(ctx, "general")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].ID)

	typing, err := rooms.TypingUsers(ctx, "general")
	require.NoError(t, err)
	assert.Empty(t, typing)

	var leave *types.Message
	require.Eventually(t, func() bool {
		for _, f := range framesOfType(drainFrames(alice), types.TypeSystem) {
			if f.Meta["action"] == types.ActionUserLeft {
				leave = &f
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "bob", leave.Meta["user_id"])
}

func TestBroadcast_DeliveredAcrossBackplane(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	alice := newTestClient(h, "general", "alice")
	bob := newTestClient(h, "general", "bob")
	h.Register(ctx, alice)
	h.Register(ctx, bob)

	// Drop the join noise before the frame under test.
	time.Sleep(50 * time.Millisecond)
	drainFrames(alice)
	drainFrames(bob)

	h.Broadcast(ctx, "general", &types.Message{
		Type: types.TypeMessage, Room: "general",
		User:    types.User{ID: "alice", Name: "alice"},
		Content: "hello everyone", TS: time.Now().UnixMilli(),
	})

	for _, c := range []*Client{alice, bob} {
		require.Eventually(t, func() bool {
			for _, f := range drainFrames(c) {
				if f.Content == "hello everyone" {
					return true
				}
			}
			return false
		}, time.Second, 10*time.Millisecond)
	}
}

func TestBroadcast_LocalFanOutWithoutBackplane(t *testing.T) {
	h := newLocalHub(t)
	ctx := context.Background()

	alice := newTestClient(h, "general", "alice")
	h.Register(ctx, alice)
	drainFrames(alice)

	h.Broadcast(ctx, "general", &types.Message{
		Type: types.TypeMessage, Room: "general",
		User:    types.User{ID: "bob", Name: "bob"},
		Content: "direct", TS: time.Now().UnixMilli(),
	})

	frames := drainFrames(alice)
	require.Len(t, frames, 1)
	assert.Equal(t, "direct", frames[0].Content)
}

func TestBroadcast_IsScopedToRoom(t *testing.T) {
	h := newLocalHub(t)
	ctx := context.Background()

	alice := newTestClient(h, "general", "alice")
	carol := newTestClient(h, "random", "carol")
	h.Register(ctx, alice)
	h.Register(ctx, carol)
	drainFrames(alice)
	drainFrames(carol)

	h.Broadcast(ctx, "general", &types.Message{
		Type: types.TypeMessage, Room: "general",
		User:    types.User{ID: "alice", Name: "alice"},
		Content: "general only", TS: time.Now().UnixMilli(),
	})

	assert.Len(t, drainFrames(alice), 1)
	assert.Empty(t, drainFrames(carol))
}

func TestStats(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	h.Register(ctx, newTestClient(h, "general", "alice"))
	h.Register(ctx, newTestClient(h, "general", "bob"))

	stats, err := h.Stats(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, "general", stats.Room)
	assert.Equal(t, 2, stats.OnlineCount)
	assert.Equal(t, 2, stats.LocalConnections)

	empty, err := h.Stats(ctx, "nobody-here")
	require.NoError(t, err)
	assert.Zero(t, empty.OnlineCount)
	assert.Zero(t, empty.LocalConnections)
}

func TestShutdown_ClosesAllSessions(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	alice := newTestClient(h, "general", "alice")
	carol := newTestClient(h, "random", "carol")
	h.Register(ctx, alice)
	h.Register(ctx, carol)

	h.Shutdown(ctx)

	for _, c := range []*Client{alice, carol} {
		c.mu.RLock()
		assert.True(t, c.closed)
		c.mu.RUnlock()
	}
}

func TestSendRaw_DropsSlowClient(t *testing.T) {
	h := newLocalHub(t)
	c := newTestClient(h, "general", "alice")

	for i := 0; i < sendBufferSize; i++ {
		c.SendRaw([]byte(`{}`))
	}
	// Buffer is full; the next frame drops the session instead of blocking.
	c.SendRaw([]byte(`{}`))

	c.mu.RLock()
	assert.True(t, c.closed)
	c.mu.RUnlock()
}

func TestSendRaw_AfterCloseIsNoOp(t *testing.T) {
	h := newLocalHub(t)
	c := newTestClient(h, "general", "alice")

	c.Close()
	c.Close()
	c.SendRaw([]byte(`{}`))
}

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"http://localhost:3000", "https://parley.example"}

	makeReq := func(origin string) *http.Request {
		r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.NoError(t, validateOrigin(makeReq(""), allowed))
	assert.NoError(t, validateOrigin(makeReq("http://localhost:3000"), allowed))
	assert.NoError(t, validateOrigin(makeReq("https://parley.example"), allowed))
	assert.Error(t, validateOrigin(makeReq("http://evil.example"), allowed))
	assert.Error(t, validateOrigin(makeReq("https://localhost:3000"), allowed))
	assert.NoError(t, validateOrigin(makeReq("http://anywhere.example"), nil))
}
