// Package types holds the wire envelope and the shared contracts between the
// room fabric, the connection hub, and the debate orchestrator.
package types

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Frame types carried by the Message envelope.
const (
	TypeMessage  = "message"
	TypeSystem   = "system"
	TypePresence = "presence"
	TypeTyping   = "typing"
	TypeError    = "error"
)

// Error codes reported in the meta.code field of error frames.
const (
	CodeInvalidJSON       = "invalid_json"
	CodeInvalidPayload    = "invalid_payload"
	CodeMessageTooLong    = "message_too_long"
	CodeRateLimited       = "rate_limited"
	CodeUnknownType       = "unknown_type"
	CodeDebateStartFailed = "debate_start_failed"
)

// System actions carried in meta.action.
const (
	ActionUserJoined      = "user_joined"
	ActionUserLeft        = "user_left"
	ActionDebateStart     = "llm_debate_start"
	ActionDebateStop      = "llm_debate_stop"
	ActionDebateStarted   = "llm_debate_started"
	ActionDebateStopped   = "llm_debate_stopped"
	ActionDebateRound     = "llm_debate_round"
	ActionDebateConfirmed = "llm_debate_confirmed"
)

// MaxContentLength is the longest content accepted on a chat message.
const MaxContentLength = 1000

// User identifies the originator of a frame. Server-originated frames use
// id "system"; agent frames use "agent:{provider}:{model}".
type User struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Avatar *string `json:"avatar,omitempty"`
}

// SystemUser is the sender identity stamped on server-originated frames.
func SystemUser() User {
	return User{ID: "system", Name: "System"}
}

// AgentUser builds the sender identity for an agent-originated frame.
func AgentUser(provider, model, name string) User {
	avatar := "🤖"
	return User{
		ID:     fmt.Sprintf("agent:%s:%s", provider, model),
		Name:   name,
		Avatar: &avatar,
	}
}

// Message is the universal envelope flowing through the room fabric. The
// server stamps ts on ingress and overrides room/user from the session
// binding, so clients cannot spoof identity.
type Message struct {
	Type     string         `json:"type"`
	Room     string         `json:"room"`
	User     User           `json:"user"`
	Content  string         `json:"content,omitempty"`
	TS       int64          `json:"ts"`
	ClientID string         `json:"client_id,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Agent is an immutable language-model agent configuration loaded at startup.
type Agent struct {
	ID           string  `yaml:"id" json:"id"`
	Name         string  `yaml:"name" json:"name"`
	Provider     string  `yaml:"provider" json:"provider"`
	Model        string  `yaml:"model" json:"model"`
	Temperature  float64 `yaml:"temperature" json:"temperature"`
	MaxTokens    int     `yaml:"max_tokens" json:"max_tokens"`
	SystemPrompt string  `yaml:"system_prompt" json:"system_prompt"`
	APIKey       string  `yaml:"api_key" json:"-"`
}

// DebateConfig parameterizes a debate start request.
type DebateConfig struct {
	AgentAID    string `json:"agent_a_id"`
	AgentBID    string `json:"agent_b_id"`
	Topic       string `json:"topic"`
	MaxRounds   int    `json:"max_rounds"`
	MaxDuration int    `json:"max_duration"` // seconds
}

// Session is one live client stream bound to a (room, user). Implemented by
// the transport client; the router only needs these operations.
type Session interface {
	SessionUser() User
	Room() string
	Send(msg *Message)
	SendRaw(data []byte)
	Close()
}

// RoomFabric publishes frames into a room and appends them to its bounded
// history. The connection hub implements it, falling back to direct local
// fan-out when the backplane is unreachable.
type RoomFabric interface {
	Broadcast(ctx context.Context, room string, msg *Message)
	AppendHistory(ctx context.Context, room string, msg *Message)
}

var identifierRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeIdentifier strips every character outside [A-Za-z0-9_-] and caps
// the result at 50 characters. Applied to room and user identifiers taken
// from the connection request.
func SanitizeIdentifier(s string) string {
	s = identifierRe.ReplaceAllString(s, "")
	if len(s) > 50 {
		s = s[:50]
	}
	return s
}

// SanitizeDisplayName trims whitespace and caps the name at 50 characters.
func SanitizeDisplayName(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 50 {
		s = strings.TrimSpace(s[:50])
	}
	return s
}
