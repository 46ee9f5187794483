package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidSession is returned when session data is invalid
	ErrInvalidSession = errors.New("invalid session")
)

// Turn kinds use the reserved conversation: prefix shared with the
// execution log, so the rate limiter can exclude chat turns by prefix.
const (
	KindUser      = "conversation:user"
	KindAssistant = "conversation:assistant"
)

// Chat roles as replayed to the model.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// RoleFor maps a stored turn kind to the chat role. The assistant suffix is
// the reserved marker; everything else replays as the user.
func RoleFor(kind string) string {
	if strings.HasSuffix(kind, "assistant") {
		return RoleAssistant
	}
	return RoleUser
}

// Key identifies a session. Sessions are unique per full tuple: the same
// user talking to the same persona about a different context gets a
// different session.
type Key struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	InstanceID  uuid.UUID `json:"instance_id"`
	UserID      string    `json:"user_id"`
	Channel     string    `json:"channel"`
	ContextType string    `json:"context_type,omitempty"`
	ContextID   string    `json:"context_id,omitempty"`
}

// storageKey derives the deterministic Redis key for the tuple.
func (k Key) storageKey() string {
	return fmt.Sprintf("aisession:%s:%s:%s:%s:%s:%s",
		k.TenantID, k.InstanceID, k.UserID, k.Channel, k.ContextType, k.ContextID)
}

// Session is one persona conversation scope with its rolling history.
type Session struct {
	ID                string    `json:"id"`
	Key               Key       `json:"key"`
	CreatedAt         time.Time `json:"created_at"`
	LastInteractionAt time.Time `json:"last_interaction_at"`
	History           []Turn    `json:"history"`
}

// Turn is one immutable entry in the session history.
type Turn struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Role returns the chat role this turn replays as.
func (t Turn) Role() string {
	return RoleFor(t.Kind)
}

// RecentHistory returns the most recent count turns in chronological order.
func (s *Session) RecentHistory(count int) []Turn {
	if count <= 0 || len(s.History) <= count {
		return s.History
	}
	return s.History[len(s.History)-count:]
}
