package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session or message lookup misses.
var ErrNotFound = errors.New("session not found")

// Kind distinguishes the long-lived main session from disposable ones.
type Kind string

const (
	// KindMain is the agent's primary conversational session.
	KindMain Kind = "main"
	// KindIsolated is a fresh session created for a single scheduled run.
	KindIsolated Kind = "isolated"
	// KindSubagent is a session owned by a spawned subagent.
	KindSubagent Kind = "subagent"
)

// Session is a persistent conversation scope for an agent.
type Session struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Kind      Kind           `json:"kind"`
	Key       string         `json:"key"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Message is a single transcript entry within a session.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Summary   bool           `json:"summary,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the interface for session persistence.
type Store interface {
	// Session CRUD
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id string) error

	// Session lookup
	GetByKey(ctx context.Context, key string) (*Session, error)
	GetOrCreate(ctx context.Context, key string, agentID string, kind Kind) (*Session, error)
	List(ctx context.Context, agentID string, opts ListOptions) ([]*Session, error)

	// Message history
	AppendMessage(ctx context.Context, sessionID string, msg *Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*Message, error)
	ReplaceHistory(ctx context.Context, sessionID string, msgs []*Message) error
}

// ListOptions configures session listing.
type ListOptions struct {
	Kind   Kind
	Limit  int
	Offset int
}

// SessionKey builds a unique session key.
func SessionKey(agentID string, kind Kind, scope string) string {
	return agentID + ":" + string(kind) + ":" + scope
}
