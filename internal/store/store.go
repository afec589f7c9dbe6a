// ABOUTME: Store interface and data types for livechat persistence
// ABOUTME: Defines ChatSession, ChatMessage and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a requested session does not exist
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionClosed is returned when an operation targets a closed session
var ErrSessionClosed = errors.New("session closed")

// ErrClaimConflict is returned when a claim loses to an earlier assignment
var ErrClaimConflict = errors.New("session already assigned")

// Session status constants
const (
	StatusOpen     = "open"
	StatusAssigned = "assigned"
	StatusClosed   = "closed"
)

// SenderType constants for chat messages
const (
	SenderVisitor = "visitor" // Message from the visitor
	SenderAgent   = "agent"   // Message from a human agent
	SenderAI      = "ai"      // Message from the fallback responder
)

// ChatSession represents a durable conversation between one visitor and the system.
// Sessions survive reconnects; status moves open -> assigned -> closed and closed
// is terminal. Rows are never deleted, only closed.
type ChatSession struct {
	ID              string
	Status          string // "open", "assigned", "closed"
	VisitorName     string
	AssignedAgentID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ClosedAt        *time.Time
}

// Assigned reports whether an agent currently owns this session.
func (s *ChatSession) Assigned() bool {
	return s.AssignedAgentID != nil && *s.AssignedAgentID != ""
}

// ChatMessage is one turn in a session transcript. Messages are append-only;
// Seq is assigned by the store and gives the per-session total order.
type ChatMessage struct {
	ID         string
	SessionID  string
	Seq        int64
	SenderType string // "visitor", "agent", "ai"
	SenderID   string // agent id for agent messages, empty otherwise
	Content    string
	CreatedAt  time.Time
}

// Store defines the interface for session and transcript persistence
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, visitorName string) (*ChatSession, error)
	GetSession(ctx context.Context, id string) (*ChatSession, error)
	ListSessions(ctx context.Context, limit int) ([]*ChatSession, error)

	// ListIdleSessions returns non-closed sessions with no activity since
	// idleBefore, oldest first.
	ListIdleSessions(ctx context.Context, idleBefore time.Time) ([]*ChatSession, error)

	// ClaimSession atomically assigns an agent to an unassigned open session.
	// Exactly one concurrent claimer succeeds; losers get ErrClaimConflict.
	ClaimSession(ctx context.Context, id, agentID string) error

	// CloseSession soft-closes a session. Closing a closed session returns
	// ErrSessionClosed.
	CloseSession(ctx context.Context, id string) error

	// Transcript. ListMessages returns append order; limit <= 0 returns the
	// full transcript.
	AppendMessage(ctx context.Context, msg *ChatMessage) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error)

	// Close releases any resources held by the store
	Close() error
}
