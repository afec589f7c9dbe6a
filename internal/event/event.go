// ABOUTME: Named transport events exchanged over the chat WebSocket
// ABOUTME: One wire shape for both directions plus the Sink fan-out interface

package event

import "time"

// Client-to-server event types
const (
	TypeJoin          = "join"           // First frame on every connection
	TypeClientMessage = "client:message" // Visitor chat message
	TypeAgentMessage  = "agent:message"  // Agent chat message
	TypeTyping        = "typing"         // Ephemeral typing signal (both directions)
	TypeAgentStatus   = "agent:status"   // Agent marks itself away/back
	TypeSessionClose  = "session:close"  // Explicit close request
)

// Server-to-client event types
const (
	TypeSession       = "session"           // Join ack with the resolved session
	TypeMessage       = "message"           // Persisted chat message fan-out
	TypeAgentNewMsg   = "agent:new_message" // Unassigned-session notification to agents
	TypeSessionClosed = "session:closed"    // Session was closed
	TypeError         = "error"             // Routing error for the sender only
)

// Roles carried by join and typing events
const (
	RoleVisitor = "visitor"
	RoleAgent   = "agent"
)

// Error codes pushed back on the error event
const (
	CodeUnknownSession = "unknown_session"
	CodeSessionClosed  = "session_closed"
	CodeBadEvent       = "bad_event"
	CodeUnauthorized   = "unauthorized"
)

// Event is the single wire shape for every chat event. Type selects which
// fields are meaningful; unused fields are omitted from the JSON encoding.
type Event struct {
	Type string `json:"type"`

	// Join / session
	Role        string `json:"role,omitempty"`
	Token       string `json:"token,omitempty"`
	VisitorName string `json:"visitorName,omitempty"`
	Status      string `json:"status,omitempty"`

	// Message routing
	SessionID  string     `json:"sessionId,omitempty"`
	Content    string     `json:"content,omitempty"`
	SenderType string     `json:"senderType,omitempty"`
	SenderID   string     `json:"senderId,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`

	// Typing / presence
	Sender   string `json:"sender,omitempty"`
	IsTyping bool   `json:"isTyping,omitempty"`
	Away     bool   `json:"away,omitempty"`

	// Errors
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Sink is a live connection that events can be delivered to. Send is
// best-effort and non-blocking; it reports false when the event was dropped
// (connection gone or its outbound queue full).
type Sink interface {
	ID() string
	Send(Event) bool
}

// ErrorEvent builds the single error event pushed back to an originating
// connection when routing rejects its send.
func ErrorEvent(code, message string) Event {
	return Event{Type: TypeError, Code: code, Message: message}
}
