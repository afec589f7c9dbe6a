// ABOUTME: Message Router - the single authoritative path for every chat message
// ABOUTME: Persists before fan-out, targets agents or the AI fallback, signals typing

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quillworks/livechat/internal/event"
	"github.com/quillworks/livechat/internal/responder"
	"github.com/quillworks/livechat/internal/store"
)

// transcriptLimit caps how much history is handed to the AI fallback.
const transcriptLimit = 50

// SessionStore defines what the router needs from persistence
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*store.ChatSession, error)
	ClaimSession(ctx context.Context, id, agentID string) error
	CloseSession(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, msg *store.ChatMessage) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*store.ChatMessage, error)
}

// VisitorConns provides the live connections bound to a session
type VisitorConns interface {
	ConnectionsFor(sessionID string) []event.Sink
}

// AgentPresence provides agent availability and fan-out targets
type AgentPresence interface {
	ListAvailableAgents() []string
	ConnectionsFor(agentID string) []event.Sink
	BroadcastAvailable(ev event.Event)
}

// Options tune routing policy. Zero values disable the grace-period rule and
// fall back to a conservative responder timeout.
type Options struct {
	// ClaimGracePeriod is how long an unassigned session may wait for a human
	// claim before the AI answers even while agents are connected.
	ClaimGracePeriod time.Duration

	// ResponderTimeout bounds each AI fallback call.
	ResponderTimeout time.Duration
}

// Router is the single path every chat message takes, in both directions.
// Messages are persisted before any fan-out, and routing for one session is
// serialized so delivery order matches the persisted order.
type Router struct {
	store     SessionStore
	visitors  VisitorConns
	agents    AgentPresence
	responder responder.Responder
	opts      Options
	locks     *sessionLock
	logger    *slog.Logger
}

// New creates a Router. The responder may be nil, which disables the AI
// fallback path entirely. Pass nil logger for the default.
func New(st SessionStore, visitors VisitorConns, agents AgentPresence, ai responder.Responder, opts Options, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ResponderTimeout <= 0 {
		opts.ResponderTimeout = 15 * time.Second
	}
	return &Router{
		store:     st,
		visitors:  visitors,
		agents:    agents,
		responder: ai,
		opts:      opts,
		locks:     newSessionLock(),
		logger:    logger.With("component", "router"),
	}
}

// RouteVisitorMessage persists a visitor message and fans it out: to the
// assigned agent when the session is claimed, otherwise to every available
// agent along with a new-message notification. When no human is engaged the
// AI fallback gets a bounded chance to reply.
func (r *Router) RouteVisitorMessage(ctx context.Context, sessionID, content string) error {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == store.StatusClosed {
		return store.ErrSessionClosed
	}

	msg := &store.ChatMessage{
		SessionID:  sessionID,
		SenderType: store.SenderVisitor,
		Content:    content,
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("persisting visitor message: %w", err)
	}

	ev := messageEvent(msg)

	// Echo to the visitor's own connections so every tab stays in sync.
	r.deliver(r.visitors.ConnectionsFor(sessionID), ev)

	available := r.agents.ListAvailableAgents()

	if session.Assigned() {
		// Targeted delivery only - never broadcast a claimed session.
		r.deliver(r.agents.ConnectionsFor(*session.AssignedAgentID), ev)
		return nil
	}

	// Unassigned: notify the whole available pool.
	r.agents.BroadcastAvailable(ev)
	r.agents.BroadcastAvailable(event.Event{
		Type:        event.TypeAgentNewMsg,
		SessionID:   sessionID,
		VisitorName: session.VisitorName,
	})

	if r.shouldFallBack(session, available) {
		r.respondWithAI(ctx, session)
	}
	return nil
}

// RouteAgentMessage persists an agent message and delivers it to every live
// visitor connection for the session. The first agent message to an
// unassigned session claims it; a losing concurrent claim still delivers but
// does not re-claim.
func (r *Router) RouteAgentMessage(ctx context.Context, agentID, sessionID, content string) error {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == store.StatusClosed {
		return store.ErrSessionClosed
	}

	if !session.Assigned() {
		err := r.store.ClaimSession(ctx, sessionID, agentID)
		switch {
		case err == nil:
			// Claimed: open -> assigned.
		case errors.Is(err, store.ErrClaimConflict):
			// Lost the race. The message is still delivered below.
			r.logger.Debug("claim conflict", "session_id", sessionID, "agent_id", agentID)
		default:
			return err
		}
	}

	msg := &store.ChatMessage{
		SessionID:  sessionID,
		SenderType: store.SenderAgent,
		SenderID:   agentID,
		Content:    content,
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("persisting agent message: %w", err)
	}

	ev := messageEvent(msg)
	r.deliver(r.visitors.ConnectionsFor(sessionID), ev)

	// Keep the agent's other console tabs in sync too.
	r.deliver(r.agents.ConnectionsFor(agentID), ev)
	return nil
}

// SignalTyping routes an ephemeral typing indicator with the same targeting
// as messages. Never persisted, never wakes the AI; dropping one is fine.
func (r *Router) SignalTyping(ctx context.Context, sessionID, role, senderID string, isTyping bool) {
	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil || session.Status == store.StatusClosed {
		return
	}

	ev := event.Event{
		Type:      event.TypeTyping,
		SessionID: sessionID,
		Sender:    role,
		IsTyping:  isTyping,
	}

	switch role {
	case event.RoleVisitor:
		if session.Assigned() {
			r.deliverQuiet(r.agents.ConnectionsFor(*session.AssignedAgentID), ev)
		} else {
			r.agents.BroadcastAvailable(ev)
		}
	case event.RoleAgent:
		ev.Sender = senderID
		r.deliverQuiet(r.visitors.ConnectionsFor(sessionID), ev)
	}
}

// CloseSession closes a session and tells both sides. Closed is terminal.
func (r *Router) CloseSession(ctx context.Context, sessionID string) error {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := r.store.CloseSession(ctx, sessionID); err != nil {
		return err
	}

	ev := event.Event{Type: event.TypeSessionClosed, SessionID: sessionID}
	r.deliver(r.visitors.ConnectionsFor(sessionID), ev)
	if session.Assigned() {
		r.deliver(r.agents.ConnectionsFor(*session.AssignedAgentID), ev)
	}
	return nil
}

// Transcript returns a session's messages in append order.
func (r *Router) Transcript(ctx context.Context, sessionID string, limit int) ([]*store.ChatMessage, error) {
	return r.store.ListMessages(ctx, sessionID, limit)
}

// shouldFallBack decides whether the AI answers an unassigned session:
// either nobody is available, or the claim grace period has elapsed with no
// agent taking the session.
func (r *Router) shouldFallBack(session *store.ChatSession, available []string) bool {
	if r.responder == nil {
		return false
	}
	if len(available) == 0 {
		return true
	}
	return r.opts.ClaimGracePeriod > 0 && time.Since(session.CreatedAt) >= r.opts.ClaimGracePeriod
}

// respondWithAI runs the fallback responder under its timeout and, if it
// yields a reply, persists and delivers it as an "ai" message. Timeouts and
// failures downgrade to silence - the visitor simply waits for a human.
func (r *Router) respondWithAI(ctx context.Context, session *store.ChatSession) {
	transcript, err := r.store.ListMessages(ctx, session.ID, transcriptLimit)
	if err != nil {
		r.logger.Error("failed to load transcript for responder", "session_id", session.ID, "error", err)
		return
	}

	aiCtx, cancel := context.WithTimeout(ctx, r.opts.ResponderTimeout)
	defer cancel()

	reply, err := r.responder.Respond(aiCtx, transcript)
	if err != nil {
		switch {
		case errors.Is(err, responder.ErrNoReply):
			r.logger.Debug("responder declined", "session_id", session.ID)
		case errors.Is(err, context.DeadlineExceeded):
			r.logger.Warn("responder timed out", "session_id", session.ID,
				"timeout", r.opts.ResponderTimeout)
		default:
			r.logger.Error("responder failed", "session_id", session.ID, "error", err)
		}
		return
	}

	msg := &store.ChatMessage{
		SessionID:  session.ID,
		SenderType: store.SenderAI,
		Content:    reply,
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		r.logger.Error("failed to persist ai reply", "session_id", session.ID, "error", err)
		return
	}

	ev := messageEvent(msg)
	r.deliver(r.visitors.ConnectionsFor(session.ID), ev)
	r.agents.BroadcastAvailable(ev)
}

// deliver pushes an event to each sink, logging drops as delivery failures.
// A gone connection is presumed reconnecting; it will re-sync from the
// transcript, so drops are logged and never retried.
func (r *Router) deliver(sinks []event.Sink, ev event.Event) {
	for _, sink := range sinks {
		if !sink.Send(ev) {
			r.logger.Warn("delivery failed",
				"conn_id", sink.ID(),
				"event", ev.Type,
				"session_id", ev.SessionID,
			)
		}
	}
}

// deliverQuiet is deliver without the failure log, for best-effort signals.
func (r *Router) deliverQuiet(sinks []event.Sink, ev event.Event) {
	for _, sink := range sinks {
		sink.Send(ev)
	}
}

// messageEvent converts a persisted message into its fan-out event.
func messageEvent(msg *store.ChatMessage) event.Event {
	createdAt := msg.CreatedAt
	return event.Event{
		Type:       event.TypeMessage,
		SessionID:  msg.SessionID,
		Content:    msg.Content,
		SenderType: msg.SenderType,
		SenderID:   msg.SenderID,
		CreatedAt:  &createdAt,
	}
}
