// ABOUTME: WebSocket endpoint implementing the connection lifecycle manager
// ABOUTME: join handshake, per-connection dispatch loop, idempotent disconnect cleanup

package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/quillworks/livechat/internal/event"
	"github.com/quillworks/livechat/internal/store"
)

// handleWS upgrades the connection and runs it through the lifecycle:
// connecting -> joined -> disconnected. The first frame must be a join event
// naming the role; everything after flows through the dispatch table.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if !g.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Error("failed to accept websocket", "error", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "session ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConn(ws, g.logger)
	defer c.close()
	go c.writeLoop(ctx)

	join, err := c.readEvent(ctx)
	if err != nil {
		g.logger.Debug("connection dropped before join", "conn_id", c.ID())
		return
	}
	if join.Type != event.TypeJoin {
		c.Send(event.ErrorEvent(event.CodeBadEvent, "first event must be join"))
		return
	}

	switch join.Role {
	case event.RoleVisitor:
		g.runVisitor(ctx, c, join)
	case event.RoleAgent:
		g.runAgent(ctx, c, join)
	default:
		c.Send(event.ErrorEvent(event.CodeBadEvent, "unknown role"))
	}
}

// runVisitor resolves the session (new or resumed), records the connection,
// and serves visitor events until disconnect.
func (g *Gateway) runVisitor(ctx context.Context, c *conn, join event.Event) {
	sess, err := g.sessions.Resolve(ctx, join.SessionID, join.VisitorName)
	if err != nil {
		if errors.Is(err, store.ErrSessionClosed) {
			c.Send(event.ErrorEvent(event.CodeSessionClosed, "session is closed, start a new one"))
		} else {
			g.logger.Error("session resolve failed", "error", err)
			c.Send(event.ErrorEvent(event.CodeBadEvent, "could not resolve session"))
		}
		return
	}

	c.sessionID = sess.ID
	g.sessions.RecordConnection(sess.ID, c)
	defer g.sessions.DropConnection(c)

	// Join ack carries the durable id the client must present on reconnect.
	c.Send(event.Event{
		Type:        event.TypeSession,
		SessionID:   sess.ID,
		Status:      sess.Status,
		VisitorName: sess.VisitorName,
	})

	g.logger.Info("visitor joined", "session_id", sess.ID, "conn_id", c.ID())

	for {
		ev, err := c.readEvent(ctx)
		if err != nil {
			g.logger.Debug("visitor connection closed", "session_id", sess.ID, "conn_id", c.ID())
			return
		}

		// Routing is bound to the session resolved at join; session ids on
		// later frames are ignored so a visitor cannot reach other sessions.
		switch ev.Type {
		case event.TypeClientMessage:
			if err := g.router.RouteVisitorMessage(ctx, c.sessionID, ev.Content); err != nil {
				c.Send(routingError(err))
			}
		case event.TypeTyping:
			g.router.SignalTyping(ctx, c.sessionID, event.RoleVisitor, "", ev.IsTyping)
		case event.TypeSessionClose:
			if err := g.router.CloseSession(ctx, c.sessionID); err != nil {
				c.Send(routingError(err))
			}
		default:
			c.Send(event.ErrorEvent(event.CodeBadEvent, "unsupported event: "+ev.Type))
		}
	}
}

// runAgent verifies the agent's token, registers presence, and serves agent
// events until disconnect.
func (g *Gateway) runAgent(ctx context.Context, c *conn, join event.Event) {
	agentID, err := g.verifier.Verify(join.Token)
	if err != nil {
		g.logger.Warn("agent auth failed", "conn_id", c.ID(), "error", err)
		c.Send(event.ErrorEvent(event.CodeUnauthorized, "invalid credentials"))
		return
	}

	c.agentID = agentID
	g.presence.RegisterAgent(agentID, c)
	defer g.presence.UnregisterAgent(c)

	c.Send(event.Event{Type: event.TypeSession, SenderID: agentID, Status: "ready"})

	for {
		ev, err := c.readEvent(ctx)
		if err != nil {
			g.logger.Debug("agent connection closed", "agent_id", agentID, "conn_id", c.ID())
			return
		}

		switch ev.Type {
		case event.TypeAgentMessage:
			if err := g.router.RouteAgentMessage(ctx, c.agentID, ev.SessionID, ev.Content); err != nil {
				c.Send(routingError(err))
			}
		case event.TypeTyping:
			g.router.SignalTyping(ctx, ev.SessionID, event.RoleAgent, c.agentID, ev.IsTyping)
		case event.TypeAgentStatus:
			g.presence.SetAway(c.agentID, ev.Away)
		case event.TypeSessionClose:
			if err := g.router.CloseSession(ctx, ev.SessionID); err != nil {
				c.Send(routingError(err))
			}
		default:
			c.Send(event.ErrorEvent(event.CodeBadEvent, "unsupported event: "+ev.Type))
		}
	}
}

// routingError maps router errors onto the single error event pushed back to
// the originating connection. Nothing here is fatal to the connection.
func routingError(err error) event.Event {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return event.ErrorEvent(event.CodeUnknownSession, "unknown session")
	case errors.Is(err, store.ErrSessionClosed):
		return event.ErrorEvent(event.CodeSessionClosed, "session is closed")
	default:
		return event.ErrorEvent(event.CodeBadEvent, "message not delivered")
	}
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	allowed := g.cfg.Server.AllowedOrigin
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || origin == allowed {
		return true
	}
	g.logger.Warn("websocket origin rejected", "origin", origin, "allowed", allowed)
	return false
}
