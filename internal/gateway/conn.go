// ABOUTME: Live connection wrapper implementing the event.Sink fan-out interface
// ABOUTME: Buffers outbound events and writes them to the WebSocket from one goroutine

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/quillworks/livechat/internal/event"
)

// outboundBuffer is the per-connection outbound queue size. A full queue
// means the client is too slow; events are dropped and the client re-syncs
// from the transcript after reconnecting.
const outboundBuffer = 64

// conn wraps one WebSocket with an outbound queue so fan-out never blocks on
// a slow client. Exactly one writer goroutine touches the socket.
type conn struct {
	id        string
	sessionID string // visitors: the session bound at join
	agentID   string // agents: the verified identity

	ws     *websocket.Conn
	out    chan event.Event
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newConn(ws *websocket.Conn, logger *slog.Logger) *conn {
	return &conn{
		id:     uuid.New().String(),
		ws:     ws,
		out:    make(chan event.Event, outboundBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// ID implements event.Sink.
func (c *conn) ID() string {
	return c.id
}

// Send implements event.Sink. Non-blocking: returns false when the
// connection is gone or its queue is full.
func (c *conn) Send(ev event.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- ev:
		return true
	default:
		return false
	}
}

// close marks the connection dead for senders. Idempotent.
func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// writeLoop drains the outbound queue onto the socket until the connection
// or context ends.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case ev := <-c.out:
			data, err := json.Marshal(ev)
			if err != nil {
				c.logger.Error("failed to encode event", "conn_id", c.id, "error", err)
				continue
			}
			if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
				c.logger.Debug("write failed, closing connection", "conn_id", c.id, "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readEvent reads and decodes the next client event from the socket.
func (c *conn) readEvent(ctx context.Context) (event.Event, error) {
	var ev event.Event
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, err
	}
	return ev, nil
}
