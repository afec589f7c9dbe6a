// ABOUTME: Presence Tracker for connected human agents
// ABOUTME: Tracks availability for assignment decisions and notification fan-out

package presence

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/quillworks/livechat/internal/event"
)

// Tracker records which agents are currently connected and available.
// State is purely in-memory and rebuilt from scratch on process restart;
// agents re-register by reconnecting.
type Tracker struct {
	mu     sync.RWMutex
	conns  map[string]map[string]event.Sink // agentID -> connID -> sink
	bySink map[string]string                // connID -> agentID
	away   map[string]bool                  // agentID -> explicitly marked away
	logger *slog.Logger
}

// NewTracker creates a Tracker. Pass nil logger for the default.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		conns:  make(map[string]map[string]event.Sink),
		bySink: make(map[string]string),
		away:   make(map[string]bool),
		logger: logger.With("component", "presence"),
	}
}

// RegisterAgent records a live agent connection. An agent may hold several
// connections at once.
func (t *Tracker) RegisterAgent(agentID string, conn event.Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[agentID]; !ok {
		t.conns[agentID] = make(map[string]event.Sink)
	}
	t.conns[agentID][conn.ID()] = conn
	t.bySink[conn.ID()] = agentID

	t.logger.Info("agent connected",
		"agent_id", agentID,
		"conn_id", conn.ID(),
		"total_agents", len(t.conns),
	)
}

// UnregisterAgent removes a connection. Idempotent; the away flag is cleared
// once the agent's last connection is gone.
func (t *Tracker) UnregisterAgent(conn event.Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()

	agentID, ok := t.bySink[conn.ID()]
	if !ok {
		return
	}
	delete(t.bySink, conn.ID())

	if sinks, ok := t.conns[agentID]; ok {
		delete(sinks, conn.ID())
		if len(sinks) == 0 {
			delete(t.conns, agentID)
			delete(t.away, agentID)
		}
	}

	t.logger.Info("agent disconnected",
		"agent_id", agentID,
		"conn_id", conn.ID(),
		"total_agents", len(t.conns),
	)
}

// SetAway flags an agent as away or back. Away agents stay connected but are
// excluded from availability and broadcasts.
func (t *Tracker) SetAway(agentID string, away bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, connected := t.conns[agentID]; !connected {
		return
	}
	if away {
		t.away[agentID] = true
	} else {
		delete(t.away, agentID)
	}
	t.logger.Debug("agent availability changed", "agent_id", agentID, "away", away)
}

// ListAvailableAgents returns the ids of agents currently connected and not
// marked away, in stable order.
func (t *Tracker) ListAvailableAgents() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	agents := make([]string, 0, len(t.conns))
	for agentID := range t.conns {
		if t.away[agentID] {
			continue
		}
		agents = append(agents, agentID)
	}
	sort.Strings(agents)
	return agents
}

// IsOnline reports whether the agent has at least one live connection and is
// not marked away.
func (t *Tracker) IsOnline(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, connected := t.conns[agentID]
	return connected && !t.away[agentID]
}

// ConnectionsFor returns all live connections for one agent.
func (t *Tracker) ConnectionsFor(agentID string) []event.Sink {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sinks := make([]event.Sink, 0, len(t.conns[agentID]))
	for _, sink := range t.conns[agentID] {
		sinks = append(sinks, sink)
	}
	return sinks
}

// BroadcastAvailable delivers an event to every connection of every available
// agent. Best-effort; drops are counted by the sinks themselves.
func (t *Tracker) BroadcastAvailable(ev event.Event) {
	t.mu.RLock()
	targets := make([]event.Sink, 0)
	for agentID, sinks := range t.conns {
		if t.away[agentID] {
			continue
		}
		for _, sink := range sinks {
			targets = append(targets, sink)
		}
	}
	t.mu.RUnlock()

	for _, sink := range targets {
		if !sink.Send(ev) {
			t.logger.Debug("dropped broadcast for slow agent connection", "conn_id", sink.ID())
		}
	}
}
