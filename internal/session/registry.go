// ABOUTME: Session Registry mapping durable session ids to live visitor connections
// ABOUTME: Resolves new-or-resumed sessions and tracks 0..N connections per session

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/quillworks/livechat/internal/event"
	"github.com/quillworks/livechat/internal/store"
)

// SessionStore is the slice of the store the registry needs.
type SessionStore interface {
	CreateSession(ctx context.Context, visitorName string) (*store.ChatSession, error)
	GetSession(ctx context.Context, id string) (*store.ChatSession, error)
}

// Registry maps session ids to live visitor connections. Durable session state
// lives in the store; the connection map is rebuilt from scratch on restart.
type Registry struct {
	store  SessionStore
	mu     sync.RWMutex
	conns  map[string]map[string]event.Sink // sessionID -> connID -> sink
	bySink map[string]string                // connID -> sessionID, for idempotent drops
	logger *slog.Logger
}

// NewRegistry creates a Registry backed by the given store.
// Pass nil logger for the default.
func NewRegistry(store SessionStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		conns:  make(map[string]map[string]event.Sink),
		bySink: make(map[string]string),
		logger: logger.With("component", "session"),
	}
}

// Resolve returns the session for candidateID, creating a fresh one when the
// id is empty or unknown. Resuming a closed session fails with
// store.ErrSessionClosed; the caller must start a new session explicitly.
// Concurrent resumes of the same id are idempotent - both callers get the
// same session, never a duplicate.
func (r *Registry) Resolve(ctx context.Context, candidateID, visitorName string) (*store.ChatSession, error) {
	if candidateID != "" {
		session, err := r.store.GetSession(ctx, candidateID)
		if err == nil {
			if session.Status == store.StatusClosed {
				return nil, store.ErrSessionClosed
			}
			r.logger.Debug("session resumed", "session_id", session.ID)
			return session, nil
		}
		if !errors.Is(err, store.ErrSessionNotFound) {
			return nil, err
		}
		// Unknown id: fall through and mint a new session.
	}

	session, err := r.store.CreateSession(ctx, visitorName)
	if err != nil {
		return nil, err
	}
	r.logger.Info("session started", "session_id", session.ID, "visitor", visitorName)
	return session, nil
}

// RecordConnection registers a live connection against a session. A session
// may have any number of concurrent connections (multi-tab visitors).
func (r *Registry) RecordConnection(sessionID string, conn event.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[sessionID]; !ok {
		r.conns[sessionID] = make(map[string]event.Sink)
	}
	r.conns[sessionID][conn.ID()] = conn
	r.bySink[conn.ID()] = sessionID

	r.logger.Debug("visitor connection recorded",
		"session_id", sessionID,
		"conn_id", conn.ID(),
		"session_conns", len(r.conns[sessionID]),
	)
}

// DropConnection removes a connection. Dropping the last connection leaves
// the session open; messages queue in the transcript until the next connect.
// Double-drop is a no-op.
func (r *Registry) DropConnection(conn event.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.bySink[conn.ID()]
	if !ok {
		return
	}
	delete(r.bySink, conn.ID())

	if sinks, ok := r.conns[sessionID]; ok {
		delete(sinks, conn.ID())
		if len(sinks) == 0 {
			delete(r.conns, sessionID)
		}
	}

	r.logger.Debug("visitor connection dropped",
		"session_id", sessionID,
		"conn_id", conn.ID(),
	)
}

// ConnectionsFor returns the live connections for a session, for fan-out.
func (r *Registry) ConnectionsFor(sessionID string) []event.Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sinks := make([]event.Sink, 0, len(r.conns[sessionID]))
	for _, sink := range r.conns[sessionID] {
		sinks = append(sinks, sink)
	}
	return sinks
}
