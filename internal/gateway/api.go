// ABOUTME: HTTP collaborators for the chat core
// ABOUTME: Out-of-band session bootstrap, transcript fetch, and agent console listing

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quillworks/livechat/internal/store"
)

type createSessionRequest struct {
	VisitorName string `json:"visitorName"`
}

type sessionResponse struct {
	SessionID       string     `json:"sessionId"`
	Status          string     `json:"status"`
	VisitorName     string     `json:"visitorName"`
	AssignedAgentID *string    `json:"assignedAgentId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
}

type messageResponse struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	SenderType string    `json:"senderType"`
	SenderID   string    `json:"senderId,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateSession mints a ChatSession before the client opens the
// persistent channel. The returned id is what the widget presents on join.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	sess, err := g.store.CreateSession(r.Context(), req.VisitorName)
	if err != nil {
		g.logger.Error("session bootstrap failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not create session"})
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// handleListMessages returns the transcript in append order. Reconnecting
// clients use this to re-sync after dropped deliveries.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := g.store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
			return
		}
		g.logger.Error("session lookup failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}

	messages, err := g.store.ListMessages(r.Context(), sessionID, 0)
	if err != nil {
		g.logger.Error("transcript fetch failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "transcript fetch failed"})
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for _, msg := range messages {
		out = append(out, messageResponse{
			ID:         msg.ID,
			SessionID:  msg.SessionID,
			SenderType: msg.SenderType,
			SenderID:   msg.SenderID,
			Content:    msg.Content,
			CreatedAt:  msg.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListSessions lists recent sessions for the agent console. Requires a
// valid agent token.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if _, err := g.verifier.Verify(bearerToken(r)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	sessions, err := g.store.ListSessions(r.Context(), 100)
	if err != nil {
		g.logger.Error("session list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing failed"})
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func toSessionResponse(sess *store.ChatSession) sessionResponse {
	return sessionResponse{
		SessionID:       sess.ID,
		Status:          sess.Status,
		VisitorName:     sess.VisitorName,
		AssignedAgentID: sess.AssignedAgentID,
		CreatedAt:       sess.CreatedAt,
		ClosedAt:        sess.ClosedAt,
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
