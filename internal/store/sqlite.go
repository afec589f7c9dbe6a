// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/transcript persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id                TEXT PRIMARY KEY,
			status            TEXT NOT NULL DEFAULT 'open',
			visitor_name      TEXT NOT NULL,
			assigned_agent_id TEXT,
			created_at        DATETIME NOT NULL,
			updated_at        DATETIME NOT NULL,
			closed_at         DATETIME,

			CHECK (status IN ('open', 'assigned', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_chat_sessions_status
			ON chat_sessions(status);

		CREATE TABLE IF NOT EXISTS chat_messages (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			session_id  TEXT NOT NULL,
			sender_type TEXT NOT NULL,
			sender_id   TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			created_at  DATETIME NOT NULL,

			FOREIGN KEY (session_id) REFERENCES chat_sessions(id),
			CHECK (sender_type IN ('visitor', 'agent', 'ai'))
		);

		CREATE INDEX IF NOT EXISTS idx_chat_messages_session_seq
			ON chat_messages(session_id, seq);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// CreateSession inserts a new open session with a generated id.
func (s *SQLiteStore) CreateSession(ctx context.Context, visitorName string) (*ChatSession, error) {
	now := time.Now().UTC()
	session := &ChatSession{
		ID:          uuid.New().String(),
		Status:      StatusOpen,
		VisitorName: visitorName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, status, visitor_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.Status, session.VisitorName, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("session created", "session_id", session.ID, "visitor", visitorName)
	return session, nil
}

// GetSession retrieves a session by id. Returns ErrSessionNotFound if absent.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, visitor_name, assigned_agent_id, created_at, updated_at, closed_at
		FROM chat_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns the most recently updated sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, visitor_name, assigned_agent_id, created_at, updated_at, closed_at
		FROM chat_sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ChatSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ListIdleSessions returns open or assigned sessions untouched since
// idleBefore, oldest first. The janitor uses this to find conversations
// abandoned past the idle timeout.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, idleBefore time.Time) ([]*ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, visitor_name, assigned_agent_id, created_at, updated_at, closed_at
		FROM chat_sessions
		WHERE status != ? AND updated_at < ?
		ORDER BY updated_at ASC`, StatusClosed, idleBefore)
	if err != nil {
		return nil, fmt.Errorf("listing idle sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ChatSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ClaimSession assigns agentID to an unassigned open session with a single
// conditional UPDATE. Zero rows affected means the claim lost: the session is
// missing, closed, or already assigned, and the error reports which.
func (s *SQLiteStore) ClaimSession(ctx context.Context, id, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions
		SET status = ?, assigned_agent_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND assigned_agent_id IS NULL`,
		StatusAssigned, agentID, time.Now().UTC(), id, StatusOpen,
	)
	if err != nil {
		return fmt.Errorf("claiming session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claiming session: %w", err)
	}
	if affected == 1 {
		s.logger.Info("session claimed", "session_id", id, "agent_id", agentID)
		return nil
	}

	// The conditional update missed; look up the session to classify the loss.
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session.Status == StatusClosed {
		return ErrSessionClosed
	}
	return ErrClaimConflict
}

// CloseSession soft-closes a session; the row is kept for the archive.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions
		SET status = ?, updated_at = ?, closed_at = ?
		WHERE id = ? AND status != ?`,
		StatusClosed, now, now, id, StatusClosed,
	)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	if affected == 1 {
		s.logger.Info("session closed", "session_id", id)
		return nil
	}

	session, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session.Status == StatusClosed {
		return ErrSessionClosed
	}
	return fmt.Errorf("closing session %s: no rows updated", id)
}

// AppendMessage inserts a message and assigns its sequence number.
// The session must exist and not be closed.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *ChatMessage) error {
	session, err := s.GetSession(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	if session.Status == StatusClosed {
		return ErrSessionClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, sender_type, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.SenderType, msg.SenderID, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message seq: %w", err)
	}
	msg.Seq = seq

	// Keep updated_at moving so ListSessions surfaces active conversations first.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), msg.SessionID,
	); err != nil {
		s.logger.Warn("failed to touch session", "session_id", msg.SessionID, "error", err)
	}

	return nil
}

// ListMessages returns a session's transcript in append order (ascending seq).
// A limit <= 0 returns the full transcript; reconnecting clients rely on that
// to re-sync however long the conversation ran.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error) {
	query := `
		SELECT seq, id, session_id, sender_type, sender_id, content, created_at
		FROM chat_messages WHERE session_id = ?
		ORDER BY seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		msg := &ChatMessage{}
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.SessionID, &msg.SenderType,
			&msg.SenderID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanSession
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*ChatSession, error) {
	session := &ChatSession{}
	var agentID sql.NullString
	var closedAt sql.NullTime

	err := row.Scan(&session.ID, &session.Status, &session.VisitorName,
		&agentID, &session.CreatedAt, &session.UpdatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if agentID.Valid {
		session.AssignedAgentID = &agentID.String
	}
	if closedAt.Valid {
		t := closedAt.Time
		session.ClosedAt = &t
	}
	return session, nil
}
