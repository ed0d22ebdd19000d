// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides instance/session/snapshot persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

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

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// The modernc driver returns SQLITE_BUSY under concurrent writers even in
	// WAL mode; a single pooled connection serializes them instead.
	db.SetMaxOpenConns(1)

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
		CREATE TABLE IF NOT EXISTS instances (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			url            TEXT NOT NULL DEFAULT '',
			container_name TEXT NOT NULL DEFAULT '',
			host_port      INTEGER NOT NULL DEFAULT 0,
			token          TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			last_seen_at   TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('ONLINE', 'OFFLINE', 'DEGRADED', 'ERROR'))
		);

		CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			instance_id     TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			session_key     TEXT NOT NULL,
			is_active       INTEGER NOT NULL DEFAULT 0,
			live_messages   TEXT,
			last_message_at TEXT NOT NULL,
			message_count   INTEGER NOT NULL DEFAULT 0,
			title           TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		-- At most one active session per (user, instance, agent).
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
			ON chat_sessions(user_id, instance_id, agent_id) WHERE is_active = 1;

		CREATE INDEX IF NOT EXISTS idx_sessions_user_instance
			ON chat_sessions(user_id, instance_id, last_message_at);

		CREATE TABLE IF NOT EXISTS message_snapshots (
			id              TEXT PRIMARY KEY,
			batch_id        TEXT NOT NULL,
			chat_session_id TEXT NOT NULL,
			order_index     INTEGER NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			thinking        TEXT,
			tool_calls      TEXT,
			content_blocks  TEXT,
			created_at      TEXT NOT NULL,

			FOREIGN KEY (chat_session_id) REFERENCES chat_sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_session
			ON message_snapshots(chat_session_id, created_at, order_index);
	`

	_, err := s.db.Exec(schema)
	return err
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// formatTime uses a fixed-width fraction so stored TEXT timestamps compare
// lexicographically in chronological order; RFC3339Nano trims trailing
// zeros, which breaks ORDER BY for sub-second neighbors.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateInstance inserts a new instance row.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *Instance) error {
	query := `
		INSERT INTO instances (id, name, url, container_name, host_port, token, status, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var lastSeen *string
	if inst.LastSeenAt != nil {
		v := formatTime(*inst.LastSeenAt)
		lastSeen = &v
	}

	_, err := s.db.ExecContext(ctx, query,
		inst.ID,
		inst.Name,
		inst.URL,
		inst.ContainerName,
		inst.HostPort,
		inst.Token,
		string(inst.Status),
		lastSeen,
		formatTime(inst.CreatedAt),
		formatTime(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}

	s.logger.Debug("created instance", "id", inst.ID, "name", inst.Name)
	return nil
}

const instanceColumns = `id, name, url, container_name, host_port, token, status, last_seen_at, created_at, updated_at`

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	var inst Instance
	var status string
	var lastSeenStr sql.NullString
	var createdStr, updatedStr string

	err := row.Scan(
		&inst.ID,
		&inst.Name,
		&inst.URL,
		&inst.ContainerName,
		&inst.HostPort,
		&inst.Token,
		&status,
		&lastSeenStr,
		&createdStr,
		&updatedStr,
	)
	if err != nil {
		return nil, err
	}

	inst.Status = InstanceStatus(status)
	if lastSeenStr.Valid {
		t := parseTime(lastSeenStr.String)
		inst.LastSeenAt = &t
	}
	inst.CreatedAt = parseTime(createdStr)
	inst.UpdatedAt = parseTime(updatedStr)
	return &inst, nil
}

// GetInstance retrieves an instance by ID.
// Returns ErrNotFound if the instance doesn't exist.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)

	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns all instances ordered by name.
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

// ListInstancesByStatus returns instances whose status matches any of the given values.
func (s *SQLiteStore) ListInstancesByStatus(ctx context.Context, statuses ...InstanceStatus) ([]*Instance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	query := `SELECT ` + instanceColumns + ` FROM instances WHERE status IN (` + placeholders + `) ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing instances by status: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

func collectInstances(rows *sql.Rows) ([]*Instance, error) {
	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// UpdateInstanceStatus sets the persisted status and bumps last_seen_at on ONLINE.
func (s *SQLiteStore) UpdateInstanceStatus(ctx context.Context, id string, status InstanceStatus) error {
	now := formatTime(time.Now())

	var result sql.Result
	var err error
	if status == StatusOnline {
		result, err = s.db.ExecContext(ctx,
			`UPDATE instances SET status = ?, last_seen_at = ?, updated_at = ? WHERE id = ?`,
			string(status), now, now, id)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE instances SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("updating instance status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionColumns = `id, user_id, instance_id, agent_id, session_key, is_active, live_messages, last_message_at, message_count, title, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*ChatSession, error) {
	var sess ChatSession
	var isActive int
	var live, title sql.NullString
	var lastMsgStr, createdStr, updatedStr string

	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.InstanceID,
		&sess.AgentID,
		&sess.SessionKey,
		&isActive,
		&live,
		&lastMsgStr,
		&sess.MessageCount,
		&title,
		&createdStr,
		&updatedStr,
	)
	if err != nil {
		return nil, err
	}

	sess.IsActive = isActive == 1
	if live.Valid {
		sess.LiveMessages = &live.String
	}
	if title.Valid {
		sess.Title = &title.String
	}
	sess.LastMessageAt = parseTime(lastMsgStr)
	sess.CreatedAt = parseTime(createdStr)
	sess.UpdatedAt = parseTime(updatedStr)
	return &sess, nil
}

// GetSession retrieves a chat session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// GetActiveSession returns the one active session for the triple, or ErrNotFound.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, userID, instanceID, agentID string) (*ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE user_id = ? AND instance_id = ? AND agent_id = ? AND is_active = 1`,
		userID, instanceID, agentID)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions for a user/instance pair, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID, instanceID string, limit int) ([]*ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE user_id = ? AND instance_id = ?
		 ORDER BY last_message_at DESC LIMIT ?`,
		userID, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// TouchOrCreateActiveSession finds and bumps the active session for the
// candidate's (user, instance, agent) triple, creating it when none exists.
// Runs in a single transaction; a concurrent create that wins the race is
// detected via the partial unique index and resolved by re-reading.
func (s *SQLiteStore) TouchOrCreateActiveSession(ctx context.Context, candidate *ChatSession) (*ChatSession, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE user_id = ? AND instance_id = ? AND agent_id = ? AND is_active = 1`,
		candidate.UserID, candidate.InstanceID, candidate.AgentID)

	existing, err := scanSession(row)
	if err == nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE chat_sessions
			 SET last_message_at = ?, message_count = message_count + 1, updated_at = ?
			 WHERE id = ?`,
			formatTime(now), formatTime(now), existing.ID)
		if err != nil {
			return nil, false, fmt.Errorf("bumping session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("committing: %w", err)
		}
		existing.LastMessageAt = now
		existing.MessageCount++
		existing.UpdatedAt = now
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("querying active session: %w", err)
	}

	sess := *candidate
	sess.IsActive = true
	sess.LastMessageAt = now
	sess.MessageCount = 1
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, user_id, instance_id, agent_id, session_key, is_active, live_messages, last_message_at, message_count, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, NULL, ?, 1, NULL, ?, ?)`,
		sess.ID, sess.UserID, sess.InstanceID, sess.AgentID, sess.SessionKey,
		formatTime(now), formatTime(now), formatTime(now))
	if err != nil {
		if isConstraintViolation(err) {
			// Another send won the race. Re-read outside this transaction.
			tx.Rollback()
			winner, lookupErr := s.GetActiveSession(ctx, candidate.UserID, candidate.InstanceID, candidate.AgentID)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("retry lookup after duplicate: %w", lookupErr)
			}
			s.logger.Debug("found existing session after race", "session_id", winner.ID)
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("inserting session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing: %w", err)
	}

	s.logger.Debug("created session", "session_id", sess.ID, "user_id", sess.UserID, "agent_id", sess.AgentID)
	return &sess, true, nil
}

// ActivateSession marks the session active. Activating an already-active
// session is a no-op; a different active session for the same triple yields
// ErrDuplicateActiveSession.
func (s *SQLiteStore) ActivateSession(ctx context.Context, id string) error {
	now := formatTime(time.Now())

	result, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET is_active = 1, updated_at = ? WHERE id = ?`,
		now, id)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateActiveSession
		}
		return fmt.Errorf("activating session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateSession marks the session inactive and clears the live buffer.
func (s *SQLiteStore) DeactivateSession(ctx context.Context, id string) error {
	now := formatTime(time.Now())

	result, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET is_active = 0, live_messages = NULL, updated_at = ? WHERE id = ?`,
		now, id)
	if err != nil {
		return fmt.Errorf("deactivating session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionTitle sets the session title.
func (s *SQLiteStore) SetSessionTitle(ctx context.Context, id, title string) error {
	now := formatTime(time.Now())

	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, now, id)
	if err != nil {
		return fmt.Errorf("setting session title: %w", err)
	}
	return nil
}

// SetLiveMessages replaces the live transcript buffer. Pass nil to clear.
func (s *SQLiteStore) SetLiveMessages(ctx context.Context, id string, liveJSON *string) error {
	now := formatTime(time.Now())

	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET live_messages = ?, updated_at = ? WHERE id = ?`,
		liveJSON, now, id)
	if err != nil {
		return fmt.Errorf("setting live messages: %w", err)
	}
	return nil
}

// SaveSnapshots appends a batch of snapshot rows in one transaction.
func (s *SQLiteStore) SaveSnapshots(ctx context.Context, snapshots []*MessageSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO message_snapshots (id, batch_id, chat_session_id, order_index, role, content, thinking, tool_calls, content_blocks, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	// One fallback stamp for the whole batch so unstamped rows still sort
	// as a unit under the (created_at, order_index) replay order.
	now := time.Now()

	for _, snap := range snapshots {
		created := snap.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err := stmt.ExecContext(ctx,
			snap.ID,
			snap.BatchID,
			snap.ChatSessionID,
			snap.OrderIndex,
			snap.Role,
			snap.Content,
			snap.Thinking,
			snap.ToolCalls,
			snap.ContentBlocks,
			formatTime(created),
		)
		if err != nil {
			return fmt.Errorf("inserting snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	s.logger.Debug("saved snapshot batch",
		"batch_id", snapshots[0].BatchID,
		"session_id", snapshots[0].ChatSessionID,
		"count", len(snapshots))
	return nil
}

// ListSnapshots returns all snapshot rows for a session ordered for replay.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, chatSessionID string) ([]*MessageSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, chat_session_id, order_index, role, content, thinking, tool_calls, content_blocks, created_at
		 FROM message_snapshots
		 WHERE chat_session_id = ?
		 ORDER BY created_at, order_index`,
		chatSessionID)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*MessageSnapshot
	for rows.Next() {
		var snap MessageSnapshot
		var thinking, toolCalls, blocks sql.NullString
		var createdStr string

		err := rows.Scan(
			&snap.ID,
			&snap.BatchID,
			&snap.ChatSessionID,
			&snap.OrderIndex,
			&snap.Role,
			&snap.Content,
			&thinking,
			&toolCalls,
			&blocks,
			&createdStr,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}

		if thinking.Valid {
			snap.Thinking = &thinking.String
		}
		if toolCalls.Valid {
			snap.ToolCalls = &toolCalls.String
		}
		if blocks.Valid {
			snap.ContentBlocks = &blocks.String
		}
		snap.CreatedAt = parseTime(createdStr)
		snapshots = append(snapshots, &snap)
	}
	return snapshots, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
