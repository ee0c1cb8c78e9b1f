// Package store – store.go provides the concurrent session store. All writes
// (and reads that participate in a read-modify-write) are serialized by an
// internal mutex; plain reads go straight to SQLite, which under WAL mode
// supports many concurrent readers against one writer.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session scopes partition sessions for the same chat.
const (
	ScopeMain           = "main"
	ScopePerPeer        = "per-peer"
	ScopePerChannelPeer = "per-channel-peer"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

var (
	// ErrSessionNotFound is returned when a session id does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrToolNameRequired is returned when a tool-role message is appended
	// without a tool name.
	ErrToolNameRequired = errors.New("tool message requires a tool name")
)

// Session is the durable per-chat (and per-scope) conversation context.
type Session struct {
	ID           string
	Key          string
	Agent        string
	Scope        string
	ChatID       int64
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one append-only conversation row. Tool-role messages carry the
// tool call record (name, params, result).
type Message struct {
	ID         int64
	SessionID  string
	Role       string
	Content    string
	Timestamp  time.Time
	ToolName   string
	ToolParams string // JSON-encoded parameters, empty for non-tool rows.
	ToolResult string
	Metadata   string
}

// SessionStats is the read-only admin view of one session.
type SessionStats struct {
	MessageCount    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	EstimatedTokens int
	LastMessages    []Message
}

// Store is the single owned handle over the SQLite database. Components
// borrow it at construction and must not cache rows.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// mu serializes all writes and read-modify-write operations so a reader
	// never observes a torn multi-statement update.
	mu sync.Mutex

	// lastStamp tracks the newest message timestamp per session so that
	// timestamps stay strictly monotonic in insertion order even when the
	// wall clock does not advance between inserts.
	lastStamp map[string]time.Time

	ftsAvailable bool
}

// Open opens the database at path and returns the store handle.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, fts, err := OpenDatabase(path)
	if err != nil {
		return nil, err
	}
	if !fts {
		logger.Warn("FTS5 not available, memory search falls back to LIKE")
	}
	return &Store{
		db:           db,
		logger:       logger.With("component", "store"),
		lastStamp:    make(map[string]time.Time),
		ftsAvailable: fts,
	}, nil
}

// Close commits pending writes and closes the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SessionKeyFor builds the unique session key for an (agent, scope, chat) triple.
func SessionKeyFor(agent, scope string, chatID int64) string {
	if agent == "" {
		agent = "main"
	}
	if scope == "" {
		scope = ScopeMain
	}
	return fmt.Sprintf("agent:%s:%s:%d", agent, scope, chatID)
}

// GetOrCreateSession returns the session for (chatID, scope, agent), creating
// it lazily on first use. Idempotent: repeated calls return the same session.
func (s *Store) GetOrCreateSession(chatID int64, scope, agent string) (*Session, error) {
	key := SessionKeyFor(agent, scope, chatID)

	if sess, err := s.sessionByKey(key); err == nil {
		return sess, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check under the write mutex.
	if sess, err := s.sessionByKey(key); err == nil {
		return sess, nil
	}

	if agent == "" {
		agent = "main"
	}
	if scope == "" {
		scope = ScopeMain
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, session_key, agent, scope, chat_id, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		id, key, agent, scope, chatID,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info("session created", "key", key, "chat_id", chatID)
	return &Session{
		ID:        id,
		Key:       key,
		Agent:     agent,
		Scope:     scope,
		ChatID:    chatID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	return s.scanSession(s.db.QueryRow(`
		SELECT id, session_key, agent, scope, chat_id, message_count, created_at, updated_at
		FROM sessions WHERE id = ?`, sessionID))
}

func (s *Store) sessionByKey(key string) (*Session, error) {
	return s.scanSession(s.db.QueryRow(`
		SELECT id, session_key, agent, scope, chat_id, message_count, created_at, updated_at
		FROM sessions WHERE session_key = ?`, key))
}

func (s *Store) scanSession(row *sql.Row) (*Session, error) {
	var (
		sess               Session
		createdAt, updated string
	)
	err := row.Scan(&sess.ID, &sess.Key, &sess.Agent, &sess.Scope, &sess.ChatID,
		&sess.MessageCount, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &sess, nil
}

// AddMessage appends a message to a session. The timestamp is assigned by the
// store and is strictly monotonic per session in insertion order. Appending
// also bumps the session's message_count and updated_at.
func (s *Store) AddMessage(m Message) (int64, error) {
	if m.Role == RoleTool && m.ToolName == "" {
		return 0, ErrToolNameRequired
	}
	if m.Metadata == "" {
		m.Metadata = "{}"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, m.SessionID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return 0, ErrSessionNotFound
	}

	ts := time.Now().UTC()
	if last, ok := s.lastStamp[m.SessionID]; ok && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	s.lastStamp[m.SessionID] = ts

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO messages (session_id, role, content, timestamp, tool_name, tool_params, tool_result, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.Role, m.Content, ts.Format(time.RFC3339Nano),
		m.ToolName, m.ToolParams, m.ToolResult, m.Metadata,
	)
	if err != nil {
		return 0, fmt.Errorf("save message: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE sessions SET message_count = message_count + 1, updated_at = ?
		WHERE id = ?`, ts.Format(time.RFC3339Nano), m.SessionID,
	); err != nil {
		return 0, fmt.Errorf("bump message count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit message: %w", err)
	}

	id, _ := res.LastInsertId()
	return id, nil
}

// RecordToolCall appends a tool-role message carrying a tool call record.
func (s *Store) RecordToolCall(sessionID, toolName, paramsJSON, result string) error {
	_, err := s.AddMessage(Message{
		SessionID:  sessionID,
		Role:       RoleTool,
		Content:    result,
		ToolName:   toolName,
		ToolParams: paramsJSON,
		ToolResult: result,
	})
	return err
}

// GetMessages returns messages in chronological order with limit/offset
// paging. limit <= 0 means no limit.
func (s *Store) GetMessages(sessionID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, timestamp, tool_name, tool_params, tool_result, metadata
		FROM messages WHERE session_id = ?
		ORDER BY id ASC LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetRecentMessages returns the newest N messages, in chronological order.
func (s *Store) GetRecentMessages(sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, timestamp, tool_name, tool_params, tool_result, metadata
		FROM (
			SELECT * FROM messages WHERE session_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var (
			m  Message
			ts string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts,
			&m.ToolName, &m.ToolParams, &m.ToolResult, &m.Metadata); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ClearSession drops all messages and the model history blob for a session,
// keeping the session row itself. The resumable task ledger is not touched.
func (s *Store) ClearSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE sessions SET message_count = 0, model_history = '', updated_at = ?
		WHERE id = ?`, time.Now().UTC().Format(time.RFC3339Nano), sessionID,
	); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	delete(s.lastStamp, sessionID)
	return tx.Commit()
}

// SetModelHistory atomically replaces the opaque model message history blob.
func (s *Store) SetModelHistory(sessionID, blob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE sessions SET model_history = ? WHERE id = ?`, blob, sessionID)
	if err != nil {
		return fmt.Errorf("set model history: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetModelHistory returns the opaque model message history blob. Concurrent
// with a writer it observes either the previous or the new committed value,
// never a partial write.
func (s *Store) GetModelHistory(sessionID string) (string, error) {
	var blob string
	err := s.db.QueryRow(`SELECT model_history FROM sessions WHERE id = ?`, sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get model history: %w", err)
	}
	return blob, nil
}

// Stats returns the admin view of one session: counts, timestamps, a rough
// token estimate (chars/4 over all content) and the last N messages.
func (s *Store) Stats(sessionID string, lastN int) (*SessionStats, error) {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	var chars int
	if err := s.db.QueryRow(`
		SELECT COALESCE(SUM(LENGTH(content)), 0) FROM messages WHERE session_id = ?`,
		sessionID).Scan(&chars); err != nil {
		return nil, fmt.Errorf("sum content length: %w", err)
	}

	if lastN <= 0 {
		lastN = 5
	}
	last, err := s.GetRecentMessages(sessionID, lastN)
	if err != nil {
		return nil, err
	}

	return &SessionStats{
		MessageCount:    sess.MessageCount,
		CreatedAt:       sess.CreatedAt,
		UpdatedAt:       sess.UpdatedAt,
		EstimatedTokens: chars / 4,
		LastMessages:    last,
	}, nil
}
