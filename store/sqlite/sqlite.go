// Package sqlite persists sessions and messages in a local SQLite file
// using the pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	codepunk "github.com/codepunk/codepunk"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("sqlite: not found")

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger. When set, the store emits debug
// logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store owns the SQLite handle. The session and message repositories are
// views over it: s.Sessions() and s.Messages().
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: codepunk.NopLogger()}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts TEXT NOT NULL,
			model TEXT,
			provider TEXT,
			created_at INTEGER NOT NULL,
			seq INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at DESC)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Sessions returns the session repository view.
func (s *Store) Sessions() codepunk.SessionRepository { return &sessionRepo{s} }

// Messages returns the message repository view.
func (s *Store) Messages() codepunk.MessageRepository { return &messageRepo{s} }

// --- sessions ---

type sessionRepo struct{ s *Store }

var _ codepunk.SessionRepository = (*sessionRepo)(nil)

func (r *sessionRepo) Create(ctx context.Context, sess *codepunk.Session) error {
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at, last_activity_at, prompt_tokens, completion_tokens, cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.CreatedAt, sess.LastActivityAt,
		sess.PromptTokens, sess.CompletionTokens, sess.Cost)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	r.s.logger.Debug("sqlite: session created", "id", sess.ID)
	return nil
}

func (r *sessionRepo) Get(ctx context.Context, id string) (*codepunk.Session, error) {
	row := r.s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, last_activity_at, prompt_tokens, completion_tokens, cost
		 FROM sessions WHERE id = ?`, id)
	var sess codepunk.Session
	err := row.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.LastActivityAt,
		&sess.PromptTokens, &sess.CompletionTokens, &sess.Cost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &sess, nil
}

// Update overwrites the stored session. LastActivityAt never moves
// backwards: the stored value wins when it is newer.
func (r *sessionRepo) Update(ctx context.Context, sess *codepunk.Session) error {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE sessions SET
			title = ?,
			last_activity_at = MAX(last_activity_at, ?),
			prompt_tokens = ?,
			completion_tokens = ?,
			cost = ?
		 WHERE id = ?`,
		sess.Title, sess.LastActivityAt,
		sess.PromptTokens, sess.CompletionTokens, sess.Cost, sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a session and its messages.
func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := r.s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	r.s.logger.Debug("sqlite: session deleted", "id", id)
	return nil
}

// GetRecent returns the n most recently active sessions.
func (r *sessionRepo) GetRecent(ctx context.Context, n int) ([]*codepunk.Session, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT id, title, created_at, last_activity_at, prompt_tokens, completion_tokens, cost
		 FROM sessions ORDER BY last_activity_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("select recent sessions: %w", err)
	}
	defer rows.Close()

	var out []*codepunk.Session
	for rows.Next() {
		var sess codepunk.Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.LastActivityAt,
			&sess.PromptTokens, &sess.CompletionTokens, &sess.Cost); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// --- messages ---

type messageRepo struct{ s *Store }

var _ codepunk.MessageRepository = (*messageRepo)(nil)

// Create appends a message to its session's conversation. The seq column
// makes ordering stable when timestamps collide.
func (r *messageRepo) Create(ctx context.Context, m *codepunk.Message) error {
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, parts, model, provider, created_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?))`,
		m.ID, m.SessionID, string(m.Role), string(parts), m.Model, m.Provider, m.CreatedAt, m.SessionID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListBySession returns a session's messages in generation order.
func (r *messageRepo) ListBySession(ctx context.Context, sessionID string) ([]*codepunk.Message, error) {
	start := time.Now()
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT id, session_id, role, parts, model, provider, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []*codepunk.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	r.s.logger.Debug("sqlite: messages listed",
		"session_id", sessionID, "count", len(out), "duration", time.Since(start))
	return out, nil
}

// DeleteBySession removes all messages of a session.
func (r *messageRepo) DeleteBySession(ctx context.Context, sessionID string) error {
	if _, err := r.s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func scanMessage(rows *sql.Rows) (*codepunk.Message, error) {
	var (
		m               codepunk.Message
		role, parts     string
		model, provider sql.NullString
	)
	if err := rows.Scan(&m.ID, &m.SessionID, &role, &parts, &model, &provider, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Role = codepunk.Role(role)
	m.Model = model.String
	m.Provider = provider.String
	if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
		return nil, fmt.Errorf("unmarshal parts: %w", err)
	}
	return &m, nil
}
