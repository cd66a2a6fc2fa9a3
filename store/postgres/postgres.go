// Package postgres persists sessions and messages in PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	codepunk "github.com/codepunk/codepunk"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("postgres: not found")

// Store owns the pool. The session and message repositories are views over
// it: s.Sessions() and s.Messages().
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes. Safe to call multiple
// times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			last_activity_at BIGINT NOT NULL,
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts JSONB NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			seq BIGSERIAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions (last_activity_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// Sessions returns the session repository view.
func (s *Store) Sessions() codepunk.SessionRepository { return &sessionRepo{s.pool} }

// Messages returns the message repository view.
func (s *Store) Messages() codepunk.MessageRepository { return &messageRepo{s.pool} }

// --- sessions ---

type sessionRepo struct{ pool *pgxpool.Pool }

var _ codepunk.SessionRepository = (*sessionRepo)(nil)

func (r *sessionRepo) Create(ctx context.Context, sess *codepunk.Session) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, title, created_at, last_activity_at, prompt_tokens, completion_tokens, cost)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.Title, sess.CreatedAt, sess.LastActivityAt,
		sess.PromptTokens, sess.CompletionTokens, sess.Cost)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepo) Get(ctx context.Context, id string) (*codepunk.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, title, created_at, last_activity_at, prompt_tokens, completion_tokens, cost
		 FROM sessions WHERE id = $1`, id)
	var sess codepunk.Session
	err := row.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.LastActivityAt,
		&sess.PromptTokens, &sess.CompletionTokens, &sess.Cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &sess, nil
}

// Update overwrites the stored session. LastActivityAt never moves
// backwards: GREATEST keeps the newer of the stored and given values.
func (r *sessionRepo) Update(ctx context.Context, sess *codepunk.Session) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET
			title = $2,
			last_activity_at = GREATEST(last_activity_at, $3),
			prompt_tokens = $4,
			completion_tokens = $5,
			cost = $6
		 WHERE id = $1`,
		sess.ID, sess.Title, sess.LastActivityAt,
		sess.PromptTokens, sess.CompletionTokens, sess.Cost)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *sessionRepo) GetRecent(ctx context.Context, n int) ([]*codepunk.Session, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, created_at, last_activity_at, prompt_tokens, completion_tokens, cost
		 FROM sessions ORDER BY last_activity_at DESC LIMIT $1`, n)
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

type messageRepo struct{ pool *pgxpool.Pool }

var _ codepunk.MessageRepository = (*messageRepo)(nil)

func (r *messageRepo) Create(ctx context.Context, m *codepunk.Message) error {
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, parts, model, provider, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.SessionID, string(m.Role), parts, m.Model, m.Provider, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *messageRepo) ListBySession(ctx context.Context, sessionID string) ([]*codepunk.Message, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, role, parts, model, provider, created_at
		 FROM messages WHERE session_id = $1 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []*codepunk.Message
	for rows.Next() {
		var (
			m     codepunk.Message
			role  string
			parts []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &parts, &m.Model, &m.Provider, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = codepunk.Role(role)
		if err := json.Unmarshal(parts, &m.Parts); err != nil {
			return nil, fmt.Errorf("unmarshal parts: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *messageRepo) DeleteBySession(ctx context.Context, sessionID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}
