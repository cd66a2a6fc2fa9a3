package codepunk

import "context"

// SessionRepository persists sessions. Implementations live under store/.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Update overwrites the stored session. LastActivityAt must be
	// monotonic: implementations never move it backwards.
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	GetRecent(ctx context.Context, n int) ([]*Session, error)
}

// MessageRepository persists conversation messages in generation order.
type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	ListBySession(ctx context.Context, sessionID string) ([]*Message, error)
	DeleteBySession(ctx context.Context, sessionID string) error
}

// AuthStore maps provider names to API keys.
type AuthStore interface {
	Get(provider string) (string, error)
	Set(provider, key string) error
	Remove(provider string) error
	List() (map[string]string, error)
}
