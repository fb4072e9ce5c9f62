package history

import (
	"context"
	"time"
)

// Entry is one durable record of a user or assistant message.
type Entry struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the append-only conversation log keyed by session id.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// ListBySession returns a session's entries ordered by write time, oldest first.
	ListBySession(ctx context.Context, sessionID string) ([]Entry, error)
	DeleteBySession(ctx context.Context, sessionID string) error
	Close() error
}
