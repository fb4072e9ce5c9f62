package history

import (
	"context"
	"strings"
)

// NewStore picks a backend from the database URL: empty means in-memory,
// sqlite:// or file: means SQLite, anything else is handed to PostgreSQL.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
	case strings.HasPrefix(databaseURL, "file:"):
		return NewSQLiteStore(ctx, databaseURL)
	default:
		return NewPostgresStore(ctx, databaseURL)
	}
}

// Mode names the backend behind a Store built by NewStore.
func Mode(s Store) string {
	switch s.(type) {
	case *InMemoryStore:
		return "in-memory"
	case *SQLiteStore:
		return "sqlite"
	case *PostgresStore:
		return "postgres"
	default:
		return "custom"
	}
}
