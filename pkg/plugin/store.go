package plugin

import (
	"context"
	"database/sql"
)

// Store is the shared durable storage surface handed to plugins that need
// relational persistence beyond their config blob.
type Store interface {
	// DB exposes the underlying handle for queries.
	DB() *sql.DB

	// Tx runs fn inside a transaction, committing on nil and rolling
	// back otherwise.
	Tx(ctx context.Context, fn func(*sql.Tx) error) error

	// Migrate applies the plugin's pending schema migrations in version
	// order. Applied versions are tracked per plugin, so calling it on
	// every Start is cheap and idempotent.
	Migrate(ctx context.Context, pluginName string, migrations []Migration) error
}

// Migration is one versioned schema step.
type Migration struct {
	Version     int
	Description string
	Up          func(*sql.Tx) error
}
