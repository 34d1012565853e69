// Package repository stores users and their subscriptions in Postgres or
// SQLite.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect adapts queries written with Postgres placeholders ($1, $2, ...) to
// the connected driver.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

var placeholder = regexp.MustCompile(`\$\d+`)

// Rebind rewrites $N placeholders for drivers that only accept "?". Queries
// must use each placeholder once and in order.
func (d Dialect) Rebind(query string) string {
	if d != SQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}

// Open connects to dsn. postgres:// and postgresql:// URLs use lib/pq;
// sqlite:// URLs, file: URIs, bare paths and ":memory:" use SQLite.
func Open(dsn string) (*sql.DB, Dialect, error) {
	dialect, source := parseDSN(dsn)

	db, err := sql.Open(string(dialect), source)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == SQLite {
		// An in-memory database exists per connection, and SQLite
		// serializes writers anyway.
		db.SetMaxOpenConns(1)
	}

	return db, dialect, nil
}

func parseDSN(dsn string) (Dialect, string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return Postgres, dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return SQLite, strings.TrimPrefix(dsn, "sqlite://")
	default:
		return SQLite, dsn
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'member',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS user_subscriptions (
	user_id TEXT NOT NULL,
	plan_id TEXT NOT NULL,
	start_date TIMESTAMP NOT NULL,
	end_date TIMESTAMP,
	status TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_user_subscriptions_user ON user_subscriptions (user_id, status);
`

// Migrate creates the tables this package reads if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
