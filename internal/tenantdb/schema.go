package tenantdb

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/widgetkit/gateway/internal/core/ports"
)

// SchemaVersion is written to user_version after the widget schema is applied.
const SchemaVersion = 1

// WidgetSchema creates the tables the widget handlers use.
type WidgetSchema struct{}

var _ ports.SchemaMigrator = WidgetSchema{}

var widgetStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
id INTEGER PRIMARY KEY AUTOINCREMENT,
email TEXT NOT NULL UNIQUE,
name TEXT NOT NULL,
password_hash TEXT NOT NULL,
created_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS comments (
id INTEGER PRIMARY KEY AUTOINCREMENT,
page_id TEXT NOT NULL,
user_id INTEGER NULL REFERENCES users(id) ON DELETE SET NULL,
author_name TEXT NOT NULL,
body TEXT NOT NULL,
status TEXT NOT NULL DEFAULT 'published',
created_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS reviews (
id INTEGER PRIMARY KEY AUTOINCREMENT,
page_id TEXT NOT NULL,
user_id INTEGER NULL REFERENCES users(id) ON DELETE SET NULL,
author_name TEXT NOT NULL,
rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
body TEXT NOT NULL DEFAULT '',
created_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS notifications (
id INTEGER PRIMARY KEY AUTOINCREMENT,
user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
message TEXT NOT NULL,
read_at TIMESTAMP NULL,
created_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_page ON comments(page_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_page ON reviews(page_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, read_at)`,
}

// Migrate applies the schema in one transaction and stamps the version.
func (WidgetSchema) Migrate(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range widgetStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// MigratorFunc adapts a function to ports.SchemaMigrator.
type MigratorFunc func(ctx context.Context, db *sqlx.DB) error

// Migrate calls f.
func (f MigratorFunc) Migrate(ctx context.Context, db *sqlx.DB) error {
	return f(ctx, db)
}
