// Package dialect provides database dialect abstractions for the registry store.
package dialect

import (
	"fmt"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name (e.g., "sqlite", "postgres", "mysql")
	Name() string

	// DriverName returns the database/sql driver name to use
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	// For example, PostgreSQL uses $1, $2, etc.
	Rebind(query string) string

	// TimestampType returns the SQL type for timestamps
	TimestampType() string

	// TextType returns the SQL type for large text fields
	TextType() string

	// KeyType returns the SQL type for indexed string identifiers
	KeyType() string

	// UpsertClause returns the ON CONFLICT/ON DUPLICATE KEY clause that
	// overwrites updateColumns with the inserted values.
	UpsertClause(conflictColumns []string, updateColumns []string) string

	// IncrementClause returns the conflict clause that adds one to column
	// on the existing row instead of inserting.
	IncrementClause(table string, conflictColumns []string, column string) string

	// PragmaStatements returns dialect-specific initialization statements (e.g., PRAGMA for SQLite)
	PragmaStatements() []string
}

// DialectType represents supported database types
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
	MySQL    DialectType = "mysql"
)

// FromDriverName returns the dialect for a given driver or configured name.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return &sqliteDialect{}, nil
	case "postgres", "postgresql", "pgx":
		return &postgresDialect{}, nil
	case "mysql":
		return &mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

// sqliteDialect implements Dialect for SQLite
type sqliteDialect struct{}

func (d *sqliteDialect) Name() string       { return "sqlite" }
func (d *sqliteDialect) DriverName() string { return "sqlite" }

func (d *sqliteDialect) Rebind(query string) string {
	return query // SQLite uses ?
}

func (d *sqliteDialect) TimestampType() string { return "TIMESTAMP" }
func (d *sqliteDialect) TextType() string      { return "TEXT" }
func (d *sqliteDialect) KeyType() string       { return "TEXT" }

func (d *sqliteDialect) UpsertClause(conflictColumns []string, updateColumns []string) string {
	target := strings.Join(conflictColumns, ", ")
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", target)
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s=excluded.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", target, strings.Join(updates, ", "))
}

func (d *sqliteDialect) IncrementClause(table string, conflictColumns []string, column string) string {
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s=%s.%s+1",
		strings.Join(conflictColumns, ", "), column, table, column)
}

func (d *sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
}

// postgresDialect implements Dialect for PostgreSQL
type postgresDialect struct{}

func (d *postgresDialect) Name() string       { return "postgres" }
func (d *postgresDialect) DriverName() string { return "pgx" }

func (d *postgresDialect) Rebind(query string) string {
	// Convert ? placeholders to $1, $2, etc.
	var result strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&result, "$%d", idx)
			idx++
		} else {
			result.WriteRune(ch)
		}
	}
	return result.String()
}

func (d *postgresDialect) TimestampType() string { return "TIMESTAMP WITH TIME ZONE" }
func (d *postgresDialect) TextType() string      { return "TEXT" }
func (d *postgresDialect) KeyType() string       { return "TEXT" }

func (d *postgresDialect) UpsertClause(conflictColumns []string, updateColumns []string) string {
	target := strings.Join(conflictColumns, ", ")
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", target)
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", target, strings.Join(updates, ", "))
}

func (d *postgresDialect) IncrementClause(table string, conflictColumns []string, column string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s = %s.%s + 1",
		strings.Join(conflictColumns, ", "), column, table, column)
}

func (d *postgresDialect) PragmaStatements() []string {
	return nil // PostgreSQL doesn't use pragmas
}

// mysqlDialect implements Dialect for MySQL
type mysqlDialect struct{}

func (d *mysqlDialect) Name() string       { return "mysql" }
func (d *mysqlDialect) DriverName() string { return "mysql" }

func (d *mysqlDialect) Rebind(query string) string {
	return query // MySQL uses ?
}

func (d *mysqlDialect) TimestampType() string { return "DATETIME(6)" }
func (d *mysqlDialect) TextType() string      { return "LONGTEXT" }

// KeyType is bounded so composite primary keys fit the InnoDB index limit under utf8mb4.
func (d *mysqlDialect) KeyType() string { return "VARCHAR(128)" }

func (d *mysqlDialect) UpsertClause(conflictColumns []string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		col := conflictColumns[0]
		return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", col, col) // No-op update
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
}

func (d *mysqlDialect) IncrementClause(_ string, _ []string, column string) string {
	return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s + 1", column, column)
}

func (d *mysqlDialect) PragmaStatements() []string {
	return nil // MySQL doesn't use pragmas
}
