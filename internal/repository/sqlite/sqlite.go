// Package sqlite implements the repository interfaces on SQLite, using the
// pure-Go modernc.org/sqlite driver so no C toolchain is needed.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool and provides repository methods.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and runs migrations. ":memory:" gives a
// private in-memory database, which tests use.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would be a separate database.
	if strings.Contains(dbPath, ":memory:") {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database is reachable; used by the health check.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// migrations run in order; each one must be idempotent.
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "create scripts table",
		sql: `
		CREATE TABLE IF NOT EXISTS scripts (
			key        TEXT PRIMARY KEY,
			code       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	},
	{
		name: "index scripts by update time",
		sql:  `CREATE INDEX IF NOT EXISTS idx_scripts_updated_at ON scripts(updated_at);`,
	},
}

func (db *DB) migrate() error {
	for _, m := range migrations {
		if _, err := db.conn.Exec(m.sql); err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}
	}
	return nil
}
