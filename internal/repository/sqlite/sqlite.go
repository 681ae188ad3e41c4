// Package sqlite implements the repository interfaces on SQLite.
//
// The driver is modernc.org/sqlite, a pure Go translation of SQLite, so the
// broker builds without a C toolchain. Pass ":memory:" for a throwaway
// database in tests.
package sqlite

import (
	"database/sql"
	"fmt"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool and provides repository methods.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/mojokernel.db" → file-based database (persistent)
//   - ":memory:"           → in-memory database (lost on close)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// An in-memory database exists per connection, so the pool must not
	// open a second one.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// dsn applies the pragmas to every connection the pool opens, not just the
// first. WAL lets history reads proceed while an execution is being
// recorded.
func dsn(dbPath string) string {
	return dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the schema. Every statement is idempotent.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			owner      TEXT NOT NULL,
			engine     TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			closed_at  DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner, created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating sessions table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id              TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			execution_count INTEGER NOT NULL,
			code            TEXT NOT NULL,
			status          TEXT NOT NULL,
			stdout          TEXT NOT NULL DEFAULT '',
			stderr          TEXT NOT NULL DEFAULT '',
			ename           TEXT NOT NULL DEFAULT '',
			evalue          TEXT NOT NULL DEFAULT '',
			traceback       TEXT NOT NULL DEFAULT '[]',
			created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating executions table: %w", err)
	}

	// duration_ms was added after the first release.
	if err := db.addColumnIfNotExists("executions", "duration_ms",
		"INTEGER NOT NULL DEFAULT 0"); err != nil {
		return fmt.Errorf("adding duration_ms to executions: %w", err)
	}

	return nil
}

// addColumnIfNotExists adds a column to a table only if it doesn't already exist.
func (db *DB) addColumnIfNotExists(table, column, definition string) error {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	_, err = db.conn.Exec(fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition,
	))
	return err
}
