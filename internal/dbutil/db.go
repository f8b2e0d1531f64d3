// Package dbutil bootstraps the SQLite database shared by the task store,
// agent registry, and reputation ledger: schema creation, additive
// migrations, and the connection settings the single-writer-per-project
// lease model depends on.
package dbutil

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

//go:embed migrations/001_add_flags_detail.sql
var migration001 string

// DB wraps the shared connection pool and exposes the transaction helper
// every store package builds on.
type DB struct {
	*sql.DB
	path string
}

// Open creates (if needed) and migrates the database at path. WAL mode and
// a generous busy_timeout let BEGIN IMMEDIATE transactions queue instead of
// failing outright when two goroutines contend for the same project.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	// SQLite has exactly one writer regardless of pool size; a small pool
	// just bounds how many readers queue behind it.
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetMaxIdleConns(4)

	db := &DB{DB: sqlDB, path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}
	return db, nil
}

func (d *DB) migrate() error {
	if _, err := d.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	err := d.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check schema version: %w", err)
	}

	if version < 2 {
		log.Printf("[DBUTIL] running migration to v2: add flags.detail")
		if _, err := d.Exec(migration001); err != nil {
			return fmt.Errorf("failed to run migration 001: %w", err)
		}
		if _, err := d.Exec("DELETE FROM schema_version"); err != nil {
			return fmt.Errorf("failed to clear schema_version: %w", err)
		}
		if _, err := d.Exec("INSERT INTO schema_version (version) VALUES (2)"); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		log.Printf("[DBUTIL] migrated to schema v2")
	}

	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error fn returns.
func (d *DB) WithTx(fn func(*sql.Tx) error) error {
	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithImmediateTx runs fn against a single connection wrapped in a
// BEGIN IMMEDIATE/COMMIT block. database/sql's Tx always issues a plain
// BEGIN, which takes SQLite's write lock lazily on first write; BEGIN
// IMMEDIATE takes it up front, so a second caller attempting the same
// project's lease blocks on busy_timeout instead of interleaving with
// this one. This is the single-writer equivalent of Postgres's
// FOR UPDATE SKIP LOCKED that the lease operations rely on.
func (d *DB) WithImmediateTx(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := d.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	if err := fn(conn); err != nil {
		if _, rerr := conn.ExecContext(ctx, "ROLLBACK"); rerr != nil {
			log.Printf("[DBUTIL] rollback failed: %v", rerr)
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit immediate transaction: %w", err)
	}
	return nil
}

// Path returns the filesystem path the database was opened against.
func (d *DB) Path() string {
	return d.path
}
