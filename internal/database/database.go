// Package database provides sqlite connection management for the identity store.
//
// The store is a single-writer/multi-reader sqlite file in WAL mode. Access
// goes through a small bounded pool: a checked-out connection is scoped to one
// callback and never shared, and checkout blocks when the pool is exhausted.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// poolSize is the number of pooled connections to the store.
const poolSize = 5

// DB wraps the sqlite connection pool.
type DB struct {
	sql  *sql.DB
	path string

	backupDir string

	// Writers hold the read side so they can run concurrently with each
	// other; Snapshot takes the write side to exclude them entirely.
	writeMu sync.RWMutex
}

// New opens the sqlite database at path with WAL journaling enabled.
func New(ctx context.Context, path string, backupDir string) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(30000)",
		path,
	)

	pool, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pool.SetMaxOpenConns(poolSize)
	pool.SetMaxIdleConns(poolSize)

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{
		sql:       pool,
		path:      path,
		backupDir: backupDir,
	}, nil
}

// Read checks out one pooled connection for the duration of fn.
// Blocks until a connection is available.
func (db *DB) Read(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := db.sql.Conn(ctx)
	if err != nil {
		return fmt.Errorf("checkout connection: %w", err)
	}
	defer conn.Close()

	return fn(conn)
}

// Write checks out one pooled connection for a writing callback. Writers are
// excluded while a snapshot is in progress.
func (db *DB) Write(ctx context.Context, fn func(conn *sql.Conn) error) error {
	db.writeMu.RLock()
	defer db.writeMu.RUnlock()

	conn, err := db.sql.Conn(ctx)
	if err != nil {
		return fmt.Errorf("checkout connection: %w", err)
	}
	defer conn.Close()

	return fn(conn)
}

// Path returns the store file path.
func (db *DB) Path() string {
	return db.path
}

// Ping checks if the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.sql.Close()
}
