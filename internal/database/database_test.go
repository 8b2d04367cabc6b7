package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	dir := t.TempDir()
	db, err := New(context.Background(), filepath.Join(dir, "store.db"), filepath.Join(dir, "backups"))
	require.NoError(t, err, "open database")
	t.Cleanup(func() { db.Close() })

	err = db.Write(context.Background(), func(conn *sql.Conn) error {
		_, err := conn.ExecContext(context.Background(),
			"CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
		return err
	})
	require.NoError(t, err, "create test table")

	return db
}

func TestDB_WALMode(t *testing.T) {
	db := openTestDB(t)

	var mode string
	err := db.Read(context.Background(), func(conn *sql.Conn) error {
		return conn.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode)
	})
	require.NoError(t, err)
	assert.Equal(t, "wal", strings.ToLower(mode))
}

func TestDB_ReadWrite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.Write(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES ('a', '1')")
		return err
	})
	require.NoError(t, err)

	var v string
	err = db.Read(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, "SELECT v FROM kv WHERE k = 'a'").Scan(&v)
	})
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestDB_ConcurrentReaders(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Write(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES ('a', '1')")
		return err
	}))

	// more goroutines than pooled connections; checkout must block, not fail
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- db.Read(ctx, func(conn *sql.Conn) error {
				var v string
				return conn.QueryRowContext(ctx, "SELECT v FROM kv WHERE k = 'a'").Scan(&v)
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestDB_Snapshot(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Write(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES ('a', '1')")
		return err
	}))

	path, err := db.Snapshot(ctx)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err, "backup file must exist")
	assert.Greater(t, info.Size(), int64(0))
	assert.Contains(t, filepath.Base(path), "store_backup_")

	// the copy is a usable self-contained database
	backup, err := New(ctx, path, t.TempDir())
	require.NoError(t, err)
	defer backup.Close()

	var v string
	err = backup.Read(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, "SELECT v FROM kv WHERE k = 'a'").Scan(&v)
	})
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestDB_SnapshotExcludesWriters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// a snapshot taken while writes keep landing must not fail
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		i := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			i++
			_ = db.Write(ctx, func(conn *sql.Conn) error {
				_, err := conn.ExecContext(ctx,
					"INSERT OR REPLACE INTO kv (k, v) VALUES ('w', ?)", i)
				return err
			})
		}
	}()

	for i := 0; i < 3; i++ {
		path, err := db.Snapshot(ctx)
		require.NoError(t, err)
		require.FileExists(t, path)
	}

	close(stop)
	wg.Wait()
}
