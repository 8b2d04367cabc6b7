package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Snapshot writes an immutable timestamped copy of the store into the backup
// directory and returns its path. No write may be in flight while the copy is
// taken, so writers are blocked for its duration; readers are not.
func (db *DB) Snapshot(ctx context.Context) (string, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := os.MkdirAll(db.backupDir, 0755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	// Fold the WAL into the main file so the copy is self-contained.
	if err := db.Read(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
		return err
	}); err != nil {
		return "", fmt.Errorf("checkpoint wal: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(db.path), filepath.Ext(db.path))
	timestamp := time.Now().Format("20060102_150405")
	backupPath := filepath.Join(db.backupDir, fmt.Sprintf("%s_backup_%s.db", base, timestamp))

	if err := copyFile(db.path, backupPath); err != nil {
		return "", fmt.Errorf("copy database: %w", err)
	}

	return backupPath, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
