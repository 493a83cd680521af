package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the ledger layout this build writes, kept in PRAGMA user_version.
const SchemaVersion = 1

// ErrSchemaTooNew is returned for a ledger written by a newer build.
var ErrSchemaTooNew = errors.New("ledger schema is newer than this build")

// Pragmas go in the DSN so every pooled connection gets them.
const ledgerPragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

var migrations = map[int][]string{
	1: {
		`CREATE TABLE IF NOT EXISTS hooks (
  repository         TEXT NOT NULL,
  hook_id            INTEGER NOT NULL,
  callback_url       TEXT NOT NULL,
  secret_fingerprint TEXT NOT NULL,
  created_at         TEXT NOT NULL,
  PRIMARY KEY (repository, hook_id)
);`,
		`CREATE INDEX IF NOT EXISTS hooks_callback_url_idx ON hooks(repository, callback_url);`,
	},
}

// OpenLedgerDB opens the hook ledger at path, creating the file, its
// directory, and the schema on first use.
func OpenLedgerDB(ctx context.Context, path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?"+ledgerPragmas)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	// One writer at a time; the ledger sees a handful of rows per run.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate brings the ledger schema up to SchemaVersion. Only registration
// facts are stored; deliveries never are.
func Migrate(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read ledger schema version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("%w: found %d, supports %d", ErrSchemaTooNew, current, SchemaVersion)
	}

	for v := current + 1; v <= SchemaVersion; v++ {
		if err := applyMigration(ctx, db, v); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate ledger to v%d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range migrations[version] {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger to v%d: %w", version, err)
		}
	}
	// PRAGMA does not take bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("migrate ledger to v%d: %w", version, err)
	}
	return tx.Commit()
}
