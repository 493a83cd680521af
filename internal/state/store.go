package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HookRecord is one webhook this tool created.
type HookRecord struct {
	Repository        string
	HookID            int64
	CallbackURL       string
	SecretFingerprint string
	CreatedAt         time.Time
}

// HookLedger remembers registered hooks so they can be listed and cleaned up.
type HookLedger struct {
	db *sql.DB
}

func NewHookLedger(db *sql.DB) *HookLedger {
	return &HookLedger{db: db}
}

// Record upserts a hook. Re-recording the same (repository, hook_id) refreshes it.
func (l *HookLedger) Record(ctx context.Context, rec HookRecord) error {
	if rec.Repository == "" {
		return fmt.Errorf("repository is empty")
	}
	if rec.HookID == 0 {
		return fmt.Errorf("hook id is zero")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO hooks(repository, hook_id, callback_url, secret_fingerprint, created_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(repository, hook_id) DO UPDATE SET
  callback_url       = excluded.callback_url,
  secret_fingerprint = excluded.secret_fingerprint,
  created_at         = excluded.created_at;
`, rec.Repository, rec.HookID, rec.CallbackURL, rec.SecretFingerprint, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record hook: %w", err)
	}
	return nil
}

// List returns the hooks recorded for repository, oldest first.
func (l *HookLedger) List(ctx context.Context, repository string) ([]HookRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT repository, hook_id, callback_url, secret_fingerprint, created_at
FROM hooks WHERE repository = ? ORDER BY created_at, hook_id;`, repository)
	if err != nil {
		return nil, fmt.Errorf("list hooks: %w", err)
	}
	defer rows.Close()

	var out []HookRecord
	for rows.Next() {
		var (
			rec     HookRecord
			created string
		)
		if err := rows.Scan(&rec.Repository, &rec.HookID, &rec.CallbackURL, &rec.SecretFingerprint, &created); err != nil {
			return nil, fmt.Errorf("scan hook: %w", err)
		}
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for hook %d: %w", rec.HookID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete forgets a hook. Deleting an unknown hook is not an error.
func (l *HookLedger) Delete(ctx context.Context, repository string, hookID int64) error {
	if _, err := l.db.ExecContext(ctx, "DELETE FROM hooks WHERE repository = ? AND hook_id = ?;", repository, hookID); err != nil {
		return fmt.Errorf("delete hook: %w", err)
	}
	return nil
}
