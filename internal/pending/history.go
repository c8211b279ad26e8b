package pending

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// History archives resolved transactions in sqlite so past activity
// survives restarts. Only terminal states are written.
type History struct {
	db   *sql.DB
	lock *flock.Flock
}

// Entry is one archived transaction.
type Entry struct {
	ID         string
	UserID     int64
	App        string
	Method     string
	State      State
	TxHash     string
	Summary    string
	FailReason string
	CreatedAt  time.Time
	ResolvedAt time.Time
}

func OpenHistory(path, lockPath string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS tx_history (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			app TEXT NOT NULL,
			method TEXT NOT NULL,
			state TEXT NOT NULL,
			tx_hash TEXT NOT NULL,
			summary TEXT NOT NULL,
			fail_reason TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			resolved_at INTEGER NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_tx_history_user ON tx_history(user_id, resolved_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init history schema: %w", err)
		}
	}
	return &History{db: db, lock: flock.New(lockPath)}, nil
}

func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// Record upserts one resolved transaction. Re-recording the same ID is
// idempotent.
func (h *History) Record(tx *Transaction) error {
	locked, err := h.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock history: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock history: timeout acquiring lock")
	}
	defer func() { _ = h.lock.Unlock() }()

	hash := ""
	if tx.TxHash != (common.Hash{}) {
		hash = tx.TxHash.Hex()
	}
	resolved := tx.ResolvedAt
	if resolved.IsZero() {
		resolved = time.Now().UTC()
	}
	_, err = h.db.Exec(`
		INSERT INTO tx_history (id, user_id, app, method, state, tx_hash, summary, fail_reason, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state,
			tx_hash=excluded.tx_hash,
			fail_reason=excluded.fail_reason,
			resolved_at=excluded.resolved_at
	`, tx.ID, tx.UserID, tx.App, tx.Method, string(tx.State), hash, tx.Summary, tx.FailReason,
		tx.CreatedAt.Unix(), resolved.Unix())
	if err != nil {
		return fmt.Errorf("history write: %w", err)
	}
	return nil
}

// List returns the user's most recently resolved transactions, newest
// first.
func (h *History) List(userID int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := h.db.Query(`
		SELECT id, user_id, app, method, state, tx_hash, summary, fail_reason, created_at, resolved_at
		FROM tx_history WHERE user_id = ?
		ORDER BY resolved_at DESC, created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history read: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var state string
		var createdUnix, resolvedUnix int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.App, &e.Method, &state, &e.TxHash, &e.Summary, &e.FailReason, &createdUnix, &resolvedUnix); err != nil {
			return nil, fmt.Errorf("history scan: %w", err)
		}
		e.State = State(state)
		e.CreatedAt = time.Unix(createdUnix, 0).UTC()
		e.ResolvedAt = time.Unix(resolvedUnix, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
