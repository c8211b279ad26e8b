package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Cache is a TTL-bounded token metadata cache shared by all users.
// Population is idempotent: concurrent writers resolving the same token
// upsert identical rows.
type Cache struct {
	db   *sql.DB
	lock *flock.Flock
	ttl  time.Duration
}

type cachedInfo struct {
	Symbol   string
	Decimals int
}

func OpenCache(path, lockPath string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create token cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create token lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open token cache sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS token_info (
			address TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			decimals INTEGER NOT NULL,
			fetched_at INTEGER NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init token cache schema: %w", err)
		}
	}
	cache := &Cache{db: db, lock: flock.New(lockPath), ttl: ttl}
	_ = cache.Prune()
	return cache, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Prune drops entries past their TTL so the cache does not grow without
// bound. Called automatically on open.
func (c *Cache) Prune() error {
	if c == nil || c.db == nil {
		return nil
	}
	cutoff := time.Now().UTC().Add(-c.ttl).Unix()
	if _, err := c.db.Exec("DELETE FROM token_info WHERE fetched_at < ?", cutoff); err != nil {
		return fmt.Errorf("prune token cache: %w", err)
	}
	return nil
}

func (c *Cache) get(address string) (cachedInfo, bool, error) {
	var info cachedInfo
	var fetchedUnix int64
	err := c.db.QueryRow(
		"SELECT symbol, decimals, fetched_at FROM token_info WHERE address = ?",
		strings.ToLower(address),
	).Scan(&info.Symbol, &info.Decimals, &fetchedUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cachedInfo{}, false, nil
		}
		return cachedInfo{}, false, fmt.Errorf("token cache read: %w", err)
	}
	if time.Since(time.Unix(fetchedUnix, 0).UTC()) > c.ttl {
		return cachedInfo{}, false, nil
	}
	return info, true, nil
}

func (c *Cache) put(address string, info cachedInfo) error {
	locked, err := c.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock token cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock token cache: timeout acquiring lock")
	}
	defer func() { _ = c.lock.Unlock() }()

	_, err = c.db.Exec(`
		INSERT INTO token_info (address, symbol, decimals, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			symbol=excluded.symbol,
			decimals=excluded.decimals,
			fetched_at=excluded.fetched_at
	`, strings.ToLower(address), info.Symbol, info.Decimals, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("token cache write: %w", err)
	}
	return nil
}
