package cache

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

// Store caches ERC20 metadata in sqlite. Writers from several processes are
// serialised through a file lock.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

// TokenMetadata is the immutable part of an ERC20 contract.
type TokenMetadata struct {
	ChainID  int64  `json:"chain_id"`
	Address  string `json:"address"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS token_metadata (
			chain_id INTEGER NOT NULL,
			address TEXT NOT NULL,
			name TEXT NOT NULL,
			symbol TEXT NOT NULL,
			decimals INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL,
			PRIMARY KEY (chain_id, address)
		);`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath)}
	_ = store.Prune()
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes entries whose TTL has expired.
func (s *Store) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec("DELETE FROM token_metadata WHERE created_at + ttl_seconds < ?", time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

// GetToken returns cached metadata for a contract. Expired entries are misses.
func (s *Store) GetToken(ctx context.Context, chainID int64, address string) (TokenMetadata, bool, error) {
	var out TokenMetadata
	var createdUnix, ttlSeconds int64
	err := s.db.QueryRowContext(ctx,
		"SELECT name, symbol, decimals, created_at, ttl_seconds FROM token_metadata WHERE chain_id = ? AND address = ?",
		chainID, normalizeAddress(address),
	).Scan(&out.Name, &out.Symbol, &out.Decimals, &createdUnix, &ttlSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenMetadata{}, false, nil
		}
		return TokenMetadata{}, false, fmt.Errorf("cache read: %w", err)
	}
	age := time.Since(time.Unix(createdUnix, 0).UTC())
	if age > time.Duration(ttlSeconds)*time.Second {
		return TokenMetadata{}, false, nil
	}
	out.ChainID = chainID
	out.Address = normalizeAddress(address)
	return out, true, nil
}

// PutToken stores metadata for ttl.
func (s *Store) PutToken(ctx context.Context, meta TokenMetadata, ttl time.Duration) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO token_metadata (chain_id, address, name, symbol, decimals, created_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, address) DO UPDATE SET
			name=excluded.name,
			symbol=excluded.symbol,
			decimals=excluded.decimals,
			created_at=excluded.created_at,
			ttl_seconds=excluded.ttl_seconds
	`, meta.ChainID, normalizeAddress(meta.Address), meta.Name, meta.Symbol, meta.Decimals, time.Now().UTC().Unix(), ttlSeconds)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
