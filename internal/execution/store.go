package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	clierr "github.com/ggonzalez94/evm-agent-wallet/internal/errors"
)

// Store keeps the history of transfer and bridge actions in sqlite.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

// Recorder persists action snapshots while an action runs. *Store
// implements it.
type Recorder interface {
	Save(ctx context.Context, action Action) error
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create action store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create action lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open action sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS actions (
			action_id TEXT PRIMARY KEY,
			intent_type TEXT NOT NULL,
			status TEXT NOT NULL,
			chain TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_actions_status_updated ON actions(status, updated_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_actions_intent_updated ON actions(intent_type, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init action schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts action under its ID.
func (s *Store) Save(ctx context.Context, action Action) error {
	if s == nil {
		return nil
	}
	if strings.TrimSpace(action.ActionID) == "" {
		return fmt.Errorf("save action: missing action id")
	}
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock action store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock action store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	now := time.Now().UTC().Unix()
	createdUnix := parseRFC3339Unix(action.CreatedAt, now)
	updatedUnix := parseRFC3339Unix(action.UpdatedAt, now)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (action_id, intent_type, status, chain, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(action_id) DO UPDATE SET
			status=excluded.status,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, action.ActionID, action.IntentType, string(action.Status), action.Chain, createdUnix, updatedUnix, payload)
	if err != nil {
		return fmt.Errorf("save action: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, actionID string) (Action, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM actions WHERE action_id = ?", strings.TrimSpace(actionID)).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Action{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("action not found: %s", actionID))
		}
		return Action{}, fmt.Errorf("read action: %w", err)
	}
	var action Action
	if err := json.Unmarshal(payload, &action); err != nil {
		return Action{}, fmt.Errorf("decode action payload: %w", err)
	}
	return action, nil
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status string
	Intent string
	Limit  int
}

// List returns actions ordered by most recent update.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Action, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query := "SELECT payload FROM actions"
	var (
		where []string
		args  []any
	)
	if status := strings.TrimSpace(filter.Status); status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	if intent := strings.TrimSpace(filter.Intent); intent != "" {
		where = append(where, "intent_type = ?")
		args = append(args, intent)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	actions := make([]Action, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		var action Action
		if err := json.Unmarshal(payload, &action); err != nil {
			return nil, fmt.Errorf("decode action row: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action rows: %w", err)
	}
	return actions, nil
}

func parseRFC3339Unix(v string, fallback int64) int64 {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return fallback
	}
	return t.UTC().Unix()
}
