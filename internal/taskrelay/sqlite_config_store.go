package taskrelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const sqliteConfigSchema = `
CREATE TABLE IF NOT EXISTS taskrelay_backend_configs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	backend_name TEXT NOT NULL,
	settings TEXT NOT NULL DEFAULT '{}',
	active INTEGER NOT NULL DEFAULT 1,
	priority INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS taskrelay_backend_configs_user_idx
	ON taskrelay_backend_configs (user_id, active, priority);
`

// SQLiteConfigStore persists backend configs in a local SQLite file.
type SQLiteConfigStore struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLiteConfigStore(path string) (*SQLiteConfigStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteConfigSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteConfigStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteConfigStore) ListActive(ctx context.Context, userID string) ([]BackendConfig, error) {
	return s.list(ctx, userID, true)
}

func (s *SQLiteConfigStore) List(ctx context.Context, userID string) ([]BackendConfig, error) {
	return s.list(ctx, userID, false)
}

func (s *SQLiteConfigStore) list(ctx context.Context, userID string, activeOnly bool) ([]BackendConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := `SELECT id, user_id, backend_name, settings, active, priority, created_at, updated_at
		FROM taskrelay_backend_configs WHERE user_id = ?`
	if activeOnly {
		query += " AND active = 1"
	}
	query += " ORDER BY priority DESC, created_at DESC"
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := []BackendConfig{}
	for rows.Next() {
		cfg, err := scanSQLiteConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortConfigs(configs)
	return configs, nil
}

func (s *SQLiteConfigStore) Get(ctx context.Context, id string) (BackendConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, backend_name, settings, active, priority, created_at, updated_at
		FROM taskrelay_backend_configs WHERE id = ?`, id)
	cfg, err := scanSQLiteConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BackendConfig{}, ErrNotFound
	}
	return cfg, err
}

func (s *SQLiteConfigStore) Create(ctx context.Context, cfg BackendConfig) (BackendConfig, error) {
	cfg, err := prepareNewConfig(cfg, s.now())
	if err != nil {
		return BackendConfig{}, err
	}
	cfg.CreatedAt = fromMillis(toMillis(cfg.CreatedAt))
	cfg.UpdatedAt = fromMillis(toMillis(cfg.UpdatedAt))
	payload, err := json.Marshal(cfg.Settings)
	if err != nil {
		return BackendConfig{}, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO taskrelay_backend_configs
		(id, user_id, backend_name, settings, active, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.UserID, cfg.BackendName, string(payload), boolToInt(cfg.Active), cfg.Priority,
		toMillis(cfg.CreatedAt), toMillis(cfg.UpdatedAt))
	if isSQLiteConstraintError(err) {
		return BackendConfig{}, fmt.Errorf("%w: config %s already exists", ErrInvalidInput, cfg.ID)
	}
	if err != nil {
		return BackendConfig{}, err
	}
	return cfg, nil
}

func (s *SQLiteConfigStore) Update(ctx context.Context, cfg BackendConfig) (BackendConfig, error) {
	existing, err := s.Get(ctx, cfg.ID)
	if err != nil {
		return BackendConfig{}, err
	}
	updated, err := prepareUpdatedConfig(existing, cfg, s.now())
	if err != nil {
		return BackendConfig{}, err
	}
	updated.UpdatedAt = fromMillis(toMillis(updated.UpdatedAt))
	payload, err := json.Marshal(updated.Settings)
	if err != nil {
		return BackendConfig{}, err
	}
	result, err := s.db.ExecContext(ctx, `UPDATE taskrelay_backend_configs
		SET user_id = ?, backend_name = ?, settings = ?, active = ?, priority = ?, updated_at = ?
		WHERE id = ?`,
		updated.UserID, updated.BackendName, string(payload), boolToInt(updated.Active), updated.Priority,
		toMillis(updated.UpdatedAt), updated.ID)
	if err != nil {
		return BackendConfig{}, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return BackendConfig{}, ErrNotFound
	}
	return updated, nil
}

func (s *SQLiteConfigStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM taskrelay_backend_configs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteConfigStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanSQLiteConfig(row rowScanner) (BackendConfig, error) {
	var (
		cfg                  BackendConfig
		settings             string
		active               int
		createdAt, updatedAt int64
	)
	if err := row.Scan(&cfg.ID, &cfg.UserID, &cfg.BackendName, &settings, &active, &cfg.Priority, &createdAt, &updatedAt); err != nil {
		return BackendConfig{}, err
	}
	cfg.Active = active != 0
	cfg.CreatedAt = fromMillis(createdAt)
	cfg.UpdatedAt = fromMillis(updatedAt)
	cfg.Settings = Settings{}
	if strings.TrimSpace(settings) != "" {
		if err := json.Unmarshal([]byte(settings), &cfg.Settings); err != nil {
			return BackendConfig{}, fmt.Errorf("decode settings for %s: %w", cfg.ID, err)
		}
	}
	return cfg, nil
}

func isSQLiteConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "constraint failed")
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
