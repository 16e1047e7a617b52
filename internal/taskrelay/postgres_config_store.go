package taskrelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresConfigTableName  = "taskrelay_backend_configs"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresConfigStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresConfigStore(dsn string) (*PostgresConfigStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresConfigStore{
		dsn:       dsn,
		tableName: postgresConfigTableName,
		openDB:    sql.Open,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *PostgresConfigStore) ListActive(ctx context.Context, userID string) ([]BackendConfig, error) {
	return s.list(ctx, userID, true)
}

func (s *PostgresConfigStore) List(ctx context.Context, userID string) ([]BackendConfig, error) {
	return s.list(ctx, userID, false)
}

func (s *PostgresConfigStore) list(ctx context.Context, userID string, activeOnly bool) ([]BackendConfig, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, user_id, backend_name, settings, active, priority, created_at, updated_at
		FROM %s
		WHERE COALESCE(user_id, '') = $1`, postgresQuoteIdentifier(s.tableName))
	if activeOnly {
		query += " AND active = TRUE"
	}
	query += " ORDER BY priority DESC, created_at DESC"
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := []BackendConfig{}
	for rows.Next() {
		cfg, err := scanPostgresConfig(rows)
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

func (s *PostgresConfigStore) Get(ctx context.Context, id string) (BackendConfig, error) {
	if err := s.ensureReady(ctx); err != nil {
		return BackendConfig{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, user_id, backend_name, settings, active, priority, created_at, updated_at
		FROM %s WHERE id = $1`, postgresQuoteIdentifier(s.tableName))
	cfg, err := scanPostgresConfig(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return BackendConfig{}, ErrNotFound
	}
	return cfg, err
}

func (s *PostgresConfigStore) Create(ctx context.Context, cfg BackendConfig) (BackendConfig, error) {
	cfg, err := prepareNewConfig(cfg, s.now())
	if err != nil {
		return BackendConfig{}, err
	}
	if err := s.ensureReady(ctx); err != nil {
		return BackendConfig{}, err
	}
	payload, err := json.Marshal(cfg.Settings)
	if err != nil {
		return BackendConfig{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, backend_name, settings, active, priority, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)`, postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, cfg.ID, cfg.UserID, cfg.BackendName, string(payload), cfg.Active, cfg.Priority, cfg.CreatedAt, cfg.UpdatedAt); err != nil {
		return BackendConfig{}, err
	}
	return cfg, nil
}

func (s *PostgresConfigStore) Update(ctx context.Context, cfg BackendConfig) (BackendConfig, error) {
	existing, err := s.Get(ctx, cfg.ID)
	if err != nil {
		return BackendConfig{}, err
	}
	updated, err := prepareUpdatedConfig(existing, cfg, s.now())
	if err != nil {
		return BackendConfig{}, err
	}
	payload, err := json.Marshal(updated.Settings)
	if err != nil {
		return BackendConfig{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET user_id = NULLIF($2, ''), backend_name = $3, settings = $4, active = $5, priority = $6, updated_at = $7
		WHERE id = $1`, postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, updated.ID, updated.UserID, updated.BackendName, string(payload), updated.Active, updated.Priority, updated.UpdatedAt)
	if err != nil {
		return BackendConfig{}, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return BackendConfig{}, ErrNotFound
	}
	return updated, nil
}

func (s *PostgresConfigStore) Delete(ctx context.Context, id string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresConfigStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresConfigStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				user_id TEXT NULL,
				backend_name TEXT NOT NULL,
				settings TEXT NOT NULL DEFAULT '{}',
				active BOOLEAN NOT NULL DEFAULT TRUE,
				priority INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresConfig(row rowScanner) (BackendConfig, error) {
	var (
		cfg      BackendConfig
		userID   sql.NullString
		settings string
	)
	if err := row.Scan(&cfg.ID, &userID, &cfg.BackendName, &settings, &cfg.Active, &cfg.Priority, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return BackendConfig{}, err
	}
	cfg.UserID = userID.String
	cfg.Settings = Settings{}
	if strings.TrimSpace(settings) != "" {
		if err := json.Unmarshal([]byte(settings), &cfg.Settings); err != nil {
			return BackendConfig{}, fmt.Errorf("decode settings for %s: %w", cfg.ID, err)
		}
	}
	cfg.CreatedAt = cfg.CreatedAt.UTC()
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return cfg, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
