// This file implements a PostgreSQL-backed settings store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/FollowMyVote/assistant/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	DefaultMaxOpenConns    = 4
	DefaultMaxIdleConns    = 2
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL and ensures the settings table exists.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetSetting(key models.SettingKey) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = $1`, string(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSetting failed", "error", err, "key", key)
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) SetSetting(key models.SettingKey, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		string(key), value)
	if err != nil {
		slog.Error("PostgresStore SetSetting failed", "error", err, "key", key)
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	slog.Debug("PostgresStore SetSetting succeeded", "key", key)
	return nil
}

func (s *PostgresStore) DeleteSetting(key models.SettingKey) error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = $1`, string(key)); err != nil {
		slog.Error("PostgresStore DeleteSetting failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) ListSettings() (map[models.SettingKey]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		slog.Error("PostgresStore ListSettings query failed", "error", err)
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()
	return scanSettings(rows)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
