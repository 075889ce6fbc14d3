// This file implements an SQLite-backed settings store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/FollowMyVote/assistant/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at the configured path, creating
// its directory and the settings table as needed.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetSetting(key models.SettingKey) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, string(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSetting failed", "error", err, "key", key)
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetSetting(key models.SettingKey, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(key), value, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore SetSetting failed", "error", err, "key", key)
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	slog.Debug("SQLiteStore SetSetting succeeded", "key", key)
	return nil
}

func (s *SQLiteStore) DeleteSetting(key models.SettingKey) error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, string(key)); err != nil {
		slog.Error("SQLiteStore DeleteSetting failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) ListSettings() (map[models.SettingKey]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		slog.Error("SQLiteStore ListSettings query failed", "error", err)
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()
	return scanSettings(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func scanSettings(rows *sql.Rows) (map[models.SettingKey]string, error) {
	out := make(map[models.SettingKey]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		out[models.SettingKey(key)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate setting rows: %w", err)
	}
	return out, nil
}
