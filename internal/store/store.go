// Package store provides settings storage backends for the assistant.
//
// It includes an in-memory store and persistent SQLite and PostgreSQL stores.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/FollowMyVote/assistant/internal/models"
)

// Store persists the settings record. A missing key reads as "".
type Store interface {
	GetSetting(key models.SettingKey) (string, error)
	SetSetting(key models.SettingKey, value string) error
	DeleteSetting(key models.SettingKey) error
	ListSettings() (map[models.SettingKey]string, error)
	Close() error
}

// Opts holds configuration for persistent stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and keyword DSNs,
// "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Open picks a backend for dsn. An empty DSN yields an in-memory store.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(dsn) {
	case "postgres":
		st, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres settings store: %w", err)
		}
		return st, nil
	default:
		st, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite settings store: %w", err)
		}
		return st, nil
	}
}

// InMemoryStore keeps settings for the lifetime of the process.
type InMemoryStore struct {
	mu       sync.RWMutex
	settings map[models.SettingKey]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{settings: make(map[models.SettingKey]string)}
}

func (s *InMemoryStore) GetSetting(key models.SettingKey) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[key], nil
}

func (s *InMemoryStore) SetSetting(key models.SettingKey, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *InMemoryStore) DeleteSetting(key models.SettingKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settings, key)
	return nil
}

func (s *InMemoryStore) ListSettings() (map[models.SettingKey]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.SettingKey]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// SortedKeys returns the keys of a settings listing in lexical order.
func SortedKeys(settings map[models.SettingKey]string) []models.SettingKey {
	keys := make([]models.SettingKey, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
