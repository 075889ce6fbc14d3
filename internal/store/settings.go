package store

import (
	"fmt"
	"log/slog"

	"github.com/FollowMyVote/assistant/internal/models"
)

// Settings is the settings record used by the dialog and the provisioning
// engine. Read failures are logged and read as unset.
type Settings struct {
	st Store
}

// NewSettings wraps st.
func NewSettings(st Store) *Settings {
	return &Settings{st: st}
}

// Value returns the stored value for key, or "" if it is unset or unreadable.
func (s *Settings) Value(key models.SettingKey) string {
	v, err := s.st.GetSetting(key)
	if err != nil {
		slog.Error("Settings Value failed", "key", key, "error", err)
		return ""
	}
	return v
}

// Has reports whether key holds a non-empty value.
func (s *Settings) Has(key models.SettingKey) bool {
	return s.Value(key) != ""
}

// Save persists value under key.
func (s *Settings) Save(key models.SettingKey, value string) error {
	if err := s.st.SetSetting(key, value); err != nil {
		slog.Error("Settings Save failed", "key", key, "error", err)
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	slog.Debug("Settings Save succeeded", "key", key)
	return nil
}

// Clear removes key.
func (s *Settings) Clear(key models.SettingKey) error {
	if err := s.st.DeleteSetting(key); err != nil {
		slog.Error("Settings Clear failed", "key", key, "error", err)
		return fmt.Errorf("failed to clear setting %s: %w", key, err)
	}
	return nil
}

// IsFirstRun reports whether no blockchain node has been chosen yet.
func (s *Settings) IsFirstRun() bool {
	return !s.Has(models.SettingBlockchainNodeURL)
}

// Snapshot returns every stored setting.
func (s *Settings) Snapshot() (map[models.SettingKey]string, error) {
	return s.st.ListSettings()
}
