package pim

// Local persistence for PIM preferences.

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/malvik/azurepim/logging"
)

const settingsFile = "pim_settings.json"

// Settings are the user's PIM preferences, persisted as JSON in the user
// config directory.
type Settings struct {
	DefaultDurationMinutes int                   `json:"default_duration_minutes"`
	ExpiryWarningMinutes   int                   `json:"expiry_warning_minutes"`
	ShowAllEligible        bool                  `json:"show_all_eligible"`
	CustomPresets          []JustificationPreset `json:"custom_presets"`
	FavoriteRoleKeys       []string              `json:"favorite_role_keys"`
}

// DefaultSettings returns the out-of-the-box preferences.
func DefaultSettings() *Settings {
	return &Settings{
		DefaultDurationMinutes: 60,
		ExpiryWarningMinutes:   5,
		ShowAllEligible:        true,
		CustomPresets:          []JustificationPreset{},
		FavoriteRoleKeys:       []string{},
	}
}

// AllPresets returns the builtin presets followed by the user's custom ones.
func (s *Settings) AllPresets() []JustificationPreset {
	presets := BuiltinPresets()
	return append(presets, s.CustomPresets...)
}

// IsFavorite reports whether a role key is marked as favorite.
func (s *Settings) IsFavorite(roleKey string) bool {
	for _, k := range s.FavoriteRoleKeys {
		if k == roleKey {
			return true
		}
	}
	return false
}

// ToggleFavorite flips the favorite state of a role key.
func (s *Settings) ToggleFavorite(roleKey string) {
	for i, k := range s.FavoriteRoleKeys {
		if k == roleKey {
			s.FavoriteRoleKeys = append(s.FavoriteRoleKeys[:i], s.FavoriteRoleKeys[i+1:]...)
			return
		}
	}
	s.FavoriteRoleKeys = append(s.FavoriteRoleKeys, roleKey)
}

// SettingsPath returns the settings file location. AZUREPIM_SETTINGS_DIR
// overrides the default user config directory, mainly for tests.
func SettingsPath() (string, error) {
	if dir := os.Getenv("AZUREPIM_SETTINGS_DIR"); dir != "" {
		return filepath.Join(dir, settingsFile), nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "de.malvik.azurepim", settingsFile), nil
}

// LoadSettings reads settings from disk. A missing or corrupt file falls
// back to defaults; preferences are not worth failing startup over.
func LoadSettings() *Settings {
	path, err := SettingsPath()
	if err != nil {
		logging.Warn("Could not determine config directory, using default settings")
		return DefaultSettings()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Error("Failed to read PIM settings, using defaults", "error", err.Error())
		}
		return DefaultSettings()
	}

	settings := DefaultSettings()
	if err := json.Unmarshal(data, settings); err != nil {
		logging.Error("Failed to parse PIM settings, using defaults", "error", err.Error())
		return DefaultSettings()
	}
	logging.Debug("Loaded PIM settings", "path", path)
	return settings
}

// SaveSettings writes settings to disk, creating the config directory if
// needed.
func SaveSettings(settings *Settings) error {
	path, err := SettingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	logging.Debug("Saved PIM settings", "path", path)
	return nil
}
