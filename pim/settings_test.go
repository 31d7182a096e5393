package pim

import (
	"os"
	"path/filepath"
	"testing"
)

func withSettingsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AZUREPIM_SETTINGS_DIR", dir)
	return dir
}

func TestLoadSettingsDefaults(t *testing.T) {
	withSettingsDir(t)

	s := LoadSettings()
	if s.DefaultDurationMinutes != 60 {
		t.Errorf("DefaultDurationMinutes = %d, want 60", s.DefaultDurationMinutes)
	}
	if s.ExpiryWarningMinutes != 5 {
		t.Errorf("ExpiryWarningMinutes = %d, want 5", s.ExpiryWarningMinutes)
	}
	if !s.ShowAllEligible {
		t.Error("ShowAllEligible should default to true")
	}
	if len(s.FavoriteRoleKeys) != 0 {
		t.Errorf("FavoriteRoleKeys = %v, want empty", s.FavoriteRoleKeys)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	withSettingsDir(t)

	s := DefaultSettings()
	s.DefaultDurationMinutes = 120
	s.FavoriteRoleKeys = []string{"sub:role"}
	s.CustomPresets = []JustificationPreset{{Label: "Deploy", Justification: "Production deploy"}}

	if err := SaveSettings(s); err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}

	loaded := LoadSettings()
	if loaded.DefaultDurationMinutes != 120 {
		t.Errorf("DefaultDurationMinutes = %d, want 120", loaded.DefaultDurationMinutes)
	}
	if len(loaded.FavoriteRoleKeys) != 1 || loaded.FavoriteRoleKeys[0] != "sub:role" {
		t.Errorf("FavoriteRoleKeys = %v, want [sub:role]", loaded.FavoriteRoleKeys)
	}
	if len(loaded.CustomPresets) != 1 || loaded.CustomPresets[0].Label != "Deploy" {
		t.Errorf("CustomPresets = %v, want the saved preset", loaded.CustomPresets)
	}
}

func TestLoadSettingsCorruptFile(t *testing.T) {
	dir := withSettingsDir(t)
	if err := os.WriteFile(filepath.Join(dir, settingsFile), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s := LoadSettings()
	if s.DefaultDurationMinutes != 60 {
		t.Errorf("corrupt file should fall back to defaults, got %+v", s)
	}
}

func TestSettingsFavorites(t *testing.T) {
	s := DefaultSettings()
	key := "sub-id:role-def-id"

	if s.IsFavorite(key) {
		t.Error("new settings should have no favorites")
	}
	s.ToggleFavorite(key)
	if !s.IsFavorite(key) {
		t.Error("toggle should add the favorite")
	}
	s.ToggleFavorite(key)
	if s.IsFavorite(key) {
		t.Error("second toggle should remove the favorite")
	}
}

func TestAllPresets(t *testing.T) {
	s := DefaultSettings()
	s.CustomPresets = []JustificationPreset{{Label: "Custom", Justification: "Custom work"}}

	presets := s.AllPresets()
	if len(presets) != 4 {
		t.Fatalf("got %d presets, want 3 builtin + 1 custom", len(presets))
	}
	if presets[3].Label != "Custom" {
		t.Errorf("last preset = %q, want Custom", presets[3].Label)
	}
}
