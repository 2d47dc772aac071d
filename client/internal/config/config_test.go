package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"babiling/client/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.Volume != 1.0 {
		t.Errorf("expected volume 1.0, got %v", cfg.Volume)
	}
	if cfg.InputDeviceID != -1 || cfg.OutputDeviceID != -1 {
		t.Error("expected device IDs to default to -1")
	}
	if len(cfg.Servers) == 0 {
		t.Error("expected at least one default server")
	}
	if cfg.SavedPlayerID != 0 {
		t.Error("expected no saved player id by default")
	}
	if cfg.NoiseLevel != 80 {
		t.Errorf("expected default noise level 80, got %d", cfg.NoiseLevel)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Config{
		SavedPlayerID:  0xDEADBEEFCAFEBABE,
		InputDeviceID:  2,
		OutputDeviceID: 3,
		Volume:         0.75,
		NoiseEnabled:   true,
		NoiseLevel:     60,
		Servers: []config.ServerEntry{
			{Name: "Home", Addr: "192.168.1.10:7070"},
		},
	}

	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded.SavedPlayerID != cfg.SavedPlayerID {
		t.Errorf("saved player id: want %d got %d", cfg.SavedPlayerID, loaded.SavedPlayerID)
	}
	if loaded.InputDeviceID != cfg.InputDeviceID {
		t.Errorf("input device: want %d got %d", cfg.InputDeviceID, loaded.InputDeviceID)
	}
	if loaded.Volume != cfg.Volume {
		t.Errorf("volume: want %v got %v", cfg.Volume, loaded.Volume)
	}
	if loaded.NoiseEnabled != cfg.NoiseEnabled {
		t.Errorf("noise enabled: want %v got %v", cfg.NoiseEnabled, loaded.NoiseEnabled)
	}
	if loaded.NoiseLevel != cfg.NoiseLevel {
		t.Errorf("noise level: want %d got %d", cfg.NoiseLevel, loaded.NoiseLevel)
	}
	if len(loaded.Servers) != 1 || loaded.Servers[0].Addr != "192.168.1.10:7070" {
		t.Errorf("servers: unexpected value %+v", loaded.Servers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := config.Load()
	if cfg.Volume != 1.0 {
		t.Error("expected defaults from a missing config file")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "babiling", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	if cfg.Volume != 1.0 {
		t.Errorf("expected default volume on corrupt file, got %v", cfg.Volume)
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "babiling", "config.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}
