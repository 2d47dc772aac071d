// Package config manages persistent client preferences for the presence
// and voice-chat client: the saved server list, the saved player id used to
// RECONNECT instead of re-issuing NEW_PLAYER, audio device selection, and
// voice-pipeline toggles.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all persistent user preferences.
type Config struct {
	// SavedPlayerID is the identity issued by PLAYER_ID on a prior session.
	// Zero means no identity has been assigned yet, so the network loop
	// sends NEW_PLAYER instead of RECONNECT.
	SavedPlayerID uint64 `json:"saved_player_id"`

	// Servers is the round-robin address list, in connect order.
	Servers []ServerEntry `json:"servers"`

	InputDeviceID  int     `json:"input_device_id"`
	OutputDeviceID int     `json:"output_device_id"`
	Volume         float64 `json:"volume"`

	// NoiseEnabled/NoiseLevel control the RNNoise-based noise canceller
	// applied to captured audio ahead of encoding. The silence gate itself
	// (§4.6) is not optional and is unaffected by this toggle.
	NoiseEnabled bool `json:"noise_enabled"`
	NoiseLevel   int  `json:"noise_level"` // 0-100
}

// ServerEntry is a saved server in the round-robin address list.
type ServerEntry struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Servers: []ServerEntry{
			{Name: "Local Dev", Addr: "localhost:7070"},
		},
		InputDeviceID:  -1,
		OutputDeviceID: -1,
		Volume:         1.0,
		NoiseLevel:     80,
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "babiling", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
