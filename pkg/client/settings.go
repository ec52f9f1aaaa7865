// Package client wires the session core together for an embedding app.
package client

import (
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings stores client preferences persisted as YAML next to the binary.
type Settings struct {
	ServerURL   string `yaml:"server_url"`
	RealtimeURL string `yaml:"realtime_url"`
	DataDir     string `yaml:"data_dir,omitempty"`
	LogLevel    string `yaml:"log_level,omitempty"`
	LogFormat   string `yaml:"log_format,omitempty"`
}

// DefaultSettings returns default settings.
func DefaultSettings() *Settings {
	return &Settings{
		ServerURL:   "https://api.babmoim.app",
		RealtimeURL: "wss://api.babmoim.app/realtime",
		LogLevel:    "info",
	}
}

func settingsPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "babmoim.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "babmoim.yaml")
}

// LoadSettings loads settings from YAML or returns defaults.
func LoadSettings() *Settings {
	s := DefaultSettings()
	data, err := os.ReadFile(settingsPath())
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		slog.Error("parse settings", "err", err)
		return DefaultSettings()
	}
	return s
}

// Save writes settings to YAML.
func (s *Settings) Save() error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(settingsPath(), data, 0600)
}

// dataDir resolves where the credential cache lives.
func (s *Settings) dataDir() string {
	if s.DataDir != "" {
		return s.DataDir
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "babmoim")
}
