package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Settings holds the runtime configuration of the toolforge binary.
// Priority: env vars > settings.json > defaults.
type Settings struct {
	ConfigPath  string `json:"config_path"`
	MetricsAddr string `json:"metrics_addr"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	PoolSize    int    `json:"pool_size"`
	// StatePath overrides state.path from the forge definition.
	StatePath string `json:"state_path"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		ConfigPath: "forge.yaml",
		LogLevel:   "info",
		LogFormat:  "text",
		PoolSize:   8,
	}
}

// Dir is the per-user toolforge directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolforge"
	}
	return filepath.Join(home, ".toolforge")
}

// SettingsPath is where LoadSettings looks for settings.json.
func SettingsPath() string {
	return filepath.Join(Dir(), "settings.json")
}

// LoadSettings layers settings.json at path and the environment over the
// defaults. A missing or unreadable file is ignored.
func LoadSettings(path string) Settings {
	return loadSettings(path, os.Getenv)
}

func loadSettings(path string, getenv func(string) string) Settings {
	s := DefaultSettings()

	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &s)
	}

	if v := getenv("TOOLFORGE_CONFIG"); v != "" {
		s.ConfigPath = v
	}
	if v := getenv("TOOLFORGE_METRICS_ADDR"); v != "" {
		s.MetricsAddr = v
	}
	if v := getenv("TOOLFORGE_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := getenv("TOOLFORGE_LOG_FORMAT"); v != "" {
		s.LogFormat = v
	}
	if v := getenv("TOOLFORGE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.PoolSize = n
		}
	}
	if v := getenv("TOOLFORGE_STATE_PATH"); v != "" {
		s.StatePath = v
	}
	return s
}
