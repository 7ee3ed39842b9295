package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Workspace string `json:"workspace"`
	RunsDir   string `json:"runs_dir"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // text | json
}

func defaultConfig() Config {
	return Config{
		Workspace: ".",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func bmadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bmad"
	}
	return filepath.Join(home, ".bmad")
}

func settingsPath() string {
	return filepath.Join(bmadDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("BMAD_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("BMAD_RUNS_DIR"); v != "" {
		cfg.RunsDir = v
	}
	if v := os.Getenv("BMAD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BMAD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	// Runs live inside the workspace unless pointed elsewhere.
	if cfg.RunsDir == "" {
		cfg.RunsDir = filepath.Join(cfg.Workspace, ".bmad", "runs")
	}
	return cfg
}
