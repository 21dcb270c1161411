// Package config loads pipeline configuration from
// ~/.config/sessiondb/config.toml with environment-variable overrides for
// containerized deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the full configuration surface of the ingestion pipeline.
type Config struct {
	// LogRoot is the watched directory tree: projects/ session transcripts,
	// history.jsonl, stats-cache.json, plans/ and todos/ underneath it.
	LogRoot string `toml:"log_root"`

	// DBPath is the SQLite database path, used unless PostgresURL is set.
	DBPath      string `toml:"db_path"`
	PostgresURL string `toml:"postgres_url"`

	// ScanIntervalSecs is the watch-loop wake interval.
	ScanIntervalSecs int `toml:"scan_interval_secs"`

	// Workers bounds concurrent per-artifact processing within a pass.
	Workers int `toml:"workers"`

	// Tags maps a tag label to its trigger keywords.
	Tags map[string][]string `toml:"tags"`
}

// DefaultTags is the shipped tag keyword map, applied when the config file
// declares none.
func DefaultTags() map[string][]string {
	return map[string][]string{
		"debugging":     {"error", "bug", "fix", "debug", "issue"},
		"refactoring":   {"refactor", "cleanup", "restructure"},
		"feature":       {"implement", "add feature", "new feature"},
		"testing":       {"test", "spec", "coverage"},
		"documentation": {"document", "readme", "comment"},
	}
}

// Load reads the config file if present, fills defaults, and applies
// environment overrides.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		LogRoot:          filepath.Join(home, ".claude"),
		DBPath:           filepath.Join(home, ".config", "sessiondb", "sessions.db"),
		ScanIntervalSecs: 30,
		Workers:          4,
	}

	cfgPath := filepath.Join(home, ".config", "sessiondb", "config.toml")
	if _, err := os.Stat(cfgPath); err == nil {
		if _, err := toml.DecodeFile(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", cfgPath, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.Tags == nil {
		cfg.Tags = DefaultTags()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ScanIntervalSecs < 1 {
		cfg.ScanIntervalSecs = 30
	}

	cfg.LogRoot = expandHome(cfg.LogRoot, home)
	cfg.DBPath = expandHome(cfg.DBPath, home)

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("SESSIONDB_LOG_ROOT"); v != "" {
		cfg.LogRoot = v
	}
	if v := os.Getenv("SESSIONDB_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SESSIONDB_POSTGRES_URL"); v != "" {
		cfg.PostgresURL = v
	}
	if v := os.Getenv("SESSIONDB_SCAN_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanIntervalSecs = n
		}
	}
	if v := os.Getenv("SESSIONDB_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("SESSIONDB_TAGS_FILE"); v != "" {
		tags, err := loadTagsFile(v)
		if err != nil {
			return err
		}
		cfg.Tags = tags
	}
	return nil
}

// loadTagsFile reads a standalone tag keyword map: a TOML file whose [tags]
// table has the same shape as the main config's. The whole map is replaced,
// not merged.
func loadTagsFile(path string) (map[string][]string, error) {
	var doc struct {
		Tags map[string][]string `toml:"tags"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("parse tags file %s: %w", path, err)
	}
	if doc.Tags == nil {
		return nil, fmt.Errorf("tags file %s: no [tags] table", path)
	}
	return doc.Tags, nil
}

// Validate checks the parts of the configuration that must hold before a
// scan is allowed to run. A missing log root is fatal rather than a silent
// no-op pass.
func (c *Config) Validate() error {
	info, err := os.Stat(c.LogRoot)
	if err != nil {
		return fmt.Errorf("log root %s: %w", c.LogRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("log root %s: not a directory", c.LogRoot)
	}
	if c.PostgresURL == "" && c.DBPath == "" {
		return fmt.Errorf("no storage target: set db_path or postgres_url")
	}
	return nil
}

func expandHome(path, home string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return path
}
