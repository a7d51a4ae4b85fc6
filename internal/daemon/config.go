// Package daemon implements the background monitor process.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds monitor configuration.
type Config struct {
	TickInterval      time.Duration // screen-time accounting tick (default 1s)
	PostureInterval   time.Duration // how often to re-check device posture
	HeartbeatInterval time.Duration // how often to refresh the registry heartbeat

	StoreBaseURL   string // remote profile store base URL
	FeedSocketPath string // unix socket the accessibility bridge writes to
	CmdSocketPath  string // unix socket the platform bridge serves commands on
	DataDir        string // encrypted state store and key file location
	LogPath        string // monitor log file

	SelfPackage string // our own package identifier, never blocked
	SelfLabel   string // display name scanned for in settings trees
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".guardian")

	return Config{
		TickInterval:      1 * time.Second,
		PostureInterval:   30 * time.Second,
		HeartbeatInterval: 30 * time.Second,

		StoreBaseURL:   "https://guardian-store.example.com/api/v1",
		FeedSocketPath: "/var/tmp/.guardian_feed.sock",
		CmdSocketPath:  "/var/tmp/.guardian_cmd.sock",
		DataDir:        dataDir,
		LogPath:        filepath.Join(dataDir, "monitor.log"),

		SelfPackage: "com.guardian.agent",
		SelfLabel:   "Guardian",
	}
}

// fileConfig is the YAML override shape. Durations are strings so the
// file can say "30s" instead of nanoseconds.
type fileConfig struct {
	TickInterval      string `yaml:"tick_interval"`
	PostureInterval   string `yaml:"posture_interval"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	StoreBaseURL   string `yaml:"store_base_url"`
	FeedSocketPath string `yaml:"feed_socket_path"`
	CmdSocketPath  string `yaml:"cmd_socket_path"`
	DataDir        string `yaml:"data_dir"`
	LogPath        string `yaml:"log_path"`

	SelfPackage string `yaml:"self_package"`
	SelfLabel   string `yaml:"self_label"`
}

// LoadConfig returns defaults overlaid with the YAML file at path.
// A missing file is not an error; the defaults stand.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyDuration(&cfg.TickInterval, fc.TickInterval, "tick_interval"); err != nil {
		return cfg, err
	}
	if err := applyDuration(&cfg.PostureInterval, fc.PostureInterval, "posture_interval"); err != nil {
		return cfg, err
	}
	if err := applyDuration(&cfg.HeartbeatInterval, fc.HeartbeatInterval, "heartbeat_interval"); err != nil {
		return cfg, err
	}

	if fc.StoreBaseURL != "" {
		cfg.StoreBaseURL = fc.StoreBaseURL
	}
	if fc.FeedSocketPath != "" {
		cfg.FeedSocketPath = fc.FeedSocketPath
	}
	if fc.CmdSocketPath != "" {
		cfg.CmdSocketPath = fc.CmdSocketPath
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.LogPath != "" {
		cfg.LogPath = fc.LogPath
	}
	if fc.SelfPackage != "" {
		cfg.SelfPackage = fc.SelfPackage
	}
	if fc.SelfLabel != "" {
		cfg.SelfLabel = fc.SelfLabel
	}

	return cfg, nil
}

func applyDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s %q: must be positive", field, raw)
	}
	*dst = d
	return nil
}
