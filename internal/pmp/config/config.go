// Package config loads server settings from a YAML file with environment
// variable overrides, and watches the file for changes so the server can
// reload settings without restarting (the reloadserversettings CLI command).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
)

// Config holds every server-adjustable setting.
type Config struct {
	ListenAddress     string `yaml:"listen_address"`
	DatabasePath      string `yaml:"database_path"`
	MusicDir          string `yaml:"music_dir"`
	MaxQueueSize      int    `yaml:"max_queue_size"`
	ServerCaption     string `yaml:"server_caption"`
	ScrobblingEnabled bool   `yaml:"scrobbling_enabled"`
	LastFMAPIKey      string `yaml:"lastfm_api_key"`
	LastFMAPISecret   string `yaml:"lastfm_api_secret"`
}

// Default returns the built-in defaults, used when no file is present and
// no environment override applies.
func Default() Config {
	return Config{
		ListenAddress: ":23432",
		DatabasePath:  "./data/pmp.db",
		MusicDir:      "./music",
		MaxQueueSize:  1000,
		ServerCaption: "PMP server",
	}
}

// Load reads path (if it exists) over the defaults, then applies
// environment variable overrides, and returns the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("PMP_LISTEN_ADDRESS"); ok {
		cfg.ListenAddress = v
	}
	if v, ok := os.LookupEnv("PMP_DATABASE_PATH"); ok {
		cfg.DatabasePath = v
	}
	if v, ok := os.LookupEnv("PMP_MUSIC_DIR"); ok {
		cfg.MusicDir = v
	}
	if v, ok := os.LookupEnv("PMP_MAX_QUEUE_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxQueueSize = n
		}
	}
	if v, ok := os.LookupEnv("PMP_SERVER_CAPTION"); ok {
		cfg.ServerCaption = v
	}
	if v, ok := os.LookupEnv("PMP_SCROBBLING_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ScrobblingEnabled = b
		}
	}
	if v, ok := os.LookupEnv("PMP_LASTFM_API_KEY"); ok {
		cfg.LastFMAPIKey = v
	}
	if v, ok := os.LookupEnv("PMP_LASTFM_API_SECRET"); ok {
		cfg.LastFMAPISecret = v
	}
}
