// Package config loads the daemon configuration from a JSON5 file with
// environment variable overlays. Everything else (agents, schedules,
// boss identity) lives in the store.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Config is the file-level daemon configuration.
type Config struct {
	DataDir  string         `json:"dataDir"`
	Log      LogConfig      `json:"log"`
	Channels ChannelsConfig `json:"channels"`
	Runners  RunnersConfig  `json:"runners"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `json:"level"` // debug|info|warn|error
	File  string `json:"file"`  // empty = stderr only
}

// ChannelsConfig holds chat adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled      bool   `json:"enabled"`
	Token        string `json:"token"`
	RateLimitRPM int    `json:"rateLimitRpm"`
}

// RunnersConfig overrides the provider CLI binaries.
type RunnersConfig struct {
	ClaudeBin string `json:"claudeBin"`
	CodexBin  string `json:"codexBin"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, "hiboss"),
		Log: LogConfig{
			Level: "info",
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				RateLimitRPM: 20,
			},
		},
		Runners: RunnersConfig{
			ClaudeBin: "claude",
			CodexBin:  "codex",
		},
	}
}

// DefaultPath returns the config file location, <dataDir>/config.json5.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "hiboss", "config.json5")
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.normalize()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.normalize()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("HIBOSS_DATA_DIR", &c.DataDir)
	envStr("HIBOSS_LOG_LEVEL", &c.Log.Level)
	envStr("HIBOSS_LOG_FILE", &c.Log.File)
	envStr("HIBOSS_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("HIBOSS_CLAUDE_BIN", &c.Runners.ClaudeBin)
	envStr("HIBOSS_CODEX_BIN", &c.Runners.CodexBin)

	if v := os.Getenv("HIBOSS_TELEGRAM_RATE_LIMIT_RPM"); v != "" {
		if rpm, err := strconv.Atoi(v); err == nil && rpm > 0 {
			c.Channels.Telegram.RateLimitRPM = rpm
		}
	}

	// A token provided via env enables the channel.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
}

func (c *Config) normalize() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	if strings.HasPrefix(c.DataDir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("expand dataDir: %w", err)
		}
		c.DataDir = filepath.Join(home, strings.TrimPrefix(c.DataDir, "~"))
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// Paths derived from the data dir.

func (c *Config) DatabasePath() string    { return filepath.Join(c.DataDir, "hiboss.db") }
func (c *Config) SocketPath() string      { return filepath.Join(c.DataDir, "daemon.sock") }
func (c *Config) PidPath() string         { return filepath.Join(c.DataDir, "daemon.pid") }
func (c *Config) BossProfilePath() string { return filepath.Join(c.DataDir, "BOSS.md") }

// AgentDir returns <dataDir>/agents/<name>.
func (c *Config) AgentDir(name string) string {
	return filepath.Join(c.DataDir, "agents", name)
}

// AttachmentsDir returns where inbound chat attachments are saved.
func (c *Config) AttachmentsDir() string {
	return filepath.Join(c.DataDir, "attachments")
}
