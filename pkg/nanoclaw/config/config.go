// Package config loads NanoClaw host configuration from YAML with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all host configuration.
type Config struct {
	// AssistantName is the display name prefixed to relayed messages.
	AssistantName string `yaml:"assistant_name"`

	// DefaultModel is the agent model used when a group has no override.
	DefaultModel string `yaml:"default_model"`

	// DataDir holds durable state: the sqlite store, the JSON state files,
	// and the IPC mailbox tree.
	DataDir string `yaml:"data_dir"`

	// GroupsDir holds the per-group sandbox working directories.
	GroupsDir string `yaml:"groups_dir"`

	// Timezone is the IANA zone used for cron schedules (empty = local).
	Timezone string `yaml:"timezone"`

	// PollInterval is the message router poll period.
	PollInterval time.Duration `yaml:"poll_interval"`

	// IPCPollInterval is the mailbox poll period. Part of the sandbox/host
	// contract; sandboxes assume roughly one-second pickup latency.
	IPCPollInterval time.Duration `yaml:"ipc_poll_interval"`

	// SchedulerPollInterval is the due-task poll period.
	SchedulerPollInterval time.Duration `yaml:"scheduler_poll_interval"`

	// TelegramToken is the bot token. Usually left empty in the file and
	// taken from TELEGRAM_BOT_TOKEN.
	TelegramToken string `yaml:"telegram_token"`

	// Container configures the sandbox runtime.
	Container ContainerConfig `yaml:"container"`

	// WhisperModel is the acoustic model path for voice transcription.
	// WHISPER_MODEL overrides it.
	WhisperModel string `yaml:"whisper_model"`

	// Logging configures slog output.
	Logging LoggingConfig `yaml:"logging"`
}

// ContainerConfig configures the agent sandbox containers.
type ContainerConfig struct {
	// Image is the sandbox container image.
	Image string `yaml:"image"`

	// Timeout bounds one agent turn.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputBytes caps captured container stdout.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
}

// DefaultConfig returns a Config with working defaults.
func DefaultConfig() *Config {
	return &Config{
		AssistantName:         "Andy",
		DefaultModel:          "sonnet",
		DataDir:               "data",
		GroupsDir:             "groups",
		PollInterval:          2 * time.Second,
		IPCPollInterval:       time.Second,
		SchedulerPollInterval: time.Minute,
		Container: ContainerConfig{
			Image:          "nanoclaw-agent:latest",
			Timeout:        5 * time.Minute,
			MaxOutputBytes: 10 << 20,
		},
		WhisperModel: "/usr/share/whisper.cpp/models/ggml-base.bin",
		Logging:      LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads YAML config from path, layered over defaults, then applies
// environment overrides. A missing file is not an error: defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %q: %w", path, err)
		}
	}

	if tok := os.Getenv("TELEGRAM_BOT_TOKEN"); tok != "" {
		cfg.TelegramToken = tok
	}
	if model := os.Getenv("WHISPER_MODEL"); model != "" {
		cfg.WhisperModel = model
	}
	if tz := os.Getenv("TZ"); tz != "" && cfg.Timezone == "" {
		cfg.Timezone = tz
	}

	cfg.DataDir = absOrSelf(cfg.DataDir)
	cfg.GroupsDir = absOrSelf(cfg.GroupsDir)
	return cfg, nil
}

// Location resolves the configured timezone, falling back to the host's
// local zone when unset or invalid.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// IPCDir returns the root of the IPC mailbox tree.
func (c *Config) IPCDir() string {
	return filepath.Join(c.DataDir, "ipc")
}

func absOrSelf(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
