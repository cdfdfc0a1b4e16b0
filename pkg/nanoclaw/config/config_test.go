package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AssistantName != "Andy" {
		t.Errorf("AssistantName = %q", cfg.AssistantName)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %s", cfg.PollInterval)
	}
	if cfg.Container.Image != "nanoclaw-agent:latest" {
		t.Errorf("Container.Image = %q", cfg.Container.Image)
	}
	if !filepath.IsAbs(cfg.DataDir) {
		t.Errorf("DataDir %q not absolutized", cfg.DataDir)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
assistant_name: Rita
default_model: opus
poll_interval: 5s
container:
  image: custom:v2
  timeout: 90s
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AssistantName != "Rita" || cfg.DefaultModel != "opus" {
		t.Errorf("identity = %q/%q", cfg.AssistantName, cfg.DefaultModel)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %s", cfg.PollInterval)
	}
	if cfg.Container.Image != "custom:v2" || cfg.Container.Timeout != 90*time.Second {
		t.Errorf("container = %+v", cfg.Container)
	}
	// Unset keys keep their defaults.
	if cfg.Container.MaxOutputBytes != 10<<20 {
		t.Errorf("MaxOutputBytes = %d, want default", cfg.Container.MaxOutputBytes)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("WHISPER_MODEL", "/models/tiny.bin")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TelegramToken != "123:abc" {
		t.Errorf("TelegramToken = %q", cfg.TelegramToken)
	}
	if cfg.WhisperModel != "/models/tiny.bin" {
		t.Errorf("WhisperModel = %q", cfg.WhisperModel)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}

func TestLocationFallsBackToLocal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Not/AZone"
	if got := cfg.Location(); got != time.Local {
		t.Errorf("Location() = %v, want local fallback", got)
	}

	cfg.Timezone = "UTC"
	if got := cfg.Location(); got.String() != "UTC" {
		t.Errorf("Location() = %v, want UTC", got)
	}
}

func TestIPCDirUnderDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/nanoclaw"
	if got := cfg.IPCDir(); got != "/var/lib/nanoclaw/ipc" {
		t.Errorf("IPCDir() = %q", got)
	}
}
