package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.ChunkSize != 1024 {
		t.Errorf("ChunkSize = %d, want 1024", cfg.Device.ChunkSize)
	}
	if cfg.Device.BootloaderRetries != 40 {
		t.Errorf("BootloaderRetries = %d, want 40", cfg.Device.BootloaderRetries)
	}
	if cfg.Device.BootloaderInterval != 500*time.Millisecond {
		t.Errorf("BootloaderInterval = %v, want 500ms", cfg.Device.BootloaderInterval)
	}
	if cfg.Device.BootloaderConnectTimeout != time.Minute {
		t.Errorf("BootloaderConnectTimeout = %v, want 1m", cfg.Device.BootloaderConnectTimeout)
	}
	if cfg.Discovery.TCP.Token != "DOTNETMF" {
		t.Errorf("TCP token = %q", cfg.Discovery.TCP.Token)
	}
	if cfg.Database.Enabled {
		t.Error("database should be disabled by default")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mfdeploy.yaml")
	content := []byte("device:\n  chunk_size: 512\n  bootloader_connect_timeout: 90s\nlogging:\n  level: debug\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MFDEPLOY_DEVICE_BOOTLOADER_RETRIES", "7")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.ChunkSize != 512 {
		t.Errorf("ChunkSize = %d, want 512", cfg.Device.ChunkSize)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Device.BootloaderRetries != 7 {
		t.Errorf("BootloaderRetries = %d, want 7", cfg.Device.BootloaderRetries)
	}
	if cfg.Device.BootloaderConnectTimeout != 90*time.Second {
		t.Errorf("BootloaderConnectTimeout = %v, want 90s", cfg.Device.BootloaderConnectTimeout)
	}
}

func TestLoadFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.Int("chunk-size", 1024, "")
	if err := flags.Parse([]string{"--log-level=warn", "--chunk-size=256"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), flags)
	if err == nil {
		t.Fatal("expected error for explicit missing config file")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("app:\n  name: test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path, flags)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Device.ChunkSize != 256 {
		t.Errorf("ChunkSize = %d, want 256", cfg.Device.ChunkSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk", func(c *Config) { c.Device.ChunkSize = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad env", func(c *Config) { c.App.Environment = "moon" }},
		{"no bootloader retries", func(c *Config) { c.Device.BootloaderRetries = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := validate(cfg); err == nil {
				t.Error("validate() expected error")
			}
		})
	}

	if err := validate(validConfig()); err != nil {
		t.Errorf("validate() on valid config = %v", err)
	}
}

func validConfig() *Config {
	return &Config{
		App:     AppConfig{Environment: "test"},
		Server:  ServerConfig{Port: "8086"},
		Logging: LoggingConfig{Level: "info"},
		Device: DeviceConfig{
			ChunkSize:         1024,
			BootloaderRetries: 40,
			PingTimeout:       100 * time.Millisecond,
		},
	}
}
