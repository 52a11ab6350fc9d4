package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Segmentation.SilenceTimeoutMS != 120000 {
		t.Fatalf("expected 2m silence timeout, got %d", cfg.Segmentation.SilenceTimeoutMS)
	}
	if cfg.Command.SettleDelayMS != 1500 {
		t.Fatalf("expected 1.5s settle delay, got %d", cfg.Command.SettleDelayMS)
	}
	if cfg.Sync.MinDurationMS != 10000 || cfg.Sync.FirstByteTimeoutMS != 5000 {
		t.Fatalf("unexpected sync defaults %+v", cfg.Sync)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
runtime_name: pendant-test
device:
  transport: nats
  id: pendant-7
  auto_connect: true
transcription:
  mode: on-device-batch
  batch_command: "whisper-cli --model {model}"
  model_path: /models/base.bin
sync:
  min_duration_ms: 2000
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "pendant-test" || cfg.Device.Transport != "nats" || cfg.Device.ID != "pendant-7" {
		t.Fatalf("file values not applied: %+v", cfg.Device)
	}
	if cfg.Transcription.Mode != "on-device-batch" || cfg.Transcription.ModelPath != "/models/base.bin" {
		t.Fatalf("transcription values not applied: %+v", cfg.Transcription)
	}
	if cfg.Sync.MinDurationMS != 2000 || cfg.Sync.FirstByteTimeoutMS != 5000 {
		t.Fatalf("expected partial override of sync section, got %+v", cfg.Sync)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_DEVICE_ID", "pendant-1")
	t.Setenv("LOQA_DEVICE_BATTERY_POLL_MS", "0")
	t.Setenv("LOQA_TRANSCRIPTION_MODE", "remote")
	t.Setenv("LOQA_TRANSCRIPTION_REMOTE_API_KEY", "key")
	t.Setenv("LOQA_SEGMENTATION_SILENCE_TIMEOUT_MS", "30000")
	t.Setenv("LOQA_COMMAND_SETTLE_DELAY_MS", "250")
	t.Setenv("LOQA_SYNC_MIN_THROUGHPUT_BPS", "2048")
	t.Setenv("LOQA_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_LLM_TEMPERATURE", "0.9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Device.ID != "pendant-1" || cfg.Device.BatteryPollMS != 0 {
		t.Fatalf("expected device overrides, got %+v", cfg.Device)
	}
	if cfg.Transcription.Mode != "remote" || cfg.Transcription.RemoteAPIKey != "key" {
		t.Fatalf("expected transcription overrides, got %+v", cfg.Transcription)
	}
	if cfg.Segmentation.SilenceTimeoutMS != 30000 {
		t.Fatalf("expected silence override")
	}
	if cfg.Command.SettleDelayMS != 250 {
		t.Fatalf("expected settle override")
	}
	if cfg.Sync.MinThroughputBPS != 2048 {
		t.Fatalf("expected throughput override")
	}
	if cfg.Store.Path != "./tmp.db" || cfg.Store.RetentionDays != 7 || !cfg.Store.VacuumOnStart {
		t.Fatalf("expected store overrides, got %+v", cfg.Store)
	}
	if cfg.LLM.Temperature != 0.9 {
		t.Fatalf("expected temperature override")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transcription mode", func(c *Config) { c.Transcription.Mode = "cloud" }},
		{"streaming without command", func(c *Config) { c.Transcription.Mode = "on-device-streaming" }},
		{"batch without command", func(c *Config) { c.Transcription.Mode = "on-device-batch" }},
		{"unknown transport", func(c *Config) { c.Device.Transport = "usb" }},
		{"auto connect without id", func(c *Config) { c.Device.AutoConnect = true }},
		{"unknown audio source", func(c *Config) { c.Audio.Source = "line-in" }},
		{"zero silence timeout", func(c *Config) { c.Segmentation.SilenceTimeoutMS = 0 }},
		{"zero first byte timeout", func(c *Config) { c.Sync.FirstByteTimeoutMS = 0 }},
		{"openai without key", func(c *Config) {
			c.LLM.Enabled = true
			c.LLM.Mode = "openai"
		}},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
