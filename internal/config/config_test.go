package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(configFileEnv, "")
	t.Setenv("PORT", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerPort != "4000" {
		t.Errorf("ServerPort = %q, want 4000", cfg.ServerPort)
	}
	if cfg.TeslaAPIHost != "https://owner-api.teslamotors.com" {
		t.Errorf("TeslaAPIHost = %q", cfg.TeslaAPIHost)
	}
	if cfg.FrameTimeout != 10*time.Second {
		t.Errorf("FrameTimeout = %v, want 10s", cfg.FrameTimeout)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Errorf("KafkaBrokers = %v, want none", cfg.KafkaBrokers)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "teslink.yaml")
	content := []byte(`
server_port: "8080"
poll_interval_online: 5s
kafka_brokers: ["k1:9092"]
kafka_topic: from-file
data_root: /var/lib/teslink
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(configFileEnv, path)
	t.Setenv("PORT", "")
	t.Setenv("KAFKA_TOPIC", "from-env")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("STREAM_RECONNECT_DELAY", "0s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080 from file", cfg.ServerPort)
	}
	if cfg.PollIntervalOnline != 5*time.Second {
		t.Errorf("PollIntervalOnline = %v, want 5s", cfg.PollIntervalOnline)
	}
	if cfg.KafkaTopic != "from-env" {
		t.Errorf("KafkaTopic = %q, want env override", cfg.KafkaTopic)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.ReconnectDelay != 0 {
		t.Errorf("ReconnectDelay = %v, want 0", cfg.ReconnectDelay)
	}
	if cfg.DataRoot != "/var/lib/teslink" {
		t.Errorf("DataRoot = %q", cfg.DataRoot)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(configFileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	cfg.FrameTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero frame timeout")
	}

	cfg = defaults()
	cfg.KafkaBrokers = []string{"k:9092"}
	cfg.KafkaTopic = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for brokers without topic")
	}
}
