package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Queue.NumRetries != 5 {
		t.Errorf("expected default num retries 5, got %d", cfg.Queue.NumRetries)
	}
	if cfg.Queue.Timeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %v", cfg.Queue.Timeout)
	}
	if cfg.Queue.PollInterval != time.Second {
		t.Errorf("expected default poll interval 1s, got %v", cfg.Queue.PollInterval)
	}
	if cfg.Durable.Configured() {
		t.Error("durable backend should not be configured by default")
	}
	if !cfg.Embedded.WALMode {
		t.Error("WAL mode should default to on")
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("QUEUE_NUM_RETRIES", "2")
	t.Setenv("QUEUE_TIMEOUT", "5s")
	t.Setenv("QUEUE_KEEP_FAILED_JOBS", "true")
	t.Setenv("DURABLE_LISTEN_PORT", "9080")
	t.Setenv("EMBEDDED_QUEUE_DATA_DIR", "/tmp/shelfmark-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Queue.NumRetries != 2 {
		t.Errorf("expected num retries 2, got %d", cfg.Queue.NumRetries)
	}
	if cfg.Queue.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", cfg.Queue.Timeout)
	}
	if !cfg.Queue.KeepFailedJobs {
		t.Error("expected keep failed jobs to be enabled")
	}
	if !cfg.Durable.Configured() {
		t.Error("durable backend should be configured with a listen port")
	}
	if cfg.Embedded.DataDir != "/tmp/shelfmark-test" {
		t.Errorf("unexpected data dir: %s", cfg.Embedded.DataDir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"negative retries", func(c *Config) { c.Queue.NumRetries = -1 }, true},
		{"zero concurrency", func(c *Config) { c.Queue.Concurrency = 0 }, true},
		{"missing data dir", func(c *Config) { c.Embedded.DataDir = "" }, true},
		{"durable without ingress", func(c *Config) {
			c.Durable.ListenPort = 9080
			c.Durable.IngressAddr = ""
		}, true},
		{"durable without admin", func(c *Config) {
			c.Durable.ListenPort = 9080
			c.Durable.AdminAddr = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestRedisConfig_Addr(t *testing.T) {
	cfg := RedisConfig{Host: "cache.internal", Port: 6380}
	if cfg.Addr() != "cache.internal:6380" {
		t.Errorf("unexpected addr: %s", cfg.Addr())
	}
}
