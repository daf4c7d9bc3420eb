package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "memory")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("PURGE_QUEUE_CONCURRENCY", "4")
	t.Setenv("SWEEP_ON_START", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueConcurrency != 4 || cfg.SweepOnStart {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.QueueStream != "vibe:jobs:account_purge" || cfg.SweepEvery() != 24*time.Hour {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	body := "databaseURL: memory\nredisAddr: localhost:6379\nsweepInterval: 30m\nqueueGroup: g1\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SweepEvery() != 30*time.Minute || cfg.QueueGroup != "g1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestValidateConfigRejects(t *testing.T) {
	base := FileConfig{DatabaseURL: "memory", RedisAddr: "x:1", QueueStream: "s", QueueConcurrency: 1, SweepInterval: "1h"}
	cases := map[string]func(*FileConfig){
		"no database":      func(c *FileConfig) { c.DatabaseURL = "" },
		"no redis":         func(c *FileConfig) { c.RedisAddr = "" },
		"zero concurrency": func(c *FileConfig) { c.QueueConcurrency = 0 },
		"bad interval":     func(c *FileConfig) { c.SweepInterval = "soon" },
		"zero interval":    func(c *FileConfig) { c.SweepInterval = "0s" },
		"minio no bucket":  func(c *FileConfig) { c.Minio.Endpoint = "minio:9000" },
	}
	if err := validateConfig(base); err != nil {
		t.Fatalf("base config rejected: %v", err)
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			if err := validateConfig(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
