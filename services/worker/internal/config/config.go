package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the YAML file read at startup; VIBE_WORKER_CONFIG overrides it.
var ConfigPath = defaultConfigPath()

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("VIBE_WORKER_CONFIG")); v != "" {
		return v
	}
	return "worker.yaml"
}

// MinioConfig points the purge at the avatar bucket. Empty Endpoint skips
// object cleanup.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"useSSL"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel         string      `yaml:"logLevel"`
	DatabaseURL      string      `yaml:"databaseURL"`
	RedisAddr        string      `yaml:"redisAddr"`
	RedisPassword    string      `yaml:"redisPassword"`
	QueueStream      string      `yaml:"queueStream"`
	QueueGroup       string      `yaml:"queueGroup"`
	QueueConcurrency int         `yaml:"queueConcurrency"`
	QueueMaxRetries  int         `yaml:"queueMaxRetries"`
	SweepInterval    string      `yaml:"sweepInterval"`
	SweepOnStart     bool        `yaml:"sweepOnStart"`
	Minio            MinioConfig `yaml:"minio"`
}

// Load reads path, applies environment overrides and validates.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{
		QueueStream:      "vibe:jobs:account_purge",
		QueueGroup:       "purge",
		QueueConcurrency: 2,
		QueueMaxRetries:  5,
		SweepInterval:    "24h",
		SweepOnStart:     true,
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	for env, dst := range map[string]*string{
		"LOG_LEVEL":          &cfg.LogLevel,
		"DATABASE_URL":       &cfg.DatabaseURL,
		"REDIS_ADDR":         &cfg.RedisAddr,
		"REDIS_PASSWORD":     &cfg.RedisPassword,
		"PURGE_QUEUE_STREAM": &cfg.QueueStream,
		"PURGE_QUEUE_GROUP":  &cfg.QueueGroup,
		"SWEEP_INTERVAL":     &cfg.SweepInterval,
		"MINIO_ENDPOINT":     &cfg.Minio.Endpoint,
		"MINIO_ACCESS_KEY":   &cfg.Minio.AccessKey,
		"MINIO_SECRET_KEY":   &cfg.Minio.SecretKey,
		"MINIO_BUCKET":       &cfg.Minio.Bucket,
		"MINIO_REGION":       &cfg.Minio.Region,
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("PURGE_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("SWEEP_ON_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SweepOnStart = b
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Minio.UseSSL = b
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required (set REDIS_ADDR)")
	}
	if strings.TrimSpace(cfg.QueueStream) == "" {
		return errors.New("config: queueStream is required")
	}
	if cfg.QueueConcurrency <= 0 {
		return errors.New("config: queueConcurrency must be > 0")
	}
	d, err := time.ParseDuration(strings.TrimSpace(cfg.SweepInterval))
	if err != nil || d <= 0 {
		return fmt.Errorf("config: invalid sweepInterval %q", cfg.SweepInterval)
	}
	if cfg.Minio.Endpoint != "" && cfg.Minio.Bucket == "" {
		return errors.New("config: minio.bucket is required when minio.endpoint is set")
	}
	return nil
}

// SweepEvery returns the parsed sweep interval of a validated config.
func (c FileConfig) SweepEvery() time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(c.SweepInterval))
	return d
}
