package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vibe/pkg/auth"
)

// ConfigPath is the YAML file read at startup; VIBE_CONFIG overrides it.
var ConfigPath = defaultConfigPath()

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("VIBE_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// MinioConfig enables presigned avatar uploads when Endpoint is set.
type MinioConfig struct {
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"accessKey"`
	SecretKey     string `yaml:"secretKey"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	UseSSL        bool   `yaml:"useSSL"`
	PublicBaseURL string `yaml:"publicBaseURL"`
	EnsureBucket  bool   `yaml:"ensureBucket"`
	UploadExpiry  string `yaml:"uploadExpiry"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string      `yaml:"port"`
	DatabaseURL                string      `yaml:"databaseURL"`
	RedisAddr                  string      `yaml:"redisAddr"`
	RedisPassword              string      `yaml:"redisPassword"`
	LogLevel                   string      `yaml:"logLevel"`
	SessionTTL                 string      `yaml:"sessionTTL"`
	JWTSecret                  string      `yaml:"jwtSecret"`
	JWTPrivateKeyPath          string      `yaml:"jwtPrivateKeyPath"`
	JWTPublicKeyPath           string      `yaml:"jwtPublicKeyPath"`
	JWTKeyID                   string      `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys        string      `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer                  string      `yaml:"jwtIssuer"`
	JWTAudience                string      `yaml:"jwtAudience"`
	JWTLeeway                  string      `yaml:"jwtLeeway"`
	PasswordPolicy             string      `yaml:"passwordPolicy"`
	RegisterRateLimitPerMinute int         `yaml:"registerRateLimitPerMinute"`
	LoginRateLimitPerMinute    int         `yaml:"loginRateLimitPerMinute"`
	CORSAllowedOrigins         []string    `yaml:"corsAllowedOrigins"`
	TrustedProxies             []string    `yaml:"trustedProxies"`
	PurgeQueueStream           string      `yaml:"purgeQueueStream"`
	Minio                      MinioConfig `yaml:"minio"`
}

// Load reads path (ConfigPath when empty), applies environment overrides and
// validates the result. A missing file is allowed so containers can run on
// environment variables alone.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{
		Port:                       "8080",
		SessionTTL:                 "1h",
		RegisterRateLimitPerMinute: 10,
		LoginRateLimitPerMinute:    20,
		PurgeQueueStream:           "vibe:jobs:account_purge",
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
		"PORT":                   &cfg.Port,
		"DATABASE_URL":           &cfg.DatabaseURL,
		"REDIS_ADDR":             &cfg.RedisAddr,
		"REDIS_PASSWORD":         &cfg.RedisPassword,
		"LOG_LEVEL":              &cfg.LogLevel,
		"SESSION_TTL":            &cfg.SessionTTL,
		"JWT_SECRET":             &cfg.JWTSecret,
		"JWT_PRIVATE_KEY_PATH":   &cfg.JWTPrivateKeyPath,
		"JWT_PUBLIC_KEY_PATH":    &cfg.JWTPublicKeyPath,
		"JWT_KEY_ID":             &cfg.JWTKeyID,
		"JWT_VERIFY_PUBLIC_KEYS": &cfg.JWTVerifyPublicKeys,
		"JWT_ISSUER":             &cfg.JWTIssuer,
		"JWT_AUDIENCE":           &cfg.JWTAudience,
		"JWT_LEEWAY":             &cfg.JWTLeeway,
		"PASSWORD_POLICY":        &cfg.PasswordPolicy,
		"PURGE_QUEUE_STREAM":     &cfg.PurgeQueueStream,
		"MINIO_ENDPOINT":         &cfg.Minio.Endpoint,
		"MINIO_ACCESS_KEY":       &cfg.Minio.AccessKey,
		"MINIO_SECRET_KEY":       &cfg.Minio.SecretKey,
		"MINIO_BUCKET":           &cfg.Minio.Bucket,
		"MINIO_REGION":           &cfg.Minio.Region,
		"MINIO_PUBLIC_BASE_URL":  &cfg.Minio.PublicBaseURL,
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Minio.UseSSL = b
		}
	}
	if v := os.Getenv("REGISTER_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegisterRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = SplitList(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = SplitList(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("config: port is required")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set DATABASE_URL)")
	}
	if cfg.JWTSecret == "" && cfg.JWTPrivateKeyPath == "" {
		return errors.New("config: jwtSecret or jwtPrivateKeyPath is required")
	}
	if cfg.JWTPrivateKeyPath == "" && cfg.JWTPublicKeyPath != "" {
		return errors.New("config: jwtPublicKeyPath requires jwtPrivateKeyPath")
	}
	if cfg.RegisterRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if _, err := auth.PolicyByName(cfg.PasswordPolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for name, value := range map[string]string{
		"sessionTTL":         cfg.SessionTTL,
		"jwtLeeway":          cfg.JWTLeeway,
		"minio.uploadExpiry": cfg.Minio.UploadExpiry,
	} {
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("config: invalid %s: %w", name, err)
		}
	}
	if _, err := ParseKeyMap(cfg.JWTVerifyPublicKeys); err != nil {
		return fmt.Errorf("config: invalid jwtVerifyPublicKeys: %w", err)
	}
	if cfg.Minio.Endpoint != "" && cfg.Minio.Bucket == "" {
		return errors.New("config: minio.bucket is required when minio.endpoint is set")
	}
	return nil
}

// ParseDuration parses an optional duration; empty means zero.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}

// ParseKeyMap parses "kid=path,kid2=path2".
func ParseKeyMap(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, entry := range SplitList(raw) {
		kid, path, ok := strings.Cut(entry, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("entry %q must be kid=path", entry)
		}
		out[kid] = path
	}
	return out, nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
