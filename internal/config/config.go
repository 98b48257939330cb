package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr      string
	DatabaseURL   string
	LogLevel      string
	LogFormat     string
	UploadDir     string
	PublicBaseURL string

	JWTSecret string
	JWTIssuer string

	PresenceTimeout       time.Duration
	PresenceSweepInterval time.Duration

	SubscriberBuffer int
	WSRateLimit      int

	RedisURL     string
	RedisChannel string
}

func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:   getEnv("DATABASE_URL", "sqlite::memory:"),
		LogLevel:      strings.TrimSpace(getEnv("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(getEnv("LOG_FORMAT", "json")),
		UploadDir:     getEnv("UPLOAD_DIR", "./uploads"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", ""),

		RedisURL:     getEnv("REDIS_URL", ""),
		RedisChannel: getEnv("REDIS_CHANNEL", "chatcore:events"),
	}

	var err error
	if cfg.PresenceTimeout, err = getDuration("PRESENCE_TIMEOUT", 45*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PresenceSweepInterval, err = getDuration("PRESENCE_SWEEP_INTERVAL", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SubscriberBuffer, err = getInt("SUBSCRIBER_BUFFER", 256); err != nil {
		return Config{}, err
	}
	if cfg.WSRateLimit, err = getInt("WS_RATE_LIMIT", 20); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return Config{}, fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must not be empty")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET must not be empty")
	}
	if cfg.PresenceTimeout <= 0 || cfg.PresenceSweepInterval <= 0 {
		return Config{}, fmt.Errorf("presence durations must be positive")
	}
	if cfg.PresenceSweepInterval > cfg.PresenceTimeout {
		return Config{}, fmt.Errorf("PRESENCE_SWEEP_INTERVAL (%s) must not exceed PRESENCE_TIMEOUT (%s)", cfg.PresenceSweepInterval, cfg.PresenceTimeout)
	}
	if cfg.SubscriberBuffer < 1 {
		return Config{}, fmt.Errorf("SUBSCRIBER_BUFFER must be at least 1")
	}
	if cfg.WSRateLimit < 1 {
		return Config{}, fmt.Errorf("WS_RATE_LIMIT must be at least 1")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
