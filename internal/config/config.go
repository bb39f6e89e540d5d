package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	PolicyFixed       = "fixed"
	PolicyExponential = "exponential"
)

type Config struct {
	BattleWSURL string
	NotifyWSURL string
	APIBaseURL  string
	AuthToken   string
	Username    string
	ListenAddr  string

	PrepSeconds    int
	ProblemSeconds int
	TickInterval   time.Duration

	ReconnectPolicy string
	ReconnectDelay  time.Duration
	ReconnectMax    time.Duration

	DatabaseURL string
	RedisAddr   string

	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file, then the process environment. Variables
// already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{
		BattleWSURL: getEnv("BATTLE_WS_URL", "ws://localhost:8000/ws/battles/"),
		NotifyWSURL: getEnv("NOTIFY_WS_URL", ""),
		APIBaseURL:  getEnv("API_BASE_URL", "http://localhost:8000/api/v1"),
		AuthToken:   getEnv("AUTH_TOKEN", ""),
		Username:    getEnv("BATTLE_USERNAME", ""),
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),

		ReconnectPolicy: strings.ToLower(getEnv("RECONNECT_POLICY", PolicyFixed)),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisAddr:   strings.TrimPrefix(getEnv("REDIS_ADDR", ""), "redis://"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.PrepSeconds, err = getEnvInt("PREP_SECONDS", 10); err != nil {
		return nil, err
	}
	if cfg.ProblemSeconds, err = getEnvInt("PROBLEM_SECONDS", 30); err != nil {
		return nil, err
	}
	if cfg.TickInterval, err = getEnvDuration("TICK_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay, err = getEnvDuration("RECONNECT_DELAY", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectMax, err = getEnvDuration("RECONNECT_MAX", 30*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BattleWSURL == "" {
		return fmt.Errorf("%w: BATTLE_WS_URL is required", ErrInvalidConfig)
	}
	if c.PrepSeconds < 0 {
		return fmt.Errorf("%w: PREP_SECONDS must not be negative", ErrInvalidConfig)
	}
	if c.ProblemSeconds <= 0 {
		return fmt.Errorf("%w: PROBLEM_SECONDS must be positive", ErrInvalidConfig)
	}
	if c.TickInterval <= 0 || c.ReconnectDelay <= 0 || c.ReconnectMax <= 0 {
		return fmt.Errorf("%w: durations must be positive", ErrInvalidConfig)
	}
	switch c.ReconnectPolicy {
	case PolicyFixed, PolicyExponential:
	default:
		return fmt.Errorf("%w: unknown RECONNECT_POLICY %q", ErrInvalidConfig, c.ReconnectPolicy)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return d, nil
}
