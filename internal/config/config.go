// Package config loads process configuration from the environment,
// following the teacher's config.Load() shape: explicit os.Getenv +
// strings.TrimSpace + typed parsing with defaults, a plain error on
// missing required fields. No viper/koanf — the corpus never reaches
// for one and env vars are all this process needs.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	NodeID string

	RedisURL    string
	DatabaseURL string
	NatsURL     string

	ListenAddr      string // websocket server
	AdminListenAddr string // fasthttp health/metrics server

	JWTSecret string

	SearchSessionTTL time.Duration
	LiveGameTTL      time.Duration
	MatchLockTTL     time.Duration
	StoreOpTimeout   time.Duration
	DurableOpTimeout time.Duration
	ScanInterval     time.Duration

	LogLevel  string
	LogToFile bool
	LogFile   string
	LogFormat string

	MetricsEnabled bool
	TracingEnabled bool
	ZipkinEndpoint string

	GameTypesFile string
}

func Load() (*Config, error) {
	cfg := &Config{
		NodeID:           strings.TrimSpace(getenvDefault("ARENA_NODE_ID", randomishNodeID())),
		ListenAddr:       getenvDefault("ARENA_LISTEN_ADDR", ":8080"),
		AdminListenAddr:  getenvDefault("ARENA_ADMIN_LISTEN_ADDR", ":9090"),
		SearchSessionTTL: durationDefault("ARENA_SEARCH_SESSION_TTL", 300*time.Second),
		LiveGameTTL:      durationDefault("ARENA_LIVE_GAME_TTL", 7200*time.Second),
		MatchLockTTL:     durationDefault("ARENA_MATCH_LOCK_TTL", 5*time.Second),
		StoreOpTimeout:   durationDefault("ARENA_STORE_TIMEOUT", 2*time.Second),
		DurableOpTimeout: durationDefault("ARENA_DURABLE_TIMEOUT", 5*time.Second),
		ScanInterval:     durationDefault("ARENA_SCAN_INTERVAL", 1*time.Second),
		LogLevel:         getenvDefault("LOG_LEVEL", "info"),
		LogToFile:        strings.EqualFold(getenvDefault("LOG_TO_FILE", "false"), "true"),
		LogFile:          getenvDefault("LOG_FILE", "logs/arena.log"),
		LogFormat:        getenvDefault("LOG_FORMAT", "json"),
		MetricsEnabled:   strings.EqualFold(getenvDefault("ARENA_METRICS_ENABLED", "true"), "true"),
		TracingEnabled:   strings.EqualFold(getenvDefault("ARENA_TRACING_ENABLED", "false"), "true"),
		ZipkinEndpoint:   strings.TrimSpace(os.Getenv("ARENA_ZIPKIN_ENDPOINT")),
		GameTypesFile:    strings.TrimSpace(os.Getenv("ARENA_GAME_TYPES_FILE")),
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.NatsURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.JWTSecret = strings.TrimSpace(os.Getenv("ARENA_JWT_SECRET"))

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("ARENA_JWT_SECRET is required")
	}

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func durationDefault(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func randomishNodeID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "node-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return host
}
