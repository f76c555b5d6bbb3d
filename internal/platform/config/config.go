// Package config builds runtime configuration from environment variables
// so main stays lean.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures HTTP server and auth configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
}

// RedisConfig captures source feed connection settings.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig captures the optional event fanout sink. Empty brokers
// disable publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Relay groups the reconciliation tuning knobs.
type Relay struct {
	// LivenessWindow bounds how old an event's activity timestamp may be
	// before it is dropped as stale.
	LivenessWindow time.Duration
	// SyncCooldown is the minimum interval between feed-driven full
	// downstream syncs. Admin writes ignore it.
	SyncCooldown time.Duration
	// PointReadTimeout bounds follow-up reads against the source feed.
	PointReadTimeout time.Duration
	// QueueCap caps each subject's notification queue.
	QueueCap int
	// MirrorQueueSize bounds the write-behind channel to the mirror.
	MirrorQueueSize int
	// StatsTimeout bounds a full statistics refresh.
	StatsTimeout time.Duration
	// StatsRefreshInterval schedules full statistics recomputation.
	StatsRefreshInterval time.Duration
}

// Search groups the fuzzy index parameters.
type Search struct {
	SearchKeyWeight float64
	LabelWeight     float64
	Threshold       float64
	MinQueryLength  int
}

// Config is the root configuration assembled by FromEnv.
type Config struct {
	Server      Server
	Redis       RedisConfig
	Kafka       KafkaConfig
	PostgresURL string
	Relay       Relay
	Search      Search
}

// FromEnv reads configuration from the environment, applying defaults
// suitable for local development.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:          envString("IDRELAY_ADDR", ":8080"),
			JWTSigningKey: envString("IDRELAY_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("IDRELAY_REDIS_URL"),
			PoolSize:     envInt("IDRELAY_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("IDRELAY_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("IDRELAY_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("IDRELAY_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("IDRELAY_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: envList("IDRELAY_KAFKA_BROKERS"),
			Topic:   envString("IDRELAY_KAFKA_TOPIC", "idrelay.events"),
		},
		PostgresURL: os.Getenv("IDRELAY_POSTGRES_URL"),
		Relay: Relay{
			LivenessWindow:       envDuration("IDRELAY_LIVENESS_WINDOW", 24*time.Hour),
			SyncCooldown:         envDuration("IDRELAY_SYNC_COOLDOWN", 10*time.Second),
			PointReadTimeout:     envDuration("IDRELAY_POINT_READ_TIMEOUT", 2500*time.Millisecond),
			QueueCap:             envInt("IDRELAY_QUEUE_CAP", 100),
			MirrorQueueSize:      envInt("IDRELAY_MIRROR_QUEUE_SIZE", 256),
			StatsTimeout:         envDuration("IDRELAY_STATS_TIMEOUT", 5*time.Second),
			StatsRefreshInterval: envDuration("IDRELAY_STATS_REFRESH_INTERVAL", 5*time.Minute),
		},
		Search: Search{
			SearchKeyWeight: envFloat("IDRELAY_SEARCH_KEY_WEIGHT", 0.7),
			LabelWeight:     envFloat("IDRELAY_SEARCH_LABEL_WEIGHT", 0.3),
			Threshold:       envFloat("IDRELAY_SEARCH_THRESHOLD", 0.3),
			MinQueryLength:  envInt("IDRELAY_SEARCH_MIN_QUERY", 2),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
