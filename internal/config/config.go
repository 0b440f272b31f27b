// Package config loads control-plane settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of the control plane. Defaults are applied
// for any variable left unset.
type Config struct {
	ListenAddr string

	// RedisURL selects the session store backend. Empty means the
	// in-process store.
	RedisURL string

	WorkerImage string
	WorkerPort  string

	SessionTTL       time.Duration
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration

	HealthInterval   time.Duration
	ProbeTimeout     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	BreakerGrace     time.Duration

	EventRingSize    int
	SubscriberBuffer int

	MaxSessionsPerProject int64
	RequestsPerHour       int
	RateBurst             int

	ResolveTimeout time.Duration
	PollInterval   time.Duration
}

// Load reads configuration from the environment, filling defaults.
func Load() Config {
	return Config{
		ListenAddr:       envStr("LISTEN_ADDR", ":8080"),
		RedisURL:         os.Getenv("REDIS_URL"),
		WorkerImage:      envStr("WORKER_IMAGE", "browsergrid/worker:latest"),
		WorkerPort:       envStr("WORKER_PORT", "9222"),
		SessionTTL:       envDur("SESSION_TTL", time.Hour),
		HeartbeatTimeout: envDur("HEARTBEAT_TIMEOUT", 5*time.Minute),
		SweepInterval:    envDur("SWEEP_INTERVAL", time.Minute),
		HealthInterval:   envDur("HEALTH_INTERVAL", 30*time.Second),
		ProbeTimeout:     envDur("PROBE_TIMEOUT", 10*time.Second),
		BreakerThreshold: envInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  envDur("BREAKER_COOLDOWN", 30*time.Second),
		BreakerGrace:     envDur("BREAKER_GRACE", time.Minute),
		EventRingSize:    envInt("EVENT_RING_SIZE", 100),
		SubscriberBuffer: envInt("SUBSCRIBER_BUFFER", 32),

		MaxSessionsPerProject: int64(envInt("MAX_SESSIONS_PER_PROJECT", 10)),
		RequestsPerHour:       envInt("REQUESTS_PER_HOUR", 100),
		RateBurst:             envInt("RATE_BURST", 10),

		ResolveTimeout: envDur("RESOLVE_TIMEOUT", time.Minute),
		PollInterval:   envDur("POLL_INTERVAL", 500*time.Millisecond),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
