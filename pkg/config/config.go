// Package config loads Nexus Agents orchestrator configuration from the
// environment (and an optional .env file for local development).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// QueueConfig controls one named coordinator queue (spec.md §4.4).
type QueueConfig struct {
	Name            string
	Capacity        int
	ProviderBudget  string // optional tag binding this queue to a provider budget
}

// ProviderConfig controls per-provider limits enforced by pkg/gateway (spec.md §4.3).
type ProviderConfig struct {
	Name        string
	RPS         float64
	Burst       int
	Concurrency int
	Enabled     bool
}

// CoordinatorConfig controls pkg/coordinator.
type CoordinatorConfig struct {
	WorkerCount       int           `env:"WORKER_COUNT"`
	MaxRetries        int           `env:"MAX_RETRIES"`
	RetryBaseMs       int           `env:"RETRY_BASE_MS"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL_SEC"`
	HeartbeatTTL      time.Duration `env:"HEARTBEAT_TTL_SEC"`
	StatsInterval     time.Duration `env:"STATS_SNAPSHOT_INTERVAL_SEC"`
	Queues            map[string]QueueConfig
}

// ProvidersConfig holds every configured provider, keyed by name.
type ProvidersConfig struct {
	Providers map[string]ProviderConfig
}

// LLMConfig names the models used for the two model roles from spec.md §4.3.
type LLMConfig struct {
	ReasoningModel string `env:"LLM_REASONING_MODEL"`
	TaskModel      string `env:"LLM_TASK_MODEL"`
}

// EventBusConfig controls pkg/eventbus.
type EventBusConfig struct {
	MaxEventBytes    int    `env:"EVENT_MAX_BYTES"`
	ChannelPrefix    string `env:"EVENT_BUS_CHANNEL_PREFIX"`
	SubscriberBuffer int    `env:"EVENT_BUS_SUBSCRIBER_BUFFER"`
}

// DatabaseConfig controls pkg/store's Postgres-backed implementation.
type DatabaseConfig struct {
	DSN          string `env:"DATABASE_DSN"`
	MaxOpenConns int    `env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns int    `env:"DATABASE_MAX_IDLE_CONNS"`
}

// RedisConfig controls the optional coordinator queue mirror.
type RedisConfig struct {
	Addr string `env:"REDIS_ADDR"`
}

// LoggingConfig controls pkg/logging.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL"`
	Format string `env:"LOG_FORMAT"`
}

// HTTPConfig controls internal/httpapi.
type HTTPConfig struct {
	Addr string `env:"HTTP_ADDR"`
}

// Config is the top-level configuration for the orchestrator core.
type Config struct {
	Coordinator CoordinatorConfig
	Providers   ProvidersConfig
	LLM         LLMConfig
	EventBus    EventBusConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Logging     LoggingConfig
	HTTP        HTTPConfig
}

// Default returns a configuration populated with the defaults from spec.md.
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			WorkerCount:       8,
			MaxRetries:        3,
			RetryBaseMs:       200,
			HeartbeatInterval: 10 * time.Second,
			HeartbeatTTL:      30 * time.Second,
			StatsInterval:     5 * time.Second,
			Queues: map[string]QueueConfig{
				"search":    {Name: "search", Capacity: 256},
				"fetch":     {Name: "fetch", Capacity: 256},
				"llm":       {Name: "llm", Capacity: 128},
				"synthesis": {Name: "synthesis", Capacity: 64},
			},
		},
		Providers: ProvidersConfig{Providers: map[string]ProviderConfig{}},
		LLM: LLMConfig{
			ReasoningModel: "reasoning-default",
			TaskModel:      "task-default",
		},
		EventBus: EventBusConfig{
			MaxEventBytes:    10 * 1024,
			ChannelPrefix:    "nexus_events",
			SubscriberBuffer: 256,
		},
		Database: DatabaseConfig{MaxOpenConns: 10, MaxIdleConns: 5},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		HTTP:     HTTPConfig{Addr: ":8080"},
	}
}

// Load reads configuration from `.env` (if present) and the process
// environment, layering fixed-name fields via envdecode and dynamic,
// name-keyed fields (QUEUE_<NAME>_CAP, PROVIDER_<NAME>_RPS,
// PROVIDER_<NAME>_CONCURRENCY) via direct environment scanning, the same
// two-tier approach the teacher's config packages use for per-chain settings.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDynamicQueueOverrides(cfg)
	applyDynamicProviderOverrides(cfg)

	if cfg.Coordinator.WorkerCount <= 0 {
		cfg.Coordinator.WorkerCount = 8
	}
	if cfg.Coordinator.MaxRetries <= 0 {
		cfg.Coordinator.MaxRetries = 3
	}
	return cfg, nil
}

// applyDynamicQueueOverrides scans QUEUE_<NAME>_CAP environment variables and
// updates (or creates) the corresponding queue's capacity.
func applyDynamicQueueOverrides(cfg *Config) {
	for _, kv := range os.Environ() {
		key, val, ok := splitEnv(kv)
		if !ok || !strings.HasPrefix(key, "QUEUE_") || !strings.HasSuffix(key, "_CAP") {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(key, "QUEUE_"), "_CAP"))
		cap, err := strconv.Atoi(val)
		if err != nil || name == "" {
			continue
		}
		q := cfg.Coordinator.Queues[name]
		q.Name = name
		q.Capacity = cap
		cfg.Coordinator.Queues[name] = q
	}
}

// applyDynamicProviderOverrides scans PROVIDER_<NAME>_RPS and
// PROVIDER_<NAME>_CONCURRENCY environment variables.
func applyDynamicProviderOverrides(cfg *Config) {
	for _, kv := range os.Environ() {
		key, val, ok := splitEnv(kv)
		if !ok || !strings.HasPrefix(key, "PROVIDER_") {
			continue
		}
		rest := strings.TrimPrefix(key, "PROVIDER_")
		switch {
		case strings.HasSuffix(rest, "_RPS"):
			name := strings.ToLower(strings.TrimSuffix(rest, "_RPS"))
			if rps, err := strconv.ParseFloat(val, 64); err == nil && name != "" {
				p := cfg.Providers.Providers[name]
				p.Name = name
				p.RPS = rps
				p.Enabled = true
				if p.Burst == 0 {
					p.Burst = int(rps * 2)
				}
				if p.Concurrency == 0 {
					p.Concurrency = 4
				}
				cfg.Providers.Providers[name] = p
			}
		case strings.HasSuffix(rest, "_CONCURRENCY"):
			name := strings.ToLower(strings.TrimSuffix(rest, "_CONCURRENCY"))
			if n, err := strconv.Atoi(val); err == nil && name != "" {
				p := cfg.Providers.Providers[name]
				p.Name = name
				p.Concurrency = n
				p.Enabled = true
				cfg.Providers.Providers[name] = p
			}
		}
	}
}

func splitEnv(kv string) (key, val string, ok bool) {
	idx := strings.IndexByte(kv, '=')
	if idx < 0 {
		return "", "", false
	}
	return kv[:idx], kv[idx+1:], true
}
