// Package config loads Runtime configuration from a YAML file with
// environment-variable overrides, mirroring the teacher daemon's
// file-plus-env layering but reduced to the options the Runtime actually
// understands: worker pool sizing, per-engine resource limits, the
// consented-logging server token, and the optional auxiliary RPC address.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every Runtime-level setting named in spec.md §6's Create
// signature, plus the ambient settings (consent token, observability,
// logsink persistence) the expanded system needs.
type Config struct {
	NumberOfWorkers    int `yaml:"number_of_workers"`
	MaxPendingRequests int `yaml:"max_pending_requests"`

	WorkerVirtualMemoryMB int `yaml:"worker_virtual_memory_mb"`
	EngineInitialHeapMB   int `yaml:"engine_initial_heap_mb"`
	EngineMaximumHeapMB   int `yaml:"engine_maximum_heap_mb"`
	EngineMaxWasmPages    int `yaml:"engine_max_wasm_pages"`

	SharedBufferMB   int  `yaml:"shared_buffer_mb"`
	SharedBufferOnly bool `yaml:"shared_buffer_only"`

	ServerAddress string `yaml:"server_address"`

	// ConsentToken gates internal/logsink's ConsentGate: a request's
	// Metadata["consent_token"] must equal this value for its invocation
	// log to be emitted. Empty disables consented logging entirely.
	ConsentToken string `yaml:"consent_token"`

	WorkerExecutable string   `yaml:"worker_executable"`
	WorkerArgs       []string `yaml:"worker_args"`

	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`

	// PostgresDSN, if set, backs an optional internal/logsink.PostgresSink
	// leg in addition to structured logging.
	PostgresDSN string `yaml:"postgres_dsn"`

	Cluster ClusterConfig `yaml:"cluster"`

	KeyCache KeyCacheConfig `yaml:"key_cache"`
}

// KeyCacheConfig configures an optional internal/keycache.Cache for hosts
// that load encrypted CodeObjects. Empty Region disables it; LoadCodeObj
// then rejects any CodeObject carrying a KeyID.
type KeyCacheConfig struct {
	Region string `yaml:"region"`
	TTL    string `yaml:"ttl"`

	// AccessKeyID/SecretAccessKey, when both set, pin the Secrets Manager
	// client to static credentials instead of the ambient AWS credential
	// chain (env vars, shared config, instance role).
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ClusterConfig configures an optional internal/dispatcher.ClusterGauge
// for hosts running more than one Runtime process behind a single
// fleet-wide pending-request budget. RedisAddr empty disables it.
type ClusterConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	NodeID    string `yaml:"node_id"`
}

// TracingConfig configures internal/observability.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig configures internal/metrics' Prometheus registry.
type MetricsConfig struct {
	Enabled   bool      `yaml:"enabled"`
	Namespace string    `yaml:"namespace"`
	Buckets   []float64 `yaml:"buckets"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults for a
// single-host deployment.
func DefaultConfig() *Config {
	return &Config{
		NumberOfWorkers:       4,
		MaxPendingRequests:    64,
		WorkerVirtualMemoryMB: 256,
		EngineInitialHeapMB:   8,
		EngineMaximumHeapMB:   64,
		EngineMaxWasmPages:    256,
		SharedBufferMB:        0,
		SharedBufferOnly:      false,
		ServerAddress:         "",
		ConsentToken:          "",
		WorkerExecutable:      "romaworker",
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "roma",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "roma",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile reads a YAML config file, falling back to DefaultConfig's
// values for anything the file omits.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies ROMA_*-prefixed environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ROMA_NUMBER_OF_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NumberOfWorkers = n
		}
	}
	if v := os.Getenv("ROMA_MAX_PENDING_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPendingRequests = n
		}
	}
	if v := os.Getenv("ROMA_WORKER_VIRTUAL_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerVirtualMemoryMB = n
		}
	}
	if v := os.Getenv("ROMA_ENGINE_INITIAL_HEAP_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EngineInitialHeapMB = n
		}
	}
	if v := os.Getenv("ROMA_ENGINE_MAXIMUM_HEAP_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EngineMaximumHeapMB = n
		}
	}
	if v := os.Getenv("ROMA_ENGINE_MAX_WASM_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EngineMaxWasmPages = n
		}
	}
	if v := os.Getenv("ROMA_SHARED_BUFFER_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SharedBufferMB = n
		}
	}
	if v := os.Getenv("ROMA_SHARED_BUFFER_ONLY"); v != "" {
		cfg.SharedBufferOnly = parseBool(v)
	}
	if v := os.Getenv("ROMA_SERVER_ADDRESS"); v != "" {
		cfg.ServerAddress = v
	}
	if v := os.Getenv("ROMA_CONSENT_TOKEN"); v != "" {
		cfg.ConsentToken = v
	}
	if v := os.Getenv("ROMA_WORKER_EXECUTABLE"); v != "" {
		cfg.WorkerExecutable = v
	}
	if v := os.Getenv("ROMA_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("ROMA_CLUSTER_REDIS_ADDR"); v != "" {
		cfg.Cluster.RedisAddr = v
	}
	if v := os.Getenv("ROMA_CLUSTER_NODE_ID"); v != "" {
		cfg.Cluster.NodeID = v
	}
	if v := os.Getenv("ROMA_KEY_CACHE_REGION"); v != "" {
		cfg.KeyCache.Region = v
	}
	if v := os.Getenv("ROMA_KEY_CACHE_TTL"); v != "" {
		cfg.KeyCache.TTL = v
	}
	if v := os.Getenv("ROMA_KEY_CACHE_ACCESS_KEY_ID"); v != "" {
		cfg.KeyCache.AccessKeyID = v
	}
	if v := os.Getenv("ROMA_KEY_CACHE_SECRET_ACCESS_KEY"); v != "" {
		cfg.KeyCache.SecretAccessKey = v
	}

	if v := os.Getenv("ROMA_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("ROMA_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("ROMA_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv("ROMA_TRACING_SERVICE_NAME"); v != "" {
		cfg.Tracing.ServiceName = v
	}
	if v := os.Getenv("ROMA_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRate = f
		}
	}

	if v := os.Getenv("ROMA_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("ROMA_METRICS_NAMESPACE"); v != "" {
		cfg.Metrics.Namespace = v
	}

	if v := os.Getenv("ROMA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ROMA_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
