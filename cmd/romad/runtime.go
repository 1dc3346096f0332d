package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	goredis "github.com/go-redis/redis/v8"

	"github.com/romaexec/roma/internal/config"
	"github.com/romaexec/roma/internal/dispatcher"
	"github.com/romaexec/roma/internal/keycache"
	"github.com/romaexec/roma/internal/logging"
	"github.com/romaexec/roma/internal/logsink"
	"github.com/romaexec/roma/internal/observability"
	"github.com/romaexec/roma/internal/runtime"
)

// identityDecryptor treats the Secrets Manager payload as the key material
// itself: AWS-side envelope encryption (KMS) already protects it at rest,
// so no second decryption layer runs in this sample host.
type identityDecryptor struct{}

func (identityDecryptor) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

func buildKeyCache(ctx context.Context, cfg *config.Config) (*keycache.Cache, error) {
	if cfg.KeyCache.Region == "" {
		return nil, nil
	}
	ttl := 15 * time.Minute
	if cfg.KeyCache.TTL != "" {
		parsed, err := time.ParseDuration(cfg.KeyCache.TTL)
		if err != nil {
			return nil, fmt.Errorf("parse key_cache.ttl: %w", err)
		}
		ttl = parsed
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.KeyCache.Region)}
	if cfg.KeyCache.AccessKeyID != "" && cfg.KeyCache.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.KeyCache.AccessKeyID, cfg.KeyCache.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := secretsmanager.NewFromConfig(awsCfg)
	return keycache.New(client, identityDecryptor{}, ttl), nil
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// buildRuntime starts a Runtime from the resolved Config. Callers own
// calling Stop when done.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime.Runtime, error) {
	logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)
	log := logging.Op()

	sink, err := buildLogSink(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("build log sink: %w", err)
	}

	var gauge *dispatcher.ClusterGauge
	if cfg.Cluster.RedisAddr != "" {
		nodeID := cfg.Cluster.NodeID
		if nodeID == "" {
			nodeID = fmt.Sprintf("%s-%d", cfg.WorkerExecutable, os.Getpid())
		}
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Cluster.RedisAddr})
		gauge = dispatcher.NewClusterGauge(client, nodeID, log)
	}

	keyCache, err := buildKeyCache(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build key cache: %w", err)
	}

	return runtime.Create(ctx, runtime.Config{
		NumberOfWorkers:       cfg.NumberOfWorkers,
		MaxPendingRequests:    cfg.MaxPendingRequests,
		WorkerVirtualMemoryMB: cfg.WorkerVirtualMemoryMB,
		EngineInitialHeapMB:   cfg.EngineInitialHeapMB,
		EngineMaximumHeapMB:   cfg.EngineMaximumHeapMB,
		EngineMaxWasmPages:    cfg.EngineMaxWasmPages,
		SharedBufferMB:        cfg.SharedBufferMB,
		SharedBufferOnly:      cfg.SharedBufferOnly,
		ServerAddress:         cfg.ServerAddress,
		ConsentToken:          cfg.ConsentToken,
		WorkerExecutable:      cfg.WorkerExecutable,
		WorkerArgs:            cfg.WorkerArgs,
		Logger:                log,
		LogSink:               sink,
		ClusterGauge:          gauge,
		KeyCache:              keyCache,
		Tracing: observability.Config{
			Enabled:     cfg.Tracing.Enabled,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			SampleRate:  cfg.Tracing.SampleRate,
		},
	})
}

// buildLogSink wires internal/logsink's structured sink with an optional
// Postgres leg when cfg.PostgresDSN is set, fanned out via MultiSink.
func buildLogSink(ctx context.Context, cfg *config.Config, log *slog.Logger) (logsink.Sink, error) {
	structured := logsink.NewStructuredSink(log)
	if cfg.PostgresDSN == "" {
		return structured, nil
	}
	pg, err := logsink.NewPostgresSink(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	return logsink.NewMultiSink(structured, pg), nil
}
