// Package logsink implements the consented-logging sink named in
// spec.md's system overview: per-request logging that emits only when a
// client-supplied consent token matches the server's configured token.
// It is grounded on the original's per-request RequestContext, which
// carried a request-scoped "is logging enabled" flag through the
// invocation and flushed a record at the end (src/logger/request_context_impl.h).
package logsink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/romaexec/roma/internal/domain"
	"github.com/romaexec/roma/internal/logging"
	"github.com/romaexec/roma/internal/pkg/crypto"
)

// Record is one consented invocation-log entry.
type Record struct {
	Timestamp     time.Time
	RequestID     string
	RequestUUID   string
	VersionString string
	Handler       string
	DurationMs    int64
	Success       bool
	ErrorKind     string
	ErrorMessage  string

	// ConsentFingerprint is a truncated SHA-256 of the consent token that
	// authorized this record, never the token itself, so logs can be
	// correlated back to a caller without persisting the secret.
	ConsentFingerprint string
}

// Sink abstracts the destination for consented invocation logs.
// Implementations must be safe for concurrent use.
type Sink interface {
	Log(ctx context.Context, rec Record) error
	Close() error
}

// FromResponse builds a Record from a completed invocation's request and
// response. A nil resp, or one without Err, yields a successful Record.
func FromResponse(req domain.InvocationRequest, resp *domain.ResponseObject, elapsed time.Duration) Record {
	rec := Record{
		Timestamp:     time.Now(),
		RequestID:     req.RequestID,
		RequestUUID:   req.UUID,
		VersionString: req.VersionString,
		Handler:       req.Handler,
		DurationMs:    elapsed.Milliseconds(),
		Success:       true,
	}
	if resp != nil && resp.Err != nil {
		rec.Success = false
		rec.ErrorKind = string(resp.Err.Kind)
		rec.ErrorMessage = resp.Err.Message
	}
	return rec
}

// ConsentGate wraps an inner Sink so LogIfConsented is a no-op unless the caller's
// token matches the server's configured consent token. The server token
// is a Runtime configuration value (spec.md §9), never a package-level
// static, so a ConsentGate must be constructed per Runtime.
type ConsentGate struct {
	serverToken string
	inner       Sink
}

// NewConsentGate builds a gate that only forwards to inner when the
// caller supplies serverToken back via LogIfConsented's clientToken argument.
func NewConsentGate(serverToken string, inner Sink) *ConsentGate {
	return &ConsentGate{serverToken: serverToken, inner: inner}
}

// LogIfConsented forwards rec to the inner sink only if clientToken
// matches the configured server token. An empty server token disables
// the sink entirely: consented logging defaults to off.
func (g *ConsentGate) LogIfConsented(ctx context.Context, clientToken string, rec Record) error {
	if g.serverToken == "" || clientToken != g.serverToken {
		return nil
	}
	rec.ConsentFingerprint = crypto.HashString(clientToken)
	return g.inner.Log(ctx, rec)
}

func (g *ConsentGate) Close() error { return g.inner.Close() }

// StructuredSink emits records through internal/logging's operational
// slog logger rather than persisting them, suitable as the default sink
// or as one leg of a MultiSink fan-out.
type StructuredSink struct {
	log *slog.Logger
}

// NewStructuredSink builds a StructuredSink over log, or internal/logging's
// shared operational logger if log is nil.
func NewStructuredSink(log *slog.Logger) *StructuredSink {
	if log == nil {
		log = logging.Op()
	}
	return &StructuredSink{log: log}
}

func (s *StructuredSink) Log(_ context.Context, rec Record) error {
	s.log.Info("invocation",
		"request_id", rec.RequestID,
		"request_uuid", rec.RequestUUID,
		"version", rec.VersionString,
		"handler", rec.Handler,
		"duration_ms", rec.DurationMs,
		"success", rec.Success,
		"error_kind", rec.ErrorKind,
		"error", rec.ErrorMessage,
		"consent_fingerprint", rec.ConsentFingerprint,
	)
	return nil
}

func (s *StructuredSink) Close() error { return nil }

// PostgresSink persists consented invocation logs to Postgres via pgx,
// the host's optional external metadata-store persistence (spec.md §1
// treats durable storage as out of scope for the runtime itself; this
// sink is strictly an opt-in side channel a host may wire up).
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to dsn. Callers are expected to have already
// created the target table:
//
//	CREATE TABLE roma_invocation_logs (
//	    ts timestamptz, request_id text, request_uuid text,
//	    version_string text, handler text, duration_ms bigint,
//	    success boolean, error_kind text, error_message text,
//	    consent_fingerprint text
//	);
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("logsink: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("logsink: ping postgres: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

func (p *PostgresSink) Log(ctx context.Context, rec Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO roma_invocation_logs
			(ts, request_id, request_uuid, version_string, handler, duration_ms, success, error_kind, error_message, consent_fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.Timestamp, rec.RequestID, rec.RequestUUID, rec.VersionString, rec.Handler,
		rec.DurationMs, rec.Success, rec.ErrorKind, rec.ErrorMessage, rec.ConsentFingerprint,
	)
	if err != nil {
		return fmt.Errorf("logsink: insert: %w", err)
	}
	return nil
}

func (p *PostgresSink) Close() error {
	p.pool.Close()
	return nil
}

// MultiSink fans a Log call out to every member sink, continuing past
// individual failures and returning a combined error if any failed.
type MultiSink struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Log(ctx context.Context, rec Record) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Log(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NoopSink discards every record. The runtime does not install it by
// default: with an empty consent token ConsentGate already forwards nothing.
type NoopSink struct{}

func (NoopSink) Log(context.Context, Record) error { return nil }
func (NoopSink) Close() error                       { return nil }
