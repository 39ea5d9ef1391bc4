// Package storage provides the PostgreSQL storage layer for Kansoku.
//
// It manages the connection pool, forward-only schema migrations,
// COPY-based batch ingestion of spans, and the trace summary queries.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// DB wraps a pgxpool.Pool and, once Listen is called, a dedicated
// connection for LISTEN/NOTIFY.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	notifyMu   sync.Mutex
	notifyConn *pgx.Conn
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the notify connection and the connection pool.
func (db *DB) Close() {
	db.notifyMu.Lock()
	if db.notifyConn != nil {
		_ = db.notifyConn.Close(context.Background())
		db.notifyConn = nil
	}
	db.notifyMu.Unlock()
	db.pool.Close()
}

// RegisterPoolMetrics exposes pgxpool statistics as observable OTEL gauges.
// Call once after telemetry.Init.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("kansoku/storage")

	gauge := func(name, desc string, read func(*pgxpool.Stat) int64) {
		_, err := meter.Int64ObservableGauge(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(read(db.pool.Stat()))
				return nil
			}),
		)
		if err != nil {
			db.logger.Warn("storage: register pool gauge", "name", name, "error", err)
		}
	}

	gauge("kansoku.db.pool.total_conns", "Total connections in the pool",
		func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) })
	gauge("kansoku.db.pool.idle_conns", "Idle connections in the pool",
		func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) })
	gauge("kansoku.db.pool.acquired_conns", "Connections currently checked out",
		func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) })
	gauge("kansoku.db.pool.max_conns", "Configured pool size",
		func(s *pgxpool.Stat) int64 { return int64(s.MaxConns()) })
	gauge("kansoku.db.pool.empty_acquire_total", "Acquires that had to wait for a connection",
		func(s *pgxpool.Stat) int64 { return s.EmptyAcquireCount() })
}
