// Package storage provides the PostgreSQL/PostGIS storage layer for aoipipe.
//
// It manages connection pooling (via pgxpool), a dedicated connection for
// LISTEN/NOTIFY, the read-only geoprocessing queries behind each pipeline
// stage, and the pipeline run history tables.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY. The notify connection must point directly at Postgres;
// transaction-mode poolers drop LISTEN registrations.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	notifyDSN  string
	notifyMu   sync.Mutex // guards notifyConn; held only to swap or close it
	notifyConn *pgx.Conn
}

// New creates a new DB with a connection pool. notifyDSN may be empty, in
// which case LISTEN/NOTIFY is unavailable and HasNotifyConn returns false.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
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

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:       pool,
		logger:     logger,
		notifyDSN:  notifyDSN,
		notifyConn: notifyConn,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether a LISTEN/NOTIFY connection is configured.
func (db *DB) HasNotifyConn() bool {
	return db.notifyDSN != ""
}

// conn returns the current notify connection, or nil.
func (db *DB) conn() *pgx.Conn {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	return db.notifyConn
}

// ReconnectNotify replaces the notify connection with a fresh one and
// re-issues LISTEN on ChannelPipeline. The old connection is closed first;
// after a dropped socket it is unusable anyway.
func (db *DB) ReconnectNotify(ctx context.Context) error {
	if db.notifyDSN == "" {
		return ErrNoNotifyConn
	}
	db.notifyMu.Lock()
	old := db.notifyConn
	db.notifyConn = nil
	db.notifyMu.Unlock()
	if old != nil {
		_ = old.Close(ctx)
	}

	conn, err := pgx.Connect(ctx, db.notifyDSN)
	if err != nil {
		return fmt.Errorf("storage: reconnect notify: %w", err)
	}
	db.notifyMu.Lock()
	db.notifyConn = conn
	db.notifyMu.Unlock()
	return db.ListenEvents(ctx)
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// RegisterPoolMetrics exposes pgxpool statistics as OTEL gauges.
// Call after telemetry.Init so the global meter provider is set.
func (db *DB) RegisterPoolMetrics() {
	meter := otel.GetMeterProvider().Meter("aoipipe/storage")

	total, err1 := meter.Int64ObservableGauge("db.pool.connections.total")
	idle, err2 := meter.Int64ObservableGauge("db.pool.connections.idle")
	acquired, err3 := meter.Int64ObservableGauge("db.pool.connections.acquired")
	if err1 != nil || err2 != nil || err3 != nil {
		db.logger.Warn("storage: pool metrics unavailable")
		return
	}

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := db.pool.Stat()
		o.ObserveInt64(total, int64(st.TotalConns()))
		o.ObserveInt64(idle, int64(st.IdleConns()))
		o.ObserveInt64(acquired, int64(st.AcquiredConns()))
		return nil
	}, total, idle, acquired)
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
	}
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyConn = nil
	db.notifyMu.Unlock()
	if conn != nil {
		if err := conn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
