// Package postgres builds instrumented pgx connection pools.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the per-query duration histogram.
type Metrics struct {
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns database metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "careertrack_db_query_duration_seconds",
			Help:    "Duration of individual database queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "route", "outcome"}),
	}
	reg.MustRegister(m.QueryDuration)
	return m
}

// PoolOptions configures NewPool.
type PoolOptions struct {
	URL string

	// MaxConns overrides the pool size when > 0.
	MaxConns int32

	// SlowQuery suppresses query logs faster than this. Failed queries are
	// always logged. 0 logs every query.
	SlowQuery time.Duration

	// LogArgs includes bind arguments in query logs. Arguments carry student
	// data, so this stays off outside development.
	LogArgs bool

	Metrics *Metrics
}

// NewPool connects to PostgreSQL with otel tracing and query logging
// installed, and verifies the connection with a ping.
func NewPool(ctx context.Context, opts PoolOptions) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		pcfg.MaxConns = opts.MaxConns
	}
	pcfg.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), tracerOptions{
		slow:    opts.SlowQuery,
		logArgs: opts.LogArgs,
		metrics: opts.Metrics,
	})

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
