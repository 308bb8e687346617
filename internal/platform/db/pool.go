package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   queryLogger{},
		LogLevel: traceLevel(zerolog.GlobalLevel()),
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// queryLogger forwards pgx trace events to zerolog, tagged with the tenant.
type queryLogger struct{}

func (queryLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	var ev *zerolog.Event
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		ev = log.Debug()
	case tracelog.LogLevelInfo:
		ev = log.Info()
	case tracelog.LogLevelWarn:
		ev = log.Warn()
	default:
		ev = log.Error()
	}
	if tid := TenantFromContext(ctx); tid != "" {
		ev = ev.Str("tenant_id", tid)
	}
	ev.Fields(data).Msg("pgx: " + msg)
}

// traceLevel keeps per-query events out of the log unless debugging.
func traceLevel(l zerolog.Level) tracelog.LogLevel {
	if l <= zerolog.DebugLevel {
		return tracelog.LogLevelDebug
	}
	return tracelog.LogLevelWarn
}
