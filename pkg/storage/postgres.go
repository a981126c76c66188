// Package storage provides the PostgreSQL-backed observation lookup the
// status cache falls back to. The rest of the dashboard's schema (flights,
// pilots, planes) is owned elsewhere; the gateway only reads the latest
// position fix per device.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore wraps a connection pool over the dashboard database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Open opens a pooled connection and verifies it.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// LatestObservation returns the timestamp of the most recent position fix
// recorded for the device, or ok=false when the device has never been seen.
func (s *PostgresStore) LatestObservation(ctx context.Context, deviceID string) (time.Time, bool, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT observed_at FROM device_observations WHERE device_id = $1 ORDER BY observed_at DESC LIMIT 1`,
		deviceID,
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest observation for %s: %w", deviceID, err)
	}
	return at, true, nil
}
