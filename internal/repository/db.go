package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateWaypoints,
		migrationCreateVehicleStatuses,
		migrationCreateStateChanges,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

const migrationCreateWaypoints = `
CREATE TABLE IF NOT EXISTS waypoints (
    id BIGSERIAL PRIMARY KEY,
    vehicle_id BIGINT NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
    speed INT,
    odometer DOUBLE PRECISION,
    soc INT,
    elevation INT,
    est_heading INT,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    power INT,
    shift_state VARCHAR(2),
    range INT,
    est_range INT,
    heading INT,
    raw TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_waypoints_vehicle_recorded ON waypoints(vehicle_id, recorded_at DESC);
`

const migrationCreateVehicleStatuses = `
CREATE TABLE IF NOT EXISTS vehicle_statuses (
    id BIGSERIAL PRIMARY KEY,
    vehicle_id BIGINT NOT NULL,
    display_name VARCHAR(255),
    state VARCHAR(20) NOT NULL,
    data JSONB NOT NULL DEFAULT '{}',
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_vehicle_statuses_vehicle_recorded ON vehicle_statuses(vehicle_id, recorded_at DESC);
`

const migrationCreateStateChanges = `
CREATE TABLE IF NOT EXISTS state_changes (
    id BIGSERIAL PRIMARY KEY,
    vehicle_id BIGINT NOT NULL,
    from_state VARCHAR(20) NOT NULL,
    to_state VARCHAR(20) NOT NULL,
    changed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_state_changes_vehicle ON state_changes(vehicle_id, changed_at DESC);
`
