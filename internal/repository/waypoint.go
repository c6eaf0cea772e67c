package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/teslink/internal/models"
)

// WaypointRepository 遥测记录仓库
type WaypointRepository struct {
	db *DB
}

// NewWaypointRepository 创建遥测记录仓库
func NewWaypointRepository(db *DB) *WaypointRepository {
	return &WaypointRepository{db: db}
}

const waypointColumns = `vehicle_id, recorded_at, speed, odometer, soc, elevation, est_heading, latitude, longitude, power, shift_state, range, est_range, heading, raw`

// SaveWaypoint 写入一条遥测记录
func (r *WaypointRepository) SaveWaypoint(ctx context.Context, rec *models.WaypointRecord) error {
	query := `
		INSERT INTO waypoints (` + waypointColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		rec.VehicleID,
		rec.RecordedAt,
		rec.Speed,
		rec.Odometer,
		rec.SOC,
		rec.Elevation,
		rec.EstHeading,
		rec.Latitude,
		rec.Longitude,
		rec.Power,
		rec.ShiftState,
		rec.Range,
		rec.EstRange,
		rec.Heading,
		rec.Raw,
	).Scan(&rec.ID)

	if err != nil {
		return fmt.Errorf("insert waypoint: %w", err)
	}
	return nil
}

func scanWaypoint(row pgx.Row) (*models.WaypointRecord, error) {
	rec := &models.WaypointRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.VehicleID,
		&rec.RecordedAt,
		&rec.Speed,
		&rec.Odometer,
		&rec.SOC,
		&rec.Elevation,
		&rec.EstHeading,
		&rec.Latitude,
		&rec.Longitude,
		&rec.Power,
		&rec.ShiftState,
		&rec.Range,
		&rec.EstRange,
		&rec.Heading,
		&rec.Raw,
	)
	return rec, err
}

// GetLatest 车辆最新一条记录
func (r *WaypointRepository) GetLatest(ctx context.Context, vehicleID int64) (*models.WaypointRecord, error) {
	query := `SELECT id, ` + waypointColumns + ` FROM waypoints WHERE vehicle_id = $1 ORDER BY recorded_at DESC LIMIT 1`
	rec, err := scanWaypoint(r.db.Pool.QueryRow(ctx, query, vehicleID))
	if err != nil {
		return nil, fmt.Errorf("get latest waypoint: %w", err)
	}
	return rec, nil
}

// ListRecent 车辆最近的记录，按时间倒序
func (r *WaypointRepository) ListRecent(ctx context.Context, vehicleID int64, limit int) ([]*models.WaypointRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, ` + waypointColumns + ` FROM waypoints WHERE vehicle_id = $1 ORDER BY recorded_at DESC LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, query, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list waypoints: %w", err)
	}
	defer rows.Close()

	var recs []*models.WaypointRecord
	for rows.Next() {
		rec, err := scanWaypoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waypoint: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waypoints: %w", err)
	}
	return recs, nil
}
