package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/langchou/teslink/internal/models"
)

// StatusRepository 车辆状态快照和状态迁移仓库
type StatusRepository struct {
	db *DB
}

// NewStatusRepository 创建状态仓库
func NewStatusRepository(db *DB) *StatusRepository {
	return &StatusRepository{db: db}
}

// SaveStatus 写入状态快照
func (r *StatusRepository) SaveStatus(ctx context.Context, st *models.VehicleStatus) error {
	data, err := json.Marshal(st.Data)
	if err != nil {
		return fmt.Errorf("marshal status data: %w", err)
	}
	if st.RecordedAt.IsZero() {
		st.RecordedAt = time.Now()
	}
	query := `
		INSERT INTO vehicle_statuses (vehicle_id, display_name, state, data, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err = r.db.Pool.QueryRow(ctx, query,
		st.VehicleID,
		st.DisplayName,
		st.State,
		data,
		st.RecordedAt,
	).Scan(&st.ID)
	if err != nil {
		return fmt.Errorf("insert vehicle status: %w", err)
	}
	return nil
}

// GetLatestStatus 最新状态快照
func (r *StatusRepository) GetLatestStatus(ctx context.Context, vehicleID int64) (*models.VehicleStatus, error) {
	query := `
		SELECT id, vehicle_id, display_name, state, data, recorded_at
		FROM vehicle_statuses WHERE vehicle_id = $1 ORDER BY recorded_at DESC LIMIT 1
	`
	st := &models.VehicleStatus{}
	var data []byte
	err := r.db.Pool.QueryRow(ctx, query, vehicleID).Scan(
		&st.ID,
		&st.VehicleID,
		&st.DisplayName,
		&st.State,
		&data,
		&st.RecordedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get latest vehicle status: %w", err)
	}
	if err := json.Unmarshal(data, &st.Data); err != nil {
		return nil, fmt.Errorf("unmarshal status data: %w", err)
	}
	return st, nil
}

// SaveStateChange 记录状态迁移
func (r *StatusRepository) SaveStateChange(ctx context.Context, change *models.StateChange) error {
	if change.ChangedAt.IsZero() {
		change.ChangedAt = time.Now()
	}
	query := `
		INSERT INTO state_changes (vehicle_id, from_state, to_state, changed_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query, change.VehicleID, change.From, change.To, change.ChangedAt).Scan(&change.ID)
	if err != nil {
		return fmt.Errorf("insert state change: %w", err)
	}
	return nil
}

// ListStateChanges 最近的状态迁移
func (r *StatusRepository) ListStateChanges(ctx context.Context, vehicleID int64, limit int) ([]*models.StateChange, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, vehicle_id, from_state, to_state, changed_at
		FROM state_changes WHERE vehicle_id = $1 ORDER BY changed_at DESC LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list state changes: %w", err)
	}
	defer rows.Close()

	var changes []*models.StateChange
	for rows.Next() {
		c := &models.StateChange{}
		if err := rows.Scan(&c.ID, &c.VehicleID, &c.From, &c.To, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan state change: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state changes: %w", err)
	}
	return changes, nil
}
