package models

import "time"

// VehicleStatus 车辆状态快照
type VehicleStatus struct {
	ID          int64                  `json:"id,omitempty" db:"id"`
	VehicleID   int64                  `json:"vehicle_id" db:"vehicle_id"`
	DisplayName string                 `json:"display_name" db:"display_name"`
	State       string                 `json:"state" db:"state"`
	Data        map[string]interface{} `json:"data" db:"data"`
	RecordedAt  time.Time              `json:"recorded_at" db:"recorded_at"`
}

// StateChange 连接状态迁移记录
type StateChange struct {
	ID        int64     `json:"id,omitempty" db:"id"`
	VehicleID int64     `json:"vehicle_id" db:"vehicle_id"`
	From      string    `json:"from" db:"from_state"`
	To        string    `json:"to" db:"to_state"`
	ChangedAt time.Time `json:"changed_at" db:"changed_at"`
}
