package models

import (
	"time"

	"github.com/langchou/teslink/internal/api/tesla"
)

// WaypointRecord 持久化的遥测记录
type WaypointRecord struct {
	ID         int64     `json:"id,omitempty" db:"id"`
	VehicleID  int64     `json:"vehicle_id" db:"vehicle_id"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
	Speed      *int64    `json:"speed,omitempty" db:"speed"`       // mph
	Odometer   *float64  `json:"odometer,omitempty" db:"odometer"` // 英里
	SOC        *int64    `json:"soc,omitempty" db:"soc"`
	Elevation  *int64    `json:"elevation,omitempty" db:"elevation"`
	EstHeading *int64    `json:"est_heading,omitempty" db:"est_heading"`
	Latitude   *float64  `json:"est_lat,omitempty" db:"latitude"`
	Longitude  *float64  `json:"est_lng,omitempty" db:"longitude"`
	Power      *int64    `json:"power,omitempty" db:"power"` // kW
	ShiftState *string   `json:"shift_state,omitempty" db:"shift_state"`
	Range      *int64    `json:"range,omitempty" db:"range"`
	EstRange   *int64    `json:"est_range,omitempty" db:"est_range"`
	Heading    *int64    `json:"heading,omitempty" db:"heading"`
	Raw        string    `json:"raw" db:"raw"` // 原始 CSV 记录
}

func intCol(wp *tesla.Waypoint, col string) *int64 {
	if n, ok := wp.Int(col); ok {
		return &n
	}
	return nil
}

func floatCol(wp *tesla.Waypoint, col string) *float64 {
	if f, ok := wp.Float(col); ok {
		return &f
	}
	return nil
}

// NewWaypointRecord 由解码后的 Waypoint 生成记录
func NewWaypointRecord(wp *tesla.Waypoint) *WaypointRecord {
	rec := &WaypointRecord{
		VehicleID:  wp.Tag,
		RecordedAt: wp.Timestamp(),
		Speed:      intCol(wp, "speed"),
		Odometer:   floatCol(wp, "odometer"),
		SOC:        intCol(wp, "soc"),
		Elevation:  intCol(wp, "elevation"),
		EstHeading: intCol(wp, "est_heading"),
		Latitude:   floatCol(wp, "est_lat"),
		Longitude:  floatCol(wp, "est_lng"),
		Power:      intCol(wp, "power"),
		Range:      intCol(wp, "range"),
		EstRange:   intCol(wp, "est_range"),
		Heading:    intCol(wp, "heading"),
		Raw:        wp.Record(),
	}
	if s := wp.ShiftState(); s != "" {
		rec.ShiftState = &s
	}
	return rec
}
