package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/langchou/teslink/internal/api/tesla"
)

func TestNewWaypointRecord(t *testing.T) {
	wp, err := tesla.DefaultSchema().Decode(2002, "1700000000000,55,12345.6,80,,90,37.1,-122.2,-12,D,200,190,91")
	if err != nil {
		t.Fatal(err)
	}
	rec := NewWaypointRecord(wp)

	if rec.VehicleID != 2002 || rec.RecordedAt.Unix() != 1700000000 {
		t.Errorf("record = %+v", rec)
	}
	if *rec.Speed != 55 || *rec.Odometer != 12345.6 || *rec.Power != -12 || *rec.ShiftState != "D" {
		t.Errorf("values = %d %v %d %s", *rec.Speed, *rec.Odometer, *rec.Power, *rec.ShiftState)
	}
	if rec.Elevation != nil {
		t.Errorf("empty elevation should be nil, got %d", *rec.Elevation)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "elevation") {
		t.Errorf("json = %s", data)
	}
}

func TestNewWaypointRecordWithoutShift(t *testing.T) {
	wp, err := tesla.DefaultSchema().Decode(1, "1700000000,,,,,,,,,,,,")
	if err != nil {
		t.Fatal(err)
	}
	if rec := NewWaypointRecord(wp); rec.ShiftState != nil || rec.Speed != nil {
		t.Errorf("record = %+v", rec)
	}
}
