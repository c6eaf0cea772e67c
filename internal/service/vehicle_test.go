package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"go.uber.org/zap"

	"github.com/langchou/teslink/internal/api/tesla"
	"github.com/langchou/teslink/internal/config"
	"github.com/langchou/teslink/internal/models"
	"github.com/langchou/teslink/internal/state"
)

const (
	testAPIHost  = "https://owner-api.test"
	testAuthHost = "https://auth.test"
	vehiclesURL  = testAPIHost + "/api/1/vehicles"
	vehicleURL   = vehiclesURL + "/1001"
	dataURL      = vehicleURL + "/vehicle_data"
)

func newTestClient(t *testing.T) (*tesla.Client, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	hc := &http.Client{Transport: mt}
	store := tesla.NewTokenStore(zap.NewNop(), tesla.TokenStoreConfig{AuthHost: testAuthHost, HTTPClient: hc}, tesla.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		ExpiresIn:    28800,
		CreatedAt:    time.Now().Unix(),
	})
	return tesla.NewClient(zap.NewNop(), testAPIHost, store, tesla.WithHTTPClient(hc)), mt
}

func details(id, vehicleID int64, name, st string) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"vehicle_id":   vehicleID,
		"vin":          "5YJ3E1EA7KF000001",
		"display_name": name,
		"state":        st,
		"in_service":   false,
		"tokens":       []interface{}{"t1", "t2"},
	}
}

func listResponse(items ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"response": items, "count": len(items)}
}

// listSequence 依次返回给定状态的车辆列表，最后一个状态重复
func listSequence(states ...string) httpmock.Responder {
	var mu sync.Mutex
	i := 0
	return func(*http.Request) (*http.Response, error) {
		mu.Lock()
		st := states[min(i, len(states)-1)]
		i++
		mu.Unlock()
		return httpmock.NewJsonResponse(200, listResponse(details(1001, 2002, "Red Pill", st)))
	}
}

func dataResponse(present bool) map[string]interface{} {
	return map[string]interface{}{
		"response": map[string]interface{}{
			"id":         1001,
			"vehicle_id": 2002,
			"state":      "online",
			"vehicle_state": map[string]interface{}{
				"is_user_present": present,
				"odometer":        12345.6,
			},
			"drive_state": map[string]interface{}{"shift_state": nil},
		},
	}
}

func newTestVehicle(t *testing.T, client *tesla.Client, st string) *tesla.Vehicle {
	t.Helper()
	raw, err := json.Marshal(details(1001, 2002, "Red Pill", st))
	if err != nil {
		t.Fatal(err)
	}
	var d map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		t.Fatal(err)
	}
	v, err := tesla.NewVehicle(client, d)
	if err != nil {
		t.Fatalf("NewVehicle: %v", err)
	}
	return v
}

func testConfig() *config.Config {
	return &config.Config{
		PollIntervalOnline: 15 * time.Second,
		PollIntervalAsleep: time.Minute,
		FrameTimeout:       time.Second,
	}
}

type fakeSinks struct {
	mu        sync.Mutex
	waypoints []*models.WaypointRecord
	statuses  []*models.VehicleStatus
	changes   []string
	err       error
}

func (f *fakeSinks) SaveWaypoint(_ context.Context, rec *models.WaypointRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waypoints = append(f.waypoints, rec)
	return f.err
}

func (f *fakeSinks) SaveStatus(_ context.Context, st *models.VehicleStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, st)
	return f.err
}

func (f *fakeSinks) SaveStateChange(_ context.Context, c *models.StateChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, c.From+"->"+c.To)
	return f.err
}

func (f *fakeSinks) snapshot() (waypoints, statuses int, changes string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waypoints), len(f.statuses), strings.Join(f.changes, ",")
}

func TestVehiclesMergesByVehicleID(t *testing.T) {
	client, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodGet, vehiclesURL, listSequence("online", "asleep"))

	sinks := &fakeSinks{}
	svc := NewVehicleService(testConfig(), zap.NewNop(), client, nil, WithStateChangeSink(sinks))
	ctx := context.Background()

	first, err := svc.Vehicles(ctx, false)
	if err != nil {
		t.Fatalf("Vehicles: %v", err)
	}
	cached, err := svc.Vehicles(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if n := mt.GetTotalCallCount(); n != 1 {
		t.Errorf("cached lookup should not call the API, calls = %d", n)
	}
	if len(first) != 1 || cached[0] != first[0] {
		t.Fatalf("vehicles = %v / %v", first, cached)
	}

	refreshed, err := svc.Vehicles(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if refreshed[0] != first[0] {
		t.Error("refresh must keep the same vehicle object")
	}
	if refreshed[0].State() != state.StateAsleep {
		t.Errorf("state = %s, want asleep", refreshed[0].State())
	}
	if _, _, changes := sinks.snapshot(); changes != "online->asleep" {
		t.Errorf("state changes = %q", changes)
	}
}

func TestVehicleLookup(t *testing.T) {
	client, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodGet, vehiclesURL, httpmock.NewJsonResponderOrPanic(200, listResponse(
		details(1001, 2002, "Red Pill", "online"),
		details(1003, 2004, "Blue Pill", "asleep"),
	)))
	svc := NewVehicleService(testConfig(), zap.NewNop(), client, nil)
	ctx := context.Background()

	cases := map[string]int64{
		"Red Pill":  2002,
		"blue":      2004,
		"PILL":      2002,
		"":          2004,
		"Blue Pill": 2004,
	}
	for name, want := range cases {
		v, err := svc.Vehicle(ctx, name)
		if err != nil {
			t.Errorf("Vehicle(%q): %v", name, err)
			continue
		}
		if v.VehicleID() != want {
			t.Errorf("Vehicle(%q) = %d, want %d", name, v.VehicleID(), want)
		}
	}

	if _, err := svc.Vehicle(ctx, "green"); !errors.Is(err, ErrVehicleNotFound) {
		t.Errorf("err = %v, want ErrVehicleNotFound", err)
	}

	for _, id := range []int64{1003, 2004} {
		v, err := svc.VehicleByID(ctx, id)
		if err != nil || v.DisplayName() != "Blue Pill" {
			t.Errorf("VehicleByID(%d) = %v, %v", id, v, err)
		}
	}
	if _, err := svc.VehicleByID(ctx, 42); !errors.Is(err, ErrVehicleNotFound) {
		t.Errorf("err = %v, want ErrVehicleNotFound", err)
	}

	snaps := svc.Snapshots()
	if len(snaps) != 2 || snaps[0].State != state.StateOnline || snaps[1].Streaming {
		t.Errorf("snapshots = %+v", snaps)
	}

	summary := svc.Summary()
	if !strings.HasPrefix(summary, "2 vehicles, token expires ") || !strings.HasSuffix(summary, "1 requests") {
		t.Errorf("Summary = %q", summary)
	}
}

func TestVehicleLookupEmptyAccount(t *testing.T) {
	client, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodGet, vehiclesURL, httpmock.NewJsonResponderOrPanic(200, listResponse()))
	svc := NewVehicleService(testConfig(), zap.NewNop(), client, nil)

	if _, err := svc.Vehicle(context.Background(), ""); !errors.Is(err, ErrVehicleNotFound) {
		t.Errorf("err = %v, want ErrVehicleNotFound", err)
	}
}

func TestHandleWaypointFansOut(t *testing.T) {
	client, _ := newTestClient(t)
	boom := errors.New("boom")
	ok := &fakeSinks{}
	failing := &fakeSinks{err: boom}
	svc := NewVehicleService(testConfig(), zap.NewNop(), client, nil,
		WithWaypointSink(ok), WithWaypointSink(failing))

	wp, err := tesla.DefaultSchema().Decode(2002, "1700000000000,55,12345.6,80,100,90,37.1,-122.2,12,D,200,190,91")
	if err != nil {
		t.Fatal(err)
	}

	err = svc.handleWaypoint(context.Background(), wp)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if n, _, _ := ok.snapshot(); n != 1 {
		t.Errorf("healthy sink got %d waypoints", n)
	}
	if n, _, _ := failing.snapshot(); n != 1 {
		t.Errorf("failing sink got %d waypoints", n)
	}
	rec := ok.waypoints[0]
	if rec.VehicleID != 2002 || *rec.ShiftState != "D" || *rec.Speed != 55 {
		t.Errorf("record = %+v", rec)
	}
}

func TestPollAsleepDoesNotWake(t *testing.T) {
	client, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodGet, vehiclesURL, listSequence("asleep"))
	sinks := &fakeSinks{}
	cfg := testConfig()
	svc := NewVehicleService(cfg, zap.NewNop(), client, nil, WithStatusSink(sinks))
	v := newTestVehicle(t, client, "online")

	if got := svc.poll(context.Background(), v); got != cfg.PollIntervalAsleep {
		t.Errorf("interval = %v, want %v", got, cfg.PollIntervalAsleep)
	}
	if n := mt.GetCallCountInfo()["GET "+dataURL]; n != 0 {
		t.Errorf("vehicle_data calls = %d, want 0", n)
	}
	_, statuses, _ := sinks.snapshot()
	if statuses != 1 || sinks.statuses[0].State != state.StateAsleep {
		t.Errorf("statuses = %+v", sinks.statuses)
	}
}

func TestPollOnlineFetchesData(t *testing.T) {
	client, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodGet, vehiclesURL, listSequence("online"))
	mt.RegisterResponder(http.MethodGet, dataURL, httpmock.NewJsonResponderOrPanic(200, dataResponse(true)))
	sinks := &fakeSinks{}
	cfg := testConfig()
	svc := NewVehicleService(cfg, zap.NewNop(), client, nil, WithStatusSink(sinks))
	v := newTestVehicle(t, client, "online")

	if got := svc.poll(context.Background(), v); got != cfg.PollIntervalOnline {
		t.Errorf("interval = %v, want %v", got, cfg.PollIntervalOnline)
	}
	if n := mt.GetCallCountInfo()["GET "+dataURL]; n != 1 {
		t.Errorf("vehicle_data calls = %d, want 1", n)
	}
	_, statuses, _ := sinks.snapshot()
	if statuses != 1 {
		t.Fatalf("statuses = %d", statuses)
	}
	if present, known := v.UserPresent(); !present || !known {
		t.Error("poll should cache vehicle_state")
	}
}

func TestStartStop(t *testing.T) {
	client, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodGet, vehiclesURL, listSequence("asleep"))
	svc := NewVehicleService(testConfig(), zap.NewNop(), client, nil)
	ctx := context.Background()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	svc.Stop()
}

func TestStartFailsWhenListFails(t *testing.T) {
	client, mt := newTestClient(t)
	mt.RegisterResponder(http.MethodGet, vehiclesURL, httpmock.NewJsonResponderOrPanic(403, map[string]interface{}{"error": "forbidden"}))
	svc := NewVehicleService(testConfig(), zap.NewNop(), client, nil)

	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if svc.running {
		t.Error("service should not be marked running")
	}
}
