package recorder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/langchou/teslink/internal/models"
)

func TestFileRecorder(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	r, err := NewFileRecorder(root)
	if err != nil {
		t.Fatalf("NewFileRecorder: %v", err)
	}
	ctx := context.Background()

	for _, raw := range []string{"1700000000,55", "1700000001,56"} {
		if err := r.SaveWaypoint(ctx, &models.WaypointRecord{VehicleID: 2002, Raw: raw}); err != nil {
			t.Fatal(err)
		}
	}
	data, err := os.ReadFile(filepath.Join(root, "stream.data.2002"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "2002,1700000000,55\n2002,1700000001,56\n" {
		t.Errorf("stream file = %q", data)
	}

	st := &models.VehicleStatus{VehicleID: 2002, State: "online", RecordedAt: time.Unix(1700000000, 0).UTC()}
	if err := r.SaveStatus(ctx, st); err != nil {
		t.Fatal(err)
	}
	data, err = os.ReadFile(r.StatusPath())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("status lines = %d", len(lines))
	}
	var got models.VehicleStatus
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatal(err)
	}
	if got.VehicleID != 2002 || got.State != "online" {
		t.Errorf("status = %+v", got)
	}
}

func TestNewFileRecorderRequiresRoot(t *testing.T) {
	if _, err := NewFileRecorder(""); err == nil {
		t.Error("expected error for empty root")
	}
}
