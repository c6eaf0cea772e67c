package tesla

import (
	"strings"
	"testing"
	"time"
)

func mustSchema(t *testing.T, cols ...string) *Schema {
	t.Helper()
	s, err := NewSchema(cols)
	if err != nil {
		t.Fatalf("NewSchema(%v): %v", cols, err)
	}
	return s
}

func TestDecodeSecondsTimestamp(t *testing.T) {
	s := mustSchema(t, "timestamp", "speed", "odometer")

	wp, err := s.Decode(7, "1700000000,55,12345.6")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n, ok := wp.Int("speed"); !ok || n != 55 {
		t.Errorf("speed = %v %v, want 55", n, ok)
	}
	if f, ok := wp.Float("odometer"); !ok || f != 12345.6 {
		t.Errorf("odometer = %v %v, want 12345.6", f, ok)
	}
	if want := time.Unix(1700000000, 0); !wp.Timestamp().Equal(want) {
		t.Errorf("timestamp = %v, want %v", wp.Timestamp(), want)
	}
	if wp.Timestamp().Location() != time.UTC {
		t.Errorf("timestamp location = %v, want UTC", wp.Timestamp().Location())
	}
	if wp.Tag != 7 || wp.Record() != "1700000000,55,12345.6" {
		t.Errorf("tag=%d record=%q", wp.Tag, wp.Record())
	}
}

func TestDecodeMillisecondsMatchesSeconds(t *testing.T) {
	s := mustSchema(t, "timestamp", "speed", "odometer")

	secs, err := s.Decode(1, "1700000000,55,12345.6")
	if err != nil {
		t.Fatal(err)
	}
	millis, err := s.Decode(1, "1700000000000,55,12345.6")
	if err != nil {
		t.Fatal(err)
	}
	if !secs.Timestamp().Equal(millis.Timestamp()) {
		t.Errorf("seconds %v != milliseconds %v", secs.Timestamp(), millis.Timestamp())
	}

	// 阈值本身仍按秒处理
	edge, err := s.Decode(1, "9999999999,,")
	if err != nil {
		t.Fatal(err)
	}
	if edge.Timestamp().Unix() != 9999999999 {
		t.Errorf("threshold timestamp = %v", edge.Timestamp())
	}
}

func TestDecodeFieldCountMismatch(t *testing.T) {
	s := DefaultSchema()
	full := "1700000000,55,12345.6,80,100,90,37.1,-122.2,12,D,200,190,91"
	if _, err := s.Decode(1, full); err != nil {
		t.Fatalf("full record: %v", err)
	}

	parts := strings.Split(full, ",")
	for _, record := range []string{
		strings.Join(parts[:12], ","),
		full + ",extra",
		"1700000000",
		"",
	} {
		if _, err := s.Decode(1, record); err == nil {
			t.Errorf("Decode(%q) succeeded, want error", record)
		}
	}
}

func TestDecodeBounds(t *testing.T) {
	s := mustSchema(t, "timestamp", "soc", "heading", "est_lat", "est_lng", "speed")

	cases := []struct {
		record string
		ok     bool
	}{
		{"1700000000,100,360,90,180,0", true},
		{"1700000000,0,0,-90,-180,120", true},
		{"1700000000,150,,,,", false},
		{"1700000000,-1,,,,", false},
		{"1700000000,,361,,,", false},
		{"1700000000,,,90.5,,", false},
		{"1700000000,,,,-180.1,", false},
		{"1700000000,,,,,-5", false},
		{"1700000000,NaN,,,,", false},
		{"1700000000,abc,,,,", false},
		{"1e30,,,,,", false},
		{"-1,,,,,", false},
		{"253402300799999,,,,,", true},
		{"253402300800000,,,,,", false},
	}
	for _, tc := range cases {
		_, err := s.Decode(1, tc.record)
		if tc.ok && err != nil {
			t.Errorf("Decode(%q): %v", tc.record, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("Decode(%q) succeeded, want error", tc.record)
		}
	}
}

func TestDecodeRejectsIntOverflow(t *testing.T) {
	s := mustSchema(t, "timestamp", "speed", "power")
	for _, record := range []string{"1700000000,55,1e300", "1700000000,55,-1e19", "1700000000,55,9223372036854775808"} {
		if _, err := s.Decode(1, record); err == nil {
			t.Errorf("Decode(%q) succeeded, want overflow error", record)
		}
	}
	wp, err := s.Decode(1, "1700000000,55,-120")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p, ok := wp.Int("power"); !ok || p != -120 {
		t.Errorf("power = %d, %v", p, ok)
	}
}

func TestDecodeEmptyFieldsAreAbsent(t *testing.T) {
	s := DefaultSchema()
	wp, err := s.Decode(1, "1700000000,,,,,,,,,,,,")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := wp.Get("speed"); ok {
		t.Error("empty speed should be absent")
	}
	if _, ok := wp.Int("soc"); ok {
		t.Error("empty soc should be absent")
	}
	if wp.ShiftState() != "" {
		t.Errorf("shift_state = %q, want empty", wp.ShiftState())
	}

	if _, err := s.Decode(1, ",55,,,,,,,,,,,"); err == nil {
		t.Error("empty timestamp must fail")
	}
}

func TestDecodeIntegersTruncate(t *testing.T) {
	s := mustSchema(t, "timestamp", "power", "shift_state", "note")
	wp, err := s.Decode(1, "1700000000,-12.7,R,hello")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n, _ := wp.Int("power"); n != -12 {
		t.Errorf("power = %d, want -12", n)
	}
	if wp.ShiftState() != "R" || wp.Str("note") != "hello" {
		t.Errorf("strings = %q %q", wp.ShiftState(), wp.Str("note"))
	}
	if f, ok := wp.Float("power"); !ok || f != -12 {
		t.Errorf("Float(power) = %v %v", f, ok)
	}
}

func TestNewSchemaValidation(t *testing.T) {
	for _, cols := range [][]string{
		nil,
		{"timestamp", ""},
		{"timestamp", "Speed"},
		{"timestamp", "speed", "speed"},
	} {
		if _, err := NewSchema(cols); err == nil {
			t.Errorf("NewSchema(%q) succeeded, want error", cols)
		}
	}
}

func TestDefaultSchema(t *testing.T) {
	s := DefaultSchema()
	if got := len(s.Columns()); got != 13 {
		t.Fatalf("columns = %d, want 13", got)
	}
	want := "speed,odometer,soc,elevation,est_heading,est_lat,est_lng,power,shift_state,range,est_range,heading"
	if got := s.SubscribeValue(); got != want {
		t.Errorf("SubscribeValue = %q", got)
	}

	cols := s.Columns()
	cols[0] = "mutated"
	if s.Columns()[0] != "timestamp" {
		t.Error("Columns must return a copy")
	}
}

func TestWaypointDump(t *testing.T) {
	wp, err := DefaultSchema().Decode(42, "1700000000000,55,12345.6,80,100,90,37.1,-122.2,12,D,200,190,91")
	if err != nil {
		t.Fatal(err)
	}
	d := wp.Dump()
	if d["tag"] != int64(42) || d["shift_state"] != "D" {
		t.Errorf("dump = %v", d)
	}
	if d["timestamp"] != "2023-11-14T22:13:20Z" {
		t.Errorf("timestamp = %v", d["timestamp"])
	}
	if string(wp.Encode()) != wp.Record() {
		t.Error("Encode must return the raw record")
	}
	if !strings.HasPrefix(wp.String(), "Waypoint(timestamp=") {
		t.Errorf("String() = %q", wp.String())
	}
}
