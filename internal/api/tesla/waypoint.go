package tesla

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// 毫秒时间戳阈值，大于它的值视为毫秒
const msThreshold = 9_999_999_999

// maxTimestamp 9999-12-31T23:59:59.999Z 的毫秒值
const maxTimestamp = 253_402_300_799_999

// StreamColumns 流式遥测的固定列顺序，第一列 timestamp 不出现在订阅请求中
var StreamColumns = []string{
	"timestamp",
	"speed", "odometer", "soc", "elevation", "est_heading", "est_lat",
	"est_lng", "power", "shift_state", "range", "est_range", "heading",
}

type columnKind int

const (
	kindString columnKind = iota
	kindInt
	kindFloat
	kindTimestamp
)

type columnParser struct {
	kind     columnKind
	min, max *float64
}

func bound(v float64) *float64 { return &v }

// 各列的解析方式和闭区间边界，未列出的列按字符串处理
var columnParsers = map[string]columnParser{
	"timestamp":   {kind: kindTimestamp},
	"speed":       {kind: kindInt, min: bound(0)},
	"odometer":    {kind: kindFloat, min: bound(0)},
	"soc":         {kind: kindInt, min: bound(0), max: bound(100)},
	"elevation":   {kind: kindInt, min: bound(-6500)},
	"est_heading": {kind: kindInt, min: bound(0), max: bound(360)},
	"heading":     {kind: kindInt, min: bound(0), max: bound(360)},
	"est_lat":     {kind: kindFloat, min: bound(-90), max: bound(90)},
	"est_lng":     {kind: kindFloat, min: bound(-180), max: bound(180)},
	"power":       {kind: kindInt},
	"range":       {kind: kindInt},
	"est_range":   {kind: kindInt},
}

// Schema 有序列定义
type Schema struct {
	cols  []string
	index map[string]int
}

// NewSchema 创建列定义，拒绝空列名、非小写列名和重复列名
func NewSchema(cols []string) (*Schema, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("schema must have at least one column")
	}
	s := &Schema{
		cols:  make([]string, 0, len(cols)),
		index: make(map[string]int, len(cols)),
	}
	for _, col := range cols {
		if col == "" {
			return nil, fmt.Errorf("every column name must be a non-empty string")
		}
		if col != strings.ToLower(col) {
			return nil, fmt.Errorf("column name %q must be lowercase", col)
		}
		if _, dup := s.index[col]; dup {
			return nil, fmt.Errorf("duplicate column name %q", col)
		}
		s.index[col] = len(s.cols)
		s.cols = append(s.cols, col)
	}
	return s, nil
}

// DefaultSchema 13 列流式遥测定义
func DefaultSchema() *Schema {
	s, err := NewSchema(StreamColumns)
	if err != nil {
		panic(err)
	}
	return s
}

// Columns 返回列名副本
func (s *Schema) Columns() []string {
	return append([]string(nil), s.cols...)
}

// SubscribeValue 订阅请求中的 value 字段：去掉 timestamp 后逗号拼接
func (s *Schema) SubscribeValue() string {
	cols := make([]string, 0, len(s.cols))
	for _, c := range s.cols {
		if c != "timestamp" {
			cols = append(cols, c)
		}
	}
	return strings.Join(cols, ",")
}

// Waypoint 一条解码后的遥测记录，创建后不可变
type Waypoint struct {
	Tag    int64
	record string
	schema *Schema
	values []interface{}
}

// Decode 按列定义解码一条逗号分隔记录
func (s *Schema) Decode(tag int64, record string) (*Waypoint, error) {
	if record == "" {
		return nil, fmt.Errorf("record must be a non-empty csv string")
	}
	fields := strings.Split(record, ",")
	if len(fields) < len(s.cols) {
		return nil, fmt.Errorf("not enough values in record (%d) to match all %d columns", len(fields), len(s.cols))
	}
	if len(fields) > len(s.cols) {
		return nil, fmt.Errorf("too many values in record (%d) for %d columns", len(fields), len(s.cols))
	}

	wp := &Waypoint{
		Tag:    tag,
		record: record,
		schema: s,
		values: make([]interface{}, len(s.cols)),
	}
	for i, col := range s.cols {
		v, err := parseColumn(col, fields[i])
		if err != nil {
			return nil, fmt.Errorf("could not parse %q: %w", col, err)
		}
		wp.values[i] = v
	}
	return wp, nil
}

func parseColumn(col, raw string) (interface{}, error) {
	p, ok := columnParsers[col]
	if !ok {
		p = columnParser{kind: kindString}
	}
	raw = strings.TrimSpace(raw)

	switch p.kind {
	case kindTimestamp:
		if raw == "" {
			return nil, fmt.Errorf("timestamp is required")
		}
		lo, hi := float64(0), float64(maxTimestamp)
		n, err := parseInt(raw, &lo, &hi)
		if err != nil {
			return nil, err
		}
		return timestampOf(n), nil
	case kindInt:
		if raw == "" {
			return nil, nil
		}
		return parseInt(raw, p.min, p.max)
	case kindFloat:
		if raw == "" {
			return nil, nil
		}
		return parseFloat(raw, p.min, p.max)
	default:
		if raw == "" {
			return nil, nil
		}
		return raw, nil
	}
}

func parseFloat(raw string, min, max *float64) (float64, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value %q is not finite", raw)
	}
	if min != nil && f < *min {
		return 0, fmt.Errorf("value %v is less than minimum (%v)", f, *min)
	}
	if max != nil && f > *max {
		return 0, fmt.Errorf("value %v is greater than maximum (%v)", f, *max)
	}
	return f, nil
}

// parseInt 先按浮点解析并校验边界，再截断为整数
func parseInt(raw string, min, max *float64) (int64, error) {
	f, err := parseFloat(raw, min, max)
	if err != nil {
		return 0, err
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("value %q overflows int64", raw)
	}
	return int64(f), nil
}

func timestampOf(n int64) time.Time {
	if n > msThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// Record 原始记录
func (w *Waypoint) Record() string {
	return w.record
}

// Encode 原始记录字节，用于流处理（Kafka 等）
func (w *Waypoint) Encode() []byte {
	return []byte(w.record)
}

// Get 按列名取值，列不存在或值缺失时 ok 为 false
func (w *Waypoint) Get(col string) (interface{}, bool) {
	i, ok := w.schema.index[col]
	if !ok || w.values[i] == nil {
		return nil, false
	}
	return w.values[i], true
}

// Int 整数列
func (w *Waypoint) Int(col string) (int64, bool) {
	v, ok := w.Get(col)
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

// Float 浮点列
func (w *Waypoint) Float(col string) (float64, bool) {
	v, ok := w.Get(col)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Str 字符串列
func (w *Waypoint) Str(col string) string {
	v, ok := w.Get(col)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Timestamp 记录时间
func (w *Waypoint) Timestamp() time.Time {
	v, ok := w.Get("timestamp")
	if !ok {
		return time.Time{}
	}
	t, _ := v.(time.Time)
	return t
}

// ShiftState 挡位: D, R, P, N；熄火时为空
func (w *Waypoint) ShiftState() string {
	return w.Str("shift_state")
}

// Dump 转为 map，时间戳为 RFC3339
func (w *Waypoint) Dump() map[string]interface{} {
	out := make(map[string]interface{}, len(w.values)+1)
	out["tag"] = w.Tag
	for i, col := range w.schema.cols {
		v := w.values[i]
		if t, ok := v.(time.Time); ok {
			v = t.Format(time.RFC3339Nano)
		}
		out[col] = v
	}
	return out
}

// String 调试输出
func (w *Waypoint) String() string {
	var b strings.Builder
	b.WriteString("Waypoint(")
	for i, col := range w.schema.cols {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", col, w.values[i])
	}
	b.WriteByte(')')
	return b.String()
}
