package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/langchou/teslink/internal/models"
)

// FileRecorder 追加写入状态快照和遥测记录
//
// 状态快照写入 {root}/vehicle.data，每行一个 JSON；
// 遥测记录写入 {root}/stream.data.{vehicle_id}，每行 "vehicle_id,原始记录"。
type FileRecorder struct {
	root string
	mu   sync.Mutex
}

// NewFileRecorder 创建记录器，目录不存在时创建
func NewFileRecorder(root string) (*FileRecorder, error) {
	if root == "" {
		return nil, fmt.Errorf("data root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	return &FileRecorder{root: root}, nil
}

// StatusPath 状态快照文件
func (r *FileRecorder) StatusPath() string {
	return filepath.Join(r.root, "vehicle.data")
}

// StreamPath 车辆遥测文件
func (r *FileRecorder) StreamPath(vehicleID int64) string {
	return filepath.Join(r.root, "stream.data."+strconv.FormatInt(vehicleID, 10))
}

func (r *FileRecorder) appendLine(path string, line []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// SaveStatus 追加状态快照
func (r *FileRecorder) SaveStatus(_ context.Context, st *models.VehicleStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return r.appendLine(r.StatusPath(), data)
}

// SaveWaypoint 追加遥测记录
func (r *FileRecorder) SaveWaypoint(_ context.Context, rec *models.WaypointRecord) error {
	line := strconv.FormatInt(rec.VehicleID, 10) + "," + rec.Raw
	return r.appendLine(r.StreamPath(rec.VehicleID), []byte(line))
}
