package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/langchou/teslink/internal/models"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// ErrNotFound 缓存中没有记录
var ErrNotFound = errors.New("cache: not found")

// NewRedisClient 创建 redis 客户端并 PING 校验
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis: addr is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})

	ctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// LatestStore 每台车最新一条遥测记录
type LatestStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewLatestStore 创建缓存，ttl 为 0 表示不过期
func NewLatestStore(client redis.Cmdable, ttl time.Duration) *LatestStore {
	return &LatestStore{client: client, ttl: ttl}
}

func latestKey(vehicleID int64) string {
	return fmt.Sprintf("teslink:waypoint:latest:%d", vehicleID)
}

// SaveWaypoint 覆盖最新记录
func (s *LatestStore) SaveWaypoint(ctx context.Context, rec *models.WaypointRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal waypoint: %w", err)
	}
	if err := s.client.Set(ctx, latestKey(rec.VehicleID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache waypoint: %w", err)
	}
	return nil
}

// Latest 读取最新记录
func (s *LatestStore) Latest(ctx context.Context, vehicleID int64) (*models.WaypointRecord, error) {
	result, err := s.client.Get(ctx, latestKey(vehicleID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cached waypoint: %w", err)
	}
	var rec models.WaypointRecord
	if err := json.Unmarshal([]byte(result), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal cached waypoint: %w", err)
	}
	return &rec, nil
}
