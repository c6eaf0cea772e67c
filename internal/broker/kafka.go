package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/langchou/teslink/internal/models"
)

// messageWriter kafka.Writer 的最小接口
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WaypointProducer 把原始遥测记录发布到 Kafka，key 为 vehicle_id
type WaypointProducer struct {
	writer messageWriter
	topic  string
}

// NewWaypointProducer 创建生产者
func NewWaypointProducer(brokers []string, topic string) *WaypointProducer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},

		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,

		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}
	return &WaypointProducer{writer: w, topic: topic}
}

// SaveWaypoint 发布一条记录
func (p *WaypointProducer) SaveWaypoint(ctx context.Context, rec *models.WaypointRecord) error {
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(rec.VehicleID, 10)),
		Value: []byte(rec.Raw),
		Headers: []kafka.Header{
			{Key: "recorded_at", Value: []byte(rec.RecordedAt.UTC().Format(time.RFC3339Nano))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish waypoint to %s: %w", p.topic, err)
	}
	return nil
}

// Close 关闭 writer
func (p *WaypointProducer) Close() error {
	return p.writer.Close()
}
