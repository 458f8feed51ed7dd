package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// TelemetryRecord is the shape written to the telemetry topic; the fleet
// mirror consumer reads it back on the other side.
type TelemetryRecord struct {
	ConnID string              `json:"conn_id"`
	Name   string              `json:"name,omitempty"`
	Role   models.Role         `json:"role"`
	Loc    models.Coord        `json:"loc"`
	Status models.DriverStatus `json:"status,omitempty"`
	At     time.Time           `json:"at"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

// PublishTelemetry is best-effort; callers log the error and move on so a
// broker outage never blocks dispatching.
func (k *KafkaProducer) PublishTelemetry(a models.Actor) error {
	if a.Loc == nil {
		return nil
	}
	rec := TelemetryRecord{
		ConnID: a.ConnID,
		Name:   a.Name,
		Role:   a.Role,
		Loc:    *a.Loc,
		Status: a.Status,
		At:     a.LastUpdate,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(rec)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(rec.ConnID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
