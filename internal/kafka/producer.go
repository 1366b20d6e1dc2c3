// Package kafka publishes readings to a Kafka topic, keyed by device id.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ponytojas/go-serial-sensors/config"
	"github.com/ponytojas/go-serial-sensors/internal/models"
)

// batchTimeout keeps single-reading writes from waiting on the writer's 1s default
const batchTimeout = 5 * time.Millisecond

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer is a reading sink backed by a kafka.Writer
type Producer struct {
	w messageWriter
}

// NewProducer creates a producer for the configured brokers and topic
func NewProducer(cfg config.KafkaConfig) *Producer {
	return &Producer{w: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
	}}
}

// Name identifies the producer among reading sinks
func (p *Producer) Name() string {
	return "kafka"
}

// HandleReading writes the reading as one JSON message
func (p *Producer) HandleReading(ctx context.Context, r models.Reading) error {
	b, err := json.Marshal(r.Payload())
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	msg := kafka.Message{Key: []byte(r.DeviceID), Value: b, Time: r.Timestamp}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer
func (p *Producer) Close() error {
	return p.w.Close()
}
