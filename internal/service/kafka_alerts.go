package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAlertSink publishes alerts as JSON, keyed by alert type, so downstream
// paging can consume them.
type KafkaAlertSink struct {
	writer messageWriter
}

func NewKafkaAlertSink(brokers []string, topic string) *KafkaAlertSink {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	logger.Info("Kafka alert sink initialized",
		logger.Any("brokers", brokers),
		logger.String("topic", topic),
	)
	return &KafkaAlertSink{writer: writer}
}

func (k *KafkaAlertSink) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.Type),
		Value: payload,
		Time:  alert.At,
	}); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

func (k *KafkaAlertSink) Close() error {
	if err := k.writer.Close(); err != nil {
		logger.Error("failed to close Kafka alert sink", logger.Err(err))
		return err
	}
	return nil
}
