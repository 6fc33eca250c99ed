package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/mbd888/cardguard/internal/txn"
)

// ErrDeliveryFailed is returned when the broker rejects a verdict record.
var ErrDeliveryFailed = errors.New("ingest: delivery failed")

// Producer is the subset of *kafka.Producer used by KafkaSink.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// NewKafkaProducer connects a producer to brokers.
func NewKafkaProducer(brokers string) (*kafka.Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: create producer: %w", err)
	}
	return p, nil
}

// KafkaSink publishes verdict records as JSON, keyed by card id so a card's
// verdicts stay in one partition.
type KafkaSink struct {
	producer Producer
	topic    string
}

// NewKafkaSink creates a sink producing to topic.
func NewKafkaSink(producer Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// Emit produces res and waits for the delivery report.
func (s *KafkaSink) Emit(ctx context.Context, res *txn.Result) error {
	value, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("ingest: encode result: %w", err)
	}
	delivery := make(chan kafka.Event, 1)
	err = s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.topic, Partition: kafka.PartitionAny},
		Key:            []byte(res.CardID),
		Value:          value,
	}, delivery)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("%w: unexpected delivery event %v", ErrDeliveryFailed, ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("%w: %w", ErrDeliveryFailed, m.TopicPartition.Error)
		}
		return nil
	}
}

// Close flushes outstanding messages and closes the producer.
func (s *KafkaSink) Close(flushTimeoutMs int) {
	s.producer.Flush(flushTimeoutMs)
	s.producer.Close()
}
