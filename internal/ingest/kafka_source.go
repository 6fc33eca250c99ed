package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/mbd888/cardguard/internal/metrics"
	"github.com/mbd888/cardguard/internal/retry"
	"github.com/mbd888/cardguard/internal/scoring"
	"github.com/mbd888/cardguard/internal/txn"
)

// Consumer is the subset of *kafka.Consumer used by KafkaSource.
type Consumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Close() error
}

// Submitter hands events to the scoring lanes. *scoring.Dispatcher
// satisfies it.
type Submitter interface {
	Submit(ctx context.Context, job scoring.Job) error
}

// NewKafkaConsumer joins groupID on brokers with auto-commit disabled.
// Offsets are committed by KafkaSource.
func NewKafkaConsumer(brokers, groupID string) (*kafka.Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: create consumer: %w", err)
	}
	return c, nil
}

// KafkaSourceConfig configures a KafkaSource.
type KafkaSourceConfig struct {
	Topic          string
	PollTimeout    time.Duration // default 100ms
	CommitInterval time.Duration // default 5s
	EmitAttempts   int           // default 3
}

// KafkaSource reads transaction events from a topic and feeds them to the
// scoring lanes. An offset is committed only once its event was scored and
// emitted, or dropped as malformed. Events that fail with a retryable error
// stay uncommitted and are redelivered after a restart.
type KafkaSource struct {
	consumer Consumer
	sink     Sink
	cfg      KafkaSourceConfig
	tracker  *OffsetTracker
	logger   *slog.Logger
}

// NewKafkaSource creates a source that emits verdicts to sink.
func NewKafkaSource(consumer Consumer, sink Sink, cfg KafkaSourceConfig, logger *slog.Logger) *KafkaSource {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = 5 * time.Second
	}
	if cfg.EmitAttempts <= 0 {
		cfg.EmitAttempts = 3
	}
	return &KafkaSource{
		consumer: consumer,
		sink:     sink,
		cfg:      cfg,
		tracker:  NewOffsetTracker(),
		logger:   logger,
	}
}

// Run polls until ctx is cancelled, a fatal consumer error occurs or sub
// stops accepting work. Completed offsets are committed periodically and
// once more on return.
func (s *KafkaSource) Run(ctx context.Context, sub Submitter) error {
	if err := s.consumer.SubscribeTopics([]string{s.cfg.Topic}, s.rebalance); err != nil {
		return fmt.Errorf("ingest: subscribe %s: %w", s.cfg.Topic, err)
	}
	s.logger.Info("consuming", "topic", s.cfg.Topic)

	ticker := time.NewTicker(s.cfg.CommitInterval)
	defer ticker.Stop()
	defer func() { _ = s.commit() }()

	pollMs := int(s.cfg.PollTimeout / time.Millisecond)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = s.commit()
		default:
		}

		switch e := s.consumer.Poll(pollMs).(type) {
		case nil:
		case *kafka.Message:
			if err := s.handle(ctx, sub, e); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case kafka.Error:
			if e.IsFatal() {
				return fmt.Errorf("ingest: fatal consumer error: %w", e)
			}
			s.logger.Warn("consumer error", "error", e)
		case kafka.PartitionEOF:
			s.logger.Debug("reached end of partition", "partition", e.String())
		default:
			s.logger.Debug("ignored consumer event", "event", e.String())
		}
	}
}

// Close commits completed offsets and leaves the consumer group.
func (s *KafkaSource) Close() error {
	commitErr := s.commit()
	return errors.Join(commitErr, s.consumer.Close())
}

// InFlight returns the number of events handed to the lanes without a
// terminal outcome.
func (s *KafkaSource) InFlight() int {
	return s.tracker.InFlight()
}

func (s *KafkaSource) handle(ctx context.Context, sub Submitter, msg *kafka.Message) error {
	if msg.TopicPartition.Error != nil {
		s.logger.Warn("message error", "error", msg.TopicPartition.Error)
		return nil
	}
	part := Partition{Topic: topicName(msg.TopicPartition.Topic), Partition: msg.TopicPartition.Partition}
	offset := int64(msg.TopicPartition.Offset)
	s.tracker.Start(part, offset)

	ev, err := DecodeEvent(msg.Value)
	if err != nil {
		metrics.IngestDroppedTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn("dropping malformed message",
			"topic", part.Topic, "partition", part.Partition, "offset", offset, "error", err)
		s.tracker.Done(part, offset)
		return nil
	}

	return sub.Submit(ctx, scoring.Job{
		Event: ev,
		Done: func(res *txn.Result, err error) {
			s.complete(ctx, part, offset, res, err)
		},
	})
}

// complete runs on the lane that scored the event.
func (s *KafkaSource) complete(ctx context.Context, part Partition, offset int64, res *txn.Result, err error) {
	if err != nil {
		s.logger.Debug("event left uncommitted", "partition", part.Partition, "offset", offset, "error", err)
		return
	}
	emitErr := retry.Do(ctx, s.cfg.EmitAttempts, 100*time.Millisecond, func() error {
		return s.sink.Emit(ctx, res)
	})
	if ctx.Err() != nil {
		return
	}
	if emitErr != nil {
		metrics.IngestDroppedTotal.WithLabelValues("sink").Inc()
		s.logger.Error("verdict not emitted", "card_id", res.CardID, "offset", offset, "error", emitErr)
	}
	s.tracker.Done(part, offset)
}

func (s *KafkaSource) commit() error {
	ready := s.tracker.Committable()
	if len(ready) == 0 {
		return nil
	}
	tps := make([]kafka.TopicPartition, len(ready))
	for i, o := range ready {
		topic := o.Topic
		tps[i] = kafka.TopicPartition{Topic: &topic, Partition: o.Partition.Partition, Offset: kafka.Offset(o.Offset)}
	}
	if _, err := s.consumer.CommitOffsets(tps); err != nil {
		s.logger.Warn("offset commit failed", "error", err)
		return fmt.Errorf("ingest: commit offsets: %w", err)
	}
	s.tracker.MarkCommitted(ready)
	for _, o := range ready {
		metrics.IngestCommittedOffset.
			WithLabelValues(o.Topic, strconv.Itoa(int(o.Partition.Partition))).
			Set(float64(o.Offset))
	}
	return nil
}

// rebalance commits what is complete before partitions move to another
// member of the group.
func (s *KafkaSource) rebalance(_ *kafka.Consumer, ev kafka.Event) error {
	revoked, ok := ev.(kafka.RevokedPartitions)
	if !ok {
		return nil
	}
	_ = s.commit()
	parts := make([]Partition, 0, len(revoked.Partitions))
	for _, tp := range revoked.Partitions {
		parts = append(parts, Partition{Topic: topicName(tp.Topic), Partition: tp.Partition})
	}
	s.tracker.Forget(parts...)
	s.logger.Info("partitions revoked", "count", len(parts))
	return nil
}

func topicName(topic *string) string {
	if topic == nil {
		return ""
	}
	return *topic
}
