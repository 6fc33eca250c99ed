package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cardguard/internal/txn"
)

func testResult(verdict txn.Verdict) *txn.Result {
	ev := txn.Event{
		CardID:        "348702330256514",
		MemberID:      37495066290,
		Amount:        100,
		Postcode:      10001,
		PosID:         7,
		TransactionAt: time.Date(2018, 2, 11, 0, 0, 0, 0, time.UTC),
	}
	return txn.NewScored(ev, verdict, time.Now()).Result()
}

func TestLogSink_Emit(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, sink.Emit(context.Background(), testResult(txn.VerdictFraud)))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "FRAUD", line["status"])
	assert.Equal(t, "348702330256514", line["card_id"])
	assert.Equal(t, "2018-02-11 00:00:00", line["transaction_dt"])
}

type fakeProducer struct {
	produced []*kafka.Message
	report   error // TopicPartition.Error in the delivery report
	flushed  bool
	closed   bool
}

func (f *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	f.produced = append(f.produced, msg)
	reported := *msg
	reported.TopicPartition.Error = f.report
	deliveryChan <- &reported
	return nil
}

func (f *fakeProducer) Flush(int) int {
	f.flushed = true
	return 0
}

func (f *fakeProducer) Close() { f.closed = true }

func TestKafkaSink_Emit(t *testing.T) {
	producer := &fakeProducer{}
	sink := NewKafkaSink(producer, "fraud-verdicts")

	res := testResult(txn.VerdictGenuine)
	require.NoError(t, sink.Emit(context.Background(), res))

	require.Len(t, producer.produced, 1)
	msg := producer.produced[0]
	assert.Equal(t, "fraud-verdicts", *msg.TopicPartition.Topic)
	assert.Equal(t, []byte(res.CardID), msg.Key)

	var got txn.Result
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, *res, got)

	sink.Close(100)
	assert.True(t, producer.flushed)
	assert.True(t, producer.closed)
}

func TestKafkaSink_DeliveryFailure(t *testing.T) {
	producer := &fakeProducer{report: errors.New("message too large")}
	sink := NewKafkaSink(producer, "fraud-verdicts")

	err := sink.Emit(context.Background(), testResult(txn.VerdictGenuine))
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}
