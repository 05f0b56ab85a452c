package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func sampleAlert() Alert {
	at := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	return Alert{
		Type:      AlertHighBlockRate,
		Message:   "High block rate detected: 25.00%",
		Value:     25,
		Threshold: 20,
		At:        at,
		Snapshot:  models.MetricSnapshot{Timestamp: at, TotalRequests: 100, BlockedRequests: 25},
	}
}

func TestKafkaAlertSink_Send(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaAlertSink{writer: w}

	require.NoError(t, sink.Send(context.Background(), sampleAlert()))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, []byte(AlertHighBlockRate), msg.Key)

	var decoded Alert
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, AlertHighBlockRate, decoded.Type)
	assert.Equal(t, int64(25), decoded.Snapshot.BlockedRequests)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaAlertSink_WriteError(t *testing.T) {
	sink := &KafkaAlertSink{writer: &fakeWriter{err: errors.New("leader not available")}}

	err := sink.Send(context.Background(), sampleAlert())
	assert.ErrorContains(t, err, "leader not available")
}

type errSink struct{ err error }

func (s errSink) Send(context.Context, Alert) error { return s.err }

func TestMultiSink(t *testing.T) {
	capture := &captureSink{}
	boom := errors.New("boom")
	sink := MultiSink{LogAlertSink{}, errSink{boom}, capture}

	err := sink.Send(context.Background(), sampleAlert())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{AlertHighBlockRate}, capture.types(), "a failing sink does not stop the others")

	assert.NoError(t, MultiSink{LogAlertSink{}}.Send(context.Background(), sampleAlert()))
}
