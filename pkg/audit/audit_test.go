package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/directived/pkg/domain"
)

type memorySink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	err    error
}

func (m *memorySink) Write(_ context.Context, events []domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *memorySink) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func TestRing_DropsOldest(t *testing.T) {
	r := newRing(3)
	for i, typ := range []string{"a", "b", "c", "d", "e"} {
		evicted := r.push(domain.AuditEvent{Type: typ})
		assert.Equal(t, i >= 3, evicted, typ)
	}
	got := r.popAll(2)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Type)
	assert.Equal(t, "d", got[1].Type)
	assert.Equal(t, 1, r.len())
	r.push(domain.AuditEvent{Type: "f"})
	rest := r.popAll(0)
	require.Len(t, rest, 2)
	assert.Equal(t, "e", rest[0].Type)
	assert.Equal(t, "f", rest[1].Type)
}

func TestDispatcher_RecordNeverBlocksAndCountsDrops(t *testing.T) {
	sink := &memorySink{}
	d := NewDispatcher(Config{QueueSize: 2}, sink)
	for _, typ := range []string{"one", "two", "three", "four"} {
		d.Record(domain.AuditEvent{Type: typ})
	}
	assert.Equal(t, int64(2), d.Dropped())
	assert.Equal(t, 2, d.Pending())

	require.NoError(t, d.Close())
	assert.Equal(t, []string{"three", "four"}, sink.types())
}

func TestDispatcher_DeliversInBackground(t *testing.T) {
	sink := &memorySink{}
	d := NewDispatcher(Config{BatchSize: 2, FlushInterval: time.Hour}, sink)
	d.Start()
	t.Cleanup(func() { _ = d.Close() })

	d.Record(domain.AuditEvent{Type: "reload.ok"})
	d.Record(domain.AuditEvent{Type: "pipeline.completed"})
	require.Eventually(t, func() bool { return len(sink.types()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_StampsTime(t *testing.T) {
	sink := &memorySink{}
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	d := NewDispatcher(Config{Now: func() time.Time { return at }}, sink)
	d.Record(domain.AuditEvent{Type: "x"})
	d.Flush()
	require.Len(t, sink.events, 1)
	assert.Equal(t, at, sink.events[0].At)
}

func TestDispatcher_SinkFailureIsolated(t *testing.T) {
	bad := &memorySink{err: errors.New("broker down")}
	good := &memorySink{}
	d := NewDispatcher(Config{}, bad, good)
	d.Record(domain.AuditEvent{Type: "x"})
	d.Flush()
	assert.Equal(t, int64(1), d.Failed())
	assert.Equal(t, []string{"x"}, good.types())
}

func TestDispatcher_Validate(t *testing.T) {
	assert.ErrorIs(t, NewDispatcher(Config{}).Validate(), ErrNoSinks)
	assert.NoError(t, NewDispatcher(Config{}, &memorySink{}).Validate())
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := NewLogSink(logger, slog.LevelInfo)
	err := sink.Write(context.Background(), []domain.AuditEvent{{
		Type:      "reload.failed",
		Directive: "cache.items",
		Message:   "compile failed",
		Fields:    map[string]string{"rule": "cache-ttl"},
	}})
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "compile failed", rec["msg"])
	assert.Equal(t, "reload.failed", rec["type"])
	assert.Equal(t, map[string]any{"rule": "cache-ttl"}, rec["fields"])
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaSinkValidation(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Topic: "audit"})
	assert.Error(t, err, "brokers are required")
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{" ", "\t"}, Topic: "audit"})
	assert.Error(t, err, "blank brokers are ignored")
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	assert.Error(t, err, "topic is required")

	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{" 127.0.0.1:9092 "}, Topic: "audit"})
	require.NoError(t, err)
	assert.NoError(t, sink.Close())
}

func TestKafkaSink_Write(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}
	at := time.Unix(1_700_000_000, 0).UTC()
	err := sink.Write(context.Background(), []domain.AuditEvent{
		{Type: "pipeline.failed", TraceID: "t-1", At: at},
		{Type: "pipeline.completed", TraceID: "t-2", At: at},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "t-1", string(w.msgs[0].Key))
	assert.True(t, strings.Contains(string(w.msgs[0].Value), `"type":"pipeline.failed"`))
	assert.Equal(t, "type", w.msgs[1].Headers[0].Key)

	w.err = errors.New("leader not available")
	assert.ErrorContains(t, sink.Write(context.Background(), []domain.AuditEvent{{Type: "x"}}), "publish 1 audit events")

	var nilSink *KafkaSink
	assert.NoError(t, nilSink.Close())
	assert.Error(t, nilSink.Write(context.Background(), nil))
	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}
