package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

type fakeWriter struct {
	messages []kafkago.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func sampleEvent() event.Event {
	return event.Event{
		ID:            "evt-1",
		Stream:        event.StreamID{AggregateType: "customer", AggregateID: "42"},
		Type:          "record.updated",
		Revision:      3,
		Position:      17,
		SchemaVersion: 1,
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		PayloadJSON:   []byte(`{"fields":{"tier":"gold"}}`),
		Metadata:      event.Metadata{CorrelationID: "cmd-9", Broadcast: true},
	}
}

func TestPublisherWritesKeyedEnvelope(t *testing.T) {
	writer := &fakeWriter{}
	publisher := NewPublisherWithWriter(writer, "")
	if err := publisher.Deliver(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(writer.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(writer.messages))
	}
	msg := writer.messages[0]
	if msg.Topic != DefaultTopic || string(msg.Key) != "customer/42" {
		t.Fatalf("topic=%s key=%s", msg.Topic, msg.Key)
	}
	if HeaderValue(msg.Headers, "event_id") != "evt-1" || HeaderValue(msg.Headers, "revision") != "3" {
		t.Fatalf("headers = %v", msg.Headers)
	}
	if HeaderValue(msg.Headers, "correlation_id") != "cmd-9" {
		t.Fatalf("correlation header missing: %v", msg.Headers)
	}
	var envelope Envelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.AggregateID != "42" || envelope.Position != 17 || string(envelope.Payload) != `{"fields":{"tier":"gold"}}` {
		t.Fatalf("envelope = %+v", envelope)
	}
	if err := publisher.Close(); err != nil || !writer.closed {
		t.Fatalf("close err=%v closed=%v", err, writer.closed)
	}
}

func TestPublisherReturnsWriteErrors(t *testing.T) {
	boom := errors.New("leader not available")
	publisher := NewPublisherWithWriter(&fakeWriter{err: boom}, "audit")
	if err := publisher.Deliver(context.Background(), sampleEvent()); !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	carrier := &headerCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	if got := carrier.Get("traceparent"); got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("traceparent = %q", got)
	}
	carrier.Set("traceparent", "replaced")
	if len(carrier.Keys()) != 1 || carrier.Get("traceparent") != "replaced" {
		t.Fatalf("headers = %v", carrier.headers)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" a:9092, ,b:9092 ")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("brokers = %v", got)
	}
	if (Config{}).Enabled() {
		t.Fatal("empty config should be disabled")
	}
	if _, err := NewPublisher(Config{}); !errors.Is(err, ErrBrokersRequired) {
		t.Fatalf("expected brokers required, got %v", err)
	}
}
