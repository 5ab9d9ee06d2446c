package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

// DefaultTopic receives broadcast events when no topic is configured.
const DefaultTopic = "ledger.events"

// ErrBrokersRequired indicates a publisher configured without brokers.
var ErrBrokersRequired = errors.New("kafka brokers are required")

// Config configures the broadcast publisher.
type Config struct {
	Brokers string `env:"LEDGER_KAFKA_BROKERS"`
	Topic   string `env:"LEDGER_KAFKA_TOPIC" envDefault:"ledger.events"`
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool {
	return len(SplitBrokers(c.Brokers)) > 0
}

// MessageWriter is the part of kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes events to a topic.
type Publisher struct {
	writer MessageWriter
	topic  string
}

// NewPublisher dials nothing up front; the writer connects on first use.
func NewPublisher(cfg Config) (*Publisher, error) {
	brokers := SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}
	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewPublisherWithWriter(writer, cfg.Topic), nil
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(writer MessageWriter, topic string) *Publisher {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{writer: writer, topic: topic}
}

// Deliver implements dispatch.Sink.
func (p *Publisher) Deliver(ctx context.Context, evt event.Event) error {
	ctx, span := otel.Tracer("kafka").Start(ctx, "kafka.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", p.topic),
			attribute.String("ledger.event.id", evt.ID),
		),
	)
	defer span.End()

	msg, err := Message(ctx, p.topic, evt)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Envelope is the message value.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Type          string          `json:"type"`
	Revision      uint64          `json:"revision"`
	Position      uint64          `json:"position"`
	SchemaVersion int             `json:"schema_version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      event.Metadata  `json:"metadata"`
}

// Message builds the Kafka message for evt, with trace context from ctx
// injected into its headers.
func Message(ctx context.Context, topic string, evt event.Event) (kafkago.Message, error) {
	payload := json.RawMessage(evt.PayloadJSON)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	value, err := json.Marshal(Envelope{
		ID:            evt.ID,
		AggregateType: evt.Stream.AggregateType,
		AggregateID:   evt.Stream.AggregateID,
		Type:          string(evt.Type),
		Revision:      evt.Revision,
		Position:      evt.Position,
		SchemaVersion: evt.SchemaVersion,
		Timestamp:     evt.Timestamp.UTC(),
		Payload:       payload,
		Metadata:      evt.Metadata,
	})
	if err != nil {
		return kafkago.Message{}, err
	}
	headers := []kafkago.Header{
		{Key: "event_id", Value: []byte(evt.ID)},
		{Key: "event_type", Value: []byte(evt.Type)},
		{Key: "stream", Value: []byte(evt.Stream.String())},
		{Key: "revision", Value: []byte(strconv.FormatUint(evt.Revision, 10))},
	}
	if evt.Metadata.CorrelationID != "" {
		headers = append(headers, kafkago.Header{Key: "correlation_id", Value: []byte(evt.Metadata.CorrelationID)})
	}
	return kafkago.Message{
		Topic:   topic,
		Key:     []byte(evt.Stream.String()),
		Value:   value,
		Headers: InjectTraceHeaders(ctx, headers),
	}, nil
}

// HeaderValue returns the first header named key.
func HeaderValue(headers []kafkago.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// InjectTraceHeaders appends W3C trace context headers.
func InjectTraceHeaders(ctx context.Context, headers []kafkago.Header) []kafkago.Header {
	carrier := &headerCarrier{headers: headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.headers
}

type headerCarrier struct {
	headers []kafkago.Header
}

func (c *headerCarrier) Get(key string) string {
	return HeaderValue(c.headers, key)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c *headerCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafkago.Header{Key: key, Value: []byte(value)})
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

// ReadyCheck dials the first broker.
func ReadyCheck(brokers string) func(context.Context) error {
	return func(ctx context.Context) error {
		list := SplitBrokers(brokers)
		if len(list) == 0 {
			return ErrBrokersRequired
		}
		dialer := kafkago.Dialer{Timeout: 2 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", list[0])
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
