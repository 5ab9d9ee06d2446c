package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Revision sentinels used for optimistic concurrency.
const (
	// NoStream is the revision of a stream that has no events yet.
	NoStream int64 = 0
	// AnyRevision disables the expected-revision check on append.
	AnyRevision int64 = -1
)

var (
	// ErrAggregateTypeRequired indicates a missing aggregate type.
	ErrAggregateTypeRequired = errors.New("aggregate type is required")
	// ErrAggregateIDRequired indicates a missing aggregate id.
	ErrAggregateIDRequired = errors.New("aggregate id is required")
	// ErrEventIDRequired indicates a missing event id.
	ErrEventIDRequired = errors.New("event id is required")
	// ErrTypeRequired indicates a missing event type.
	ErrTypeRequired = errors.New("event type is required")
	// ErrPayloadInvalid indicates malformed payload JSON.
	ErrPayloadInvalid = errors.New("payload json must be valid")
)

// Type identifies the event type string.
type Type string

// StreamID addresses one aggregate instance.
type StreamID struct {
	AggregateType string
	AggregateID   string
}

// String renders the stream as type/id.
func (s StreamID) String() string {
	return s.AggregateType + "/" + s.AggregateID
}

// Normalize trims the stream coordinates and rejects empty ones.
func (s StreamID) Normalize() (StreamID, error) {
	s.AggregateType = strings.TrimSpace(s.AggregateType)
	s.AggregateID = strings.TrimSpace(s.AggregateID)
	if s.AggregateType == "" {
		return StreamID{}, ErrAggregateTypeRequired
	}
	if s.AggregateID == "" {
		return StreamID{}, ErrAggregateIDRequired
	}
	return s, nil
}

// ParseStreamID parses the type/id form produced by String.
func ParseStreamID(value string) (StreamID, error) {
	aggType, aggID, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return StreamID{}, fmt.Errorf("stream %q must be type/id", value)
	}
	return StreamID{AggregateType: aggType, AggregateID: aggID}.Normalize()
}

// Metadata carries tracing and routing context alongside an event.
type Metadata struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	Source        string            `json:"source,omitempty"`
	Broadcast     bool              `json:"broadcast,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Event is an immutable fact recorded against a stream.
type Event struct {
	ID            string
	Stream        StreamID
	Type          Type
	Revision      uint64
	Position      uint64
	SchemaVersion int
	Timestamp     time.Time
	PayloadJSON   []byte
	Metadata      Metadata

	// Integrity fields, assigned by the store.
	Hash           string
	PrevHash       string
	ChainHash      string
	Signature      string
	SignatureKeyID string
}

// Normalize validates the caller-owned fields of an event and fills defaults.
func Normalize(evt Event) (Event, error) {
	evt.ID = strings.TrimSpace(evt.ID)
	if evt.ID == "" {
		return Event{}, ErrEventIDRequired
	}
	stream, err := evt.Stream.Normalize()
	if err != nil {
		return Event{}, err
	}
	evt.Stream = stream
	evt.Type = Type(strings.TrimSpace(string(evt.Type)))
	if evt.Type == "" {
		return Event{}, ErrTypeRequired
	}
	if evt.SchemaVersion <= 0 {
		evt.SchemaVersion = 1
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.Timestamp = evt.Timestamp.UTC()
	if len(evt.PayloadJSON) == 0 {
		evt.PayloadJSON = []byte("{}")
	}
	canonical, err := CanonicalJSON(evt.PayloadJSON)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	evt.PayloadJSON = canonical
	return evt, nil
}
