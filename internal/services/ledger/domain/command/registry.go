package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

var (
	// ErrCommandIDRequired indicates a missing command id.
	ErrCommandIDRequired = errors.New("command id is required")
	// ErrTypeRequired indicates a missing command type.
	ErrTypeRequired = errors.New("command type is required")
	// ErrTypeUnknown indicates an unregistered command type.
	ErrTypeUnknown = errors.New("command type is not registered")
	// ErrPayloadInvalid indicates malformed payload JSON.
	ErrPayloadInvalid = errors.New("payload json must be valid")
	// ErrExpectedRevisionInvalid indicates an expected revision below AnyRevision.
	ErrExpectedRevisionInvalid = errors.New("expected revision is invalid")
)

// Type identifies the command type string.
type Type string

// Command captures the canonical ingress envelope.
type Command struct {
	// ID is the caller's idempotency key. Event ids derive from it.
	ID     string
	Type   Type
	Stream event.StreamID
	// ExpectedRevision, when set, must match the loaded stream revision.
	ExpectedRevision *int64
	PayloadJSON      []byte
	Metadata         event.Metadata
}

// PayloadValidator validates a payload JSON document.
type PayloadValidator func(json.RawMessage) error

// Definition registers metadata for a command type.
type Definition struct {
	Type            Type
	ValidatePayload PayloadValidator
}

// Registry stores command definitions and validates commands.
type Registry struct {
	definitions map[Type]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[Type]Definition)}
}

// Register adds a new command type definition to the registry.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return errors.New("registry is required")
	}
	def.Type = Type(strings.TrimSpace(string(def.Type)))
	if def.Type == "" {
		return ErrTypeRequired
	}
	if r.definitions == nil {
		r.definitions = make(map[Type]Definition)
	}
	if _, exists := r.definitions[def.Type]; exists {
		return fmt.Errorf("command type already registered: %s", def.Type)
	}
	r.definitions[def.Type] = def
	return nil
}

// Validate normalizes a command and checks it against its definition.
func (r *Registry) Validate(cmd Command) (Command, error) {
	if r == nil {
		return Command{}, errors.New("registry is required")
	}
	cmd.ID = strings.TrimSpace(cmd.ID)
	if cmd.ID == "" {
		return Command{}, ErrCommandIDRequired
	}
	cmd.Type = Type(strings.TrimSpace(string(cmd.Type)))
	if cmd.Type == "" {
		return Command{}, ErrTypeRequired
	}
	def, ok := r.definitions[cmd.Type]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrTypeUnknown, cmd.Type)
	}
	stream, err := cmd.Stream.Normalize()
	if err != nil {
		return Command{}, err
	}
	cmd.Stream = stream
	if cmd.ExpectedRevision != nil && *cmd.ExpectedRevision < event.AnyRevision {
		return Command{}, ErrExpectedRevisionInvalid
	}

	if len(cmd.PayloadJSON) == 0 {
		cmd.PayloadJSON = []byte("{}")
	}
	canonical, err := event.CanonicalJSON(cmd.PayloadJSON)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	cmd.PayloadJSON = canonical
	if def.ValidatePayload != nil {
		if err := def.ValidatePayload(json.RawMessage(cmd.PayloadJSON)); err != nil {
			return Command{}, fmt.Errorf("payload invalid: %w", err)
		}
	}
	cmd.Metadata.Source = strings.TrimSpace(cmd.Metadata.Source)
	if cmd.Metadata.CorrelationID == "" {
		cmd.Metadata.CorrelationID = cmd.ID
	}
	return cmd, nil
}

// Expected returns the command's expected revision or AnyRevision.
func (c Command) Expected() int64 {
	if c.ExpectedRevision == nil {
		return event.AnyRevision
	}
	return *c.ExpectedRevision
}

// ExpectRevision is a helper for building commands with an explicit revision.
func ExpectRevision(revision int64) *int64 {
	return &revision
}
