package event

import (
	"errors"
	"fmt"
	"strings"
)

// Lifecycle classifies how an event relates to the existence of its stream.
type Lifecycle string

const (
	// LifecycleCreate events must be the first event of a stream.
	LifecycleCreate Lifecycle = "create"
	// LifecycleMutate events require an existing stream.
	LifecycleMutate Lifecycle = "mutate"
)

// ErrTypeUnknown indicates an unregistered event type.
var ErrTypeUnknown = errors.New("event type is not registered")

// Definition registers metadata for an event type.
type Definition struct {
	AggregateType string
	Type          Type
	Lifecycle     Lifecycle
}

// Registry stores event definitions by aggregate and type.
type Registry struct {
	definitions map[string]map[Type]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]map[Type]Definition)}
}

// Register adds an event definition.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return errors.New("registry is required")
	}
	def.AggregateType = strings.TrimSpace(def.AggregateType)
	if def.AggregateType == "" {
		return ErrAggregateTypeRequired
	}
	def.Type = Type(strings.TrimSpace(string(def.Type)))
	if def.Type == "" {
		return ErrTypeRequired
	}
	switch def.Lifecycle {
	case LifecycleCreate, LifecycleMutate:
	case "":
		def.Lifecycle = LifecycleMutate
	default:
		return fmt.Errorf("lifecycle must be create or mutate")
	}
	if r.definitions == nil {
		r.definitions = make(map[string]map[Type]Definition)
	}
	byType := r.definitions[def.AggregateType]
	if byType == nil {
		byType = make(map[Type]Definition)
		r.definitions[def.AggregateType] = byType
	}
	if _, exists := byType[def.Type]; exists {
		return fmt.Errorf("event type already registered: %s/%s", def.AggregateType, def.Type)
	}
	byType[def.Type] = def
	return nil
}

// Definition returns the registered definition for an aggregate and type.
// Definitions registered under aggregate type "*" apply to every aggregate.
func (r *Registry) Definition(aggregateType string, typ Type) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	if def, ok := r.definitions[aggregateType][typ]; ok {
		return def, true
	}
	def, ok := r.definitions["*"][typ]
	return def, ok
}

// ValidateForAppend normalizes an event and checks that its type is known.
func (r *Registry) ValidateForAppend(evt Event) (Event, error) {
	evt, err := Normalize(evt)
	if err != nil {
		return Event{}, err
	}
	if _, ok := r.Definition(evt.Stream.AggregateType, evt.Type); !ok {
		return Event{}, fmt.Errorf("%w: %s/%s", ErrTypeUnknown, evt.Stream.AggregateType, evt.Type)
	}
	return evt, nil
}
