package record

import (
	"github.com/louisbranch/ledger/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

// RegisterCommands adds the record command definitions.
func RegisterCommands(registry *command.Registry) error {
	for _, def := range []command.Definition{
		{Type: CommandTypeCreate, ValidatePayload: validateCreate},
		{Type: CommandTypeUpdate, ValidatePayload: validateUpdate},
		{Type: CommandTypeDelete, ValidatePayload: validateDelete},
	} {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// RegisterEvents adds the record event definitions for every aggregate type.
func RegisterEvents(registry *event.Registry) error {
	for _, def := range []event.Definition{
		{AggregateType: "*", Type: EventTypeCreated, Lifecycle: event.LifecycleCreate},
		{AggregateType: "*", Type: EventTypeUpdated, Lifecycle: event.LifecycleMutate},
		{AggregateType: "*", Type: EventTypeDeleted, Lifecycle: event.LifecycleMutate},
	} {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Registries returns command and event registries with record types loaded.
func Registries() (*command.Registry, *event.Registry, error) {
	commands := command.NewRegistry()
	if err := RegisterCommands(commands); err != nil {
		return nil, nil, err
	}
	events := event.NewRegistry()
	if err := RegisterEvents(events); err != nil {
		return nil, nil, err
	}
	return commands, events, nil
}
