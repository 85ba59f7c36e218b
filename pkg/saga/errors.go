package saga

import "errors"

var (
	// ErrDuplicateDefinition is returned when a (name, version) pair is
	// registered twice.
	ErrDuplicateDefinition = errors.New("saga: definition already registered")

	// ErrInvalidDefinition is returned when a definition fails validation.
	ErrInvalidDefinition = errors.New("saga: invalid definition")

	// ErrDefinitionNotFound is returned when a saga type is not registered.
	ErrDefinitionNotFound = errors.New("saga: definition not found")

	// ErrInvalidArgument is returned on empty or malformed API input.
	ErrInvalidArgument = errors.New("saga: invalid argument")

	// ErrTerminalState is returned when a mutation targets a saga whose
	// status is terminal.
	ErrTerminalState = errors.New("saga: instance is in a terminal state")
)
