package jitapi

// These consts are used in various places of the backend. They are kept in one
// place so that toggling a check or a dump does not require hunting for it.

// ----- Output prints -----
// These consts must be disabled by default. Enable them only when debugging.

const (
	PrintSelectedInstructions = false
	PrintNodeGraph            = false
	PrintMasmListing          = false
)

// ----- Validations -----
// These consts must be enabled by default until we reach the point where we can disable them.

const (
	// InstructionArityValidationEnabled checks every emitted instruction against the arch arity table.
	InstructionArityValidationEnabled = true
	// NodeOverwriteValidationEnabled checks that an in-place node kind overwrite keeps arity, payload size
	// and does not add deopt or snapshot requirements.
	NodeOverwriteValidationEnabled = true
	// DeoptSlotValidationEnabled checks that deopt input locations are filled exactly as sized.
	DeoptSlotValidationEnabled = true
	// JobStateValidationEnabled checks compilation job phase ordering.
	JobStateValidationEnabled = true
)
