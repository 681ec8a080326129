package ir

// Version constants for the event log schema and runtime.
const (
	// EventVersion is the event log schema version.
	EventVersion = "1"

	// RuntimeVersion is the arcsim runtime version.
	RuntimeVersion = "0.1.0"
)
