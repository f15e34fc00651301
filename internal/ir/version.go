package ir

// Version constants recorded on every run.
const (
	// SchemaVersion is the record schema version.
	SchemaVersion = "1"

	// EngineVersion is the tokenline engine version.
	EngineVersion = "0.1.0"
)
