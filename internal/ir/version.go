package ir

// Version constants for the replication format and the binary.
const (
	// FormatVersion is the change-record wire format version.
	FormatVersion = "1"

	// EngineVersion is the replica engine version.
	EngineVersion = "0.1.0"
)
