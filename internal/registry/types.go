package registry

import "time"

// Descriptor is a ModelDescriptor (spec §3): the persistent record of an
// installed model. Immutable except for EstimatedMemoryBytes, which may be
// recomputed after install (modelfmt re-inspection) or after first load
// (the backend reporting an actual footprint).
type Descriptor struct {
	ID                   string
	DisplayName          string
	LocalPath            string
	QuantizationTag      string
	Architecture         string
	ParameterCount       string
	SizeBytes            uint64
	EstimatedMemoryBytes uint64
	SupportedDevices     []string
	// Available is false when LocalPath no longer exists on disk; the
	// descriptor is kept (not deleted) until an explicit Remove (spec §4.3).
	Available bool
	CreatedAt time.Time
}
