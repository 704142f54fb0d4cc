// Package store provides the MemoryRepo interface for long-lived participant facts.
package store

import "context"

// MemoryRepo defines the interface for cross-session participant memory,
// small key-value facts such as the last diet type or shopping budget that
// outlive any single flow.
type MemoryRepo interface {
	// LoadMemory returns the participant's memory map. A participant with no
	// stored memory yields an empty (possibly nil) map, not an error.
	LoadMemory(ctx context.Context, participantID string) (map[string]string, error)

	// SaveMemory stores or replaces the participant's memory map atomically.
	SaveMemory(ctx context.Context, participantID string, memory map[string]string) error
}
