// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import "context"

// DedupRepo defines the interface for inbound message deduplication, so a
// transport retry of an already-processed message does not replay the turn.
type DedupRepo interface {
	// SeenMessage reports whether a message ID was already processed.
	SeenMessage(ctx context.Context, messageID string) (bool, error)

	// MarkMessageSeen records a processed message ID. Recording the same ID
	// twice is not an error.
	MarkMessageSeen(ctx context.Context, messageID string) error
}
