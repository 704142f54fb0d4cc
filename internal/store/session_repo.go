// Package store provides the SessionRepo interface for conversation sessions.
package store

import (
	"context"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// SessionRepo defines the interface for persisting conversation sessions.
type SessionRepo interface {
	// LoadSession returns the session for a participant, or (nil, nil) when
	// none is stored.
	LoadSession(ctx context.Context, participantID string) (*models.Session, error)

	// SaveSession stores or replaces the participant's session. The write
	// must be atomic: a concurrent reader sees either the old or the new
	// session, never a partial one.
	SaveSession(ctx context.Context, session models.Session) error

	// DeleteSession removes the participant's session. Deleting a missing
	// session is not an error.
	DeleteSession(ctx context.Context, participantID string) error

	// ListSessions returns every stored session.
	ListSessions(ctx context.Context) ([]models.Session, error)
}
