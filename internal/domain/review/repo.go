package review

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned by Repository.Load when no snapshot is
// stored for the session.
var ErrSessionNotFound = errors.New("review session not found")

// Repository mirrors session snapshots to durable storage.
type Repository interface {
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	Save(ctx context.Context, sessionID string, snap Snapshot) error
	Delete(ctx context.Context, sessionID string) error
}
