package submission

import (
	"context"
	"errors"
)

var (
	ErrNotFound   = errors.New("submission: not found")
	ErrProcessing = errors.New("submission: currently processing")
)

// Store persists submission rows and their project-group membership.
type Store interface {
	// Insert creates a fresh row with status uploaded plus one
	// projectgroup row per participant, and returns the assigned id.
	Insert(ctx context.Context, rec Record, participants []Participant) (int64, error)

	Get(ctx context.Context, id int64) (Record, error)
	GetByIdentity(ctx context.Context, identity Identity) (Record, error)
	Participants(ctx context.Context, id int64) ([]Participant, error)
	List(ctx context.Context, f Filter) ([]Record, error)

	// UpdateStatus sets the status unconditionally. A nil exitCode
	// leaves the stored exit code untouched.
	UpdateStatus(ctx context.Context, id int64, status Status, exitCode *int) error

	// ResetToQueued moves a row back to queued unless a worker holds
	// it; a row in status processing yields ErrProcessing.
	ResetToQueued(ctx context.Context, id int64) error

	// Delete removes rows and their dependent projectgroup rows.
	Delete(ctx context.Context, ids []int64) error

	// QueuePositions maps each queued submission id to its 1-based
	// position, ordered by id. Display only, never authoritative.
	// This is a store-side approximation: the broker's in-flight
	// messages are not consulted, so a position can lag what a
	// worker is about to pick up.
	QueuePositions(ctx context.Context) (map[int64]int, error)
}
