package workqueueentry

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
)

type Repository interface {
	SaveWorkQueueEntry(ctx context.Context, tx *sql.Tx, entry *Entity) error
	FindWorkQueueEntryById(ctx context.Context, tx *sql.Tx, entryId ulid.ULID) (*Entity, error)
	// LeaseNextDueWorkQueueEntry claims the oldest due entry whose lease is absent or expired
	// and extends the lease to leasedUntil.
	LeaseNextDueWorkQueueEntry(ctx context.Context, tx *sql.Tx, queue string, now time.Time, leasedUntil time.Time) (*Entity, error)
	CountWorkQueueEntries(ctx context.Context, tx *sql.Tx, queue string) (*int, error)
	DeleteWorkQueueEntryById(ctx context.Context, tx *sql.Tx, entryId ulid.ULID) error
}

type Entity struct {
	Id          *ulid.ULID
	Queue       string
	Payload     []byte
	DueAt       time.Time
	LeasedUntil *time.Time
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
