package instance

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
)

type Repository interface {
	SaveInstance(ctx context.Context, tx *sql.Tx, instance *Entity) error
	FindInstanceById(ctx context.Context, tx *sql.Tx, instanceId ulid.ULID) (*Entity, error)
	FindInstanceBySopInstanceUid(ctx context.Context, tx *sql.Tx, sopInstanceUid string) (*Entity, error)
	FindInstancesBySeriesId(ctx context.Context, tx *sql.Tx, seriesId ulid.ULID) ([]Entity, error)
	FindInstancesByLocationId(ctx context.Context, tx *sql.Tx, locationId ulid.ULID) ([]Entity, error)
	// FindInstancesDueDelete returns unrejected instances of studies in storageGroupId that are not
	// marked for deletion and were last accessed strictly before dueDate, oldest access first.
	FindInstancesDueDelete(ctx context.Context, tx *sql.Tx, dueDate time.Time, storageGroupId string, studyInstanceUid *string, seriesInstanceUid *string, limit int) ([]DueEntity, error)
	DeleteInstanceById(ctx context.Context, tx *sql.Tx, instanceId ulid.ULID) error
}

type Entity struct {
	Id                *ulid.ULID
	SeriesId          ulid.ULID
	SopInstanceUid    string
	SopClassUid       string
	InstanceNumber    *string
	Availability      string
	RejectionNoteCode *string
	Attributes        []byte
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DueEntity is an instance together with the study membership that made it due.
type DueEntity struct {
	Entity
	StudyInstanceUid  string
	SeriesInstanceUid string
	AccessTime        time.Time
}

const (
	AvailabilityOnline   = "ONLINE"
	AvailabilityNearline = "NEARLINE"
	AvailabilityOffline  = "OFFLINE"
)
