package study

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
)

type Repository interface {
	SaveStudy(ctx context.Context, tx *sql.Tx, study *Entity) error
	FindStudyById(ctx context.Context, tx *sql.Tx, studyId ulid.ULID) (*Entity, error)
	FindStudyByStudyInstanceUid(ctx context.Context, tx *sql.Tx, studyInstanceUid string) (*Entity, error)
	// FindStudiesWithoutStorageGroupAndLocations returns studies that are in no
	// storage group and whose instances hold no location.
	FindStudiesWithoutStorageGroupAndLocations(ctx context.Context, tx *sql.Tx, limit int) ([]Entity, error)
	DeleteStudyById(ctx context.Context, tx *sql.Tx, studyId ulid.ULID) error
}

type Entity struct {
	Id               *ulid.ULID
	PatientId        ulid.ULID
	StudyInstanceUid string
	AccessionNumber  *string
	StudyDate        *string
	Attributes       []byte
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
