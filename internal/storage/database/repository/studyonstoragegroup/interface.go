package studyonstoragegroup

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
)

type Repository interface {
	// SaveStudyOnStorageGroup inserts new rows and updates existing ones.
	// Inserting a second row for the same study and group fails with database.ErrUniqueViolation.
	SaveStudyOnStorageGroup(ctx context.Context, tx *sql.Tx, studyOnStorageGroup *Entity) error
	FindStudyOnStorageGroupByStudyIdAndStorageGroupId(ctx context.Context, tx *sql.Tx, studyId ulid.ULID, storageGroupId string) (*Entity, error)
	FindStudyOnStorageGroupByStudyInstanceUidAndStorageGroupId(ctx context.Context, tx *sql.Tx, studyInstanceUid string, storageGroupId string) (*Entity, error)
	DeleteStudyOnStorageGroupById(ctx context.Context, tx *sql.Tx, studyOnStorageGroupId ulid.ULID) error
}

type Entity struct {
	Id                *ulid.ULID
	StudyId           ulid.ULID
	StorageGroupId    string
	AccessTime        time.Time
	MarkedForDeletion bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
