package location

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
)

type Repository interface {
	SaveLocation(ctx context.Context, tx *sql.Tx, location *Entity) error
	FindLocationById(ctx context.Context, tx *sql.Tx, locationId ulid.ULID) (*Entity, error)
	FindLocationsByInstanceId(ctx context.Context, tx *sql.Tx, instanceId ulid.ULID) ([]Entity, error)
	FindLocationsByStorageSystemIdAndStoragePath(ctx context.Context, tx *sql.Tx, storageSystemId string, storagePath string) ([]Entity, error)
	FindLocationsByStorageGroupIdAndStatus(ctx context.Context, tx *sql.Tx, storageGroupId string, status string) ([]Entity, error)
	SumSizeByStorageGroupIdCreatedAfter(ctx context.Context, tx *sql.Tx, storageGroupId string, createdAfter time.Time) (*int64, error)
	// DeleteUnreferencedLocationById removes the row only if no instance references it.
	DeleteUnreferencedLocationById(ctx context.Context, tx *sql.Tx, locationId ulid.ULID) (*bool, error)

	AddInstanceReference(ctx context.Context, tx *sql.Tx, instanceId ulid.ULID, locationId ulid.ULID) error
	RemoveInstanceReference(ctx context.Context, tx *sql.Tx, instanceId ulid.ULID, locationId ulid.ULID) error
	CountInstanceReferencesByLocationId(ctx context.Context, tx *sql.Tx, locationId ulid.ULID) (*int, error)
}

type Entity struct {
	Id                    *ulid.ULID
	StorageGroupId        string
	StorageSystemId       string
	StoragePath           string
	EntryName             *string
	TransferSyntaxUid     *string
	Digest                *string
	OtherAttributesDigest *string
	Size                  int64
	Status                string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

const (
	StatusOK            = "OK"
	StatusDeleteFailed  = "DELETE_FAILED"
	StatusArchiveFailed = "ARCHIVE_FAILED"
)
