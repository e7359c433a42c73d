package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/location"
	"github.com/oklog/ulid/v2"
)

type sqliteRepository struct {
}

const (
	locationColumns                                  = "l.id, l.storage_group_id, l.storage_system_id, l.storage_path, l.entry_name, l.transfer_syntax_uid, l.digest, l.other_attributes_digest, l.size, l.status, l.created_at, l.updated_at"
	insertLocationStmt                               = "INSERT INTO locations (id, storage_group_id, storage_system_id, storage_path, entry_name, transfer_syntax_uid, digest, other_attributes_digest, size, status, created_at, updated_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)"
	updateLocationByIdStmt                           = "UPDATE locations SET storage_group_id = $1, storage_system_id = $2, storage_path = $3, entry_name = $4, transfer_syntax_uid = $5, digest = $6, other_attributes_digest = $7, size = $8, status = $9, updated_at = $10 WHERE id = $11"
	findLocationByIdStmt                             = "SELECT " + locationColumns + " FROM locations l WHERE l.id = $1"
	findLocationsByInstanceIdStmt                    = "SELECT " + locationColumns + " FROM locations l JOIN instance_locations il ON il.location_id = l.id WHERE il.instance_id = $1 ORDER BY l.id ASC"
	findLocationsByStorageSystemIdAndStoragePathStmt = "SELECT " + locationColumns + " FROM locations l WHERE l.storage_system_id = $1 AND l.storage_path = $2 ORDER BY l.id ASC"
	findLocationsByStorageGroupIdAndStatusStmt       = "SELECT " + locationColumns + " FROM locations l WHERE l.storage_group_id = $1 AND l.status = $2 ORDER BY l.id ASC"
	sumSizeByStorageGroupIdCreatedAfterStmt          = "SELECT COALESCE(SUM(size), 0) FROM locations WHERE storage_group_id = $1 AND created_at > $2"
	deleteUnreferencedLocationByIdStmt               = "DELETE FROM locations WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM instance_locations il WHERE il.location_id = $1)"
	insertInstanceLocationStmt                       = "INSERT INTO instance_locations (instance_id, location_id) VALUES($1, $2)"
	deleteInstanceLocationStmt                       = "DELETE FROM instance_locations WHERE instance_id = $1 AND location_id = $2"
	countInstanceLocationsByLocationIdStmt           = "SELECT COUNT(*) FROM instance_locations WHERE location_id = $1"
)

func NewRepository() (location.Repository, error) {
	return &sqliteRepository{}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func convertRowToLocationEntity(locationRow rowScanner) (*location.Entity, error) {
	var id string
	var storageGroupId string
	var storageSystemId string
	var storagePath string
	var entryName *string
	var transferSyntaxUid *string
	var digest *string
	var otherAttributesDigest *string
	var size int64
	var status string
	var createdAt time.Time
	var updatedAt time.Time
	err := locationRow.Scan(&id, &storageGroupId, &storageSystemId, &storagePath, &entryName, &transferSyntaxUid, &digest, &otherAttributesDigest, &size, &status, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	ulidId := ulid.MustParse(id)
	return &location.Entity{
		Id:                    &ulidId,
		StorageGroupId:        storageGroupId,
		StorageSystemId:       storageSystemId,
		StoragePath:           storagePath,
		EntryName:             entryName,
		TransferSyntaxUid:     transferSyntaxUid,
		Digest:                digest,
		OtherAttributesDigest: otherAttributesDigest,
		Size:                  size,
		Status:                status,
		CreatedAt:             createdAt,
		UpdatedAt:             updatedAt,
	}, nil
}

func (lr *sqliteRepository) SaveLocation(ctx context.Context, tx *sql.Tx, location *location.Entity) error {
	if location.Id == nil {
		id := ulid.Make()
		location.Id = &id
		location.CreatedAt = time.Now().UTC()
		location.UpdatedAt = location.CreatedAt
		_, err := tx.ExecContext(ctx, insertLocationStmt, location.Id.String(), location.StorageGroupId, location.StorageSystemId, location.StoragePath, location.EntryName, location.TransferSyntaxUid, location.Digest, location.OtherAttributesDigest, location.Size, location.Status, location.CreatedAt, location.UpdatedAt)
		if err != nil {
			location.Id = nil
			return database.TranslateError(err)
		}
		return nil
	}
	location.UpdatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, updateLocationByIdStmt, location.StorageGroupId, location.StorageSystemId, location.StoragePath, location.EntryName, location.TransferSyntaxUid, location.Digest, location.OtherAttributesDigest, location.Size, location.Status, location.UpdatedAt, location.Id.String())
	return err
}

func (lr *sqliteRepository) FindLocationById(ctx context.Context, tx *sql.Tx, locationId ulid.ULID) (*location.Entity, error) {
	row := tx.QueryRowContext(ctx, findLocationByIdStmt, locationId.String())
	return convertRowToLocationEntity(row)
}

func (lr *sqliteRepository) findLocations(ctx context.Context, tx *sql.Tx, stmt string, args ...any) ([]location.Entity, error) {
	locationRows, err := tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer locationRows.Close()
	locations := []location.Entity{}
	for locationRows.Next() {
		locationEntity, err := convertRowToLocationEntity(locationRows)
		if err != nil {
			return nil, err
		}
		locations = append(locations, *locationEntity)
	}
	return locations, locationRows.Err()
}

func (lr *sqliteRepository) FindLocationsByInstanceId(ctx context.Context, tx *sql.Tx, instanceId ulid.ULID) ([]location.Entity, error) {
	return lr.findLocations(ctx, tx, findLocationsByInstanceIdStmt, instanceId.String())
}

func (lr *sqliteRepository) FindLocationsByStorageSystemIdAndStoragePath(ctx context.Context, tx *sql.Tx, storageSystemId string, storagePath string) ([]location.Entity, error) {
	return lr.findLocations(ctx, tx, findLocationsByStorageSystemIdAndStoragePathStmt, storageSystemId, storagePath)
}

func (lr *sqliteRepository) FindLocationsByStorageGroupIdAndStatus(ctx context.Context, tx *sql.Tx, storageGroupId string, status string) ([]location.Entity, error) {
	return lr.findLocations(ctx, tx, findLocationsByStorageGroupIdAndStatusStmt, storageGroupId, status)
}

func (lr *sqliteRepository) SumSizeByStorageGroupIdCreatedAfter(ctx context.Context, tx *sql.Tx, storageGroupId string, createdAfter time.Time) (*int64, error) {
	row := tx.QueryRowContext(ctx, sumSizeByStorageGroupIdCreatedAfterStmt, storageGroupId, createdAfter.UTC())
	var sum int64
	err := row.Scan(&sum)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func (lr *sqliteRepository) DeleteUnreferencedLocationById(ctx context.Context, tx *sql.Tx, locationId ulid.ULID) (*bool, error) {
	result, err := tx.ExecContext(ctx, deleteUnreferencedLocationByIdStmt, locationId.String())
	if err != nil {
		return nil, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	deleted := rowsAffected > 0
	return &deleted, nil
}

func (lr *sqliteRepository) AddInstanceReference(ctx context.Context, tx *sql.Tx, instanceId ulid.ULID, locationId ulid.ULID) error {
	_, err := tx.ExecContext(ctx, insertInstanceLocationStmt, instanceId.String(), locationId.String())
	return database.TranslateError(err)
}

func (lr *sqliteRepository) RemoveInstanceReference(ctx context.Context, tx *sql.Tx, instanceId ulid.ULID, locationId ulid.ULID) error {
	_, err := tx.ExecContext(ctx, deleteInstanceLocationStmt, instanceId.String(), locationId.String())
	return err
}

func (lr *sqliteRepository) CountInstanceReferencesByLocationId(ctx context.Context, tx *sql.Tx, locationId ulid.ULID) (*int, error) {
	row := tx.QueryRowContext(ctx, countInstanceLocationsByLocationIdStmt, locationId.String())
	var count int
	err := row.Scan(&count)
	if err != nil {
		return nil, err
	}
	return &count, nil
}
