package pgx

import (
	"context"
	"database/sql"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/studyonstoragegroup"
	"github.com/oklog/ulid/v2"
)

type pgxRepository struct {
}

const (
	insertStudyOnStorageGroupStmt                                  = "INSERT INTO study_on_storage_groups (id, study_id, storage_group_id, access_time, marked_for_deletion, created_at, updated_at) VALUES($1, $2, $3, $4, $5, $6, $7)"
	updateStudyOnStorageGroupByIdStmt                              = "UPDATE study_on_storage_groups SET access_time = $1, marked_for_deletion = $2, updated_at = $3 WHERE id = $4"
	findStudyOnStorageGroupByStudyIdAndStorageGroupIdStmt          = "SELECT g.id, g.study_id, g.storage_group_id, g.access_time, g.marked_for_deletion, g.created_at, g.updated_at FROM study_on_storage_groups g WHERE g.study_id = $1 AND g.storage_group_id = $2"
	findStudyOnStorageGroupByStudyInstanceUidAndStorageGroupIdStmt = "SELECT g.id, g.study_id, g.storage_group_id, g.access_time, g.marked_for_deletion, g.created_at, g.updated_at FROM study_on_storage_groups g JOIN studies st ON st.id = g.study_id WHERE st.study_instance_uid = $1 AND g.storage_group_id = $2"
	deleteStudyOnStorageGroupByIdStmt                              = "DELETE FROM study_on_storage_groups WHERE id = $1"
)

func NewRepository() (studyonstoragegroup.Repository, error) {
	return &pgxRepository{}, nil
}

func convertRowToStudyOnStorageGroupEntity(row *sql.Row) (*studyonstoragegroup.Entity, error) {
	var id string
	var studyId string
	var storageGroupId string
	var accessTime time.Time
	var markedForDeletion bool
	var createdAt time.Time
	var updatedAt time.Time
	err := row.Scan(&id, &studyId, &storageGroupId, &accessTime, &markedForDeletion, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	ulidId := ulid.MustParse(id)
	return &studyonstoragegroup.Entity{
		Id:                &ulidId,
		StudyId:           ulid.MustParse(studyId),
		StorageGroupId:    storageGroupId,
		AccessTime:        accessTime,
		MarkedForDeletion: markedForDeletion,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}, nil
}

func (gr *pgxRepository) SaveStudyOnStorageGroup(ctx context.Context, tx *sql.Tx, studyOnStorageGroup *studyonstoragegroup.Entity) error {
	studyOnStorageGroup.AccessTime = studyOnStorageGroup.AccessTime.UTC()
	if studyOnStorageGroup.Id == nil {
		id := ulid.Make()
		studyOnStorageGroup.Id = &id
		studyOnStorageGroup.CreatedAt = time.Now().UTC()
		studyOnStorageGroup.UpdatedAt = studyOnStorageGroup.CreatedAt
		_, err := tx.ExecContext(ctx, insertStudyOnStorageGroupStmt, studyOnStorageGroup.Id.String(), studyOnStorageGroup.StudyId.String(), studyOnStorageGroup.StorageGroupId, studyOnStorageGroup.AccessTime, studyOnStorageGroup.MarkedForDeletion, studyOnStorageGroup.CreatedAt, studyOnStorageGroup.UpdatedAt)
		if err != nil {
			studyOnStorageGroup.Id = nil
			return database.TranslateError(err)
		}
		return nil
	}
	studyOnStorageGroup.UpdatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, updateStudyOnStorageGroupByIdStmt, studyOnStorageGroup.AccessTime, studyOnStorageGroup.MarkedForDeletion, studyOnStorageGroup.UpdatedAt, studyOnStorageGroup.Id.String())
	return err
}

func (gr *pgxRepository) FindStudyOnStorageGroupByStudyIdAndStorageGroupId(ctx context.Context, tx *sql.Tx, studyId ulid.ULID, storageGroupId string) (*studyonstoragegroup.Entity, error) {
	row := tx.QueryRowContext(ctx, findStudyOnStorageGroupByStudyIdAndStorageGroupIdStmt, studyId.String(), storageGroupId)
	return convertRowToStudyOnStorageGroupEntity(row)
}

func (gr *pgxRepository) FindStudyOnStorageGroupByStudyInstanceUidAndStorageGroupId(ctx context.Context, tx *sql.Tx, studyInstanceUid string, storageGroupId string) (*studyonstoragegroup.Entity, error) {
	row := tx.QueryRowContext(ctx, findStudyOnStorageGroupByStudyInstanceUidAndStorageGroupIdStmt, studyInstanceUid, storageGroupId)
	return convertRowToStudyOnStorageGroupEntity(row)
}

func (gr *pgxRepository) DeleteStudyOnStorageGroupById(ctx context.Context, tx *sql.Tx, studyOnStorageGroupId ulid.ULID) error {
	_, err := tx.ExecContext(ctx, deleteStudyOnStorageGroupByIdStmt, studyOnStorageGroupId.String())
	return err
}
