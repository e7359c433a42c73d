package pgx

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/instance"
	"github.com/oklog/ulid/v2"
)

type pgxRepository struct {
}

const (
	instanceColumns                    = "i.id, i.series_id, i.sop_instance_uid, i.sop_class_uid, i.instance_number, i.availability, i.rejection_note_code, i.attributes, i.version, i.created_at, i.updated_at"
	insertInstanceStmt                 = "INSERT INTO instances (id, series_id, sop_instance_uid, sop_class_uid, instance_number, availability, rejection_note_code, attributes, version, created_at, updated_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"
	updateInstanceByIdAndVersionStmt   = "UPDATE instances SET series_id = $1, sop_instance_uid = $2, sop_class_uid = $3, instance_number = $4, availability = $5, rejection_note_code = $6, attributes = $7, version = version + 1, updated_at = $8 WHERE id = $9 AND version = $10"
	findInstanceByIdStmt               = "SELECT " + instanceColumns + " FROM instances i WHERE i.id = $1"
	findInstanceBySopInstanceUidStmt   = "SELECT " + instanceColumns + " FROM instances i WHERE i.sop_instance_uid = $1"
	findInstancesBySeriesIdStmt        = "SELECT " + instanceColumns + " FROM instances i WHERE i.series_id = $1 ORDER BY i.id ASC"
	findInstancesByLocationIdStmt      = "SELECT " + instanceColumns + " FROM instances i JOIN instance_locations il ON il.instance_id = i.id WHERE il.location_id = $1 ORDER BY i.id ASC"
	findInstancesDueDeleteStmtPrefix   = "SELECT " + instanceColumns + ", st.study_instance_uid, se.series_instance_uid, g.access_time FROM instances i JOIN series se ON se.id = i.series_id JOIN studies st ON st.id = se.study_id JOIN study_on_storage_groups g ON g.study_id = st.id WHERE g.storage_group_id = $1 AND g.marked_for_deletion = $2 AND g.access_time < $3 AND i.rejection_note_code IS NULL AND se.rejected = $4"
	findInstancesDueDeleteStmtOrdering = " ORDER BY g.access_time ASC, i.id ASC"
	deleteInstanceByIdStmt             = "DELETE FROM instances WHERE id = $1"
)

func NewRepository() (instance.Repository, error) {
	return &pgxRepository{}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func convertRowToInstanceEntity(instanceRow rowScanner, extra ...any) (*instance.Entity, error) {
	var id string
	var seriesId string
	var sopInstanceUid string
	var sopClassUid string
	var instanceNumber *string
	var availability string
	var rejectionNoteCode *string
	var attributes []byte
	var version int64
	var createdAt time.Time
	var updatedAt time.Time
	dest := []any{&id, &seriesId, &sopInstanceUid, &sopClassUid, &instanceNumber, &availability, &rejectionNoteCode, &attributes, &version, &createdAt, &updatedAt}
	err := instanceRow.Scan(append(dest, extra...)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	ulidId := ulid.MustParse(id)
	return &instance.Entity{
		Id:                &ulidId,
		SeriesId:          ulid.MustParse(seriesId),
		SopInstanceUid:    sopInstanceUid,
		SopClassUid:       sopClassUid,
		InstanceNumber:    instanceNumber,
		Availability:      availability,
		RejectionNoteCode: rejectionNoteCode,
		Attributes:        attributes,
		Version:           version,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}, nil
}

func (ir *pgxRepository) SaveInstance(ctx context.Context, tx *sql.Tx, instance *instance.Entity) error {
	if instance.Id == nil {
		id := ulid.Make()
		instance.Id = &id
		instance.Version = 0
		instance.CreatedAt = time.Now().UTC()
		instance.UpdatedAt = instance.CreatedAt
		_, err := tx.ExecContext(ctx, insertInstanceStmt, instance.Id.String(), instance.SeriesId.String(), instance.SopInstanceUid, instance.SopClassUid, instance.InstanceNumber, instance.Availability, instance.RejectionNoteCode, instance.Attributes, instance.Version, instance.CreatedAt, instance.UpdatedAt)
		if err != nil {
			instance.Id = nil
			return database.TranslateError(err)
		}
		return nil
	}
	updatedAt := time.Now().UTC()
	result, err := tx.ExecContext(ctx, updateInstanceByIdAndVersionStmt, instance.SeriesId.String(), instance.SopInstanceUid, instance.SopClassUid, instance.InstanceNumber, instance.Availability, instance.RejectionNoteCode, instance.Attributes, updatedAt, instance.Id.String(), instance.Version)
	if err != nil {
		return database.TranslateError(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return database.ErrOptimisticLock
	}
	instance.Version++
	instance.UpdatedAt = updatedAt
	return nil
}

func (ir *pgxRepository) FindInstanceById(ctx context.Context, tx *sql.Tx, instanceId ulid.ULID) (*instance.Entity, error) {
	row := tx.QueryRowContext(ctx, findInstanceByIdStmt, instanceId.String())
	return convertRowToInstanceEntity(row)
}

func (ir *pgxRepository) FindInstanceBySopInstanceUid(ctx context.Context, tx *sql.Tx, sopInstanceUid string) (*instance.Entity, error) {
	row := tx.QueryRowContext(ctx, findInstanceBySopInstanceUidStmt, sopInstanceUid)
	return convertRowToInstanceEntity(row)
}

func (ir *pgxRepository) findInstances(ctx context.Context, tx *sql.Tx, stmt string, args ...any) ([]instance.Entity, error) {
	instanceRows, err := tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer instanceRows.Close()
	instances := []instance.Entity{}
	for instanceRows.Next() {
		instanceEntity, err := convertRowToInstanceEntity(instanceRows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *instanceEntity)
	}
	return instances, instanceRows.Err()
}

func (ir *pgxRepository) FindInstancesBySeriesId(ctx context.Context, tx *sql.Tx, seriesId ulid.ULID) ([]instance.Entity, error) {
	return ir.findInstances(ctx, tx, findInstancesBySeriesIdStmt, seriesId.String())
}

func (ir *pgxRepository) FindInstancesByLocationId(ctx context.Context, tx *sql.Tx, locationId ulid.ULID) ([]instance.Entity, error) {
	return ir.findInstances(ctx, tx, findInstancesByLocationIdStmt, locationId.String())
}

func (ir *pgxRepository) FindInstancesDueDelete(ctx context.Context, tx *sql.Tx, dueDate time.Time, storageGroupId string, studyInstanceUid *string, seriesInstanceUid *string, limit int) ([]instance.DueEntity, error) {
	var stmt strings.Builder
	stmt.WriteString(findInstancesDueDeleteStmtPrefix)
	args := []any{storageGroupId, false, dueDate.UTC(), false}
	if studyInstanceUid != nil {
		args = append(args, *studyInstanceUid)
		stmt.WriteString(" AND st.study_instance_uid = $" + strconv.Itoa(len(args)))
	}
	if seriesInstanceUid != nil {
		args = append(args, *seriesInstanceUid)
		stmt.WriteString(" AND se.series_instance_uid = $" + strconv.Itoa(len(args)))
	}
	stmt.WriteString(findInstancesDueDeleteStmtOrdering)
	if limit > 0 {
		args = append(args, limit)
		stmt.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}

	instanceRows, err := tx.QueryContext(ctx, stmt.String(), args...)
	if err != nil {
		return nil, err
	}
	defer instanceRows.Close()
	dueInstances := []instance.DueEntity{}
	for instanceRows.Next() {
		var studyUid string
		var seriesUid string
		var accessTime time.Time
		instanceEntity, err := convertRowToInstanceEntity(instanceRows, &studyUid, &seriesUid, &accessTime)
		if err != nil {
			return nil, err
		}
		dueInstances = append(dueInstances, instance.DueEntity{
			Entity:            *instanceEntity,
			StudyInstanceUid:  studyUid,
			SeriesInstanceUid: seriesUid,
			AccessTime:        accessTime,
		})
	}
	return dueInstances, instanceRows.Err()
}

func (ir *pgxRepository) DeleteInstanceById(ctx context.Context, tx *sql.Tx, instanceId ulid.ULID) error {
	_, err := tx.ExecContext(ctx, deleteInstanceByIdStmt, instanceId.String())
	return err
}
