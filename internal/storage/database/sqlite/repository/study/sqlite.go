package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/study"
	"github.com/oklog/ulid/v2"
)

type sqliteRepository struct {
}

const (
	insertStudyStmt                                = "INSERT INTO studies (id, patient_id, study_instance_uid, accession_number, study_date, attributes, version, created_at, updated_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)"
	updateStudyByIdAndVersionStmt                  = "UPDATE studies SET patient_id = $1, study_instance_uid = $2, accession_number = $3, study_date = $4, attributes = $5, version = version + 1, updated_at = $6 WHERE id = $7 AND version = $8"
	findStudyByIdStmt                              = "SELECT id, patient_id, study_instance_uid, accession_number, study_date, attributes, version, created_at, updated_at FROM studies WHERE id = $1"
	findStudyByStudyInstanceUidStmt                = "SELECT id, patient_id, study_instance_uid, accession_number, study_date, attributes, version, created_at, updated_at FROM studies WHERE study_instance_uid = $1"
	findStudiesWithoutStorageGroupAndLocationsStmt = "SELECT st.id, st.patient_id, st.study_instance_uid, st.accession_number, st.study_date, st.attributes, st.version, st.created_at, st.updated_at FROM studies st WHERE NOT EXISTS (SELECT 1 FROM study_on_storage_groups g WHERE g.study_id = st.id) AND NOT EXISTS (SELECT 1 FROM series se JOIN instances i ON i.series_id = se.id JOIN instance_locations il ON il.instance_id = i.id WHERE se.study_id = st.id) ORDER BY st.id ASC LIMIT $1"
	deleteStudyByIdStmt                            = "DELETE FROM studies WHERE id = $1"
)

func NewRepository() (study.Repository, error) {
	return &sqliteRepository{}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func convertRowToStudyEntity(studyRow rowScanner) (*study.Entity, error) {
	var id string
	var patientId string
	var studyInstanceUid string
	var accessionNumber *string
	var studyDate *string
	var attributes []byte
	var version int64
	var createdAt time.Time
	var updatedAt time.Time
	err := studyRow.Scan(&id, &patientId, &studyInstanceUid, &accessionNumber, &studyDate, &attributes, &version, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	ulidId := ulid.MustParse(id)
	return &study.Entity{
		Id:               &ulidId,
		PatientId:        ulid.MustParse(patientId),
		StudyInstanceUid: studyInstanceUid,
		AccessionNumber:  accessionNumber,
		StudyDate:        studyDate,
		Attributes:       attributes,
		Version:          version,
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
	}, nil
}

func (sr *sqliteRepository) SaveStudy(ctx context.Context, tx *sql.Tx, study *study.Entity) error {
	if study.Id == nil {
		id := ulid.Make()
		study.Id = &id
		study.Version = 0
		study.CreatedAt = time.Now().UTC()
		study.UpdatedAt = study.CreatedAt
		_, err := tx.ExecContext(ctx, insertStudyStmt, study.Id.String(), study.PatientId.String(), study.StudyInstanceUid, study.AccessionNumber, study.StudyDate, study.Attributes, study.Version, study.CreatedAt, study.UpdatedAt)
		if err != nil {
			study.Id = nil
			return database.TranslateError(err)
		}
		return nil
	}
	updatedAt := time.Now().UTC()
	result, err := tx.ExecContext(ctx, updateStudyByIdAndVersionStmt, study.PatientId.String(), study.StudyInstanceUid, study.AccessionNumber, study.StudyDate, study.Attributes, updatedAt, study.Id.String(), study.Version)
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
	study.Version++
	study.UpdatedAt = updatedAt
	return nil
}

func (sr *sqliteRepository) FindStudyById(ctx context.Context, tx *sql.Tx, studyId ulid.ULID) (*study.Entity, error) {
	row := tx.QueryRowContext(ctx, findStudyByIdStmt, studyId.String())
	return convertRowToStudyEntity(row)
}

func (sr *sqliteRepository) FindStudyByStudyInstanceUid(ctx context.Context, tx *sql.Tx, studyInstanceUid string) (*study.Entity, error) {
	row := tx.QueryRowContext(ctx, findStudyByStudyInstanceUidStmt, studyInstanceUid)
	return convertRowToStudyEntity(row)
}

func (sr *sqliteRepository) FindStudiesWithoutStorageGroupAndLocations(ctx context.Context, tx *sql.Tx, limit int) ([]study.Entity, error) {
	studyRows, err := tx.QueryContext(ctx, findStudiesWithoutStorageGroupAndLocationsStmt, limit)
	if err != nil {
		return nil, err
	}
	defer studyRows.Close()
	studies := []study.Entity{}
	for studyRows.Next() {
		studyEntity, err := convertRowToStudyEntity(studyRows)
		if err != nil {
			return nil, err
		}
		studies = append(studies, *studyEntity)
	}
	return studies, studyRows.Err()
}

func (sr *sqliteRepository) DeleteStudyById(ctx context.Context, tx *sql.Tx, studyId ulid.ULID) error {
	_, err := tx.ExecContext(ctx, deleteStudyByIdStmt, studyId.String())
	return err
}
