package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/patient"
	"github.com/oklog/ulid/v2"
)

type sqliteRepository struct {
}

const (
	insertPatientStmt                   = "INSERT INTO patients (id, patient_id, issuer_of_patient_id, patient_name, attributes, version, created_at, updated_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8)"
	updatePatientByIdAndVersionStmt     = "UPDATE patients SET patient_id = $1, issuer_of_patient_id = $2, patient_name = $3, attributes = $4, version = version + 1, updated_at = $5 WHERE id = $6 AND version = $7"
	findPatientByIdStmt                 = "SELECT id, patient_id, issuer_of_patient_id, patient_name, attributes, version, created_at, updated_at FROM patients WHERE id = $1"
	findPatientByPatientIdAndIssuerStmt = "SELECT id, patient_id, issuer_of_patient_id, patient_name, attributes, version, created_at, updated_at FROM patients WHERE patient_id = $1 AND issuer_of_patient_id = $2"
	findPatientsWithoutStudiesStmt      = "SELECT p.id, p.patient_id, p.issuer_of_patient_id, p.patient_name, p.attributes, p.version, p.created_at, p.updated_at FROM patients p WHERE NOT EXISTS (SELECT 1 FROM studies s WHERE s.patient_id = p.id) ORDER BY p.id ASC LIMIT $1"
	deletePatientByIdStmt               = "DELETE FROM patients WHERE id = $1"
)

func NewRepository() (patient.Repository, error) {
	return &sqliteRepository{}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func convertRowToPatientEntity(patientRow rowScanner) (*patient.Entity, error) {
	var id string
	var patientId string
	var issuer string
	var patientName *string
	var attributes []byte
	var version int64
	var createdAt time.Time
	var updatedAt time.Time
	err := patientRow.Scan(&id, &patientId, &issuer, &patientName, &attributes, &version, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	ulidId := ulid.MustParse(id)
	return &patient.Entity{
		Id:                &ulidId,
		PatientId:         patientId,
		IssuerOfPatientId: issuer,
		PatientName:       patientName,
		Attributes:        attributes,
		Version:           version,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}, nil
}

func (pr *sqliteRepository) SavePatient(ctx context.Context, tx *sql.Tx, patient *patient.Entity) error {
	if patient.Id == nil {
		id := ulid.Make()
		patient.Id = &id
		patient.Version = 0
		patient.CreatedAt = time.Now().UTC()
		patient.UpdatedAt = patient.CreatedAt
		_, err := tx.ExecContext(ctx, insertPatientStmt, patient.Id.String(), patient.PatientId, patient.IssuerOfPatientId, patient.PatientName, patient.Attributes, patient.Version, patient.CreatedAt, patient.UpdatedAt)
		if err != nil {
			patient.Id = nil
			return database.TranslateError(err)
		}
		return nil
	}
	updatedAt := time.Now().UTC()
	result, err := tx.ExecContext(ctx, updatePatientByIdAndVersionStmt, patient.PatientId, patient.IssuerOfPatientId, patient.PatientName, patient.Attributes, updatedAt, patient.Id.String(), patient.Version)
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
	patient.Version++
	patient.UpdatedAt = updatedAt
	return nil
}

func (pr *sqliteRepository) FindPatientById(ctx context.Context, tx *sql.Tx, patientId ulid.ULID) (*patient.Entity, error) {
	row := tx.QueryRowContext(ctx, findPatientByIdStmt, patientId.String())
	return convertRowToPatientEntity(row)
}

func (pr *sqliteRepository) FindPatientByPatientIdAndIssuer(ctx context.Context, tx *sql.Tx, patientId string, issuer string) (*patient.Entity, error) {
	row := tx.QueryRowContext(ctx, findPatientByPatientIdAndIssuerStmt, patientId, issuer)
	return convertRowToPatientEntity(row)
}

func (pr *sqliteRepository) FindPatientsWithoutStudies(ctx context.Context, tx *sql.Tx, limit int) ([]patient.Entity, error) {
	patientRows, err := tx.QueryContext(ctx, findPatientsWithoutStudiesStmt, limit)
	if err != nil {
		return nil, err
	}
	defer patientRows.Close()
	patients := []patient.Entity{}
	for patientRows.Next() {
		patientEntity, err := convertRowToPatientEntity(patientRows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, *patientEntity)
	}
	return patients, patientRows.Err()
}

func (pr *sqliteRepository) DeletePatientById(ctx context.Context, tx *sql.Tx, patientId ulid.ULID) error {
	_, err := tx.ExecContext(ctx, deletePatientByIdStmt, patientId.String())
	return err
}
