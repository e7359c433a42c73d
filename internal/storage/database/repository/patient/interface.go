package patient

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
)

type Repository interface {
	SavePatient(ctx context.Context, tx *sql.Tx, patient *Entity) error
	FindPatientById(ctx context.Context, tx *sql.Tx, patientId ulid.ULID) (*Entity, error)
	FindPatientByPatientIdAndIssuer(ctx context.Context, tx *sql.Tx, patientId string, issuer string) (*Entity, error)
	FindPatientsWithoutStudies(ctx context.Context, tx *sql.Tx, limit int) ([]Entity, error)
	DeletePatientById(ctx context.Context, tx *sql.Tx, patientId ulid.ULID) error
}

type Entity struct {
	Id                *ulid.ULID
	PatientId         string
	IssuerOfPatientId string
	PatientName       *string
	Attributes        []byte
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
