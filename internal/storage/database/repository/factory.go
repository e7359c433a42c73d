package repository

import (
	"errors"

	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	postgresInstance "github.com/jdillenkofer/pacsarc/internal/storage/database/pgx/repository/instance"
	postgresLocation "github.com/jdillenkofer/pacsarc/internal/storage/database/pgx/repository/location"
	postgresPatient "github.com/jdillenkofer/pacsarc/internal/storage/database/pgx/repository/patient"
	postgresSeries "github.com/jdillenkofer/pacsarc/internal/storage/database/pgx/repository/series"
	postgresStudy "github.com/jdillenkofer/pacsarc/internal/storage/database/pgx/repository/study"
	postgresStudyOnStorageGroup "github.com/jdillenkofer/pacsarc/internal/storage/database/pgx/repository/studyonstoragegroup"
	postgresWorkQueueEntry "github.com/jdillenkofer/pacsarc/internal/storage/database/pgx/repository/workqueueentry"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/instance"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/patient"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/series"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/study"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/studyonstoragegroup"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/workqueueentry"
	sqliteInstance "github.com/jdillenkofer/pacsarc/internal/storage/database/sqlite/repository/instance"
	sqliteLocation "github.com/jdillenkofer/pacsarc/internal/storage/database/sqlite/repository/location"
	sqlitePatient "github.com/jdillenkofer/pacsarc/internal/storage/database/sqlite/repository/patient"
	sqliteSeries "github.com/jdillenkofer/pacsarc/internal/storage/database/sqlite/repository/series"
	sqliteStudy "github.com/jdillenkofer/pacsarc/internal/storage/database/sqlite/repository/study"
	sqliteStudyOnStorageGroup "github.com/jdillenkofer/pacsarc/internal/storage/database/sqlite/repository/studyonstoragegroup"
	sqliteWorkQueueEntry "github.com/jdillenkofer/pacsarc/internal/storage/database/sqlite/repository/workqueueentry"
)

var errUnknownDatabaseType = errors.New("unknown database type")

func NewPatientRepository(db database.Database) (patient.Repository, error) {
	dbType := db.GetDatabaseType()
	switch dbType {
	case database.DB_TYPE_POSTGRES:
		return postgresPatient.NewRepository()
	case database.DB_TYPE_SQLITE:
		return sqlitePatient.NewRepository()
	}
	return nil, errUnknownDatabaseType
}

func NewStudyRepository(db database.Database) (study.Repository, error) {
	dbType := db.GetDatabaseType()
	switch dbType {
	case database.DB_TYPE_POSTGRES:
		return postgresStudy.NewRepository()
	case database.DB_TYPE_SQLITE:
		return sqliteStudy.NewRepository()
	}
	return nil, errUnknownDatabaseType
}

func NewSeriesRepository(db database.Database) (series.Repository, error) {
	dbType := db.GetDatabaseType()
	switch dbType {
	case database.DB_TYPE_POSTGRES:
		return postgresSeries.NewRepository()
	case database.DB_TYPE_SQLITE:
		return sqliteSeries.NewRepository()
	}
	return nil, errUnknownDatabaseType
}

func NewInstanceRepository(db database.Database) (instance.Repository, error) {
	dbType := db.GetDatabaseType()
	switch dbType {
	case database.DB_TYPE_POSTGRES:
		return postgresInstance.NewRepository()
	case database.DB_TYPE_SQLITE:
		return sqliteInstance.NewRepository()
	}
	return nil, errUnknownDatabaseType
}

func NewLocationRepository(db database.Database) (location.Repository, error) {
	dbType := db.GetDatabaseType()
	switch dbType {
	case database.DB_TYPE_POSTGRES:
		return postgresLocation.NewRepository()
	case database.DB_TYPE_SQLITE:
		return sqliteLocation.NewRepository()
	}
	return nil, errUnknownDatabaseType
}

func NewStudyOnStorageGroupRepository(db database.Database) (studyonstoragegroup.Repository, error) {
	dbType := db.GetDatabaseType()
	switch dbType {
	case database.DB_TYPE_POSTGRES:
		return postgresStudyOnStorageGroup.NewRepository()
	case database.DB_TYPE_SQLITE:
		return sqliteStudyOnStorageGroup.NewRepository()
	}
	return nil, errUnknownDatabaseType
}

func NewWorkQueueEntryRepository(db database.Database) (workqueueentry.Repository, error) {
	dbType := db.GetDatabaseType()
	switch dbType {
	case database.DB_TYPE_POSTGRES:
		return postgresWorkQueueEntry.NewRepository()
	case database.DB_TYPE_SQLITE:
		return sqliteWorkQueueEntry.NewRepository()
	}
	return nil, errUnknownDatabaseType
}

// Repositories bundles every repository for one database.
type Repositories struct {
	Patient             patient.Repository
	Study               study.Repository
	Series              series.Repository
	Instance            instance.Repository
	Location            location.Repository
	StudyOnStorageGroup studyonstoragegroup.Repository
	WorkQueueEntry      workqueueentry.Repository
}

func NewRepositories(db database.Database) (*Repositories, error) {
	patientRepository, err := NewPatientRepository(db)
	if err != nil {
		return nil, err
	}
	studyRepository, err := NewStudyRepository(db)
	if err != nil {
		return nil, err
	}
	seriesRepository, err := NewSeriesRepository(db)
	if err != nil {
		return nil, err
	}
	instanceRepository, err := NewInstanceRepository(db)
	if err != nil {
		return nil, err
	}
	locationRepository, err := NewLocationRepository(db)
	if err != nil {
		return nil, err
	}
	studyOnStorageGroupRepository, err := NewStudyOnStorageGroupRepository(db)
	if err != nil {
		return nil, err
	}
	workQueueEntryRepository, err := NewWorkQueueEntryRepository(db)
	if err != nil {
		return nil, err
	}
	return &Repositories{
		Patient:             patientRepository,
		Study:               studyRepository,
		Series:              seriesRepository,
		Instance:            instanceRepository,
		Location:            locationRepository,
		StudyOnStorageGroup: studyOnStorageGroupRepository,
		WorkQueueEntry:      workQueueEntryRepository,
	}, nil
}
