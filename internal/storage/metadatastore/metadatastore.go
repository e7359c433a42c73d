// Package metadatastore loads and saves the patient/study/series/instance hierarchy as one aggregate.
package metadatastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jdillenkofer/pacsarc/internal/dataset"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/instance"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/patient"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/series"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/study"
)

var ErrMissingIdentifier = errors.New("dataset lacks a required identifier")
var ErrInconsistentHierarchy = errors.New("instance hierarchy is inconsistent")

// Instance is an instance together with all of its ancestors and locations.
type Instance struct {
	Patient   *patient.Entity
	Study     *study.Entity
	Series    *series.Entity
	Instance  *instance.Entity
	Locations []location.Entity
}

// Attributes merges the persisted attributes of every level.
func (i *Instance) Attributes() (*dataset.Dataset, error) {
	merged := dataset.New()
	for _, blob := range [][]byte{i.Patient.Attributes, i.Study.Attributes, i.Series.Attributes, i.Instance.Attributes} {
		ds, err := dataset.Unmarshal(blob)
		if err != nil {
			return nil, err
		}
		merged.Update(ds)
	}
	return merged, nil
}

type MetadataStore struct {
	repos *repository.Repositories
}

func New(repos *repository.Repositories) *MetadataStore {
	return &MetadataStore{repos: repos}
}

// FindInstance returns nil if no instance with sopInstanceUid exists.
func (ms *MetadataStore) FindInstance(ctx context.Context, tx *sql.Tx, sopInstanceUid string) (*Instance, error) {
	instanceEntity, err := ms.repos.Instance.FindInstanceBySopInstanceUid(ctx, tx, sopInstanceUid)
	if err != nil || instanceEntity == nil {
		return nil, err
	}
	return ms.loadAggregate(ctx, tx, instanceEntity)
}

func (ms *MetadataStore) loadAggregate(ctx context.Context, tx *sql.Tx, instanceEntity *instance.Entity) (*Instance, error) {
	seriesEntity, err := ms.repos.Series.FindSeriesById(ctx, tx, instanceEntity.SeriesId)
	if err != nil {
		return nil, err
	}
	if seriesEntity == nil {
		return nil, fmt.Errorf("%w: series %s of instance %s", ErrInconsistentHierarchy, instanceEntity.SeriesId, instanceEntity.SopInstanceUid)
	}
	studyEntity, err := ms.repos.Study.FindStudyById(ctx, tx, seriesEntity.StudyId)
	if err != nil {
		return nil, err
	}
	if studyEntity == nil {
		return nil, fmt.Errorf("%w: study %s of series %s", ErrInconsistentHierarchy, seriesEntity.StudyId, seriesEntity.SeriesInstanceUid)
	}
	patientEntity, err := ms.repos.Patient.FindPatientById(ctx, tx, studyEntity.PatientId)
	if err != nil {
		return nil, err
	}
	if patientEntity == nil {
		return nil, fmt.Errorf("%w: patient %s of study %s", ErrInconsistentHierarchy, studyEntity.PatientId, studyEntity.StudyInstanceUid)
	}
	locations, err := ms.repos.Location.FindLocationsByInstanceId(ctx, tx, *instanceEntity.Id)
	if err != nil {
		return nil, err
	}
	return &Instance{
		Patient:   patientEntity,
		Study:     studyEntity,
		Series:    seriesEntity,
		Instance:  instanceEntity,
		Locations: locations,
	}, nil
}

func marshalLevel(ds *dataset.Dataset, level dataset.Level) ([]byte, error) {
	return dataset.Marshal(dataset.Select(ds, level))
}

func optional(ds *dataset.Dataset, tag dataset.Tag) *string {
	if !ds.Contains(tag) {
		return nil
	}
	value := ds.String(tag)
	return &value
}

func requireUids(ds *dataset.Dataset) error {
	for _, tag := range []dataset.Tag{dataset.StudyInstanceUID, dataset.SeriesInstanceUID, dataset.SOPInstanceUID} {
		if ds.String(tag) == "" {
			return fmt.Errorf("%w: %s", ErrMissingIdentifier, tag)
		}
	}
	return nil
}

func (ms *MetadataStore) savePatient(ctx context.Context, tx *sql.Tx, patientEntity *patient.Entity, ds *dataset.Dataset) error {
	attributes, err := marshalLevel(ds, dataset.PatientLevel)
	if err != nil {
		return err
	}
	patientEntity.PatientName = optional(ds, dataset.PatientName)
	patientEntity.Attributes = attributes
	return ms.repos.Patient.SavePatient(ctx, tx, patientEntity)
}

func (ms *MetadataStore) saveStudy(ctx context.Context, tx *sql.Tx, studyEntity *study.Entity, ds *dataset.Dataset) error {
	attributes, err := marshalLevel(ds, dataset.StudyLevel)
	if err != nil {
		return err
	}
	studyEntity.AccessionNumber = optional(ds, dataset.AccessionNumber)
	studyEntity.StudyDate = optional(ds, dataset.StudyDate)
	studyEntity.Attributes = attributes
	return ms.repos.Study.SaveStudy(ctx, tx, studyEntity)
}

func (ms *MetadataStore) saveSeries(ctx context.Context, tx *sql.Tx, seriesEntity *series.Entity, ds *dataset.Dataset) error {
	attributes, err := marshalLevel(ds, dataset.SeriesLevel)
	if err != nil {
		return err
	}
	seriesEntity.Modality = optional(ds, dataset.Modality)
	seriesEntity.Attributes = attributes
	return ms.repos.Series.SaveSeries(ctx, tx, seriesEntity)
}

func (ms *MetadataStore) saveInstance(ctx context.Context, tx *sql.Tx, instanceEntity *instance.Entity, ds *dataset.Dataset) error {
	attributes, err := marshalLevel(ds, dataset.InstanceLevel)
	if err != nil {
		return err
	}
	instanceEntity.SopClassUid = ds.String(dataset.SOPClassUID)
	instanceEntity.InstanceNumber = optional(ds, dataset.InstanceNumber)
	instanceEntity.Attributes = attributes
	return ms.repos.Instance.SaveInstance(ctx, tx, instanceEntity)
}

// CreateInstance stores a new instance below existing or newly created ancestors.
// Existing ancestors get the attributes of ds and their version bumped.
func (ms *MetadataStore) CreateInstance(ctx context.Context, tx *sql.Tx, ds *dataset.Dataset, sourceAET string) (*Instance, error) {
	if err := requireUids(ds); err != nil {
		return nil, err
	}
	patientId := ds.String(dataset.PatientID)
	issuer := ds.String(dataset.IssuerOfPatientID)
	patientEntity, err := ms.repos.Patient.FindPatientByPatientIdAndIssuer(ctx, tx, patientId, issuer)
	if err != nil {
		return nil, err
	}
	if patientEntity == nil {
		patientEntity = &patient.Entity{PatientId: patientId, IssuerOfPatientId: issuer}
	}
	if err := ms.savePatient(ctx, tx, patientEntity, ds); err != nil {
		return nil, err
	}

	studyEntity, err := ms.repos.Study.FindStudyByStudyInstanceUid(ctx, tx, ds.String(dataset.StudyInstanceUID))
	if err != nil {
		return nil, err
	}
	if studyEntity == nil {
		studyEntity = &study.Entity{StudyInstanceUid: ds.String(dataset.StudyInstanceUID)}
	}
	studyEntity.PatientId = *patientEntity.Id
	if err := ms.saveStudy(ctx, tx, studyEntity, ds); err != nil {
		return nil, err
	}

	seriesEntity, err := ms.repos.Series.FindSeriesBySeriesInstanceUid(ctx, tx, ds.String(dataset.SeriesInstanceUID))
	if err != nil {
		return nil, err
	}
	if seriesEntity == nil {
		seriesEntity = &series.Entity{SeriesInstanceUid: ds.String(dataset.SeriesInstanceUID), SourceAET: &sourceAET}
	}
	seriesEntity.StudyId = *studyEntity.Id
	if err := ms.saveSeries(ctx, tx, seriesEntity, ds); err != nil {
		return nil, err
	}

	instanceEntity := &instance.Entity{
		SeriesId:       *seriesEntity.Id,
		SopInstanceUid: ds.String(dataset.SOPInstanceUID),
		Availability:   instance.AvailabilityOnline,
	}
	if err := ms.saveInstance(ctx, tx, instanceEntity, ds); err != nil {
		return nil, err
	}
	return &Instance{
		Patient:   patientEntity,
		Study:     studyEntity,
		Series:    seriesEntity,
		Instance:  instanceEntity,
		Locations: []location.Entity{},
	}, nil
}

// UpdateInstance refreshes the persisted attributes of every level in place.
// Each save bumps the version, so a concurrent writer fails with database.ErrOptimisticLock.
func (ms *MetadataStore) UpdateInstance(ctx context.Context, tx *sql.Tx, aggregate *Instance, ds *dataset.Dataset) error {
	if err := ms.savePatient(ctx, tx, aggregate.Patient, ds); err != nil {
		return err
	}
	if err := ms.saveStudy(ctx, tx, aggregate.Study, ds); err != nil {
		return err
	}
	if err := ms.saveSeries(ctx, tx, aggregate.Series, ds); err != nil {
		return err
	}
	aggregate.Instance.Availability = instance.AvailabilityOnline
	return ms.saveInstance(ctx, tx, aggregate.Instance, ds)
}

// DeleteInstance removes the instance row. Its location references go with it,
// the locations themselves are left to the caller.
func (ms *MetadataStore) DeleteInstance(ctx context.Context, tx *sql.Tx, aggregate *Instance) error {
	return ms.repos.Instance.DeleteInstanceById(ctx, tx, *aggregate.Instance.Id)
}
