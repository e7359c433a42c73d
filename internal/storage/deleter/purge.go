package deleter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/patient"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/series"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/study"
	"github.com/oklog/ulid/v2"
)

const purgeBatchSize = 100

type PurgeResult struct {
	Series   int
	Studies  int
	Patients int
}

func (d *Deleter) deleteSeriesTree(ctx context.Context, tx *sql.Tx, seriesId ulid.ULID) error {
	instances, err := d.repos.Instance.FindInstancesBySeriesId(ctx, tx, seriesId)
	if err != nil {
		return err
	}
	for _, i := range instances {
		if err := d.repos.Instance.DeleteInstanceById(ctx, tx, *i.Id); err != nil {
			return err
		}
	}
	return d.repos.Series.DeleteSeriesById(ctx, tx, seriesId)
}

func (d *Deleter) deleteStudyTree(ctx context.Context, tx *sql.Tx, studyId ulid.ULID) error {
	seriesList, err := d.repos.Series.FindSeriesByStudyId(ctx, tx, studyId)
	if err != nil {
		return err
	}
	for _, s := range seriesList {
		if err := d.deleteSeriesTree(ctx, tx, *s.Id); err != nil {
			return err
		}
	}
	return d.repos.Study.DeleteStudyById(ctx, tx, studyId)
}

// purgeBatches repeatedly loads candidates and removes each in its own transaction
// until a batch comes back short or nothing could be removed.
func purgeBatches[T any](ctx context.Context, d *Deleter, kind string, find func(ctx context.Context, tx *sql.Tx, limit int) ([]T, error), describe func(T) string, remove func(ctx context.Context, tx *sql.Tx, item T) error) (int, error) {
	purged := 0
	var errs error
	for {
		var candidates []T
		err := database.RunInTx(ctx, d.db, true, func(tx *sql.Tx) error {
			var err error
			candidates, err = find(ctx, tx, purgeBatchSize)
			return err
		})
		if err != nil {
			return purged, errors.Join(errs, err)
		}
		removed := 0
		for _, candidate := range candidates {
			err := database.RunInTx(ctx, d.db, false, func(tx *sql.Tx) error {
				return remove(ctx, tx, candidate)
			})
			if err != nil {
				slog.Warn(fmt.Sprintf("Failed to purge %s %s: %s", kind, describe(candidate), err))
				errs = errors.Join(errs, err)
				continue
			}
			slog.Info(fmt.Sprintf("Purged %s %s", kind, describe(candidate)))
			removed++
		}
		purged += removed
		if len(candidates) < purgeBatchSize || removed == 0 {
			return purged, errs
		}
	}
}

// PurgeRecords removes rejected series without stored objects, then studies that lost every
// storage group and object, and finally patients without studies.
func (d *Deleter) PurgeRecords(ctx context.Context) (*PurgeResult, error) {
	ctx, span := d.tracer.Start(ctx, "Deleter.Purge")
	var errs error
	defer func() { endSpan(span, errs) }()

	result := &PurgeResult{}
	var err error
	result.Series, err = purgeBatches(ctx, d, "rejected series", d.repos.Series.FindRejectedSeriesWithoutLocations,
		func(s series.Entity) string { return s.SeriesInstanceUid },
		func(ctx context.Context, tx *sql.Tx, s series.Entity) error { return d.deleteSeriesTree(ctx, tx, *s.Id) })
	errs = errors.Join(errs, err)

	result.Studies, err = purgeBatches(ctx, d, "study", d.repos.Study.FindStudiesWithoutStorageGroupAndLocations,
		func(s study.Entity) string { return s.StudyInstanceUid },
		func(ctx context.Context, tx *sql.Tx, s study.Entity) error { return d.deleteStudyTree(ctx, tx, *s.Id) })
	errs = errors.Join(errs, err)

	result.Patients, err = purgeBatches(ctx, d, "patient", d.repos.Patient.FindPatientsWithoutStudies,
		func(p patient.Entity) string { return p.PatientId },
		func(ctx context.Context, tx *sql.Tx, p patient.Entity) error {
			return d.repos.Patient.DeletePatientById(ctx, tx, *p.Id)
		})
	errs = errors.Join(errs, err)
	return result, errs
}

func (d *Deleter) Purge(ctx context.Context) error {
	_, err := d.PurgeRecords(ctx)
	return err
}
