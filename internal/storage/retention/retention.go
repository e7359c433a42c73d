// Package retention tracks which studies live on which storage group and when they were last touched there.
package retention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/instance"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/study"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/studyonstoragegroup"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrNotFound = errors.New("study is not on storage group")

type Tracker struct {
	db                            database.Database
	studyRepository               study.Repository
	studyOnStorageGroupRepository studyonstoragegroup.Repository
	instanceRepository            instance.Repository
	locationRepository            location.Repository
	claims                        *claimRegistry
	now                           func() time.Time
	tracer                        trace.Tracer
}

func New(db database.Database, repos *repository.Repositories) *Tracker {
	return &Tracker{
		db:                            db,
		studyRepository:               repos.Study,
		studyOnStorageGroupRepository: repos.StudyOnStorageGroup,
		instanceRepository:            repos.Instance,
		locationRepository:            repos.Location,
		claims:                        newClaimRegistry(),
		now:                           time.Now,
		tracer:                        otel.Tracer("internal/storage/retention"),
	}
}

func (t *Tracker) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "Tracker."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func laterOf(a time.Time, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// touch moves the access time of an existing membership forward and clears its deletion mark.
func (t *Tracker) touch(ctx context.Context, studyId ulid.ULID, storageGroupId string) (*studyonstoragegroup.Entity, error) {
	var membership *studyonstoragegroup.Entity
	err := database.RunInTx(ctx, t.db, false, func(tx *sql.Tx) error {
		var err error
		membership, err = t.studyOnStorageGroupRepository.FindStudyOnStorageGroupByStudyIdAndStorageGroupId(ctx, tx, studyId, storageGroupId)
		if err != nil || membership == nil {
			return err
		}
		membership.AccessTime = laterOf(membership.AccessTime, t.now())
		membership.MarkedForDeletion = false
		return t.studyOnStorageGroupRepository.SaveStudyOnStorageGroup(ctx, tx, membership)
	})
	if err != nil {
		return nil, err
	}
	return membership, nil
}

func (t *Tracker) find(ctx context.Context, studyId ulid.ULID, storageGroupId string) (*studyonstoragegroup.Entity, error) {
	var membership *studyonstoragegroup.Entity
	err := database.RunInTx(ctx, t.db, true, func(tx *sql.Tx) error {
		var err error
		membership, err = t.studyOnStorageGroupRepository.FindStudyOnStorageGroupByStudyIdAndStorageGroupId(ctx, tx, studyId, storageGroupId)
		return err
	})
	return membership, err
}

func (t *Tracker) create(ctx context.Context, studyId ulid.ULID, storageGroupId string) (*studyonstoragegroup.Entity, error) {
	membership := &studyonstoragegroup.Entity{
		StudyId:           studyId,
		StorageGroupId:    storageGroupId,
		AccessTime:        t.now(),
		MarkedForDeletion: false,
	}
	err := database.RunInTx(ctx, t.db, false, func(tx *sql.Tx) error {
		return t.studyOnStorageGroupRepository.SaveStudyOnStorageGroup(ctx, tx, membership)
	})
	if err != nil {
		return nil, err
	}
	return membership, nil
}

// FindOrCreate touches the membership of studyEntity in storageGroupId, creating it on first use.
// Concurrent callers in this process share one creation, callers in other processes are
// arbitrated by the unique constraint and fall back to reading the winner's row.
func (t *Tracker) FindOrCreate(ctx context.Context, studyEntity *study.Entity, storageGroupId string) (membership *studyonstoragegroup.Entity, err error) {
	ctx, span := t.startSpan(ctx, "FindOrCreate", attribute.String("pacsarc.study", studyEntity.StudyInstanceUid), attribute.String("pacsarc.storage_group", storageGroupId))
	defer func() { endSpan(span, err) }()

	membership, err = t.touch(ctx, *studyEntity.Id, storageGroupId)
	if err != nil || membership != nil {
		return membership, err
	}

	key := claimKey(studyEntity.StudyInstanceUid, storageGroupId)
	c, owner := t.claims.acquire(key)
	if !owner {
		slog.Debug(fmt.Sprintf("Another caller is creating study on storage group %s, waiting", key))
		select {
		case <-c.done:
			return c.membership, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	membership, err = t.create(ctx, *studyEntity.Id, storageGroupId)
	if err != nil {
		slog.Warn(fmt.Sprintf("Creating study on storage group %s failed, looking it up again: %s", key, err))
		var findErr error
		membership, findErr = t.find(ctx, *studyEntity.Id, storageGroupId)
		switch {
		case findErr != nil:
			err = errors.Join(err, findErr)
		case membership != nil:
			err = nil
		}
	}
	waiters := t.claims.resolve(key, c, membership, err)
	if err == nil {
		slog.Debug(fmt.Sprintf("Created study on storage group %s, %d callers were waiting", key, waiters))
	}
	return membership, err
}

// FindOrCreateByStudyInstanceUid is FindOrCreate for a study given by uid. Unknown studies yield nil.
func (t *Tracker) FindOrCreateByStudyInstanceUid(ctx context.Context, studyInstanceUid string, storageGroupId string) (*studyonstoragegroup.Entity, error) {
	var studyEntity *study.Entity
	err := database.RunInTx(ctx, t.db, true, func(tx *sql.Tx) error {
		var err error
		studyEntity, err = t.studyRepository.FindStudyByStudyInstanceUid(ctx, tx, studyInstanceUid)
		return err
	})
	if err != nil {
		return nil, err
	}
	if studyEntity == nil {
		slog.Warn(fmt.Sprintf("Unable to find study %s", studyInstanceUid))
		return nil, nil
	}
	return t.FindOrCreate(ctx, studyEntity, storageGroupId)
}

// MarkForDeletion flags the study on storageGroupId and refreshes its access time.
func (t *Tracker) MarkForDeletion(ctx context.Context, studyInstanceUid string, storageGroupId string) (err error) {
	ctx, span := t.startSpan(ctx, "MarkForDeletion", attribute.String("pacsarc.study", studyInstanceUid), attribute.String("pacsarc.storage_group", storageGroupId))
	defer func() { endSpan(span, err) }()

	return database.RunInTx(ctx, t.db, false, func(tx *sql.Tx) error {
		membership, err := t.studyOnStorageGroupRepository.FindStudyOnStorageGroupByStudyInstanceUidAndStorageGroupId(ctx, tx, studyInstanceUid, storageGroupId)
		if err != nil {
			return err
		}
		if membership == nil {
			return fmt.Errorf("%w: %s@%s", ErrNotFound, studyInstanceUid, storageGroupId)
		}
		membership.AccessTime = laterOf(membership.AccessTime, t.now())
		membership.MarkedForDeletion = true
		return t.studyOnStorageGroupRepository.SaveStudyOnStorageGroup(ctx, tx, membership)
	})
}

func (t *Tracker) IsMarkedForDeletion(ctx context.Context, studyInstanceUid string, storageGroupId string) (bool, error) {
	marked := false
	err := database.RunInTx(ctx, t.db, true, func(tx *sql.Tx) error {
		membership, err := t.studyOnStorageGroupRepository.FindStudyOnStorageGroupByStudyInstanceUidAndStorageGroupId(ctx, tx, studyInstanceUid, storageGroupId)
		if err != nil {
			return err
		}
		marked = membership != nil && membership.MarkedForDeletion
		return nil
	})
	return marked, err
}

// DueDate is the access time before which a study has outlived a retention of value units.
func DueDate(now time.Time, value int64, unit string) time.Time {
	return now.Add(-time.Duration(value) * config.UnitDuration(unit))
}

// FindInstancesDueDelete lists the unrejected instances of unmarked studies on storageGroupId that were
// last accessed strictly before now minus the retention, least recently accessed first.
// A limit of zero or less returns every due instance.
func (t *Tracker) FindInstancesDueDelete(ctx context.Context, retentionValue int64, retentionUnit string, storageGroupId string, studyInstanceUid *string, seriesInstanceUid *string, limit int) (instances []instance.DueEntity, err error) {
	ctx, span := t.startSpan(ctx, "FindInstancesDueDelete", attribute.String("pacsarc.storage_group", storageGroupId))
	defer func() { endSpan(span, err) }()

	dueDate := DueDate(t.now(), retentionValue, retentionUnit)
	err = database.RunInTx(ctx, t.db, true, func(tx *sql.Tx) error {
		var err error
		instances, err = t.instanceRepository.FindInstancesDueDelete(ctx, tx, dueDate, storageGroupId, studyInstanceUid, seriesInstanceUid, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("pacsarc.instances", len(instances)))
	return instances, nil
}

// FindFailedToDeleteLocations returns the DELETE_FAILED locations of storageGroupId.
func (t *Tracker) FindFailedToDeleteLocations(ctx context.Context, storageGroupId string) ([]location.Entity, error) {
	var locations []location.Entity
	err := database.RunInTx(ctx, t.db, true, func(tx *sql.Tx) error {
		var err error
		locations, err = t.locationRepository.FindLocationsByStorageGroupIdAndStatus(ctx, tx, storageGroupId, location.StatusDeleteFailed)
		return err
	})
	return locations, err
}

// CalculateDataVolumePerDay averages the bytes written to storageGroupId over the last windowDays days.
func (t *Tracker) CalculateDataVolumePerDay(ctx context.Context, storageGroupId string, windowDays int) (int64, error) {
	if windowDays <= 0 {
		return 0, nil
	}
	createdAfter := t.now().Add(-time.Duration(windowDays) * 24 * time.Hour)
	var sum *int64
	err := database.RunInTx(ctx, t.db, true, func(tx *sql.Tx) error {
		var err error
		sum, err = t.locationRepository.SumSizeByStorageGroupIdCreatedAfter(ctx, tx, storageGroupId, createdAfter)
		return err
	})
	if err != nil {
		return 0, err
	}
	if sum == nil {
		return 0, nil
	}
	return *sum / int64(windowDays), nil
}

// FindLocationIdsOnGroup collects the distinct locations of instanceIds that live on storageGroupId.
func (t *Tracker) FindLocationIdsOnGroup(ctx context.Context, instanceIds []ulid.ULID, storageGroupId string) ([]ulid.ULID, error) {
	locationIds := []ulid.ULID{}
	seen := map[ulid.ULID]struct{}{}
	err := database.RunInTx(ctx, t.db, true, func(tx *sql.Tx) error {
		for _, instanceId := range instanceIds {
			locations, err := t.locationRepository.FindLocationsByInstanceId(ctx, tx, instanceId)
			if err != nil {
				return err
			}
			for _, l := range locations {
				if l.StorageGroupId != storageGroupId {
					continue
				}
				if _, ok := seen[*l.Id]; ok {
					continue
				}
				seen[*l.Id] = struct{}{}
				locationIds = append(locationIds, *l.Id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locationIds, nil
}
