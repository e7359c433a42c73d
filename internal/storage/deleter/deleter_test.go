package deleter

import (
	"bytes"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/dataset"
	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository"
	locationEntity "github.com/jdillenkofer/pacsarc/internal/storage/database/repository/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/metadatastore"
	"github.com/jdillenkofer/pacsarc/internal/storage/retention"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem/inmemory"
	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/jdillenkofer/pacsarc/internal/testing/testdb"
	"github.com/jdillenkofer/pacsarc/internal/workqueue"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
)

const (
	groupId  = "G1"
	systemId = "mem1"
)

var _ retention.DeleteScheduler = (*Deleter)(nil)
var _ retention.Purger = (*Deleter)(nil)

type fixture struct {
	db       database.Database
	repos    *repository.Repositories
	store    *metadatastore.MetadataStore
	provider storagesystem.Provider
	registry *storagesystem.Registry
	deleter  *Deleter
}

func setup(t *testing.T) *fixture {
	return setupWithCapacity(t, 1<<20, "")
}

func setupWithCapacity(t *testing.T, capacity int64, minFreeSpace string) *fixture {
	db := testdb.Open(t)
	repos, err := repository.NewRepositories(db)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	provider, err := inmemory.New(capacity)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	registry := storagesystem.NewRegistry(time.Minute)
	if !assert.Nil(t, registry.Register(&storagesystem.System{SystemId: systemId, GroupId: groupId, MinFreeSpace: minFreeSpace, Provider: provider})) {
		t.FailNow()
	}
	deleter, err := New(db, repos, registry, workqueue.NewMemoryQueue(), workqueue.PoolOptions{
		Workers:       1,
		PollInterval:  10 * time.Millisecond,
		LeaseDuration: time.Minute,
		RetryDelay:    10 * time.Millisecond,
		MaxAttempts:   3,
	}, nil)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	return &fixture{db: db, repos: repos, store: metadatastore.New(repos), provider: provider, registry: registry, deleter: deleter}
}

func newDataset(studyUid string, sopUid string) *dataset.Dataset {
	ds := dataset.New()
	ds.Set(dataset.PatientID, "LO", "PID1")
	ds.Set(dataset.StudyInstanceUID, "UI", studyUid)
	ds.Set(dataset.SeriesInstanceUID, "UI", studyUid+".1")
	ds.Set(dataset.SOPInstanceUID, "UI", sopUid)
	ds.Set(dataset.SOPClassUID, "UI", "1.2.840.10008.5.1.4.1.1.2")
	return ds
}

func (f *fixture) put(t *testing.T, path string) {
	f.putSized(t, path, 4)
}

func (f *fixture) putSized(t *testing.T, path string, size int) {
	assert.Nil(t, f.provider.Put(context.Background(), path, bytes.NewReader(bytes.Repeat([]byte("D"), size))))
}

// storeInstance records an instance and, unless l is nil, attaches l to it.
func (f *fixture) storeInstance(t *testing.T, studyUid string, sopUid string, l *locationEntity.Entity) *metadatastore.Instance {
	ctx := context.Background()
	var aggregate *metadatastore.Instance
	err := database.RunInTx(ctx, f.db, false, func(tx *sql.Tx) error {
		var err error
		aggregate, err = f.store.CreateInstance(ctx, tx, newDataset(studyUid, sopUid), "MODALITY")
		if err != nil || l == nil {
			return err
		}
		return location.NewManager(f.repos.Location).Attach(ctx, tx, *aggregate.Instance.Id, l)
	})
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	return aggregate
}

func (f *fixture) deleteInstance(t *testing.T, aggregate *metadatastore.Instance) {
	ctx := context.Background()
	assert.Nil(t, database.RunInTx(ctx, f.db, false, func(tx *sql.Tx) error {
		return f.store.DeleteInstance(ctx, tx, aggregate)
	}))
}

func (f *fixture) findLocation(t *testing.T, id ulid.ULID) *locationEntity.Entity {
	ctx := context.Background()
	var l *locationEntity.Entity
	assert.Nil(t, database.RunInTx(ctx, f.db, true, func(tx *sql.Tx) error {
		var err error
		l, err = f.repos.Location.FindLocationById(ctx, tx, id)
		return err
	}))
	return l
}

func (f *fixture) exists(t *testing.T, path string) bool {
	reader, err := f.provider.OpenRead(context.Background(), path)
	if err != nil {
		assert.ErrorIs(t, err, storagesystem.ErrObjectNotFound)
		return false
	}
	reader.Close()
	return true
}

func newLocation(path string, entryName *string) *locationEntity.Entity {
	return &locationEntity.Entity{StorageGroupId: groupId, StorageSystemId: systemId, StoragePath: path, EntryName: entryName, Size: 4}
}

func TestDoDeleteBatchDeletesOrphanedObject(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	f := setup(t)
	l := newLocation("a", nil)
	aggregate := f.storeInstance(t, "1.1", "1.1.1.1", l)
	f.put(t, "a")
	f.deleteInstance(t, aggregate)

	result, err := f.deleter.DoDeleteBatch(ctx, []ulid.ULID{*l.Id}, false)
	assert.Nil(t, err)
	assert.Equal(t, StatusCompleteSuccess, result.Status)
	assert.Equal(t, []ulid.ULID{*l.Id}, result.Deleted)
	assert.Empty(t, result.Failed)
	assert.False(t, f.exists(t, "a"))
	assert.Nil(t, f.findLocation(t, *l.Id))
}

func TestDoDeleteBatchRefusesReferencedLocation(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	f := setup(t)
	l := newLocation("a", nil)
	f.storeInstance(t, "1.1", "1.1.1.1", l)
	f.put(t, "a")

	result, err := f.deleter.DoDeleteBatch(ctx, []ulid.ULID{*l.Id}, false)
	assert.Nil(t, err)
	assert.Equal(t, StatusFailuresPresent, result.Status)
	assert.Equal(t, []ulid.ULID{*l.Id}, result.Failed)
	assert.True(t, f.exists(t, "a"))
	stored := f.findLocation(t, *l.Id)
	if assert.NotNil(t, stored) {
		assert.Equal(t, locationEntity.StatusDeleteFailed, stored.Status)
	}
}

func TestDoDeleteToleratesMissingObject(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	l := newLocation("gone", nil)
	aggregate := f.storeInstance(t, "1.1", "1.1.1.1", l)
	f.deleteInstance(t, aggregate)

	assert.True(t, f.deleter.DoDelete(context.Background(), f.findLocation(t, *l.Id)))
	assert.Nil(t, f.findLocation(t, *l.Id))
}

func TestDoDeleteBatchUnknownLocations(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	result, err := f.deleter.DoDeleteBatch(context.Background(), []ulid.ULID{ulid.Make()}, false)
	assert.Nil(t, err)
	assert.Equal(t, StatusCriteriaNotMet, result.Status)
	assert.Empty(t, result.Deleted)
}

func TestDoDeleteBatchKeepsSharedContainer(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	f := setup(t)
	entries := []string{"e1", "e2", "e3"}
	locations := []*locationEntity.Entity{}
	for i, sopUid := range []string{"1.1.1.1", "1.1.1.2", "1.1.1.3"} {
		l := newLocation("container.zip", &entries[i])
		aggregate := f.storeInstance(t, "1.1", sopUid, l)
		f.deleteInstance(t, aggregate)
		locations = append(locations, l)
	}
	f.put(t, "container.zip")

	// the third entry still refers to the container
	result, err := f.deleter.DoDeleteBatch(ctx, []ulid.ULID{*locations[0].Id, *locations[1].Id}, false)
	assert.Nil(t, err)
	assert.Equal(t, StatusCompleteSuccess, result.Status)
	assert.ElementsMatch(t, []ulid.ULID{*locations[0].Id, *locations[1].Id}, result.Deleted)
	assert.True(t, f.exists(t, "container.zip"))
	assert.Nil(t, f.findLocation(t, *locations[0].Id))
	assert.NotNil(t, f.findLocation(t, *locations[2].Id))

	result, err = f.deleter.DoDeleteBatch(ctx, []ulid.ULID{*locations[2].Id}, false)
	assert.Nil(t, err)
	assert.Equal(t, StatusCompleteSuccess, result.Status)
	assert.False(t, f.exists(t, "container.zip"))
	assert.Nil(t, f.findLocation(t, *locations[2].Id))
}

func TestDoDeleteBatchRestoresFullStorageSystem(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	f := setup(t)
	l := newLocation("a", nil)
	aggregate := f.storeInstance(t, "1.1", "1.1.1.1", l)
	f.put(t, "a")
	f.deleteInstance(t, aggregate)
	f.registry.SetStatus(systemId, storagesystem.StatusFull)
	f.registry.SetDirty(systemId, true)

	_, err := f.deleter.DoDeleteBatch(ctx, []ulid.ULID{*l.Id}, false)
	assert.Nil(t, err)
	assert.Equal(t, storagesystem.StatusOK, f.registry.Status(systemId))
	assert.False(t, f.registry.IsDirty(systemId))
}

func TestDoDeleteBatchKeepsFullStorageSystemUntilEnoughSpaceIsFreed(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	f := setupWithCapacity(t, 1000, "500 B")
	big := newLocation("big", nil)
	big.Size = 600
	small := newLocation("small", nil)
	f.deleteInstance(t, f.storeInstance(t, "1.1", "1.1.1.1", big))
	f.deleteInstance(t, f.storeInstance(t, "1.2", "1.2.1.1", small))
	f.putSized(t, "big", 600)
	f.put(t, "small")

	writable, err := f.registry.IsWritable(ctx, systemId)
	assert.Nil(t, err)
	assert.False(t, writable)
	assert.Equal(t, storagesystem.StatusFull, f.registry.Status(systemId))
	assert.True(t, f.registry.IsDirty(systemId))

	// 400 bytes usable are still below the minimum free space
	result, err := f.deleter.DoDeleteBatch(ctx, []ulid.ULID{*small.Id}, false)
	assert.Nil(t, err)
	assert.Equal(t, StatusCompleteSuccess, result.Status)
	assert.False(t, f.exists(t, "small"))
	assert.Equal(t, storagesystem.StatusFull, f.registry.Status(systemId))
	assert.True(t, f.registry.IsDirty(systemId))

	result, err = f.deleter.DoDeleteBatch(ctx, []ulid.ULID{*big.Id}, false)
	assert.Nil(t, err)
	assert.Equal(t, StatusCompleteSuccess, result.Status)
	assert.Equal(t, storagesystem.StatusOK, f.registry.Status(systemId))
	assert.False(t, f.registry.IsDirty(systemId))
}

func TestDoDeleteBatchHonoursMarkedStudies(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	f := setup(t)
	tracker := retention.New(f.db, f.repos)
	marked := newLocation("marked", nil)
	kept := newLocation("kept", nil)
	markedInstance := f.storeInstance(t, "1.1", "1.1.1.1", marked)
	f.storeInstance(t, "1.2", "1.2.1.1", kept)
	f.put(t, "marked")
	f.put(t, "kept")
	for _, studyUid := range []string{"1.1", "1.2"} {
		_, err := tracker.FindOrCreateByStudyInstanceUid(ctx, studyUid, groupId)
		assert.Nil(t, err)
	}
	assert.Nil(t, tracker.MarkForDeletion(ctx, "1.1", groupId))

	result, err := f.deleter.DoDeleteBatch(ctx, []ulid.ULID{*marked.Id, *kept.Id}, true)
	assert.Nil(t, err)
	assert.Equal(t, StatusCompleteSuccess, result.Status)
	assert.Equal(t, []ulid.ULID{*marked.Id}, result.Deleted)
	assert.False(t, f.exists(t, "marked"))
	assert.True(t, f.exists(t, "kept"))

	assert.Nil(t, database.RunInTx(ctx, f.db, true, func(tx *sql.Tx) error {
		i, err := f.repos.Instance.FindInstanceById(ctx, tx, *markedInstance.Instance.Id)
		assert.Nil(t, i)
		return err
	}))
	assert.Nil(t, database.RunInTx(ctx, f.db, true, func(tx *sql.Tx) error {
		membership, err := f.repos.StudyOnStorageGroup.FindStudyOnStorageGroupByStudyInstanceUidAndStorageGroupId(ctx, tx, "1.1", groupId)
		assert.Nil(t, membership)
		return err
	}))
	isMarked, err := tracker.IsMarkedForDeletion(ctx, "1.2", groupId)
	assert.Nil(t, err)
	assert.False(t, isMarked)
}

func TestPurgeRecords(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	f := setup(t)
	f.storeInstance(t, "1.1", "1.1.1.1", nil)
	stored := f.storeInstance(t, "1.2", "1.2.1.1", newLocation("a", nil))
	assert.Nil(t, database.RunInTx(ctx, f.db, false, func(tx *sql.Tx) error {
		s, err := f.repos.Series.FindSeriesBySeriesInstanceUid(ctx, tx, "1.1.1")
		if err != nil {
			return err
		}
		s.Rejected = true
		return f.repos.Series.SaveSeries(ctx, tx, s)
	}))

	result, err := f.deleter.PurgeRecords(ctx)
	assert.Nil(t, err)
	assert.Equal(t, &PurgeResult{Series: 1, Studies: 1, Patients: 0}, result)

	f.deleteInstance(t, stored)
	result, err = f.deleter.PurgeRecords(ctx)
	assert.Nil(t, err)
	assert.Equal(t, &PurgeResult{Series: 0, Studies: 1, Patients: 1}, result)

	assert.Nil(t, database.RunInTx(ctx, f.db, true, func(tx *sql.Tx) error {
		p, err := f.repos.Patient.FindPatientByPatientIdAndIssuer(ctx, tx, "PID1", "")
		assert.Nil(t, p)
		return err
	}))
}

func TestScheduledDeletesAreProcessed(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	f := setup(t)
	l := newLocation("a", nil)
	aggregate := f.storeInstance(t, "1.1", "1.1.1.1", l)
	f.put(t, "a")
	f.deleteInstance(t, aggregate)

	assert.Nil(t, f.deleter.Start(ctx))
	assert.NotNil(t, f.deleter.Start(ctx))
	assert.Nil(t, f.deleter.ScheduleDelete(ctx, []ulid.ULID{*l.Id}, 0, false))
	assert.Eventually(t, func() bool { return !f.exists(t, "a") }, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, f.deleter.Stop(ctx))
	assert.NotNil(t, f.deleter.Stop(ctx))
}

func TestProcessDueRunsScheduledDeletesWithoutWorkers(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	f := setup(t)
	l := newLocation("a", nil)
	aggregate := f.storeInstance(t, "1.1", "1.1.1.1", l)
	f.put(t, "a")
	f.deleteInstance(t, aggregate)

	assert.Nil(t, f.deleter.ScheduleDelete(ctx, []ulid.ULID{*l.Id}, 0, false))
	processed, err := f.deleter.ProcessDue(ctx)
	assert.Nil(t, err)
	assert.Equal(t, 1, processed)
	assert.False(t, f.exists(t, "a"))
}
