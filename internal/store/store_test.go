package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/dataset"
	"github.com/jdillenkofer/pacsarc/internal/ptrutils"
	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository"
	locationEntity "github.com/jdillenkofer/pacsarc/internal/storage/database/repository/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/series"
	"github.com/jdillenkofer/pacsarc/internal/storage/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/metadatastore"
	"github.com/jdillenkofer/pacsarc/internal/storage/retention"
	"github.com/jdillenkofer/pacsarc/internal/storage/selector"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem/factory"
	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/jdillenkofer/pacsarc/internal/testing/testdb"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
)

const archiveYaml = `
storageSystemGroups:
  - groupId: G1
    groupType: ONLINE
    storagePathFormat: "{studyUID}/{sopUID}"
    storageSystems:
      - systemId: mem1
        type: inmemory
        inmemory:
          capacity: "1 MiB"
  - groupId: FULL
    groupType: NEARLINE
    storageSystems:
      - systemId: full1
        type: inmemory
        readOnly: true
  - groupId: META
    groupType: METADATA
    storagePathFormat: "{studyUID}/{sopUID}"
    metadataPathFormat: "{studyUID}/{sopUID}.meta"
    storageSystems:
      - systemId: meta1
        type: inmemory
archiveAEs:
  - aeTitle: ARCHIVE
    storageSystemGroupId: G1
  - aeTitle: CHECK
    storageSystemGroupId: G1
    checkNonDbAttributesOnStorage: true
  - aeTitle: IGNORE
    storageSystemGroupId: G1
    ignoreDuplicatesOnStorage: true
  - aeTitle: META
    storageSystemGroupId: G1
    metadataStorageSystemGroupId: META
  - aeTitle: NEARLINE
    storageSystemGroupId: FULL
`

// cborReader parses objects written by encodeObject.
type cborReader struct {
	err error
}

func (r *cborReader) Read(reader io.Reader, size int64) (*dataset.Dataset, error) {
	if r.err != nil {
		return nil, r.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return dataset.Unmarshal(data)
}

type recordingScheduler struct {
	mu          sync.Mutex
	locationIds []ulid.ULID
}

func (s *recordingScheduler) ScheduleDelete(ctx context.Context, locationIds []ulid.ULID, delay time.Duration, checkGroupMarked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locationIds = append(s.locationIds, locationIds...)
	return nil
}

type recordingListener struct {
	actions []Action
}

func (l *recordingListener) OnStore(ctx context.Context, sc *Context) {
	l.actions = append(l.actions, sc.Action)
}

type fixture struct {
	db        database.Database
	repos     *repository.Repositories
	registry  *storagesystem.Registry
	tracker   *retention.Tracker
	scheduler *recordingScheduler
	listener  *recordingListener
	reader    *cborReader
	service   *Service
}

// setup builds a service on a fresh database. wrapRepos may replace repositories before the service uses them.
func setup(t *testing.T, wrapRepos ...func(repos *repository.Repositories)) *fixture {
	ctx := context.Background()
	archive, err := config.ParseArchiveYaml([]byte(archiveYaml))
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	registry, err := factory.CreateRegistry(ctx, archive, nil)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	sel, err := selector.New(archive, registry)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	db := testdb.Open(t)
	repos, err := repository.NewRepositories(db)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	for _, wrap := range wrapRepos {
		wrap(repos)
	}
	f := &fixture{
		db:        db,
		repos:     repos,
		registry:  registry,
		tracker:   retention.New(db, repos),
		scheduler: &recordingScheduler{},
		listener:  &recordingListener{},
		reader:    &cborReader{},
	}
	f.service = New(archive, db, repos, sel, registry, f.reader, f.scheduler,
		[]Interceptor{NewRetentionInterceptor(f.tracker)},
		[]Listener{f.listener, LoggingListener{}})
	return f
}

func newDataset(sopUid string, patientName string, privateValue string) *dataset.Dataset {
	ds := dataset.New()
	ds.Set(dataset.PatientID, "LO", "PID1")
	ds.Set(dataset.PatientName, "PN", patientName)
	ds.Set(dataset.StudyInstanceUID, "UI", "1.1")
	ds.Set(dataset.SeriesInstanceUID, "UI", "1.1.1")
	ds.Set(dataset.SOPInstanceUID, "UI", sopUid)
	ds.Set(dataset.SOPClassUID, "UI", "1.2.840.10008.5.1.4.1.1.2")
	ds.Set(dataset.NewTag(0x0009, 0x1001), "LO", privateValue)
	return ds
}

func encodeObject(t *testing.T, ds *dataset.Dataset) []byte {
	data, err := dataset.Marshal(ds)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	return data
}

func (f *fixture) ingest(t *testing.T, localAET string, remoteAET string, ds *dataset.Dataset) (*Context, error) {
	ctx := context.Background()
	session, err := f.service.CreateSession(ctx, localAET, remoteAET)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	defer session.Close()
	return f.service.Ingest(ctx, session, bytes.NewReader(encodeObject(t, ds)))
}

func (f *fixture) provider(t *testing.T, systemId string) storagesystem.Provider {
	provider, err := f.registry.Provider(systemId)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	return provider
}

func (f *fixture) exists(t *testing.T, systemId string, path string) bool {
	reader, err := f.provider(t, systemId).OpenRead(context.Background(), path)
	if err != nil {
		assert.ErrorIs(t, err, storagesystem.ErrObjectNotFound)
		return false
	}
	reader.Close()
	return true
}

func (f *fixture) findInstance(t *testing.T, sopUid string) *metadatastore.Instance {
	ctx := context.Background()
	var aggregate *metadatastore.Instance
	assert.Nil(t, database.RunInTx(ctx, f.db, true, func(tx *sql.Tx) error {
		var err error
		aggregate, err = metadatastore.New(f.repos).FindInstance(ctx, tx, sopUid)
		return err
	}))
	return aggregate
}

func TestDecide(t *testing.T) {
	testutils.SkipIfIntegration(t)
	remote := "MODALITY"
	withLocation := func(sourceAET string, digest string, otherDigest string) *metadatastore.Instance {
		return &metadatastore.Instance{
			Series: &series.Entity{SourceAET: &sourceAET},
			Locations: []locationEntity.Entity{
				{Digest: ptrutils.ToPtr(digest), OtherAttributesDigest: ptrutils.ToPtr(otherDigest)},
			},
		}
	}
	plain := &config.ArchiveAE{}
	check := &config.ArchiveAE{CheckNonDbAttributesOnStorage: true}
	ignore := &config.ArchiveAE{IgnoreDuplicatesOnStorage: true}

	testCases := []struct {
		name        string
		existing    *metadatastore.Instance
		spoolDigest string
		otherDigest *string
		ae          *config.ArchiveAE
		expected    Action
	}{
		{"new instance", nil, "a", nil, plain, ActionStore},
		{"no location", &metadatastore.Instance{Series: &series.Entity{SourceAET: &remote}}, "a", nil, ignore, ActionRestore},
		{"ignore duplicates", withLocation(remote, "x", "y"), "a", nil, ignore, ActionIgnore},
		{"other source", withLocation("OTHER", "x", "y"), "a", nil, plain, ActionIgnore},
		{"same digest", withLocation(remote, "a", "y"), "a", nil, plain, ActionIgnore},
		{"same other digest", withLocation(remote, "x", "y"), "a", ptrutils.ToPtr("y"), check, ActionUpdateDB},
		{"other digest ignored without check", withLocation(remote, "x", "y"), "a", ptrutils.ToPtr("y"), plain, ActionReplace},
		{"changed", withLocation(remote, "x", "y"), "a", ptrutils.ToPtr("z"), check, ActionReplace},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.expected, Decide(testCase.existing, remote, testCase.spoolDigest, testCase.otherDigest, testCase.ae))
		})
	}
}

func TestClassify(t *testing.T) {
	testutils.SkipIfIntegration(t)
	assert.ErrorIs(t, classify(selector.ErrNoWritableStorageSystem), ErrResourceExhausted)
	assert.ErrorIs(t, classify(config.ErrUnknownArchiveAE), ErrConfiguration)
	assert.ErrorIs(t, classify(database.ErrOptimisticLock), ErrConflict)
	assert.ErrorIs(t, classify(errors.New("boom")), ErrProcessing)
	conflict := classify(database.ErrOptimisticLock)
	assert.Same(t, conflict, classify(conflict))
	assert.Nil(t, classify(nil))
}

func TestIngestStoresNewObject(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	sc, err := f.ingest(t, "ARCHIVE", "MODALITY", newDataset("1.1.1.1", "Doe^John", "a"))
	assert.Nil(t, err)
	assert.Equal(t, ActionStore, sc.Action)
	assert.Equal(t, "1.1/1.1.1.1", sc.StoragePath)
	if assert.NotNil(t, sc.Location) {
		assert.Equal(t, "G1", sc.Location.StorageGroupId)
		assert.Equal(t, sc.SpoolFile.Digest, *sc.Location.Digest)
	}
	assert.True(t, f.exists(t, "mem1", "1.1/1.1.1.1"))
	_, err = os.Stat(sc.SpoolFile.Path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []Action{ActionStore}, f.listener.actions)

	membership, err := f.tracker.FindOrCreateByStudyInstanceUid(context.Background(), "1.1", "G1")
	assert.Nil(t, err)
	assert.NotNil(t, membership)
}

func TestIngestIgnoresIdenticalDuplicate(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	ds := newDataset("1.1.1.1", "Doe^John", "a")
	_, err := f.ingest(t, "ARCHIVE", "MODALITY", ds)
	assert.Nil(t, err)

	sc, err := f.ingest(t, "ARCHIVE", "MODALITY", ds)
	assert.Nil(t, err)
	assert.Equal(t, ActionIgnore, sc.Action)
	assert.Nil(t, sc.Location)
	// the second copy landed on a suffixed path and is gone again
	assert.Equal(t, "1.1/1.1.1.1.1", sc.StoragePath)
	assert.False(t, f.exists(t, "mem1", "1.1/1.1.1.1.1"))
	assert.True(t, f.exists(t, "mem1", "1.1/1.1.1.1"))
	assert.Len(t, f.findInstance(t, "1.1.1.1").Locations, 1)
}

func TestIngestIgnoresOtherSource(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	_, err := f.ingest(t, "ARCHIVE", "MODALITY", newDataset("1.1.1.1", "Doe^John", "a"))
	assert.Nil(t, err)
	sc, err := f.ingest(t, "ARCHIVE", "OTHER", newDataset("1.1.1.1", "Doe^John", "b"))
	assert.Nil(t, err)
	assert.Equal(t, ActionIgnore, sc.Action)
	assert.Empty(t, f.scheduler.locationIds)
}

func TestIngestReplacesChangedObject(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	first, err := f.ingest(t, "ARCHIVE", "MODALITY", newDataset("1.1.1.1", "Doe^John", "a"))
	assert.Nil(t, err)

	sc, err := f.ingest(t, "ARCHIVE", "MODALITY", newDataset("1.1.1.1", "Doe^John", "b"))
	assert.Nil(t, err)
	assert.Equal(t, ActionReplace, sc.Action)
	assert.Equal(t, []ulid.ULID{*first.Location.Id}, f.scheduler.locationIds)
	assert.NotEqual(t, *first.Instance.Instance.Id, *sc.Instance.Instance.Id)

	stored := f.findInstance(t, "1.1.1.1")
	if assert.Len(t, stored.Locations, 1) {
		assert.Equal(t, "1.1/1.1.1.1.1", stored.Locations[0].StoragePath)
	}
	assert.True(t, f.exists(t, "mem1", "1.1/1.1.1.1.1"))
}

func TestIngestUpdatesDatabaseForUnchangedObject(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	first, err := f.ingest(t, "CHECK", "MODALITY", newDataset("1.1.1.1", "Doe^John", "a"))
	assert.Nil(t, err)
	if assert.NotNil(t, first.Location.OtherAttributesDigest) {
		assert.Equal(t, *first.NonPersistedDigest, *first.Location.OtherAttributesDigest)
	}

	sc, err := f.ingest(t, "CHECK", "MODALITY", newDataset("1.1.1.1", "Doe^Jane", "a"))
	assert.Nil(t, err)
	assert.Equal(t, ActionUpdateDB, sc.Action)
	assert.Nil(t, sc.Location)
	stored := f.findInstance(t, "1.1.1.1")
	assert.Equal(t, "Doe^Jane", *stored.Patient.PatientName)
	assert.Len(t, stored.Locations, 1)
}

func TestIngestRestoresObjectWithoutLocation(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	f := setup(t)
	ds := newDataset("1.1.1.1", "Doe^John", "a")
	first, err := f.ingest(t, "ARCHIVE", "MODALITY", ds)
	assert.Nil(t, err)
	assert.Nil(t, database.RunInTx(ctx, f.db, false, func(tx *sql.Tx) error {
		_, err := location.NewManager(f.repos.Location).Detach(ctx, tx, *first.Instance.Instance.Id, *first.Location.Id)
		return err
	}))

	sc, err := f.ingest(t, "ARCHIVE", "MODALITY", ds)
	assert.Nil(t, err)
	assert.Equal(t, ActionRestore, sc.Action)
	assert.NotNil(t, sc.Location)
	assert.Equal(t, *first.Instance.Instance.Id, *sc.Instance.Instance.Id)
	assert.Len(t, f.findInstance(t, "1.1.1.1").Locations, 1)
}

func TestIngestResetsDeleteFailedLocation(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	f := setup(t)
	ds := newDataset("1.1.1.1", "Doe^John", "a")
	first, err := f.ingest(t, "ARCHIVE", "MODALITY", ds)
	assert.Nil(t, err)
	assert.Nil(t, database.RunInTx(ctx, f.db, false, func(tx *sql.Tx) error {
		return location.NewManager(f.repos.Location).SetStatus(ctx, tx, first.Location, locationEntity.StatusDeleteFailed)
	}))

	sc, err := f.ingest(t, "ARCHIVE", "MODALITY", ds)
	assert.Nil(t, err)
	assert.Equal(t, ActionIgnore, sc.Action)
	stored := f.findInstance(t, "1.1.1.1")
	if assert.Len(t, stored.Locations, 1) {
		assert.Equal(t, locationEntity.StatusOK, stored.Locations[0].Status)
	}
}

func TestIngestWritesMetadataSidecar(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	f := setup(t)
	ds := newDataset("1.1.1.1", "Doe^John", "a")
	sc, err := f.ingest(t, "META", "MODALITY", ds)
	assert.Nil(t, err)
	assert.Equal(t, "1.1/1.1.1.1.meta", sc.MetadataStoragePath)

	reader, err := f.provider(t, "meta1").OpenRead(ctx, sc.MetadataStoragePath)
	if assert.Nil(t, err) {
		data, err := io.ReadAll(reader)
		reader.Close()
		assert.Nil(t, err)
		metadata, err := DecodeMetadata(data)
		assert.Nil(t, err)
		assert.Equal(t, "Doe^John", metadata.String(dataset.PatientName))
		assert.False(t, metadata.Contains(dataset.NewTag(0x0009, 0x1001)))
	}

	// a discarded duplicate takes its sidecar with it
	duplicate, err := f.ingest(t, "META", "MODALITY", ds)
	assert.Nil(t, err)
	assert.Equal(t, ActionIgnore, duplicate.Action)
	assert.Equal(t, "1.1/1.1.1.1.meta.1", duplicate.MetadataStoragePath)
	assert.False(t, f.exists(t, "meta1", duplicate.MetadataStoragePath))
	assert.True(t, f.exists(t, "meta1", sc.MetadataStoragePath))
}

func TestMetadataCodecIsSharedAcrossGoroutines(t *testing.T) {
	testutils.SkipIfIntegration(t)
	encoder, err := metadataEncoder()
	assert.Nil(t, err)
	decoder, err := metadataDecoder()
	assert.Nil(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			again, err := metadataEncoder()
			assert.Nil(t, err)
			assert.Same(t, encoder, again)
			data, err := EncodeMetadata(newDataset("1.1.1.1", "Doe^John", "a"))
			assert.Nil(t, err)
			metadata, err := DecodeMetadata(data)
			assert.Nil(t, err)
			if assert.NotNil(t, metadata) {
				assert.Equal(t, "Doe^John", metadata.String(dataset.PatientName))
			}
		}()
	}
	wg.Wait()
	again, err := metadataDecoder()
	assert.Nil(t, err)
	assert.Same(t, decoder, again)
}

func TestIngestFailureIsReported(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	f.reader.err = errors.New("not a dicom object")
	sc, err := f.ingest(t, "ARCHIVE", "MODALITY", newDataset("1.1.1.1", "Doe^John", "a"))
	assert.ErrorIs(t, err, ErrProcessing)
	assert.Equal(t, ActionFail, sc.Action)
	assert.Equal(t, []Action{ActionFail}, f.listener.actions)
	_, statErr := os.Stat(sc.SpoolFile.Path)
	assert.True(t, os.IsNotExist(statErr))
}

// conflictingLocationRepository fails the first conflicts location inserts like a concurrent writer would.
type conflictingLocationRepository struct {
	locationEntity.Repository
	conflicts int
	attempts  int
}

func (r *conflictingLocationRepository) SaveLocation(ctx context.Context, tx *sql.Tx, l *locationEntity.Entity) error {
	r.attempts++
	if r.attempts <= r.conflicts {
		return fmt.Errorf("saving location: %w", database.ErrOptimisticLock)
	}
	return r.Repository.SaveLocation(ctx, tx, l)
}

func setupConflicting(t *testing.T, conflicts int) (*fixture, *conflictingLocationRepository) {
	var conflicting *conflictingLocationRepository
	f := setup(t, func(repos *repository.Repositories) {
		conflicting = &conflictingLocationRepository{Repository: repos.Location, conflicts: conflicts}
		repos.Location = conflicting
	})
	return f, conflicting
}

func TestIngestRetriesConflictingUpdate(t *testing.T) {
	testutils.SkipIfIntegration(t)
	// three retries are configured by default
	f, conflicting := setupConflicting(t, 3)
	sc, err := f.ingest(t, "ARCHIVE", "MODALITY", newDataset("1.1.1.1", "Doe^John", "a"))
	assert.Nil(t, err)
	assert.Equal(t, ActionStore, sc.Action)
	assert.Equal(t, 4, conflicting.attempts)
	assert.Equal(t, []Action{ActionStore}, f.listener.actions)
	if assert.NotNil(t, sc.Location) {
		assert.True(t, f.exists(t, "mem1", sc.StoragePath))
	}
	stored := f.findInstance(t, "1.1.1.1")
	if assert.NotNil(t, stored) {
		assert.Len(t, stored.Locations, 1)
	}
}

func TestIngestGivesUpAfterExhaustingRetries(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f, conflicting := setupConflicting(t, 4)
	sc, err := f.ingest(t, "ARCHIVE", "MODALITY", newDataset("1.1.1.1", "Doe^John", "a"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, database.ErrOptimisticLock)
	assert.Equal(t, ActionFail, sc.Action)
	assert.Equal(t, 4, conflicting.attempts)
	assert.Equal(t, []Action{ActionFail}, f.listener.actions)
	assert.Nil(t, sc.Location)
	assert.Equal(t, "1.1/1.1.1.1", sc.StoragePath)
	assert.False(t, f.exists(t, "mem1", sc.StoragePath))
	_, statErr := os.Stat(sc.SpoolFile.Path)
	assert.True(t, os.IsNotExist(statErr))
	assert.Nil(t, f.findInstance(t, "1.1.1.1"))
}

func TestCreateSession(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	f := setup(t)

	_, err := f.service.CreateSession(ctx, "UNKNOWN", "MODALITY")
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = f.service.CreateSession(ctx, "NEARLINE", "MODALITY")
	assert.ErrorIs(t, err, ErrResourceExhausted)

	session, err := f.service.CreateSession(ctx, "ARCHIVE", "MODALITY")
	assert.Nil(t, err)
	assert.Equal(t, "MODALITY->ARCHIVE["+session.Id.String()+"]", session.String())
	info, err := os.Stat(session.SpoolDirectory)
	if assert.Nil(t, err) {
		assert.True(t, info.IsDir())
	}
	assert.Nil(t, os.WriteFile(session.SpoolDirectory+"/leftover.dcm", []byte("x"), 0o600))
	session.Close()
	_, err = os.Stat(session.SpoolDirectory)
	assert.True(t, os.IsNotExist(err))
}

type orderInterceptor struct {
	name  string
	order *[]string
}

func (oi *orderInterceptor) UpdateDB(ctx context.Context, sc *Context, next UpdateFunc) error {
	*oi.order = append(*oi.order, oi.name)
	return next(ctx, sc)
}

func TestInterceptorChainOrder(t *testing.T) {
	testutils.SkipIfIntegration(t)
	order := []string{}
	update := chain([]Interceptor{
		&orderInterceptor{name: "first", order: &order},
		&orderInterceptor{name: "second", order: &order},
	}, func(ctx context.Context, sc *Context) error {
		order = append(order, "update")
		return nil
	})
	assert.Nil(t, update(context.Background(), &Context{}))
	assert.Equal(t, []string{"first", "second", "update"}, order)
}
