package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/dataset"
	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository"
	"github.com/jdillenkofer/pacsarc/internal/storage/deleter"
	"github.com/jdillenkofer/pacsarc/internal/storage/retention"
	"github.com/jdillenkofer/pacsarc/internal/storage/selector"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem/factory"
	"github.com/jdillenkofer/pacsarc/internal/store"
	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/jdillenkofer/pacsarc/internal/testing/testdb"
	"github.com/jdillenkofer/pacsarc/internal/workqueue"
	"github.com/stretchr/testify/assert"
)

const archiveYaml = `
storageSystemGroups:
  - groupId: G1
    groupType: ONLINE
    storagePathFormat: "{studyUID}/{sopUID}"
    retention:
      value: 30
      unit: DAYS
    storageSystems:
      - systemId: mem1
        type: inmemory
        inmemory:
          capacity: "1 MiB"
  - groupId: G2
    groupType: NEARLINE
    storageSystems:
      - systemId: mem2
        type: inmemory
archiveAEs:
  - aeTitle: ARCHIVE
    storageSystemGroupId: G1
`

type cborReader struct{}

func (cborReader) Read(reader io.Reader, size int64) (*dataset.Dataset, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return dataset.Unmarshal(data)
}

type fixture struct {
	db      database.Database
	handler http.Handler
}

func setup(t *testing.T) *fixture {
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
	tracker := retention.New(db, repos)
	locationDeleter, err := deleter.New(db, repos, registry, workqueue.NewMemoryQueue(), workqueue.PoolOptions{
		Workers:       1,
		PollInterval:  10 * time.Millisecond,
		LeaseDuration: time.Minute,
		RetryDelay:    10 * time.Millisecond,
		MaxAttempts:   3,
	}, nil)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	storeService := store.New(archive, db, repos, sel, registry, cborReader{}, locationDeleter,
		[]store.Interceptor{store.NewRetentionInterceptor(tracker)}, nil)
	return &fixture{db: db, handler: SetupServer(archive, storeService, tracker, locationDeleter, nil)}
}

func (f *fixture) do(method string, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	if !assert.Nil(t, json.NewDecoder(rec.Body).Decode(&v)) {
		t.FailNow()
	}
	return v
}

func newObject(t *testing.T, studyUid string, sopUid string) io.Reader {
	ds := dataset.New()
	ds.Set(dataset.PatientID, "LO", "PID1")
	ds.Set(dataset.PatientName, "PN", "Doe^John")
	ds.Set(dataset.StudyInstanceUID, "UI", studyUid)
	ds.Set(dataset.SeriesInstanceUID, "UI", studyUid+".1")
	ds.Set(dataset.SOPInstanceUID, "UI", sopUid)
	ds.Set(dataset.SOPClassUID, "UI", "1.2.840.10008.5.1.4.1.1.2")
	data, err := dataset.Marshal(ds)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	return bytes.NewReader(data)
}

func (f *fixture) ingest(t *testing.T, studyUid string, sopUid string) StoreResult {
	rec := f.do(http.MethodPost, "/api/v1/sessions/ARCHIVE/instances?remoteAET=MODALITY", newObject(t, studyUid, sopUid))
	if !assert.Equal(t, http.StatusCreated, rec.Code) {
		t.FailNow()
	}
	return decode[StoreResult](t, rec)
}

func deleteBody(t *testing.T, request DeleteLocationsRequest) io.Reader {
	data, err := json.Marshal(request)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	return bytes.NewReader(data)
}

func TestStoreInstance(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)

	result := f.ingest(t, "1.1", "1.1.1.1")
	assert.Equal(t, "1.1.1.1", result.SopInstanceUid)
	assert.Equal(t, string(store.ActionStore), result.Action)
	assert.Equal(t, "mem1", result.StorageSystemId)
	assert.Equal(t, "1.1/1.1.1.1", result.StoragePath)
	assert.NotNil(t, result.LocationId)
	assert.Greater(t, result.Size, int64(0))

	rec := f.do(http.MethodPost, "/api/v1/sessions/ARCHIVE/instances?remoteAET=MODALITY", newObject(t, "1.1", "1.1.1.1"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(store.ActionIgnore), decode[StoreResult](t, rec).Action)
}

func TestStoreInstanceRejectsBadRequests(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)

	rec := f.do(http.MethodPost, "/api/v1/sessions/ARCHIVE/instances", newObject(t, "1.1", "1.1.1.1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/sessions/UNKNOWN/instances?remoteAET=MODALITY", newObject(t, "1.1", "1.1.1.1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/sessions/ARCHIVE/instances?remoteAET=MODALITY", strings.NewReader("not an object"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.NotEmpty(t, decode[ErrorResult](t, rec).Error)
}

func TestMarkStudy(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	f.ingest(t, "1.1", "1.1.1.1")

	rec := f.do(http.MethodGet, "/api/v1/groups/G1/studies/1.1/marked", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[MarkedResult](t, rec).Marked)

	rec = f.do(http.MethodPost, "/api/v1/groups/G1/studies/1.1/mark", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/groups/G1/studies/1.1/marked", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MarkedResult{StudyInstanceUid: "1.1", StorageGroupId: "G1", Marked: true}, decode[MarkedResult](t, rec))

	rec = f.do(http.MethodPost, "/api/v1/groups/G2/studies/1.1/mark", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/groups/UNKNOWN/studies/1.1/mark", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDueInstances(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	f.ingest(t, "1.1", "1.1.1.1")
	f.ingest(t, "1.2", "1.2.1.1")

	rec := f.do(http.MethodGet, "/api/v1/groups/G1/due", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]DueInstanceResult](t, rec), 0)

	time.Sleep(10 * time.Millisecond)
	rec = f.do(http.MethodGet, "/api/v1/groups/G1/due?retention=0&unit=SECONDS", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]DueInstanceResult](t, rec), 2)

	rec = f.do(http.MethodGet, "/api/v1/groups/G1/due?retention=0&unit=SECONDS&study=1.2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	due := decode[[]DueInstanceResult](t, rec)
	if assert.Len(t, due, 1) {
		assert.Equal(t, "1.2.1.1", due[0].SopInstanceUid)
		assert.Equal(t, "1.2", due[0].StudyInstanceUid)
	}

	rec = f.do(http.MethodGet, "/api/v1/groups/G1/due?retention=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/groups/G2/due", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDataVolume(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	stored := f.ingest(t, "1.1", "1.1.1.1")

	rec := f.do(http.MethodGet, "/api/v1/groups/G1/volume?days=1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DataVolumeResult{StorageGroupId: "G1", WindowDays: 1, BytesPerDay: stored.Size}, decode[DataVolumeResult](t, rec))

	rec = f.do(http.MethodGet, "/api/v1/groups/G1/volume?days=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteLocationsSync(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	stored := f.ingest(t, "1.1", "1.1.1.1")

	rec := f.do(http.MethodPost, "/api/v1/locations/delete", deleteBody(t, DeleteLocationsRequest{Ids: []string{*stored.LocationId}, Sync: true}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, deleter.StatusFailuresPresent, decode[deleter.DeleteResult](t, rec).Status)

	rec = f.do(http.MethodPost, "/api/v1/groups/G1/studies/1.1/mark", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/locations/delete", deleteBody(t, DeleteLocationsRequest{Ids: []string{*stored.LocationId}, Sync: true, CheckGroupMarked: true}))
	assert.Equal(t, http.StatusOK, rec.Code)
	result := decode[deleter.DeleteResult](t, rec)
	assert.Equal(t, deleter.StatusCompleteSuccess, result.Status)
	if assert.Len(t, result.Deleted, 1) {
		assert.Equal(t, *stored.LocationId, result.Deleted[0].String())
	}

	rec = f.do(http.MethodPost, "/api/v1/purge", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, PurgeResult{Series: 0, Studies: 1, Patients: 1}, decode[PurgeResult](t, rec))
}

func TestDeleteLocationsAsync(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	stored := f.ingest(t, "1.1", "1.1.1.1")

	rec := f.do(http.MethodPost, "/api/v1/locations/delete", deleteBody(t, DeleteLocationsRequest{Ids: []string{*stored.LocationId}, DelayMs: 1000}))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, ScheduledResult{Scheduled: 1}, decode[ScheduledResult](t, rec))

	rec = f.do(http.MethodPost, "/api/v1/locations/delete", deleteBody(t, DeleteLocationsRequest{Ids: []string{"not-an-id"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/locations/delete", deleteBody(t, DeleteLocationsRequest{DelayMs: -1}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/locations/delete", strings.NewReader("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMonitoringServer(t *testing.T) {
	testutils.SkipIfIntegration(t)
	f := setup(t)
	handler := SetupMonitoringServer([]database.Database{f.db})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Healthy", rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
