package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/http/httputils"
	"github.com/jdillenkofer/pacsarc/internal/http/middlewares"
	"github.com/jdillenkofer/pacsarc/internal/sliceutils"
	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/instance"
	"github.com/jdillenkofer/pacsarc/internal/storage/deleter"
	"github.com/jdillenkofer/pacsarc/internal/storage/retention"
	"github.com/jdillenkofer/pacsarc/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type StoreService interface {
	CreateSession(ctx context.Context, localAET string, remoteAET string) (*store.Session, error)
	Ingest(ctx context.Context, session *store.Session, r io.Reader) (*store.Context, error)
}

type RetentionTracker interface {
	MarkForDeletion(ctx context.Context, studyInstanceUid string, storageGroupId string) error
	IsMarkedForDeletion(ctx context.Context, studyInstanceUid string, storageGroupId string) (bool, error)
	FindInstancesDueDelete(ctx context.Context, retentionValue int64, retentionUnit string, storageGroupId string, studyInstanceUid *string, seriesInstanceUid *string, limit int) ([]instance.DueEntity, error)
	CalculateDataVolumePerDay(ctx context.Context, storageGroupId string, windowDays int) (int64, error)
}

type LocationDeleter interface {
	ScheduleDelete(ctx context.Context, locationIds []ulid.ULID, delay time.Duration, checkGroupMarked bool) error
	DoDeleteBatch(ctx context.Context, locationIds []ulid.ULID, checkGroupMarked bool) (*deleter.DeleteResult, error)
	PurgeRecords(ctx context.Context) (*deleter.PurgeResult, error)
}

type Server struct {
	archive *config.Archive
	store   StoreService
	tracker RetentionTracker
	deleter LocationDeleter
}

// SetupServer builds the ingest and administration api. requestMetrics may be nil.
func SetupServer(archive *config.Archive, storeService StoreService, tracker RetentionTracker, locationDeleter LocationDeleter, requestMetrics *middlewares.RequestMetrics) http.Handler {
	server := &Server{
		archive: archive,
		store:   storeService,
		tracker: tracker,
		deleter: locationDeleter,
	}
	router := chi.NewRouter()
	if requestMetrics != nil {
		router.Use(requestMetrics.Middleware)
	}
	router.Use(middlewares.MakeCompressionMiddleware)
	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions/{"+localAETPath+"}/instances", server.storeInstanceHandler)
		r.Route("/groups/{"+groupIdPath+"}", func(r chi.Router) {
			r.Post("/studies/{"+studyUidPath+"}/mark", server.markStudyHandler)
			r.Get("/studies/{"+studyUidPath+"}/marked", server.isStudyMarkedHandler)
			r.Get("/due", server.dueInstancesHandler)
			r.Get("/volume", server.dataVolumeHandler)
		})
		r.Post("/locations/delete", server.deleteLocationsHandler)
		r.Post("/purge", server.purgeHandler)
	})
	return router
}

func makeHealthCheckHandler(dbs []database.Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		for _, db := range dbs {
			err := db.PingContext(ctx)
			if err != nil {
				w.WriteHeader(503)
				w.Write([]byte("Unhealthy"))
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte("Healthy"))
	}
}

func SetupMonitoringServer(dbs []database.Database) http.Handler {
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/health", makeHealthCheckHandler(dbs))
	return router
}

const localAETPath = "localAET"
const groupIdPath = "groupID"
const studyUidPath = "studyUID"

const remoteAETQuery = "remoteAET"
const retentionQuery = "retention"
const unitQuery = "unit"
const studyQuery = "study"
const seriesQuery = "series"
const limitQuery = "limit"
const daysQuery = "days"

const contentTypeHeader = "Content-Type"
const applicationJsonContentType = "application/json"

const defaultDueLimit = 1000

var errBadRequest = errors.New("bad request")

type ErrorResult struct {
	Error string `json:"error"`
}

type StoreResult struct {
	SopInstanceUid      string  `json:"sopInstanceUid"`
	Action              string  `json:"action"`
	LocationId          *string `json:"locationId,omitempty"`
	StorageSystemId     string  `json:"storageSystemId,omitempty"`
	StoragePath         string  `json:"storagePath,omitempty"`
	MetadataStoragePath string  `json:"metadataStoragePath,omitempty"`
	Digest              string  `json:"digest,omitempty"`
	Size                int64   `json:"size"`
}

type MarkedResult struct {
	StudyInstanceUid string `json:"studyInstanceUid"`
	StorageGroupId   string `json:"storageGroupId"`
	Marked           bool   `json:"marked"`
}

type DueInstanceResult struct {
	SopInstanceUid    string    `json:"sopInstanceUid"`
	SeriesInstanceUid string    `json:"seriesInstanceUid"`
	StudyInstanceUid  string    `json:"studyInstanceUid"`
	AccessTime        time.Time `json:"accessTime"`
}

type DataVolumeResult struct {
	StorageGroupId string `json:"storageGroupId"`
	WindowDays     int    `json:"windowDays"`
	BytesPerDay    int64  `json:"bytesPerDay"`
}

type DeleteLocationsRequest struct {
	Ids              []string `json:"ids"`
	DelayMs          int64    `json:"delayMs"`
	CheckGroupMarked bool     `json:"checkGroupMarked"`
	Sync             bool     `json:"sync"`
}

type ScheduledResult struct {
	Scheduled int `json:"scheduled"`
}

type PurgeResult struct {
	Series   int `json:"series"`
	Studies  int `json:"studies"`
	Patients int `json:"patients"`
}

func writeJson(w http.ResponseWriter, status int, v any) {
	w.Header().Set(contentTypeHeader, applicationJsonContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn(fmt.Sprintf("Failed to write response: %s", err))
	}
}

func handleError(err error, w http.ResponseWriter, r *http.Request) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, config.ErrUnknownArchiveAE), errors.Is(err, retention.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrResourceExhausted):
		status = http.StatusInsufficientStorage
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrProcessing):
		status = http.StatusUnprocessableEntity
	}
	if status >= 500 {
		slog.Error(fmt.Sprintf("%s %s failed: %s", r.Method, r.URL.Path, err))
	} else {
		slog.Debug(fmt.Sprintf("%s %s rejected: %s", r.Method, r.URL.Path, err))
	}
	writeJson(w, status, ErrorResult{Error: err.Error()})
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func (s *Server) storeInstanceHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	localAET := chi.URLParam(r, localAETPath)
	remoteAET := r.URL.Query().Get(remoteAETQuery)
	if remoteAET == "" {
		handleError(badRequest("missing query parameter %s", remoteAETQuery), w, r)
		return
	}
	session, err := s.store.CreateSession(ctx, localAET, remoteAET)
	if err != nil {
		handleError(err, w, r)
		return
	}
	defer session.Close()

	sc, err := s.store.Ingest(ctx, session, r.Body)
	if err != nil {
		handleError(err, w, r)
		return
	}
	result := StoreResult{
		SopInstanceUid:      sc.SopInstanceUid(),
		Action:              string(sc.Action),
		MetadataStoragePath: sc.MetadataStoragePath,
	}
	if sc.SpoolFile != nil {
		result.Digest = sc.SpoolFile.Digest
		result.Size = sc.SpoolFile.Size
	}
	if sc.Location != nil {
		result.LocationId = ptrString(sc.Location.Id)
		result.StorageSystemId = sc.Location.StorageSystemId
		result.StoragePath = sc.Location.StoragePath
	}
	status := http.StatusOK
	if sc.Action == store.ActionStore {
		status = http.StatusCreated
	}
	writeJson(w, status, result)
}

func ptrString(id *ulid.ULID) *string {
	if id == nil {
		return nil
	}
	str := id.String()
	return &str
}

// storageGroup resolves the group of the request path. It answers with 404 itself when the group is unknown.
func (s *Server) storageGroup(w http.ResponseWriter, r *http.Request) *config.StorageSystemGroup {
	group, err := s.archive.StorageSystemGroup(chi.URLParam(r, groupIdPath))
	if err != nil {
		writeJson(w, http.StatusNotFound, ErrorResult{Error: err.Error()})
		return nil
	}
	return group
}

func (s *Server) markStudyHandler(w http.ResponseWriter, r *http.Request) {
	group := s.storageGroup(w, r)
	if group == nil {
		return
	}
	studyUid := chi.URLParam(r, studyUidPath)
	if err := s.tracker.MarkForDeletion(r.Context(), studyUid, group.GroupId); err != nil {
		handleError(err, w, r)
		return
	}
	writeJson(w, http.StatusOK, MarkedResult{StudyInstanceUid: studyUid, StorageGroupId: group.GroupId, Marked: true})
}

func (s *Server) isStudyMarkedHandler(w http.ResponseWriter, r *http.Request) {
	group := s.storageGroup(w, r)
	if group == nil {
		return
	}
	studyUid := chi.URLParam(r, studyUidPath)
	marked, err := s.tracker.IsMarkedForDeletion(r.Context(), studyUid, group.GroupId)
	if err != nil {
		handleError(err, w, r)
		return
	}
	writeJson(w, http.StatusOK, MarkedResult{StudyInstanceUid: studyUid, StorageGroupId: group.GroupId, Marked: marked})
}

// dueInstancesHandler lists instances that outlived the retention given by the query,
// falling back to the retention configured for the group.
func (s *Server) dueInstancesHandler(w http.ResponseWriter, r *http.Request) {
	group := s.storageGroup(w, r)
	if group == nil {
		return
	}
	query := r.URL.Query()
	var retentionValue int64
	retentionUnit := query.Get(unitQuery)
	if group.Retention != nil {
		retentionValue = group.Retention.Value
		if retentionUnit == "" {
			retentionUnit = group.Retention.Unit
		}
	}
	retentionValue, err := httputils.GetInt64QueryParam(query, retentionQuery, retentionValue)
	if err != nil {
		handleError(badRequest("invalid %s: %s", retentionQuery, err), w, r)
		return
	}
	if query.Get(retentionQuery) == "" && group.Retention == nil {
		handleError(badRequest("storage group %s has no retention, %s is required", group.GroupId, retentionQuery), w, r)
		return
	}
	if retentionUnit == "" {
		retentionUnit = config.RetentionUnitDays
	}
	limit, err := httputils.GetInt64QueryParam(query, limitQuery, defaultDueLimit)
	if err != nil {
		handleError(badRequest("invalid %s: %s", limitQuery, err), w, r)
		return
	}

	instances, err := s.tracker.FindInstancesDueDelete(r.Context(), retentionValue, retentionUnit, group.GroupId,
		httputils.GetQueryParam(query, studyQuery), httputils.GetQueryParam(query, seriesQuery), int(limit))
	if err != nil {
		handleError(err, w, r)
		return
	}
	writeJson(w, http.StatusOK, sliceutils.Map(func(i instance.DueEntity) DueInstanceResult {
		return DueInstanceResult{
			SopInstanceUid:    i.SopInstanceUid,
			SeriesInstanceUid: i.SeriesInstanceUid,
			StudyInstanceUid:  i.StudyInstanceUid,
			AccessTime:        i.AccessTime,
		}
	}, instances))
}

func (s *Server) dataVolumeHandler(w http.ResponseWriter, r *http.Request) {
	group := s.storageGroup(w, r)
	if group == nil {
		return
	}
	days, err := httputils.GetInt64QueryParam(r.URL.Query(), daysQuery, int64(group.DataVolumeWindowDays))
	if err != nil || days < 0 {
		handleError(badRequest("invalid %s: %s", daysQuery, r.URL.Query().Get(daysQuery)), w, r)
		return
	}
	bytesPerDay, err := s.tracker.CalculateDataVolumePerDay(r.Context(), group.GroupId, int(days))
	if err != nil {
		handleError(err, w, r)
		return
	}
	writeJson(w, http.StatusOK, DataVolumeResult{StorageGroupId: group.GroupId, WindowDays: int(days), BytesPerDay: bytesPerDay})
}

func parseLocationIds(ids []string) ([]ulid.ULID, error) {
	locationIds := make([]ulid.ULID, 0, len(ids))
	for _, id := range ids {
		locationId, err := ulid.Parse(id)
		if err != nil {
			return nil, badRequest("invalid location id %s", strconv.Quote(id))
		}
		locationIds = append(locationIds, locationId)
	}
	return locationIds, nil
}

// deleteLocationsHandler deletes the given locations right away when sync is set and queues them otherwise.
func (s *Server) deleteLocationsHandler(w http.ResponseWriter, r *http.Request) {
	var request DeleteLocationsRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		handleError(badRequest("invalid request body: %s", err), w, r)
		return
	}
	if request.DelayMs < 0 {
		handleError(badRequest("delayMs must not be negative"), w, r)
		return
	}
	locationIds, err := parseLocationIds(request.Ids)
	if err != nil {
		handleError(err, w, r)
		return
	}

	if request.Sync {
		result, err := s.deleter.DoDeleteBatch(r.Context(), locationIds, request.CheckGroupMarked)
		if err != nil {
			handleError(err, w, r)
			return
		}
		writeJson(w, http.StatusOK, result)
		return
	}
	delay := time.Duration(request.DelayMs) * time.Millisecond
	if err := s.deleter.ScheduleDelete(r.Context(), locationIds, delay, request.CheckGroupMarked); err != nil {
		handleError(err, w, r)
		return
	}
	writeJson(w, http.StatusAccepted, ScheduledResult{Scheduled: len(locationIds)})
}

func (s *Server) purgeHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.deleter.PurgeRecords(r.Context())
	if err != nil {
		handleError(err, w, r)
		return
	}
	writeJson(w, http.StatusOK, PurgeResult{Series: result.Series, Studies: result.Studies, Patients: result.Patients})
}
