package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/dataset"
	"github.com/jdillenkofer/pacsarc/internal/digest"
	"github.com/jdillenkofer/pacsarc/internal/ptrutils"
	"github.com/jdillenkofer/pacsarc/internal/sliceutils"
	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository"
	locationEntity "github.com/jdillenkofer/pacsarc/internal/storage/database/repository/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/metadatastore"
	"github.com/jdillenkofer/pacsarc/internal/storage/retention"
	"github.com/jdillenkofer/pacsarc/internal/storage/selector"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tempDirectory = ".spool"

// AttributeReader parses an object into its attributes.
type AttributeReader interface {
	Read(r io.Reader, size int64) (*dataset.Dataset, error)
}

type Service struct {
	archive       *config.Archive
	db            database.Database
	metadataStore *metadatastore.MetadataStore
	locations     *location.Manager
	selector      *selector.Selector
	registry      *storagesystem.Registry
	reader        AttributeReader
	scheduler     retention.DeleteScheduler
	update        UpdateFunc
	listeners     []Listener
	tracer        trace.Tracer
	now           func() time.Time
}

// New creates the store service. interceptors wrap the database update in the given order,
// listeners are notified after every attempt.
func New(archive *config.Archive, db database.Database, repos *repository.Repositories, sel *selector.Selector, registry *storagesystem.Registry, reader AttributeReader, scheduler retention.DeleteScheduler, interceptors []Interceptor, listeners []Listener) *Service {
	s := &Service{
		archive:       archive,
		db:            db,
		metadataStore: metadatastore.New(repos),
		locations:     location.NewManager(repos.Location),
		selector:      sel,
		registry:      registry,
		reader:        reader,
		scheduler:     scheduler,
		listeners:     listeners,
		tracer:        otel.Tracer("internal/store"),
		now:           time.Now,
	}
	s.update = chain(interceptors, s.updateDB)
	return s
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateSession resolves the archive AE localAET, selects its storage targets and creates a spool directory.
func (s *Service) CreateSession(ctx context.Context, localAET string, remoteAET string) (*Session, error) {
	ae, err := s.archive.ArchiveAE(localAET)
	if err != nil {
		return nil, classify(err)
	}
	selection, err := s.selector.Select(ctx, ae)
	if err != nil {
		return nil, classify(err)
	}
	session := &Session{
		Id:        uuid.New(),
		LocalAET:  localAET,
		RemoteAET: remoteAET,
		AE:        ae,
		Selection: selection,
		CreatedAt: s.now(),
	}
	session.SpoolDirectory = filepath.Join(s.spoolBaseDirectory(ae, selection), session.Id.String())
	if err := os.MkdirAll(session.SpoolDirectory, 0o700); err != nil {
		return nil, classify(err)
	}
	slog.Debug(fmt.Sprintf("%s: Created spool directory %s", session, session.SpoolDirectory))
	return session, nil
}

// spoolBaseDirectory resolves a relative spool path against the root of a filesystem spool system
// and against the temp directory otherwise.
func (s *Service) spoolBaseDirectory(ae *config.ArchiveAE, selection *selector.Selection) string {
	base := ae.SpoolDirectoryPath
	if base == "" {
		base = defaultSpoolDirectory
	}
	if filepath.IsAbs(base) {
		return base
	}
	root := os.TempDir()
	if _, system, err := s.archive.StorageSystem(selection.Spool.System.SystemId); err == nil && system.Filesystem != nil {
		root = system.Filesystem.Root
	}
	return filepath.Join(root, base)
}

func (s *Service) NewContext(session *Session) *Context {
	return &Context{Session: session, StartedAt: s.now(), Properties: map[string]any{}}
}

// Spool writes r to the spool directory of the session and digests it on the way.
func (s *Service) Spool(ctx context.Context, sc *Context, r io.Reader) error {
	spoolFile, err := digest.Spool(ctx, sc.Session.SpoolDirectory, s.archive.DigestAlgorithm, r)
	if err != nil {
		return err
	}
	sc.SpoolFile = spoolFile
	slog.Debug(fmt.Sprintf("%s: Spooled %d bytes to %s", sc.Session, spoolFile.Size, spoolFile.Path))
	return nil
}

func (s *Service) ParseSpoolFile(ctx context.Context, sc *Context) error {
	f, err := os.Open(sc.SpoolFile.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	ds, err := s.reader.Read(f, sc.SpoolFile.Size)
	if err != nil {
		return err
	}
	if ds.String(dataset.SOPInstanceUID) == "" {
		return fmt.Errorf("%w: spooled object has no SOP Instance UID", metadatastore.ErrMissingIdentifier)
	}
	sc.Attributes = ds
	return nil
}

// Ingest spools, parses and stores one object.
func (s *Service) Ingest(ctx context.Context, session *Session, r io.Reader) (*Context, error) {
	sc := s.NewContext(session)
	if err := s.Spool(ctx, sc, r); err != nil {
		return sc, s.finish(ctx, sc, err)
	}
	if err := s.ParseSpoolFile(ctx, sc); err != nil {
		return sc, s.finish(ctx, sc, err)
	}
	return sc, s.Store(ctx, sc)
}

// Store places the spooled object of sc and updates the database. The context is cleaned up
// and listeners are notified whatever the outcome.
func (s *Service) Store(ctx context.Context, sc *Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "Service.Store", trace.WithAttributes(
		attribute.String("pacsarc.session", sc.Session.String()),
		attribute.String("pacsarc.sop_instance_uid", sc.SopInstanceUid())))
	defer func() {
		err = s.finish(ctx, sc, err)
		if err == nil {
			span.SetAttributes(attribute.String("pacsarc.action", string(sc.Action)))
		}
		endSpan(span, err)
	}()

	if sc.SpoolFile == nil || sc.Attributes == nil {
		return fmt.Errorf("%w: nothing spooled", ErrProcessing)
	}
	if err := s.storeMetadata(ctx, sc); err != nil {
		return err
	}
	if err := s.processFile(ctx, sc); err != nil {
		return err
	}
	if err := s.computeNonPersistedDigest(ctx, sc); err != nil {
		return err
	}
	return s.update(ctx, sc)
}

func (s *Service) finish(ctx context.Context, sc *Context, err error) error {
	if err != nil {
		err = classify(err)
		sc.Action = ActionFail
		sc.Err = err
	}
	for _, listener := range s.listeners {
		listener.OnStore(ctx, sc)
	}
	s.cleanup(ctx, sc)
	return err
}

// putWithSuffix writes payload to path or, on collisions, to the first free suffixed variant of it.
func putWithSuffix(ctx context.Context, provider storagesystem.Provider, path string, payload []byte) (string, error) {
	for n := 0; ; n++ {
		candidate := selector.WithCopySuffix(path, n)
		err := provider.Put(ctx, candidate, bytes.NewReader(payload))
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, storagesystem.ErrObjectAlreadyExists) {
			return "", err
		}
	}
}

// metadataEncoder and metadataDecoder are shared. EncodeAll and DecodeAll are safe for concurrent use.
var metadataEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil)
})

var metadataDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil)
})

// EncodeMetadata renders the persisted attributes of ds as a zstd compressed CBOR sidecar.
func EncodeMetadata(ds *dataset.Dataset) ([]byte, error) {
	encoder, err := metadataEncoder()
	if err != nil {
		return nil, fmt.Errorf("creating metadata encoder: %w", err)
	}
	raw, err := dataset.Marshal(dataset.SelectAll(ds))
	if err != nil {
		return nil, err
	}
	return encoder.EncodeAll(raw, nil), nil
}

func DecodeMetadata(data []byte) (*dataset.Dataset, error) {
	decoder, err := metadataDecoder()
	if err != nil {
		return nil, fmt.Errorf("creating metadata decoder: %w", err)
	}
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	return dataset.Unmarshal(raw)
}

func (s *Service) storeMetadata(ctx context.Context, sc *Context) error {
	target := sc.Session.Selection.Metadata
	if target == nil {
		return nil
	}
	payload, err := EncodeMetadata(sc.Attributes)
	if err != nil {
		return err
	}
	path := s.selector.MetadataPathFormat(target.Group.GroupId).Format(sc.Attributes, s.now())
	sc.MetadataStoragePath, err = putWithSuffix(ctx, target.System.Provider, path, payload)
	if err != nil {
		return fmt.Errorf("storing metadata on %s: %w", target.System.SystemId, err)
	}
	return nil
}

// processFile copies the spool file to a temporary object on the storage system and moves it
// to its final path, suffixing the path until it is free.
func (s *Service) processFile(ctx context.Context, sc *Context) error {
	target := sc.Session.Selection.Storage
	provider := target.System.Provider
	sc.FinalDigest = sc.SpoolFile.Digest
	sc.FinalSize = sc.SpoolFile.Size

	f, err := os.Open(sc.SpoolFile.Path)
	if err != nil {
		return err
	}
	tempPath := tempDirectory + "/" + uuid.NewString()
	err = provider.Put(ctx, tempPath, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("copying spool file to %s: %w", target.System.SystemId, err)
	}
	defer s.registry.InvalidateCapacity(target.System.SystemId)

	path := s.selector.StoragePathFormat(target.Group.GroupId).Format(sc.Attributes, s.now())
	for n := 0; ; n++ {
		candidate := selector.WithCopySuffix(path, n)
		err := provider.Move(ctx, tempPath, candidate)
		if err == nil {
			sc.StoragePath = candidate
			return nil
		}
		if !errors.Is(err, storagesystem.ErrObjectAlreadyExists) {
			if deleteErr := provider.Delete(ctx, tempPath); deleteErr != nil {
				slog.Warn(fmt.Sprintf("%s: Failed to delete temporary object %s: %s", sc.Session, tempPath, deleteErr))
			}
			return fmt.Errorf("moving object to %s on %s: %w", candidate, target.System.SystemId, err)
		}
		slog.Debug(fmt.Sprintf("%s: %s already exists on %s", sc.Session, candidate, target.System.SystemId))
	}
}

// computeNonPersistedDigest reads the stored object back and digests the attributes not kept in the database.
func (s *Service) computeNonPersistedDigest(ctx context.Context, sc *Context) error {
	if !sc.Session.AE.CheckNonDbAttributesOnStorage {
		return nil
	}
	r, err := sc.Session.Selection.Storage.System.Provider.OpenRead(ctx, sc.StoragePath)
	if err != nil {
		return err
	}
	defer r.Close()
	ds, err := s.reader.Read(r, sc.FinalSize)
	if err != nil {
		return err
	}
	d, err := digest.NonPersistedDigest(ctx, s.archive.DigestAlgorithm, ds)
	if err != nil {
		return err
	}
	sc.NonPersistedDigest = &d
	return nil
}

// updateDB commits the outcome of the attempt, retrying on conflicting concurrent updates,
// and schedules the deletion of replaced locations afterwards.
func (s *Service) updateDB(ctx context.Context, sc *Context) error {
	ctx, span := s.tracer.Start(ctx, "Service.updateDB")
	var err error
	defer func() { endSpan(span, err) }()

	retries := s.archive.UpdateDbRetries
	for i := 0; ; i++ {
		slog.Debug(fmt.Sprintf("%s: Updating database, try %d", sc.Session, i))
		err = database.RunInTx(ctx, s.db, false, func(tx *sql.Tx) error {
			return s.updateDBInTx(ctx, tx, sc)
		})
		if err == nil {
			break
		}
		if !isConflict(err) || i >= retries {
			return err
		}
		slog.Warn(fmt.Sprintf("%s: Failed to update database, try %d: %s", sc.Session, i, err))
	}

	if len(sc.Replaced) > 0 {
		ids := sliceutils.Map(func(l locationEntity.Entity) ulid.ULID { return *l.Id }, sc.Replaced)
		if scheduleErr := s.scheduler.ScheduleDelete(ctx, ids, 0, false); scheduleErr != nil {
			slog.Error(fmt.Sprintf("%s: Error deleting replaced locations: %s", sc.Session, scheduleErr))
		}
	}
	return nil
}

func (s *Service) updateDBInTx(ctx context.Context, tx *sql.Tx, sc *Context) error {
	sc.Instance = nil
	sc.Location = nil
	sc.Replaced = nil

	existing, err := s.metadataStore.FindInstance(ctx, tx, sc.SopInstanceUid())
	if err != nil {
		return err
	}
	sc.Action = Decide(existing, sc.Session.RemoteAET, sc.SpoolFile.Digest, sc.NonPersistedDigest, sc.Session.AE)
	if existing != nil {
		slog.Info(fmt.Sprintf("%s: %s already exists - %s", sc.Session, sc.SopInstanceUid(), sc.Action))
	}

	targetGroupId := sc.Session.Selection.Storage.Group.GroupId
	switch sc.Action {
	case ActionRestore, ActionUpdateDB, ActionIgnore:
		if sc.Action != ActionIgnore {
			if err := s.metadataStore.UpdateInstance(ctx, tx, existing, sc.Attributes); err != nil {
				return err
			}
		}
		if err := s.locations.Reconcile(ctx, tx, existing.Locations, targetGroupId, s.archive.ArchiveAEGroupIds()); err != nil {
			return err
		}
		sc.Instance = existing
		if sc.Action == ActionRestore {
			return s.recordLocation(ctx, tx, sc)
		}
		return nil
	case ActionReplace:
		for _, l := range existing.Locations {
			orphaned, err := s.locations.Detach(ctx, tx, *existing.Instance.Id, *l.Id)
			if err != nil {
				return err
			}
			if orphaned {
				sc.Replaced = append(sc.Replaced, l)
			}
		}
		if err := s.metadataStore.DeleteInstance(ctx, tx, existing); err != nil {
			return err
		}
	}

	created, err := s.metadataStore.CreateInstance(ctx, tx, sc.Attributes, sc.Session.RemoteAET)
	if err != nil {
		return err
	}
	sc.Instance = created
	return s.recordLocation(ctx, tx, sc)
}

func (s *Service) recordLocation(ctx context.Context, tx *sql.Tx, sc *Context) error {
	target := sc.Session.Selection.Storage
	l := &locationEntity.Entity{
		StorageGroupId:        target.Group.GroupId,
		StorageSystemId:       target.System.SystemId,
		StoragePath:           sc.StoragePath,
		Digest:                ptrutils.ToPtr(sc.FinalDigest),
		OtherAttributesDigest: sc.NonPersistedDigest,
		Size:                  sc.FinalSize,
	}
	if ts := sc.Attributes.String(dataset.TransferSyntaxUID); ts != "" {
		l.TransferSyntaxUid = &ts
	}
	if err := s.locations.Attach(ctx, tx, *sc.Instance.Instance.Id, l); err != nil {
		return err
	}
	sc.Location = l
	sc.Instance.Locations = append(sc.Instance.Locations, *l)
	return nil
}

// cleanup removes the spool file and, if no location refers to them, the stored object and its metadata.
func (s *Service) cleanup(ctx context.Context, sc *Context) {
	if sc.Location == nil {
		if sc.StoragePath != "" {
			system := sc.Session.Selection.Storage.System
			if err := system.Provider.Delete(ctx, sc.StoragePath); err != nil {
				slog.Warn(fmt.Sprintf("%s: Failed to delete final file %s: %s", sc.Session, sc.StoragePath, err))
			} else {
				s.registry.InvalidateCapacity(system.SystemId)
			}
		}
		if sc.MetadataStoragePath != "" {
			system := sc.Session.Selection.Metadata.System
			if err := system.Provider.Delete(ctx, sc.MetadataStoragePath); err != nil {
				slog.Warn(fmt.Sprintf("%s: Failed to delete metadata %s: %s", sc.Session, sc.MetadataStoragePath, err))
			}
		}
	}
	if sc.SpoolFile != nil {
		if err := os.Remove(sc.SpoolFile.Path); err != nil && !os.IsNotExist(err) {
			slog.Warn(fmt.Sprintf("%s: Failed to delete spool file %s: %s", sc.Session, sc.SpoolFile.Path, err))
		}
	}
}
