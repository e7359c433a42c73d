// Package deleter removes stored objects and their location rows, synchronously or through the delete queue.
package deleter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jdillenkofer/pacsarc/internal/lifecycle"
	"github.com/jdillenkofer/pacsarc/internal/sliceutils"
	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository"
	locationEntity "github.com/jdillenkofer/pacsarc/internal/storage/database/repository/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
	"github.com/jdillenkofer/pacsarc/internal/workqueue"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const QueueName = "delete"

type Status string

const (
	StatusCriteriaNotMet  Status = "CRITERIA_NOT_MET"
	StatusFailuresPresent Status = "FAILURES_PRESENT"
	StatusCompleteSuccess Status = "COMPLETE_SUCCESS"
)

type DeleteResult struct {
	Status  Status      `json:"status"`
	Deleted []ulid.ULID `json:"deleted"`
	Failed  []ulid.ULID `json:"failed"`
}

type deleteRequest struct {
	LocationIds      []string `cbor:"1,keyasint"`
	CheckGroupMarked bool     `cbor:"2,keyasint"`
}

type Deleter struct {
	*lifecycle.ValidatedLifecycle
	db               database.Database
	repos            *repository.Repositories
	locations        *location.Manager
	registry         *storagesystem.Registry
	queue            workqueue.Queue
	pool             *workqueue.Pool
	registerer       prometheus.Registerer
	deletionsCounter *prometheus.CounterVec
	tracer           trace.Tracer
}

// New creates a deleter draining the delete queue with poolOptions. registerer may be nil to disable metrics.
func New(db database.Database, repos *repository.Repositories, registry *storagesystem.Registry, queue workqueue.Queue, poolOptions workqueue.PoolOptions, registerer prometheus.Registerer) (*Deleter, error) {
	lifecycle, err := lifecycle.NewValidatedLifecycle("Deleter")
	if err != nil {
		return nil, err
	}
	d := &Deleter{
		ValidatedLifecycle: lifecycle,
		db:                 db,
		repos:              repos,
		locations:          location.NewManager(repos.Location),
		registry:           registry,
		queue:              queue,
		registerer:         registerer,
		deletionsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pacsarc",
			Subsystem: "deleter",
			Name:      "locations_total",
			Help:      "No of locations handled by the deleter partitioned by result",
		}, []string{"result"}),
		tracer: otel.Tracer("internal/storage/deleter"),
	}
	d.pool, err = workqueue.NewPool(queue, QueueName, d.handle, poolOptions, registerer)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Deleter) Start(ctx context.Context) error {
	if err := d.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}
	if d.registerer != nil {
		d.registerer.MustRegister(d.deletionsCounter)
	}
	return d.pool.Start(ctx)
}

func (d *Deleter) Stop(ctx context.Context) error {
	if err := d.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}
	err := d.pool.Stop(ctx)
	if d.registerer != nil {
		d.registerer.Unregister(d.deletionsCounter)
	}
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ScheduleDelete queues locationIds for deletion after delay. Delivery is at least once.
func (d *Deleter) ScheduleDelete(ctx context.Context, locationIds []ulid.ULID, delay time.Duration, checkGroupMarked bool) error {
	if len(locationIds) == 0 {
		return nil
	}
	payload, err := cbor.Marshal(deleteRequest{
		LocationIds:      sliceutils.Map(func(id ulid.ULID) string { return id.String() }, locationIds),
		CheckGroupMarked: checkGroupMarked,
	})
	if err != nil {
		return err
	}
	err = d.queue.Enqueue(ctx, QueueName, payload, delay)
	if err != nil {
		return err
	}
	slog.Debug(fmt.Sprintf("Scheduled deletion of %d locations in %s", len(locationIds), delay))
	return nil
}

// ScheduleDeleteLocations is ScheduleDelete for location rows.
func (d *Deleter) ScheduleDeleteLocations(ctx context.Context, locations []locationEntity.Entity, delay time.Duration, checkGroupMarked bool) error {
	return d.ScheduleDelete(ctx, sliceutils.Map(func(l locationEntity.Entity) ulid.ULID { return *l.Id }, locations), delay, checkGroupMarked)
}

// ProcessDue runs the scheduled deletions that are due now without starting the worker pool.
func (d *Deleter) ProcessDue(ctx context.Context) (int, error) {
	return d.pool.RunDue(ctx)
}

func (d *Deleter) handle(ctx context.Context, item *workqueue.Item) error {
	var request deleteRequest
	if err := cbor.Unmarshal(item.Payload, &request); err != nil {
		// a payload we cannot read will not get better on redelivery
		slog.Error(fmt.Sprintf("Dropping unreadable delete request %s: %s", item.Id, err))
		return nil
	}
	locationIds := make([]ulid.ULID, 0, len(request.LocationIds))
	for _, id := range request.LocationIds {
		locationId, err := ulid.Parse(id)
		if err != nil {
			slog.Error(fmt.Sprintf("Skipping invalid location id %q in delete request %s", id, item.Id))
			continue
		}
		locationIds = append(locationIds, locationId)
	}
	_, err := d.DoDeleteBatch(ctx, locationIds, request.CheckGroupMarked)
	return err
}

func (d *Deleter) provider(systemId string) (storagesystem.Provider, error) {
	return d.registry.Provider(systemId)
}

// deleteObject removes the physical object shared by members and then their rows.
// It refuses to touch storage while any member is still referenced.
func (d *Deleter) deleteObject(ctx context.Context, members []locationEntity.Entity) bool {
	key := location.KeyOf(&members[0])
	referenced := false
	err := database.RunInTx(ctx, d.db, true, func(tx *sql.Tx) error {
		for _, member := range members {
			orphaned, err := d.locations.IsOrphaned(ctx, tx, *member.Id)
			if err != nil {
				return err
			}
			if !orphaned {
				slog.Warn(fmt.Sprintf("Deletion failed! Location %s at %s is still referenced by instances", member.Id, key))
				referenced = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		slog.Error(fmt.Sprintf("Could not check references of %s: %s", key, err))
		return false
	}
	if referenced {
		return false
	}

	provider, err := d.provider(key.StorageSystemId)
	if err != nil {
		slog.Error(fmt.Sprintf("Error deleting %s: %s", key, err))
		return false
	}
	err = provider.Delete(ctx, key.StoragePath)
	if errors.Is(err, storagesystem.ErrObjectNotFound) {
		slog.Warn(fmt.Sprintf("Could not find %s to delete, removing its location safely", key))
	} else if err != nil {
		slog.Error(fmt.Sprintf("Error deleting %s: %s", key, err))
		return false
	}

	removed := true
	err = database.RunInTx(ctx, d.db, false, func(tx *sql.Tx) error {
		for _, member := range members {
			ok, err := d.locations.RemoveRow(ctx, tx, *member.Id)
			if err != nil {
				return err
			}
			removed = removed && ok
		}
		return nil
	})
	if err != nil {
		slog.Error(fmt.Sprintf("Failed to remove locations of %s: %s", key, err))
		return false
	}
	if !removed {
		slog.Warn(fmt.Sprintf("A location of %s gained a reference during deletion", key))
		return false
	}
	d.registry.InvalidateCapacity(key.StorageSystemId)
	d.unflagDirtySystemsCleaned(ctx, members[0].StorageGroupId)
	return true
}

// unflagDirtySystemsCleaned returns every system of groupId to OK whose free space recovered.
func (d *Deleter) unflagDirtySystemsCleaned(ctx context.Context, groupId string) {
	for _, system := range d.registry.GroupSystems(groupId) {
		if d.registry.Status(system.SystemId) == storagesystem.StatusOK && !d.registry.IsDirty(system.SystemId) {
			continue
		}
		d.registry.InvalidateCapacity(system.SystemId)
		ok, err := d.registry.HasFreeSpace(ctx, system.SystemId)
		if err != nil {
			slog.Debug(fmt.Sprintf("Failed to restore storage system %s of group %s: %s", system.SystemId, groupId, err))
			continue
		}
		if ok {
			d.registry.SetStatus(system.SystemId, storagesystem.StatusOK)
			d.registry.SetDirty(system.SystemId, false)
			slog.Info(fmt.Sprintf("Storage system %s is now ready for use, emergency condition passed", system.SystemId))
		}
	}
}

func (d *Deleter) failDelete(ctx context.Context, locationId ulid.ULID) {
	err := database.RunInTx(ctx, d.db, false, func(tx *sql.Tx) error {
		l, err := d.repos.Location.FindLocationById(ctx, tx, locationId)
		if err != nil || l == nil {
			return err
		}
		slog.Warn(fmt.Sprintf("Failed to delete %s, setting status of location %s to %s", location.KeyOf(l), locationId, locationEntity.StatusDeleteFailed))
		return d.locations.SetStatus(ctx, tx, l, locationEntity.StatusDeleteFailed)
	})
	if err != nil {
		slog.Error(fmt.Sprintf("Could not flag location %s as %s: %s", locationId, locationEntity.StatusDeleteFailed, err))
	}
}

// DoDelete deletes one location and its object. A missing object counts as deleted.
// On failure the location is left as DELETE_FAILED.
func (d *Deleter) DoDelete(ctx context.Context, l *locationEntity.Entity) bool {
	ctx, span := d.tracer.Start(ctx, "Deleter.DoDelete", trace.WithAttributes(attribute.String("pacsarc.location", l.Id.String())))
	defer span.End()
	if d.deleteObject(ctx, []locationEntity.Entity{*l}) {
		d.deletionsCounter.WithLabelValues("deleted").Inc()
		return true
	}
	d.failDelete(ctx, *l.Id)
	d.deletionsCounter.WithLabelValues("failed").Inc()
	span.SetStatus(codes.Error, "delete failed")
	return false
}

func (d *Deleter) loadLocations(ctx context.Context, locationIds []ulid.ULID) ([]locationEntity.Entity, error) {
	locations := []locationEntity.Entity{}
	err := database.RunInTx(ctx, d.db, true, func(tx *sql.Tx) error {
		for _, id := range locationIds {
			l, err := d.repos.Location.FindLocationById(ctx, tx, id)
			if err != nil {
				return err
			}
			if l == nil {
				slog.Debug(fmt.Sprintf("Location %s is already gone", id))
				continue
			}
			locations = append(locations, *l)
		}
		return nil
	})
	return locations, err
}

// deleteContainerMembers handles the requested members of one container. The object goes only
// when nothing but the requested rows refers to it, otherwise only the requested rows are dropped.
func (d *Deleter) deleteContainerMembers(ctx context.Context, key location.StorageKey, requested []locationEntity.Entity, result *DeleteResult) error {
	var current []locationEntity.Entity
	err := database.RunInTx(ctx, d.db, true, func(tx *sql.Tx) error {
		var err error
		current, err = d.locations.FindByStorageKey(ctx, tx, key)
		return err
	})
	if err != nil {
		return err
	}
	requestedIds := sliceutils.Map(func(l locationEntity.Entity) ulid.ULID { return *l.Id }, requested)
	currentIds := sliceutils.Map(func(l locationEntity.Entity) ulid.ULID { return *l.Id }, current)
	if sliceutils.SetEquals(requestedIds, currentIds) {
		slog.Debug(fmt.Sprintf("Only the requested locations reference container %s, deleting it", key))
		if d.deleteObject(ctx, requested) {
			result.Deleted = append(result.Deleted, requestedIds...)
			return nil
		}
		for _, id := range requestedIds {
			d.failDelete(ctx, id)
		}
		result.Failed = append(result.Failed, requestedIds...)
		return nil
	}

	slog.Debug(fmt.Sprintf("Container %s is still referenced by other locations, deleting rows only", key))
	return database.RunInTx(ctx, d.db, false, func(tx *sql.Tx) error {
		for _, id := range requestedIds {
			removed, err := d.locations.RemoveRow(ctx, tx, id)
			if err != nil {
				return err
			}
			if removed {
				result.Deleted = append(result.Deleted, id)
			} else {
				slog.Warn(fmt.Sprintf("Deletion failed! Location %s in container %s is still referenced by instances", id, key))
				result.Failed = append(result.Failed, id)
			}
		}
		return nil
	})
}

// DoDeleteBatch deletes locationIds. Standalone objects are deleted one by one, container
// members per container. With checkGroupMarked only locations left without referrers after
// detaching the instances of studies marked on their group are considered.
// Per location failures never abort the batch, they show up in the result.
func (d *Deleter) DoDeleteBatch(ctx context.Context, locationIds []ulid.ULID, checkGroupMarked bool) (result *DeleteResult, err error) {
	ctx, span := d.tracer.Start(ctx, "Deleter.DoDeleteBatch", trace.WithAttributes(
		attribute.Int("pacsarc.locations", len(locationIds)),
		attribute.Bool("pacsarc.check_group_marked", checkGroupMarked)))
	defer func() { endSpan(span, err) }()

	result = &DeleteResult{Status: StatusCriteriaNotMet, Deleted: []ulid.ULID{}, Failed: []ulid.ULID{}}
	if checkGroupMarked && len(locationIds) > 0 {
		locationIds, err = d.FilterMarked(ctx, locationIds)
		if err != nil {
			return nil, err
		}
	}
	locations, err := d.loadLocations(ctx, locationIds)
	if err != nil {
		return nil, err
	}
	if len(locations) == 0 {
		return result, nil
	}

	standalone := sliceutils.Filter(func(l locationEntity.Entity) bool { return !location.IsContainerMember(&l) }, locations)
	for i := range standalone {
		l := &standalone[i]
		if d.deleteObject(ctx, []locationEntity.Entity{*l}) {
			result.Deleted = append(result.Deleted, *l.Id)
			continue
		}
		d.failDelete(ctx, *l.Id)
		result.Failed = append(result.Failed, *l.Id)
	}

	members := sliceutils.Filter(func(l locationEntity.Entity) bool { return location.IsContainerMember(&l) }, locations)
	keys, containers := sliceutils.GroupBy(func(l locationEntity.Entity) location.StorageKey { return location.KeyOf(&l) }, members)
	for _, key := range keys {
		if err := d.deleteContainerMembers(ctx, key, containers[key], result); err != nil {
			slog.Error(fmt.Sprintf("Could not delete locations of container %s: %s", key, err))
			ids := sliceutils.Map(func(l locationEntity.Entity) ulid.ULID { return *l.Id }, containers[key])
			result.Failed = append(result.Failed, ids...)
		}
	}

	result.Status = StatusCompleteSuccess
	if len(result.Failed) > 0 {
		result.Status = StatusFailuresPresent
	}
	d.deletionsCounter.WithLabelValues("deleted").Add(float64(len(result.Deleted)))
	d.deletionsCounter.WithLabelValues("failed").Add(float64(len(result.Failed)))
	slog.Info(fmt.Sprintf("Deleted %d of %d locations, %d failed", len(result.Deleted), len(locations), len(result.Failed)))
	return result, nil
}
