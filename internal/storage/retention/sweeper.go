package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/lifecycle"
	"github.com/jdillenkofer/pacsarc/internal/sliceutils"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/instance"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
	"github.com/jdillenkofer/pacsarc/internal/task"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// DeleteScheduler queues locations for asynchronous deletion.
type DeleteScheduler interface {
	ScheduleDelete(ctx context.Context, locationIds []ulid.ULID, delay time.Duration, checkGroupMarked bool) error
}

// Purger removes logical records that no longer hold any storage.
type Purger interface {
	Purge(ctx context.Context) error
}

// Sweeper periodically hands studies that outlived the retention of their group to the deleter.
// It also retries failed deletions and purges retired records.
type Sweeper struct {
	*lifecycle.ValidatedLifecycle
	archive                *config.Archive
	tracker                *Tracker
	registry               *storagesystem.Registry
	scheduler              DeleteScheduler
	purger                 Purger
	registerer             prometheus.Registerer
	dataVolumeGauge        *prometheus.GaugeVec
	scheduledCounter       *prometheus.CounterVec
	sweepTaskHandle        *task.TaskHandle
	purgeTaskHandle        *task.TaskHandle
	failedDeleteTaskHandle *task.TaskHandle
}

// NewSweeper creates a sweeper. registerer may be nil to disable metrics.
func NewSweeper(archive *config.Archive, tracker *Tracker, registry *storagesystem.Registry, scheduler DeleteScheduler, purger Purger, registerer prometheus.Registerer) (*Sweeper, error) {
	lifecycle, err := lifecycle.NewValidatedLifecycle("RetentionSweeper")
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		ValidatedLifecycle: lifecycle,
		archive:            archive,
		tracker:            tracker,
		registry:           registry,
		scheduler:          scheduler,
		purger:             purger,
		registerer:         registerer,
		dataVolumeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pacsarc",
			Subsystem: "retention",
			Name:      "data_volume_per_day_bytes",
			Help:      "Average bytes written per day by storage group",
		}, []string{"group"}),
		scheduledCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pacsarc",
			Subsystem: "retention",
			Name:      "scheduled_instances_total",
			Help:      "No of instances handed to the deleter partitioned by group and reason",
		}, []string{"group", "reason"}),
	}, nil
}

func (s *Sweeper) groupUsableSpace(ctx context.Context, groupId string) int64 {
	var usable int64
	for _, system := range s.registry.GroupSystems(groupId) {
		c, err := s.registry.Capacity(ctx, system.SystemId)
		if err != nil {
			slog.Warn(fmt.Sprintf("Could not determine capacity of storage system %s: %s", system.SystemId, err))
			continue
		}
		usable += c.Usable
	}
	return usable
}

// isEmergency reports whether group has less usable space than it needs for its minimum days of free space.
func (s *Sweeper) isEmergency(ctx context.Context, group *config.StorageSystemGroup) (bool, error) {
	if group.MinimumDaysOfFreeSpace <= 0 {
		return false, nil
	}
	volume, err := s.tracker.CalculateDataVolumePerDay(ctx, group.GroupId, group.DataVolumeWindowDays)
	if err != nil {
		return false, err
	}
	s.dataVolumeGauge.WithLabelValues(group.GroupId).Set(float64(volume))
	required := int64(group.MinimumDaysOfFreeSpace) * volume
	usable := s.groupUsableSpace(ctx, group.GroupId)
	if usable < required {
		slog.Warn(fmt.Sprintf("Storage group %s has %s usable but needs %s for %d days, deleting least recently used studies",
			group.GroupId, humanize.IBytes(uint64(max(usable, 0))), humanize.IBytes(uint64(required)), group.MinimumDaysOfFreeSpace))
		return true, nil
	}
	return false, nil
}

// SweepGroup schedules the deletion of up to batchSize due studies of group and returns the number of instances scheduled.
// Every study taken is marked for deletion and all of its due instances go out together.
func (s *Sweeper) SweepGroup(ctx context.Context, group *config.StorageSystemGroup) (int, error) {
	emergency, err := s.isEmergency(ctx, group)
	if err != nil {
		return 0, err
	}
	if group.Retention == nil && !emergency {
		return 0, nil
	}
	var value int64
	unit := config.RetentionUnitSeconds
	reason := "emergency"
	if !emergency {
		value = group.Retention.Value
		unit = group.Retention.Unit
		reason = "retention"
	}
	due, err := s.tracker.FindInstancesDueDelete(ctx, value, unit, group.GroupId, nil, nil, s.archive.RetentionSweep.BatchSize)
	if err != nil {
		return 0, err
	}
	studyUids, _ := sliceutils.GroupBy(func(i instance.DueEntity) string { return i.StudyInstanceUid }, due)
	scheduled := 0
	for _, studyUid := range studyUids {
		n, err := s.scheduleStudy(ctx, group.GroupId, studyUid, value, unit)
		if err != nil {
			slog.Warn(fmt.Sprintf("Could not schedule deletion of study %s on storage group %s: %s", studyUid, group.GroupId, err))
			continue
		}
		s.scheduledCounter.WithLabelValues(group.GroupId, reason).Add(float64(n))
		scheduled += n
	}
	if scheduled > 0 {
		slog.Info(fmt.Sprintf("Scheduled deletion of %d instances of %d studies on storage group %s (%s)", scheduled, len(studyUids), group.GroupId, reason))
	}
	return scheduled, nil
}

func (s *Sweeper) scheduleStudy(ctx context.Context, groupId string, studyUid string, value int64, unit string) (int, error) {
	instances, err := s.tracker.FindInstancesDueDelete(ctx, value, unit, groupId, &studyUid, nil, 0)
	if err != nil {
		return 0, err
	}
	instanceIds := sliceutils.Map(func(i instance.DueEntity) ulid.ULID { return *i.Id }, instances)
	locationIds, err := s.tracker.FindLocationIdsOnGroup(ctx, instanceIds, groupId)
	if err != nil {
		return 0, err
	}
	if err := s.tracker.MarkForDeletion(ctx, studyUid, groupId); err != nil {
		return 0, err
	}
	if len(locationIds) == 0 {
		return 0, nil
	}
	if err := s.scheduler.ScheduleDelete(ctx, locationIds, 0, true); err != nil {
		return 0, err
	}
	return len(instances), nil
}

// Sweep runs SweepGroup for every group. A failing group does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) error {
	var errs error
	for i := range s.archive.StorageSystemGroups {
		group := &s.archive.StorageSystemGroups[i]
		if _, err := s.SweepGroup(ctx, group); err != nil {
			slog.Error(fmt.Sprintf("Retention sweep of storage group %s failed: %s", group.GroupId, err))
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// RetryFailedDeletes reschedules every DELETE_FAILED location.
func (s *Sweeper) RetryFailedDeletes(ctx context.Context) error {
	var errs error
	for _, group := range s.archive.StorageSystemGroups {
		locations, err := s.tracker.FindFailedToDeleteLocations(ctx, group.GroupId)
		if err == nil && len(locations) > 0 {
			slog.Info(fmt.Sprintf("Retrying deletion of %d locations on storage group %s", len(locations), group.GroupId))
			err = s.scheduler.ScheduleDelete(ctx, sliceutils.Map(func(l location.Entity) ulid.ULID { return *l.Id }, locations), 0, false)
		}
		if err != nil {
			slog.Error(fmt.Sprintf("Could not retry failed deletions of storage group %s: %s", group.GroupId, err))
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (s *Sweeper) loop(cancel *atomic.Bool, interval time.Duration, name string, fn func(ctx context.Context) error) {
	ctx := context.Background()
	for task.Sleep(cancel, interval) {
		if err := fn(ctx); err != nil {
			slog.Debug(fmt.Sprintf("%s finished with errors: %s", name, err))
		}
	}
}

func (s *Sweeper) purge(ctx context.Context) error {
	if s.purger == nil {
		return nil
	}
	return s.purger.Purge(ctx)
}

func (s *Sweeper) Start(ctx context.Context) error {
	if err := s.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}
	if s.registerer != nil {
		s.registerer.MustRegister(s.dataVolumeGauge)
		s.registerer.MustRegister(s.scheduledCounter)
	}
	sweep := s.archive.RetentionSweep
	s.sweepTaskHandle = task.Start(func(cancel *atomic.Bool) {
		s.loop(cancel, sweep.Interval.Duration(), "Retention sweep", s.Sweep)
	})
	s.purgeTaskHandle = task.Start(func(cancel *atomic.Bool) {
		s.loop(cancel, sweep.PurgeInterval.Duration(), "Purge", s.purge)
	})
	s.failedDeleteTaskHandle = task.Start(func(cancel *atomic.Bool) {
		s.loop(cancel, sweep.FailedDeleteRetryInterval.Duration(), "Failed delete retry", s.RetryFailedDeletes)
	})
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	if err := s.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}
	for _, handle := range []*task.TaskHandle{s.sweepTaskHandle, s.purgeTaskHandle, s.failedDeleteTaskHandle} {
		handle.Cancel()
		if handle.JoinWithTimeout(30 * time.Second) {
			slog.Debug("RetentionSweeper joined with timeout of 30s")
		}
	}
	if s.registerer != nil {
		s.registerer.Unregister(s.scheduledCounter)
		s.registerer.Unregister(s.dataVolumeGauge)
	}
	return nil
}
