package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/storage/retention"
	"github.com/prometheus/client_golang/prometheus"
)

type UpdateFunc func(ctx context.Context, sc *Context) error

// Interceptor wraps the database update of an attempt. Interceptors run in the order they were
// given to the service, each delegating to next. The last next performs the update itself.
type Interceptor interface {
	UpdateDB(ctx context.Context, sc *Context, next UpdateFunc) error
}

// Listener is notified once at the end of every attempt, failed ones included.
type Listener interface {
	OnStore(ctx context.Context, sc *Context)
}

func chain(interceptors []Interceptor, last UpdateFunc) UpdateFunc {
	next := last
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor, inner := interceptors[i], next
		next = func(ctx context.Context, sc *Context) error {
			return interceptor.UpdateDB(ctx, sc, inner)
		}
	}
	return next
}

// RetentionInterceptor touches the membership of the stored study in every storage group
// holding one of its locations once the update committed.
type RetentionInterceptor struct {
	tracker *retention.Tracker
}

func NewRetentionInterceptor(tracker *retention.Tracker) *RetentionInterceptor {
	return &RetentionInterceptor{tracker: tracker}
}

func (ri *RetentionInterceptor) UpdateDB(ctx context.Context, sc *Context, next UpdateFunc) error {
	if err := next(ctx, sc); err != nil {
		return err
	}
	if sc.Instance == nil {
		return nil
	}
	touched := map[string]struct{}{}
	for _, l := range sc.Instance.Locations {
		if _, ok := touched[l.StorageGroupId]; ok {
			continue
		}
		touched[l.StorageGroupId] = struct{}{}
		if _, err := ri.tracker.FindOrCreate(ctx, sc.Instance.Study, l.StorageGroupId); err != nil {
			return fmt.Errorf("touching study %s on storage group %s: %w", sc.Instance.Study.StudyInstanceUid, l.StorageGroupId, err)
		}
	}
	return nil
}

// MetricsListener counts attempts by action and observes their duration.
type MetricsListener struct {
	actionsCounter    *prometheus.CounterVec
	durationHistogram *prometheus.HistogramVec
	bytesCounter      prometheus.Counter
}

func NewMetricsListener(registerer prometheus.Registerer) (*MetricsListener, error) {
	ml := &MetricsListener{
		actionsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pacsarc",
			Subsystem: "store",
			Name:      "actions_total",
			Help:      "No of ingest attempts partitioned by action",
		}, []string{"action"}),
		durationHistogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pacsarc",
			Subsystem: "store",
			Name:      "duration_seconds",
			Help:      "Duration of ingest attempts partitioned by action",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		bytesCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pacsarc",
			Subsystem: "store",
			Name:      "stored_bytes_total",
			Help:      "No of bytes of objects recorded in storage",
		}),
	}
	if registerer != nil {
		for _, collector := range []prometheus.Collector{ml.actionsCounter, ml.durationHistogram, ml.bytesCounter} {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return ml, nil
}

func (ml *MetricsListener) OnStore(ctx context.Context, sc *Context) {
	action := string(sc.Action)
	ml.actionsCounter.WithLabelValues(action).Inc()
	ml.durationHistogram.WithLabelValues(action).Observe(time.Since(sc.StartedAt).Seconds())
	if sc.Location != nil {
		ml.bytesCounter.Add(float64(sc.Location.Size))
	}
}

// LoggingListener writes one line per attempt.
type LoggingListener struct{}

func (LoggingListener) OnStore(ctx context.Context, sc *Context) {
	if sc.Err != nil {
		slog.Warn(fmt.Sprintf("%s: Failed to store %s: %s", sc.Session, sc.SopInstanceUid(), sc.Err))
		return
	}
	slog.Info(fmt.Sprintf("%s: %s %s in %s", sc.Session, sc.Action, sc.SopInstanceUid(), time.Since(sc.StartedAt).Round(time.Millisecond)))
}
