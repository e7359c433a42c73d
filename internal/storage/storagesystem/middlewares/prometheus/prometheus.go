package prometheus

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/ioutils"
	"github.com/jdillenkofer/pacsarc/internal/lifecycle"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
	"github.com/jdillenkofer/pacsarc/internal/task"
	"github.com/prometheus/client_golang/prometheus"
)

const measureInterval = 30 * time.Second

type prometheusMiddleware struct {
	*lifecycle.ValidatedLifecycle
	systemId                   string
	registerer                 prometheus.Registerer
	failedOpsCounter           *prometheus.CounterVec
	successfulOpsCounter       *prometheus.CounterVec
	bytesWrittenCounter        *prometheus.CounterVec
	bytesReadCounter           *prometheus.CounterVec
	usableSpaceGauge           *prometheus.GaugeVec
	totalSpaceGauge            *prometheus.GaugeVec
	metricsMeasuringTaskHandle *task.TaskHandle
	innerProvider              storagesystem.Provider
}

var _ storagesystem.Provider = (*prometheusMiddleware)(nil)

func counterVec(name string, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pacsarc",
			Subsystem: "storage_system",
			Name:      name,
			Help:      help,
		},
		[]string{"system", "op"},
	)
}

func gaugeVec(name string, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pacsarc",
			Subsystem: "storage_system",
			Name:      name,
			Help:      help,
		},
		[]string{"system"},
	)
}

// New wraps innerProvider and reports operation counts, transferred bytes and free space.
// The collectors are shared between systems, so registration tolerates already registered collectors.
func New(systemId string, innerProvider storagesystem.Provider, registerer prometheus.Registerer) (storagesystem.Provider, error) {
	lifecycle, err := lifecycle.NewValidatedLifecycle("PrometheusStorageSystemMiddleware")
	if err != nil {
		return nil, err
	}
	return &prometheusMiddleware{
		ValidatedLifecycle:   lifecycle,
		systemId:             systemId,
		registerer:           registerer,
		failedOpsCounter:     counterVec("failed_ops_total", "No of failed storage system operations partitioned by system and op"),
		successfulOpsCounter: counterVec("successful_ops_total", "No of successful storage system operations partitioned by system and op"),
		bytesWrittenCounter:  counterVec("bytes_written_total", "Total bytes written by system"),
		bytesReadCounter:     counterVec("bytes_read_total", "Total bytes read by system"),
		usableSpaceGauge:     gaugeVec("usable_space_bytes", "Usable space by system"),
		totalSpaceGauge:      gaugeVec("total_space_bytes", "Total space by system"),
		innerProvider:        innerProvider,
	}, nil
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector *T) {
	if err := registerer.Register(*collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				*collector = existing
				return
			}
		}
		panic(err)
	}
}

func (pm *prometheusMiddleware) labels(op string) prometheus.Labels {
	return prometheus.Labels{"system": pm.systemId, "op": op}
}

func (pm *prometheusMiddleware) count(op string, err error) {
	if err != nil {
		pm.failedOpsCounter.With(pm.labels(op)).Inc()
		return
	}
	pm.successfulOpsCounter.With(pm.labels(op)).Inc()
}

func (pm *prometheusMiddleware) measureMetrics(ctx context.Context) {
	usable, err := pm.innerProvider.UsableSpace(ctx)
	if err != nil {
		slog.Debug("Could not measure usable space", "system", pm.systemId, "error", err)
		return
	}
	pm.usableSpaceGauge.With(prometheus.Labels{"system": pm.systemId}).Set(float64(usable))
	total, err := pm.innerProvider.TotalSpace(ctx)
	if err != nil {
		slog.Debug("Could not measure total space", "system", pm.systemId, "error", err)
		return
	}
	pm.totalSpaceGauge.With(prometheus.Labels{"system": pm.systemId}).Set(float64(total))
}

func (pm *prometheusMiddleware) measureMetricsLoop(cancelMetricsMeasuring *atomic.Bool) {
	ctx := context.Background()
	for {
		pm.measureMetrics(ctx)
		if !task.Sleep(cancelMetricsMeasuring, measureInterval) {
			return
		}
	}
}

func (pm *prometheusMiddleware) Start(ctx context.Context) error {
	if err := pm.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}
	register(pm.registerer, &pm.failedOpsCounter)
	register(pm.registerer, &pm.successfulOpsCounter)
	register(pm.registerer, &pm.bytesWrittenCounter)
	register(pm.registerer, &pm.bytesReadCounter)
	register(pm.registerer, &pm.usableSpaceGauge)
	register(pm.registerer, &pm.totalSpaceGauge)

	if err := pm.innerProvider.Start(ctx); err != nil {
		return err
	}
	pm.metricsMeasuringTaskHandle = task.Start(func(cancelTask *atomic.Bool) {
		pm.measureMetricsLoop(cancelTask)
	})
	return nil
}

func (pm *prometheusMiddleware) Stop(ctx context.Context) error {
	if err := pm.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}

	if pm.metricsMeasuringTaskHandle != nil && !pm.metricsMeasuringTaskHandle.IsCancelled() {
		pm.metricsMeasuringTaskHandle.Cancel()
		joinedWithTimeout := pm.metricsMeasuringTaskHandle.JoinWithTimeout(30 * time.Second)
		if joinedWithTimeout {
			slog.Debug("PrometheusStorageSystemMiddleware.metricsMeasuringTaskHandle joined with timeout of 30s")
		} else {
			slog.Debug("PrometheusStorageSystemMiddleware.metricsMeasuringTaskHandle joined without timeout")
		}
	}

	pm.usableSpaceGauge.DeletePartialMatch(prometheus.Labels{"system": pm.systemId})
	pm.totalSpaceGauge.DeletePartialMatch(prometheus.Labels{"system": pm.systemId})

	return pm.innerProvider.Stop(ctx)
}

func (pm *prometheusMiddleware) Put(ctx context.Context, path string, reader io.Reader) error {
	metered := ioutils.NewMeteredReader(reader)
	err := pm.innerProvider.Put(ctx, path, metered)
	pm.count("Put", err)
	if err == nil {
		pm.bytesWrittenCounter.With(pm.labels("Put")).Add(float64(metered.Total()))
	}
	return err
}

func (pm *prometheusMiddleware) Move(ctx context.Context, fromPath string, toPath string) error {
	err := pm.innerProvider.Move(ctx, fromPath, toPath)
	pm.count("Move", err)
	return err
}

func (pm *prometheusMiddleware) Delete(ctx context.Context, path string) error {
	err := pm.innerProvider.Delete(ctx, path)
	pm.count("Delete", err)
	return err
}

func (pm *prometheusMiddleware) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	rc, err := pm.innerProvider.OpenRead(ctx, path)
	pm.count("OpenRead", err)
	if err != nil {
		return nil, err
	}
	counter := pm.bytesReadCounter.With(pm.labels("OpenRead"))
	return ioutils.NewMeteredReadCloser(rc, func(total int64) {
		counter.Add(float64(total))
	}), nil
}

func (pm *prometheusMiddleware) UsableSpace(ctx context.Context) (int64, error) {
	usable, err := pm.innerProvider.UsableSpace(ctx)
	if err == nil {
		pm.usableSpaceGauge.With(prometheus.Labels{"system": pm.systemId}).Set(float64(usable))
	}
	return usable, err
}

func (pm *prometheusMiddleware) TotalSpace(ctx context.Context) (int64, error) {
	return pm.innerProvider.TotalSpace(ctx)
}
