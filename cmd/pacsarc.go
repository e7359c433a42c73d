package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/dataset/dicomreader"
	"github.com/jdillenkofer/pacsarc/internal/http/middlewares"
	"github.com/jdillenkofer/pacsarc/internal/http/server"
	"github.com/jdillenkofer/pacsarc/internal/settings"
	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository"
	"github.com/jdillenkofer/pacsarc/internal/storage/deleter"
	"github.com/jdillenkofer/pacsarc/internal/storage/retention"
	"github.com/jdillenkofer/pacsarc/internal/storage/selector"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem/factory"
	"github.com/jdillenkofer/pacsarc/internal/store"
	"github.com/jdillenkofer/pacsarc/internal/store/coercion"
	"github.com/jdillenkofer/pacsarc/internal/telemetry"
	"github.com/jdillenkofer/pacsarc/internal/workqueue"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const subcommandServe = "serve"
const subcommandPurge = "purge"
const subcommandSweep = "sweep"

const shutdownTimeout = 30 * time.Second

func main() {
	var programLevel = new(slog.LevelVar)
	programLevel.Set(slog.LevelInfo)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     programLevel,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()
	if len(os.Args) < 2 {
		slog.Info(fmt.Sprintf("Usage: %s %s|%s|%s [options]\n", os.Args[0], subcommandServe, subcommandPurge, subcommandSweep))
		os.Exit(1)
	}

	settings, err := settings.LoadSettings(os.Args[2:])
	if err != nil {
		slog.Error(fmt.Sprint("Error while loading settings: ", err))
		os.Exit(1)
	}
	programLevel.Set(settings.LogLevel())

	subcommand := os.Args[1]
	switch subcommand {
	case subcommandServe:
		serve(ctx, settings)
	case subcommandPurge:
		purge(ctx, settings)
	case subcommandSweep:
		sweep(ctx, settings)
	default:
		slog.Error(fmt.Sprintf("Invalid subcommand: %s. Expected one of '%s', '%s', '%s'.\n", subcommand, subcommandServe, subcommandPurge, subcommandSweep))
		os.Exit(1)
	}
}

// archiveComponents holds everything that works on the archive, independent of the api in front of it.
type archiveComponents struct {
	archive  *config.Archive
	db       database.Database
	repos    *repository.Repositories
	registry *storagesystem.Registry
	deleter  *deleter.Deleter
	tracker  *retention.Tracker
	sweeper  *retention.Sweeper
}

func (c *archiveComponents) Close() {
	err := c.db.Close()
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't close database: ", err))
	}
}

// validateCoercions runs every configured coercion script once so broken scripts fail at startup.
func validateCoercions(archive *config.Archive) error {
	var errs error
	for _, ae := range archive.ArchiveAEs {
		for _, c := range ae.Coercions {
			if err := coercion.Validate(c.Script); err != nil {
				errs = errors.Join(errs, fmt.Errorf("coercion of %s for remote ae %q: %w", ae.AETitle, c.RemoteAET, err))
			}
		}
	}
	return errs
}

func deleterPoolOptions(archive *config.Archive) workqueue.PoolOptions {
	return workqueue.PoolOptions{
		Workers:       archive.Deleter.Workers,
		PollInterval:  archive.Deleter.PollInterval.Duration(),
		LeaseDuration: archive.Deleter.LeaseDuration.Duration(),
		RetryDelay:    archive.Deleter.RetryDelay.Duration(),
		MaxAttempts:   archive.Deleter.MaxAttempts,
	}
}

func loadArchiveComponents(ctx context.Context, settings *settings.Settings, registerer prometheus.Registerer) (*archiveComponents, error) {
	archive, err := config.LoadArchive(settings.ArchiveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading archive configuration %s: %w", settings.ArchiveConfigPath(), err)
	}
	if err := validateCoercions(archive); err != nil {
		return nil, err
	}
	db, err := database.OpenDatabase(settings.DbType(), settings.DbUrl())
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", settings.DbType(), err)
	}
	c := &archiveComponents{archive: archive, db: db}
	fail := func(err error) (*archiveComponents, error) {
		c.Close()
		return nil, err
	}
	c.repos, err = repository.NewRepositories(db)
	if err != nil {
		return fail(err)
	}
	c.registry, err = factory.CreateRegistry(ctx, archive, registerer)
	if err != nil {
		return fail(err)
	}
	queue := workqueue.NewSqlQueue(db, c.repos.WorkQueueEntry)
	c.deleter, err = deleter.New(db, c.repos, c.registry, queue, deleterPoolOptions(archive), registerer)
	if err != nil {
		return fail(err)
	}
	c.tracker = retention.New(db, c.repos)
	c.sweeper, err = retention.NewSweeper(archive, c.tracker, c.registry, c.deleter, c.deleter, registerer)
	if err != nil {
		return fail(err)
	}
	return c, nil
}

func serve(ctx context.Context, settings *settings.Settings) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupOTelSDK(ctx, settings)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't set up telemetry: ", err))
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn(fmt.Sprint("Couldn't shut down telemetry: ", err))
		}
	}()

	registerer := prometheus.DefaultRegisterer
	components, err := loadArchiveComponents(ctx, settings, registerer)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't load archive: ", err))
		os.Exit(1)
	}
	defer components.Close()

	sel, err := selector.New(components.archive, components.registry)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't create storage selector: ", err))
		os.Exit(1)
	}
	metricsListener, err := store.NewMetricsListener(registerer)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't register store metrics: ", err))
		os.Exit(1)
	}
	storeService := store.New(components.archive, components.db, components.repos, sel, components.registry,
		dicomreader.New(), components.deleter,
		[]store.Interceptor{coercion.NewInterceptor(), store.NewRetentionInterceptor(components.tracker)},
		[]store.Listener{store.LoggingListener{}, metricsListener})

	requestMetrics, err := middlewares.NewRequestMetrics(registerer)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't register http metrics: ", err))
		os.Exit(1)
	}

	err = components.deleter.Start(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't start deleter: ", err))
		os.Exit(1)
	}
	defer func() {
		if err := components.deleter.Stop(context.Background()); err != nil {
			slog.Error(fmt.Sprint("Couldn't stop deleter: ", err))
		}
	}()
	err = components.sweeper.Start(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't start retention sweeper: ", err))
		os.Exit(1)
	}
	defer func() {
		if err := components.sweeper.Stop(context.Background()); err != nil {
			slog.Error(fmt.Sprint("Couldn't stop retention sweeper: ", err))
		}
	}()

	handler := server.SetupServer(components.archive, storeService, components.tracker, components.deleter, requestMetrics)
	addr := fmt.Sprintf("%v:%v", settings.BindAddress(), settings.Port())
	httpServer := &http.Server{
		BaseContext: func(net.Listener) context.Context { return ctx },
		Addr:        addr,
		Handler:     otelhttp.NewHandler(handler, "pacsarc"),
	}

	var httpMonitoringServer *http.Server
	if settings.MonitoringPortEnabled() {
		monitoringHandler := server.SetupMonitoringServer([]database.Database{components.db})
		monitoringAddr := fmt.Sprintf("%v:%v", settings.BindAddress(), settings.MonitoringPort())
		httpMonitoringServer = &http.Server{
			BaseContext: func(net.Listener) context.Context { return ctx },
			Addr:        monitoringAddr,
			Handler:     monitoringHandler,
		}
		go (func() {
			slog.Info(fmt.Sprintf("Listening with monitoring api on http://%v\n", monitoringAddr))
			if err := httpMonitoringServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error(fmt.Sprintf("Error while starting monitoring server: %s", err))
			}
		})()
	}

	go (func() {
		<-ctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if httpMonitoringServer != nil {
			httpMonitoringServer.Shutdown(shutdownCtx)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn(fmt.Sprintf("Error while shutting down http server: %s", err))
		}
	})()

	slog.Info(fmt.Sprintf("Listening with archive api on http://%v\n", addr))
	err = httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error(fmt.Sprintf("Error while starting http server: %s", err))
		os.Exit(1)
	}
}

func purge(ctx context.Context, settings *settings.Settings) {
	components, err := loadArchiveComponents(ctx, settings, nil)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't load archive: ", err))
		os.Exit(1)
	}
	defer components.Close()

	result, err := components.deleter.PurgeRecords(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Purge finished with errors: ", err))
	}
	slog.Info(fmt.Sprintf("Purged %d rejected series, %d studies and %d patients", result.Series, result.Studies, result.Patients))
}

// sweep schedules every study due for deletion and processes the queued deletions before returning.
func sweep(ctx context.Context, settings *settings.Settings) {
	components, err := loadArchiveComponents(ctx, settings, nil)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't load archive: ", err))
		os.Exit(1)
	}
	defer components.Close()

	err = components.sweeper.Sweep(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Retention sweep finished with errors: ", err))
	}
	err = components.sweeper.RetryFailedDeletes(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Retrying failed deletions finished with errors: ", err))
	}

	processed, err := components.deleter.ProcessDue(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't process scheduled deletions: ", err))
	}
	slog.Info(fmt.Sprintf("Processed %d scheduled deletions", processed))
}
