package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aevon-lab/trafficwatch/internal/branch"
	"github.com/aevon-lab/trafficwatch/internal/config"
	"github.com/aevon-lab/trafficwatch/internal/device"
	"github.com/aevon-lab/trafficwatch/internal/migrations"
	"github.com/aevon-lab/trafficwatch/internal/partition"
	"github.com/aevon-lab/trafficwatch/internal/pipeline"
	"github.com/aevon-lab/trafficwatch/internal/scheduler"
	"github.com/aevon-lab/trafficwatch/internal/server"
	"github.com/aevon-lab/trafficwatch/internal/storage"
	"github.com/aevon-lab/trafficwatch/internal/storage/postgres"
	"github.com/aevon-lab/trafficwatch/internal/timemath"
	"golang.org/x/sync/errgroup"
)

// drainTimeout bounds how long shutdown waits for buffered records to be
// written.
const drainTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config/trafficwatch.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	if err := run(cfg); err != nil {
		slog.Error("trafficwatch stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func run(cfg *config.Config) error {
	// 2. Initialize Storage (PostgreSQL)
	store, err := postgres.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(store.DB(), cfg.Database.AutoMigrate); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	now := time.Now()

	// 3. Partitions and pipelines
	rotation := partition.NewRotation(store, now, storage.PartitionedTables()...)

	levels := cfg.Pipeline.RollupLevels()
	opts := pipeline.Options{
		BatchSize:     cfg.Pipeline.BatchSize,
		Workers:       cfg.Pipeline.Workers,
		FlushInterval: cfg.Pipeline.FlushInterval,
	}
	router := pipeline.NewRouter(
		pipeline.New(pipeline.FlowSpec(levels), store, rotation, opts),
		pipeline.New(pipeline.DensitySpec(levels), store, rotation, opts),
		pipeline.New(pipeline.ViolationSpec(), store, rotation, opts),
	)

	window, jobLevel := branch.Unbounded, timemath.Day
	if level, ok := cfg.Pipeline.WindowLevel(); ok {
		window, jobLevel = pipeline.WindowAt(level, now), level
	}

	// Pipelines outlive the serving context so shutdown can drain them.
	pipeCtx, pipeCancel := context.WithCancel(context.Background())
	defer pipeCancel()
	if err := router.Start(pipeCtx, window); err != nil {
		return err
	}

	slog.Info("Pipelines initialized",
		"window", window.String(),
		"levels", cfg.Pipeline.Levels,
		"batch_size", cfg.Pipeline.BatchSize,
		"workers", cfg.Pipeline.Workers,
		"current_month", timemath.MonthSuffix(rotation.Current()),
	)

	// 4. Scheduler
	sched := scheduler.New(scheduler.WithTick(cfg.Pipeline.Tick))
	if _, err := sched.Add(pipeline.RotationJobName, jobLevel, cfg.Pipeline.RotationOffset,
		pipeline.NewRotationJob(router, rotation, nil)); err != nil {
		return err
	}
	if _, err := sched.Add(pipeline.HealthJobName, timemath.Minute, 0,
		pipeline.NewHealthJob(router, rotation, nil)); err != nil {
		return err
	}

	// 5. Device feeds
	loc, err := cfg.Devices.Location()
	if err != nil {
		return err
	}
	devices, err := loadDevices(cfg.Devices.File)
	if err != nil {
		return err
	}
	manager := device.NewManager(router, device.NewCatalog(nil),
		device.WithPath(cfg.Devices.Path),
		device.WithBackoff(cfg.Devices.MinBackoff, cfg.Devices.MaxBackoff),
		device.WithHandshakeTimeout(cfg.Devices.HandshakeTimeout),
		device.WithLocation(loc),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx, devices); err != nil {
		return fmt.Errorf("start devices: %w", err)
	}

	// 6. Initialize Server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), cfg.Server.Mode, server.Deps{
		DB:            store,
		Streams:       router,
		Jobs:          sched,
		Devices:       manager,
		Rotation:      rotation,
		MaxBodySizeMB: cfg.Server.MaxBodySizeMB,
	})

	// 7. Start Services
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Start(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		watchSignals(gctx, cancel, cfg.Devices.File, manager)
		return nil
	})

	err = g.Wait()

	// 8. Shutdown: stop the feeds, drain the pipelines, then release them.
	manager.Stop()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if cerr := router.Close(drainCtx); cerr != nil {
		slog.Error("Failed to drain pipelines", "error", cerr)
		if err == nil {
			err = cerr
		}
	}
	pipeCancel()
	return err
}

// watchSignals cancels on SIGINT/SIGTERM and reloads the device list on
// SIGHUP. It returns when ctx ends.
func watchSignals(ctx context.Context, cancel context.CancelFunc, devicesFile string, manager *device.Manager) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if sig != syscall.SIGHUP {
				slog.Info("Signal received, shutting down...", "signal", sig.String())
				cancel()
				return
			}
			devices, err := loadDevices(devicesFile)
			if err != nil {
				slog.Error("Device reload failed, keeping current devices", "error", err)
				continue
			}
			if err := manager.Reset(devices); err != nil {
				slog.Error("Device reload rejected, keeping current devices", "error", err)
				continue
			}
			slog.Info("Device list reloaded", "devices", len(devices))
		}
	}
}

func loadDevices(path string) ([]config.Device, error) {
	if path == "" {
		slog.Warn("No device file configured, only HTTP push ingest is available")
		return nil, nil
	}
	return config.LoadDevices(path)
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
