package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/sproutlab/sprout/internal/breaker"
	"github.com/sproutlab/sprout/internal/buildinfo"
	"github.com/sproutlab/sprout/internal/bus"
	"github.com/sproutlab/sprout/internal/config"
	"github.com/sproutlab/sprout/internal/device"
	"github.com/sproutlab/sprout/internal/errmon"
	"github.com/sproutlab/sprout/internal/event"
	"github.com/sproutlab/sprout/internal/eventstore"
	"github.com/sproutlab/sprout/internal/logging"
	"github.com/sproutlab/sprout/internal/metrics"
	"github.com/sproutlab/sprout/internal/persist"
	"github.com/sproutlab/sprout/internal/recovery"
	"github.com/sproutlab/sprout/internal/scanloop"
	"github.com/sproutlab/sprout/internal/store"
	"github.com/sproutlab/sprout/internal/topology"
)

type sproutApp struct {
	envCfg *config.EnvConfig
	logger logging.Logger

	stateCloser io.Closer
	eventCloser io.Closer
	propStore   *store.Store
	eventStore  *eventstore.Store

	monitor    *errmon.Monitor
	mx         *metrics.Metrics
	busSvc     *bus.Bus
	persistSvc *persist.Service
	topoSvc    *topology.Service
	breakers   *breaker.Factory
	orch       *recovery.Orchestrator

	cron     *cron.Cron
	watcher  *config.RegistryWatcher
	httpSrv  *http.Server
	pruneCh  chan struct{}
	pruneWG  sync.WaitGroup

	// devicesByName maps registry names to ids for connection specs.
	rmu           sync.Mutex
	devicesByName map[string]uuid.UUID
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, envCfg.LogLevel)
	logger.Infof("sproutd %s (%s) starting", buildinfo.Version, buildinfo.GitCommit)

	app, err := newSproutApp(envCfg, logger)
	if err != nil {
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newSproutApp(envCfg *config.EnvConfig, logger logging.Logger) (*sproutApp, error) {
	app := &sproutApp{
		envCfg:        envCfg,
		logger:        logger,
		pruneCh:       make(chan struct{}),
		devicesByName: map[string]uuid.UUID{},
	}

	// Phase 1: durable stores.
	stateDB, stateCloser, err := store.BootstrapDir(envCfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("state bootstrap: %w", err)
	}
	app.stateCloser = stateCloser
	app.propStore = store.New(stateDB, logger)

	evStore, evCloser, err := eventstore.Bootstrap(envCfg.DataDir, logger)
	if err != nil {
		app.closeStores()
		return nil, fmt.Errorf("event store bootstrap: %w", err)
	}
	app.eventStore = evStore
	app.eventCloser = evCloser
	logger.Infof("persistence bootstrap complete (%s)", envCfg.DataDir)

	// Phase 2: error monitor and instrumentation.
	app.monitor = errmon.NewMonitor(errmon.Config{
		DedupWindow:         envCfg.ErrorDedupWindow,
		RetainFor:           envCfg.ErrorRetention,
		MaxRecoveryAttempts: envCfg.MaxRecoveryAttempts,
	}, logger)
	app.mx = metrics.New(
		func() float64 { return float64(len(app.monitor.ActiveErrors(uuid.Nil))) },
		func() float64 {
			// Sampled on scrape; the persistence service comes up in a
			// later phase.
			if app.persistSvc == nil {
				return 0
			}
			return float64(app.persistSvc.Pending())
		},
	)

	// Phase 3: event bus over the event store.
	app.busSvc = bus.New(bus.Config{
		Concurrency:        envCfg.BusConcurrency,
		FailedScanInterval: envCfg.FailedScanInterval,
	}, app.eventStore, app.monitor, app.mx, logger)

	// Phase 4: persistence service; it feeds the bus and the bus feeds it
	// back every property change seen on the wire.
	app.persistSvc = persist.NewService(persist.Config{
		BatchInterval:  envCfg.BatchInterval,
		FlushThreshold: envCfg.FlushThreshold,
	}, app.propStore, app.monitor, app.mx, logger)
	app.persistSvc.SetPublisher(app.busSvc)
	app.busSvc.Subscribe(app.persistSvc.HandleBusEvent, bus.SubscribeOptions{
		EventKinds:  []event.Kind{event.KindPropertyChanged},
		Synchronous: true,
	})

	// Phase 5: topology over the store, reading conditions through the
	// persistence service.
	app.topoSvc = topology.NewService(app.propStore, app.persistSvc, logger)
	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.topoSvc.Initialize(initCtx); err != nil {
		app.closeStores()
		return nil, err
	}
	app.busSvc.SetTopologyService(app.topoSvc)

	// Phase 6: breakers and recovery.
	app.breakers = breaker.NewFactory(app.monitor, logger)
	app.breakers.SetStateObserver(app.mx.ObserveBreaker)
	app.orch = recovery.NewOrchestrator(app.monitor, app.busSvc, logger)
	app.orch.SetMetrics(app.mx)
	app.orch.Register(&recovery.CommunicationBackoff{})
	app.orch.Register(&recovery.DeviceRestart{Devices: app.persistSvc})
	app.orch.Register(&recovery.ConfigReinitialize{
		Devices: app.persistSvc,
		Reload:  app.reloadDeviceDefaults,
	})
	app.orch.Attach()

	// Phase 7: device registry.
	if err := app.loadRegistry(initCtx); err != nil {
		app.closeStores()
		return nil, err
	}

	// Phase 8: background services.
	app.startBackgroundServices()
	return app, nil
}

// loadRegistry reads the registry file and applies it. A missing file is
// tolerated: devices can also arrive programmatically.
func (a *sproutApp) loadRegistry(ctx context.Context) error {
	reg, err := config.LoadRegistry(a.envCfg.RegistryPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.logger.Warnf("registry %s not found, starting empty", a.envCfg.RegistryPath)
			return nil
		}
		return err
	}
	if err := a.applyRegistry(ctx, reg); err != nil {
		return err
	}

	if a.envCfg.RegistryHotReload {
		w, err := config.WatchRegistry(a.envCfg.RegistryPath, func(next *config.Registry) {
			rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.applyRegistry(rctx, next); err != nil {
				a.logger.WithError(err).Errorf("registry reload apply failed")
			}
		}, a.logger)
		if err != nil {
			return fmt.Errorf("registry watch: %w", err)
		}
		a.watcher = w
	}
	return nil
}

// applyRegistry registers declared devices and connections. Already-known
// devices are left untouched; new connections are created, existing ones
// (matched by endpoints and type) are kept.
func (a *sproutApp) applyRegistry(ctx context.Context, reg *config.Registry) error {
	for _, spec := range reg.Devices {
		id, err := spec.UUID()
		if err != nil {
			return fmt.Errorf("device %s: %w", spec.Name, err)
		}

		a.rmu.Lock()
		_, known := a.devicesByName[spec.Name]
		a.rmu.Unlock()
		if known {
			continue
		}

		dev := device.New(device.Config{
			ID:           id,
			Name:         spec.Name,
			AssemblyType: spec.AssemblyType,
			Logger:       a.logger,
		})
		if err := a.persistSvc.AddOrUpdate(ctx, dev); err != nil {
			return err
		}
		for name, value := range spec.Properties {
			dev.SetProperty(name, value, nil)
		}
		if spec.AutoStart {
			if err := dev.Start(ctx); err != nil {
				a.logger.WithError(err).Warnf("autostart of %s failed", spec.Name)
			}
		}

		a.rmu.Lock()
		a.devicesByName[spec.Name] = dev.ID()
		a.rmu.Unlock()
	}

	for _, cs := range reg.Connections {
		if err := a.ensureConnection(ctx, cs); err != nil {
			return err
		}
	}
	return nil
}

func (a *sproutApp) ensureConnection(ctx context.Context, cs config.ConnectionSpec) error {
	a.rmu.Lock()
	sourceID, sok := a.devicesByName[cs.Source]
	targetID, tok := a.devicesByName[cs.Target]
	a.rmu.Unlock()
	if !sok || !tok {
		return fmt.Errorf("connection %s -> %s references unknown device", cs.Source, cs.Target)
	}

	for _, existing := range a.topoSvc.All() {
		if existing.SourceID == sourceID && existing.TargetID == targetID &&
			existing.ConnectionType == cs.ConnectionType {
			return nil
		}
	}

	var id uuid.UUID
	if cs.ID != "" {
		parsed, err := uuid.Parse(cs.ID)
		if err != nil {
			return fmt.Errorf("connection %s -> %s: invalid id %q", cs.Source, cs.Target, cs.ID)
		}
		id = parsed
	}
	_, err := a.topoSvc.Create(ctx, topology.Connection{
		ConnectionID:   id,
		SourceID:       sourceID,
		TargetID:       targetID,
		ConnectionType: cs.ConnectionType,
		Enabled:        cs.IsEnabled(),
		Condition:      cs.Condition,
	})
	return err
}

// reloadDeviceDefaults restores a device's maps from the store; used by the
// configuration-reinitialize recovery strategy.
func (a *sproutApp) reloadDeviceDefaults(ctx context.Context, deviceID uuid.UUID) error {
	dev, ok := a.persistSvc.Device(deviceID)
	if !ok {
		return fmt.Errorf("device %s not registered", deviceID)
	}
	props, err := a.propStore.Load(ctx, deviceID)
	if err != nil {
		return err
	}
	meta, err := a.propStore.LoadMetadata(ctx, deviceID)
	if err != nil {
		return err
	}
	dev.LoadProperties(props, meta)
	return nil
}

func (a *sproutApp) startBackgroundServices() {
	a.persistSvc.Start()
	a.busSvc.StartFailedEventLoop()

	a.cron = cron.New()
	_, err := a.cron.AddFunc(a.envCfg.CompactionSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := a.eventStore.Compact(ctx, a.envCfg.EventMaxAge, a.envCfg.EventMaxAttempts); err != nil {
			a.logger.WithError(err).Errorf("event store compaction failed")
		}
	})
	if err != nil {
		a.logger.WithError(err).Errorf("failed to schedule compaction")
	}
	a.cron.Start()

	a.pruneWG.Add(1)
	go func() {
		defer a.pruneWG.Done()
		scanloop.Run(a.pruneCh, 5*time.Minute, time.Minute, func() {
			if n := a.monitor.Prune(); n > 0 {
				a.logger.Debugf("pruned %d resolved errors", n)
			}
		})
	}()
}

func (a *sproutApp) startServers() <-chan error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.mx.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := a.envCfg.ListenAddress + ":" + strconv.Itoa(a.envCfg.HTTPPort)
	a.httpSrv = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("http server listening on %s", addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

func waitForShutdown(serverErrCh <-chan error, logger logging.Logger) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Infof("received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		return err
	}
}

// shutdown stops the pipeline in dependency order: inbound surfaces first,
// then the event sources, then persistence, stores last.
func (a *sproutApp) shutdown(ctx context.Context) {
	if a.httpSrv != nil {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Warnf("http shutdown")
		}
	}
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	close(a.pruneCh)
	a.pruneWG.Wait()

	a.busSvc.Close()
	a.persistSvc.Close()
	a.topoSvc.Close()
	a.breakers.StopAll()
	a.closeStores()
	a.logger.Infof("shutdown complete")
}

func (a *sproutApp) closeStores() {
	if a.eventCloser != nil {
		if err := a.eventCloser.Close(); err != nil {
			a.logger.WithError(err).Warnf("event store close")
		}
		a.eventCloser = nil
	}
	if a.stateCloser != nil {
		if err := a.stateCloser.Close(); err != nil {
			a.logger.WithError(err).Warnf("state store close")
		}
		a.stateCloser = nil
	}
}
