// Package engine wires the engine's subsystems — cache, event bus,
// registry, orchestrator, recovery supervisor, batch pipeline — into
// one explicitly-constructed, explicitly-torn-down service. There is
// no process-wide Engine singleton: New returns one, the caller owns
// its lifecycle, and Shutdown tears it down in the reverse order it
// was built.
package engine

import (
	"fmt"
	"log"

	"continuity-engine/internal/batch"
	"continuity-engine/internal/cache"
	"continuity-engine/internal/debugserver"
	"continuity-engine/internal/events"
	"continuity-engine/internal/fpstore"
	"continuity-engine/internal/orchestrator"
	"continuity-engine/internal/recovery"
	"continuity-engine/internal/registry"
	"continuity-engine/internal/storageio"
)

// Config gathers every knob needed to boot an Engine. Only the
// storage collaborators (FrameSource, ResultSink) and CacheDiskDir are
// required; an empty HealthStatePath, FalsePositivesPath or
// RegistryDBPath leaves that persistence off, and zero values for the
// remaining knobs select each subsystem's defaults.
type Config struct {
	FrameSource storageio.FrameSource
	ResultSink  storageio.ResultSink
	VideoSource storageio.VideoSource

	CacheDiskDir       string
	HealthStatePath    string
	FalsePositivesPath string
	RegistryDBPath     string
	DetectorInstallDir string

	DecodeCacheSize int
	Logger          *log.Logger
}

// Engine owns one instance of every subsystem (priority queues are
// owned inside the orchestrator, per detector) plus the registry and
// batch pipeline. Boot order is dependency order, leaves first;
// Shutdown runs it in reverse.
type Engine struct {
	log *log.Logger

	Cache        *cache.Cache
	Bus          *events.Bus
	FalsePositives *fpstore.Store
	Supervisor   *recovery.Supervisor
	Registry     *registry.Registry
	registryStore *registry.Store
	Orchestrator *orchestrator.Orchestrator
	Batch        *batch.Processor
	Debug        *debugserver.Server

	installDir string
}

// New boots an Engine: constructs the cache, event bus, false-positive
// store, registry, orchestrator, recovery supervisor, and batch
// pipeline in dependency order and wires the orchestrator/supervisor
// cycle: the supervisor reaches the orchestrator only through the
// narrow recovery.DetectorControl interface, and the orchestrator is
// handed the concrete supervisor with AttachSupervisor.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.FrameSource == nil || cfg.ResultSink == nil {
		return nil, fmt.Errorf("engine: FrameSource and ResultSink are required")
	}
	if cfg.CacheDiskDir == "" {
		return nil, fmt.Errorf("engine: CacheDiskDir is required")
	}

	c, err := cache.New(cache.Config{
		DiskDir: cfg.CacheDiskDir,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: cache: %w", err)
	}

	bus := events.New(logger)

	var fpStore *fpstore.Store
	if cfg.FalsePositivesPath != "" {
		fpStore, err = fpstore.Open(cfg.FalsePositivesPath, logger)
		if err != nil {
			c.Shutdown()
			return nil, fmt.Errorf("engine: fpstore: %w", err)
		}
	}

	var regStore *registry.Store
	var reg *registry.Registry
	if cfg.RegistryDBPath != "" {
		regStore, err = registry.NewStore(cfg.RegistryDBPath)
		if err != nil {
			c.Shutdown()
			return nil, fmt.Errorf("engine: registry store: %w", err)
		}
		reg = registry.New(regStore, registry.NewMigrationRegistry(), logger)
	}

	orch := orchestrator.New(orchestrator.Config{
		Cache:           c,
		Bus:             bus,
		FalsePositives:  fpStore,
		FrameSource:     cfg.FrameSource,
		ResultSink:      cfg.ResultSink,
		DecodeCacheSize: cfg.DecodeCacheSize,
		Logger:          logger,
	})

	supervisor := recovery.New(recovery.Config{
		StatePath: cfg.HealthStatePath,
		Control:   orch,
		Logger:    logger,
		OnFailure: func(name string, fr recovery.FailureRecord) {
			bus.Publish(events.Event{Type: events.TypeDetectorFailure, Detector: name, Payload: map[string]any{"message": fr.Message}})
		},
		OnRecovery: func(name string) {
			bus.Publish(events.Event{Type: events.TypeDetectorRecovered, Detector: name})
		},
		OnDisabled: func(name string) {
			bus.Publish(events.Event{Type: events.TypeDetectorDisabled, Detector: name})
		},
	})
	orch.AttachSupervisor(supervisor)
	supervisor.Start()

	var batchProc *batch.Processor
	if cfg.VideoSource != nil {
		batchProc = batch.New(batch.Config{
			Orchestrator: orch,
			VideoSource:  cfg.VideoSource,
			Bus:          bus,
			Logger:       logger,
		})
	}

	return &Engine{
		log:            logger,
		Cache:          c,
		Bus:            bus,
		FalsePositives: fpStore,
		Supervisor:     supervisor,
		Registry:       reg,
		registryStore:  regStore,
		Orchestrator:   orch,
		Batch:          batchProc,
		Debug:          debugserver.New(c, supervisor, orch, logger),
		installDir:     cfg.DetectorInstallDir,
	}, nil
}

// DiscoverDetectors scans the configured install directory and
// returns the validated candidates, without installing them. Callers
// decide which candidates to Install.
func (e *Engine) DiscoverDetectors() (valid []registry.Candidate, rejected []error, err error) {
	if e.Registry == nil || e.installDir == "" {
		return nil, nil, fmt.Errorf("engine: no registry or install directory configured")
	}
	return e.Registry.DiscoverAndValidate(e.installDir)
}

// Shutdown tears the Engine down in the reverse of boot order:
// supervisor first, then the bus, registry store, and finally the
// cache index flush. It is safe to call once; callers
// that also manage per-take state should call Orchestrator.Stop()
// first if a take is in flight.
func (e *Engine) Shutdown() error {
	e.Supervisor.Stop()
	e.Bus.Close()
	if e.registryStore != nil {
		if err := e.registryStore.Close(); err != nil {
			e.log.Printf("[engine] registry store close: %v", err)
		}
	}
	if err := e.Cache.Shutdown(); err != nil {
		return fmt.Errorf("engine: cache shutdown: %w", err)
	}
	return nil
}

