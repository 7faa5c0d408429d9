// Command engine boots the Detector Orchestration Engine against an
// in-memory stand-in for the storage layer and capture service and
// drives one take to completion, so the full boot/process/teardown
// path can be exercised without a real storage backend or detector
// sandbox fleet.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	engine "continuity-engine"
	"continuity-engine/internal/events"
	"continuity-engine/internal/storageio"
)

func main() {
	var (
		dataDirF    = flag.String("data-dir", "", "Directory for cache, registry, and health-state files (overrides DATA_DIR)")
		installDirF = flag.String("detector-install-dir", "", "Directory to scan for detector packages (overrides DETECTOR_INSTALL_DIR)")
		takeIDF     = flag.Int("take", 1, "Take id to process against the demo frame source")
		debugAddrF  = flag.String("debug-addr", "", "If set, serve read-only /debug/* stats on this address")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[continuity-engine] ", log.Ltime)

	dataDir := *dataDirF
	if dataDir == "" {
		dataDir = os.Getenv("DATA_DIR")
	}
	if dataDir == "" {
		dataDir = "/tmp/continuity-engine"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Fatalf("create data dir %s: %v", dataDir, err)
	}

	installDir := *installDirF
	if installDir == "" {
		installDir = os.Getenv("DETECTOR_INSTALL_DIR")
	}

	storage := storageio.NewMemoryStorage()
	seedTake(storage, 1, 20) // current take: frames 0..19
	seedTake(storage, 2, 20) // reference take: frames 0..19
	storage.SetAngle(1, 1)
	storage.SetReferenceTake(1, 2)

	eng, err := engine.New(engine.Config{
		FrameSource:        storage,
		ResultSink:         storage,
		CacheDiskDir:       filepath.Join(dataDir, "cache"),
		HealthStatePath:    filepath.Join(dataDir, "health.json"),
		FalsePositivesPath: filepath.Join(dataDir, "false_positives.json"),
		RegistryDBPath:     filepath.Join(dataDir, "registry.db"),
		DetectorInstallDir: installDir,
		DecodeCacheSize:    100,
		Logger:             logger,
	})
	if err != nil {
		logger.Fatalf("engine boot failed: %v", err)
	}

	if installDir != "" {
		valid, rejected, err := eng.DiscoverDetectors()
		if err != nil {
			logger.Printf("detector discovery skipped: %v", err)
		} else {
			logger.Printf("discovered %d valid detector package(s), %d rejected", len(valid), len(rejected))
			for _, c := range valid {
				logger.Printf("  %s@%s", c.Manifest.Name, c.Manifest.Version)
			}
		}
	}

	if *debugAddrF != "" {
		go func() {
			logger.Printf("debug server listening on %s", *debugAddrF)
			if err := http.ListenAndServe(*debugAddrF, eng.Debug.Handler()); err != nil {
				logger.Printf("debug server exited: %v", err)
			}
		}()
	}

	unsubscribe := eng.Bus.Subscribe(events.HandlerFunc(func(e events.Event) {
		logger.Printf("event: %s take=%d detector=%s", e.Type, e.TakeID, e.Detector)
	}))
	defer unsubscribe()

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if !eng.Orchestrator.Start(*takeIDF, nil) {
			logger.Printf("take %d failed to start (no registered detectors is a common cause)", *takeIDF)
			return
		}
		for {
			st := eng.Orchestrator.Status()
			if !st.Running {
				logger.Printf("take %d complete: %d/%d frames processed, %d failed", *takeIDF, st.ProcessedFrames, st.TotalFrames, st.FailedFrames)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	select {
	case err := <-errc:
		logger.Printf("exiting (%v)", err)
		eng.Orchestrator.Stop()
	case <-waitDone(&wg):
	}

	wg.Wait()
	if err := eng.Shutdown(); err != nil {
		logger.Printf("shutdown error: %v", err)
	}
	logger.Println("exited")
}

func waitDone(wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// seedTake fills the demo storage with synthetic frame payloads.
func seedTake(storage *storageio.MemoryStorage, takeID, frameCount int) {
	for i := 0; i < frameCount; i++ {
		storage.AddFrame(takeID, i, []byte(fmt.Sprintf("take-%d-frame-%d", takeID, i)), 1920, 1080)
	}
}
