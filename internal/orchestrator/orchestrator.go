package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"continuity-engine/internal/cache"
	"continuity-engine/internal/events"
	"continuity-engine/internal/frame"
	"continuity-engine/internal/fpstore"
	"continuity-engine/internal/grouping"
	"continuity-engine/internal/queue"
	"continuity-engine/internal/recovery"
	"continuity-engine/internal/sandbox"
	"continuity-engine/internal/storageio"
)

// Fixed synchronization timeouts for the take worker and its
// per-detector fan-out.
const (
	PerDetectorJoinTimeout  = 30 * time.Second
	TakeStopJoinTimeout     = 10 * time.Second
	DetectorCompletionWait  = 60 * time.Second
)

// DetectorHandle is one enabled detector's wiring: its sandbox
// process, its priority queue (used by the live single-frame path),
// and its current config.
type DetectorHandle struct {
	Name          string
	Version       string
	sandboxConfig sandbox.Config // retained to rebuild a fresh sandbox on recovery

	mu      sync.Mutex
	box     *sandbox.Sandbox
	q       *queue.Queue
	config  frame.Config
	enabled bool

	stopQueueWorker chan struct{}
	queueWorkerDone chan struct{}
}

// Orchestrator drives take processing. One Orchestrator instance
// is constructed per active take-processing context and is explicitly
// wired with its collaborators at boot.
type Orchestrator struct {
	log         *log.Logger
	cache       *cache.Cache
	supervisor  *recovery.Supervisor
	bus         *events.Bus
	fpStore     *fpstore.Store
	frameSource storageio.FrameSource
	resultSink  storageio.ResultSink

	decodeCache *decodeCache

	mu        sync.RWMutex
	detectors map[string]*DetectorHandle
	groups    map[int]*grouping.Engine // take id -> grouping engine

	stateMu sync.RWMutex
	state   *takeState
}

// Config wires an Orchestrator's collaborators.
type Config struct {
	Cache           *cache.Cache
	Supervisor      *recovery.Supervisor
	Bus             *events.Bus
	FalsePositives  *fpstore.Store
	FrameSource     storageio.FrameSource
	ResultSink      storageio.ResultSink
	DecodeCacheSize int
	Logger          *log.Logger
}

// New constructs an Orchestrator. The caller registers detectors with
// RegisterDetector before calling Start.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		log:         logger,
		cache:       cfg.Cache,
		supervisor:  cfg.Supervisor,
		bus:         cfg.Bus,
		fpStore:     cfg.FalsePositives,
		frameSource: cfg.FrameSource,
		resultSink:  cfg.ResultSink,
		decodeCache: newDecodeCache(cfg.DecodeCacheSize),
		detectors:   make(map[string]*DetectorHandle),
		groups:      make(map[int]*grouping.Engine),
	}
}

// AttachSupervisor wires the recovery supervisor after
// construction, breaking the Orchestrator/Supervisor construction
// cycle: the supervisor's Config.Control must be an already-built
// Orchestrator, so the engine
// composition root builds the Orchestrator first, then the Supervisor
// with that Orchestrator as its Control, then calls AttachSupervisor
// before any take starts processing.
func (o *Orchestrator) AttachSupervisor(s *recovery.Supervisor) {
	o.supervisor = s
}

// RegisterDetector dials a fresh sandbox for the named detector, wires
// its priority queue, and initializes it with the given config.
// queueCapacity sizes the detector's queue, used by the live
// single-frame path.
func (o *Orchestrator) RegisterDetector(ctx context.Context, sboxCfg sandbox.Config, queueCapacity int, config frame.Config) error {
	box := sandbox.New(sboxCfg)
	if err := box.Initialize(ctx, config); err != nil {
		return fmt.Errorf("orchestrator: register detector %s: %w", sboxCfg.DetectorName, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detectors[sboxCfg.DetectorName] = &DetectorHandle{
		Name:          sboxCfg.DetectorName,
		Version:       sboxCfg.DetectorVersion,
		sandboxConfig: sboxCfg,
		box:           box,
		q:             queue.New(queueCapacity, o.log),
		config:        config,
		enabled:       true,
	}
	return nil
}

// EnabledDetectors returns the names of every currently-enabled
// detector, sorted for deterministic iteration order.
func (o *Orchestrator) EnabledDetectors() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var names []string
	for name, h := range o.detectors {
		h.mu.Lock()
		enabled := h.enabled
		h.mu.Unlock()
		if enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (o *Orchestrator) groupingFor(takeID int) *grouping.Engine {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.groups[takeID]
	if !ok {
		g = grouping.New(o.log)
		o.groups[takeID] = g
	}
	return g
}

// GroupedResults returns the current ContinuousError groups computed
// for a take so far.
func (o *Orchestrator) GroupedResults(takeID int) []frame.ContinuousError {
	return o.groupingFor(takeID).Snapshot()
}

// Start validates the take and reference take exist, computes the
// frame bound, and launches the worker goroutine.
// Returns false on any validation failure; reasons are logged, never
// raised.
func (o *Orchestrator) Start(takeID int, referenceTakeID *int) bool {
	o.stateMu.Lock()
	if o.state != nil && o.state.running {
		o.stateMu.Unlock()
		o.log.Printf("[orchestrator] start(%d) rejected: a take is already processing", takeID)
		return false
	}
	o.stateMu.Unlock()

	currentFrames, err := o.frameSource.ListFrameNumbers(takeID)
	if err != nil || len(currentFrames) == 0 {
		o.log.Printf("[orchestrator] start(%d) failed: no frames for current take: %v", takeID, err)
		return false
	}

	refTakeID := 0
	if referenceTakeID != nil {
		refTakeID = *referenceTakeID
	} else {
		angleID, ok := o.frameSource.GetTakeAngleID(takeID)
		if !ok {
			o.log.Printf("[orchestrator] start(%d) failed: take has no angle assigned", takeID)
			return false
		}
		ref, ok := o.frameSource.GetAngleReferenceTakeID(angleID)
		if !ok {
			o.log.Printf("[orchestrator] start(%d) failed: no reference take configured for angle %d", takeID, angleID)
			return false
		}
		refTakeID = ref
	}

	refFrames, err := o.frameSource.ListFrameNumbers(refTakeID)
	if err != nil || len(refFrames) == 0 {
		o.log.Printf("[orchestrator] start(%d) failed: no frames for reference take %d: %v", takeID, refTakeID, err)
		return false
	}

	maxCurrent := maxInt(currentFrames)
	maxRef := maxInt(refFrames)
	totalFrames := minInt(maxCurrent, maxRef) + 1

	detectorNames := o.EnabledDetectors()
	state := newTakeState(takeID, refTakeID, totalFrames, detectorNames)

	o.stateMu.Lock()
	o.state = state
	o.stateMu.Unlock()

	o.bus.Publish(events.Event{Type: events.TypeProcessingStarted, TakeID: takeID, Payload: map[string]any{"detectors": detectorNames}})
	go o.worker(state, refFrames)
	return true
}

// Stop requests the in-flight worker to finish its current frame and
// exit, joining with a 10s timeout.
func (o *Orchestrator) Stop() {
	o.stateMu.RLock()
	state := o.state
	o.stateMu.RUnlock()
	if state == nil {
		return
	}
	state.requestStop()
	select {
	case <-state.done:
	case <-time.After(TakeStopJoinTimeout):
		o.log.Printf("[orchestrator] stop(%d) timed out waiting for worker to exit", state.takeID)
	}
}

// Status returns a snapshot of the current (or last) take's
// processing progress.
func (o *Orchestrator) Status() Status {
	o.stateMu.RLock()
	state := o.state
	o.stateMu.RUnlock()
	if state == nil {
		return Status{}
	}
	return state.snapshot()
}

// worker iterates frames in ascending order up to the shorter take's
// last frame, fanning out to every enabled detector per frame with a
// 30s per-detector join, then fires processing_complete regardless of
// partial failures.
func (o *Orchestrator) worker(state *takeState, refFrames []int) {
	defer state.finish()

	refByNumber := make(map[int]frame.Frame, len(refFrames))
	var fallbackRef *frame.Frame
	for _, fn := range refFrames {
		if raw, w, h, ok := o.frameSource.GetFrameBytes(state.referenceTakeID, fn); ok {
			f := frame.Frame{TakeID: state.referenceTakeID, FrameNumber: fn, Bytes: raw, Width: w, Height: h}
			refByNumber[fn] = f
			if fallbackRef == nil {
				fallbackRef = &f
			}
		}
	}

	detectorNames := o.EnabledDetectors()

	for current := 0; current < state.totalFrames; current++ {
		if state.isStopRequested() {
			o.log.Printf("[orchestrator] take %d: stop requested, exiting after frame %d", state.takeID, current)
			break
		}

		rawCurrent, w, h, ok := o.frameSource.GetFrameBytes(state.takeID, current)
		if !ok {
			state.incFailed()
			continue
		}
		currentFrame := frame.Frame{TakeID: state.takeID, FrameNumber: current, Bytes: rawCurrent, Width: w, Height: h}

		refFrame, ok := refByNumber[current]
		if !ok {
			if fallbackRef == nil {
				state.incFailed()
				continue
			}
			refFrame = *fallbackRef
		}

		// Decoding is best-effort: it only warms the pixel-buffer LRU for
		// callers that need it (e.g. a future perceptual-hash pass); the
		// sandbox RPC itself carries frame identity, not pixels, so a
		// decode failure does not stop the detector fan-out below.
		if _, err := o.decodeOrCached(currentFrame.TakeID, currentFrame.FrameNumber, currentFrame.Bytes); err != nil {
			o.log.Printf("[orchestrator] take %d: decode failed for frame %d: %v", state.takeID, current, err)
		}
		if _, err := o.decodeOrCached(refFrame.TakeID, refFrame.FrameNumber, refFrame.Bytes); err != nil {
			o.log.Printf("[orchestrator] take %d: decode failed for reference frame %d: %v", state.takeID, refFrame.FrameNumber, err)
		}

		pair := frame.FramePair{
			TakeID:               state.takeID,
			CurrentFrameNumber:   current,
			ReferenceFrameNumber: refFrame.FrameNumber,
			Current:              currentFrame,
			Reference:            refFrame,
			CreatedAt:            time.Now(),
		}

		o.dispatchFrame(state, pair, detectorNames)
		o.groupingFor(state.takeID).Sweep(current)
		state.incProcessed()
		o.bus.Publish(events.Event{Type: events.TypeFrameProcessed, TakeID: state.takeID, Payload: map[string]any{"frame": current}})
	}

	o.waitForDetectorCompletion(state)

	summary := map[string]any{"processed_frames": state.snapshot().ProcessedFrames, "failed_frames": state.snapshot().FailedFrames}
	o.bus.Publish(events.Event{Type: events.TypeProcessingComplete, TakeID: state.takeID, Payload: summary})
}

// dispatchFrame fans pair out to every named detector concurrently,
// joining each with a 30s timeout.
func (o *Orchestrator) dispatchFrame(state *takeState, pair frame.FramePair, detectorNames []string) {
	var wg sync.WaitGroup
	for _, name := range detectorNames {
		handle := o.handleFor(name)
		if handle == nil {
			continue
		}
		wg.Add(1)
		go func(h *DetectorHandle) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				o.processForDetector(state, h, pair)
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(PerDetectorJoinTimeout):
				o.log.Printf("[orchestrator] take %d: detector %s timed out on frame %d", state.takeID, h.Name, pair.CurrentFrameNumber)
			}
		}(handle)
	}
	wg.Wait()
}

// DispatchFramePair fans one frame pair out to every enabled detector,
// joining each with the standard 30s per-detector timeout, and returns
// the total count of non-failure, positive-confidence Detections
// recorded. Used by the batch pipeline, which drives its own
// per-segment frame loop outside of a Start()-managed take.
func (o *Orchestrator) DispatchFramePair(pair frame.FramePair) int {
	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for _, name := range o.EnabledDetectors() {
		handle := o.handleFor(name)
		if handle == nil {
			continue
		}
		wg.Add(1)
		go func(h *DetectorHandle) {
			defer wg.Done()
			done := make(chan int, 1)
			go func() {
				done <- o.processForDetector(nil, h, pair)
			}()
			select {
			case n := <-done:
				mu.Lock()
				total += n
				mu.Unlock()
			case <-time.After(PerDetectorJoinTimeout):
				o.log.Printf("[orchestrator] detector %s timed out on batch frame %d", h.Name, pair.CurrentFrameNumber)
			}
		}(handle)
	}
	wg.Wait()
	return total
}

func (o *Orchestrator) handleFor(name string) *DetectorHandle {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.detectors[name]
}

// processForDetector consults the cache, calls the sandbox on a miss,
// reports the outcome to the supervisor, pushes results into the
// grouping engine, and appends to the result sink — the per-(frame,
// detector) unit of work shared by the take worker, the batch
// pipeline, and the per-detector queue-drain loop. Returns the number
// of non-failure, positive-confidence Detections recorded, for the
// batch pipeline's early-termination error count.
func (o *Orchestrator) processForDetector(state *takeState, h *DetectorHandle, pair frame.FramePair) (errorsFound int) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Printf("[orchestrator] detector %s panicked on frame %d: %v", h.Name, pair.CurrentFrameNumber, r)
			o.supervisor.ReportFailure(h.Name, pair.CurrentFrameNumber, fmt.Sprintf("panic: %v", r))
			if state != nil {
				state.recordDetector(h.Name, true, "error")
			}
		}
	}()

	h.mu.Lock()
	box := h.box
	config := h.config
	h.mu.Unlock()

	frameHash := cache.FrameContentHash(pair.Current.Bytes)
	configHash := cache.ConfigHash(config)
	key := cache.CompositeKey(frameHash, h.Name, h.Version, configHash, pair.SceneContext())

	detections, hit := o.cache.Get(key)
	start := time.Now()
	if !hit {
		ctx, cancel := context.WithTimeout(context.Background(), PerDetectorJoinTimeout)
		detections = box.ProcessFrame(ctx, pair)
		cancel()
		if err := o.cache.Put(key, detections); err != nil {
			o.log.Printf("[orchestrator] cache put failed for %s: %v", key, err)
		}
	}
	elapsed := time.Since(start)

	failed := false
	for _, d := range detections {
		if d.Failed() {
			failed = true
			o.supervisor.ReportFailure(h.Name, pair.CurrentFrameNumber, d.Description)
			continue
		}
		if o.fpStore != nil && o.fpStore.IsFalsePositive(h.Name, d.FrameNumber, pair.TakeID) {
			d.IsFalsePositive = true
		}
		o.groupingFor(pair.TakeID).Add(d)
		if o.resultSink != nil {
			if err := o.resultSink.AppendDetection(pair.TakeID, d.FrameNumber, d.DetectorName, d.Confidence, d.Description, d.BoundingBoxes, d.Metadata); err != nil {
				o.log.Printf("[orchestrator] result sink append failed: %v", err)
			}
		}
		if d.Confidence > 0 {
			errorsFound++
		}
	}
	if !failed {
		o.supervisor.ReportSuccess(h.Name, float64(elapsed.Milliseconds()))
	}
	if state != nil {
		status := "ok"
		if failed {
			status = "error"
		}
		state.recordDetector(h.Name, true, status)
	}
	return errorsFound
}

// waitForDetectorCompletion waits up to 60s for every detector's
// per-detector processed counter to reach the take's processed-frame
// count. Since dispatchFrame already joins
// per-frame work synchronously, this is normally an immediate return;
// it exists to bound any detector whose queue-drain goroutine (the
// live path) is still catching up when the take's frame enumeration
// finishes.
func (o *Orchestrator) waitForDetectorCompletion(state *takeState) {
	deadline := time.Now().Add(DetectorCompletionWait)
	for time.Now().Before(deadline) {
		snap := state.snapshot()
		allCaughtUp := true
		for _, dp := range snap.Detectors {
			if dp.Processed < snap.ProcessedFrames {
				allCaughtUp = false
				break
			}
		}
		if allCaughtUp {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// ProcessFramePairLive is the single-shot path used during live
// capture: it assembles one FramePair and offers it to every enabled
// detector's priority queue. Acceptance (including a selective drop
// under queue pressure) counts as success.
func (o *Orchestrator) ProcessFramePairLive(referenceTakeID, currentTakeID, frameID int) bool {
	rawCurrent, w, h, ok := o.frameSource.GetFrameBytes(currentTakeID, frameID)
	if !ok {
		return false
	}
	refFrames, err := o.frameSource.ListFrameNumbers(referenceTakeID)
	if err != nil || len(refFrames) == 0 {
		return false
	}
	refNumber := frameID
	rawRef, rw, rh, ok := o.frameSource.GetFrameBytes(referenceTakeID, refNumber)
	if !ok {
		refNumber = refFrames[0]
		rawRef, rw, rh, ok = o.frameSource.GetFrameBytes(referenceTakeID, refNumber)
		if !ok {
			return false
		}
	}

	currentFrames, err := o.frameSource.ListFrameNumbers(currentTakeID)
	if err != nil {
		return false
	}
	total := maxInt(currentFrames) + 1

	pair := frame.FramePair{
		TakeID:               currentTakeID,
		CurrentFrameNumber:   frameID,
		ReferenceFrameNumber: refNumber,
		Current:              frame.Frame{TakeID: currentTakeID, FrameNumber: frameID, Bytes: rawCurrent, Width: w, Height: h},
		Reference:            frame.Frame{TakeID: referenceTakeID, FrameNumber: refNumber, Bytes: rawRef, Width: rw, Height: rh},
		CreatedAt:            time.Now(),
	}

	accepted := true
	for _, name := range o.EnabledDetectors() {
		handle := o.handleFor(name)
		if handle == nil {
			continue
		}
		if !handle.q.Put(pair, total) {
			accepted = false
		}
	}
	return accepted
}

// StartQueueWorkers launches the persistent per-detector goroutine
// that drains each enabled detector's priority queue, used by the live single-frame path.
func (o *Orchestrator) StartQueueWorkers() {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, h := range o.detectors {
		h.mu.Lock()
		if h.stopQueueWorker != nil {
			h.mu.Unlock()
			continue
		}
		h.stopQueueWorker = make(chan struct{})
		h.queueWorkerDone = make(chan struct{})
		stop := h.stopQueueWorker
		done := h.queueWorkerDone
		h.mu.Unlock()
		go o.drainQueue(h, stop, done)
	}
}

func (o *Orchestrator) drainQueue(h *DetectorHandle, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		pair, ok := h.q.Get(time.Second)
		if !ok {
			continue
		}
		o.processForDetector(nil, h, pair)
	}
}

func maxInt(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
