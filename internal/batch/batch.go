// Package batch processes uploaded video files: it segments the
// video, processes segments in a resource-throttled worker pool,
// optionally deduplicates near-identical frames via a perceptual
// hash, and terminates a segment early on an error flood.
package batch

import (
	"fmt"
	"log"
	"sync"
	"time"

	"continuity-engine/internal/events"
	"continuity-engine/internal/frame"
	"continuity-engine/internal/orchestrator"
	"continuity-engine/internal/storageio"
)

// Pipeline defaults, all overridable via Config.
const (
	DefaultSegmentSize                   = 300
	DefaultMaxParallelSegments           = 4
	DefaultEarlyTerminationErrorThreshold = 10
	DefaultProcessingTimeout             = 300 * time.Second
	FrameBatchSize                       = 10
)

// SegmentStatus is one segment's lifecycle state.
type SegmentStatus string

const (
	SegmentPending    SegmentStatus = "pending"
	SegmentProcessing SegmentStatus = "processing"
	SegmentCompleted  SegmentStatus = "completed"
	SegmentFailed     SegmentStatus = "failed"
)

// Segment is one contiguous slice of the video assigned to a single
// worker.
type Segment struct {
	ID                int
	StartFrame        int
	EndFrameExclusive int
	VideoPath         string
}

// SegmentProgress is a snapshot of one segment's processing state.
type SegmentProgress struct {
	ID              int
	Status          SegmentStatus
	ProcessedFrames int
	TotalFrames     int
	DuplicateFrames int
	ErrorsFound     int
	FPS             float64
	ETA             time.Duration
	Err             string
	StartedAt       time.Time
	EndedAt         time.Time
}

// Progress aggregates every segment's progress for one batch take.
type Progress struct {
	TakeID          int
	TotalSegments   int
	TotalFrames     int
	ProcessedFrames int
	Segments        map[int]SegmentProgress
}

// Config configures a Processor.
type Config struct {
	Orchestrator                   *orchestrator.Orchestrator
	VideoSource                    storageio.VideoSource
	Bus                            *events.Bus
	Monitor                        ResourceMonitor
	SegmentSize                    int
	MaxParallelSegments            int
	EarlyTerminationErrorThreshold int
	ProcessingTimeout              time.Duration
	Deduplicate                    bool
	Logger                         *log.Logger
}

// Processor drives batch processing of uploaded video files.
type Processor struct {
	orch                 *orchestrator.Orchestrator
	video                storageio.VideoSource
	bus                  *events.Bus
	monitor               ResourceMonitor
	segmentSize           int
	maxParallelSegments   int
	errorThreshold        int
	processingTimeout     time.Duration
	deduplicate           bool
	log                   *log.Logger

	mu       sync.RWMutex
	progress map[int]*Progress // take id -> progress
}

// New constructs a Processor. If cfg.Monitor is nil, a
// StaticResourceMonitor that never throttles is used.
func New(cfg Config) *Processor {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if cfg.MaxParallelSegments <= 0 {
		cfg.MaxParallelSegments = DefaultMaxParallelSegments
	}
	if cfg.EarlyTerminationErrorThreshold <= 0 {
		cfg.EarlyTerminationErrorThreshold = DefaultEarlyTerminationErrorThreshold
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = DefaultProcessingTimeout
	}
	if cfg.Monitor == nil {
		cfg.Monitor = StaticResourceMonitor{Workers: cfg.MaxParallelSegments}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{
		orch:                cfg.Orchestrator,
		video:               cfg.VideoSource,
		bus:                 cfg.Bus,
		monitor:             cfg.Monitor,
		segmentSize:         cfg.SegmentSize,
		maxParallelSegments: cfg.MaxParallelSegments,
		errorThreshold:      cfg.EarlyTerminationErrorThreshold,
		processingTimeout:   cfg.ProcessingTimeout,
		deduplicate:         cfg.Deduplicate,
		log:                 logger,
		progress:            make(map[int]*Progress),
	}
}

// Segments computes the fixed-size segmentation of a video with the
// given total frame count.
func (p *Processor) Segments(videoPath string, totalFrames int) []Segment {
	n := (totalFrames + p.segmentSize - 1) / p.segmentSize
	out := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		start := i * p.segmentSize
		end := start + p.segmentSize
		if end > totalFrames {
			end = totalFrames
		}
		out = append(out, Segment{ID: i, StartFrame: start, EndFrameExclusive: end, VideoPath: videoPath})
	}
	return out
}

// ProcessVideo segments the video, runs segments through a
// resource-throttled worker pool, and returns the final aggregated
// progress. The monitor's worker-count recommendation is read once,
// before dispatch starts, and sizes the pool for the whole video.
func (p *Processor) ProcessVideo(takeID int, videoPath string, totalFrames int) Progress {
	segments := p.Segments(videoPath, totalFrames)

	prog := &Progress{TakeID: takeID, TotalSegments: len(segments), TotalFrames: totalFrames, Segments: make(map[int]SegmentProgress, len(segments))}
	for _, s := range segments {
		prog.Segments[s.ID] = SegmentProgress{ID: s.ID, Status: SegmentPending, TotalFrames: s.EndFrameExclusive - s.StartFrame}
	}
	p.mu.Lock()
	p.progress[takeID] = prog
	p.mu.Unlock()

	p.monitor.Start()
	defer p.monitor.Stop()

	sem := make(chan struct{}, p.recommendedWorkers())
	var wg sync.WaitGroup
	for _, seg := range segments {
		sem <- struct{}{}
		wg.Add(1)
		go func(s Segment) {
			defer wg.Done()
			defer func() { <-sem }()
			p.processSegment(takeID, s)
		}(seg)
	}
	wg.Wait()

	return p.Progress(takeID)
}

func (p *Processor) recommendedWorkers() int {
	n := p.monitor.RecommendedWorkers(p.maxParallelSegments)
	if n < 1 {
		n = 1
	}
	return n
}

// Progress returns the current aggregated progress for a take.
func (p *Processor) Progress(takeID int) Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prog, ok := p.progress[takeID]
	if !ok {
		return Progress{TakeID: takeID}
	}
	out := Progress{TakeID: prog.TakeID, TotalSegments: prog.TotalSegments, TotalFrames: prog.TotalFrames, Segments: make(map[int]SegmentProgress, len(prog.Segments))}
	for id, sp := range prog.Segments {
		out.Segments[id] = sp
		out.ProcessedFrames += sp.ProcessedFrames
	}
	return out
}

func (p *Processor) setSegmentProgress(takeID int, sp SegmentProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prog, ok := p.progress[takeID]; ok {
		prog.Segments[sp.ID] = sp
	}
}

// processSegment runs one segment to completion (or early
// termination), updating its progress as it goes.
func (p *Processor) processSegment(takeID int, seg Segment) {
	sp := SegmentProgress{ID: seg.ID, Status: SegmentProcessing, TotalFrames: seg.EndFrameExclusive - seg.StartFrame, StartedAt: time.Now()}
	p.setSegmentProgress(takeID, sp)
	p.publishProgress(takeID, sp)

	done := make(chan error, 1)
	go func() { done <- p.runSegment(takeID, seg, &sp) }()

	select {
	case err := <-done:
		sp.EndedAt = time.Now()
		if err != nil {
			sp.Status = SegmentFailed
			sp.Err = err.Error()
			p.log.Printf("[batch] take %d segment %d failed: %v", takeID, seg.ID, err)
		} else {
			sp.Status = SegmentCompleted
		}
	case <-time.After(p.processingTimeout):
		sp.EndedAt = time.Now()
		sp.Status = SegmentFailed
		sp.Err = "segment processing timed out"
		p.log.Printf("[batch] take %d segment %d timed out after %s", takeID, seg.ID, p.processingTimeout)
	}
	p.setSegmentProgress(takeID, sp)
	p.publishProgress(takeID, sp)
}

func (p *Processor) publishProgress(takeID int, sp SegmentProgress) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{Type: events.TypeBatchProgress, TakeID: takeID, Payload: map[string]any{
		"segment":          sp.ID,
		"status":           string(sp.Status),
		"processed_frames": sp.ProcessedFrames,
		"total_frames":     sp.TotalFrames,
		"errors_found":     sp.ErrorsFound,
	}})
}

// runSegment opens the video at the segment's start frame, reads
// frames sequentially, optionally deduplicates via perceptual hash,
// and hands frames to the orchestrator's detector fan-out in batches
// of 10. Stops early once cumulative errors found reach
// the configured threshold.
func (p *Processor) runSegment(takeID int, seg Segment, sp *SegmentProgress) error {
	reader, err := p.video.OpenSegment(seg.VideoPath, seg.StartFrame, seg.EndFrameExclusive)
	if err != nil {
		return fmt.Errorf("batch: open segment %d: %w", seg.ID, err)
	}
	defer reader.Close()

	var recent recentHashes
	resultsByHash := make(map[string]int) // hash -> errors found on the original frame

	processed := 0
	cumulativeErrors := 0
	pending := make([]frame.FramePair, 0, FrameBatchSize)

	flush := func() {
		for _, pair := range pending {
			n := p.orch.DispatchFramePair(pair)
			resultsByHash[hashKey(pair.CurrentFrameNumber)] = n
			cumulativeErrors += n
			processed++
			elapsed := time.Since(sp.StartedAt).Seconds()
			sp.ProcessedFrames = processed
			sp.ErrorsFound = cumulativeErrors
			if elapsed > 0 {
				sp.FPS = float64(processed) / elapsed
				remaining := sp.TotalFrames - processed
				if sp.FPS > 0 {
					sp.ETA = time.Duration(float64(remaining)/sp.FPS) * time.Second
				}
			}
			p.setSegmentProgress(takeID, *sp)
		}
		pending = pending[:0]
	}

	for {
		if cumulativeErrors >= p.errorThreshold {
			p.log.Printf("[batch] take %d segment %d: early termination at %d errors", takeID, seg.ID, cumulativeErrors)
			break
		}
		frameNumber, payload, ok, rerr := reader.Next()
		if rerr != nil {
			return fmt.Errorf("batch: read segment %d: %w", seg.ID, rerr)
		}
		if !ok {
			break
		}

		if p.deduplicate {
			hash := perceptualHash(payload)
			if srcFrame, dup := recent.findDuplicate(hash); dup {
				sp.DuplicateFrames++
				// Reuse the original's recorded error count rather than
				// re-running detectors.
				cumulativeErrors += resultsByHash[hashKey(srcFrame)]
				processed++
				p.setSegmentProgress(takeID, *sp)
				continue
			}
			recent.push(hash, frameNumber)
		}

		pending = append(pending, frame.FramePair{
			TakeID:             takeID,
			CurrentFrameNumber: frameNumber,
			Current:            frame.Frame{TakeID: takeID, FrameNumber: frameNumber, Bytes: payload},
			CreatedAt:          time.Now(),
		})
		if len(pending) >= FrameBatchSize {
			flush()
		}
	}
	flush()
	return nil
}

func hashKey(frameNumber int) string { return fmt.Sprintf("frame:%d", frameNumber) }
