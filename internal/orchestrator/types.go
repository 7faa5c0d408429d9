// Package orchestrator drives processing of a take end to end: frame
// enumeration, frame-pair assembly, per-detector fan-out, progress
// tracking, and lifecycle events. It also exposes the single-shot
// live-capture path used while a take is still being recorded.
package orchestrator

import (
	"sync"
	"time"
)

// DetectorProgress is the per-detector slice of a take's processing
// status.
type DetectorProgress struct {
	Processed int
	Total     int
	Status    string
}

// Status is a snapshot of one take's processing progress.
type Status struct {
	TakeID         int
	TotalFrames    int
	ProcessedFrames int
	FailedFrames   int
	Detectors      map[string]DetectorProgress
	StartedAt      time.Time
	EndedAt        time.Time
	StopRequested  bool
	Running        bool
}

// takeState is the ephemeral, orchestrator-scoped processing state for
// one in-flight take.
type takeState struct {
	mu sync.RWMutex

	takeID          int
	referenceTakeID int
	totalFrames     int
	processedFrames int
	failedFrames    int
	detectors       map[string]*DetectorProgress
	startedAt       time.Time
	endedAt         time.Time
	stopRequested   bool
	running         bool

	stopCh chan struct{}
	done   chan struct{}
}

func newTakeState(takeID, referenceTakeID, totalFrames int, detectorNames []string) *takeState {
	st := &takeState{
		takeID:          takeID,
		referenceTakeID: referenceTakeID,
		totalFrames:     totalFrames,
		detectors:       make(map[string]*DetectorProgress, len(detectorNames)),
		startedAt:       time.Now(),
		running:         true,
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, name := range detectorNames {
		st.detectors[name] = &DetectorProgress{Total: totalFrames, Status: "pending"}
	}
	return st
}

func (s *takeState) snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Status{
		TakeID:          s.takeID,
		TotalFrames:     s.totalFrames,
		ProcessedFrames: s.processedFrames,
		FailedFrames:    s.failedFrames,
		Detectors:       make(map[string]DetectorProgress, len(s.detectors)),
		StartedAt:       s.startedAt,
		EndedAt:         s.endedAt,
		StopRequested:   s.stopRequested,
		Running:         s.running,
	}
	for name, dp := range s.detectors {
		out.Detectors[name] = *dp
	}
	return out
}

func (s *takeState) incProcessed() {
	s.mu.Lock()
	s.processedFrames++
	s.mu.Unlock()
}

func (s *takeState) incFailed() {
	s.mu.Lock()
	s.failedFrames++
	s.mu.Unlock()
}

func (s *takeState) recordDetector(name string, processed bool, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dp, ok := s.detectors[name]
	if !ok {
		dp = &DetectorProgress{Total: s.totalFrames}
		s.detectors[name] = dp
	}
	if processed {
		dp.Processed++
	}
	if status != "" {
		dp.Status = status
	}
}

func (s *takeState) isStopRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopRequested
}

func (s *takeState) requestStop() {
	s.mu.Lock()
	if !s.stopRequested {
		s.stopRequested = true
		close(s.stopCh)
	}
	s.mu.Unlock()
}

func (s *takeState) finish() {
	s.mu.Lock()
	s.running = false
	s.endedAt = time.Now()
	s.mu.Unlock()
	close(s.done)
}
