package orchestrator

import (
	"context"
	"fmt"
	"time"

	"continuity-engine/internal/events"
	"continuity-engine/internal/frame"
	"continuity-engine/internal/recovery"
	"continuity-engine/internal/sandbox"
)

var _ recovery.DetectorControl = (*Orchestrator)(nil)

// DisableDetector marks a detector disabled (it is skipped by future
// EnabledDetectors calls) and stops its queue-drain goroutine and
// sandbox process. Implements recovery.DetectorControl.
func (o *Orchestrator) DisableDetector(name string) error {
	h := o.handleFor(name)
	if h == nil {
		return fmt.Errorf("orchestrator: unknown detector %s", name)
	}
	h.mu.Lock()
	h.enabled = false
	stop := h.stopQueueWorker
	box := h.box
	h.stopQueueWorker = nil
	h.queueWorkerDone = nil
	h.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if box != nil {
		ctx, cancel := context.WithTimeout(context.Background(), PerDetectorJoinTimeout)
		defer cancel()
		if err := box.Cleanup(ctx); err != nil {
			o.log.Printf("[orchestrator] cleanup failed for disabled detector %s: %v", name, err)
		}
	}
	o.bus.Publish(events.Event{Type: events.TypeDetectorDisabled, Detector: name})
	o.log.Printf("[orchestrator] detector %s disabled", name)
	return nil
}

// ReenableDetector builds a brand-new sandbox process for name (the
// existing one, if any, has already transitioned to failed or
// stopped, and Sandbox.Initialize only succeeds from the created
// state) and initializes it with its last-known config merged with
// overlay. Implements recovery.DetectorControl.
func (o *Orchestrator) ReenableDetector(name string, overlay map[string]any) error {
	h := o.handleFor(name)
	if h == nil {
		return fmt.Errorf("orchestrator: unknown detector %s", name)
	}

	h.mu.Lock()
	sboxCfg := h.sandboxConfig
	baseConfig := h.config
	h.mu.Unlock()

	mergedConfig := baseConfig
	if len(overlay) > 0 {
		mergedConfig = frame.Overlay(overlay).MergeWithBase(baseConfig)
	}

	newBox := sandbox.New(sboxCfg)
	ctx, cancel := context.WithTimeout(context.Background(), PerDetectorJoinTimeout)
	defer cancel()
	if err := newBox.Initialize(ctx, mergedConfig); err != nil {
		return fmt.Errorf("orchestrator: reenable %s: %w", name, err)
	}

	h.mu.Lock()
	h.box = newBox
	h.config = mergedConfig
	h.enabled = true
	stop := make(chan struct{})
	done := make(chan struct{})
	h.stopQueueWorker = stop
	h.queueWorkerDone = done
	h.mu.Unlock()

	go o.drainQueue(h, stop, done)
	o.bus.Publish(events.Event{Type: events.TypeDetectorRecovered, Detector: name})
	o.log.Printf("[orchestrator] detector %s reenabled", name)
	return nil
}

// SkipAhead drops every frame pair currently queued for name up to and
// including toFrame, or the whole queue when toFrame < 0 (meaning
// "skip to the current capture position"). Implements
// recovery.DetectorControl.
func (o *Orchestrator) SkipAhead(name string, toFrame int) error {
	h := o.handleFor(name)
	if h == nil {
		return fmt.Errorf("orchestrator: unknown detector %s", name)
	}
	if toFrame < 0 {
		n := h.q.Clear()
		o.log.Printf("[orchestrator] detector %s: skipped ahead, dropped %d queued frames", name, n)
		return nil
	}
	dropped := 0
	var keep []frame.FramePair
	for n := h.q.Size(); n > 0; n-- {
		pair, ok := h.q.Get(50 * time.Millisecond)
		if !ok {
			break
		}
		if pair.CurrentFrameNumber > toFrame {
			keep = append(keep, pair)
			continue
		}
		dropped++
	}
	for _, pair := range keep {
		h.q.Put(pair, 0)
	}
	o.log.Printf("[orchestrator] detector %s: skipped ahead to frame %d, dropped %d queued frames", name, toFrame, dropped)
	return nil
}
