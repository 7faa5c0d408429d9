// Package grouping converts a stream of per-frame Detections into
// ContinuousError groups using description matching plus spatial
// similarity (IoU or center distance).
package grouping

import (
	"log"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"continuity-engine/internal/frame"
)

// MaxFrameGap is the fixed gap tolerance between consecutive members
// of a group. Deliberately not adaptive: a queue that drops middle
// frames can split a group, and widening the gap to compensate is a
// product decision, not an engine one.
const MaxFrameGap = 5

// IoUThreshold and CenterDistanceThreshold are the spatial-match
// thresholds.
const (
	IoUThreshold            = 0.5
	CenterDistanceThreshold = 100.0
)

type openGroup struct {
	group     *frame.ContinuousError
	lastFrame int
}

// Engine groups Detections for one take into ContinuousErrors. Not
// safe for concurrent use without external synchronization beyond the
// Add/Sweep/Snapshot methods, which are themselves internally locked.
type Engine struct {
	mu     sync.Mutex
	open   map[string]*openGroup // group id -> open group
	order  []string              // insertion order of currently-open ids, for stable sweeps
	closed []*frame.ContinuousError
	log    *log.Logger
}

// New constructs an empty grouping Engine for one take.
func New(logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{open: make(map[string]*openGroup), log: logger}
}

// Add ingests one Detection in frame order. Detections with
// Confidence <= 0 are not grouped: exactly 0.0 means "no error found"
// and negative is the failure sentinel.
func (e *Engine) Add(d frame.Detection) {
	if d.Confidence <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	match := e.findMatchLocked(d)
	if match != nil {
		e.appendLocked(match, d)
		return
	}
	e.openNewLocked(d)
}

// AddBatch ingests a batch of Detections, sorting by
// (detector_name, frame_number) first so out-of-order arrival cannot
// split groups.
func (e *Engine) AddBatch(detections []frame.Detection) {
	sorted := make([]frame.Detection, len(detections))
	copy(sorted, detections)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].DetectorName != sorted[j].DetectorName {
			return sorted[i].DetectorName < sorted[j].DetectorName
		}
		return sorted[i].FrameNumber < sorted[j].FrameNumber
	})
	for _, d := range sorted {
		e.Add(d)
	}
}

// findMatchLocked looks for an open group for the same detector within
// MaxFrameGap whose description and spatial signature match d. Must be
// called with e.mu held.
func (e *Engine) findMatchLocked(d frame.Detection) *openGroup {
	normDesc := frame.NormalizeDescription(d.Description)
	for _, id := range e.order {
		og, ok := e.open[id]
		if !ok {
			continue
		}
		if og.group.DetectorName != d.DetectorName {
			continue
		}
		if d.FrameNumber-og.lastFrame > MaxFrameGap {
			continue
		}
		if frame.NormalizeDescription(og.group.Description) != normDesc {
			continue
		}
		if spatiallySimilar(og.group, d) {
			return og
		}
	}
	return nil
}

// spatiallySimilar implements the spatial-match rule: IoU >=
// IoUThreshold for any box pair, OR center distance within
// CenterDistanceThreshold for any pair, OR both sides empty
// (text-only match).
func spatiallySimilar(group *frame.ContinuousError, d frame.Detection) bool {
	lastBoxes := lastBoxesOf(group)
	if len(lastBoxes) == 0 && len(d.BoundingBoxes) == 0 {
		return true
	}
	if len(lastBoxes) == 0 || len(d.BoundingBoxes) == 0 {
		return false
	}
	for _, a := range lastBoxes {
		for _, b := range d.BoundingBoxes {
			if a.IoU(b) >= IoUThreshold {
				return true
			}
			ax, ay := a.Center()
			bx, by := b.Center()
			if euclidean(ax, ay, bx, by) <= CenterDistanceThreshold {
				return true
			}
		}
	}
	return false
}

func euclidean(x1, y1, x2, y2 float64) float64 {
	dx, dy := x2-x1, y2-y1
	return math.Sqrt(dx*dx + dy*dy)
}

func lastBoxesOf(group *frame.ContinuousError) []frame.BoundingBox {
	if len(group.Members) == 0 {
		return nil
	}
	return group.Members[len(group.Members)-1].Detection.BoundingBoxes
}

func (e *Engine) appendLocked(og *openGroup, d frame.Detection) {
	og.group.Members = append(og.group.Members, frame.ErrorOccurrence{Detection: d, Timestamp: d.Timestamp})
	og.group.LastFrame = d.FrameNumber
	og.lastFrame = d.FrameNumber
}

func (e *Engine) openNewLocked(d frame.Detection) {
	id := uuid.NewString()
	g := &frame.ContinuousError{
		ID:           id,
		DetectorName: d.DetectorName,
		Description:  d.Description,
		FirstFrame:   d.FrameNumber,
		LastFrame:    d.FrameNumber,
		Members:      []frame.ErrorOccurrence{{Detection: d, Timestamp: d.Timestamp}},
	}
	e.open[id] = &openGroup{group: g, lastFrame: d.FrameNumber}
	e.order = append(e.order, id)
}

// Sweep closes any group whose last-seen frame is more than
// MaxFrameGap behind cursor. Closed
// groups leave the open table — no later Detection can extend them —
// but remain part of the take's result set returned by Snapshot.
func (e *Engine) Sweep(cursor int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.order[:0]
	for _, id := range e.order {
		og := e.open[id]
		if cursor-og.lastFrame > MaxFrameGap {
			e.closed = append(e.closed, og.group)
			delete(e.open, id)
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

// Snapshot returns the finalized, summarized list of groups seen so
// far (open or swept), sorted by first_frame. It
// is safe to call mid-stream; groups still open simply reflect their
// current extent.
func (e *Engine) Snapshot() []frame.ContinuousError {
	e.mu.Lock()
	all := make([]*frame.ContinuousError, 0, len(e.closed)+len(e.order))
	all = append(all, e.closed...)
	for _, id := range e.order {
		all = append(all, e.open[id].group)
	}
	e.mu.Unlock()

	out := make([]frame.ContinuousError, 0, len(all))
	for _, g := range all {
		out = append(out, summarize(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstFrame < out[j].FirstFrame })
	return out
}

// summarize computes a group's derived fields: average confidence,
// the all-false-positive flag, and the first/last frame extent from
// the Members slice order.
func summarize(g *frame.ContinuousError) frame.ContinuousError {
	out := *g
	if len(g.Members) == 0 {
		return out
	}
	var sum float64
	allFP := true
	for _, m := range g.Members {
		sum += m.Detection.Confidence
		if !m.Detection.IsFalsePositive {
			allFP = false
		}
	}
	out.AverageConfidence = sum / float64(len(g.Members))
	out.AllFalsePositive = allFP
	out.FirstFrame = g.Members[0].Detection.FrameNumber
	out.LastFrame = g.Members[len(g.Members)-1].Detection.FrameNumber
	return out
}
