// Package queue implements the per-detector priority frame queue: a
// bounded queue that prioritizes first/last frames of a take and
// selectively drops middle frames under pressure.
package queue

import (
	"container/heap"
	"log"
	"math/rand"
	"sync"
	"time"

	"continuity-engine/internal/frame"
)

// BoundaryFrames is the width of the prioritized band at each end of
// a take.
const BoundaryFrames = 10

// HighWaterFraction is the fraction of capacity at which selective
// dropping begins.
const HighWaterFraction = 0.8

// MaxCumulativeDropRate caps the fraction of frames ever added that
// may be selectively dropped.
const MaxCumulativeDropRate = 0.5

// item is a FramePair annotated with its queue priority. Lower
// priority value sorts first (more important).
type item struct {
	pair        frame.FramePair
	priority    float64
	isFirst     bool
	isLast      bool
	seq         int64 // insertion order, for tie-breaking
	enqueuedAt  time.Time
}

// itemHeap is a container/heap.Interface over items, ordered by
// priority ascending with ties broken by insertion order.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Stats is a snapshot of queue counters.
type Stats struct {
	CurrentSize     int
	MaxSize         int
	HighWaterMark   int
	FramesAdded     int64
	FramesDropped   int64
	FramesProcessed int64
	DropRate        float64
	Utilization     float64
}

// Queue is the bounded, priority-ordered, selectively-dropping frame
// queue. One instance is owned per detector.
type Queue struct {
	mu            sync.Mutex
	notEmpty      *sync.Cond
	heap          itemHeap
	capacity      int
	highWaterMark int
	nextSeq       int64

	framesAdded     int64
	framesDropped   int64
	framesProcessed int64

	currentTakeID    int
	takeFrameCounts  map[int]int
	haveCurrentTake  bool

	rng *rand.Rand
	log *log.Logger
}

// New constructs a Queue with the given capacity. logger may be nil,
// in which case log.Default() is used.
func New(capacity int, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	q := &Queue{
		capacity:        capacity,
		highWaterMark:   int(float64(capacity) * HighWaterFraction),
		takeFrameCounts: make(map[int]int),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		log:             logger,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// CalculatePriority assigns a frame's priority in [0,1] (lower is
// more important): the first and last BoundaryFrames of a take map
// below 0.2, middle frames above 0.5 by distance to the nearer
// boundary. Also reports the is_first/is_last flags.
func CalculatePriority(currentFrame, takeFrameTotal int) (priority float64, isFirst, isLast bool) {
	const b = float64(BoundaryFrames)
	f := float64(currentFrame)
	n := float64(takeFrameTotal)

	switch {
	case currentFrame < BoundaryFrames:
		priority = 0.0 + (f/b)*0.1
		isFirst = currentFrame == 0
	case takeFrameTotal > 0 && currentFrame >= takeFrameTotal-BoundaryFrames:
		framesFromEnd := n - 1 - f
		priority = 0.1 + (framesFromEnd/b)*0.1
		isLast = currentFrame == takeFrameTotal-1
	default:
		distFromStart := f - b
		var distFromEnd float64
		if takeFrameTotal > 0 {
			distFromEnd = n - b - f
		} else {
			distFromEnd = distFromStart // effectively +inf on the min below
		}
		minDist := distFromStart
		if takeFrameTotal > 0 && distFromEnd < minDist {
			minDist = distFromEnd
		}
		if takeFrameTotal > 0 {
			normalized := minDist / (n / 2)
			if normalized > 1 {
				normalized = 1
			}
			priority = 0.5 + normalized*0.5
		} else {
			priority = 0.7
		}
	}
	return priority, isFirst, isLast
}

// Put adds a frame pair to the queue. Returns true if the pair was
// added or intelligently handled (a selective drop counts as handled,
// so producers never stall), false only when the queue is full and no
// lower-priority victim can be evicted.
func (q *Queue) Put(pair frame.FramePair, takeFrameTotal int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.haveCurrentTake || pair.TakeID != q.currentTakeID {
		q.currentTakeID = pair.TakeID
		q.haveCurrentTake = true
		q.log.Printf("[queue] new take %d started, frame count %d", pair.TakeID, takeFrameTotal)
	}
	q.takeFrameCounts[pair.TakeID] = takeFrameTotal

	priority, isFirst, isLast := CalculatePriority(pair.CurrentFrameNumber, takeFrameTotal)

	it := &item{
		pair:       pair,
		priority:   priority,
		isFirst:    isFirst,
		isLast:     isLast,
		seq:        q.nextSeq,
		enqueuedAt: time.Now(),
	}
	q.nextSeq++

	// Every offered frame counts toward the added total; the drop-rate
	// cap is measured against offers, not surviving entries.
	q.framesAdded++

	currentSize := q.heap.Len()

	switch {
	case currentSize >= q.capacity:
		if !q.evictLowerPriorityVictim(it) {
			q.log.Printf("[queue] cannot drop any frames, rejecting new frame %d", pair.CurrentFrameNumber)
			return false
		}
	case currentSize >= q.highWaterMark:
		if priority > 0.5 {
			pressure := float64(currentSize-q.highWaterMark) / float64(q.capacity-q.highWaterMark)
			if q.shouldDropFrame(priority, pressure) {
				q.framesDropped++
				q.log.Printf("[queue] selectively dropped middle frame %d (priority=%.2f, queue=%d/%d)",
					pair.CurrentFrameNumber, priority, currentSize, q.capacity)
				return true
			}
		}
	}

	heap.Push(&q.heap, it)
	q.notEmpty.Signal()

	if isFirst || isLast {
		q.log.Printf("[queue] added boundary frame %d priority=%.2f", pair.CurrentFrameNumber, priority)
	}
	return true
}

// shouldDropFrame decides, given the item's priority and current queue
// pressure, whether to selectively drop it. Never exceeds the
// cumulative drop-rate cap.
func (q *Queue) shouldDropFrame(priority, pressure float64) bool {
	dropProbability := priority * pressure

	if q.framesAdded > 0 && q.framesDropped > 0 {
		dropRatio := float64(q.framesDropped) / float64(q.framesAdded)
		if dropRatio > MaxCumulativeDropRate {
			return false
		}
	}
	return q.rng.Float64() < dropProbability
}

// evictLowerPriorityVictim attempts to evict the in-queue item with
// the highest priority value that is not is_first/is_last and whose
// priority exceeds the new item's.
func (q *Queue) evictLowerPriorityVictim(newItem *item) bool {
	victimIdx := -1
	victimPriority := newItem.priority

	for i, it := range q.heap {
		if it.isFirst || it.isLast {
			continue
		}
		if it.priority > victimPriority {
			victimPriority = it.priority
			victimIdx = i
		}
	}
	if victimIdx < 0 {
		return false
	}
	heap.Remove(&q.heap, victimIdx)
	q.framesDropped++
	return true
}

// Get removes and returns the highest-priority frame pair (lowest
// priority value), blocking up to timeout for one to become
// available. A zero timeout blocks indefinitely; ok is false on
// timeout.
func (q *Queue) Get(timeout time.Duration) (pair frame.FramePair, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for q.heap.Len() == 0 {
		if !hasDeadline {
			q.notEmpty.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return frame.FramePair{}, false
		}
		q.waitWithTimeout(remaining)
	}

	it := heap.Pop(&q.heap).(*item)
	q.framesProcessed++
	return it.pair, true
}

// waitWithTimeout waits on notEmpty for up to d. Must be called with
// q.mu held; releases and reacquires it. The caller re-checks both the
// queue state and the deadline after this returns, since a wakeup may
// be spurious, a real signal, or the timeout firing.
func (q *Queue) waitWithTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()
	q.notEmpty.Wait()
}

// Size returns the current number of queued pairs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Clear drops all queued pairs and returns the count removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.heap.Len()
	q.heap = nil
	return n
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropRate := 0.0
	if q.framesAdded > 0 {
		dropRate = float64(q.framesDropped) / float64(q.framesAdded)
	}
	util := 0.0
	if q.capacity > 0 {
		util = float64(q.heap.Len()) / float64(q.capacity)
	}
	return Stats{
		CurrentSize:     q.heap.Len(),
		MaxSize:         q.capacity,
		HighWaterMark:   q.highWaterMark,
		FramesAdded:     q.framesAdded,
		FramesDropped:   q.framesDropped,
		FramesProcessed: q.framesProcessed,
		DropRate:        dropRate,
		Utilization:     util,
	}
}
