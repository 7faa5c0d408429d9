package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"continuity-engine/internal/frame"
)

func pairAt(takeID, frameNumber int) frame.FramePair {
	return frame.FramePair{TakeID: takeID, CurrentFrameNumber: frameNumber}
}

// A 10-slot queue fed 20 middle frames, then the first 5 and last 5
// of a 100-frame take: every boundary frame must survive and the
// drop rate must stay bounded.
func TestPriorityRetentionScenario(t *testing.T) {
	q := New(10, nil)

	for f := 30; f <= 49; f++ {
		q.Put(pairAt(1, f), 100)
	}
	for f := 0; f <= 4; f++ {
		q.Put(pairAt(1, f), 100)
	}
	for f := 95; f <= 99; f++ {
		q.Put(pairAt(1, f), 100)
	}

	seen := make(map[int]bool)
	for {
		p, ok := q.Get(10 * time.Millisecond)
		if !ok {
			break
		}
		seen[p.CurrentFrameNumber] = true
		if q.Size() == 0 {
			break
		}
	}

	for f := 0; f <= 4; f++ {
		assert.True(t, seen[f], "expected boundary frame %d retained", f)
	}
	for f := 95; f <= 99; f++ {
		assert.True(t, seen[f], "expected boundary frame %d retained", f)
	}

	stats := q.Stats()
	assert.GreaterOrEqual(t, stats.FramesDropped, int64(10), "middle frames must make way for boundary frames")
	assert.LessOrEqual(t, stats.DropRate, 0.5)
}

// The cumulative drop rate never exceeds half the frames offered.
func TestBoundedDropRate(t *testing.T) {
	q := New(10, nil)
	for f := 0; f < 200; f++ {
		q.Put(pairAt(1, f), 200)
	}
	stats := q.Stats()
	assert.LessOrEqual(t, stats.DropRate, 0.5)
}

// Dequeue order is non-decreasing in assigned priority.
func TestPriorityOrderingOnDequeue(t *testing.T) {
	q := New(50, nil)
	for f := 0; f < 40; f++ {
		q.Put(pairAt(1, f), 40)
	}

	last := -1.0
	for {
		p, ok := q.Get(10 * time.Millisecond)
		if !ok {
			break
		}
		pr, _, _ := CalculatePriority(p.CurrentFrameNumber, 40)
		require.GreaterOrEqual(t, pr, last)
		last = pr
	}
}

func TestFirstAndLastFrameNeverEvicted(t *testing.T) {
	q := New(4, nil)
	q.Put(pairAt(1, 0), 20)  // is_first
	q.Put(pairAt(1, 19), 20) // is_last
	for f := 1; f < 19; f++ {
		q.Put(pairAt(1, f), 20)
	}

	remainingFirst, remainingLast := false, false
	for {
		p, ok := q.Get(10 * time.Millisecond)
		if !ok {
			break
		}
		if p.CurrentFrameNumber == 0 {
			remainingFirst = true
		}
		if p.CurrentFrameNumber == 19 {
			remainingLast = true
		}
	}
	assert.True(t, remainingFirst)
	assert.True(t, remainingLast)
}

func TestCalculatePriorityBoundaries(t *testing.T) {
	pr, isFirst, _ := CalculatePriority(0, 100)
	assert.Equal(t, 0.0, pr)
	assert.True(t, isFirst)

	pr, _, isLast := CalculatePriority(99, 100)
	assert.InDelta(t, 0.1, pr, 1e-9)
	assert.True(t, isLast)

	pr, isFirst, isLast = CalculatePriority(50, 100)
	assert.GreaterOrEqual(t, pr, 0.5)
	assert.False(t, isFirst)
	assert.False(t, isLast)
}

func TestClearAndSize(t *testing.T) {
	q := New(10, nil)
	for f := 0; f < 5; f++ {
		q.Put(pairAt(1, f), 5)
	}
	assert.Equal(t, 5, q.Size())
	n := q.Clear()
	assert.Equal(t, 5, n)
	assert.Equal(t, 0, q.Size())
}

func TestGetTimesOutOnEmptyQueue(t *testing.T) {
	q := New(10, nil)
	start := time.Now()
	_, ok := q.Get(50 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestGetWakesOnConcurrentPut(t *testing.T) {
	q := New(10, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Put(pairAt(1, 3), 10)
	}()
	p, ok := q.Get(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, 3, p.CurrentFrameNumber)
}
