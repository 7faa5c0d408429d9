package grouping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"continuity-engine/internal/frame"
)

// Eleven consecutive detections of the same description with a
// near-stationary box must collapse into a single group.
func TestGroupingCoherenceScenario(t *testing.T) {
	e := New(nil)
	var sum float64
	for f := 10; f <= 20; f++ {
		yOffset := float64(f%3) - 1 // +-1 jitter, well within IoU tolerance at this box size
		d := frame.Detection{
			DetectorName: "continuity-checker",
			Description:  "Red prop missing from table",
			FrameNumber:  f,
			Confidence:   0.8,
			BoundingBoxes: []frame.BoundingBox{
				{X: 200, Y: 150 + yOffset, Width: 100, Height: 80},
			},
		}
		sum += d.Confidence
		e.Add(d)
	}

	groups := e.Snapshot()
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, 10, g.FirstFrame)
	assert.Equal(t, 20, g.LastFrame)
	assert.Len(t, g.Members, 11)
	assert.InDelta(t, sum/11, g.AverageConfidence, 1e-9)
}

// A box sliding more than the center-distance threshold every frame
// must open a new group each time, same description or not.
func TestGroupingSeparationScenario(t *testing.T) {
	e := New(nil)
	x := 50.0
	for f := 0; f <= 10; f++ {
		d := frame.Detection{
			DetectorName: "continuity-checker",
			Description:  "Coffee cup position error",
			FrameNumber:  f,
			Confidence:   0.7,
			BoundingBoxes: []frame.BoundingBox{
				{X: x, Y: 0, Width: 20, Height: 20},
			},
		}
		e.Add(d)
		x += 150
	}

	groups := e.Snapshot()
	require.Len(t, groups, 11)
	for _, g := range groups {
		assert.True(t, g.IsSingleFrame())
	}
}

// Description matching is case-insensitive.
func TestGroupingCoherenceProperty(t *testing.T) {
	e := New(nil)
	box := frame.BoundingBox{X: 10, Y: 10, Width: 50, Height: 50}
	e.Add(frame.Detection{DetectorName: "d", Description: "same issue", FrameNumber: 1, Confidence: 0.6, BoundingBoxes: []frame.BoundingBox{box}})
	e.Add(frame.Detection{DetectorName: "d", Description: "Same Issue", FrameNumber: 2, Confidence: 0.6, BoundingBoxes: []frame.BoundingBox{box}})

	groups := e.Snapshot()
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 2)
}

// Different descriptions never share a group.
func TestGroupingSeparationByDescription(t *testing.T) {
	e := New(nil)
	box := frame.BoundingBox{X: 10, Y: 10, Width: 50, Height: 50}
	e.Add(frame.Detection{DetectorName: "d", Description: "issue A", FrameNumber: 1, Confidence: 0.6, BoundingBoxes: []frame.BoundingBox{box}})
	e.Add(frame.Detection{DetectorName: "d", Description: "issue B", FrameNumber: 2, Confidence: 0.6, BoundingBoxes: []frame.BoundingBox{box}})

	groups := e.Snapshot()
	assert.Len(t, groups, 2)
}

func TestFrameGapBoundary(t *testing.T) {
	e := New(nil)
	box := frame.BoundingBox{X: 0, Y: 0, Width: 10, Height: 10}
	e.Add(frame.Detection{DetectorName: "d", Description: "x", FrameNumber: 1, Confidence: 0.5, BoundingBoxes: []frame.BoundingBox{box}})
	e.Add(frame.Detection{DetectorName: "d", Description: "x", FrameNumber: 6, Confidence: 0.5, BoundingBoxes: []frame.BoundingBox{box}})
	groups := e.Snapshot()
	require.Len(t, groups, 1, "gap of exactly 5 must still merge")

	e2 := New(nil)
	e2.Add(frame.Detection{DetectorName: "d", Description: "x", FrameNumber: 1, Confidence: 0.5, BoundingBoxes: []frame.BoundingBox{box}})
	e2.Add(frame.Detection{DetectorName: "d", Description: "x", FrameNumber: 7, Confidence: 0.5, BoundingBoxes: []frame.BoundingBox{box}})
	groups2 := e2.Snapshot()
	assert.Len(t, groups2, 2, "gap of 6 must split")
}

func TestTextOnlyMatch(t *testing.T) {
	e := New(nil)
	e.Add(frame.Detection{DetectorName: "d", Description: "no boxes here", FrameNumber: 1, Confidence: 0.5})
	e.Add(frame.Detection{DetectorName: "d", Description: "no boxes here", FrameNumber: 2, Confidence: 0.5})
	groups := e.Snapshot()
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 2)
}

func TestSweepClosesInactiveGroups(t *testing.T) {
	e := New(nil)
	box := frame.BoundingBox{X: 0, Y: 0, Width: 10, Height: 10}
	e.Add(frame.Detection{DetectorName: "d", Description: "x", FrameNumber: 1, Confidence: 0.5, BoundingBoxes: []frame.BoundingBox{box}})
	e.Sweep(10)
	assert.Empty(t, e.order)

	// A swept group can no longer be extended, even within the gap of
	// its own last frame.
	e.Add(frame.Detection{DetectorName: "d", Description: "x", FrameNumber: 4, Confidence: 0.5, BoundingBoxes: []frame.BoundingBox{box}})
	groups := e.Snapshot()
	require.Len(t, groups, 2, "swept groups stay in the result set but never grow")
}

func TestIoUAndCenterDistance(t *testing.T) {
	a := frame.BoundingBox{X: 0, Y: 0, Width: 10, Height: 10}
	b := frame.BoundingBox{X: 5, Y: 5, Width: 10, Height: 10}
	assert.Greater(t, a.IoU(b), 0.0)

	c := frame.BoundingBox{X: 1000, Y: 1000, Width: 10, Height: 10}
	assert.Equal(t, 0.0, a.IoU(c))
}
