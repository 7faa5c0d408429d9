package storageio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"continuity-engine/internal/frame"
)

// Appending the same (take, frame, detector, description) twice must
// leave exactly one record, with the second call treated as an update.
func TestAppendDetectionIsIdempotentOnIdentity(t *testing.T) {
	m := NewMemoryStorage()

	require.NoError(t, m.AppendDetection(1, 7, "prop-checker", 0.6, "red prop missing", nil, nil))
	require.NoError(t, m.AppendDetection(1, 7, "prop-checker", 0.9, "red prop missing", []frame.BoundingBox{{X: 1, Y: 2, Width: 3, Height: 4}}, nil))

	records := m.Detections(1)
	require.Len(t, records, 1)
	assert.Equal(t, 0.9, records[0].Confidence, "second append updates the record")
	assert.Len(t, records[0].Boxes, 1)
}

func TestAppendDetectionDistinguishesIdentity(t *testing.T) {
	m := NewMemoryStorage()

	require.NoError(t, m.AppendDetection(1, 7, "prop-checker", 0.6, "red prop missing", nil, nil))
	require.NoError(t, m.AppendDetection(1, 8, "prop-checker", 0.6, "red prop missing", nil, nil))
	require.NoError(t, m.AppendDetection(1, 7, "light-checker", 0.6, "red prop missing", nil, nil))
	require.NoError(t, m.AppendDetection(1, 7, "prop-checker", 0.6, "shadow direction flipped", nil, nil))

	assert.Len(t, m.Detections(1), 4)
}

func TestFrameSourceRoundTrip(t *testing.T) {
	m := NewMemoryStorage()
	m.AddFrame(3, 0, []byte("payload"), 1920, 1080)
	m.SetAngle(3, 11)
	m.SetReferenceTake(11, 2)

	b, w, h, ok := m.GetFrameBytes(3, 0)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), b)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	_, _, _, ok = m.GetFrameBytes(3, 1)
	assert.False(t, ok)

	nums, err := m.ListFrameNumbers(3)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, nums)

	_, err = m.ListFrameNumbers(99)
	assert.Error(t, err)

	angleID, ok := m.GetTakeAngleID(3)
	require.True(t, ok)
	assert.Equal(t, 11, angleID)

	refTake, ok := m.GetAngleReferenceTakeID(11)
	require.True(t, ok)
	assert.Equal(t, 2, refTake)
}
