package storageio

import (
	"fmt"
	"sync"

	"continuity-engine/internal/frame"
)

// MemoryStorage is an in-process FrameSource + ResultSink used by the
// demo entrypoint and by tests. The real storage layer is an external
// service; this implementation exists so the engine can be driven end
// to end without one, and serves as the reference for the sink's
// update-not-append semantics.
type MemoryStorage struct {
	mu         sync.Mutex
	frames     map[int]map[int][]byte
	dims       map[int]map[int][2]int
	angles     map[int]int // take id -> angle id
	refs       map[int]int // angle id -> reference take id
	detections []DetectionRecord
	groups     map[int][]frame.ContinuousError
}

// DetectionRecord is one persisted detection row.
type DetectionRecord struct {
	TakeID       int
	FrameID      int
	DetectorName string
	Confidence   float64
	Description  string
	Boxes        []frame.BoundingBox
	Metadata     map[string]any
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		frames: make(map[int]map[int][]byte),
		dims:   make(map[int]map[int][2]int),
		angles: make(map[int]int),
		refs:   make(map[int]int),
		groups: make(map[int][]frame.ContinuousError),
	}
}

var (
	_ FrameSource = (*MemoryStorage)(nil)
	_ ResultSink  = (*MemoryStorage)(nil)
)

// AddFrame stores one frame's payload for a take.
func (m *MemoryStorage) AddFrame(takeID, frameNumber int, payload []byte, width, height int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frames[takeID] == nil {
		m.frames[takeID] = make(map[int][]byte)
		m.dims[takeID] = make(map[int][2]int)
	}
	m.frames[takeID][frameNumber] = payload
	m.dims[takeID][frameNumber] = [2]int{width, height}
}

// SetAngle assigns a take to an angle.
func (m *MemoryStorage) SetAngle(takeID, angleID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.angles[takeID] = angleID
}

// SetReferenceTake marks referenceTakeID as an angle's continuity
// baseline.
func (m *MemoryStorage) SetReferenceTake(angleID, referenceTakeID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[angleID] = referenceTakeID
}

func (m *MemoryStorage) GetFrameBytes(takeID, frameID int) ([]byte, int, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.frames[takeID][frameID]
	if !ok {
		return nil, 0, 0, false
	}
	d := m.dims[takeID][frameID]
	return b, d[0], d[1], true
}

func (m *MemoryStorage) ListFrameNumbers(takeID int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	frames, ok := m.frames[takeID]
	if !ok {
		return nil, fmt.Errorf("storageio: unknown take %d", takeID)
	}
	nums := make([]int, 0, len(frames))
	for n := range frames {
		nums = append(nums, n)
	}
	return nums, nil
}

func (m *MemoryStorage) GetTakeAngleID(takeID int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	angleID, ok := m.angles[takeID]
	return angleID, ok
}

func (m *MemoryStorage) GetAngleReferenceTakeID(angleID int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	takeID, ok := m.refs[angleID]
	return takeID, ok
}

// AppendDetection persists one detection. A second append with the
// same (take, frame, detector, description) identity updates the
// existing record in place rather than adding a row.
func (m *MemoryStorage) AppendDetection(takeID, frameID int, detectorName string, confidence float64, description string, boxes []frame.BoundingBox, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.detections {
		if d.TakeID == takeID && d.FrameID == frameID && d.DetectorName == detectorName && d.Description == description {
			m.detections[i].Confidence = confidence
			m.detections[i].Boxes = boxes
			m.detections[i].Metadata = metadata
			return nil
		}
	}
	m.detections = append(m.detections, DetectionRecord{
		TakeID:       takeID,
		FrameID:      frameID,
		DetectorName: detectorName,
		Confidence:   confidence,
		Description:  description,
		Boxes:        boxes,
		Metadata:     metadata,
	})
	return nil
}

// Detections returns a copy of every record stored for a take.
func (m *MemoryStorage) Detections(takeID int) []DetectionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DetectionRecord
	for _, d := range m.detections {
		if d.TakeID == takeID {
			out = append(out, d)
		}
	}
	return out
}

// PutGroupedResults records a take's grouped results, as computed by
// the grouping engine.
func (m *MemoryStorage) PutGroupedResults(takeID int, groups []frame.ContinuousError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[takeID] = groups
}

func (m *MemoryStorage) GetGroupedResults(takeID int) ([]frame.ContinuousError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[takeID], nil
}
