package orchestrator

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"continuity-engine/internal/cache"
	"continuity-engine/internal/events"
	"continuity-engine/internal/frame"
	"continuity-engine/internal/recovery"
	"continuity-engine/internal/sandbox"
)

// fakeDetector is an in-process stand-in for a detector sandbox
// process, mirroring internal/sandbox's own test fake.
type fakeDetector struct {
	respond func(req *structpb.Struct) *structpb.Struct
}

func (f *fakeDetector) Initialize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{}, nil
}

func (f *fakeDetector) ProcessFrame(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if f.respond != nil {
		return f.respond(req), nil
	}
	return &structpb.Struct{}, nil
}

func (f *fakeDetector) Cleanup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{}, nil
}

func (f *fakeDetector) HealthCheck(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{}, nil
}

func startFakeSandbox(t *testing.T, fd *fakeDetector) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	srv.RegisterService(&sandbox.ServiceDesc, fd)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

// fakeStorage is an in-memory storageio.FrameSource + storageio.ResultSink.
type fakeStorage struct {
	frames map[int]map[int][]byte
	refs   map[int]int

	appended []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{frames: make(map[int]map[int][]byte), refs: make(map[int]int)}
}

func (s *fakeStorage) addFrame(takeID, frameNumber int, payload []byte) {
	if s.frames[takeID] == nil {
		s.frames[takeID] = make(map[int][]byte)
	}
	s.frames[takeID][frameNumber] = payload
}

func (s *fakeStorage) GetFrameBytes(takeID, frameID int) ([]byte, int, int, bool) {
	b, ok := s.frames[takeID][frameID]
	return b, 64, 64, ok
}

func (s *fakeStorage) ListFrameNumbers(takeID int) ([]int, error) {
	out := make([]int, 0, len(s.frames[takeID]))
	for n := range s.frames[takeID] {
		out = append(out, n)
	}
	return out, nil
}

func (s *fakeStorage) GetTakeAngleID(takeID int) (int, bool) {
	if _, ok := s.frames[takeID]; !ok {
		return 0, false
	}
	return takeID, true
}

func (s *fakeStorage) GetAngleReferenceTakeID(angleID int) (int, bool) {
	takeID, ok := s.refs[angleID]
	return takeID, ok
}

func (s *fakeStorage) AppendDetection(takeID, frameID int, detectorName string, confidence float64, description string, boxes []frame.BoundingBox, metadata map[string]any) error {
	s.appended = append(s.appended, description)
	return nil
}

func (s *fakeStorage) GetGroupedResults(takeID int) ([]frame.ContinuousError, error) {
	return nil, nil
}

func newTestOrchestrator(t *testing.T, store *fakeStorage) *Orchestrator {
	t.Helper()
	c, err := cache.New(cache.Config{DiskDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })

	bus := events.New(nil)
	sup := recovery.New(recovery.Config{})

	return New(Config{
		Cache:       c,
		Supervisor:  sup,
		Bus:         bus,
		FrameSource: store,
		ResultSink:  store,
	})
}

func TestStartProcessesEveryFrameAgainstEveryDetector(t *testing.T) {
	store := newFakeStorage()
	for i := 0; i < 5; i++ {
		store.addFrame(1, i, []byte{byte(i)})
		store.addFrame(2, i, []byte{byte(i + 100)})
	}
	store.refs[1] = 2

	o := newTestOrchestrator(t, store)

	fd := &fakeDetector{respond: func(req *structpb.Struct) *structpb.Struct {
		resp, _ := structpb.NewStruct(map[string]any{
			"detections": []any{map[string]any{"confidence": 0.9, "description": "continuity break"}},
		})
		return resp
	}}
	addr := startFakeSandbox(t, fd)
	require.NoError(t, o.RegisterDetector(context.Background(), sandbox.Config{
		DetectorName: "prop-checker", DetectorVersion: "1.0.0", Target: addr, InitialTimeout: time.Second,
	}, 16, frame.Config{}))

	ref := 2
	require.True(t, o.Start(1, &ref))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !o.Status().Running {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	status := o.Status()
	assert.False(t, status.Running)
	assert.Equal(t, 5, status.ProcessedFrames)
	assert.Len(t, store.appended, 5)

	groups := o.GroupedResults(1)
	require.Len(t, groups, 1)
	assert.Equal(t, "continuity break", groups[0].Description)
}

func TestStartFailsWithNoFrames(t *testing.T) {
	store := newFakeStorage()
	o := newTestOrchestrator(t, store)
	assert.False(t, o.Start(1, nil))
}

func TestStartFailsWithoutReferenceTake(t *testing.T) {
	store := newFakeStorage()
	store.addFrame(1, 0, []byte{0})
	o := newTestOrchestrator(t, store)
	assert.False(t, o.Start(1, nil))
}

func TestProcessFramePairLiveOffersToQueue(t *testing.T) {
	store := newFakeStorage()
	store.addFrame(1, 0, []byte{1})
	store.addFrame(2, 0, []byte{2})
	o := newTestOrchestrator(t, store)

	fd := &fakeDetector{}
	addr := startFakeSandbox(t, fd)
	require.NoError(t, o.RegisterDetector(context.Background(), sandbox.Config{
		DetectorName: "d", DetectorVersion: "1.0.0", Target: addr, InitialTimeout: time.Second,
	}, 16, frame.Config{}))

	assert.True(t, o.ProcessFramePairLive(2, 1, 0))
}

func TestDisableAndReenableDetector(t *testing.T) {
	store := newFakeStorage()
	o := newTestOrchestrator(t, store)

	fd := &fakeDetector{}
	addr := startFakeSandbox(t, fd)
	require.NoError(t, o.RegisterDetector(context.Background(), sandbox.Config{
		DetectorName: "d", DetectorVersion: "1.0.0", Target: addr, InitialTimeout: time.Second,
	}, 16, frame.Config{}))

	require.NoError(t, o.DisableDetector("d"))
	assert.Empty(t, o.EnabledDetectors())

	require.NoError(t, o.ReenableDetector("d", map[string]any{"fallback_mode": true}))
	assert.Equal(t, []string{"d"}, o.EnabledDetectors())
}

// Current take has frames 0..99, reference take 0..49; total frames
// must truncate to 50 and no frame past that is ever offered to any
// detector.
func TestStartTruncatesToShorterTake(t *testing.T) {
	store := newFakeStorage()
	for i := 0; i < 100; i++ {
		store.addFrame(1, i, []byte{byte(i)})
	}
	for i := 0; i < 50; i++ {
		store.addFrame(2, i, []byte{byte(i + 100)})
	}
	store.refs[1] = 2

	o := newTestOrchestrator(t, store)

	var mu sync.Mutex
	maxSeen := -1
	fd := &fakeDetector{respond: func(req *structpb.Struct) *structpb.Struct {
		if v, ok := req.GetFields()["current_frame_number"]; ok {
			mu.Lock()
			if n := int(v.GetNumberValue()); n > maxSeen {
				maxSeen = n
			}
			mu.Unlock()
		}
		return &structpb.Struct{}
	}}
	addr := startFakeSandbox(t, fd)
	require.NoError(t, o.RegisterDetector(context.Background(), sandbox.Config{
		DetectorName: "d", DetectorVersion: "1.0.0", Target: addr, InitialTimeout: time.Second,
	}, 16, frame.Config{}))

	require.True(t, o.Start(1, nil))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && o.Status().Running {
		time.Sleep(10 * time.Millisecond)
	}

	status := o.Status()
	assert.Equal(t, 50, status.TotalFrames)
	assert.Equal(t, 50, status.ProcessedFrames)
	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, maxSeen, 50, "no frame past the reference take's end may reach a detector")
}

func TestStopFinishesCurrentFrameAndExits(t *testing.T) {
	store := newFakeStorage()
	for i := 0; i < 50; i++ {
		store.addFrame(1, i, []byte{byte(i)})
		store.addFrame(2, i, []byte{byte(i + 100)})
	}
	store.refs[1] = 2

	o := newTestOrchestrator(t, store)

	fd := &fakeDetector{respond: func(req *structpb.Struct) *structpb.Struct {
		time.Sleep(20 * time.Millisecond)
		return &structpb.Struct{}
	}}
	addr := startFakeSandbox(t, fd)
	require.NoError(t, o.RegisterDetector(context.Background(), sandbox.Config{
		DetectorName: "d", DetectorVersion: "1.0.0", Target: addr, InitialTimeout: time.Second,
	}, 16, frame.Config{}))

	require.True(t, o.Start(1, nil))
	time.Sleep(50 * time.Millisecond)
	o.Stop()

	status := o.Status()
	assert.False(t, status.Running)
	assert.True(t, status.StopRequested)
	assert.Less(t, status.ProcessedFrames, 50, "stop must interrupt the frame loop")
}

func TestFailedDetectionReportsToSupervisor(t *testing.T) {
	store := newFakeStorage()
	store.addFrame(1, 0, []byte{1})
	store.addFrame(2, 0, []byte{2})
	store.refs[1] = 2

	c, err := cache.New(cache.Config{DiskDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	sup := recovery.New(recovery.Config{})

	o := New(Config{
		Cache:       c,
		Supervisor:  sup,
		Bus:         events.New(nil),
		FrameSource: store,
		ResultSink:  store,
	})

	fd := &fakeDetector{respond: func(req *structpb.Struct) *structpb.Struct {
		resp, _ := structpb.NewStruct(map[string]any{"failed": true, "message": "model crashed"})
		return resp
	}}
	addr := startFakeSandbox(t, fd)
	require.NoError(t, o.RegisterDetector(context.Background(), sandbox.Config{
		DetectorName: "d", DetectorVersion: "1.0.0", Target: addr, InitialTimeout: time.Second,
	}, 16, frame.Config{}))

	ref := 2
	require.True(t, o.Start(1, &ref))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && o.Status().Running {
		time.Sleep(10 * time.Millisecond)
	}

	report := sup.HealthReport()
	require.Contains(t, report, "d")
	assert.Equal(t, 1, report["d"].TotalFailures)
	assert.Equal(t, "model crashed", report["d"].LastFailureMessage)
}
