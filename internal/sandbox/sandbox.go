// Package sandbox implements the detector sandbox adapter: each
// detector package runs as its own process, reached over a narrow gRPC
// surface, with an adaptive per-call timeout, a small status machine,
// and rolling statistics.
package sandbox

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"continuity-engine/internal/frame"
)

// Status is the sandbox's lifecycle state.
type Status string

const (
	StatusCreated     Status = "created"
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusIdle        Status = "idle"
	StatusFailed      Status = "failed"
	StatusStopped     Status = "stopped"
)

const (
	// MinTimeout and MaxTimeout bound the adaptive per-call timeout.
	MinTimeout = 5 * time.Second
	MaxTimeout = 300 * time.Second

	// processingTimeWindow caps the rolling average sample count.
	processingTimeWindow = 100

	// errorConfidenceThreshold is the confidence above which a result
	// counts toward total_errors_found.
	errorConfidenceThreshold = 0.5
)

// Stats is the snapshot of a sandbox's rolling statistics.
type Stats struct {
	TotalProcessed         int
	TotalErrorsFound       int
	AverageProcessingTime  time.Duration
	LastError              string
	LastErrorTime          time.Time
	CurrentTimeout         time.Duration
}

// Config configures one detector sandbox instance.
type Config struct {
	DetectorName    string
	DetectorVersion string
	Target          string        // gRPC dial target for the detector's process
	InitialTimeout  time.Duration // seed for the adaptive EWMA; defaults to 30s
	DialOptions     []grpc.DialOption
	Logger          *log.Logger
}

// Sandbox wraps one running detector process.
type Sandbox struct {
	id      string // unique per instance; a recovery restart gets a fresh one
	name    string
	version string
	target  string

	mu      sync.Mutex
	status  Status
	conn    *grpc.ClientConn
	client  *sandboxClient

	timeout time.Duration // current adaptive timeout

	totalProcessed   int
	totalErrorsFound int
	procTimes        []time.Duration // ring buffer, most recent processingTimeWindow samples
	procTimesHead    int
	lastError        string
	lastErrorTime    time.Time

	log *log.Logger
}

// New constructs a Sandbox in StatusCreated. It does not dial until
// Initialize is called.
func New(cfg Config) *Sandbox {
	timeout := cfg.InitialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Sandbox{
		id:      uuid.NewString(),
		name:    cfg.DetectorName,
		version: cfg.DetectorVersion,
		target:  cfg.Target,
		status:  StatusCreated,
		timeout: clampTimeout(timeout),
		log:     logger,
	}
}

func clampTimeout(d time.Duration) time.Duration {
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// Status reports the sandbox's current lifecycle state.
func (s *Sandbox) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Initialize dials the detector process and sends its configuration
// overlay. Transitions created -> initialized on success, created ->
// failed otherwise.
func (s *Sandbox) Initialize(ctx context.Context, config frame.Config) error {
	s.mu.Lock()
	if s.status != StatusCreated {
		s.mu.Unlock()
		return fmt.Errorf("sandbox %s: Initialize called in state %s", s.name, s.status)
	}
	s.mu.Unlock()

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	conn, err := grpc.NewClient(s.target, dialOpts...)
	if err != nil {
		s.markFailed(err)
		return fmt.Errorf("sandbox %s: dial: %w", s.name, err)
	}

	payload, err := structpb.NewStruct(map[string]any(config))
	if err != nil {
		conn.Close()
		s.markFailed(err)
		return fmt.Errorf("sandbox %s: encode config: %w", s.name, err)
	}

	client := newSandboxClient(conn)
	callCtx, cancel := context.WithTimeout(ctx, s.currentTimeout())
	defer cancel()
	if _, err := client.Initialize(callCtx, payload); err != nil {
		conn.Close()
		s.markFailed(err)
		return fmt.Errorf("sandbox %s: initialize rpc: %w", s.name, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.client = client
	s.status = StatusInitialized
	s.mu.Unlock()
	s.log.Printf("[sandbox] %s initialized (instance=%s version=%s target=%s)", s.name, s.id, s.version, s.target)
	return nil
}

// InstanceID returns this sandbox instance's unique id.
func (s *Sandbox) InstanceID() string { return s.id }

func (s *Sandbox) currentTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *Sandbox) markFailed(err error) {
	s.mu.Lock()
	s.status = StatusFailed
	s.lastError = err.Error()
	s.lastErrorTime = time.Now()
	s.mu.Unlock()
}

// ProcessFrame sends one frame pair to the detector process and
// returns the Detections it reports. On timeout or transport failure
// it returns a single failure Detection (confidence -1.0) rather than
// an error; the caller treats that uniformly as "this detector
// produced no usable result for this frame" and reports it to the
// recovery supervisor separately.
func (s *Sandbox) ProcessFrame(ctx context.Context, pair frame.FramePair) []frame.Detection {
	s.mu.Lock()
	if s.status != StatusInitialized && s.status != StatusIdle && s.status != StatusRunning {
		status := s.status
		s.mu.Unlock()
		return []frame.Detection{s.failureDetection(fmt.Sprintf("sandbox in state %s, not runnable", status), pair.CurrentFrameNumber)}
	}
	s.status = StatusRunning
	client := s.client
	timeout := s.timeout
	s.mu.Unlock()

	req, err := structpb.NewStruct(map[string]any{
		"take_id":                pair.TakeID,
		"current_frame_number":   pair.CurrentFrameNumber,
		"reference_frame_number": pair.ReferenceFrameNumber,
		"scene_context":          pair.SceneContext(),
	})
	if err != nil {
		return []frame.Detection{s.recordFailure(fmt.Sprintf("encode request: %v", err), pair.CurrentFrameNumber)}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.ProcessFrame(callCtx, req)
	elapsed := time.Since(start)

	s.recordObservedLatency(elapsed)

	if err != nil {
		return []frame.Detection{s.recordFailure(fmt.Sprintf("no response from detector process: %v", err), pair.CurrentFrameNumber)}
	}

	detections := decodeDetections(resp, s.name, s.version, pair.CurrentFrameNumber)
	s.recordResult(detections)

	s.mu.Lock()
	s.status = StatusIdle
	s.mu.Unlock()

	return detections
}

func (s *Sandbox) failureDetection(message string, frameNumber int) frame.Detection {
	return frame.Detection{
		Confidence:      frame.FailureConfidence,
		Description:     message,
		FrameNumber:     frameNumber,
		DetectorName:    s.name,
		DetectorVersion: s.version,
	}
}

// recordFailure updates statistics and the status machine for a
// failed call, and returns the sentinel failure Detection.
func (s *Sandbox) recordFailure(message string, frameNumber int) frame.Detection {
	s.mu.Lock()
	s.totalProcessed++
	s.lastError = message
	s.lastErrorTime = time.Now()
	s.status = StatusFailed
	s.mu.Unlock()
	s.log.Printf("[sandbox] %s frame %d failed: %s", s.name, frameNumber, message)
	return s.failureDetection(message, frameNumber)
}

func (s *Sandbox) recordResult(detections []frame.Detection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalProcessed++
	for _, d := range detections {
		if d.Confidence > errorConfidenceThreshold {
			s.totalErrorsFound++
		}
		if d.Failed() {
			s.lastError = d.Description
			s.lastErrorTime = time.Now()
		}
	}
}

// recordObservedLatency feeds the adaptive-timeout EWMA:
// T <- 0.9*T + 0.1*(2*t_observed), clamped to [MinTimeout, MaxTimeout].
// It also appends to the rolling processing-time window.
func (s *Sandbox) recordObservedLatency(observed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := 0.9*float64(s.timeout) + 0.1*(2*float64(observed))
	s.timeout = clampTimeout(time.Duration(next))

	if len(s.procTimes) < processingTimeWindow {
		s.procTimes = append(s.procTimes, observed)
	} else {
		s.procTimes[s.procTimesHead] = observed
		s.procTimesHead = (s.procTimesHead + 1) % processingTimeWindow
	}
}

// Cleanup tells the detector process to release resources and closes
// the transport. Transitions to stopped regardless of the prior state
// (idempotent).
func (s *Sandbox) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return nil
	}
	client := s.client
	conn := s.conn
	s.status = StatusStopped
	s.conn = nil
	s.client = nil
	s.mu.Unlock()

	var rpcErr error
	if client != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.currentTimeout())
		defer cancel()
		_, rpcErr = client.Cleanup(callCtx, &structpb.Struct{})
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.log.Printf("[sandbox] %s stopped", s.name)
	return rpcErr
}

// Stats returns a snapshot of the sandbox's rolling statistics.
func (s *Sandbox) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum time.Duration
	for _, d := range s.procTimes {
		sum += d
	}
	var avg time.Duration
	if len(s.procTimes) > 0 {
		avg = sum / time.Duration(len(s.procTimes))
	}

	return Stats{
		TotalProcessed:        s.totalProcessed,
		TotalErrorsFound:      s.totalErrorsFound,
		AverageProcessingTime: avg,
		LastError:             s.lastError,
		LastErrorTime:         s.lastErrorTime,
		CurrentTimeout:        s.timeout,
	}
}

// decodeDetections converts the detector process's response payload
// into Detections. Only an explicit "failed" flag yields the failure
// sentinel; a response with no fields or no "detections" list yields
// no Detections, and list entries that are not objects are skipped.
func decodeDetections(resp *structpb.Struct, detectorName, detectorVersion string, frameNumber int) []frame.Detection {
	fields := resp.GetFields()
	if fields == nil {
		return nil
	}

	if failed, ok := fields["failed"]; ok && failed.GetBoolValue() {
		msg := "detector reported failure"
		if m, ok := fields["message"]; ok {
			msg = m.GetStringValue()
		}
		return []frame.Detection{{
			Confidence:      frame.FailureConfidence,
			Description:     msg,
			FrameNumber:     frameNumber,
			DetectorName:    detectorName,
			DetectorVersion: detectorVersion,
		}}
	}

	rawList, ok := fields["detections"]
	if !ok {
		return nil
	}
	items := rawList.GetListValue().GetValues()
	out := make([]frame.Detection, 0, len(items))
	for _, item := range items {
		m := item.GetStructValue().GetFields()
		if m == nil {
			continue
		}
		d := frame.Detection{
			Description:     m["description"].GetStringValue(),
			FrameNumber:     frameNumber,
			DetectorName:    detectorName,
			DetectorVersion: detectorVersion,
			ErrorType:       m["error_type"].GetStringValue(),
		}
		if conf, ok := m["confidence"]; ok {
			d.Confidence = conf.GetNumberValue()
		} else if legacy, ok := m["error_confidence"]; ok {
			// Deprecated enumerated confidence; only the documented
			// mapping is applied.
			d.Confidence = frame.ConfidenceFromLegacy(int(legacy.GetNumberValue()))
		}
		if meta := m["metadata"].GetStructValue(); meta != nil {
			d.Metadata = meta.AsMap()
		}
		if boxes := m["bounding_boxes"].GetListValue().GetValues(); len(boxes) > 0 {
			d.BoundingBoxes = make([]frame.BoundingBox, 0, len(boxes))
			for _, b := range boxes {
				bf := b.GetStructValue().GetFields()
				if bf == nil {
					continue
				}
				d.BoundingBoxes = append(d.BoundingBoxes, frame.BoundingBox{
					X:      bf["x"].GetNumberValue(),
					Y:      bf["y"].GetNumberValue(),
					Width:  bf["width"].GetNumberValue(),
					Height: bf["height"].GetNumberValue(),
					Label:  bf["label"].GetStringValue(),
				})
			}
		}
		out = append(out, d)
	}
	return out
}
