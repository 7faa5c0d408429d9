// Package storageio defines the narrow interfaces the engine consumes
// from (and writes back to) the storage layer. Storage is someone
// else's service, reached through these contracts; MemoryStorage is
// the in-process stand-in used by the demo entrypoint and tests.
package storageio

import "continuity-engine/internal/frame"

// FrameSource is the (take_id, frame_id) -> raw frame bytes reader and
// (take_id) -> frame sequence metadata listing the engine consumes
// from storage.
type FrameSource interface {
	// GetFrameBytes returns the raw frame payload, or ok=false if the
	// frame does not exist.
	GetFrameBytes(takeID, frameID int) (bytes []byte, width, height int, ok bool)

	// ListFrameNumbers returns every frame number recorded for a take,
	// not necessarily sorted.
	ListFrameNumbers(takeID int) ([]int, error)

	// GetTakeAngleID resolves a take to the angle it belongs to, or
	// ok=false if the take is unknown. The orchestrator resolves a take
	// to its angle before consulting GetAngleReferenceTakeID: the two
	// ids are never interchangeable.
	GetTakeAngleID(takeID int) (angleID int, ok bool)

	// GetAngleReferenceTakeID returns the take marked as the continuity
	// baseline for an angle, or ok=false if the angle has none set.
	GetAngleReferenceTakeID(angleID int) (takeID int, ok bool)
}

// ResultSink is where the engine writes detection results back to
// storage.
type ResultSink interface {
	// AppendDetection persists one Detection. Appending the same
	// (take_id, frame_id, detector_name, description) twice is an
	// update to the existing record, not a second append.
	AppendDetection(takeID, frameID int, detectorName string, confidence float64, description string, boxes []frame.BoundingBox, metadata map[string]any) error

	// GetGroupedResults returns the take's current ContinuousError
	// groups, as last computed by the grouping engine.
	GetGroupedResults(takeID int) ([]frame.ContinuousError, error)
}

// VideoFrameReader reads sequential frames from one opened video
// segment. Video decode itself is an external collaborator's
// concern; the engine only consumes frames through this contract.
type VideoFrameReader interface {
	// Next returns the next frame in the segment, or ok=false once the
	// segment's end_frame_exclusive bound is reached.
	Next() (frameNumber int, payload []byte, ok bool, err error)
	Close() error
}

// VideoSource opens an uploaded video file at a given frame offset for
// the batch pipeline.
type VideoSource interface {
	OpenSegment(videoPath string, startFrame, endFrameExclusive int) (VideoFrameReader, error)
}
