// Package frame defines the core data model shared across the engine:
// frames, frame pairs, detections, continuous errors, and the
// configuration overlay types detectors run under.
package frame

import (
	"fmt"
	"strings"
	"time"
)

// Frame is a single captured frame. Identity is (TakeID, FrameNumber).
// Immutable once constructed; frames are owned by the storage layer,
// the engine only ever holds short-lived copies.
type Frame struct {
	TakeID       int
	FrameNumber  int
	Timestamp    float64 // monotonic seconds from take start
	Bytes        []byte  // opaque PNG/JPEG payload
	Width        int
	Height       int
}

// BoundingBox is a single detection box, optionally labeled.
type BoundingBox struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Area returns the bounding box's area, or 0 if degenerate.
func (b BoundingBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Center returns the box's center point.
func (b BoundingBox) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// IoU computes intersection-over-union against another box. Returns 0
// if either box has zero area.
func (b BoundingBox) IoU(o BoundingBox) float64 {
	if b.Area() == 0 || o.Area() == 0 {
		return 0
	}
	x1 := max(b.X, o.X)
	y1 := max(b.Y, o.Y)
	x2 := min(b.X+b.Width, o.X+o.Width)
	y2 := min(b.Y+b.Height, o.Y+o.Height)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	intersection := (x2 - x1) * (y2 - y1)
	union := b.Area() + o.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// FailureConfidence is the reserved sentinel meaning "detector
// execution failed".
const FailureConfidence = -1.0

// ConfidenceFromLegacy maps the deprecated enumerated confidence to
// the float scale. It is used only when a sandbox response carries the
// legacy integer field; nothing else in the engine is built around the
// enum, and undocumented values degrade to the failure sentinel.
func ConfidenceFromLegacy(v int) float64 {
	switch v {
	case 0:
		return 0.0
	case 1:
		return 0.9
	case 2:
		return 0.6
	case 3:
		return FailureConfidence
	default:
		return FailureConfidence
	}
}

// FramePair is the current/reference frame pair shipped to detectors.
// Constructed by the orchestrator; lifetime is a single
// queueing-and-processing cycle.
type FramePair struct {
	TakeID             int
	CurrentFrameNumber int
	ReferenceFrameNumber int
	Current            Frame
	Reference          Frame
	SceneID            int
	AngleID            int
	ProjectID          int
	CreatedAt          time.Time
}

// SceneContext returns the "scene_{id}_angle_{id}" cache-key tag.
func (p FramePair) SceneContext() string {
	return fmt.Sprintf("scene_%d_angle_%d", p.SceneID, p.AngleID)
}

// Detection is a single finding from one detector on one frame.
// Immutable once stored except for IsFalsePositive/FalsePositiveReason.
type Detection struct {
	ID                   int64
	Confidence           float64 // [0,1], or FailureConfidence
	Description          string
	FrameNumber          int
	BoundingBoxes        []BoundingBox
	DetectorName         string
	DetectorVersion      string
	Metadata             map[string]any
	ErrorType             string
	Location              map[string]any
	IsFalsePositive       bool
	FalsePositiveReason   string
	Timestamp             float64
}

// Failed reports whether this Detection represents a detector
// execution failure (the -1.0 sentinel).
func (d Detection) Failed() bool {
	return d.Confidence == FailureConfidence
}

// ErrorOccurrence is a single member of a ContinuousError.
type ErrorOccurrence struct {
	Detection Detection
	Timestamp float64
}

// ContinuousError is a grouping of Detections judged to be the same
// underlying continuity problem across frames.
type ContinuousError struct {
	ID                string
	DetectorName      string
	Description       string
	FirstFrame        int
	LastFrame         int
	AverageConfidence float64
	Members           []ErrorOccurrence
	AllFalsePositive  bool
}

// FrameRange renders the group's frame-range string: "f" when single,
// "f-g" otherwise.
func (c ContinuousError) FrameRange() string {
	if c.FirstFrame == c.LastFrame {
		return fmt.Sprintf("%d", c.FirstFrame)
	}
	return fmt.Sprintf("%d-%d", c.FirstFrame, c.LastFrame)
}

// IsSingleFrame reports whether the group spans exactly one frame.
func (c ContinuousError) IsSingleFrame() bool {
	return c.FirstFrame == c.LastFrame
}

// NormalizeDescription trims and lowercases a description for
// case/whitespace-insensitive comparison.
func NormalizeDescription(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ConfigField is the tagged-variant schema entry for a single detector
// configuration field. Values are heterogeneous (text, number,
// boolean, file path, list of paths), so they are held generically and
// checked by a single schema-driven validator rather than reflected
// into a per-detector static record.
type ConfigFieldType string

const (
	FieldText         ConfigFieldType = "text"
	FieldNumber       ConfigFieldType = "number"
	FieldBoolean      ConfigFieldType = "boolean"
	FieldFile         ConfigFieldType = "file"
	FieldFileMultiple ConfigFieldType = "file_multiple"
)

type ConfigField struct {
	FieldType        ConfigFieldType `json:"field_type"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Required         bool            `json:"required,omitempty"`
	Default          any             `json:"default,omitempty"`
	Minimum          *float64        `json:"minimum,omitempty"`
	Maximum          *float64        `json:"maximum,omitempty"`
	Options          []string        `json:"options,omitempty"`
	AcceptExtensions []string        `json:"accept_extensions,omitempty"`
}

// ConfigSchema is a detector's full configuration schema.
type ConfigSchema struct {
	Fields map[string]ConfigField `json:"fields"`
}

// Config is a resolved, schema-validated set of config values for one
// detector instance.
type Config map[string]any

// Overlay is a partial config merged onto a detector's base config,
// overrides winning. Recovery uses it for the degraded fallback mode.
type Overlay map[string]any

// MergeWithBase returns a new Config with overlay values taking
// precedence over base values.
func (o Overlay) MergeWithBase(base Config) Config {
	merged := make(Config, len(base)+len(o))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range o {
		merged[k] = v
	}
	return merged
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
