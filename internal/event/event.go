// Package event defines the messages carried on the pipeline's bus channels
// and their JSON encoding.
package event

import (
	"math"
	"time"
)

// Bus channel names.
const (
	TopicFrames     = "frames"
	TopicDetections = "detections"
	TopicControl    = "control"
)

// Violation defaults.
const (
	ViolationType    = "hand_in_container_without_scooper"
	SeverityHigh     = "high"
	ViolationMessage = "Hand detected in ingredient container without scooper."
)

// Point is a pixel coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo returns the Euclidean distance between two points.
func (p Point) DistanceTo(o Point) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// BBox is an axis-aligned bounding box in pixels.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the midpoint of the box.
func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// RawDetection is one classified box returned by the object detector.
// BBox and Center are pointers so that a payload missing either can be told
// apart from one located at the origin.
type RawDetection struct {
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       *BBox   `json:"bbox,omitempty"`
	Center     *Point  `json:"center,omitempty"`
}

// Valid reports whether the detection carries everything tracking needs.
func (d RawDetection) Valid() bool {
	return d.ClassName != "" && d.BBox != nil && d.Center != nil
}

// Frame is a single image published on the frames channel.
type Frame struct {
	StreamID   string    `json:"stream_id"`
	Generation uint64    `json:"generation"`
	FrameID    uint64    `json:"frame_id"`
	Timestamp  time.Time `json:"timestamp"`
	Image      []byte    `json:"image"`
}

// Violation is an emitted hygiene infraction. It is never modified once emitted.
type Violation struct {
	ID         string    `json:"id"`
	StreamID   string    `json:"stream_id"`
	Generation uint64    `json:"generation"`
	FrameID    uint64    `json:"frame_id"`
	Type       string    `json:"type"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	BBox       *BBox     `json:"bbox,omitempty"`
}

// Region describes a monitored zone for annotation and observers.
type Region struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Points []Point `json:"points"`
	Color  string  `json:"color"`
	Active bool    `json:"active"`
}

// Detections is the message published on the detections channel for each
// processed frame.
type Detections struct {
	StreamID    string         `json:"stream_id"`
	Generation  uint64         `json:"generation"`
	FrameID     uint64         `json:"frame_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Detections  []RawDetection `json:"detections"`
	Violations  []Violation    `json:"violations"`
	Regions     []Region       `json:"rois,omitempty"`
	ProcessedAt time.Time      `json:"processed_at"`
}

// CommandKind identifies a lifecycle command.
type CommandKind string

const (
	CommandStart CommandKind = "start"
	CommandStop  CommandKind = "stop"
	CommandFlush CommandKind = "flush"
)

// Command is a lifecycle instruction from the coordinator to downstream stages.
// For stop and flush, Generation is the newest generation the command covers:
// everything tagged with it or older is to be discarded.
type Command struct {
	Kind       CommandKind `json:"kind"`
	StreamID   string      `json:"stream_id"`
	Generation uint64      `json:"generation"`
	IssuedAt   time.Time   `json:"issued_at"`
}
