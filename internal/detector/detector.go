package detector

import (
	"time"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/config"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

// Detector defines the interface for object detection implementations.
type Detector interface {
	// Detect analyzes a JPEG-encoded frame and returns the classified boxes.
	// Returns an empty slice if nothing is detected.
	Detect(image []byte) ([]event.RawDetection, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Config holds configuration options for object detection.
type Config struct {
	// Script is the path of the Python detection service.
	Script string

	// Python is the interpreter used to run Script.
	Python string

	// Command, when set, replaces Python and Script entirely.
	Command []string

	// Env is appended to the service's environment.
	Env []string

	// MinConfidence is the minimum detection confidence threshold (0.0-1.0).
	MinConfidence float64

	// IdleTimeout shuts the service down after this long without a frame.
	IdleTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		MinConfidence: 0.5,
		IdleTimeout:   30 * time.Second,
	}
}

// ConfigFrom converts the detector section of the configuration.
func ConfigFrom(c config.DetectorConfig) Config {
	cfg := DefaultConfig()
	cfg.Script = c.Script
	cfg.Python = c.Python
	if c.MinConfidence > 0 {
		cfg.MinConfidence = c.MinConfidence
	}
	return cfg
}

// FilterConfidence drops detections below threshold.
func FilterConfidence(dets []event.RawDetection, threshold float64) []event.RawDetection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out
}
