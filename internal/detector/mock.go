package detector

import (
	"sync"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

// MockDetector is a test implementation of the Detector interface.
// Scripted results are returned once each, in order; after that the
// default detections are returned for every frame.
type MockDetector struct {
	mu         sync.Mutex
	detections []event.RawDetection
	script     [][]event.RawDetection
	err        error
	calls      int
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetDetections sets the detections returned once the script is exhausted.
func (m *MockDetector) SetDetections(dets []event.RawDetection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections = dets
}

// Script queues per-frame results.
func (m *MockDetector) Script(frames ...[]event.RawDetection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, frames...)
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Detect returns the next scripted result, the default detections or the
// configured error.
func (m *MockDetector) Detect(image []byte) ([]event.RawDetection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if len(m.script) > 0 {
		next := m.script[0]
		m.script = m.script[1:]
		return next, nil
	}
	return m.detections, nil
}

// Calls returns the number of Detect calls.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Close is a no-op for the mock detector.
func (m *MockDetector) Close() error {
	return nil
}

// Hand returns a hand detection centred on (x, y).
func Hand(x, y float64) event.RawDetection {
	return box("hand", x, y, 0.9)
}

// Scooper returns a scooper detection centred on (x, y).
func Scooper(x, y float64) event.RawDetection {
	return box("scooper", x, y, 0.85)
}

func box(class string, x, y, conf float64) event.RawDetection {
	return event.RawDetection{
		ClassName:  class,
		Confidence: conf,
		BBox:       &event.BBox{X1: x - 25, Y1: y - 25, X2: x + 25, Y2: y + 25},
		Center:     &event.Point{X: x, Y: y},
	}
}
