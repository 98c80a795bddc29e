package capture

import (
	"sync"
)

// MockSource plays back pre-encoded frames for testing. Injected errors are
// returned, in order, before the next frame.
type MockSource struct {
	frames  [][]byte
	index   int
	loop    bool
	errs    []error
	reads   int
	mu      sync.Mutex
	running bool
}

func NewMockSource(frames [][]byte, loop bool) *MockSource {
	return &MockSource{
		frames: frames,
		loop:   loop,
	}
}

// MockOpener returns an Opener that always hands out src.
func MockOpener(src *MockSource) Opener {
	return func(string) (Source, error) {
		if err := src.Open(); err != nil {
			return nil, err
		}
		return src, nil
	}
}

func (s *MockSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.index = 0
	return nil
}

func (s *MockSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *MockSource) ReadFrame() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, ErrSourceNotOpen
	}
	s.reads++

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}

	if s.index >= len(s.frames) {
		if !s.loop || len(s.frames) == 0 {
			return nil, ErrEndOfStream
		}
		s.index = 0
	}

	frame := append([]byte(nil), s.frames[s.index]...)
	s.index++
	return frame, nil
}

func (s *MockSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// FailNext queues errors to be returned by the following reads.
func (s *MockSource) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
}

// Reads returns the number of ReadFrame calls on an open source.
func (s *MockSource) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}
