// Package capture reads video frames with GoCV (OpenCV) and publishes them on
// the frames channel.
package capture

import (
	"errors"
	"fmt"
	"image"
	"strconv"
	"sync"

	"gocv.io/x/gocv"
)

// Default frame settings
const (
	DefaultFPS    = 10
	DefaultWidth  = 640
	DefaultHeight = 480
)

var (
	// ErrSourceNotOpen is returned when reading from a source that is not open.
	ErrSourceNotOpen = errors.New("source is not open")
	// ErrTransient marks read failures worth retrying.
	ErrTransient = errors.New("transient read failure")
	// ErrEndOfStream is returned by non-looping sources once exhausted.
	ErrEndOfStream = errors.New("end of stream")
)

// Source yields JPEG-encoded frames.
type Source interface {
	Open() error
	Close() error
	ReadFrame() ([]byte, error)
	IsOpen() bool
}

// Opener creates a source from a reference such as a file path, a device
// index or a stream URL.
type Opener func(ref string) (Source, error)

// videoSource reads from a file, device or network stream using GoCV.
type videoSource struct {
	ref     string
	width   int
	height  int
	loop    bool
	capture *gocv.VideoCapture
	mu      sync.Mutex
	running bool
}

// NewVideoSource creates a Source for ref. Numeric refs open a camera device.
// Frames are resized to width x height; file sources restart at EOF when
// loop is set.
func NewVideoSource(ref string, width, height int, loop bool) Source {
	if width <= 0 || height <= 0 {
		width, height = DefaultWidth, DefaultHeight
	}
	return &videoSource{
		ref:    ref,
		width:  width,
		height: height,
		loop:   loop,
	}
}

// VideoOpener returns an Opener producing GoCV sources.
func VideoOpener(width, height int, loop bool) Opener {
	return func(ref string) (Source, error) {
		src := NewVideoSource(ref, width, height, loop)
		if err := src.Open(); err != nil {
			return nil, err
		}
		return src, nil
	}
}

// Open opens the underlying capture.
func (s *videoSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	var device any = s.ref
	if id, err := strconv.Atoi(s.ref); err == nil {
		device = id
	}

	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.ref, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("open %s: capture not opened", s.ref)
	}

	s.capture = capture
	s.running = true
	return nil
}

// Close releases the capture.
func (s *videoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		s.running = false
		return nil
	}

	err := s.capture.Close()
	s.capture = nil
	s.running = false

	return err
}

// ReadFrame reads, resizes and JPEG-encodes the next frame.
func (s *videoSource) ReadFrame() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		return nil, ErrSourceNotOpen
	}

	mat := gocv.NewMat()
	defer mat.Close()

	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		if !s.atEnd() {
			return nil, fmt.Errorf("%w: read frame from %s", ErrTransient, s.ref)
		}
		if !s.loop {
			return nil, ErrEndOfStream
		}
		s.capture.Set(gocv.VideoCapturePosFrames, 0)
		if ok := s.capture.Read(&mat); !ok || mat.Empty() {
			return nil, fmt.Errorf("%w: rewind %s", ErrTransient, s.ref)
		}
	}

	resized := gocv.NewMat()
	defer resized.Close()
	if err := gocv.Resize(mat, &resized, image.Pt(s.width, s.height), 0, 0, gocv.InterpolationLinear); err != nil {
		return nil, fmt.Errorf("resize frame: %w", err)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, resized)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// atEnd reports whether a file source has played every frame.
func (s *videoSource) atEnd() bool {
	count := s.capture.Get(gocv.VideoCaptureFrameCount)
	if count <= 0 {
		return false
	}
	return s.capture.Get(gocv.VideoCapturePosFrames) >= count
}

// IsOpen returns true if the source is open.
func (s *videoSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}
