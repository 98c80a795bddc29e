package gateway

import (
	"sync"
	"time"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

// Stats is the live summary sent with every result.
type Stats struct {
	FPS             float64 `json:"fps"`
	ViolationsCount int     `json:"violations_count"`
	FramesSent      uint64  `json:"frames_sent"`
}

// streamStats tracks one stream's frame rate over a sliding window and its
// cumulative violation count.
type streamStats struct {
	generation uint64
	window     time.Duration
	stamps     []time.Time
	violations int
	frames     uint64
}

func newStreamStats(generation uint64, window time.Duration) *streamStats {
	if window <= 0 {
		window = time.Second
	}
	return &streamStats{generation: generation, window: window}
}

// restart begins a new run of the stream. The violation count carries over.
func (s *streamStats) restart(generation uint64) {
	s.generation = generation
	s.stamps = s.stamps[:0]
	s.frames = 0
}

func (s *streamStats) recordFrame(now time.Time) {
	s.frames++
	s.stamps = append(s.stamps, now)
	s.prune(now)
}

func (s *streamStats) prune(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.stamps) && !s.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.stamps = append(s.stamps[:0], s.stamps[i:]...)
	}
}

func (s *streamStats) snapshot(now time.Time) Stats {
	s.prune(now)
	return Stats{
		FPS:             float64(len(s.stamps)) / s.window.Seconds(),
		ViolationsCount: s.violations,
		FramesSent:      s.frames,
	}
}

// history retains the most recent violations across streams.
type history struct {
	mu    sync.Mutex
	limit int
	items []event.Violation // oldest first
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = 100
	}
	return &history{limit: limit}
}

func (h *history) add(v event.Violation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, v)
	if len(h.items) > h.limit {
		h.items = append(h.items[:0], h.items[len(h.items)-h.limit:]...)
	}
}

// recent returns up to limit violations, newest first. An empty streamID
// matches every stream.
func (h *history) recent(streamID string, limit int) []event.Violation {
	h.mu.Lock()
	defer h.mu.Unlock()

	if limit <= 0 || limit > h.limit {
		limit = h.limit
	}
	out := make([]event.Violation, 0, min(limit, len(h.items)))
	for i := len(h.items) - 1; i >= 0 && len(out) < limit; i-- {
		if streamID == "" || h.items[i].StreamID == streamID {
			out = append(out, h.items[i])
		}
	}
	return out
}

func (h *history) removeStream(streamID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.items[:0]
	for _, v := range h.items {
		if v.StreamID != streamID {
			kept = append(kept, v)
		}
	}
	h.items = kept
}
