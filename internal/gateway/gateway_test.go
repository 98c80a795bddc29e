package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/bus"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

// fakeFence admits one active run per stream.
type fakeFence struct {
	mu     sync.Mutex
	active map[string]uint64
}

func newFakeFence() *fakeFence { return &fakeFence{active: make(map[string]uint64)} }

func (f *fakeFence) Admits(streamID string, generation uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[streamID] == generation
}

func (f *fakeFence) set(streamID string, generation uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[streamID] = generation
}

// chanSender records payloads. When gate is set each Send records its
// payload and then stalls until the gate is closed.
type chanSender struct {
	ch   chan []byte
	gate chan struct{}
}

func newChanSender() *chanSender { return &chanSender{ch: make(chan []byte, 1024)} }

func (s *chanSender) Send(data []byte) error {
	s.ch <- data
	if s.gate != nil {
		<-s.gate
	}
	return nil
}

func (s *chanSender) Close() error { return nil }

type memorySink struct {
	mu    sync.Mutex
	saved []event.Violation
}

func (m *memorySink) SaveViolation(_ context.Context, v event.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, v)
	return nil
}

type envelope struct {
	Type       string          `json:"type"`
	StreamID   string          `json:"stream_id"`
	Generation uint64          `json:"generation"`
	FrameID    uint64          `json:"frame_id"`
	Stats      Stats           `json:"stats"`
	Image      []byte          `json:"annotated_image"`
	Data       event.Violation `json:"data"`
}

func decode(t *testing.T, data []byte) envelope {
	t.Helper()
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("unmarshal observer message: %v", err)
	}
	return e
}

func receive(t *testing.T, s *chanSender) envelope {
	t.Helper()
	select {
	case data := <-s.ch:
		return decode(t, data)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return envelope{}
	}
}

func frameMsg(t *testing.T, stream string, gen, id uint64) []byte {
	t.Helper()
	data, err := event.Encode(event.Frame{StreamID: stream, Generation: gen, FrameID: id, Timestamp: time.Now(), Image: []byte{0xFF, 0xD8, byte(id)}})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func detectionsMsg(t *testing.T, stream string, gen, id uint64, violations ...event.Violation) []byte {
	t.Helper()
	data, err := event.Encode(event.Detections{
		StreamID:   stream,
		Generation: gen,
		FrameID:    id,
		Timestamp:  time.Now(),
		Violations: violations,
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func violation(stream string, gen, frame uint64) event.Violation {
	return event.Violation{
		ID:         "v-" + stream,
		StreamID:   stream,
		Generation: gen,
		FrameID:    frame,
		Type:       event.ViolationType,
		Severity:   event.SeverityHigh,
		Timestamp:  time.Now(),
	}
}

func newTestGateway(queue int) (*Gateway, *fakeFence, *memorySink) {
	fence := newFakeFence()
	sink := &memorySink{}
	g := New(bus.New(), fence, NopAnnotator{}, sink, Config{SubscriberQueue: queue, FrameCache: 16, FPSWindow: time.Second, ViolationHistory: 100})
	return g, fence, sink
}

func TestGateway_MergesFrameAndDetections(t *testing.T) {
	g, fence, sink := newTestGateway(8)
	fence.set("counter", 1)

	out := newChanSender()
	sub := g.Attach(out)
	defer g.Detach(sub.ID())
	g.Subscribe(sub.ID(), "counter")

	ctx := context.Background()
	g.handleFrame(frameMsg(t, "counter", 1, 0))
	g.handleDetections(ctx, detectionsMsg(t, "counter", 1, 0, violation("counter", 1, 0)))

	alert := receive(t, out)
	if alert.Type != TypeViolationAlert || alert.Data.StreamID != "counter" {
		t.Errorf("first message = %+v, want violation alert", alert)
	}
	result := receive(t, out)
	if result.Type != TypeDetectionResults || result.FrameID != 0 || result.Generation != 1 {
		t.Errorf("second message = %+v, want detection results for frame 0", result)
	}
	if len(result.Image) != 3 || result.Stats.ViolationsCount != 1 || result.Stats.FPS <= 0 {
		t.Errorf("result image/stats = %v %+v", result.Image, result.Stats)
	}

	if got := g.Violations("counter", 0); len(got) != 1 {
		t.Errorf("Violations() = %d, want 1", len(got))
	}
	if len(sink.saved) != 1 {
		t.Errorf("sink saved %d violations, want 1", len(sink.saved))
	}
	if g.TotalViolations() != 1 {
		t.Errorf("TotalViolations() = %d, want 1", g.TotalViolations())
	}
}

func TestGateway_DetectionsBeforeFrameAreHeld(t *testing.T) {
	g, fence, _ := newTestGateway(8)
	fence.set("counter", 1)
	out := newChanSender()
	sub := g.Attach(out)
	defer g.Detach(sub.ID())
	g.Subscribe(sub.ID(), AllStreams)

	g.handleDetections(context.Background(), detectionsMsg(t, "counter", 1, 5))
	select {
	case <-out.ch:
		t.Fatal("result sent before its frame arrived")
	case <-time.After(20 * time.Millisecond):
	}

	g.handleFrame(frameMsg(t, "counter", 1, 5))
	if msg := receive(t, out); msg.Type != TypeDetectionResults || msg.FrameID != 5 {
		t.Errorf("message = %+v, want results for frame 5", msg)
	}
}

func TestGateway_SlowSubscriberIsBounded(t *testing.T) {
	const queue = 4
	g, fence, _ := newTestGateway(queue)
	fence.set("counter", 1)

	slow := newChanSender()
	slow.gate = make(chan struct{})
	slowSub := g.Attach(slow)
	g.Subscribe(slowSub.ID(), "counter")

	fast := newChanSender()
	fastSub := g.Attach(fast)
	g.Subscribe(fastSub.ID(), "counter")

	ctx := context.Background()
	for i := uint64(0); i < 50; i++ {
		g.handleFrame(frameMsg(t, "counter", 1, i))
		g.handleDetections(ctx, detectionsMsg(t, "counter", 1, i))
		if n := slowSub.Len(); n > queue {
			t.Fatalf("slow queue length = %d, exceeds bound %d", n, queue)
		}
		// The fast observer gets every frame while the slow one is stalled.
		if msg := receive(t, fast); msg.FrameID != i {
			t.Fatalf("fast observer frame = %d, want %d", msg.FrameID, i)
		}
	}
	if slowSub.Dropped() == 0 {
		t.Error("slow observer dropped nothing")
	}

	close(slow.gate)
	received := 0
	last := uint64(0)
	for last != 49 {
		msg := receive(t, slow)
		if received > 0 && msg.FrameID <= last {
			t.Errorf("slow observer frame %d after %d", msg.FrameID, last)
		}
		last = msg.FrameID
		received++
	}
	if received > queue+1 {
		t.Errorf("slow observer received %d frames, want at most %d", received, queue+1)
	}
	g.Detach(slowSub.ID())
	g.Detach(fastSub.ID())
}

func TestGateway_NoPreviousGenerationAfterRestart(t *testing.T) {
	g, fence, _ := newTestGateway(64)
	fence.set("counter", 1)

	out := newChanSender()
	out.gate = make(chan struct{})
	sub := g.Attach(out)
	g.Subscribe(sub.ID(), "counter")

	ctx := context.Background()
	for i := uint64(0); i < 10; i++ {
		g.handleFrame(frameMsg(t, "counter", 1, i))
		g.handleDetections(ctx, detectionsMsg(t, "counter", 1, i, violation("counter", 1, i)))
	}
	// The first item was written before the stop and is stalled in Send.
	if msg := receive(t, out); msg.Data.Generation != 1 {
		t.Fatalf("in-flight message = %+v", msg)
	}

	// stop(1) then start(2); the commands may arrive after the fence moved.
	fence.set("counter", 2)
	g.handleDetections(ctx, detectionsMsg(t, "counter", 1, 10, violation("counter", 1, 10)))
	g.Apply(event.Command{Kind: event.CommandStop, StreamID: "counter", Generation: 1})
	g.Apply(event.Command{Kind: event.CommandStart, StreamID: "counter", Generation: 2})
	g.Apply(event.Command{Kind: event.CommandStop, StreamID: "counter", Generation: 1})

	g.handleFrame(frameMsg(t, "counter", 2, 0))
	g.handleDetections(ctx, detectionsMsg(t, "counter", 2, 0, violation("counter", 2, 0)))
	g.handleFrame(frameMsg(t, "counter", 1, 11))
	g.handleDetections(ctx, detectionsMsg(t, "counter", 1, 11))

	close(out.gate)
	seen := 0
	for seen < 2 {
		msg := receive(t, out)
		gen := msg.Generation
		if msg.Type == TypeViolationAlert {
			gen = msg.Data.Generation
		}
		if gen != 2 {
			t.Fatalf("observer received %s from generation %d", msg.Type, gen)
		}
		seen++
	}
	select {
	case data := <-out.ch:
		t.Errorf("unexpected extra message %s", data)
	case <-time.After(20 * time.Millisecond):
	}
	g.Detach(sub.ID())
}

func TestGateway_FlushIsIdempotent(t *testing.T) {
	g, fence, _ := newTestGateway(8)
	fence.set("counter", 1)

	ctx := context.Background()
	g.handleFrame(frameMsg(t, "counter", 1, 0))
	g.handleDetections(ctx, detectionsMsg(t, "counter", 1, 0, violation("counter", 1, 0)))
	g.handleDetections(ctx, detectionsMsg(t, "other", 1, 0, violation("other", 1, 0)))

	flush := event.Command{Kind: event.CommandFlush, StreamID: "counter"}
	for i := 0; i < 2; i++ {
		g.Apply(flush)
		if got := g.Violations("counter", 0); len(got) != 0 {
			t.Errorf("flush %d: counter history = %d, want 0", i, len(got))
		}
		if st := g.Stats("counter"); st.ViolationsCount != 0 || st.FramesSent != 0 {
			t.Errorf("flush %d: stats = %+v, want reset", i, st)
		}
	}
	g.Apply(event.Command{Kind: event.CommandFlush, StreamID: "never-seen"})

	if !g.fence.Admits("counter", 1) || g.stale("counter", 1) {
		t.Error("flush without a generation fenced off the active run")
	}
}

func TestGateway_ViolationCountSurvivesRestart(t *testing.T) {
	g, fence, _ := newTestGateway(8)
	ctx := context.Background()

	fence.set("counter", 1)
	g.Apply(event.Command{Kind: event.CommandStart, StreamID: "counter", Generation: 1})
	g.handleFrame(frameMsg(t, "counter", 1, 0))
	g.handleDetections(ctx, detectionsMsg(t, "counter", 1, 0, violation("counter", 1, 0)))
	if got := g.Stats("counter").ViolationsCount; got != 1 {
		t.Fatalf("after generation 1: ViolationsCount = %d, want 1", got)
	}

	g.Apply(event.Command{Kind: event.CommandStop, StreamID: "counter", Generation: 1})
	fence.set("counter", 2)
	g.Apply(event.Command{Kind: event.CommandStart, StreamID: "counter", Generation: 2})
	st := g.Stats("counter")
	if st.ViolationsCount != 1 || st.FramesSent != 0 {
		t.Fatalf("after restart: stats = %+v, want 1 violation and a fresh frame count", st)
	}

	g.handleFrame(frameMsg(t, "counter", 2, 0))
	g.handleDetections(ctx, detectionsMsg(t, "counter", 2, 0, violation("counter", 2, 0)))
	if got := g.Stats("counter").ViolationsCount; got != 2 {
		t.Errorf("after generation 2: ViolationsCount = %d, want 2", got)
	}

	g.Apply(event.Command{Kind: event.CommandFlush, StreamID: "counter", Generation: 1})
	if got := g.Stats("counter").ViolationsCount; got != 0 {
		t.Errorf("after flush: ViolationsCount = %d, want 0", got)
	}
}

func TestGateway_StopBeforeRecordDropsViolation(t *testing.T) {
	g, fence, sink := newTestGateway(8)
	fence.set("counter", 1)

	out := newChanSender()
	sub := g.Attach(out)
	g.Subscribe(sub.ID(), "counter")

	// The stop lands after the result passed its stale check but before the
	// violation is recorded.
	g.Apply(event.Command{Kind: event.CommandStop, StreamID: "counter", Generation: 1})
	g.recordViolation(context.Background(), violation("counter", 1, 0))

	if got := g.Violations("counter", 0); len(got) != 0 {
		t.Errorf("history = %d violations, want 0", len(got))
	}
	sink.mu.Lock()
	saved := len(sink.saved)
	sink.mu.Unlock()
	if saved != 0 {
		t.Errorf("sink saved %d violations, want 0", saved)
	}
	if g.TotalViolations() != 0 || g.Stats("counter").ViolationsCount != 0 {
		t.Errorf("counters moved for a fenced violation: total %d, stats %+v", g.TotalViolations(), g.Stats("counter"))
	}
	select {
	case data := <-out.ch:
		t.Errorf("observer received %s", data)
	case <-time.After(20 * time.Millisecond):
	}
	g.Detach(sub.ID())
}

func TestGateway_SubscribeAndNotify(t *testing.T) {
	g, fence, _ := newTestGateway(8)
	fence.set("a", 1)
	fence.set("b", 1)

	out := newChanSender()
	sub := g.Attach(out)
	g.Subscribe(sub.ID(), "a")

	g.handleFrame(frameMsg(t, "b", 1, 0))
	g.handleDetections(context.Background(), detectionsMsg(t, "b", 1, 0))
	g.handleFrame(frameMsg(t, "a", 1, 0))
	g.handleDetections(context.Background(), detectionsMsg(t, "a", 1, 0))

	if msg := receive(t, out); msg.StreamID != "a" {
		t.Errorf("message for stream %q, want only a", msg.StreamID)
	}

	g.Unsubscribe(sub.ID(), "a")
	g.Notify(sub.ID(), ErrorMessage{Type: TypeError, Message: "bad request"})
	if msg := receive(t, out); msg.Type != TypeError {
		t.Errorf("message = %+v, want error", msg)
	}

	g.Detach(sub.ID())
	g.Detach(sub.ID())
	if err := g.Subscribe(sub.ID(), "a"); err != ErrUnknownSubscriber {
		t.Errorf("Subscribe() after detach error = %v", err)
	}
	if g.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", g.Subscribers())
	}
}

func TestGateway_RunConsumesBus(t *testing.T) {
	b := bus.New()
	defer b.Close()
	fence := newFakeFence()
	fence.set("counter", 3)
	g := New(b, fence, nil, nil, Config{SubscriberQueue: 8})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	out := newChanSender()
	sub := g.Attach(out)
	g.Subscribe(sub.ID(), "counter")

	// Wait for Run to subscribe.
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := b.Stats(event.TopicDetections, "gateway"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("gateway never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	b.Publish(ctx, event.TopicFrames, frameMsg(t, "counter", 3, 1))
	b.Publish(ctx, event.TopicDetections, detectionsMsg(t, "counter", 3, 1))

	if msg := receive(t, out); msg.Type != TypeDetectionResults || msg.Generation != 3 {
		t.Errorf("message = %+v", msg)
	}
}
