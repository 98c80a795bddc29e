// Package gateway merges frames with their detections, discards data from
// stale stream runs and fans the annotated results out to observers.
package gateway

import (
	"context"
	"errors"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/bus"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/config"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

// Observer message types.
const (
	TypeDetectionResults = "detection_results"
	TypeViolationAlert   = "violation_alert"
	TypeError            = "error"
)

// Fence reports whether data of a stream run may still reach observers.
type Fence interface {
	Admits(streamID string, generation uint64) bool
}

// ViolationSink persists forwarded violations.
type ViolationSink interface {
	SaveViolation(ctx context.Context, v event.Violation) error
}

// ResultMessage is the per-frame message sent to observers.
type ResultMessage struct {
	Type           string               `json:"type"`
	StreamID       string               `json:"stream_id"`
	Generation     uint64               `json:"generation"`
	FrameID        uint64               `json:"frame_id"`
	Timestamp      time.Time            `json:"timestamp"`
	AnnotatedImage []byte               `json:"annotated_image"`
	Detections     []event.RawDetection `json:"detections"`
	Violations     []event.Violation    `json:"violations"`
	ROIs           []event.Region       `json:"rois,omitempty"`
	Stats          Stats                `json:"stats"`
}

// AlertMessage announces a single violation.
type AlertMessage struct {
	Type     string          `json:"type"`
	StreamID string          `json:"stream_id"`
	Data     event.Violation `json:"data"`
}

// ErrorMessage reports a problem with an observer's request.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Config sizes the gateway's buffers.
type Config struct {
	SubscriberQueue  int
	FrameCache       int
	FPSWindow        time.Duration
	ViolationHistory int
}

// ConfigFrom converts the gateway section of the configuration.
func ConfigFrom(c config.GatewayConfig) Config {
	return Config{
		SubscriberQueue:  c.SubscriberQueue,
		FrameCache:       c.FrameCache,
		FPSWindow:        c.FPSWindow,
		ViolationHistory: c.ViolationHistory,
	}
}

type frameKey struct {
	streamID   string
	generation uint64
	frameID    uint64
}

// Gateway owns the observer set, the frame cache and per-stream statistics.
type Gateway struct {
	bus       *bus.Bus
	fence     Fence
	annotator Annotator
	sink      ViolationSink
	cfg       Config
	now       func() time.Time
	ready     chan struct{}
	readyOnce sync.Once

	mu         sync.Mutex
	frames     map[frameKey]event.Frame
	frameOrder []frameKey
	pending    map[frameKey]event.Detections
	pendOrder  []frameKey
	watermark  map[string]uint64
	subs       map[string]*Subscriber
	stats      map[string]*streamStats
	total      int
	history    *history
}

// New creates a gateway. sink may be nil.
func New(b *bus.Bus, fence Fence, annotator Annotator, sink ViolationSink, cfg Config) *Gateway {
	if cfg.SubscriberQueue <= 0 {
		cfg.SubscriberQueue = 8
	}
	if cfg.FrameCache <= 0 {
		cfg.FrameCache = 64
	}
	if annotator == nil {
		annotator = NopAnnotator{}
	}
	return &Gateway{
		bus:       b,
		fence:     fence,
		annotator: annotator,
		sink:      sink,
		cfg:       cfg,
		now:       time.Now,
		ready:     make(chan struct{}),
		frames:    make(map[frameKey]event.Frame),
		pending:   make(map[frameKey]event.Detections),
		watermark: make(map[string]uint64),
		subs:      make(map[string]*Subscriber),
		stats:     make(map[string]*streamStats),
		history:   newHistory(cfg.ViolationHistory),
	}
}

// Run consumes the frames, detections and control channels until ctx ends
// or the bus is closed.
func (g *Gateway) Run(ctx context.Context) error {
	frames, err := g.bus.Subscribe(event.TopicFrames, "gateway", g.cfg.FrameCache)
	if err != nil {
		return err
	}
	defer g.bus.Unsubscribe(event.TopicFrames, "gateway")

	detections, err := g.bus.Subscribe(event.TopicDetections, "gateway", 0)
	if err != nil {
		return err
	}
	defer g.bus.Unsubscribe(event.TopicDetections, "gateway")

	control, err := g.bus.Subscribe(event.TopicControl, "gateway", 0)
	if err != nil {
		return err
	}
	defer g.bus.Unsubscribe(event.TopicControl, "gateway")

	g.readyOnce.Do(func() { close(g.ready) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-frames.Done():
			return bus.ErrBusClosed
		case msg := <-control.C():
			g.handleControl(msg.Data)
		case msg := <-frames.C():
			g.handleFrame(msg.Data)
		case msg := <-detections.C():
			// Frames queued ahead of this result are cached first so the
			// matching image is usually already present.
			g.drainFrames(frames)
			g.handleDetections(ctx, msg.Data)
		}
	}
}

// Ready is closed once Run has subscribed to the bus.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

func (g *Gateway) drainFrames(frames *bus.Subscription) {
	for {
		select {
		case msg := <-frames.C():
			g.handleFrame(msg.Data)
		default:
			return
		}
	}
}

func (g *Gateway) handleControl(data []byte) {
	cmd, err := event.DecodeCommand(data)
	if err != nil {
		log.Printf("gateway: %v", err)
		return
	}
	g.Apply(cmd)
}

// Apply handles a lifecycle command. It is idempotent.
func (g *Gateway) Apply(cmd event.Command) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch cmd.Kind {
	case event.CommandStart:
		if cmd.Generation > 0 {
			g.raiseWatermark(cmd.StreamID, cmd.Generation-1)
		}
		g.streamStats(cmd.StreamID, cmd.Generation)
	case event.CommandStop:
		g.raiseWatermark(cmd.StreamID, cmd.Generation)
	case event.CommandFlush:
		g.raiseWatermark(cmd.StreamID, cmd.Generation)
		g.dropStream(cmd.StreamID, func(uint64) bool { return true })
		delete(g.stats, cmd.StreamID)
		g.history.removeStream(cmd.StreamID)
		return
	}
	mark := g.watermark[cmd.StreamID]
	g.dropStream(cmd.StreamID, func(gen uint64) bool { return gen <= mark })
}

func (g *Gateway) raiseWatermark(streamID string, generation uint64) {
	if generation > g.watermark[streamID] {
		g.watermark[streamID] = generation
	}
}

// dropStream removes cached frames, pending results and queued observer items
// of streamID whose generation matches. Callers hold g.mu.
func (g *Gateway) dropStream(streamID string, match func(generation uint64) bool) {
	drop := func(k frameKey) bool { return k.streamID == streamID && match(k.generation) }

	g.frameOrder = slices.DeleteFunc(g.frameOrder, func(k frameKey) bool {
		if drop(k) {
			delete(g.frames, k)
			return true
		}
		return false
	})
	g.pendOrder = slices.DeleteFunc(g.pendOrder, func(k frameKey) bool {
		if drop(k) {
			delete(g.pending, k)
			return true
		}
		return false
	})
	for _, s := range g.subs {
		s.purge(func(it Item) bool {
			return it.Generation != 0 && it.StreamID == streamID && match(it.Generation)
		})
	}
}

// stale reports whether data of a run can no longer reach observers.
// Callers hold g.mu.
func (g *Gateway) stale(streamID string, generation uint64) bool {
	return generation <= g.watermark[streamID] || !g.fence.Admits(streamID, generation)
}

func (g *Gateway) handleFrame(data []byte) {
	f, err := event.DecodeFrame(data)
	if err != nil {
		log.Printf("gateway: %v", err)
		return
	}

	g.mu.Lock()
	if g.stale(f.StreamID, f.Generation) {
		g.mu.Unlock()
		return
	}
	key := frameKey{f.StreamID, f.Generation, f.FrameID}
	if d, ok := g.pending[key]; ok {
		delete(g.pending, key)
		g.pendOrder = slices.DeleteFunc(g.pendOrder, func(k frameKey) bool { return k == key })
		g.mu.Unlock()
		g.broadcastResult(f, d)
		return
	}
	g.cacheFrame(key, f)
	g.mu.Unlock()
}

// cacheFrame stores f, evicting the oldest entry when full. Callers hold g.mu.
func (g *Gateway) cacheFrame(key frameKey, f event.Frame) {
	if _, ok := g.frames[key]; ok {
		return
	}
	if len(g.frameOrder) >= g.cfg.FrameCache {
		delete(g.frames, g.frameOrder[0])
		g.frameOrder = g.frameOrder[1:]
	}
	g.frames[key] = f
	g.frameOrder = append(g.frameOrder, key)
}

func (g *Gateway) handleDetections(ctx context.Context, data []byte) {
	d, err := event.DecodeDetections(data)
	if err != nil {
		log.Printf("gateway: %v", err)
		return
	}

	g.mu.Lock()
	if g.stale(d.StreamID, d.Generation) {
		g.mu.Unlock()
		return
	}
	key := frameKey{d.StreamID, d.Generation, d.FrameID}
	f, ok := g.frames[key]
	if ok {
		delete(g.frames, key)
		g.frameOrder = slices.DeleteFunc(g.frameOrder, func(k frameKey) bool { return k == key })
	} else {
		g.holdPending(key, d)
	}
	g.mu.Unlock()

	for _, v := range d.Violations {
		g.recordViolation(ctx, v)
	}
	if ok {
		g.broadcastResult(f, d)
	}
}

// holdPending keeps a result until its frame arrives. Callers hold g.mu.
func (g *Gateway) holdPending(key frameKey, d event.Detections) {
	if len(g.pendOrder) >= g.cfg.FrameCache {
		delete(g.pending, g.pendOrder[0])
		g.pendOrder = g.pendOrder[1:]
	}
	g.pending[key] = d
	g.pendOrder = append(g.pendOrder, key)
}

func (g *Gateway) recordViolation(ctx context.Context, v event.Violation) {
	g.mu.Lock()
	if g.stale(v.StreamID, v.Generation) {
		g.mu.Unlock()
		return
	}
	g.history.add(v)
	g.streamStats(v.StreamID, v.Generation).violations++
	g.total++
	g.mu.Unlock()

	if g.sink != nil {
		if err := g.sink.SaveViolation(ctx, v); err != nil {
			log.Printf("gateway: persist violation %s: %v", v.ID, err)
		}
	}

	payload, err := event.Encode(AlertMessage{Type: TypeViolationAlert, StreamID: v.StreamID, Data: v})
	if err != nil {
		log.Printf("gateway: encode alert: %v", err)
		return
	}
	g.broadcast(Item{StreamID: v.StreamID, Generation: v.Generation, FrameID: v.FrameID, Payload: payload})
}

// streamStats returns the stats of streamID. A newer generation restarts the
// frame rate window; the violation count lasts until the stream is flushed.
// Callers hold g.mu.
func (g *Gateway) streamStats(streamID string, generation uint64) *streamStats {
	s, ok := g.stats[streamID]
	if !ok {
		s = newStreamStats(generation, g.cfg.FPSWindow)
		g.stats[streamID] = s
	} else if s.generation < generation {
		s.restart(generation)
	}
	return s
}

func (g *Gateway) broadcastResult(f event.Frame, d event.Detections) {
	img, err := g.annotator.Annotate(f.Image, d)
	if err != nil {
		log.Printf("gateway: annotate %s frame %d: %v", f.StreamID, f.FrameID, err)
		img = f.Image
	}

	g.mu.Lock()
	st := g.streamStats(f.StreamID, f.Generation)
	st.recordFrame(g.now())
	snapshot := st.snapshot(g.now())
	g.mu.Unlock()

	payload, err := event.Encode(ResultMessage{
		Type:           TypeDetectionResults,
		StreamID:       f.StreamID,
		Generation:     f.Generation,
		FrameID:        f.FrameID,
		Timestamp:      f.Timestamp,
		AnnotatedImage: img,
		Detections:     d.Detections,
		Violations:     d.Violations,
		ROIs:           d.Regions,
		Stats:          snapshot,
	})
	if err != nil {
		log.Printf("gateway: encode result: %v", err)
		return
	}
	g.broadcast(Item{StreamID: f.StreamID, Generation: f.Generation, FrameID: f.FrameID, Payload: payload})
}

// broadcast queues item for every observer following its stream. It never
// blocks on a slow observer.
func (g *Gateway) broadcast(item Item) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if item.Generation != 0 && g.stale(item.StreamID, item.Generation) {
		return
	}
	for _, s := range g.subs {
		if s.wants(item.StreamID) {
			s.push(item)
		}
	}
}

// Attach registers an observer and starts its writer. The writer stops and
// closes out when the observer is detached or a send fails.
func (g *Gateway) Attach(out Sender) *Subscriber {
	s := newSubscriber(uuid.NewString(), g.cfg.SubscriberQueue)

	g.mu.Lock()
	g.subs[s.id] = s
	g.mu.Unlock()

	go g.deliver(s, out)
	return s
}

// Detach removes an observer. It is safe to call more than once.
func (g *Gateway) Detach(id string) {
	g.mu.Lock()
	s, ok := g.subs[id]
	delete(g.subs, id)
	g.mu.Unlock()

	if ok {
		s.close()
	}
}

// Subscribe adds streamID (or AllStreams) to an observer's interests.
func (g *Gateway) Subscribe(id, streamID string) error {
	s, err := g.subscriber(id)
	if err != nil {
		return err
	}
	s.follow(streamID)
	return nil
}

// Unsubscribe removes streamID from an observer's interests and drops its
// queued items for that stream.
func (g *Gateway) Unsubscribe(id, streamID string) error {
	s, err := g.subscriber(id)
	if err != nil {
		return err
	}
	s.unfollow(streamID)
	if !s.wants(streamID) {
		s.purge(func(it Item) bool { return it.Generation != 0 && it.StreamID == streamID })
	}
	return nil
}

// Notify queues a message for one observer that is not tied to a stream.
func (g *Gateway) Notify(id string, msg any) error {
	s, err := g.subscriber(id)
	if err != nil {
		return err
	}
	payload, err := event.Encode(msg)
	if err != nil {
		return err
	}
	s.push(Item{Payload: payload})
	return nil
}

// ErrUnknownSubscriber is returned for operations on a detached observer.
var ErrUnknownSubscriber = errors.New("unknown subscriber")

func (g *Gateway) subscriber(id string) (*Subscriber, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.subs[id]
	if !ok {
		return nil, ErrUnknownSubscriber
	}
	return s, nil
}

func (g *Gateway) deliver(s *Subscriber, out Sender) {
	defer out.Close()
	defer g.Detach(s.id)

	for {
		item, ok := s.next()
		if !ok {
			return
		}
		if item.Generation != 0 {
			g.mu.Lock()
			stale := g.stale(item.StreamID, item.Generation)
			g.mu.Unlock()
			if stale {
				continue
			}
		}
		if err := out.Send(item.Payload); err != nil {
			log.Printf("gateway: send to %s: %v", s.id, err)
			return
		}
		s.markDelivered()
	}
}

// Stats returns the live statistics of a stream.
func (g *Gateway) Stats(streamID string) Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.stats[streamID]
	if !ok {
		return Stats{}
	}
	return s.snapshot(g.now())
}

// Subscribers returns the number of attached observers.
func (g *Gateway) Subscribers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// TotalViolations returns the number of violations forwarded since start-up.
func (g *Gateway) TotalViolations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// Violations returns retained violations, newest first. An empty streamID
// matches every stream.
func (g *Gateway) Violations(streamID string, limit int) []event.Violation {
	return g.history.recent(streamID, limit)
}
