package notify

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/bus"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

const subscriberID = "notifier"

// Fence reports whether data of a stream run is still current.
type Fence interface {
	Admits(streamID string, generation uint64) bool
}

// Dispatcher hands violations from the detections channel to every hook
// that handles them. Hooks run on a separate goroutine behind a bounded
// queue. Violations that arrive while the queue is full are dropped.
type Dispatcher struct {
	bus      *bus.Bus
	fence    Fence
	manager  *Manager
	executor *Executor
	queue    chan event.Violation

	mu         sync.Mutex
	watermarks map[string]uint64

	ready     chan struct{}
	readyOnce sync.Once
	sent      atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher creates a Dispatcher with room for queue pending violations.
func NewDispatcher(b *bus.Bus, fence Fence, m *Manager, e *Executor, queue int) *Dispatcher {
	if queue <= 0 {
		queue = 1
	}
	return &Dispatcher{
		bus:        b,
		fence:      fence,
		manager:    m,
		executor:   e,
		queue:      make(chan event.Violation, queue),
		watermarks: make(map[string]uint64),
		ready:      make(chan struct{}),
	}
}

// Run subscribes to the bus and dispatches until ctx ends or the bus closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	detections, err := d.bus.Subscribe(event.TopicDetections, subscriberID, 0)
	if err != nil {
		return err
	}
	defer d.bus.Unsubscribe(event.TopicDetections, subscriberID)

	control, err := d.bus.Subscribe(event.TopicControl, subscriberID, 0)
	if err != nil {
		return err
	}
	defer d.bus.Unsubscribe(event.TopicControl, subscriberID)

	d.readyOnce.Do(func() { close(d.ready) })

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.execute(runCtx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-detections.Done():
			return bus.ErrBusClosed
		case msg := <-control.C():
			d.handleControl(msg.Data)
		case msg := <-detections.C():
			d.handleDetections(msg.Data)
		}
	}
}

// Ready is closed once Run has subscribed to the bus.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

func (d *Dispatcher) handleControl(data []byte) {
	cmd, err := event.DecodeCommand(data)
	if err != nil {
		log.Printf("notify: %v", err)
		return
	}
	covered := cmd.Generation
	if cmd.Kind == event.CommandStart && cmd.Generation > 0 {
		covered = cmd.Generation - 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if covered > d.watermarks[cmd.StreamID] {
		d.watermarks[cmd.StreamID] = covered
	}
}

func (d *Dispatcher) stale(v event.Violation) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return v.Generation <= d.watermarks[v.StreamID]
}

func (d *Dispatcher) handleDetections(data []byte) {
	det, err := event.DecodeDetections(data)
	if err != nil {
		log.Printf("notify: %v", err)
		return
	}
	if len(det.Violations) == 0 || !d.fence.Admits(det.StreamID, det.Generation) {
		return
	}
	for _, v := range det.Violations {
		select {
		case d.queue <- v:
		default:
			d.dropped.Add(1)
			log.Printf("notify: queue full, dropping violation %s", v.ID)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-d.queue:
			if d.stale(v) {
				continue
			}
			d.dispatch(ctx, v)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, v event.Violation) {
	for _, hook := range d.manager.List() {
		if !hook.Handles(EventViolation) {
			continue
		}
		resp, err := d.executor.Execute(ctx, hook, &Request{
			Event:     EventViolation,
			Violation: v,
			Config:    hook.Manifest.Config,
		})
		switch {
		case err != nil:
			d.failed.Add(1)
			log.Printf("notify: %v", err)
		case !resp.Success:
			d.failed.Add(1)
			log.Printf("notify: hook %s rejected violation %s: %s", hook.Manifest.Name, v.ID, resp.Error)
		default:
			d.sent.Add(1)
		}
	}
}

// Stats holds dispatch counters.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
	}
}
