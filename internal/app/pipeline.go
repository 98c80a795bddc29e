package app

import (
	"context"
	"log"
	"time"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/bus"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/detector"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/tracking"
)

// workerID is the detection worker's bus subscriber id.
const workerID = "detector"

// worker runs the detector on published frames, feeds the tracking engine
// and publishes the per-frame detections.
type worker struct {
	app     *App
	frames  *bus.Subscription
	control *bus.Subscription
	now     func() time.Time
}

func (a *App) newWorker() (*worker, error) {
	frames, err := a.bus.Subscribe(event.TopicFrames, workerID, a.config.Bus.Buffer)
	if err != nil {
		return nil, err
	}
	control, err := a.bus.Subscribe(event.TopicControl, workerID, 0)
	if err != nil {
		a.bus.Unsubscribe(event.TopicFrames, workerID)
		return nil, err
	}
	return &worker{app: a, frames: frames, control: control, now: time.Now}, nil
}

// run is the detection loop.
//
// Pipeline logic:
//  1. Apply lifecycle commands to the tracking engine before the next frame
//  2. Skip frames of runs the coordinator no longer admits
//  3. Detect objects and drop low-confidence boxes
//  4. Track hands across frames and evaluate violations
//  5. Publish detections, violations and zone data for the gateway
func (w *worker) run(ctx context.Context) {
	defer w.app.bus.Unsubscribe(event.TopicFrames, workerID)
	defer w.app.bus.Unsubscribe(event.TopicControl, workerID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.frames.Done():
			return
		case msg := <-w.control.C():
			w.handleControl(msg.Data)
		case msg := <-w.frames.C():
			w.drainControl()
			w.handleFrame(ctx, msg.Data)
		}
	}
}

func (w *worker) drainControl() {
	for {
		select {
		case msg := <-w.control.C():
			w.handleControl(msg.Data)
		default:
			return
		}
	}
}

func (w *worker) handleControl(data []byte) {
	cmd, err := event.DecodeCommand(data)
	if err != nil {
		log.Printf("detector: %v", err)
		return
	}
	w.app.engine.Apply(cmd)
}

func (w *worker) handleFrame(ctx context.Context, data []byte) {
	f, err := event.DecodeFrame(data)
	if err != nil {
		log.Printf("detector: %v", err)
		return
	}
	if !w.app.coord.Admits(f.StreamID, f.Generation) {
		return
	}

	dets, err := w.app.Detector().Detect(f.Image)
	if err != nil {
		log.Printf("detector: %s frame %d: %v", f.StreamID, f.FrameID, err)
		dets = nil
	}
	dets = detector.FilterConfidence(dets, w.app.config.Detector.MinConfidence)

	res := w.app.engine.Process(tracking.Input{
		StreamID:   f.StreamID,
		Generation: f.Generation,
		FrameID:    f.FrameID,
		Timestamp:  f.Timestamp,
		Detections: dets,
	})
	if res.Discarded {
		return
	}
	if res.Skipped > 0 {
		log.Printf("detector: %s frame %d: skipped %d malformed detection(s)", f.StreamID, f.FrameID, res.Skipped)
	}
	if res.Suppressed > 0 {
		log.Printf("detector: %s frame %d: %d violation(s) within cooldown", f.StreamID, f.FrameID, res.Suppressed)
	}
	for _, v := range res.Violations {
		log.Printf("Violation %s on %s frame %d (confidence %.2f)", v.ID, v.StreamID, v.FrameID, v.Confidence)
	}

	out, err := event.Encode(event.Detections{
		StreamID:    f.StreamID,
		Generation:  f.Generation,
		FrameID:     f.FrameID,
		Timestamp:   f.Timestamp,
		Detections:  wellFormed(dets),
		Violations:  res.Violations,
		Regions:     tracking.Regions(w.app.engine.ROIs()),
		ProcessedAt: w.now(),
	})
	if err != nil {
		log.Printf("detector: encode detections: %v", err)
		return
	}
	if err := w.app.bus.Publish(ctx, event.TopicDetections, out); err != nil && ctx.Err() == nil {
		log.Printf("detector: publish detections: %v", err)
	}
}

func wellFormed(dets []event.RawDetection) []event.RawDetection {
	out := make([]event.RawDetection, 0, len(dets))
	for _, d := range dets {
		if d.Valid() {
			out = append(out, d)
		}
	}
	return out
}
