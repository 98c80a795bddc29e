// Package app wires the hygiene monitoring pipeline together: lifecycle
// coordinator, frame publisher, detection worker, tracking engine and
// broadcast gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/bus"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/capture"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/config"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/detector"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/gateway"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/lifecycle"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/notify"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/store"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/tracking"
)

// ErrSourceNotFound is returned when a file source does not exist.
var ErrSourceNotFound = errors.New("video source not found")

// Options holds the application's dependencies. Nil fields get production
// defaults.
type Options struct {
	Config    *config.Config
	Store     *store.Store
	Detector  detector.Detector
	Opener    capture.Opener
	Annotator gateway.Annotator
}

// App is the main application that owns every pipeline stage.
type App struct {
	config    *config.Config
	store     *store.Store
	bus       *bus.Bus
	coord     *lifecycle.Coordinator
	publisher *capture.Publisher
	engine    *tracking.Engine
	gateway   *gateway.Gateway
	hooks     *notify.Dispatcher
	opener    capture.Opener

	roiMu sync.Mutex // serializes zone edits across the engine and the store

	mu       sync.RWMutex
	detector detector.Detector
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new App. ROIs are loaded from the store when it holds any,
// otherwise from the configuration, and are checked against the frame size.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	a := &App{
		config: cfg,
		store:  opts.Store,
		bus:    bus.New(),
		opener: opts.Opener,
	}
	if a.opener == nil {
		a.opener = capture.VideoOpener(cfg.Stream.Width, cfg.Stream.Height, cfg.Stream.Loop)
	}

	a.detector = opts.Detector
	if a.detector == nil {
		a.detector = newDetector(cfg.Detector)
	}

	rois, err := a.loadROIs()
	if err != nil {
		return nil, err
	}
	a.engine = tracking.NewEngine(tracking.ThresholdsFromConfig(cfg.Tracking), rois)

	a.publisher = capture.NewPublisher(a.bus, capture.PublisherConfigFrom(cfg.Stream))
	a.coord = lifecycle.NewCoordinator(a.bus, a.runSession)

	annotator := opts.Annotator
	if annotator == nil {
		annotator = gateway.CVAnnotator{}
	}
	var sink gateway.ViolationSink
	if a.store != nil {
		sink = a.store.Violations()
	}
	a.gateway = gateway.New(a.bus, a.coord, annotator, sink, gateway.ConfigFrom(cfg.Gateway))

	if cfg.Hooks.Dir != "" {
		m := notify.NewManager(cfg.Hooks.Dir)
		if err := m.Discover(); err != nil {
			return nil, fmt.Errorf("discover hooks: %w", err)
		}
		log.Printf("Loaded %d violation hook(s) from %s", len(m.List()), cfg.Hooks.Dir)
		a.hooks = notify.NewDispatcher(a.bus, a.coord, m, notify.NewExecutor(cfg.Hooks.Timeout), cfg.Hooks.Queue)
	}

	return a, nil
}

// newDetector prefers the subprocess service and falls back to a mock.
func newDetector(cfg config.DetectorConfig) detector.Detector {
	if cfg.Mock {
		log.Println("Using mock detector")
		return detector.NewMockDetector()
	}
	d, err := detector.NewSubprocessDetector(detector.ConfigFrom(cfg))
	if err != nil {
		log.Printf("Detection service not available (%v), using mock detector", err)
		return detector.NewMockDetector()
	}
	log.Println("Using subprocess detection service")
	return d
}

// loadROIs reads zones from the store, seeding it from the configuration
// when it is empty.
func (a *App) loadROIs() ([]tracking.ROI, error) {
	rois := tracking.ROIsFromConfig(a.config.ROIs)

	if a.store != nil {
		stored, err := a.store.ROIs().List()
		if err != nil {
			return nil, fmt.Errorf("load rois: %w", err)
		}
		if len(stored) > 0 {
			rois = make([]tracking.ROI, 0, len(stored))
			for _, r := range stored {
				rois = append(rois, fromStoreROI(r))
			}
			log.Printf("Loaded %d ROIs from database", len(rois))
		} else {
			for _, r := range rois {
				if err := a.store.ROIs().Upsert(toStoreROI(r)); err != nil {
					return nil, fmt.Errorf("seed roi %s: %w", r.ID, err)
				}
			}
		}
	}

	if err := tracking.ValidatePlacement(rois, a.config.Stream.Width, a.config.Stream.Height); err != nil {
		return nil, fmt.Errorf("invalid rois: %w", err)
	}
	return rois, nil
}

func fromStoreROI(r *store.ROI) tracking.ROI {
	var roi tracking.ROI
	if r.Shape == store.ShapeRectangle && len(r.Points) > 0 {
		b := boundsOf(r.Points)
		roi = tracking.NewRectangle(r.ID, r.Name, r.Type, b.X1, b.Y1, b.X2, b.Y2)
	} else {
		roi = tracking.NewPolygon(r.ID, r.Name, r.Type, r.Points)
	}
	roi.Active = r.Active
	return roi
}

func toStoreROI(r tracking.ROI) *store.ROI {
	shape := store.ShapePolygon
	if r.IsRectangle() {
		shape = store.ShapeRectangle
	}
	return &store.ROI{
		ID:     r.ID,
		Name:   r.Name,
		Type:   r.Type,
		Shape:  shape,
		Points: r.Polygon,
		Active: r.Active,
	}
}

func boundsOf(points []event.Point) event.BBox {
	b := event.BBox{X1: points[0].X, Y1: points[0].Y, X2: points[0].X, Y2: points[0].Y}
	for _, p := range points[1:] {
		b.X1, b.Y1 = min(b.X1, p.X), min(b.Y1, p.Y)
		b.X2, b.Y2 = max(b.X2, p.X), max(b.Y2, p.Y)
	}
	return b
}

// Start launches the detection worker, the gateway and the hook dispatcher.
// It returns once all of them are subscribed to the bus.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return nil
	}

	w, err := a.newWorker()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		w.run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.gateway.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("gateway stopped: %v", err)
		}
	}()

	ready := []<-chan struct{}{a.gateway.Ready()}
	if a.hooks != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.hooks.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("hook dispatcher stopped: %v", err)
			}
		}()
		ready = append(ready, a.hooks.Ready())
	}
	for _, ch := range ready {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Println("Detection pipeline started")
	return nil
}

// Close stops the active stream and every stage, then releases the detector.
func (a *App) Close() error {
	if err := a.coord.Stop(context.Background()); err != nil {
		log.Printf("Error stopping stream: %v", err)
	}

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.mu.Unlock()

	a.wg.Wait()
	a.bus.Close()

	var err error
	if d := a.Detector(); d != nil {
		if cerr := d.Close(); cerr != nil {
			log.Printf("Error closing detector: %v", cerr)
			err = cerr
		}
	}

	log.Println("Detection pipeline stopped")
	return err
}

// StartStream resolves source and starts a new session for it.
func (a *App) StartStream(ctx context.Context, source, streamID string) (lifecycle.Session, error) {
	if source == "" {
		return lifecycle.Session{}, lifecycle.ErrSourceMissing
	}
	resolved, err := a.ResolveSource(source)
	if err != nil {
		return lifecycle.Session{}, err
	}
	return a.coord.Start(ctx, resolved, streamID)
}

// ResolveSource maps a source reference to something the opener accepts.
// Device indexes and URLs pass through; bare file names are looked up in
// the configured video directory.
func (a *App) ResolveSource(source string) (string, error) {
	if _, err := strconv.Atoi(source); err == nil {
		return source, nil
	}
	if u, err := url.Parse(source); err == nil && u.Scheme != "" && u.Host != "" {
		return source, nil
	}
	if fileExists(source) {
		return source, nil
	}
	if a.config.Stream.VideoDir != "" && !filepath.IsAbs(source) {
		candidate := filepath.Join(a.config.Stream.VideoDir, source)
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSourceNotFound, source)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// runSession is the coordinator's runner: it opens the source and publishes
// frames until the session is cancelled or the source gives out.
func (a *App) runSession(ctx context.Context, sess lifecycle.Session) error {
	src, err := a.opener(sess.Source)
	if err != nil {
		log.Printf("Error opening source %s: %v", sess.Source, err)
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Printf("Error closing source: %v", err)
		}
	}()

	return a.publisher.Run(ctx, src, sess.StreamID, sess.Generation)
}

// SaveROI stores a zone and applies it to the tracking engine.
func (a *App) SaveROI(roi tracking.ROI) error {
	a.roiMu.Lock()
	defer a.roiMu.Unlock()

	rois := a.engine.ROIs()
	replaced := false
	for i := range rois {
		if rois[i].ID == roi.ID {
			rois[i] = roi
			replaced = true
		}
	}
	if !replaced {
		rois = append(rois, roi)
	}
	if err := tracking.ValidatePlacement(rois, a.config.Stream.Width, a.config.Stream.Height); err != nil {
		return err
	}
	if a.store != nil {
		if err := a.store.ROIs().Upsert(toStoreROI(roi)); err != nil {
			return err
		}
	}
	a.engine.SetROIs(rois)
	return nil
}

// DeleteROI removes a zone. It returns store.ErrNotFound for unknown ids.
func (a *App) DeleteROI(id string) error {
	a.roiMu.Lock()
	defer a.roiMu.Unlock()

	rois := a.engine.ROIs()
	kept := rois[:0]
	for _, r := range rois {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(rois) {
		return store.ErrNotFound
	}
	if a.store != nil {
		if err := a.store.ROIs().Delete(id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	a.engine.SetROIs(kept)
	return nil
}

// SetDetector replaces the object detector.
func (a *App) SetDetector(d detector.Detector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detector = d
}

// Detector returns the object detector.
func (a *App) Detector() detector.Detector {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.detector
}

// Config returns the application configuration.
func (a *App) Config() *config.Config {
	return a.config
}

// Store returns the database, which may be nil.
func (a *App) Store() *store.Store {
	return a.store
}

// Bus returns the event bus.
func (a *App) Bus() *bus.Bus {
	return a.bus
}

// Coordinator returns the stream lifecycle coordinator.
func (a *App) Coordinator() *lifecycle.Coordinator {
	return a.coord
}

// Engine returns the tracking engine.
func (a *App) Engine() *tracking.Engine {
	return a.engine
}

// Gateway returns the broadcast gateway.
func (a *App) Gateway() *gateway.Gateway {
	return a.gateway
}

// Hooks returns the violation hook dispatcher, or nil when hooks are disabled.
func (a *App) Hooks() *notify.Dispatcher {
	return a.hooks
}

// Publisher returns the frame publisher.
func (a *App) Publisher() *capture.Publisher {
	return a.publisher
}
