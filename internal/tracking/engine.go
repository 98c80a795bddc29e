// Package tracking follows hands across frames and decides when a hand has
// taken an ingredient from a monitored container without a scooper.
//
// A hand's visit to an ROI is evaluated when it leaves: a dwell of at least
// the picking threshold, shorter than the cleaning threshold, with no scooper
// seen near the hand at any point of the visit, produces a violation. A hand
// that goes stale while inside is evaluated as if it left when last seen.
package tracking

import (
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/config"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

// Thresholds tune the violation heuristics.
type Thresholds struct {
	PickingThreshold    time.Duration
	CleaningThreshold   time.Duration
	AssociationDistance float64
	TrackingDistance    float64
	StalenessWindow     time.Duration
	Cooldown            time.Duration
	HistorySize         int
	HandClasses         []string
	ScooperClasses      []string
}

// ThresholdsFromConfig converts the tracking section of the configuration.
func ThresholdsFromConfig(c config.TrackingConfig) Thresholds {
	return Thresholds{
		PickingThreshold:    c.PickingThreshold,
		CleaningThreshold:   c.CleaningThreshold,
		AssociationDistance: c.AssociationDistance,
		TrackingDistance:    c.TrackingDistance,
		StalenessWindow:     c.StalenessWindow,
		Cooldown:            c.Cooldown,
		HistorySize:         c.HistorySize,
		HandClasses:         c.HandClasses,
		ScooperClasses:      c.ScooperClasses,
	}
}

// State is a tracked entity's position in the ROI state machine.
type State int

const (
	StateOutside State = iota
	StateInROI
	StatePicked
	StateStale
)

func (s State) String() string {
	switch s {
	case StateOutside:
		return "outside"
	case StateInROI:
		return "in_roi"
	case StatePicked:
		return "picked"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Entity is a tracked hand.
type Entity struct {
	ID                uint64
	History           []event.Point
	FirstSeen         time.Time
	LastSeen          time.Time
	ROIEnterTime      time.Time
	ROIID             string
	Dwell             time.Duration
	ScooperAssociated bool
	State             State

	// awaitExit holds the entity out of a new dwell until it leaves the ROI.
	awaitExit  bool
	bbox       event.BBox
	confidence float64
}

// Center returns the most recent position.
func (e *Entity) Center() event.Point {
	return e.History[len(e.History)-1]
}

func (e *Entity) observe(p event.Point, box event.BBox, conf float64, ts time.Time, historySize int) {
	if historySize > 0 && len(e.History) >= historySize {
		copy(e.History, e.History[1:])
		e.History = e.History[:len(e.History)-1]
	}
	e.History = append(e.History, p)
	e.LastSeen = ts
	e.bbox = box
	e.confidence = conf
}

func (e *Entity) resetDwell() {
	e.ROIEnterTime = time.Time{}
	e.ROIID = ""
	e.Dwell = 0
	e.ScooperAssociated = false
}

// registry holds the entities of one stream generation.
type registry struct {
	generation    uint64
	nextID        uint64
	entities      map[uint64]*Entity
	lastFrameID   uint64
	seenFrame     bool
	lastViolation time.Time
	hasViolation  bool
}

func newRegistry(generation uint64) *registry {
	return &registry{
		generation: generation,
		nextID:     1,
		entities:   make(map[uint64]*Entity),
	}
}

func (r *registry) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Input is one frame's detector output.
type Input struct {
	StreamID   string
	Generation uint64
	FrameID    uint64
	Timestamp  time.Time
	Detections []event.RawDetection
}

// Result is the outcome of processing one frame.
type Result struct {
	Violations []event.Violation
	// Skipped counts malformed detections.
	Skipped int
	// Suppressed counts violations withheld by the stream cooldown.
	Suppressed int
	// Discarded is set when the frame belongs to a stale generation or was
	// already processed.
	Discarded bool
}

// Engine owns the per-stream entity registries.
type Engine struct {
	mu         sync.Mutex
	thresholds Thresholds
	rois       []ROI
	streams    map[string]*registry
	// watermark is the newest discarded generation per stream.
	watermark map[string]uint64
	hands     map[string]bool
	scoopers  map[string]bool
	newID     func() string
}

// NewEngine creates an engine for the given ROIs.
func NewEngine(th Thresholds, rois []ROI) *Engine {
	e := &Engine{
		thresholds: th,
		rois:       rois,
		streams:    make(map[string]*registry),
		watermark:  make(map[string]uint64),
		hands:      make(map[string]bool),
		scoopers:   make(map[string]bool),
		newID:      uuid.NewString,
	}
	for _, c := range th.HandClasses {
		e.hands[c] = true
	}
	for _, c := range th.ScooperClasses {
		e.scoopers[c] = true
	}
	return e
}

// ROIs returns the configured zones.
func (e *Engine) ROIs() []ROI {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.rois)
}

// SetROIs replaces the monitored zones. Dwell bookkeeping of hands inside a
// removed zone is reset on their next frame.
func (e *Engine) SetROIs(rois []ROI) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rois = slices.Clone(rois)
}

// Apply handles a lifecycle command. It is idempotent.
func (e *Engine) Apply(cmd event.Command) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch cmd.Kind {
	case event.CommandStart:
		if reg, ok := e.streams[cmd.StreamID]; ok && reg.generation < cmd.Generation {
			delete(e.streams, cmd.StreamID)
		}
		if cmd.Generation > 0 {
			e.raiseWatermark(cmd.StreamID, cmd.Generation-1)
		}
	case event.CommandStop:
		if reg, ok := e.streams[cmd.StreamID]; ok && reg.generation <= cmd.Generation {
			delete(e.streams, cmd.StreamID)
		}
		e.raiseWatermark(cmd.StreamID, cmd.Generation)
	case event.CommandFlush:
		delete(e.streams, cmd.StreamID)
		e.raiseWatermark(cmd.StreamID, cmd.Generation)
	}
}

func (e *Engine) raiseWatermark(streamID string, generation uint64) {
	if generation > e.watermark[streamID] {
		e.watermark[streamID] = generation
	}
}

// Entities returns a copy of the stream's tracked entities ordered by id.
func (e *Engine) Entities(streamID string) []Entity {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, ok := e.streams[streamID]
	if !ok {
		return nil
	}
	out := make([]Entity, 0, len(reg.entities))
	for _, id := range reg.sortedIDs() {
		ent := *reg.entities[id]
		ent.History = slices.Clone(ent.History)
		out = append(out, ent)
	}
	return out
}

// Process runs one frame's detections through the stream's registry.
func (e *Engine) Process(in Input) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res Result
	if in.Generation <= e.watermark[in.StreamID] {
		res.Discarded = true
		return res
	}

	reg, ok := e.streams[in.StreamID]
	switch {
	case !ok || reg.generation < in.Generation:
		reg = newRegistry(in.Generation)
		e.streams[in.StreamID] = reg
	case reg.generation > in.Generation:
		res.Discarded = true
		return res
	}

	if reg.seenFrame && in.FrameID <= reg.lastFrameID {
		res.Discarded = true
		return res
	}
	reg.seenFrame = true
	reg.lastFrameID = in.FrameID

	hands, scoopers := e.partition(in, &res)

	matched := e.associate(reg, hands, in.Timestamp)

	for _, id := range reg.sortedIDs() {
		ent := reg.entities[id]
		if !matched[id] {
			continue
		}
		if exited := e.step(ent, scoopers); exited {
			e.evaluate(reg, ent, in, in.Timestamp, &res)
		}
	}

	for _, id := range reg.sortedIDs() {
		ent := reg.entities[id]
		if matched[id] || in.Timestamp.Sub(ent.LastSeen) <= e.thresholds.StalenessWindow {
			continue
		}
		if ent.State == StateInROI {
			e.evaluate(reg, ent, in, ent.LastSeen, &res)
		}
		ent.State = StateStale
		delete(reg.entities, id)
	}

	return res
}

func (e *Engine) partition(in Input, res *Result) (hands, scoopers []event.RawDetection) {
	for _, d := range in.Detections {
		if !d.Valid() {
			res.Skipped++
			log.Printf("tracking: skipping malformed detection in %s/%d frame %d", in.StreamID, in.Generation, in.FrameID)
			continue
		}
		switch {
		case e.hands[d.ClassName]:
			hands = append(hands, d)
		case e.scoopers[d.ClassName]:
			scoopers = append(scoopers, d)
		}
	}
	return hands, scoopers
}

type candidate struct {
	det      int
	entity   uint64
	distance float64
}

// associate matches hand detections to existing entities greedily by
// distance, ties going to the lower entity id. Unmatched detections become
// new entities. It returns the set of entities observed this frame.
func (e *Engine) associate(reg *registry, hands []event.RawDetection, ts time.Time) map[uint64]bool {
	var cands []candidate
	for i, h := range hands {
		for id, ent := range reg.entities {
			d := h.Center.DistanceTo(ent.Center())
			if d <= e.thresholds.TrackingDistance {
				cands = append(cands, candidate{det: i, entity: id, distance: d})
			}
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].distance != cands[j].distance {
			return cands[i].distance < cands[j].distance
		}
		if cands[i].entity != cands[j].entity {
			return cands[i].entity < cands[j].entity
		}
		return cands[i].det < cands[j].det
	})

	matched := make(map[uint64]bool)
	usedDet := make(map[int]bool)
	for _, c := range cands {
		if matched[c.entity] || usedDet[c.det] {
			continue
		}
		matched[c.entity] = true
		usedDet[c.det] = true
		h := hands[c.det]
		reg.entities[c.entity].observe(*h.Center, *h.BBox, h.Confidence, ts, e.thresholds.HistorySize)
	}

	for i, h := range hands {
		if usedDet[i] {
			continue
		}
		ent := &Entity{ID: reg.nextID, FirstSeen: ts, State: StateOutside}
		reg.nextID++
		ent.observe(*h.Center, *h.BBox, h.Confidence, ts, e.thresholds.HistorySize)
		reg.entities[ent.ID] = ent
		matched[ent.ID] = true
	}
	return matched
}

// step advances an observed entity's state machine. It reports whether the
// entity has just left the ROI at the end of a dwell that needs evaluating.
func (e *Engine) step(ent *Entity, scoopers []event.RawDetection) bool {
	center := ent.Center()
	roi, inside := e.containing(center, ent.ROIID)

	if ent.awaitExit {
		if !inside {
			ent.awaitExit = false
			ent.resetDwell()
		}
		return false
	}

	switch ent.State {
	case StateInROI:
		if !inside {
			return true
		}
		ent.Dwell = ent.LastSeen.Sub(ent.ROIEnterTime)
		if e.scooperNear(center, scoopers) {
			ent.ScooperAssociated = true
		}
		if ent.ScooperAssociated || ent.Dwell > e.thresholds.CleaningThreshold {
			ent.State = StateOutside
			ent.awaitExit = true
		}
	default:
		if !inside {
			ent.State = StateOutside
			ent.resetDwell()
			return false
		}
		ent.State = StateInROI
		ent.ROIEnterTime = ent.LastSeen
		ent.ROIID = roi
		ent.Dwell = 0
		ent.ScooperAssociated = e.scooperNear(center, scoopers)
		if ent.ScooperAssociated {
			ent.State = StateOutside
			ent.awaitExit = true
		}
	}
	return false
}

// containing returns the active ROI holding p, preferring current.
func (e *Engine) containing(p event.Point, current string) (string, bool) {
	found := ""
	for _, r := range e.rois {
		if !r.Active || !r.Contains(p) {
			continue
		}
		if r.ID == current {
			return r.ID, true
		}
		if found == "" {
			found = r.ID
		}
	}
	return found, found != ""
}

func (e *Engine) scooperNear(p event.Point, scoopers []event.RawDetection) bool {
	for _, s := range scoopers {
		if p.DistanceTo(*s.Center) <= e.thresholds.AssociationDistance {
			return true
		}
	}
	return false
}

// evaluate closes the entity's dwell, emitting a violation when it was a pick
// without a scooper and the stream is out of cooldown.
func (e *Engine) evaluate(reg *registry, ent *Entity, in Input, at time.Time, res *Result) {
	picked := ent.Dwell >= e.thresholds.PickingThreshold &&
		ent.Dwell < e.thresholds.CleaningThreshold &&
		!ent.ScooperAssociated

	box := ent.bbox
	conf := ent.confidence
	ent.resetDwell()
	ent.State = StateOutside
	if !picked {
		return
	}

	ent.State = StatePicked
	if reg.hasViolation && at.Sub(reg.lastViolation) < e.thresholds.Cooldown {
		res.Suppressed++
		return
	}
	reg.lastViolation = at
	reg.hasViolation = true

	res.Violations = append(res.Violations, event.Violation{
		ID:         e.newID(),
		StreamID:   in.StreamID,
		Generation: in.Generation,
		FrameID:    in.FrameID,
		Type:       event.ViolationType,
		Severity:   event.SeverityHigh,
		Message:    event.ViolationMessage,
		Confidence: conf,
		Timestamp:  at,
		BBox:       &box,
	})
}
