// Package lifecycle owns the single active stream session. It mints a new
// generation on every start and tells downstream stages about starts, stops
// and flushes over the bus control channel.
package lifecycle

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/bus"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

var (
	ErrConflict      = errors.New("a stream is already active")
	ErrSourceMissing = errors.New("source is required")
)

// State of the coordinator's session.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateStopping State = "stopping"
)

// Session identifies one run of a stream.
type Session struct {
	StreamID   string    `json:"stream_id"`
	Generation uint64    `json:"generation"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"started_at"`
}

// Runner publishes the session's frames until ctx is cancelled or the source
// fails. A nil return before cancellation means the source ended.
type Runner func(ctx context.Context, s Session) error

// Status is a snapshot of the coordinator.
type Status struct {
	State      State    `json:"state"`
	Session    *Session `json:"session,omitempty"`
	Generation uint64   `json:"generation"`
	LastError  string   `json:"last_error,omitempty"`
}

// Coordinator is the single source of truth for the active stream.
type Coordinator struct {
	// cmdMu serialises start/stop/flush so commands reach the bus in order.
	cmdMu sync.Mutex

	mu         sync.Mutex
	state      State
	session    *Session
	generation uint64
	latest     map[string]uint64
	cancel     context.CancelFunc
	done       chan struct{}
	lastErr    error

	bus *bus.Bus
	run Runner
	now func() time.Time
}

// NewCoordinator creates an idle coordinator that announces commands on b
// and runs sessions with run.
func NewCoordinator(b *bus.Bus, run Runner) *Coordinator {
	return &Coordinator{
		state:  StateIdle,
		latest: make(map[string]uint64),
		bus:    b,
		run:    run,
		now:    time.Now,
	}
}

// Start opens a new session for source. It fails with ErrConflict if a
// session is already active. An empty requestedID gets a generated one.
func (c *Coordinator) Start(ctx context.Context, source, requestedID string) (Session, error) {
	if source == "" {
		return Session{}, ErrSourceMissing
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return Session{}, ErrConflict
	}
	if requestedID == "" {
		requestedID = "stream-" + uuid.NewString()[:8]
	}
	c.generation++
	sess := Session{
		StreamID:   requestedID,
		Generation: c.generation,
		Source:     source,
		StartedAt:  c.now(),
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.state = StateActive
	c.session = &sess
	c.latest[sess.StreamID] = sess.Generation
	c.cancel = cancel
	c.done = done
	c.lastErr = nil
	c.mu.Unlock()

	c.announce(ctx, event.CommandStart, sess.StreamID, sess.Generation)

	go func() {
		err := c.run(runCtx, sess)
		close(done)
		if runCtx.Err() == nil {
			c.finish(sess, err)
		}
	}()

	log.Printf("lifecycle: started stream %s generation %d from %s", sess.StreamID, sess.Generation, sess.Source)
	return sess, nil
}

// Stop halts the active session. It returns once the publisher has exited,
// so no frame of the stopped generation is published afterwards. Stopping
// with no active session is a no-op.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return nil
	}
	sess := *c.session
	cancel, done := c.cancel, c.done
	c.state = StateStopping
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	c.state = StateIdle
	c.session = nil
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	c.announce(ctx, event.CommandStop, sess.StreamID, sess.Generation)
	log.Printf("lifecycle: stopped stream %s generation %d", sess.StreamID, sess.Generation)
	return nil
}

// Flush tells downstream stages to discard everything retained for streamID.
// If the stream is active its current generation keeps flowing; older
// generations are fenced off. Flush always succeeds.
func (c *Coordinator) Flush(ctx context.Context, streamID string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	covered := c.latest[streamID]
	if c.state == StateActive && c.session.StreamID == streamID {
		covered = c.session.Generation - 1
	}
	c.mu.Unlock()

	c.announce(ctx, event.CommandFlush, streamID, covered)
	return nil
}

// finish returns to idle after the runner exited on its own.
func (c *Coordinator) finish(sess Session, err error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.state != StateActive || c.session.Generation != sess.Generation {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.session = nil
	c.cancel = nil
	c.done = nil
	c.lastErr = err
	c.mu.Unlock()

	if err != nil {
		log.Printf("lifecycle: stream %s generation %d failed: %v", sess.StreamID, sess.Generation, err)
	} else {
		log.Printf("lifecycle: stream %s generation %d source ended", sess.StreamID, sess.Generation)
	}
	c.announce(context.Background(), event.CommandStop, sess.StreamID, sess.Generation)
}

func (c *Coordinator) announce(ctx context.Context, kind event.CommandKind, streamID string, generation uint64) {
	data, err := event.Encode(event.Command{
		Kind:       kind,
		StreamID:   streamID,
		Generation: generation,
		IssuedAt:   c.now(),
	})
	if err != nil {
		log.Printf("lifecycle: encode %s command: %v", kind, err)
		return
	}
	// A command must not be lost because the requesting client went away.
	if err := c.bus.Publish(context.WithoutCancel(ctx), event.TopicControl, data); err != nil {
		log.Printf("lifecycle: publish %s command for %s: %v", kind, streamID, err)
	}
}

// Admits reports whether data tagged (streamID, generation) belongs to the
// active session.
func (c *Coordinator) Admits(streamID string, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive &&
		c.session.StreamID == streamID &&
		c.session.Generation == generation
}

// Active returns the active session, if any.
func (c *Coordinator) Active() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return Session{}, false
	}
	return *c.session, true
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: c.state, Generation: c.generation}
	if c.session != nil {
		sess := *c.session
		st.Session = &sess
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}
