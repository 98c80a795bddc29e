package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/bus"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/config"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

const maxRetryBackoff = 5 * time.Second

// PublisherConfig controls frame pacing and failure handling.
type PublisherConfig struct {
	FPS          int
	DropPolicy   string
	ReadRetries  int
	RetryBackoff time.Duration
}

// PublisherConfigFrom converts the stream section of the configuration.
func PublisherConfigFrom(c config.StreamConfig) PublisherConfig {
	return PublisherConfig{
		FPS:          c.TargetFPS,
		DropPolicy:   c.DropPolicy,
		ReadRetries:  c.ReadRetries,
		RetryBackoff: c.RetryBackoff,
	}
}

// Publisher reads frames from a source at a fixed rate and publishes them
// on the frames channel tagged with the session identity.
type Publisher struct {
	bus *bus.Bus
	cfg PublisherConfig
	now func() time.Time

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewPublisher(b *bus.Bus, cfg PublisherConfig) *Publisher {
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = config.DropPolicyBlock
	}
	return &Publisher{bus: b, cfg: cfg, now: time.Now}
}

// Run publishes frames from src until ctx is cancelled, the source ends or
// reads keep failing past the retry budget. Once ctx is cancelled no further
// frame is published.
func (p *Publisher) Run(ctx context.Context, src Source, streamID string, generation uint64) error {
	ticker := time.NewTicker(time.Second / time.Duration(p.cfg.FPS))
	defer ticker.Stop()

	var frameID uint64
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		img, err := src.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrEndOfStream) {
				return nil
			}
			if !errors.Is(err, ErrTransient) {
				return err
			}
			failures++
			if failures > p.cfg.ReadRetries {
				return fmt.Errorf("source failed after %d retries: %w", p.cfg.ReadRetries, err)
			}
			backoff := p.backoff(failures)
			log.Printf("capture: %s read failed (%d/%d), retrying in %v: %v", streamID, failures, p.cfg.ReadRetries, backoff, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		failures = 0

		if ctx.Err() != nil {
			return ctx.Err()
		}

		data, err := event.Encode(event.Frame{
			StreamID:   streamID,
			Generation: generation,
			FrameID:    frameID,
			Timestamp:  p.now(),
			Image:      img,
		})
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		frameID++

		if err := p.publish(ctx, data); err != nil {
			return err
		}
	}
}

func (p *Publisher) publish(ctx context.Context, data []byte) error {
	if p.cfg.DropPolicy == config.DropPolicyDrop {
		dropped, err := p.bus.TryPublish(event.TopicFrames, data)
		if err != nil {
			return err
		}
		if dropped > 0 {
			p.dropped.Add(uint64(dropped))
		}
		p.published.Add(1)
		return nil
	}

	if err := p.bus.Publish(ctx, event.TopicFrames, data); err != nil {
		return err
	}
	p.published.Add(1)
	return nil
}

func (p *Publisher) backoff(attempt int) time.Duration {
	d := p.cfg.RetryBackoff
	for i := 1; i < attempt && d < maxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, maxRetryBackoff)
}

// Published returns the number of frames handed to the bus.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Dropped returns the number of per-subscriber deliveries skipped under the
// drop policy.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }
