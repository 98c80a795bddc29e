package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/bus"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/config"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

func testFrames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = []byte{0xFF, 0xD8, byte(i)}
	}
	return frames
}

func TestPublisher_TagsFramesInOrder(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub, _ := b.Subscribe(event.TopicFrames, "test", 64)

	src := NewMockSource(testFrames(5), false)
	src.Open()
	p := NewPublisher(b, PublisherConfig{FPS: 200})

	if err := p.Run(context.Background(), src, "counter", 7); err != nil {
		t.Fatalf("Run() error = %v, want nil at end of stream", err)
	}

	for i := 0; i < 5; i++ {
		msg := <-sub.C()
		f, err := event.DecodeFrame(msg.Data)
		if err != nil {
			t.Fatalf("DecodeFrame() error = %v", err)
		}
		if f.StreamID != "counter" || f.Generation != 7 || f.FrameID != uint64(i) {
			t.Errorf("frame %d tagged (%s, %d, %d)", i, f.StreamID, f.Generation, f.FrameID)
		}
		if f.Image[2] != byte(i) {
			t.Errorf("frame %d payload = %v", i, f.Image)
		}
	}
	if p.Published() != 5 {
		t.Errorf("Published() = %d, want 5", p.Published())
	}
}

func TestPublisher_NoFrameAfterCancel(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub, _ := b.Subscribe(event.TopicFrames, "test", 1024)

	src := NewMockSource(testFrames(3), true)
	src.Open()
	p := NewPublisher(b, PublisherConfig{FPS: 500})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx, src, "counter", 1) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	published := p.Published()
	time.Sleep(20 * time.Millisecond)
	if p.Published() != published {
		t.Errorf("frames published after Run returned")
	}
	if got := uint64(len(sub.C())); got != published {
		t.Errorf("queued = %d, want %d", got, published)
	}
}

func TestPublisher_RetriesTransientReads(t *testing.T) {
	b := bus.New()
	defer b.Close()
	b.Subscribe(event.TopicFrames, "test", 64)

	src := NewMockSource(testFrames(2), false)
	src.Open()
	src.FailNext(ErrTransient, ErrTransient)

	p := NewPublisher(b, PublisherConfig{FPS: 200, ReadRetries: 3, RetryBackoff: time.Millisecond})
	if err := p.Run(context.Background(), src, "counter", 1); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if p.Published() != 2 {
		t.Errorf("Published() = %d, want 2", p.Published())
	}
}

func TestPublisher_FailsPastRetryBudget(t *testing.T) {
	b := bus.New()
	defer b.Close()

	src := NewMockSource(testFrames(1), true)
	src.Open()
	src.FailNext(ErrTransient, ErrTransient, ErrTransient)

	p := NewPublisher(b, PublisherConfig{FPS: 200, ReadRetries: 2, RetryBackoff: time.Millisecond})
	err := p.Run(context.Background(), src, "counter", 1)
	if !errors.Is(err, ErrTransient) {
		t.Errorf("Run() error = %v, want wrapped ErrTransient", err)
	}
}

func TestPublisher_DropPolicy(t *testing.T) {
	b := bus.New()
	defer b.Close()
	b.Subscribe(event.TopicFrames, "slow", 2)

	src := NewMockSource(testFrames(6), false)
	src.Open()
	p := NewPublisher(b, PublisherConfig{FPS: 200, DropPolicy: config.DropPolicyDrop})

	if err := p.Run(context.Background(), src, "counter", 1); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if p.Published() != 6 || p.Dropped() != 4 {
		t.Errorf("published = %d, dropped = %d, want 6 and 4", p.Published(), p.Dropped())
	}
}

func TestPublisher_Backoff(t *testing.T) {
	p := NewPublisher(nil, PublisherConfig{RetryBackoff: 100 * time.Millisecond})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 20, want: maxRetryBackoff},
	}
	for _, tt := range tests {
		if got := p.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
