package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBus_PublishOrderPerSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	first, err := b.Subscribe("frames", "tracker", 16)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	second, err := b.Subscribe("frames", "gateway", 16)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := b.Publish(ctx, "frames", []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	for _, sub := range []*Subscription{first, second} {
		for i := 0; i < 10; i++ {
			msg := <-sub.C()
			if string(msg.Data) != fmt.Sprint(i) {
				t.Fatalf("%s: message %d = %s, want %d", sub.ID(), i, msg.Data, i)
			}
		}
	}
}

func TestBus_TopicsAreIndependent(t *testing.T) {
	b := New()
	defer b.Close()

	frames, _ := b.Subscribe("frames", "a", 4)
	detections, _ := b.Subscribe("detections", "a", 4)

	b.Publish(context.Background(), "detections", []byte("d"))

	select {
	case msg := <-frames.C():
		t.Fatalf("frames subscriber received %q", msg.Data)
	default:
	}
	if msg := <-detections.C(); string(msg.Data) != "d" {
		t.Errorf("detections message = %q, want d", msg.Data)
	}
}

func TestBus_PublishBlocksUntilContextDone(t *testing.T) {
	b := New()
	defer b.Close()

	b.Subscribe("frames", "slow", 1)
	ctx := context.Background()
	if err := b.Publish(ctx, "frames", []byte("1")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, "frames", []byte("2"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Publish() on full queue error = %v, want DeadlineExceeded", err)
	}
}

func TestBus_TryPublishDropsWhenFull(t *testing.T) {
	b := New()
	defer b.Close()

	b.Subscribe("frames", "slow", 2)
	for i := 0; i < 5; i++ {
		b.TryPublish("frames", []byte{byte(i)})
	}

	stats, err := b.Stats("frames", "slow")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Delivered != 2 || stats.Dropped != 3 {
		t.Errorf("stats = %+v, want delivered=2 dropped=3", stats)
	}
}

func TestBus_Subscribe_Errors(t *testing.T) {
	b := New()

	if _, err := b.Subscribe("frames", "dup", 1); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := b.Subscribe("frames", "dup", 1); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("duplicate Subscribe() error = %v, want ErrSubscriberExists", err)
	}
	if err := b.Unsubscribe("frames", "missing"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Errorf("Unsubscribe() error = %v, want ErrSubscriberNotFound", err)
	}

	b.Close()
	b.Close()

	if _, err := b.Subscribe("frames", "late", 1); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Subscribe() after Close error = %v, want ErrBusClosed", err)
	}
	if err := b.Publish(context.Background(), "frames", nil); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrBusClosed", err)
	}
}

func TestBus_UnsubscribeReleasesBlockedPublisher(t *testing.T) {
	b := New()
	defer b.Close()

	sub, _ := b.Subscribe("frames", "gone", 1)
	b.Publish(context.Background(), "frames", []byte("fill"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Publish(context.Background(), "frames", []byte("blocked"))
	}()

	time.Sleep(10 * time.Millisecond)
	if err := b.Unsubscribe("frames", "gone"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Publish() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after unsubscribe")
	}

	select {
	case <-sub.Done():
	default:
		t.Error("Done() not closed after unsubscribe")
	}
}
