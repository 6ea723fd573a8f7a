package statushub

import (
	"testing"
	"time"

	"github.com/paceloop/paceloop/pkg/statusv1"
)

func frame(t *testing.T) statusv1.Frame {
	t.Helper()
	f, err := statusv1.NewFrame(statusv1.TypeNetSpeed, time.Now(), map[string]float64{"total_mbps": 12})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return f
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	h := NewHub()
	ch1, cancel1 := h.Subscribe()
	ch2, cancel2 := h.Subscribe()
	defer cancel1()
	defer cancel2()

	sent := frame(t)
	h.Broadcast(sent)

	for i, ch := range []<-chan statusv1.Frame{ch1, ch2} {
		select {
		case got := <-ch:
			if got.FrameID != sent.FrameID {
				t.Fatalf("subscriber %d got wrong frame", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the frame", i)
		}
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	if h.Count() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.Count())
	}

	cancel()
	cancel() // idempotent

	if h.Count() != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", h.Count())
	}
	if _, open := <-ch; open {
		t.Fatalf("expected channel closed after cancel")
	}
}

func TestSlowSubscriberDropsFrames(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe()
	defer cancel()

	// Never reading: broadcasts past the buffer must not block.
	f := frame(t)
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			h.Broadcast(f)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked on a slow subscriber")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	h := NewHub()
	h.Close()

	ch, cancel := h.Subscribe()
	defer cancel()
	if _, open := <-ch; open {
		t.Fatalf("expected closed channel from a closed hub")
	}
}
