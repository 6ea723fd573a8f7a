package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestLimiter(t *testing.T, opts Options) *Limiter {
	t.Helper()
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func TestFIFOSettlementOrder(t *testing.T) {
	l := newTestLimiter(t, Options{
		BaseDelay: time.Millisecond,
		MinDelay:  time.Millisecond,
		MaxDelay:  time.Second,
	})

	var mu sync.Mutex
	var ran []int
	var pendings []*Pending
	for i := 0; i < 10; i++ {
		i := i
		pendings = append(pendings, l.Enqueue(func(ctx context.Context) (any, error) {
			mu.Lock()
			ran = append(ran, i)
			mu.Unlock()
			return i, nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, p := range pendings {
		res, err := p.Wait(ctx)
		if err != nil {
			t.Fatalf("job %d: %v", i, err)
		}
		if res.(int) != i {
			t.Fatalf("job %d settled with result %v", i, res)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range ran {
		if got != i {
			t.Fatalf("execution order %v not FIFO", ran)
		}
	}
}

func TestSequentialExecution(t *testing.T) {
	l := newTestLimiter(t, Options{
		BaseDelay: time.Millisecond,
		MinDelay:  time.Millisecond,
		MaxDelay:  time.Second,
	})

	var active, maxActive int32
	var pendings []*Pending
	for i := 0; i < 8; i++ {
		pendings = append(pendings, l.Enqueue(func(ctx context.Context) (any, error) {
			cur := atomic.AddInt32(&active, 1)
			for {
				prev := atomic.LoadInt32(&maxActive)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil, nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range pendings {
		if _, err := p.Wait(ctx); err != nil {
			t.Fatalf("job failed: %v", err)
		}
	}
	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("expected at most one job executing, saw %d", got)
	}
}

func TestJobFailureIsIsolated(t *testing.T) {
	l := newTestLimiter(t, Options{
		BaseDelay: time.Millisecond,
		MinDelay:  time.Millisecond,
		MaxDelay:  time.Second,
	})

	boom := errors.New("boom")
	p1 := l.Enqueue(func(ctx context.Context) (any, error) { return nil, boom })
	p2 := l.Enqueue(func(ctx context.Context) (any, error) { panic("job panic") })
	p3 := l.Enqueue(func(ctx context.Context) (any, error) { return "ok", nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := p1.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected job's own error, got %v", err)
	}
	if _, err := p2.Wait(ctx); err == nil {
		t.Fatalf("expected panic to settle as error")
	}
	res, err := p3.Wait(ctx)
	if err != nil || res.(string) != "ok" {
		t.Fatalf("later job should be unaffected, got %v %v", res, err)
	}

	stats := l.GetStats()
	if stats.Processed != 3 || stats.Failed != 2 {
		t.Fatalf("expected processed=3 failed=2, got %+v", stats)
	}
}

func TestMinimumSpacingBetweenJobStarts(t *testing.T) {
	const delay = 50 * time.Millisecond
	l := newTestLimiter(t, Options{
		BaseDelay: delay,
		MinDelay:  time.Millisecond,
		MaxDelay:  time.Second,
	})

	var mu sync.Mutex
	var starts []time.Time
	var pendings []*Pending
	for i := 0; i < 3; i++ {
		pendings = append(pendings, l.Enqueue(func(ctx context.Context) (any, error) {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return nil, nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range pendings {
		if _, err := p.Wait(ctx); err != nil {
			t.Fatalf("job failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		if gap < delay-5*time.Millisecond {
			t.Fatalf("gap %d was %s, want at least ~%s", i, gap, delay)
		}
	}
}

func TestClearQueueRejectsExactlyPending(t *testing.T) {
	l := newTestLimiter(t, Options{
		BaseDelay: time.Millisecond,
		MinDelay:  time.Millisecond,
		MaxDelay:  time.Second,
	})

	release := make(chan struct{})
	started := make(chan struct{})
	head := l.Enqueue(func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return "head", nil
	})

	var pendings []*Pending
	for i := 0; i < 5; i++ {
		pendings = append(pendings, l.Enqueue(func(ctx context.Context) (any, error) {
			return nil, nil
		}))
	}

	<-started
	if n := l.ClearQueue(); n != 5 {
		t.Fatalf("expected 5 cleared, got %d", n)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range pendings {
		if _, err := p.Wait(ctx); !errors.Is(err, ErrQueueCleared) {
			t.Fatalf("expected ErrQueueCleared, got %v", err)
		}
	}
	// The executing job is unaffected.
	res, err := head.Wait(ctx)
	if err != nil || res.(string) != "head" {
		t.Fatalf("in-flight job should settle normally, got %v %v", res, err)
	}

	// Subsequent enqueues work normally.
	p := l.Enqueue(func(ctx context.Context) (any, error) { return 42, nil })
	res, err = p.Wait(ctx)
	if err != nil || res.(int) != 42 {
		t.Fatalf("enqueue after clear failed: %v %v", res, err)
	}
}

func TestSetDelayClampsToBounds(t *testing.T) {
	l := newTestLimiter(t, Options{
		BaseDelay: time.Second,
		MinDelay:  100 * time.Millisecond,
		MaxDelay:  2 * time.Second,
	})

	l.SetDelay(10 * time.Second)
	if got := l.Delay(); got != 2*time.Second {
		t.Fatalf("expected clamp to max, got %s", got)
	}
	l.SetDelay(time.Millisecond)
	if got := l.Delay(); got != 100*time.Millisecond {
		t.Fatalf("expected clamp to min, got %s", got)
	}
}

func TestFloodControlDoublesDelayImmediately(t *testing.T) {
	mock := clock.NewMock()
	l := newTestLimiter(t, Options{
		BaseDelay: time.Second,
		MinDelay:  100 * time.Millisecond,
		MaxDelay:  10 * time.Second,
		Clock:     mock,
	})

	l.RecordError(ErrorFloodControl, 0)
	if got := l.GetStats().CurrentDelay; got != 2*time.Second {
		t.Fatalf("expected delay doubled to 2s, got %s", got)
	}

	// Capped at max.
	l.SetDelay(8 * time.Second)
	l.RecordError(ErrorFloodControl, 0)
	if got := l.GetStats().CurrentDelay; got != 10*time.Second {
		t.Fatalf("expected cap at max, got %s", got)
	}
}

func TestStaleReferenceBumpsDelayImmediately(t *testing.T) {
	mock := clock.NewMock()
	l := newTestLimiter(t, Options{
		BaseDelay: time.Second,
		MinDelay:  100 * time.Millisecond,
		MaxDelay:  10 * time.Second,
		Clock:     mock,
	})

	l.RecordError(ErrorStaleReference, 0)
	if got := l.Delay(); got != 1300*time.Millisecond {
		t.Fatalf("expected 1.3s, got %s", got)
	}
}

func TestRecordPerformanceAdjustsDelay(t *testing.T) {
	mock := clock.NewMock()
	l := newTestLimiter(t, Options{
		BaseDelay:       time.Second,
		MinDelay:        100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		TargetSpeedMbps: 30,
		Clock:           mock,
	})

	// avg 45 Mbps = 1.5x target -> x0.8.
	l.RecordPerformance(45, false, 1<<20)
	if got := l.Delay(); got != 800*time.Millisecond {
		t.Fatalf("expected 800ms after fast sample, got %s", got)
	}

	// Now feed slow samples until the recent average drops below half
	// the target: delay should grow by 1.3x steps.
	for i := 0; i < 5; i++ {
		l.RecordPerformance(5, false, 1<<20)
	}
	if got := l.Delay(); got <= 800*time.Millisecond {
		t.Fatalf("expected slowdown after slow samples, got %s", got)
	}
}

func TestHysteresisSuppressesSmallChanges(t *testing.T) {
	mock := clock.NewMock()
	l := newTestLimiter(t, Options{
		BaseDelay:       time.Second,
		MinDelay:        100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		TargetSpeedMbps: 30,
		Hysteresis:      300 * time.Millisecond,
		Clock:           mock,
	})

	// avg 33 Mbps -> x0.9 proposes 900ms, a 100ms move below the 300ms
	// hysteresis threshold: no change applied.
	l.RecordPerformance(33, false, 1<<20)
	if got := l.Delay(); got != time.Second {
		t.Fatalf("expected hysteresis to hold delay at 1s, got %s", got)
	}
}

func TestEnqueueAfterCloseSettlesClosed(t *testing.T) {
	l, err := New(Options{BaseDelay: time.Millisecond, MinDelay: time.Millisecond, MaxDelay: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Close()

	p := l.Enqueue(func(ctx context.Context) (any, error) { return nil, nil })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, ErrLimiterClosed) {
		t.Fatalf("expected ErrLimiterClosed, got %v", err)
	}
}

func TestNewRejectsInvertedBounds(t *testing.T) {
	_, err := New(Options{MinDelay: time.Second, MaxDelay: 100 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected error for min > max")
	}
}

func TestGetEnhancedStatsReflectsWindow(t *testing.T) {
	mock := clock.NewMock()
	l := newTestLimiter(t, Options{
		BaseDelay:       time.Second,
		MinDelay:        100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		TargetSpeedMbps: 30,
		Clock:           mock,
	})

	l.RecordPerformance(20, false, 1<<20)
	l.RecordPerformance(40, false, 1<<20)
	l.RecordError(ErrorGeneric, 0)

	stats := l.GetEnhancedStats()
	if stats.SampleCount != 2 {
		t.Fatalf("expected 2 samples, got %d", stats.SampleCount)
	}
	if stats.ErrorCount != 1 {
		t.Fatalf("expected 1 error, got %d", stats.ErrorCount)
	}
	if stats.AvgSpeedMbps != 30 {
		t.Fatalf("expected avg 30, got %.1f", stats.AvgSpeedMbps)
	}
	if stats.ErrorRate != 0.5 {
		t.Fatalf("expected error rate 0.5, got %.2f", stats.ErrorRate)
	}

	detailed := l.GetDetailedStats()
	if len(detailed.RecentSpeedsMbps) != 2 {
		t.Fatalf("expected 2 recorded speeds, got %v", detailed.RecentSpeedsMbps)
	}
}
