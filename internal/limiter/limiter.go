// Package limiter serializes transfer jobs behind an adaptive minimum
// inter-job delay. Jobs are drained strictly FIFO by a single loop; the
// delay is recomputed from reported transfer speeds and error events and
// always stays within the configured bounds.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/paceloop/paceloop/internal/window"
)

var (
	// ErrQueueCleared settles jobs rejected by ClearQueue.
	ErrQueueCleared = errors.New("limiter: queue cleared")
	// ErrLimiterClosed is returned for jobs enqueued after Close.
	ErrLimiterClosed = errors.New("limiter: closed")
)

// ErrorKind classifies backpressure signals reported by the executor.
// The set is open; unknown kinds feed the error-rate window only.
type ErrorKind string

const (
	ErrorGeneric        ErrorKind = "generic"
	ErrorFloodControl   ErrorKind = "flood_control"
	ErrorStaleReference ErrorKind = "stale_reference"
)

// Job is one throttled unit of work. The limiter treats it as opaque:
// it runs at most once and its result or error reaches only its caller.
type Job func(ctx context.Context) (any, error)

// Pending is the settlement handle returned by Enqueue. It settles
// exactly once: with the job's result, the job's own error, or
// ErrQueueCleared / ErrLimiterClosed.
type Pending struct {
	done chan struct{}
	res  any
	err  error
}

// Wait blocks until the job settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the job settles.
func (p *Pending) Done() <-chan struct{} { return p.done }

func (p *Pending) settle(res any, err error) {
	p.res = res
	p.err = err
	close(p.done)
}

// Options configures a Limiter. Zero fields take defaults.
type Options struct {
	BaseDelay       time.Duration // initial delay (default 1s)
	MinDelay        time.Duration // lower bound (default 100ms)
	MaxDelay        time.Duration // upper bound (default 10s)
	TargetSpeedMbps float64       // speed the policy steers toward (default 30)
	Hysteresis      time.Duration // min change worth applying (default 100ms)

	SampleWindow  int           // speed/error window capacity (default 50)
	WindowAge     time.Duration // max sample age (default 5m)
	RecentSamples int           // samples averaged by the policy (default 5)
	ErrorLookback time.Duration // error-rate lookback (default 60s)

	Clock  clock.Clock  // injectable for tests
	Logger *slog.Logger // optional
}

func (o Options) withDefaults() Options {
	if o.BaseDelay == 0 {
		o.BaseDelay = time.Second
	}
	if o.MinDelay == 0 {
		o.MinDelay = 100 * time.Millisecond
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.TargetSpeedMbps == 0 {
		o.TargetSpeedMbps = 30
	}
	if o.Hysteresis == 0 {
		o.Hysteresis = 100 * time.Millisecond
	}
	if o.SampleWindow == 0 {
		o.SampleWindow = 50
	}
	if o.WindowAge == 0 {
		o.WindowAge = 5 * time.Minute
	}
	if o.RecentSamples == 0 {
		o.RecentSamples = 5
	}
	if o.ErrorLookback == 0 {
		o.ErrorLookback = 60 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

func (o Options) validate() error {
	if o.MinDelay > o.MaxDelay {
		return fmt.Errorf("limiter: min delay %s exceeds max delay %s", o.MinDelay, o.MaxDelay)
	}
	if o.MinDelay < 0 {
		return errors.New("limiter: negative min delay")
	}
	return nil
}

type speedSample struct {
	mbps     float64
	size     int64
	hadError bool
}

type errorEvent struct {
	kind     ErrorKind
	waitHint time.Duration
}

type item struct {
	job     Job
	pending *Pending
}

// Limiter is the adaptive rate limiter core. One drain loop at a time
// pops jobs in arrival order and enforces the current delay between job
// starts; everything else is bookkeeping under a single mutex.
type Limiter struct {
	opts Options
	clk  clock.Clock
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	queue        []*item
	draining     bool
	closed       bool
	delay        time.Duration
	lastJobStart time.Time
	speeds       *window.Window[speedSample]
	errs         *window.Window[errorEvent]

	processed uint64
	failed    uint64
	cleared   uint64
}

// New returns a started limiter. It holds no goroutine until the first
// Enqueue.
func New(opts Options) (*Limiter, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Limiter{
		opts:   opts,
		clk:    opts.Clock,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		delay:  clampDelay(opts.BaseDelay, opts.MinDelay, opts.MaxDelay),
		speeds: window.New[speedSample](opts.SampleWindow, opts.WindowAge),
		errs:   window.New[errorEvent](opts.SampleWindow, opts.WindowAge),
	}, nil
}

// Enqueue appends a job to the FIFO queue and returns immediately with
// its settlement handle. The drain loop is started on demand; re-entrant
// enqueues while draining only append.
func (l *Limiter) Enqueue(job Job) *Pending {
	p := &Pending{done: make(chan struct{})}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		p.settle(nil, ErrLimiterClosed)
		return p
	}
	l.queue = append(l.queue, &item{job: job, pending: p})
	start := !l.draining
	if start {
		l.draining = true
	}
	l.mu.Unlock()

	if start {
		go l.drain()
	}
	return p
}

// drain pops and runs queued jobs sequentially until the queue empties.
func (l *Limiter) drain() {
	for {
		l.mu.Lock()
		if l.closed || len(l.queue) == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}
		it := l.queue[0]
		l.queue = l.queue[1:]
		delay := l.delay
		last := l.lastJobStart
		l.mu.Unlock()

		if !l.waitIfNeeded(delay, last) {
			// Closed mid-wait; the popped job still settles.
			it.pending.settle(nil, ErrLimiterClosed)
			l.mu.Lock()
			l.draining = false
			l.mu.Unlock()
			return
		}

		l.mu.Lock()
		l.lastJobStart = l.clk.Now()
		l.mu.Unlock()

		res, err := runJob(l.ctx, it.job)
		l.mu.Lock()
		l.processed++
		if err != nil {
			l.failed++
		}
		l.mu.Unlock()
		it.pending.settle(res, err)
	}
}

// waitIfNeeded enforces the minimum spacing since the previous job
// start. Returns false if the limiter closed during the wait.
func (l *Limiter) waitIfNeeded(delay time.Duration, last time.Time) bool {
	if last.IsZero() {
		return true
	}
	elapsed := l.clk.Now().Sub(last)
	if elapsed >= delay {
		return true
	}
	t := l.clk.Timer(delay - elapsed)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-l.ctx.Done():
		return false
	}
}

func runJob(ctx context.Context, job Job) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("limiter: job panic: %v", r)
		}
	}()
	return job(ctx)
}

// SetDelay clamps d into bounds and replaces the current delay, taking
// effect from the next wait onward.
func (l *Limiter) SetDelay(d time.Duration) {
	l.mu.Lock()
	l.delay = clampDelay(d, l.opts.MinDelay, l.opts.MaxDelay)
	l.mu.Unlock()
}

// Delay returns the current inter-job delay.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

// ClearQueue atomically rejects every still-pending job with
// ErrQueueCleared and returns how many were cleared. A job already past
// the head of the queue is unaffected.
func (l *Limiter) ClearQueue() int {
	l.mu.Lock()
	dropped := l.queue
	l.queue = nil
	l.cleared += uint64(len(dropped))
	l.mu.Unlock()

	for _, it := range dropped {
		it.pending.settle(nil, ErrQueueCleared)
	}
	return len(dropped)
}

// Close stops accepting jobs and rejects everything still queued. The
// in-flight job, if any, runs to completion.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	dropped := l.queue
	l.queue = nil
	l.cleared += uint64(len(dropped))
	l.mu.Unlock()

	l.cancel()
	for _, it := range dropped {
		it.pending.settle(nil, ErrLimiterClosed)
	}
}

// RecordPerformance feeds one completed transfer's observed speed into
// the history and recomputes the delay. hadError additionally counts a
// generic error event. Callers push this after each job settles; the
// limiter never infers it from the job itself.
func (l *Limiter) RecordPerformance(speedMbps float64, hadError bool, size int64) {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if speedMbps > 0 {
		l.speeds.Push(now, speedSample{mbps: speedMbps, size: size, hadError: hadError})
	}
	if hadError {
		l.errs.Push(now, errorEvent{kind: ErrorGeneric})
	}
	l.recomputeLocked(now)
}

// RecordError feeds a classified backpressure signal. Flood-control and
// stale-reference kinds jump the delay immediately, bypassing
// hysteresis; every kind feeds the windowed error rate.
func (l *Limiter) RecordError(kind ErrorKind, waitHint time.Duration) {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.errs.Push(now, errorEvent{kind: kind, waitHint: waitHint})
	if next, ok := delayForError(l.delay, kind, waitHint, l.opts.MinDelay, l.opts.MaxDelay); ok {
		if l.log != nil {
			l.log.Warn("backpressure signal", "kind", string(kind), "delay", next)
		}
		l.delay = next
		return
	}
	l.recomputeLocked(now)
}

// ApplyWorkload recomputes the delay from submission frequency and
// average payload size. Explicit trigger; not run per job.
func (l *Limiter) ApplyWorkload(jobsPerMinute float64, avgJobSizeBytes int64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = DelayForWorkload(l.opts.BaseDelay, jobsPerMinute, avgJobSizeBytes, l.opts.MinDelay, l.opts.MaxDelay)
	return l.delay
}

// recomputeLocked runs the periodic policy and applies the result only
// if it moved more than the hysteresis threshold.
func (l *Limiter) recomputeLocked(now time.Time) {
	avg := avgSpeed(l.speeds.Recent(now, l.opts.RecentSamples))
	errCount := l.errs.CountSince(now, l.opts.ErrorLookback)
	sampleCount := l.speeds.CountSince(now, l.opts.ErrorLookback)
	errorRate := float64(errCount) / float64(maxInt(1, sampleCount))

	next := NextDelay(l.delay, avg, errorRate, l.opts.TargetSpeedMbps, l.opts.MinDelay, l.opts.MaxDelay)
	diff := next - l.delay
	if diff < 0 {
		diff = -diff
	}
	if diff > l.opts.Hysteresis {
		if l.log != nil {
			l.log.Debug("delay adjusted", "from", l.delay, "to", next, "avg_mbps", avg, "error_rate", errorRate)
		}
		l.delay = next
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
