package quicbench

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/paceloop/paceloop/internal/limiter"
	"github.com/paceloop/paceloop/internal/tracker"
)

// Options configures one bench run.
type Options struct {
	Jobs         int    // number of upload jobs (default 8)
	PayloadBytes int64  // bytes per job (default 4 MiB)
	ThrottleBps  int64  // per-job write rate; 0 disables throttling
	FileType     string // classification fed to the tracker (default "bench")
}

func (o Options) withDefaults() Options {
	if o.Jobs == 0 {
		o.Jobs = 8
	}
	if o.PayloadBytes == 0 {
		o.PayloadBytes = 4 << 20
	}
	if o.FileType == "" {
		o.FileType = "bench"
	}
	return o
}

// Summary aggregates one run's outcomes.
type Summary struct {
	Jobs     int
	Failed   int
	Bytes    int64
	AvgMbps  float64
	PeakMbps float64
	Duration time.Duration
}

// String renders the bench summary line.
func (s Summary) String() string {
	return fmt.Sprintf("BENCH: jobs=%d failed=%d bytes=%d avg=%.1fMbps peak=%.1fMbps dur=%.1fs",
		s.Jobs, s.Failed, s.Bytes, s.AvgMbps, s.PeakMbps, s.Duration.Seconds())
}

// Run starts a loopback sink, enqueues upload jobs through the limiter,
// and reports each observed speed back to the limiter and tracker.
func Run(ctx context.Context, lim *limiter.Limiter, trk *tracker.Tracker, log *slog.Logger, opts Options) (Summary, error) {
	opts = opts.withDefaults()

	sink, err := newSink(log)
	if err != nil {
		return Summary{}, err
	}
	defer sink.close()

	payload := make([]byte, opts.PayloadBytes)
	started := time.Now()

	pendings := make([]*limiter.Pending, 0, opts.Jobs)
	for i := 0; i < opts.Jobs; i++ {
		pendings = append(pendings, lim.Enqueue(func(jobCtx context.Context) (any, error) {
			return uploadOnce(jobCtx, sink.addr(), payload, opts.ThrottleBps)
		}))
	}

	var sum Summary
	sum.Jobs = opts.Jobs
	for _, p := range pendings {
		res, err := p.Wait(ctx)
		if err != nil {
			sum.Failed++
			lim.RecordPerformance(0, true, opts.PayloadBytes)
			trk.Record(0, opts.PayloadBytes, opts.FileType, false)
			if log != nil {
				log.Warn("bench job failed", "error", err)
			}
			continue
		}
		mbps := res.(float64)
		sum.Bytes += opts.PayloadBytes
		if mbps > sum.PeakMbps {
			sum.PeakMbps = mbps
		}
		lim.RecordPerformance(mbps, false, opts.PayloadBytes)
		trk.Record(mbps, opts.PayloadBytes, opts.FileType, true)
	}

	sum.Duration = time.Since(started)
	if sum.Duration > 0 {
		sum.AvgMbps = float64(sum.Bytes) * 8 / 1e6 / sum.Duration.Seconds()
	}
	return sum, nil
}

// uploadOnce dials the sink, streams the payload through the throttled
// writer, and returns the observed speed in Mbps.
func uploadOnce(ctx context.Context, addr string, payload []byte, throttleBps int64) (float64, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), quicConfig())
	if err != nil {
		return 0, fmt.Errorf("quicbench: dial sink: %w", err)
	}
	defer conn.CloseWithError(0, "done")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return 0, fmt.Errorf("quicbench: open stream: %w", err)
	}

	w := newThrottledWriter(ctx, stream, throttleBps)
	started := time.Now()
	if _, err := w.Write(payload); err != nil {
		stream.CancelWrite(1)
		return 0, fmt.Errorf("quicbench: write payload: %w", err)
	}
	if err := stream.Close(); err != nil {
		return 0, fmt.Errorf("quicbench: close stream: %w", err)
	}
	elapsed := time.Since(started).Seconds()
	if elapsed <= 0 {
		return 0, nil
	}
	return float64(len(payload)) * 8 / 1e6 / elapsed, nil
}

// sink accepts loopback connections and discards every uploaded byte.
type sink struct {
	listener *quic.Listener
	cancel   context.CancelFunc
}

func newSink(log *slog.Logger) (*sink, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr("127.0.0.1:0", tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quicbench: listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &sink{listener: listener, cancel: cancel}

	go func() {
		for {
			conn, err := listener.Accept(ctx)
			if err != nil {
				return
			}
			go drainConn(ctx, conn, log)
		}
	}()
	return s, nil
}

func drainConn(ctx context.Context, conn *quic.Conn, log *slog.Logger) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func() {
			if _, err := io.Copy(io.Discard, stream); err != nil && log != nil {
				log.Debug("sink stream error", "error", err)
			}
		}()
	}
}

func (s *sink) addr() string {
	return s.listener.Addr().String()
}

func (s *sink) close() {
	s.cancel()
	_ = s.listener.Close()
}
