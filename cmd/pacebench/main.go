// pacebench pushes throttled upload jobs through the adaptive limiter
// against a loopback QUIC sink and prints a summary with the limiter's
// final state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/paceloop/paceloop/internal/limiter"
	"github.com/paceloop/paceloop/internal/logging"
	"github.com/paceloop/paceloop/internal/quicbench"
	"github.com/paceloop/paceloop/internal/tracker"
)

func main() {
	fs := flag.NewFlagSet("pacebench", flag.ExitOnError)
	jobs := fs.Int("jobs", 8, "number of upload jobs")
	payload := fs.Int64("payload", 4<<20, "bytes per job")
	throttle := fs.Int64("throttle-bps", 0, "per-job write rate in bytes/sec (0 = unthrottled)")
	baseDelay := fs.Duration("delay", 250*time.Millisecond, "initial inter-job delay")
	minDelay := fs.Duration("min-delay", 50*time.Millisecond, "delay lower bound")
	maxDelay := fs.Duration("max-delay", 5*time.Second, "delay upper bound")
	target := fs.Float64("target-mbps", 200, "target speed in Mbps")
	logLevel := fs.String("log-level", "warn", "log level")
	fs.Parse(os.Args[1:])

	logger := logging.New("pacebench", *logLevel, "text")

	lim, err := limiter.New(limiter.Options{
		BaseDelay:       *baseDelay,
		MinDelay:        *minDelay,
		MaxDelay:        *maxDelay,
		TargetSpeedMbps: *target,
		Logger:          logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer lim.Close()

	trk := tracker.New(logger)

	summary, err := quicbench.Run(context.Background(), lim, trk, logger, quicbench.Options{
		Jobs:         *jobs,
		PayloadBytes: *payload,
		ThrottleBps:  *throttle,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Println(summary)
	stats := lim.GetEnhancedStats()
	fmt.Printf("LIMITER: delay=%s avg=%.1fMbps error_rate=%.2f processed=%d failed=%d\n",
		stats.CurrentDelay, stats.AvgSpeedMbps, stats.ErrorRate, stats.Processed, stats.Failed)

	trends := trk.GetPerformanceTrends()
	fmt.Printf("TRENDS: peak=%.1fMbps recent_avg=%.1fMbps consistency=%.0f trend=%s\n",
		trends.PeakMbps, trends.RecentAvgMbps, trends.Consistency, trends.Trend)
	for _, rec := range trk.GetOptimizationRecommendations() {
		fmt.Printf("HINT [%s] %s: %s\n", rec.Kind, rec.Subject, rec.Detail)
	}
}
