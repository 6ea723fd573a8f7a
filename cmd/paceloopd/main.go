// paceloopd runs a throughput sampler and an adaptive rate limiter and
// exposes their state over HTTP: JSON snapshots, Prometheus metrics,
// and a websocket status stream.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paceloop/paceloop/internal/config"
	"github.com/paceloop/paceloop/internal/limiter"
	"github.com/paceloop/paceloop/internal/logging"
	"github.com/paceloop/paceloop/internal/metrics"
	"github.com/paceloop/paceloop/internal/netmon"
	"github.com/paceloop/paceloop/internal/statushub"
	"github.com/paceloop/paceloop/internal/tracker"
	"github.com/paceloop/paceloop/pkg/statusv1"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	cfg, err := config.Parse("paceloopd")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New("paceloopd", cfg.LogLevel, cfg.LogFormat)

	lim, err := limiter.New(limiter.Options{
		BaseDelay:       cfg.BaseDelay,
		MinDelay:        cfg.MinDelay,
		MaxDelay:        cfg.MaxDelay,
		TargetSpeedMbps: cfg.TargetSpeedMbps,
		Logger:          logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer lim.Close()

	sampler := netmon.NewSampler(netmon.Config{
		Interval:   cfg.SampleInterval,
		Interfaces: cfg.Interfaces,
		Logger:     logger,
	})
	sampler.Start()
	defer sampler.Stop()

	trk := tracker.New(logger)
	hub := statushub.NewHub()
	defer hub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go publishLoop(ctx, cfg.SampleInterval, lim, sampler, trk, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{
			"limiter": lim.GetEnhancedStats(),
			"queue":   lim.GetQueueStatus(),
			"net":     sampler.CurrentSpeed(),
			"trends":  trk.GetPerformanceTrends(),
		})
	})
	mux.HandleFunc("/recommendations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, trk.GetOptimizationRecommendations())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.NewRegistry(lim, sampler), promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleStatusStream(w, r, hub, logger)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting monitor", "addr", cfg.Addr, "sample_interval", cfg.SampleInterval)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}

// publishLoop broadcasts a status frame set per sample interval.
func publishLoop(ctx context.Context, interval time.Duration, lim *limiter.Limiter, sampler *netmon.Sampler, trk *tracker.Tracker, hub *statushub.Hub, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		broadcast(hub, logger, statusv1.TypeLimiterStats, now, lim.GetEnhancedStats())
		broadcast(hub, logger, statusv1.TypeNetSpeed, now, sampler.CurrentSpeed())
		if recs := trk.GetOptimizationRecommendations(); len(recs) > 0 {
			broadcast(hub, logger, statusv1.TypeRecommendations, now, recs)
		}
	}
}

func broadcast(hub *statushub.Hub, logger *slog.Logger, frameType string, at time.Time, payload any) {
	frame, err := statusv1.NewFrame(frameType, at, payload)
	if err != nil {
		logger.Warn("frame build failed", "type", frameType, "error", err)
		return
	}
	hub.Broadcast(frame)
}

func handleStatusStream(w http.ResponseWriter, r *http.Request, hub *statushub.Hub, logger *slog.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	frames, cancel := hub.Subscribe()
	defer cancel()

	// Reader only watches for the peer closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for frame := range frames {
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
