// Package netmon samples cumulative network interface counters on a
// fixed interval and derives instantaneous throughput from consecutive
// snapshots. It is advisory: read failures degrade to zero-speed
// results and never reach the rate limiter.
package netmon

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// defaultInterfaces is used when interface enumeration fails.
var defaultInterfaces = []string{"eth0", "en0", "wlan0"}

// Speed is the rate derived from the two most recent snapshots.
type Speed struct {
	DownloadMbps float64       `json:"download_mbps"`
	UploadMbps   float64       `json:"upload_mbps"`
	TotalMbps    float64       `json:"total_mbps"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Config configures a Sampler. Zero fields take defaults.
type Config struct {
	Interval     time.Duration // sampling period (default 5s)
	Interfaces   []string      // allowlist; empty means discover
	CountersPath string        // counters file (default /proc/net/dev)

	Clock  clock.Clock
	Logger *slog.Logger

	// readCounters overrides the read path in tests.
	readCounters func() (map[string]InterfaceCounters, error)
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 5 * time.Second
	}
	if c.CountersPath == "" {
		c.CountersPath = "/proc/net/dev"
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Sampler periodically snapshots interface counters. It never blocks
// job execution; the limiter does not depend on it.
type Sampler struct {
	cfg  Config
	clk  clock.Clock
	log  *slog.Logger
	read func() (map[string]InterfaceCounters, error)

	mu        sync.Mutex
	ifaces    []string
	prev      *Snapshot
	cur       *Snapshot
	startedAt time.Time
	stop      chan struct{}
	running   bool
}

// NewSampler returns a stopped sampler.
func NewSampler(cfg Config) *Sampler {
	cfg = cfg.withDefaults()
	s := &Sampler{cfg: cfg, clk: cfg.Clock, log: cfg.Logger}
	s.read = cfg.readCounters
	if s.read == nil {
		s.read = func() (map[string]InterfaceCounters, error) {
			counters, err := readProcCounters(cfg.CountersPath)
			if err == nil {
				return counters, nil
			}
			return readLinkStats()
		}
	}
	return s
}

// Start discovers the interface set, takes an initial snapshot, and
// begins periodic sampling. Calling Start on a running sampler is a
// no-op.
func (s *Sampler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ifaces = s.discover()
	s.startedAt = s.clk.Now()
	s.prev, s.cur = nil, nil
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	s.sample()

	// Created before the goroutine starts so a tick scheduled right
	// after Start returns is never missed.
	ticker := s.clk.Ticker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sample()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts sampling and discards the snapshot pair so a restart never
// computes a stale delta. No tick fires after Stop returns the channel
// closed.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	s.prev, s.cur = nil, nil
}

// discover enumerates non-loopback, up interfaces, filtered by the
// allowlist when one is configured. Enumeration failure falls back to a
// fixed default set.
func (s *Sampler) discover() []string {
	if len(s.cfg.Interfaces) > 0 {
		return s.cfg.Interfaces
	}
	ifs, err := net.Interfaces()
	if err != nil || len(ifs) == 0 {
		if s.log != nil {
			s.log.Warn("interface enumeration failed, using defaults", "error", err)
		}
		return defaultInterfaces
	}
	names := make([]string, 0, len(ifs))
	for _, iface := range ifs {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		names = append(names, iface.Name)
	}
	if len(names) == 0 {
		return defaultInterfaces
	}
	return names
}

// sample takes one snapshot, absorbing read errors.
func (s *Sampler) sample() {
	counters, err := s.read()
	if err != nil {
		if s.log != nil {
			s.log.Debug("counter read failed", "error", err)
		}
		return
	}
	snap := &Snapshot{At: s.clk.Now(), PerInterface: counters}

	s.mu.Lock()
	if s.running {
		s.prev, s.cur = s.cur, snap
	}
	s.mu.Unlock()
}

// CurrentSpeed computes throughput from the two most recent snapshots.
// With fewer than two snapshots, or non-positive elapsed time, it
// returns a zero Speed rather than failing.
func (s *Sampler) CurrentSpeed() Speed {
	s.mu.Lock()
	prev, cur := s.prev, s.cur
	ifaces := s.ifaces
	startedAt := s.startedAt
	s.mu.Unlock()

	var out Speed
	if !startedAt.IsZero() {
		out.Elapsed = s.clk.Now().Sub(startedAt)
	}
	if prev == nil || cur == nil {
		return out
	}
	elapsed := cur.At.Sub(prev.At).Seconds()
	if elapsed <= 0 {
		return out
	}

	var rxDelta, txDelta uint64
	for _, name := range ifaces {
		p, okP := prev.PerInterface[name]
		c, okC := cur.PerInterface[name]
		if !okP || !okC {
			continue // absent from a snapshot is not an error
		}
		// Counter resets produce negative deltas; clamp per interface.
		if c.RxBytes > p.RxBytes {
			rxDelta += c.RxBytes - p.RxBytes
		}
		if c.TxBytes > p.TxBytes {
			txDelta += c.TxBytes - p.TxBytes
		}
	}

	out.DownloadMbps = bytesToMbps(rxDelta, elapsed)
	out.UploadMbps = bytesToMbps(txDelta, elapsed)
	out.TotalMbps = out.DownloadMbps + out.UploadMbps
	return out
}

func bytesToMbps(bytes uint64, elapsedSec float64) float64 {
	return float64(bytes) * 8 / 1e6 / elapsedSec
}
