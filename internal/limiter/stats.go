package limiter

import "time"

// QueueStatus is a point-in-time view of the queue.
type QueueStatus struct {
	QueueLength  int           `json:"queue_length"`
	Draining     bool          `json:"draining"`
	CurrentDelay time.Duration `json:"current_delay"`
	LastJobStart time.Time     `json:"last_job_start"`
}

// Stats summarizes the limiter's counters and delay state.
type Stats struct {
	CurrentDelay time.Duration `json:"current_delay"`
	BaseDelay    time.Duration `json:"base_delay"`
	MinDelay     time.Duration `json:"min_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	QueueLength  int           `json:"queue_length"`
	Processed    uint64        `json:"processed"`
	Failed       uint64        `json:"failed"`
	Cleared      uint64        `json:"cleared"`
}

// EnhancedStats adds the policy's live inputs to Stats.
type EnhancedStats struct {
	Stats
	TargetSpeedMbps float64 `json:"target_speed_mbps"`
	AvgSpeedMbps    float64 `json:"avg_speed_mbps"`
	ErrorRate       float64 `json:"error_rate"`
	SampleCount     int     `json:"sample_count"`
	ErrorCount      int     `json:"error_count"`
}

// DetailedStats adds the raw recent speed window, newest last.
type DetailedStats struct {
	EnhancedStats
	RecentSpeedsMbps []float64 `json:"recent_speeds_mbps"`
}

// GetQueueStatus never blocks and is safe to call at any time.
func (l *Limiter) GetQueueStatus() QueueStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return QueueStatus{
		QueueLength:  len(l.queue),
		Draining:     l.draining,
		CurrentDelay: l.delay,
		LastJobStart: l.lastJobStart,
	}
}

// GetStats returns counters and delay bounds.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statsLocked()
}

func (l *Limiter) statsLocked() Stats {
	return Stats{
		CurrentDelay: l.delay,
		BaseDelay:    l.opts.BaseDelay,
		MinDelay:     l.opts.MinDelay,
		MaxDelay:     l.opts.MaxDelay,
		QueueLength:  len(l.queue),
		Processed:    l.processed,
		Failed:       l.failed,
		Cleared:      l.cleared,
	}
}

// GetEnhancedStats includes the averages the policy currently sees.
func (l *Limiter) GetEnhancedStats() EnhancedStats {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enhancedLocked(now)
}

func (l *Limiter) enhancedLocked(now time.Time) EnhancedStats {
	sampleCount := l.speeds.CountSince(now, l.opts.ErrorLookback)
	errCount := l.errs.CountSince(now, l.opts.ErrorLookback)
	return EnhancedStats{
		Stats:           l.statsLocked(),
		TargetSpeedMbps: l.opts.TargetSpeedMbps,
		AvgSpeedMbps:    avgSpeed(l.speeds.Recent(now, l.opts.RecentSamples)),
		ErrorRate:       float64(errCount) / float64(maxInt(1, sampleCount)),
		SampleCount:     sampleCount,
		ErrorCount:      errCount,
	}
}

// GetDetailedStats additionally exposes the raw speed window.
func (l *Limiter) GetDetailedStats() DetailedStats {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	samples := l.speeds.Values(now)
	speeds := make([]float64, len(samples))
	for i, s := range samples {
		speeds[i] = s.mbps
	}
	return DetailedStats{
		EnhancedStats:    l.enhancedLocked(now),
		RecentSpeedsMbps: speeds,
	}
}
