package limiter

import "time"

// Multipliers applied by the delay policy. The speed steps compare the
// recent average against the configured target; the error steps stack on
// top of the speed step.
const (
	speedupFast  = 0.8 // avg > 1.2x target
	speedupMild  = 0.9 // avg > target
	slowdownHard = 1.3 // avg < 0.5x target
	slowdownMild = 1.1 // avg < 0.8x target

	errorStepHard = 1.5 // error rate > 0.2
	errorStepMild = 1.2 // error rate > 0.1

	floodControlStep   = 2.0
	staleReferenceStep = 1.3
)

// clampDelay bounds d to [min, max].
func clampDelay(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// NextDelay proposes a new inter-job delay from the recent average speed
// and error rate. It is pure: malformed inputs (zero target, negative
// rates) degrade to "no change". The result is always within [min, max];
// hysteresis is applied by the caller.
func NextDelay(cur time.Duration, avgSpeedMbps, errorRate, targetMbps float64, min, max time.Duration) time.Duration {
	next := float64(cur)

	if targetMbps > 0 && avgSpeedMbps > 0 {
		switch {
		case avgSpeedMbps > 1.2*targetMbps:
			next *= speedupFast
		case avgSpeedMbps > targetMbps:
			next *= speedupMild
		case avgSpeedMbps < 0.5*targetMbps:
			next *= slowdownHard
		case avgSpeedMbps < 0.8*targetMbps:
			next *= slowdownMild
		}
	}

	switch {
	case errorRate > 0.2:
		next *= errorStepHard
	case errorRate > 0.1:
		next *= errorStepMild
	}

	return clampDelay(time.Duration(next), min, max)
}

// DelayForWorkload derives a delay from submission frequency and payload
// size: small payloads pace faster, large ones more conservatively, and
// a high submission rate self-limits burstiness. Callers invoke it
// explicitly when frequency/size context is known; it does not run on
// every job.
func DelayForWorkload(base time.Duration, jobsPerMinute float64, avgJobSizeBytes int64, min, max time.Duration) time.Duration {
	sizeFactor := 1.0
	switch {
	case avgJobSizeBytes > 0 && avgJobSizeBytes < 512<<10:
		sizeFactor = 0.8
	case avgJobSizeBytes > 8<<20:
		sizeFactor = 1.3
	}

	freqFactor := 1.0
	if jobsPerMinute > 0 {
		freqFactor = 1 + jobsPerMinute/60
		if freqFactor > 2 {
			freqFactor = 2
		}
	}

	return clampDelay(time.Duration(float64(base)*sizeFactor*freqFactor), min, max)
}

// delayForError returns the immediate out-of-band delay jump for hard
// backpressure signals, or (cur, false) for kinds that only feed the
// windowed error rate. A wait hint from the remote side acts as a floor.
func delayForError(cur time.Duration, kind ErrorKind, waitHint time.Duration, min, max time.Duration) (time.Duration, bool) {
	var next time.Duration
	switch kind {
	case ErrorFloodControl:
		next = time.Duration(float64(cur) * floodControlStep)
	case ErrorStaleReference:
		next = time.Duration(float64(cur) * staleReferenceStep)
	default:
		return cur, false
	}
	if waitHint > next {
		next = waitHint
	}
	return clampDelay(next, min, max), true
}

func avgSpeed(samples []speedSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.mbps
	}
	return sum / float64(len(samples))
}
