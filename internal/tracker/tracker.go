// Package tracker passively buckets completed-transfer records for
// descriptive reporting. It is read-only with respect to the rate
// controller: nothing here feeds back into delay state.
package tracker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	fastThresholdMbps = 25.0
	slowThresholdMbps = 10.0
	speedFloorMbps    = 10.0
	largeFileBytes    = 100 << 20

	historyCap    = 100
	subListCap    = 20
	typeBucketCap = 10
	hourBucketCap = 5
	typeSetCap    = 32

	trendSlice   = 10
	trendEpsilon = 0.05
)

// Record is one completed transfer observation.
type Record struct {
	At        time.Time `json:"at"`
	SpeedMbps float64   `json:"speed_mbps"`
	SizeBytes int64     `json:"size_bytes"`
	FileType  string    `json:"file_type"`
	OK        bool      `json:"ok"`
}

// bucket keeps a bounded list of recent records plus a running average
// over everything ever recorded into it.
type bucket struct {
	recent []Record
	cap    int
	sum    float64
	count  int
}

func (b *bucket) add(r Record) {
	b.recent = append(b.recent, r)
	if len(b.recent) > b.cap {
		b.recent = b.recent[len(b.recent)-b.cap:]
	}
	b.sum += r.SpeedMbps
	b.count++
}

func (b *bucket) avg() float64 {
	if b.count == 0 {
		return 0
	}
	return b.sum / float64(b.count)
}

// Tracker accumulates transfer records into bounded histories. The type
// bucket map is LRU-bounded so unknown file types cannot grow it.
type Tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	log     *slog.Logger
	history []Record
	fast    []Record
	slow    []Record
	types   *lru.Cache[string, *bucket]
	hours   [24]*bucket
}

// New returns an empty tracker.
func New(logger *slog.Logger) *Tracker {
	return NewWithNow(logger, time.Now)
}

// NewWithNow injects a time source for tests.
func NewWithNow(logger *slog.Logger, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	types, err := lru.New[string, *bucket](typeSetCap)
	if err != nil {
		// Only reachable with a non-positive cap.
		panic(err)
	}
	t := &Tracker{now: now, log: logger, types: types}
	for i := range t.hours {
		t.hours[i] = &bucket{cap: hourBucketCap}
	}
	return t
}

// Record stores one completed transfer into the rolling history, the
// fast/slow sublists, and the per-type and per-hour buckets.
func (t *Tracker) Record(speedMbps float64, sizeBytes int64, fileType string, ok bool) {
	if speedMbps < 0 {
		return
	}
	r := Record{At: t.now(), SpeedMbps: speedMbps, SizeBytes: sizeBytes, FileType: fileType, OK: ok}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = appendBounded(t.history, r, historyCap)
	if speedMbps > fastThresholdMbps {
		t.fast = appendBounded(t.fast, r, subListCap)
	}
	if speedMbps < slowThresholdMbps {
		t.slow = appendBounded(t.slow, r, subListCap)
	}

	if fileType != "" {
		b, found := t.types.Get(fileType)
		if !found {
			b = &bucket{cap: typeBucketCap}
			t.types.Add(fileType, b)
		}
		b.add(r)
	}
	t.hours[r.At.Hour()].add(r)
}

func appendBounded(list []Record, r Record, cap int) []Record {
	list = append(list, r)
	if len(list) > cap {
		list = list[len(list)-cap:]
	}
	return list
}

// Trends describes recent performance for reporting.
type Trends struct {
	RecordCount   int     `json:"record_count"`
	PeakMbps      float64 `json:"peak_mbps"`
	RecentAvgMbps float64 `json:"recent_avg_mbps"`
	// Consistency is max(0, 100 - 2*variance) of recent speeds. A
	// heuristic display score, not a calibrated statistic.
	Consistency float64 `json:"consistency"`
	Trend       string  `json:"trend"` // improving | declining | stable
}

// GetPerformanceTrends derives peak, recent average, consistency, and
// the recent-vs-prior trend label from the rolling history.
func (t *Tracker) GetPerformanceTrends() Trends {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Trends{RecordCount: len(t.history), Trend: "stable"}
	if len(t.history) == 0 {
		return out
	}

	recent := lastSpeeds(t.history, trendSlice)
	out.RecentAvgMbps = mean(recent)
	out.Consistency = consistencyScore(recent)
	for _, r := range t.history {
		if r.SpeedMbps > out.PeakMbps {
			out.PeakMbps = r.SpeedMbps
		}
	}

	if len(t.history) >= 2*trendSlice {
		prior := t.history[len(t.history)-2*trendSlice : len(t.history)-trendSlice]
		priorAvg := mean(speedsOf(prior))
		if priorAvg > 0 {
			switch {
			case out.RecentAvgMbps > priorAvg*(1+trendEpsilon):
				out.Trend = "improving"
			case out.RecentAvgMbps < priorAvg*(1-trendEpsilon):
				out.Trend = "declining"
			}
		}
	}
	return out
}

func lastSpeeds(list []Record, n int) []float64 {
	if n < len(list) {
		list = list[len(list)-n:]
	}
	return speedsOf(list)
}

func speedsOf(list []Record) []float64 {
	out := make([]float64, len(list))
	for i, r := range list {
		out[i] = r.SpeedMbps
	}
	return out
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func consistencyScore(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	m := mean(vals)
	var variance float64
	for _, v := range vals {
		variance += (v - m) * (v - m)
	}
	variance /= float64(len(vals))
	score := 100 - 2*variance
	if score < 0 {
		return 0
	}
	return score
}

// Recommendation is advisory text derived from bucket statistics. The
// controller never acts on these.
type Recommendation struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

// GetOptimizationRecommendations flags file types and hours that keep
// underperforming. Thresholds: three slow records per type or per
// large-file class, and bucket averages below the speed floor with at
// least three records.
func (t *Tracker) GetOptimizationRecommendations() []Recommendation {
	t.mu.Lock()
	defer t.mu.Unlock()

	var recs []Recommendation

	slowByType := make(map[string]int)
	largeSlow := 0
	for _, r := range t.slow {
		if r.FileType != "" {
			slowByType[r.FileType]++
		}
		if r.SizeBytes > largeFileBytes {
			largeSlow++
		}
	}
	for _, ft := range t.types.Keys() {
		if slowByType[ft] >= 3 {
			recs = append(recs, Recommendation{
				Kind:    "file_type_slow",
				Subject: ft,
				Detail:  fmt.Sprintf("%d recent %s transfers below %.0f Mbps", slowByType[ft], ft, slowThresholdMbps),
			})
		}
	}
	if largeSlow >= 3 {
		recs = append(recs, Recommendation{
			Kind:    "large_file_slow",
			Subject: "large_files",
			Detail:  fmt.Sprintf("%d recent transfers over 100MB below %.0f Mbps", largeSlow, slowThresholdMbps),
		})
	}

	for _, ft := range t.types.Keys() {
		b, found := t.types.Peek(ft)
		if !found || b.count < 3 {
			continue
		}
		if avg := b.avg(); avg < speedFloorMbps {
			recs = append(recs, Recommendation{
				Kind:    "file_type_below_floor",
				Subject: ft,
				Detail:  fmt.Sprintf("%s averages %.1f Mbps across %d transfers", ft, avg, b.count),
			})
		}
	}
	for hour, b := range t.hours {
		if b.count < 3 {
			continue
		}
		if avg := b.avg(); avg < speedFloorMbps {
			recs = append(recs, Recommendation{
				Kind:    "hour_below_floor",
				Subject: fmt.Sprintf("%02d:00", hour),
				Detail:  fmt.Sprintf("hour %d averages %.1f Mbps across %d transfers", hour, avg, b.count),
			})
		}
	}
	return recs
}
