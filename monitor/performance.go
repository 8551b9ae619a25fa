package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"playdeck/models"
)

const (
	DefaultMetricsInterval = 10 * time.Second

	loadWindow    = 50
	slowLoad      = 2 * time.Second
	goodCacheRate = 0.8
)

// HitRateSource reports the current cache hit rate in [0,1].
type HitRateSource func(ctx context.Context) (float64, error)

type PerformanceMonitor struct {
	mutex     sync.Mutex
	loadTimes []time.Duration
	stalls    int
	underruns int
	hitRate   float64
	hitSource HitRateSource
	metrics   models.PerformanceMetrics
	logger    *log.Entry
}

func NewPerformanceMonitor(hitSource HitRateSource) *PerformanceMonitor {
	return &PerformanceMonitor{
		hitSource: hitSource,
		metrics:   models.PerformanceMetrics{HealthScore: 100},
		logger: log.WithFields(log.Fields{
			"module": "performance-monitor",
		}),
	}
}

func (m *PerformanceMonitor) RecordLoadTime(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.loadTimes = append(m.loadTimes, d)
	if len(m.loadTimes) > loadWindow {
		m.loadTimes = m.loadTimes[len(m.loadTimes)-loadWindow:]
	}
}

func (m *PerformanceMonitor) RecordStall() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stalls++
}

func (m *PerformanceMonitor) RecordUnderrun() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.underruns++
}

func (m *PerformanceMonitor) Metrics() models.PerformanceMetrics {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := m.metrics
	out.Recommendations = append([]string(nil), m.metrics.Recommendations...)
	return out
}

// Reset starts a fresh aggregation window.
func (m *PerformanceMonitor) Reset() models.PerformanceMetrics {
	m.mutex.Lock()
	m.loadTimes = nil
	m.stalls = 0
	m.underruns = 0
	m.hitRate = 0
	m.metrics = models.PerformanceMetrics{HealthScore: 100, UpdatedAt: time.Now()}
	m.mutex.Unlock()
	return m.Metrics()
}

// Recompute refreshes the cache hit rate and recalculates the aggregates.
func (m *PerformanceMonitor) Recompute(ctx context.Context) models.PerformanceMetrics {
	if m.hitSource != nil {
		rate, err := m.hitSource(ctx)
		if err != nil {
			m.logger.Warnf("reading cache hit rate: %v", err)
		} else {
			m.mutex.Lock()
			m.hitRate = rate
			m.mutex.Unlock()
		}
	}

	m.mutex.Lock()
	m.metrics = aggregate(m.loadTimes, m.stalls, m.underruns, m.hitRate)
	m.metrics.UpdatedAt = time.Now()
	m.mutex.Unlock()
	return m.Metrics()
}

// Run recomputes on every tick until ctx is done, whether or not anything is
// playing, and hands each result to fn.
func (m *PerformanceMonitor) Run(ctx context.Context, interval time.Duration, fn func(models.PerformanceMetrics)) {
	if interval <= 0 {
		interval = DefaultMetricsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := m.Recompute(ctx)
			if fn != nil {
				fn(metrics)
			}
		}
	}
}

func aggregate(loadTimes []time.Duration, stalls, underruns int, hitRate float64) models.PerformanceMetrics {
	out := models.PerformanceMetrics{
		LoadSamples:  len(loadTimes),
		Stalls:       stalls,
		Underruns:    underruns,
		CacheHitRate: hitRate,
	}

	var total time.Duration
	slow := 0
	for _, d := range loadTimes {
		total += d
		if d > slowLoad {
			slow++
		}
	}
	if len(loadTimes) > 0 {
		out.AverageLoadTime = total / time.Duration(len(loadTimes))
		out.SlowLoadRatio = float64(slow) / float64(len(loadTimes))
	}

	score := 100.0
	score -= out.SlowLoadRatio * 30
	score -= math.Min(float64(stalls)*5, 30)
	score -= math.Min(float64(underruns)*3, 20)
	if hitRate >= goodCacheRate {
		score += 5
	}
	out.HealthScore = int(math.Round(math.Max(0, math.Min(100, score))))
	out.Recommendations = recommend(out)
	return out
}

func recommend(m models.PerformanceMetrics) []string {
	var out []string
	if m.SlowLoadRatio > 0.3 {
		out = append(out, "Tracks are loading slowly; consider reducing streaming quality")
	}
	if m.Stalls >= 3 {
		out = append(out, "Playback stalls frequently; check your connection or reduce quality")
	}
	if m.Underruns >= 3 {
		out = append(out, "Buffer underruns detected; increase the prefetch window")
	}
	if m.LoadSamples > 0 && m.CacheHitRate < 0.5 {
		out = append(out, "Low cache hit rate; keep prefetching enabled for upcoming tracks")
	}
	return out
}
