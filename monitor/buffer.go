// Package monitor watches the active playback primitive for stalls and buffer
// health and aggregates session performance metrics.
package monitor

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"playdeck/audio"
	"playdeck/models"
)

const (
	DefaultSampleInterval = 500 * time.Millisecond
	DefaultStallWindow    = 60 * time.Second

	goodAhead = 10 * time.Second
	fairAhead = 5 * time.Second
)

// BufferMonitor classifies stalls and buffer health from periodic samples of
// the active primitive. A stall is counted once per contiguous episode.
type BufferMonitor struct {
	mutex       sync.Mutex
	state       models.BufferState
	lastPos     time.Duration
	lastSample  time.Time
	stalled     bool
	waiting     bool
	stallTimes  []time.Time
	stallWindow time.Duration
	online      func() bool
	logger      *log.Entry
}

type BufferOption func(*BufferMonitor)

// WithConnectivity supplies the host's online signal.
func WithConnectivity(online func() bool) BufferOption {
	return func(m *BufferMonitor) {
		m.online = online
	}
}

func WithStallWindow(window time.Duration) BufferOption {
	return func(m *BufferMonitor) {
		if window > 0 {
			m.stallWindow = window
		}
	}
}

func NewBufferMonitor(opts ...BufferOption) *BufferMonitor {
	m := &BufferMonitor{
		state: models.BufferState{
			Health:         models.HealthPoor,
			NetworkQuality: models.NetworkGood,
		},
		stallWindow: DefaultStallWindow,
		online:      func() bool { return true },
		logger: log.WithFields(log.Fields{
			"module": "buffer-monitor",
		}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *BufferMonitor) State() models.BufferState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// Reset drops the playhead baseline and any open stall episode. Called on
// track change; the session stall count is kept.
func (m *BufferMonitor) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.resetBaselineLocked()
	m.stalled = false
	m.waiting = false
	m.state.IsBuffering = false
}

// ResetStalls clears the session stall count and history.
func (m *BufferMonitor) ResetStalls() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stallTimes = nil
	m.state.StallCount = 0
}

func (m *BufferMonitor) resetBaselineLocked() {
	m.lastSample = time.Time{}
	m.lastPos = 0
}

// Sample compares the wall-clock advance since the previous sample with the
// playhead advance. It reports the new state and whether a stall episode
// started on this sample.
func (m *BufferMonitor) Sample(now time.Time, p audio.Primitive, playing bool) (models.BufferState, bool) {
	pos := p.CurrentTime()
	ready := p.ReadyState()
	ahead := audio.BufferedAhead(p)
	remaining := audio.Remaining(p)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	started := false
	if !playing {
		m.resetBaselineLocked()
		m.stalled = false
		m.waiting = false
	} else if m.lastSample.IsZero() {
		m.lastSample = now
		m.lastPos = pos
	} else {
		expected := now.Sub(m.lastSample)
		actual := pos - m.lastPos
		m.lastSample = now
		m.lastPos = pos

		notAdvancing := actual < expected/2 && remaining > 0
		stalledNow := notAdvancing && ready < audio.HaveFutureData
		if stalledNow && !m.stalled {
			started = m.beginStallLocked(now)
		}
		if !stalledNow && !m.waiting {
			m.stalled = false
		}
	}

	m.state.IsBuffering = m.stalled || m.waiting
	m.state.BufferedSeconds = ahead.Seconds()
	m.state.Health = classifyHealth(ahead, remaining)
	m.state.NetworkQuality = m.qualityLocked(now)
	return m.state, started
}

// HandleEvent reacts to waiting/playing from the active primitive. A waiting
// event while no episode is open starts one and reports it as an underrun;
// the episode also counts towards StallCount like a sampled stall.
func (m *BufferMonitor) HandleEvent(ev audio.Event, now time.Time) (models.BufferState, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	underrun := false
	switch ev.Type {
	case audio.EventWaiting:
		m.waiting = true
		if !m.stalled {
			underrun = m.beginStallLocked(now)
		}
	case audio.EventPlaying, audio.EventCanPlay:
		m.waiting = false
		m.stalled = false
		m.resetBaselineLocked()
	case audio.EventLoadStart:
		m.resetBaselineLocked()
	default:
		return m.state, false
	}
	m.state.IsBuffering = m.stalled || m.waiting
	m.state.NetworkQuality = m.qualityLocked(now)
	return m.state, underrun
}

func (m *BufferMonitor) beginStallLocked(now time.Time) bool {
	m.stalled = true
	m.state.StallCount++
	m.stallTimes = append(m.stallTimes, now)
	m.logger.Debugf("stall episode %d started", m.state.StallCount)
	return true
}

func (m *BufferMonitor) qualityLocked(now time.Time) models.NetworkQuality {
	if !m.online() {
		return models.NetworkOffline
	}
	cutoff := now.Add(-m.stallWindow)
	kept := m.stallTimes[:0]
	for _, t := range m.stallTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.stallTimes = kept
	return classifyNetwork(len(kept), m.state.Health)
}

// classifyHealth grades seconds buffered ahead of the playhead. Media fully
// buffered to its end is always good.
func classifyHealth(ahead, remaining time.Duration) models.BufferHealth {
	switch {
	case remaining > 0 && ahead >= remaining:
		return models.HealthGood
	case ahead >= goodAhead:
		return models.HealthGood
	case ahead >= fairAhead:
		return models.HealthFair
	default:
		return models.HealthPoor
	}
}

func classifyNetwork(recentStalls int, health models.BufferHealth) models.NetworkQuality {
	switch {
	case recentStalls >= 3, recentStalls > 0 && health == models.HealthPoor:
		return models.NetworkPoor
	case recentStalls == 0 && health == models.HealthGood:
		return models.NetworkExcellent
	default:
		return models.NetworkGood
	}
}
