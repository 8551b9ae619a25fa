package audio

import (
	"sync"
	"time"
)

// EaseInOutCubic maps t in [0,1] onto a cubic ease-in-out curve.
func EaseInOutCubic(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	if t < 0.5 {
		return 4 * t * t * t
	}
	f := -2*t + 2
	return 1 - f*f*f/2
}

// CrossfadeGains returns the outgoing and incoming volume for progress in
// [0,1] given the target volume.
func CrossfadeGains(progress, target float64) (out, in float64) {
	g := EaseInOutCubic(progress)
	return target * (1 - g), target * g
}

// Debouncer runs only the most recent of a burst of calls, window after the
// last one.
type Debouncer struct {
	mutex  sync.Mutex
	window time.Duration
	timer  *time.Timer
	seq    uint64
}

func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window}
}

func (d *Debouncer) Trigger(fn func()) {
	d.mutex.Lock()
	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.window <= 0 {
		d.mutex.Unlock()
		fn()
		return
	}
	d.timer = time.AfterFunc(d.window, func() {
		d.mutex.Lock()
		if seq != d.seq {
			d.mutex.Unlock()
			return
		}
		d.timer = nil
		d.mutex.Unlock()
		fn()
	})
	d.mutex.Unlock()
}

// Cancel drops any pending call.
func (d *Debouncer) Cancel() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
