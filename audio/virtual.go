package audio

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Prober checks that a source is reachable before a VirtualPrimitive accepts it.
type Prober func(ctx context.Context, url string) error

// HTTPProber issues a HEAD request and rejects 4xx/5xx responses.
func HTTPProber(client *http.Client) Prober {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, url string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("source responded %s", resp.Status)
		}
		return nil
	}
}

// VirtualPrimitive is a headless Primitive: it keeps a wall-clock playhead
// instead of decoding audio. It backs the HTTP server and tests.
type VirtualPrimitive struct {
	mutex    sync.Mutex
	src      string
	duration time.Duration
	position time.Duration
	volume   float64
	ready    ReadyState
	loading  bool
	playing  bool
	closed   bool
	stop     chan struct{}
	events   chan Event
	probe    Prober
	tick     time.Duration
	logger   *log.Entry
}

type VirtualOption func(*VirtualPrimitive)

func WithProber(probe Prober) VirtualOption {
	return func(v *VirtualPrimitive) {
		v.probe = probe
	}
}

func WithTick(tick time.Duration) VirtualOption {
	return func(v *VirtualPrimitive) {
		v.tick = tick
	}
}

func NewVirtualPrimitive(name string, opts ...VirtualOption) *VirtualPrimitive {
	v := &VirtualPrimitive{
		volume: 1,
		events: make(chan Event, 256),
		tick:   250 * time.Millisecond,
		logger: log.WithFields(log.Fields{
			"module": "virtual-primitive",
			"deck":   name,
		}),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *VirtualPrimitive) Load(ctx context.Context, media Media) error {
	v.mutex.Lock()
	if v.closed {
		v.mutex.Unlock()
		return ErrNoSource
	}
	v.haltLocked()
	v.src = media.URL
	v.duration = 0
	v.position = 0
	v.ready = HaveNothing
	v.loading = true
	v.mutex.Unlock()
	v.emit(Event{Type: EventLoadStart, Src: media.URL})

	var err error
	if v.probe != nil && media.Data == nil {
		err = v.probe(ctx, media.URL)
	}

	v.mutex.Lock()
	if v.src != media.URL {
		// a newer Load replaced this one
		v.mutex.Unlock()
		return ErrPlaybackInterrupted
	}
	v.loading = false
	if err != nil {
		v.mutex.Unlock()
		v.emit(Event{Type: EventError, Src: media.URL, Err: err})
		return err
	}
	v.duration = media.Duration
	v.ready = HaveEnoughData
	v.mutex.Unlock()

	v.emit(Event{Type: EventLoadedMetadata, Src: media.URL})
	v.emit(Event{Type: EventProgress, Src: media.URL})
	v.emit(Event{Type: EventCanPlay, Src: media.URL})
	return nil
}

func (v *VirtualPrimitive) Play(ctx context.Context) error {
	v.mutex.Lock()
	if v.loading {
		v.mutex.Unlock()
		return ErrPlaybackInterrupted
	}
	if v.src == "" || v.ready < HaveMetadata {
		v.mutex.Unlock()
		return ErrNoSource
	}
	if v.playing {
		v.mutex.Unlock()
		return nil
	}
	if v.position >= v.duration {
		v.position = 0
	}
	v.playing = true
	stop := make(chan struct{})
	v.stop = stop
	src := v.src
	pos := v.position
	v.mutex.Unlock()

	v.emit(Event{Type: EventPlaying, Src: src, CurrentTime: pos})
	go v.run(stop)
	return nil
}

func (v *VirtualPrimitive) run(stop chan struct{}) {
	ticker := time.NewTicker(v.tick)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			v.mutex.Lock()
			if v.stop != stop {
				v.mutex.Unlock()
				return
			}
			v.position += now.Sub(last)
			last = now
			ended := v.position >= v.duration
			if ended {
				v.position = v.duration
				v.playing = false
				v.stop = nil
			}
			ev := Event{Type: EventTimeUpdate, Src: v.src, CurrentTime: v.position}
			v.mutex.Unlock()

			v.emit(ev)
			if ended {
				v.emit(Event{Type: EventEnded, Src: ev.Src, CurrentTime: ev.CurrentTime})
				return
			}
		}
	}
}

func (v *VirtualPrimitive) haltLocked() {
	if v.stop != nil {
		close(v.stop)
		v.stop = nil
	}
	v.playing = false
}

func (v *VirtualPrimitive) Pause() {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.haltLocked()
}

func (v *VirtualPrimitive) Seek(position time.Duration) error {
	v.mutex.Lock()
	if v.src == "" {
		v.mutex.Unlock()
		return ErrNoSource
	}
	if position < 0 {
		position = 0
	}
	if v.duration > 0 && position > v.duration {
		position = v.duration
	}
	v.position = position
	src := v.src
	v.mutex.Unlock()
	v.emit(Event{Type: EventTimeUpdate, Src: src, CurrentTime: position})
	return nil
}

func (v *VirtualPrimitive) SetVolume(volume float64) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.volume = volume
}

func (v *VirtualPrimitive) Volume() float64 {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.volume
}

func (v *VirtualPrimitive) CurrentTime() time.Duration {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.position
}

func (v *VirtualPrimitive) Duration() time.Duration {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.duration
}

// Buffered reports the whole source as buffered once loaded.
func (v *VirtualPrimitive) Buffered() []TimeRange {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if v.ready < HaveMetadata {
		return nil
	}
	return []TimeRange{{Start: 0, End: v.duration}}
}

func (v *VirtualPrimitive) ReadyState() ReadyState {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.ready
}

func (v *VirtualPrimitive) Src() string {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.src
}

func (v *VirtualPrimitive) Events() <-chan Event {
	return v.events
}

func (v *VirtualPrimitive) Close() error {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if v.closed {
		return nil
	}
	v.haltLocked()
	v.closed = true
	close(v.events)
	return nil
}

func (v *VirtualPrimitive) emit(ev Event) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if v.closed {
		return
	}
	select {
	case v.events <- ev:
	default:
		v.logger.Warnf("event channel is full, dropping %s", ev.Type)
	}
}
