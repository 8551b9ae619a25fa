package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"

	"playdeck/models"
)

type PlayerOptions struct {
	CrossfadeDuration time.Duration
	PreloadThreshold  time.Duration
	SwitchDebounce    time.Duration
	RampStep          time.Duration
	LoadTimeout       time.Duration
	PlaySettleTimeout time.Duration
	// Cache is consulted before each source tier is fetched; nil disables it.
	Cache SourceCache
}

func DefaultPlayerOptions() PlayerOptions {
	return PlayerOptions{
		CrossfadeDuration: 2 * time.Second,
		PreloadThreshold:  10 * time.Second,
		SwitchDebounce:    150 * time.Millisecond,
		RampStep:          20 * time.Millisecond,
		LoadTimeout:       30 * time.Second,
		PlaySettleTimeout: 2 * time.Second,
	}
}

// Player owns the primary and secondary primitives. Exactly one deck is
// active; the other is idle or holds the preloaded next track. Both are
// audible only while a crossfade ramp is running.
type Player struct {
	Notifications chan PlaybackNotification
	events        chan Event
	decks         [2]Primitive
	deckTrack     [2]string
	active        int
	incoming      int
	preloaded     string
	preloading    string
	volume        float64
	inflight      chan struct{}
	wantPlay      atomic.Bool
	ramping       atomic.Bool
	generation    atomic.Uint64
	debouncer     *Debouncer
	loader        *Loader
	opts          PlayerOptions
	mutex         sync.Mutex
	loadMutex     sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	logger        *log.Entry
}

func NewPlayer(primary, secondary Primitive, opts PlayerOptions) *Player {
	defaults := DefaultPlayerOptions()
	if opts.RampStep <= 0 {
		opts.RampStep = defaults.RampStep
	}
	if opts.PlaySettleTimeout <= 0 {
		opts.PlaySettleTimeout = defaults.PlaySettleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		Notifications: make(chan PlaybackNotification, 100),
		events:        make(chan Event, 100),
		decks:         [2]Primitive{primary, secondary},
		incoming:      -1,
		volume:        1,
		debouncer:     NewDebouncer(opts.SwitchDebounce),
		loader:        NewLoader(opts.LoadTimeout, opts.Cache),
		opts:          opts,
		ctx:           ctx,
		cancel:        cancel,
		logger: log.WithFields(log.Fields{
			"module": "player",
		}),
	}
	for i := range p.decks {
		go p.forwardEvents(i)
	}
	return p
}

// Events delivers primitive events from the deck currently carrying the
// active track, tagged with its track id.
func (p *Player) Events() <-chan Event {
	return p.events
}

func (p *Player) forwardEvents(idx int) {
	for ev := range p.decks[idx].Events() {
		p.mutex.Lock()
		route := p.routeLocked()
		trackID := p.deckTrack[idx]
		if idx != route {
			if ev.Type == EventError && trackID != "" && p.preloaded == trackID {
				p.logger.Warnf("preloaded source for %s failed: %v", trackID, ev.Err)
				p.preloaded = ""
				p.deckTrack[idx] = ""
			}
			p.mutex.Unlock()
			continue
		}
		p.mutex.Unlock()

		ev.TrackID = trackID
		select {
		case p.events <- ev:
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Player) routeLocked() int {
	if p.incoming >= 0 {
		return p.incoming
	}
	return p.active
}

// Current returns the primitive carrying the active track.
func (p *Player) Current() Primitive {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.decks[p.routeLocked()]
}

func (p *Player) CurrentTrackID() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.deckTrack[p.routeLocked()]
}

func (p *Player) PreloadedTrackID() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.preloaded
}

func (p *Player) IsRamping() bool {
	return p.ramping.Load()
}

// SwitchTo hard-cuts to track after the debounce window; a burst of calls
// only loads the last one.
func (p *Player) SwitchTo(track models.Track, autoplay bool) {
	p.wantPlay.Store(autoplay)
	p.debouncer.Trigger(func() {
		gen := p.generation.Add(1)
		go p.hardCut(gen, track)
	})
}

// Advance moves to next at end of track: a crossfade when the inactive deck
// already holds next, a hard cut otherwise.
func (p *Player) Advance(next models.Track, autoplay bool) {
	p.debouncer.Cancel()
	p.wantPlay.Store(autoplay)
	gen := p.generation.Add(1)
	go func() {
		p.loadMutex.Lock()
		defer p.loadMutex.Unlock()
		if gen != p.generation.Load() {
			return
		}

		p.mutex.Lock()
		canFade := autoplay && p.preloaded == next.ID && p.opts.CrossfadeDuration > 0
		p.mutex.Unlock()

		if canFade && p.ramping.CompareAndSwap(false, true) {
			p.crossfade(gen, next.ID, p.opts.CrossfadeDuration)
			return
		}
		p.hardCutLocked(gen, next)
	}()
}

// ReadyToCrossfade reports whether the active deck is within the crossfade
// window of its end and nextID is already warmed in the other deck.
func (p *Player) ReadyToCrossfade(nextID string) bool {
	if p.ramping.Load() || p.opts.CrossfadeDuration <= 0 {
		return false
	}
	p.mutex.Lock()
	deck := p.decks[p.active]
	ready := p.preloaded != "" && p.preloaded == nextID
	p.mutex.Unlock()
	return ready && deck.Duration() > 0 && Remaining(deck) <= p.opts.CrossfadeDuration
}

// CheckPreload warms next into the inactive deck once the active one is
// within the preload threshold of its end.
func (p *Player) CheckPreload(next *models.Track) {
	if next == nil {
		return
	}
	p.mutex.Lock()
	deck := p.decks[p.active]
	p.mutex.Unlock()
	if deck.Duration() <= 0 || Remaining(deck) > p.opts.PreloadThreshold {
		return
	}
	p.Preload(*next)
}

func (p *Player) Preload(next models.Track) {
	p.mutex.Lock()
	if p.ramping.Load() || p.preloaded == next.ID || p.preloading == next.ID || p.deckTrack[p.active] == next.ID {
		p.mutex.Unlock()
		return
	}
	idx := 1 - p.active
	deck := p.decks[idx]
	p.preloading = next.ID
	p.preloaded = ""
	p.deckTrack[idx] = ""
	p.mutex.Unlock()

	gen := p.generation.Load()
	go func() {
		deck.Pause()
		res, err := p.loader.Load(p.ctx, deck, next)

		p.mutex.Lock()
		defer p.mutex.Unlock()
		if p.preloading == next.ID {
			p.preloading = ""
		}
		if err != nil {
			p.logger.Warnf("preload of %s failed: %v", next.ID, err)
			return
		}
		if gen != p.generation.Load() || idx == p.active || p.incoming >= 0 {
			p.logger.Debugf("discarding stale preload of %s", next.ID)
			return
		}
		deck.SetVolume(0)
		p.deckTrack[idx] = next.ID
		p.preloaded = next.ID
		p.notify(PlaybackNotification{Event: PlaybackPreloaded, TrackID: next.ID, Tier: string(res.Tier), LoadTime: res.Duration})
	}()
}

func (p *Player) hardCut(gen uint64, track models.Track) {
	p.loadMutex.Lock()
	defer p.loadMutex.Unlock()
	p.hardCutLocked(gen, track)
}

func (p *Player) hardCutLocked(gen uint64, track models.Track) {
	if gen != p.generation.Load() {
		p.notify(PlaybackNotification{Event: PlaybackLoadCanceled, TrackID: track.ID})
		return
	}
	p.awaitInflight()

	p.mutex.Lock()
	idx := p.active
	if p.preloaded == track.ID {
		old := idx
		idx = 1 - idx
		p.active = idx
		p.preloaded = ""
		volume := p.volume
		p.mutex.Unlock()

		p.decks[old].Pause()
		deck := p.decks[idx]
		if err := deck.Seek(0); err != nil {
			p.logger.Debugf("seek to start of preloaded %s failed: %v", track.ID, err)
		}
		deck.SetVolume(volume)
		p.notify(PlaybackNotification{Event: PlaybackLoaded, TrackID: track.ID, Tier: "preloaded"})
	} else {
		deck := p.decks[idx]
		p.deckTrack[idx] = ""
		p.mutex.Unlock()

		deck.Pause()
		p.notify(PlaybackNotification{Event: PlaybackLoading, TrackID: track.ID})
		res, err := p.loader.Load(p.ctx, deck, track)
		if gen != p.generation.Load() {
			p.logger.Debugf("load of %s superseded", track.ID)
			p.notify(PlaybackNotification{Event: PlaybackLoadCanceled, TrackID: track.ID})
			return
		}
		if err != nil {
			event := PlaybackLoadError
			if errors.Is(err, ErrUnplayable) {
				event = PlaybackUnplayable
			}
			p.notify(PlaybackNotification{Event: event, TrackID: track.ID, Error: err})
			return
		}

		p.mutex.Lock()
		p.deckTrack[idx] = track.ID
		volume := p.volume
		p.mutex.Unlock()
		deck.SetVolume(volume)
		p.notify(PlaybackNotification{Event: PlaybackLoaded, TrackID: track.ID, Tier: string(res.Tier), LoadTime: res.Duration})
	}

	if p.wantPlay.Load() {
		p.startPlay(gen, idx)
	}
}

// crossfade ramps the active deck out and the preloaded deck in, then swaps
// which deck is active. The outgoing deck is paused only after the ramp.
func (p *Player) crossfade(gen uint64, trackID string, d time.Duration) {
	defer p.ramping.Store(false)

	p.mutex.Lock()
	out := p.active
	in := 1 - out
	p.incoming = in
	outgoing, incoming := p.decks[out], p.decks[in]
	p.mutex.Unlock()

	p.logger.Debugf("crossfading into %s over %v", trackID, d)
	incoming.SetVolume(0)
	p.startPlay(gen, in)

	ticker := time.NewTicker(p.opts.RampStep)
	defer ticker.Stop()

	start := time.Now()
	aborted := false
	for {
		progress := float64(time.Since(start)) / float64(d)
		if progress > 1 {
			progress = 1
		}
		o, i := CrossfadeGains(progress, p.Volume())
		outgoing.SetVolume(o)
		incoming.SetVolume(i)
		if progress >= 1 {
			break
		}
		if gen != p.generation.Load() || !p.wantPlay.Load() {
			aborted = true
			break
		}
		select {
		case <-ticker.C:
		case <-p.ctx.Done():
			aborted = true
		}
		if aborted {
			break
		}
	}

	outgoing.Pause()
	if aborted {
		incoming.SetVolume(p.Volume())
	}

	p.mutex.Lock()
	p.active = in
	p.incoming = -1
	p.preloaded = ""
	p.mutex.Unlock()

	if aborted {
		p.logger.Debugf("crossfade into %s interrupted", trackID)
		return
	}
	p.notify(PlaybackNotification{Event: PlaybackCrossfaded, TrackID: trackID})
}

// startPlay issues Play on deck idx after any in-flight play has settled.
// Interruptions by an overlapping pause or load are expected and swallowed.
func (p *Player) startPlay(gen uint64, idx int) {
	p.awaitInflight()

	done := make(chan struct{})
	p.mutex.Lock()
	p.inflight = done
	deck := p.decks[idx]
	trackID := p.deckTrack[idx]
	p.mutex.Unlock()

	go func() {
		defer close(done)
		err := deck.Play(p.ctx)
		switch {
		case errors.Is(err, ErrPlaybackInterrupted):
			p.logger.Debugf("play of %s interrupted: %v", trackID, err)
		case err != nil:
			p.logger.Errorf("play of %s failed: %v", trackID, err)
			sentry.CaptureException(err)
			p.notify(PlaybackNotification{Event: PlaybackError, TrackID: trackID, Error: err})
		case gen == p.generation.Load():
			p.notify(PlaybackNotification{Event: PlaybackStarted, TrackID: trackID})
		}
	}()
}

func (p *Player) awaitInflight() {
	p.mutex.Lock()
	ch := p.inflight
	p.mutex.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	case <-time.After(p.opts.PlaySettleTimeout):
		p.logger.Debug("in-flight play did not settle, continuing")
	}
}

func (p *Player) Resume() {
	p.wantPlay.Store(true)
	p.mutex.Lock()
	idx := p.routeLocked()
	loaded := p.deckTrack[idx] != ""
	p.mutex.Unlock()
	if !loaded {
		return
	}
	p.startPlay(p.generation.Load(), idx)
	p.notify(PlaybackNotification{Event: PlaybackResumed, TrackID: p.CurrentTrackID()})
}

func (p *Player) Pause() {
	p.wantPlay.Store(false)
	p.awaitInflight()
	for _, deck := range p.decks {
		deck.Pause()
	}
	p.notify(PlaybackNotification{Event: PlaybackPaused, TrackID: p.CurrentTrackID()})
}

// Restart replays the current track from the start (repeat one).
func (p *Player) Restart() {
	deck := p.Current()
	if err := deck.Seek(0); err != nil {
		p.logger.Warnf("restart seek failed: %v", err)
	}
	p.wantPlay.Store(true)
	p.mutex.Lock()
	idx := p.routeLocked()
	p.mutex.Unlock()
	p.startPlay(p.generation.Load(), idx)
}

func (p *Player) Seek(position time.Duration) error {
	return p.Current().Seek(position)
}

func (p *Player) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	p.mutex.Lock()
	p.volume = volume
	deck := p.decks[p.active]
	p.mutex.Unlock()
	if !p.ramping.Load() {
		deck.SetVolume(volume)
	}
}

func (p *Player) Volume() float64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.volume
}

func (p *Player) Close() error {
	p.debouncer.Cancel()
	p.generation.Add(1)
	p.cancel()
	var errs []error
	for _, deck := range p.decks {
		errs = append(errs, deck.Close())
	}
	return errors.Join(errs...)
}

func (p *Player) notify(n PlaybackNotification) {
	select {
	case p.Notifications <- n:
	default:
		p.logger.Warnf("playback notifications channel is full, dropping %s", n.Event)
	}
}
