// Package engine is the root object of the playback engine. It wires the state
// store to the audio player, monitors, prefetcher and persistence, runs their
// timers and exposes commands, a read model and one event subscription.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"playdeck/audio"
	"playdeck/config"
	"playdeck/controller"
	"playdeck/kv"
	"playdeck/models"
	"playdeck/monitor"
	"playdeck/persist"
	"playdeck/prefetch"
	"playdeck/sentry"
	"playdeck/smartqueue"
)

const DefaultPositionInterval = 5 * time.Second

type Options struct {
	Primary   audio.Primitive
	Secondary audio.Primitive
	// Storage backs queue and position persistence; nil keeps them in memory.
	Storage kv.Store
	Cache   prefetch.Cache
	Fetcher prefetch.Fetcher
	Network prefetch.NetworkProbe
	// Catalog enables the smart queue refill when set.
	Catalog     smartqueue.Catalog
	Ranker      smartqueue.Ranker
	MinUpcoming int
	RefillDelay time.Duration

	Player              audio.PlayerOptions
	PrefetchWindow      int
	PrefetchConcurrency int
	// StallWindow is how far back stalls count towards network quality.
	StallWindow      time.Duration
	SampleInterval   time.Duration
	PositionInterval time.Duration
	MetricsInterval  time.Duration
}

// OptionsFromConfig fills the tunables from the loaded configuration.
func OptionsFromConfig(cfg *config.ConfigStruct) Options {
	player := audio.DefaultPlayerOptions()
	player.CrossfadeDuration = cfg.Playback.CrossfadeDuration
	player.PreloadThreshold = cfg.Playback.PreloadThreshold
	player.SwitchDebounce = cfg.Playback.SwitchDebounce
	return Options{
		Player:              player,
		PrefetchWindow:      cfg.Prefetch.Window,
		PrefetchConcurrency: cfg.Prefetch.Concurrency,
		MinUpcoming:         cfg.SmartQueue.MinUpcoming,
		StallWindow:         cfg.Playback.StallWindow,
		MetricsInterval:     cfg.Playback.MetricsInterval,
	}
}

type Engine struct {
	sessionID  string
	store      *controller.Store
	player     *audio.Player
	buffer     *monitor.BufferMonitor
	perf       *monitor.PerformanceMonitor
	prefetcher *prefetch.Scheduler
	storage    *kv.Resilient
	queue      *persist.QueueStore
	history    *persist.History
	positions  *persist.PositionStore
	refiller   *smartqueue.Refiller
	opts       Options

	mutex       sync.Mutex
	subscribers map[int]func(Event)
	nextSub     int
	currentTime time.Duration
	duration    time.Duration
	bufferState models.BufferState
	unplayable  map[string]bool

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
	closed      bool
	closeOnce   sync.Once
	logger      *log.Entry
}

func New(opts Options) *Engine {
	if opts.Primary == nil {
		opts.Primary = audio.NewVirtualPrimitive("primary")
	}
	if opts.Secondary == nil {
		opts.Secondary = audio.NewVirtualPrimitive("secondary")
	}
	if opts.Cache == nil {
		opts.Cache = prefetch.NewMemoryCache()
	}
	if opts.Fetcher == nil {
		opts.Fetcher = prefetch.NewHTTPFetcher(nil, 0)
	}
	if opts.Network == nil {
		opts.Network = prefetch.AlwaysOnline
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = monitor.DefaultSampleInterval
	}
	if opts.PositionInterval <= 0 {
		opts.PositionInterval = DefaultPositionInterval
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = monitor.DefaultMetricsInterval
	}
	if opts.StallWindow <= 0 {
		opts.StallWindow = monitor.DefaultStallWindow
	}
	opts.Player.Cache = opts.Cache

	ctx, cancel := context.WithCancel(context.Background())
	storage := kv.NewResilient(opts.Storage)
	prefetcher := prefetch.NewScheduler(opts.Cache, opts.Fetcher,
		prefetch.WithWindow(opts.PrefetchWindow),
		prefetch.WithNetwork(opts.Network),
		prefetch.WithConcurrency(opts.PrefetchConcurrency),
	)
	buffer := monitor.NewBufferMonitor(
		monitor.WithConnectivity(func() bool { return opts.Network().Online }),
		monitor.WithStallWindow(opts.StallWindow),
	)

	e := &Engine{
		sessionID:  uuid.NewString(),
		store:      controller.NewStore(),
		player:     audio.NewPlayer(opts.Primary, opts.Secondary, opts.Player),
		buffer:     buffer,
		perf:       monitor.NewPerformanceMonitor(prefetcher.HitRate),
		prefetcher: prefetcher,
		storage:    storage,
		queue:      persist.NewQueueStore(storage),
		history:    persist.NewHistory(persist.DefaultHistoryCapacity),
		positions:  persist.NewPositionStore(storage),
		opts:       opts,

		subscribers: make(map[int]func(Event)),
		unplayable:  make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
	e.logger = log.WithFields(log.Fields{
		"module":  "engine",
		"session": e.sessionID,
	})

	if opts.Catalog != nil {
		e.refiller = smartqueue.NewRefiller(opts.Catalog, opts.Ranker, e.applyRefill,
			smartqueue.WithMinUpcoming(opts.MinUpcoming),
			smartqueue.WithSettleDelay(lo.Ternary(opts.RefillDelay > 0, opts.RefillDelay, smartqueue.DefaultSettleDelay)),
		)
	}

	if saved, ok := e.queue.Load(ctx); ok {
		e.store.Restore(saved.Queue, saved.CurrentIndex, saved.Shuffle, saved.Repeat)
		e.store.SetPlayerMode(saved.Mode)
		e.logger.Infof("restored queue of %d tracks at %d", len(saved.Queue), saved.CurrentIndex)
	}
	if err := e.positions.Collect(ctx); err != nil {
		e.logger.Warnf("collecting stale positions: %v", err)
	}
	e.history.Push(e.store.Snapshot())
	e.player.SetVolume(e.store.State().Volume)
	e.unsubscribe = e.store.Subscribe(e.onChange)
	return e
}

func (e *Engine) SessionID() string {
	return e.sessionID
}

// Start loads the restored track paused and starts the event loop and timers.
func (e *Engine) Start() {
	e.mutex.Lock()
	if e.started || e.closed {
		e.mutex.Unlock()
		return
	}
	e.started = true
	e.mutex.Unlock()

	state := e.store.State()
	if state.ActiveTrack != nil {
		e.prefetcher.SetActive(state.ActiveTrack.ID)
		e.player.SwitchTo(*state.ActiveTrack, false)
	}
	e.evaluatePrefetch(state)

	e.wg.Add(4)
	go e.eventLoop()
	go e.sampleLoop()
	go e.positionLoop()
	go func() {
		defer e.wg.Done()
		e.perf.Run(e.ctx, e.opts.MetricsInterval, func(m models.PerformanceMetrics) {
			e.emit(MetricsUpdated{Metrics: m})
		})
	}()
	e.logger.Info("engine started")
}

// Close saves the playback position, stops every timer and releases both
// primitives.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.savePosition()
		e.unsubscribe()
		if e.refiller != nil {
			e.refiller.Close()
		}
		e.mutex.Lock()
		e.closed = true
		e.mutex.Unlock()
		e.cancel()
		err = e.player.Close()
		e.wg.Wait()
		e.logger.Info("engine closed")
	})
	return err
}

// Subscribe registers fn for every engine event and returns an unsubscribe
// func. fn runs on engine goroutines and must not block.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = fn
	return func() {
		e.mutex.Lock()
		defer e.mutex.Unlock()
		delete(e.subscribers, id)
	}
}

func (e *Engine) emit(ev Event) {
	e.mutex.Lock()
	subscribers := lo.Values(e.subscribers)
	e.mutex.Unlock()
	for _, fn := range subscribers {
		fn(ev)
	}
}

func (e *Engine) ReadModel() ReadModel {
	state := e.store.State()
	deck := e.player.Current()

	e.mutex.Lock()
	current, duration := e.currentTime, e.duration
	bufferState := e.bufferState
	unplayable := state.ActiveTrack != nil && e.unplayable[state.ActiveTrack.ID]
	e.mutex.Unlock()

	if duration <= 0 && state.ActiveTrack != nil {
		duration = state.ActiveTrack.Duration
	}
	return ReadModel{
		SessionID:       e.sessionID,
		Status:          e.store.Status(),
		CurrentTime:     current.Seconds(),
		Duration:        duration.Seconds(),
		BufferedPercent: bufferedPercent(deck, duration),
		IsPlaying:       state.IsPlaying,
		ActiveTrack:     state.ActiveTrack,
		Queue:           state.Queue,
		CurrentIndex:    state.CurrentIndex,
		Shuffle:         state.Shuffle,
		Repeat:          state.Repeat,
		Volume:          state.Volume,
		Mode:            state.Mode,
		Unplayable:      unplayable,
		BufferState:     bufferState,
		Metrics:         e.perf.Metrics(),
		CanUndo:         e.history.CanUndo(),
		CanRedo:         e.history.CanRedo(),
		StorageDegraded: e.storage.Degraded(),
	}
}

func bufferedPercent(deck audio.Primitive, duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	var end time.Duration
	for _, r := range deck.Buffered() {
		end = max(end, r.End)
	}
	return min(100, float64(end)/float64(duration)*100)
}

// onChange runs after every committed store mutation.
func (e *Engine) onChange(change controller.Change) {
	state := change.State
	if change.TrackChanged {
		e.buffer.Reset()
		e.mutex.Lock()
		e.currentTime = 0
		e.duration = 0
		if state.ActiveTrack != nil {
			delete(e.unplayable, state.ActiveTrack.ID)
			e.duration = state.ActiveTrack.Duration
		}
		e.mutex.Unlock()
		if state.ActiveTrack != nil {
			e.prefetcher.SetActive(state.ActiveTrack.ID)
		}
	}

	switch change.Type {
	case controller.ChangeSwitched, controller.ChangeVolume:
	default:
		saved := persist.FromState(state)
		saved.Seq = change.Seq
		if err := e.queue.Save(e.ctx, saved); err != nil {
			e.logger.Warnf("saving queue: %v", err)
		}
	}

	switch change.Type {
	case controller.ChangeTrack, controller.ChangeQueue, controller.ChangeRestore, controller.ChangeShuffle, controller.ChangeRepeat:
		e.evaluatePrefetch(state)
		if e.refiller != nil {
			e.refiller.Schedule(state)
		}
	}

	e.emit(StateChanged{Seq: change.Seq, Change: change.Type, State: state})
}

// evaluatePrefetch runs one prefetch pass in the background. The closed check
// and wg.Add share the mutex so Close never waits on a group that can grow.
func (e *Engine) evaluatePrefetch(state models.PlayerState) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res, err := e.prefetcher.Evaluate(e.ctx, state)
		if err != nil {
			return
		}
		if !res.Skipped {
			e.logger.Debugf("prefetch: %d fetched, %d cached, %d discarded", res.Fetched, res.Hits, res.Discarded)
		}
	}()
}

// applyRefill appends smart queue picks. It is not a manual edit, so it does
// not enter the undo history.
func (e *Engine) applyRefill(tracks []models.Track) {
	if e.ctx.Err() != nil || len(tracks) == 0 {
		return
	}
	e.store.AddToQueue(tracks...)
}

func (e *Engine) eventLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.player.Events():
			e.handleEvent(ev)
		case n := <-e.player.Notifications:
			e.handleNotification(n)
		}
	}
}

func (e *Engine) activeTrack() *models.Track {
	return e.store.State().ActiveTrack
}

func (e *Engine) handleEvent(ev audio.Event) {
	active := e.activeTrack()
	if active == nil || ev.TrackID != active.ID {
		return
	}

	switch ev.Type {
	case audio.EventTimeUpdate:
		e.onTimeUpdate(ev)
	case audio.EventEnded:
		e.onEnded(ev.TrackID)
	case audio.EventError:
		e.logger.Errorf("playback of %s failed mid-stream: %v", ev.TrackID, ev.Err)
		if ev.Err != nil {
			sentry.ReportError(ev.Err)
		}
		e.store.PauseTrack()
		e.player.Pause()
		e.emit(PlaybackFailed{TrackID: ev.TrackID, Err: ev.Err})
	case audio.EventWaiting, audio.EventPlaying, audio.EventCanPlay, audio.EventLoadStart:
		state, underrun := e.buffer.HandleEvent(ev, time.Now())
		if underrun {
			// a waiting episode is a stall as well as an underrun
			e.perf.RecordStall()
			e.perf.RecordUnderrun()
		}
		e.setBufferState(state)
	}
}

func (e *Engine) onTimeUpdate(ev audio.Event) {
	deck := e.player.Current()
	duration := deck.Duration()

	e.mutex.Lock()
	e.currentTime = ev.CurrentTime
	if duration > 0 {
		e.duration = duration
	}
	duration = e.duration
	e.mutex.Unlock()
	e.emit(TimeUpdate{TrackID: ev.TrackID, CurrentTime: ev.CurrentTime, Duration: duration})

	state := e.store.State()
	if !state.IsPlaying || state.Repeat == models.RepeatOne {
		return
	}
	next := e.store.PeekNext()
	e.player.CheckPreload(next)
	if next != nil && e.player.ReadyToCrossfade(next.ID) {
		e.advance(ev.TrackID)
	}
}

func (e *Engine) onEnded(trackID string) {
	if e.store.State().Repeat == models.RepeatOne {
		e.logger.Debugf("repeating %s", trackID)
		e.clearPosition(trackID)
		e.player.Restart()
		e.mutex.Lock()
		e.currentTime = 0
		duration := e.duration
		e.mutex.Unlock()
		e.emit(TimeUpdate{TrackID: trackID, CurrentTime: 0, Duration: duration})
		return
	}
	e.advance(trackID)
}

func (e *Engine) clearPosition(trackID string) {
	if err := e.positions.Remove(e.ctx, trackID); err != nil {
		e.logger.Warnf("clearing position of %s: %v", trackID, err)
	}
}

// advance moves on from a finished (or finishing) track, crossfading when the
// next source is already warm.
func (e *Engine) advance(from string) {
	e.clearPosition(from)
	if !e.store.NextTrack() {
		e.logger.Debugf("end of queue after %s", from)
		e.store.PauseTrack()
		e.player.Pause()
		return
	}
	next := e.activeTrack()
	if next == nil {
		return
	}
	e.player.Advance(*next, true)
}

func (e *Engine) handleNotification(n audio.PlaybackNotification) {
	switch n.Event {
	case audio.PlaybackLoaded:
		if n.LoadTime > 0 {
			e.perf.RecordLoadTime(n.LoadTime)
		}
		e.store.ConfirmSwitch(n.TrackID)
		e.restorePosition(n.TrackID)
	case audio.PlaybackPreloaded:
		if n.LoadTime > 0 {
			e.perf.RecordLoadTime(n.LoadTime)
		}
	case audio.PlaybackCrossfaded:
		e.store.ConfirmSwitch(n.TrackID)
	case audio.PlaybackUnplayable:
		e.mutex.Lock()
		e.unplayable[n.TrackID] = true
		e.mutex.Unlock()
		if active := e.activeTrack(); active != nil && active.ID == n.TrackID {
			e.store.ConfirmSwitch(n.TrackID)
			e.store.PauseTrack()
		}
		e.emit(TrackUnplayable{TrackID: n.TrackID, Err: n.Error})
	case audio.PlaybackLoadError:
		e.logger.Warnf("load of %s failed: %v", n.TrackID, n.Error)
	case audio.PlaybackError:
		e.emit(PlaybackFailed{TrackID: n.TrackID, Err: n.Error})
	default:
		e.logger.Tracef("playback %s: %s", n.Event, n.TrackID)
	}
}

func (e *Engine) restorePosition(trackID string) {
	active := e.activeTrack()
	if active == nil || active.ID != trackID {
		return
	}
	pos, ok := e.positions.Restore(e.ctx, trackID, active.Duration.Seconds())
	if !ok {
		return
	}
	at := time.Duration(pos * float64(time.Second))
	if err := e.player.Seek(at); err != nil {
		e.logger.Warnf("resuming %s at %v: %v", trackID, at, err)
		return
	}
	e.mutex.Lock()
	e.currentTime = at
	e.mutex.Unlock()
	e.emit(TimeUpdate{TrackID: trackID, CurrentTime: at, Duration: active.Duration})
}

func (e *Engine) setBufferState(state models.BufferState) {
	e.mutex.Lock()
	changed := state != e.bufferState
	e.bufferState = state
	e.mutex.Unlock()
	if changed {
		e.emit(BufferChanged{State: state})
	}
}

func (e *Engine) sampleLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			// load time after a switch is not a stall
			playing := e.store.State().IsPlaying && !e.player.IsRamping() && e.store.Status() != controller.StateSwitching
			state, stalled := e.buffer.Sample(now, e.player.Current(), playing)
			if stalled {
				e.perf.RecordStall()
			}
			e.setBufferState(state)
		}
	}
}

func (e *Engine) positionLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.PositionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.store.State().IsPlaying {
				e.savePosition()
			}
		}
	}
}

func (e *Engine) savePosition() {
	trackID := e.player.CurrentTrackID()
	if trackID == "" {
		return
	}
	deck := e.player.Current()
	pos := models.PlaybackPosition{
		TrackID:   trackID,
		Position:  deck.CurrentTime().Seconds(),
		Duration:  deck.Duration().Seconds(),
		Timestamp: time.Now(),
	}
	if err := e.positions.Save(context.WithoutCancel(e.ctx), pos); err != nil {
		e.logger.Warnf("saving position of %s: %v", trackID, err)
	}
}
