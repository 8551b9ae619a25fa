package audio

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"playdeck/models"
)

type volumeSample struct {
	at    time.Time
	value float64
}

// fakePrimitive records what the player does to it.
type fakePrimitive struct {
	mutex    sync.Mutex
	src      string
	duration time.Duration
	position time.Duration
	volume   float64
	volumes  []volumeSample
	pauses   []time.Time
	playing  bool
	loads    []string
	cached   []string
	fail     map[string]bool
	playErr  error
	events   chan Event
}

func newFakePrimitive() *fakePrimitive {
	return &fakePrimitive{volume: 1, fail: map[string]bool{}, events: make(chan Event, 100)}
}

func (f *fakePrimitive) Load(_ context.Context, m Media) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.loads = append(f.loads, m.URL)
	if m.Data != nil {
		f.cached = append(f.cached, m.URL)
	} else if f.fail[m.URL] {
		return errors.New("404")
	}
	f.src = m.URL
	f.duration = m.Duration
	f.position = 0
	return nil
}

func (f *fakePrimitive) Play(context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.playing = true
	return nil
}

func (f *fakePrimitive) Pause() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.playing = false
	f.pauses = append(f.pauses, time.Now())
}

func (f *fakePrimitive) Seek(p time.Duration) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.position = p
	return nil
}

func (f *fakePrimitive) SetVolume(v float64) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.volume = v
	f.volumes = append(f.volumes, volumeSample{at: time.Now(), value: v})
}

func (f *fakePrimitive) Volume() float64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.volume
}

func (f *fakePrimitive) CurrentTime() time.Duration {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.position
}

func (f *fakePrimitive) Duration() time.Duration {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.duration
}

func (f *fakePrimitive) Buffered() []TimeRange {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return []TimeRange{{Start: 0, End: f.duration}}
}

func (f *fakePrimitive) ReadyState() ReadyState { return HaveEnoughData }

func (f *fakePrimitive) Src() string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.src
}

func (f *fakePrimitive) Events() <-chan Event { return f.events }

func (f *fakePrimitive) Close() error {
	close(f.events)
	return nil
}

func (f *fakePrimitive) snapshot() (loads []string, volumes []volumeSample, pauses []time.Time, playing bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.loads...), append([]volumeSample(nil), f.volumes...), append([]time.Time(nil), f.pauses...), f.playing
}

func track(id string) models.Track {
	return models.Track{
		ID:          id,
		StreamURL:   "https://stream/" + id,
		CachedURL:   "file:///cache/" + id,
		OriginalURL: "https://origin/" + id,
		Duration:    60 * time.Second,
	}
}

func testOptions() PlayerOptions {
	return PlayerOptions{
		CrossfadeDuration: 100 * time.Millisecond,
		PreloadThreshold:  10 * time.Second,
		SwitchDebounce:    30 * time.Millisecond,
		RampStep:          5 * time.Millisecond,
		LoadTimeout:       time.Second,
		PlaySettleTimeout: 100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, p *Player, event PlaybackNotificationType, trackID string) PlaybackNotification {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-p.Notifications:
			if n.Event == event && (trackID == "" || n.TrackID == trackID) {
				return n
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s of %s", event, trackID)
		}
	}
}

func TestEaseInOutCubic(t *testing.T) {
	if EaseInOutCubic(0) != 0 || EaseInOutCubic(1) != 1 {
		t.Fatal("curve must start at 0 and end at 1")
	}
	if math.Abs(EaseInOutCubic(0.5)-0.5) > 1e-9 {
		t.Errorf("EaseInOutCubic(0.5) = %v, want 0.5", EaseInOutCubic(0.5))
	}
	prev := 0.0
	for i := 1; i <= 100; i++ {
		v := EaseInOutCubic(float64(i) / 100)
		if v < prev {
			t.Fatalf("curve not monotonic at %d", i)
		}
		prev = v
	}
	out, in := CrossfadeGains(0.25, 0.8)
	if math.Abs(out+in-0.8) > 1e-9 {
		t.Errorf("gains should sum to the target, got %v + %v", out, in)
	}
}

func TestDebouncerKeepsLastCall(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	var mutex sync.Mutex
	var calls []int
	for i := 0; i < 5; i++ {
		i := i
		d.Trigger(func() {
			mutex.Lock()
			calls = append(calls, i)
			mutex.Unlock()
		})
	}
	time.Sleep(100 * time.Millisecond)
	mutex.Lock()
	defer mutex.Unlock()
	if len(calls) != 1 || calls[0] != 4 {
		t.Fatalf("calls = %v, want [4]", calls)
	}
}

func TestDebouncerCancel(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	fired := make(chan struct{}, 1)
	d.Trigger(func() { fired <- struct{}{} })
	d.Cancel()
	select {
	case <-fired:
		t.Fatal("canceled call fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoaderFallsBackThroughTiers(t *testing.T) {
	f := newFakePrimitive()
	tr := track("a")
	f.fail[tr.StreamURL] = true

	res, err := NewLoader(time.Second, nil).Load(context.Background(), f, tr)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Tier != models.TierCached || f.Src() != tr.CachedURL {
		t.Errorf("loaded tier %s (%s), want cached", res.Tier, f.Src())
	}
}

type lookupCache struct {
	mutex   sync.Mutex
	data    map[string][]byte
	lookups []string
}

func (c *lookupCache) Get(_ context.Context, url string) ([]byte, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lookups = append(c.lookups, url)
	data, ok := c.data[url]
	return data, ok, nil
}

func TestLoaderServesFromCache(t *testing.T) {
	tests := []struct {
		name       string
		cached     func(tr models.Track) string
		failStream bool
		wantTier   models.SourceTier
		wantCached bool
		wantLooks  int
	}{
		{"stream url cached", func(tr models.Track) string { return tr.StreamURL }, true, models.TierStreaming, true, 1},
		{"nothing cached", func(models.Track) string { return "" }, false, models.TierStreaming, false, 1},
		{"miss then cached tier", func(tr models.Track) string { return tr.CachedURL }, true, models.TierCached, true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakePrimitive()
			tr := track("a")
			f.fail[tr.StreamURL] = tt.failStream
			cache := &lookupCache{data: map[string][]byte{}}
			if url := tt.cached(tr); url != "" {
				cache.data[url] = []byte("bytes")
			}

			res, err := NewLoader(time.Second, cache).Load(context.Background(), f, tr)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if res.Tier != tt.wantTier || res.Cached != tt.wantCached {
				t.Errorf("result = %+v, want tier %s cached %v", res, tt.wantTier, tt.wantCached)
			}
			if len(cache.lookups) != tt.wantLooks {
				t.Errorf("cache lookups = %v, want %d", cache.lookups, tt.wantLooks)
			}
			f.mutex.Lock()
			defer f.mutex.Unlock()
			if tt.wantCached && (len(f.cached) != 1 || f.cached[0] != res.URL) {
				t.Errorf("primitive cached loads = %v, want [%s]", f.cached, res.URL)
			}
		})
	}
}

func TestLoaderUnplayable(t *testing.T) {
	f := newFakePrimitive()
	tr := track("a")
	for _, s := range tr.Sources() {
		f.fail[s.URL] = true
	}

	_, err := NewLoader(time.Second, nil).Load(context.Background(), f, tr)
	if !errors.Is(err, ErrUnplayable) {
		t.Fatalf("err = %v, want ErrUnplayable", err)
	}
	var srcErr *SourceLoadError
	if !errors.As(err, &srcErr) {
		t.Fatal("expected a SourceLoadError in the chain")
	}
	loads, _, _, _ := f.snapshot()
	if len(loads) != 3 {
		t.Errorf("tried %d tiers, want 3", len(loads))
	}
}

func TestSwitchToDebouncesRapidRequests(t *testing.T) {
	primary, secondary := newFakePrimitive(), newFakePrimitive()
	p := NewPlayer(primary, secondary, testOptions())
	defer p.Close()

	for _, id := range []string{"a", "b", "c"} {
		p.SwitchTo(track(id), true)
	}
	waitFor(t, p, PlaybackStarted, "c")

	loads, _, _, playing := primary.snapshot()
	if len(loads) != 1 || loads[0] != "https://stream/c" {
		t.Fatalf("loads = %v, want only c", loads)
	}
	if !playing {
		t.Error("expected primary to be playing")
	}
	if p.CurrentTrackID() != "c" {
		t.Errorf("CurrentTrackID() = %s", p.CurrentTrackID())
	}
}

func TestUnplayableTrackIsReported(t *testing.T) {
	primary, secondary := newFakePrimitive(), newFakePrimitive()
	tr := track("bad")
	for _, s := range tr.Sources() {
		primary.fail[s.URL] = true
	}
	p := NewPlayer(primary, secondary, testOptions())
	defer p.Close()

	p.SwitchTo(tr, true)
	n := waitFor(t, p, PlaybackUnplayable, "bad")
	if !errors.Is(n.Error, ErrUnplayable) {
		t.Errorf("notification error = %v", n.Error)
	}
}

func TestCheckPreloadRespectsThreshold(t *testing.T) {
	primary, secondary := newFakePrimitive(), newFakePrimitive()
	p := NewPlayer(primary, secondary, testOptions())
	defer p.Close()

	p.SwitchTo(track("a"), false)
	waitFor(t, p, PlaybackLoaded, "a")

	next := track("b")
	p.CheckPreload(&next)
	time.Sleep(30 * time.Millisecond)
	if loads, _, _, _ := secondary.snapshot(); len(loads) != 0 {
		t.Fatalf("preloaded too early: %v", loads)
	}

	primary.Seek(52 * time.Second)
	p.CheckPreload(&next)
	waitFor(t, p, PlaybackPreloaded, "b")
	if p.PreloadedTrackID() != "b" {
		t.Errorf("PreloadedTrackID() = %q", p.PreloadedTrackID())
	}

	// re-evaluating must not load again
	p.CheckPreload(&next)
	time.Sleep(20 * time.Millisecond)
	if loads, _, _, _ := secondary.snapshot(); len(loads) != 1 {
		t.Errorf("secondary loaded %d times, want 1", len(loads))
	}
}

func TestAdvanceCrossfadesIntoPreloadedDeck(t *testing.T) {
	primary, secondary := newFakePrimitive(), newFakePrimitive()
	opts := testOptions()
	p := NewPlayer(primary, secondary, opts)
	defer p.Close()

	p.SwitchTo(track("a"), true)
	waitFor(t, p, PlaybackStarted, "a")
	p.SetVolume(0.8)

	p.Preload(track("b"))
	waitFor(t, p, PlaybackPreloaded, "b")

	start := time.Now()
	p.Advance(track("b"), true)
	waitFor(t, p, PlaybackCrossfaded, "b")
	elapsed := time.Since(start)

	if elapsed < opts.CrossfadeDuration {
		t.Errorf("ramp finished after %v, faster than %v", elapsed, opts.CrossfadeDuration)
	}
	if elapsed > opts.CrossfadeDuration+300*time.Millisecond {
		t.Errorf("ramp took %v, want about %v", elapsed, opts.CrossfadeDuration)
	}

	_, outVolumes, outPauses, outPlaying := primary.snapshot()
	_, inVolumes, _, inPlaying := secondary.snapshot()

	if last := outVolumes[len(outVolumes)-1]; last.value != 0 {
		t.Errorf("outgoing final volume = %v, want 0", last.value)
	}
	if last := inVolumes[len(inVolumes)-1]; math.Abs(last.value-0.8) > 1e-9 {
		t.Errorf("incoming final volume = %v, want 0.8", last.value)
	}
	if outPlaying || !inPlaying {
		t.Errorf("after ramp outgoing playing=%v incoming playing=%v", outPlaying, inPlaying)
	}
	lastPause := outPauses[len(outPauses)-1]
	if lastPause.Before(outVolumes[len(outVolumes)-1].at) {
		t.Error("outgoing deck paused before its ramp reached zero")
	}
	if p.Current() != Primitive(secondary) || p.CurrentTrackID() != "b" {
		t.Error("secondary deck should now be active")
	}
	if p.IsRamping() {
		t.Error("busy flag still set after the ramp")
	}
}

func TestAdvanceWithoutPreloadHardCuts(t *testing.T) {
	primary, secondary := newFakePrimitive(), newFakePrimitive()
	p := NewPlayer(primary, secondary, testOptions())
	defer p.Close()

	p.SwitchTo(track("a"), true)
	waitFor(t, p, PlaybackStarted, "a")

	p.Advance(track("b"), true)
	waitFor(t, p, PlaybackStarted, "b")

	loads, _, _, _ := primary.snapshot()
	if len(loads) != 2 || loads[1] != "https://stream/b" {
		t.Errorf("primary loads = %v, want a then b", loads)
	}
	if sl, _, _, _ := secondary.snapshot(); len(sl) != 0 {
		t.Errorf("secondary should be untouched, got %v", sl)
	}
}

func TestInterruptedPlayIsSwallowed(t *testing.T) {
	primary, secondary := newFakePrimitive(), newFakePrimitive()
	primary.playErr = ErrPlaybackInterrupted
	p := NewPlayer(primary, secondary, testOptions())
	defer p.Close()

	p.SwitchTo(track("a"), true)
	waitFor(t, p, PlaybackLoaded, "a")

	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case n := <-p.Notifications:
			if n.Event == PlaybackError {
				t.Fatalf("interruption surfaced as error: %v", n.Error)
			}
		case <-timeout:
			return
		}
	}
}

func TestEventsRoutedFromActiveDeck(t *testing.T) {
	primary, secondary := newFakePrimitive(), newFakePrimitive()
	p := NewPlayer(primary, secondary, testOptions())
	defer p.Close()

	p.SwitchTo(track("a"), false)
	waitFor(t, p, PlaybackLoaded, "a")

	secondary.events <- Event{Type: EventTimeUpdate}
	primary.events <- Event{Type: EventEnded}

	select {
	case ev := <-p.Events():
		if ev.Type != EventEnded || ev.TrackID != "a" {
			t.Fatalf("got %+v, want ended from a", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event forwarded")
	}
}

func TestVirtualPrimitivePlaysToEnd(t *testing.T) {
	v := NewVirtualPrimitive("test", WithTick(5*time.Millisecond))
	defer v.Close()

	if err := v.Load(context.Background(), Media{URL: "mem://a", Duration: 40 * time.Millisecond}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := v.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-v.Events():
			if ev.Type == EventEnded {
				if v.CurrentTime() != 40*time.Millisecond {
					t.Errorf("CurrentTime() = %v at end", v.CurrentTime())
				}
				return
			}
		case <-timeout:
			t.Fatal("never ended")
		}
	}
}

func TestVirtualPrimitiveProbeFailure(t *testing.T) {
	v := NewVirtualPrimitive("test", WithProber(func(context.Context, string) error {
		return errors.New("unreachable")
	}))
	defer v.Close()

	if err := v.Load(context.Background(), Media{URL: "mem://a", Duration: time.Second}); err == nil {
		t.Fatal("expected load failure")
	}
	if err := v.Play(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Errorf("Play() = %v, want ErrNoSource", err)
	}
}
