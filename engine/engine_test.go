package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"playdeck/audio"
	"playdeck/controller"
	"playdeck/kv"
	"playdeck/models"
	"playdeck/persist"
)

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	return []byte(url), nil
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk full")
}
func (brokenStore) Set(context.Context, string, string) error { return errors.New("disk full") }
func (brokenStore) Remove(context.Context, string) error      { return errors.New("disk full") }

// gatedStore holds the first queue write after arm until release is closed.
type gatedStore struct {
	*kv.Memory
	mutex   sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{Memory: kv.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) arm() {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.armed = true
}

func (g *gatedStore) Set(ctx context.Context, key, value string) error {
	g.mutex.Lock()
	hold := g.armed && key == persist.QueueKey
	if hold {
		g.armed = false
	}
	g.mutex.Unlock()
	if hold {
		close(g.entered)
		<-g.release
	}
	return g.Memory.Set(ctx, key, value)
}

type staticCatalog []models.Track

func (c staticCatalog) Candidates(context.Context, models.Track, int) ([]models.Track, error) {
	return c, nil
}

func track(id string, d time.Duration) models.Track {
	return models.Track{ID: id, Title: id, StreamURL: "mem://" + id, Duration: d}
}

func testOptions(storage kv.Store, probe audio.Prober) Options {
	deck := func(name string) audio.Primitive {
		opts := []audio.VirtualOption{audio.WithTick(5 * time.Millisecond)}
		if probe != nil {
			opts = append(opts, audio.WithProber(probe))
		}
		return audio.NewVirtualPrimitive(name, opts...)
	}
	return Options{
		Primary:   deck("primary"),
		Secondary: deck("secondary"),
		Storage:   storage,
		Fetcher:   stubFetcher{},
		Player: audio.PlayerOptions{
			CrossfadeDuration: 40 * time.Millisecond,
			PreloadThreshold:  120 * time.Millisecond,
			SwitchDebounce:    5 * time.Millisecond,
			RampStep:          5 * time.Millisecond,
			LoadTimeout:       time.Second,
			PlaySettleTimeout: 100 * time.Millisecond,
		},
		SampleInterval:   10 * time.Millisecond,
		PositionInterval: 20 * time.Millisecond,
		MetricsInterval:  20 * time.Millisecond,
		RefillDelay:      10 * time.Millisecond,
	}
}

func startEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e := New(opts)
	e.Start()
	t.Cleanup(func() { e.Close() })
	return e
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type collector chan Event

func collect(e *Engine) collector {
	c := make(collector, 4096)
	e.Subscribe(func(ev Event) {
		select {
		case c <- ev:
		default:
		}
	})
	return c
}

func (c collector) waitFor(t *testing.T, what string, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func activeID(rm ReadModel) string {
	if rm.ActiveTrack == nil {
		return ""
	}
	return rm.ActiveTrack.ID
}

func queueIDs(rm ReadModel) []string {
	out := make([]string, len(rm.Queue))
	for i, t := range rm.Queue {
		out[i] = t.ID
	}
	return out
}

func TestRestoresPersistedQueue(t *testing.T) {
	store := kv.NewMemory()
	err := persist.NewQueueStore(store).Save(context.Background(), persist.SavedQueue{
		Queue:        []models.Track{track("a", time.Minute), track("b", time.Minute), track("c", time.Minute)},
		CurrentIndex: 1,
		Repeat:       models.RepeatAll,
		Mode:         models.ModeMini,
	})
	if err != nil {
		t.Fatal(err)
	}

	e := New(testOptions(store, nil))
	defer e.Close()

	rm := e.ReadModel()
	if len(rm.Queue) != 3 || rm.CurrentIndex != 1 || activeID(rm) != "b" {
		t.Fatalf("restored %v at %d (active %q)", queueIDs(rm), rm.CurrentIndex, activeID(rm))
	}
	if rm.IsPlaying || rm.Repeat != models.RepeatAll || rm.Mode != models.ModeMini {
		t.Errorf("restored flags: playing=%v repeat=%s mode=%s", rm.IsPlaying, rm.Repeat, rm.Mode)
	}
	if rm.SessionID == "" {
		t.Error("missing session id")
	}
}

func TestPlayStartsActiveTrack(t *testing.T) {
	e := startEngine(t, testOptions(nil, nil))
	events := collect(e)

	e.AddTrack(track("a", 10*time.Second), track("b", 10*time.Second))
	e.Play(nil)

	events.waitFor(t, "playhead to move", func(ev Event) bool {
		u, ok := ev.(TimeUpdate)
		return ok && u.TrackID == "a" && u.CurrentTime > 0 && !u.Provisional
	})
	eventually(t, "playing status", func() bool {
		return e.ReadModel().Status == controller.StateLoadedPlaying
	})
	if rm := e.ReadModel(); rm.Duration != 10 {
		t.Errorf("Duration = %v, want 10", rm.Duration)
	}

	e.Pause()
	if rm := e.ReadModel(); rm.IsPlaying || rm.Status != controller.StateLoadedPaused {
		t.Errorf("after pause: playing=%v status=%s", rm.IsPlaying, rm.Status)
	}
}

func TestQueuePersistedOnEveryChange(t *testing.T) {
	store := kv.NewMemory()
	e := startEngine(t, testOptions(store, nil))

	e.AddTrack(track("a", time.Minute), track("b", time.Minute), track("c", time.Minute))
	if err := e.Reorder(2, 0); err != nil {
		t.Fatal(err)
	}
	e.ToggleRepeat()

	saved, ok := persist.NewQueueStore(store).Load(context.Background())
	if !ok {
		t.Fatal("nothing persisted")
	}
	got := []string{saved.Queue[0].ID, saved.Queue[1].ID, saved.Queue[2].ID}
	if got[0] != "c" || got[1] != "a" || got[2] != "b" || saved.Repeat != models.RepeatAll {
		t.Errorf("persisted %v repeat=%s", got, saved.Repeat)
	}
}

func TestSlowQueueWriteDoesNotOverwriteNewerQueue(t *testing.T) {
	store := newGatedStore()
	e := startEngine(t, testOptions(store, nil))
	e.AddTrack(track("a", time.Minute))

	store.arm()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.AddTrack(track("x", time.Minute))
	}()
	<-store.entered
	go func() {
		defer wg.Done()
		e.AddTrack(track("y", time.Minute))
	}()
	eventually(t, "y committed", func() bool { return len(e.ReadModel().Queue) == 3 })
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	wg.Wait()

	live := queueIDs(e.ReadModel())
	saved, ok := persist.NewQueueStore(store.Memory).Load(context.Background())
	if !ok {
		t.Fatal("nothing persisted")
	}
	if len(saved.Queue) != len(live) {
		t.Fatalf("persisted %d tracks, live queue is %v", len(saved.Queue), live)
	}
	for i, tr := range saved.Queue {
		if tr.ID != live[i] {
			t.Errorf("persisted[%d] = %s, live %v", i, tr.ID, live)
		}
	}
}

func TestLatestStateChangedMatchesLiveState(t *testing.T) {
	e := startEngine(t, testOptions(nil, nil))
	events := collect(e)
	e.AddTrack(track("a", time.Minute))
	e.AddTrack(track("b", time.Minute))
	e.AddTrack(track("c", time.Minute))
	eventually(t, "a loaded", func() bool { return e.ReadModel().Status != controller.StateSwitching })
	time.Sleep(20 * time.Millisecond)

	// subscribers may see changes out of order; the highest seq is the latest
	seen := map[uint64]bool{}
	var latest StateChanged
	for len(events) > 0 {
		changed, ok := (<-events).(StateChanged)
		if !ok {
			continue
		}
		if changed.Seq == 0 || seen[changed.Seq] {
			t.Fatalf("seq %d missing or repeated", changed.Seq)
		}
		seen[changed.Seq] = true
		if changed.Seq > latest.Seq {
			latest = changed
		}
	}
	if len(latest.State.Queue) != 3 || latest.State.Queue[2].ID != "c" {
		t.Errorf("latest change (seq %d) carries queue %v", latest.Seq, latest.State.Queue)
	}
}

func TestUndoRedoQueueEdits(t *testing.T) {
	e := startEngine(t, testOptions(nil, nil))

	e.AddTrack(track("a", time.Minute))
	e.AddTrack(track("b", time.Minute))

	if err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	if got := queueIDs(e.ReadModel()); len(got) != 1 || got[0] != "a" {
		t.Fatalf("after undo queue = %v", got)
	}
	if !e.ReadModel().CanRedo {
		t.Error("redo should be available")
	}
	if err := e.Redo(); err != nil {
		t.Fatal(err)
	}
	if got := queueIDs(e.ReadModel()); len(got) != 2 {
		t.Fatalf("after redo queue = %v", got)
	}

	e.Undo()
	e.Undo()
	if got := queueIDs(e.ReadModel()); len(got) != 0 {
		t.Fatalf("after undoing everything queue = %v", got)
	}
	if err := e.Undo(); !errors.Is(err, ErrNothingToUndo) {
		t.Errorf("Undo() = %v, want ErrNothingToUndo", err)
	}

	// an edit after undo drops the redo branch
	e.AddTrack(track("z", time.Minute))
	if err := e.Redo(); !errors.Is(err, ErrNothingToRedo) {
		t.Errorf("Redo() = %v, want ErrNothingToRedo", err)
	}
}

func TestRemoveCurrentSwitchesToFollowingTrack(t *testing.T) {
	e := startEngine(t, testOptions(nil, nil))
	e.AddTrack(track("a", 10*time.Second), track("b", 10*time.Second))
	e.Play(nil)

	if err := e.RemoveTrack(0); err != nil {
		t.Fatal(err)
	}
	rm := e.ReadModel()
	if activeID(rm) != "b" || rm.CurrentIndex != 0 {
		t.Fatalf("active %q at %d", activeID(rm), rm.CurrentIndex)
	}
	eventually(t, "b to load", func() bool {
		return e.ReadModel().Status == controller.StateLoadedPlaying
	})

	if err := e.RemoveTrack(5); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("RemoveTrack(5) = %v", err)
	}
	e.RemoveTrack(0)
	if rm := e.ReadModel(); rm.ActiveTrack != nil || rm.Status != controller.StateEmpty {
		t.Errorf("empty queue left active=%q status=%s", activeID(rm), rm.Status)
	}
}

func TestAutoAdvanceToNextTrack(t *testing.T) {
	e := startEngine(t, testOptions(nil, nil))
	e.AddTrack(track("a", 150*time.Millisecond), track("b", 10*time.Second))
	e.Play(nil)

	eventually(t, "advance into b", func() bool {
		rm := e.ReadModel()
		return activeID(rm) == "b" && rm.Status == controller.StateLoadedPlaying
	})
	if rm := e.ReadModel(); rm.CurrentIndex != 1 || !rm.IsPlaying {
		t.Errorf("after advance index=%d playing=%v", rm.CurrentIndex, rm.IsPlaying)
	}
}

func TestAutoAdvanceCrossfadesIntoSecondaryDeck(t *testing.T) {
	opts := testOptions(nil, nil)
	opts.Player.CrossfadeDuration = 150 * time.Millisecond
	opts.Player.PreloadThreshold = 300 * time.Millisecond
	e := startEngine(t, opts)
	events := collect(e)
	e.AddTrack(track("a", 500*time.Millisecond), track("b", 10*time.Second))
	e.Play(nil)

	// the hard-cut path never ramps
	eventually(t, "crossfade ramp", e.player.IsRamping)
	events.waitFor(t, "switch confirmed for b", func(ev Event) bool {
		s, ok := ev.(StateChanged)
		return ok && s.Change == controller.ChangeSwitched && s.State.ActiveTrack != nil && s.State.ActiveTrack.ID == "b"
	})

	if e.player.Current() != opts.Secondary {
		t.Error("secondary deck should be active after the crossfade")
	}
	if e.player.CurrentTrackID() != "b" {
		t.Errorf("active deck carries %q, want b", e.player.CurrentTrackID())
	}
	if rm := e.ReadModel(); rm.CurrentIndex != 1 || !rm.IsPlaying || rm.Status != controller.StateLoadedPlaying {
		t.Errorf("after crossfade index=%d playing=%v status=%s", rm.CurrentIndex, rm.IsPlaying, rm.Status)
	}
}

func TestEndOfQueuePauses(t *testing.T) {
	e := startEngine(t, testOptions(nil, nil))
	events := collect(e)
	e.AddTrack(track("a", 60*time.Millisecond))
	e.Play(nil)

	events.waitFor(t, "pause at end of queue", func(ev Event) bool {
		s, ok := ev.(StateChanged)
		return ok && s.Change == controller.ChangePause
	})
	rm := e.ReadModel()
	if rm.IsPlaying || activeID(rm) != "a" {
		t.Errorf("at end playing=%v active=%q", rm.IsPlaying, activeID(rm))
	}
}

func TestRepeatOneRestartsTrack(t *testing.T) {
	e := startEngine(t, testOptions(nil, nil))
	events := collect(e)
	e.AddTrack(track("a", 80*time.Millisecond), track("b", time.Minute))
	e.ToggleRepeat()
	if mode := e.ToggleRepeat(); mode != models.RepeatOne {
		t.Fatalf("repeat = %s", mode)
	}
	e.Play(nil)

	for i := 0; i < 2; i++ {
		events.waitFor(t, "restart", func(ev Event) bool {
			u, ok := ev.(TimeUpdate)
			return ok && u.TrackID == "a" && u.CurrentTime == 0 && !u.Provisional
		})
		events.waitFor(t, "progress after restart", func(ev Event) bool {
			u, ok := ev.(TimeUpdate)
			return ok && u.TrackID == "a" && u.CurrentTime > 0
		})
	}
	if rm := e.ReadModel(); activeID(rm) != "a" || !rm.IsPlaying {
		t.Errorf("repeat one left active=%q playing=%v", activeID(rm), rm.IsPlaying)
	}
}

func TestSeekIsProvisional(t *testing.T) {
	e := startEngine(t, testOptions(nil, nil))
	events := collect(e)
	e.AddTrack(track("a", 10*time.Second))
	e.Play(nil)
	eventually(t, "load", func() bool { return e.ReadModel().Status == controller.StateLoadedPlaying })
	e.Pause()
	time.Sleep(20 * time.Millisecond)

	if err := e.Seek(4 * time.Second); err != nil {
		t.Fatal(err)
	}
	if got := e.ReadModel().CurrentTime; got < 4 {
		t.Errorf("CurrentTime right after seek = %v", got)
	}
	events.waitFor(t, "provisional update", func(ev Event) bool {
		u, ok := ev.(TimeUpdate)
		return ok && u.Provisional && u.CurrentTime == 4*time.Second
	})
	events.waitFor(t, "reconciled update", func(ev Event) bool {
		u, ok := ev.(TimeUpdate)
		return ok && !u.Provisional && u.CurrentTime >= 4*time.Second
	})
}

func TestUnplayableTrackIsFlagged(t *testing.T) {
	e := startEngine(t, testOptions(nil, func(context.Context, string) error {
		return errors.New("404")
	}))
	events := collect(e)
	e.AddTrack(track("a", time.Minute))
	e.Play(nil)

	ev := events.waitFor(t, "unplayable event", func(ev Event) bool {
		_, ok := ev.(TrackUnplayable)
		return ok
	})
	if u := ev.(TrackUnplayable); u.TrackID != "a" || !errors.Is(u.Err, audio.ErrUnplayable) {
		t.Errorf("event = %+v", u)
	}
	eventually(t, "unplayable flag", func() bool {
		rm := e.ReadModel()
		return rm.Unplayable && !rm.IsPlaying
	})
}

func TestWaitingEpisodeCountsAsStall(t *testing.T) {
	e := New(testOptions(nil, nil))
	defer e.Close()
	a := track("a", time.Minute)
	e.store.PlayTrack(&a)

	e.handleEvent(audio.Event{Type: audio.EventWaiting, TrackID: "a"})
	e.handleEvent(audio.Event{Type: audio.EventWaiting, TrackID: "a"})

	metrics := e.perf.Recompute(context.Background())
	if metrics.Stalls != 1 || metrics.Underruns != 1 {
		t.Errorf("stalls=%d underruns=%d, want one of each", metrics.Stalls, metrics.Underruns)
	}
	if got := e.ReadModel().BufferState.StallCount; got != metrics.Stalls {
		t.Errorf("buffer StallCount = %d, performance stalls = %d", got, metrics.Stalls)
	}
}

func TestSwitchLoadIsNotAStall(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	e := startEngine(t, testOptions(nil, func(ctx context.Context, _ string) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))
	e.AddTrack(track("a", time.Minute))
	e.Play(nil)

	// several sample intervals with the load still pending
	time.Sleep(100 * time.Millisecond)
	rm := e.ReadModel()
	if rm.Status != controller.StateSwitching {
		t.Fatalf("status = %s, want the load still pending", rm.Status)
	}
	if rm.BufferState.StallCount != 0 {
		t.Errorf("StallCount = %d while loading, want 0", rm.BufferState.StallCount)
	}
}

func TestStorageFailureDegradesToMemory(t *testing.T) {
	e := startEngine(t, testOptions(brokenStore{}, nil))
	e.AddTrack(track("a", time.Minute))
	e.AddTrack(track("b", time.Minute))
	if err := e.Undo(); err != nil {
		t.Fatal(err)
	}
	rm := e.ReadModel()
	if !rm.StorageDegraded {
		t.Error("storage should report degraded")
	}
	if len(rm.Queue) != 1 {
		t.Errorf("queue = %v", queueIDs(rm))
	}
}

func TestResumesSavedPosition(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	a := track("a", 100*time.Second)
	if err := persist.NewQueueStore(store).Save(ctx, persist.SavedQueue{Queue: []models.Track{a}, Repeat: models.RepeatOff}); err != nil {
		t.Fatal(err)
	}
	if err := persist.NewPositionStore(store).Save(ctx, models.PlaybackPosition{TrackID: "a", Position: 30, Duration: 100}); err != nil {
		t.Fatal(err)
	}

	e := startEngine(t, testOptions(store, nil))
	eventually(t, "resume at 30s", func() bool {
		return e.ReadModel().CurrentTime == 30
	})
	if e.ReadModel().IsPlaying {
		t.Error("restored session should start paused")
	}
}

func TestSmartQueueRefill(t *testing.T) {
	opts := testOptions(nil, nil)
	opts.Catalog = staticCatalog{track("x", time.Minute), track("y", time.Minute), track("z", time.Minute)}
	opts.MinUpcoming = 2
	e := startEngine(t, opts)

	e.AddTrack(track("a", time.Minute))
	e.Play(nil)
	eventually(t, "refill", func() bool {
		return len(e.ReadModel().Queue) == 3
	})
	if rm := e.ReadModel(); rm.Queue[0].ID != "a" {
		t.Errorf("refill disturbed the queue: %v", queueIDs(rm))
	}
}

func TestResetMetrics(t *testing.T) {
	e := startEngine(t, testOptions(nil, nil))
	events := collect(e)
	metrics := e.ResetMetrics()
	if metrics.HealthScore != 100 || metrics.Stalls != 0 {
		t.Errorf("reset metrics = %+v", metrics)
	}
	events.waitFor(t, "periodic metrics", func(ev Event) bool {
		m, ok := ev.(MetricsUpdated)
		return ok && !m.Metrics.UpdatedAt.IsZero()
	})
}

func TestSetPlayerMode(t *testing.T) {
	e := startEngine(t, testOptions(nil, nil))
	if err := e.SetPlayerMode(models.ModeHidden); err != nil {
		t.Fatal(err)
	}
	if e.ReadModel().Mode != models.ModeHidden {
		t.Error("mode not applied")
	}
	if err := e.SetPlayerMode("giant"); err == nil {
		t.Error("invalid mode accepted")
	}
}
