package controller

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"playdeck/models"
)

type Status string

const (
	StateEmpty         Status = "empty"
	StateLoadedPaused  Status = "loaded-paused"
	StateLoadedPlaying Status = "loaded-playing"
	StateSwitching     Status = "track-switching"
)

type ChangeType string

const (
	ChangePlay     ChangeType = "play"
	ChangePause    ChangeType = "pause"
	ChangeTrack    ChangeType = "track"
	ChangeQueue    ChangeType = "queue"
	ChangeShuffle  ChangeType = "shuffle"
	ChangeRepeat   ChangeType = "repeat"
	ChangeVolume   ChangeType = "volume"
	ChangeMode     ChangeType = "mode"
	ChangeRestore  ChangeType = "restore"
	ChangeSwitched ChangeType = "switched"
)

// Change describes one committed mutation. TrackChanged is set whenever the
// active track identity moved, which is what the audio layer reacts to. Seq is
// assigned under the store lock and orders changes whose listeners race.
type Change struct {
	Seq          uint64
	Type         ChangeType
	TrackChanged bool
	State        models.PlayerState
}

type Listener func(Change)

// Store is the single owner of models.PlayerState. Every mutation goes through
// one of its methods; listeners receive a deep copy after the lock is released.
type Store struct {
	mutex     sync.Mutex
	state     models.PlayerState
	adHoc     bool
	switching bool
	intn      func(int) int
	listeners map[int]Listener
	nextID    int
	seq       uint64
	logger    *log.Entry
}

type Option func(*Store)

// WithRandom overrides the random source used by shuffle.
func WithRandom(intn func(int) int) Option {
	return func(s *Store) {
		s.intn = intn
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		state: models.PlayerState{
			Queue:  []models.Track{},
			Repeat: models.RepeatOff,
			Volume: 1,
			Mode:   models.ModeFull,
		},
		intn:      rand.IntN,
		listeners: make(map[int]Listener),
		logger: log.WithFields(log.Fields{
			"module": "controller",
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for committed changes and returns an unsubscribe func.
func (s *Store) Subscribe(fn Listener) func() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) State() models.PlayerState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state.Clone()
}

func (s *Store) Status() Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.statusLocked()
}

func (s *Store) statusLocked() Status {
	switch {
	case s.state.ActiveTrack == nil && len(s.state.Queue) == 0:
		return StateEmpty
	case s.switching:
		return StateSwitching
	case s.state.IsPlaying:
		return StateLoadedPlaying
	default:
		return StateLoadedPaused
	}
}

// IsAdHoc reports whether the active track was played from outside the queue.
func (s *Store) IsAdHoc() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.adHoc
}

// PeekNext returns the track that an automatic advance would move to, without
// mutating anything. Shuffle has no deterministic successor, so it returns nil.
func (s *Store) PeekNext() *models.Track {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	n := len(s.state.Queue)
	if n == 0 || s.state.Shuffle {
		return nil
	}
	if s.state.Repeat == models.RepeatOne && s.state.ActiveTrack != nil {
		t := *s.state.ActiveTrack
		return &t
	}
	idx := s.state.CurrentIndex + 1
	if idx >= n {
		if s.state.Repeat != models.RepeatAll {
			return nil
		}
		idx = 0
	}
	t := s.state.Queue[idx]
	return &t
}

// PlayTrack with nil resumes the active track or starts queue[0]. With a track
// it resumes in place if that track is already active, otherwise switches.
func (s *Store) PlayTrack(track *models.Track) bool {
	s.mutex.Lock()
	var change *Change
	if track == nil {
		change = s.resumeLocked()
	} else {
		change = s.playLocked(*track)
	}
	return s.commit(change)
}

func (s *Store) resumeLocked() *Change {
	if s.state.ActiveTrack != nil {
		if s.state.IsPlaying {
			return nil
		}
		s.state.IsPlaying = true
		return &Change{Type: ChangePlay}
	}
	if len(s.state.Queue) == 0 {
		return nil
	}
	s.state.CurrentIndex = 0
	s.setActiveLocked(s.state.Queue[0], false)
	s.state.IsPlaying = true
	return &Change{Type: ChangeTrack, TrackChanged: true}
}

func (s *Store) playLocked(track models.Track) *Change {
	if s.state.ActiveTrack != nil && s.state.ActiveTrack.ID == track.ID {
		if s.state.IsPlaying {
			return nil
		}
		s.state.IsPlaying = true
		return &Change{Type: ChangePlay}
	}

	idx := -1
	if cur := s.state.CurrentIndex; cur < len(s.state.Queue) && s.state.Queue[cur].ID == track.ID {
		idx = cur
	} else {
		_, idx, _ = lo.FindIndexOf(s.state.Queue, func(t models.Track) bool {
			return t.ID == track.ID
		})
	}

	switch {
	case idx >= 0:
		s.state.CurrentIndex = idx
		s.setActiveLocked(s.state.Queue[idx], false)
	case len(s.state.Queue) == 0:
		s.state.Queue = []models.Track{track}
		s.state.CurrentIndex = 0
		s.setActiveLocked(track, false)
	default:
		s.logger.Debugf("playing %s off-queue", track.ID)
		s.setActiveLocked(track, true)
	}
	s.state.IsPlaying = true
	return &Change{Type: ChangeTrack, TrackChanged: true}
}

func (s *Store) PauseTrack() bool {
	s.mutex.Lock()
	if !s.state.IsPlaying {
		s.mutex.Unlock()
		return false
	}
	s.state.IsPlaying = false
	return s.commit(&Change{Type: ChangePause})
}

// NextTrack advances according to shuffle/repeat and reports whether the
// active track changed. At the end of the queue with repeat off it is a no-op.
func (s *Store) NextTrack() bool {
	s.mutex.Lock()
	n := len(s.state.Queue)
	if n == 0 {
		s.mutex.Unlock()
		return false
	}

	var idx int
	if s.state.Shuffle {
		idx = s.randomIndexLocked()
	} else {
		idx = s.state.CurrentIndex + 1
		if idx >= n {
			if s.state.Repeat != models.RepeatAll {
				s.mutex.Unlock()
				return false
			}
			idx = 0
		}
	}
	return s.commit(s.moveToLocked(idx))
}

// PreviousTrack always steps back by one, wrapping to the last entry, and
// deliberately ignores shuffle.
func (s *Store) PreviousTrack() bool {
	s.mutex.Lock()
	n := len(s.state.Queue)
	if n == 0 {
		s.mutex.Unlock()
		return false
	}
	idx := s.state.CurrentIndex - 1
	if idx < 0 {
		idx = n - 1
	}
	return s.commit(s.moveToLocked(idx))
}

func (s *Store) randomIndexLocked() int {
	n := len(s.state.Queue)
	if n == 1 {
		return 0
	}
	// uniform over every index other than the current one
	idx := s.intn(n - 1)
	if idx >= s.state.CurrentIndex {
		idx++
	}
	return idx
}

func (s *Store) moveToLocked(idx int) *Change {
	s.state.CurrentIndex = idx
	s.setActiveLocked(s.state.Queue[idx], false)
	return &Change{Type: ChangeTrack, TrackChanged: true}
}

func (s *Store) AddToQueue(tracks ...models.Track) {
	if len(tracks) == 0 {
		return
	}
	s.mutex.Lock()
	s.state.Queue = append(s.state.Queue, tracks...)
	s.commit(&Change{Type: ChangeQueue})
}

// RemoveFromQueue deletes entry i. Removing the current entry keeps the index,
// which then points at the following track, clamped to the new length.
func (s *Store) RemoveFromQueue(i int) bool {
	s.mutex.Lock()
	n := len(s.state.Queue)
	if i < 0 || i >= n {
		s.mutex.Unlock()
		return false
	}

	s.state.Queue = append(s.state.Queue[:i:i], s.state.Queue[i+1:]...)
	change := &Change{Type: ChangeQueue}

	if len(s.state.Queue) == 0 {
		change.TrackChanged = s.state.ActiveTrack != nil
		s.state.ActiveTrack = nil
		s.state.IsPlaying = false
		s.state.CurrentIndex = 0
		s.adHoc = false
		s.switching = false
		return s.commit(change)
	}

	switch {
	case i < s.state.CurrentIndex:
		s.state.CurrentIndex--
	case i == s.state.CurrentIndex:
		if s.state.CurrentIndex >= len(s.state.Queue) {
			s.state.CurrentIndex = len(s.state.Queue) - 1
		}
		if !s.adHoc {
			s.setActiveLocked(s.state.Queue[s.state.CurrentIndex], false)
			change.TrackChanged = true
		}
	}
	return s.commit(change)
}

// ReorderQueue moves entry from to position to and translates CurrentIndex so
// it keeps referencing the same entry.
func (s *Store) ReorderQueue(from, to int) bool {
	s.mutex.Lock()
	n := len(s.state.Queue)
	if from < 0 || from >= n || to < 0 || to >= n || from == to {
		s.mutex.Unlock()
		return false
	}

	moved := s.state.Queue[from]
	q := append(s.state.Queue[:from:from], s.state.Queue[from+1:]...)
	q = append(q[:to:to], append([]models.Track{moved}, q[to:]...)...)
	s.state.Queue = q

	cur := s.state.CurrentIndex
	switch {
	case from == cur:
		cur = to
	case from < cur && to >= cur:
		cur--
	case from > cur && to <= cur:
		cur++
	}
	s.state.CurrentIndex = cur
	return s.commit(&Change{Type: ChangeQueue})
}

// ToggleShuffle enabling reshuffles everything but the current entry, which is
// pinned at index 0. Disabling keeps the shuffled order.
func (s *Store) ToggleShuffle() bool {
	s.mutex.Lock()
	s.state.Shuffle = !s.state.Shuffle
	change := &Change{Type: ChangeShuffle}
	if s.state.Shuffle && len(s.state.Queue) > 0 {
		current := s.state.Queue[s.state.CurrentIndex]
		rest := make([]models.Track, 0, len(s.state.Queue)-1)
		rest = append(rest, s.state.Queue[:s.state.CurrentIndex]...)
		rest = append(rest, s.state.Queue[s.state.CurrentIndex+1:]...)
		for i := len(rest) - 1; i > 0; i-- {
			j := s.intn(i + 1)
			rest[i], rest[j] = rest[j], rest[i]
		}
		s.state.Queue = append([]models.Track{current}, rest...)
		s.state.CurrentIndex = 0
	}
	shuffle := s.state.Shuffle
	s.commit(change)
	return shuffle
}

func (s *Store) ToggleRepeat() models.RepeatMode {
	s.mutex.Lock()
	s.state.Repeat = s.state.Repeat.Next()
	mode := s.state.Repeat
	s.commit(&Change{Type: ChangeRepeat})
	return mode
}

func (s *Store) SetVolume(v float64) {
	s.mutex.Lock()
	s.state.Volume = clampVolume(v)
	s.commit(&Change{Type: ChangeVolume})
}

func (s *Store) SetPlayerMode(mode models.PlayerMode) {
	s.mutex.Lock()
	s.state.Mode = mode
	s.commit(&Change{Type: ChangeMode})
}

// ConfirmSwitch leaves the transient switching state once the audio layer has
// loaded trackID. Confirmations for a track that is no longer active are ignored.
func (s *Store) ConfirmSwitch(trackID string) bool {
	s.mutex.Lock()
	if !s.switching || s.state.ActiveTrack == nil || s.state.ActiveTrack.ID != trackID {
		s.mutex.Unlock()
		return false
	}
	s.switching = false
	return s.commit(&Change{Type: ChangeSwitched})
}

// Restore replaces queue, index, shuffle and repeat, typically from persisted
// state. Playback is left paused.
func (s *Store) Restore(queue []models.Track, index int, shuffle bool, repeat models.RepeatMode) {
	s.mutex.Lock()
	s.state.Shuffle = shuffle
	if repeat.Valid() {
		s.state.Repeat = repeat
	}
	s.state.IsPlaying = false
	change := s.replaceQueueLocked(queue, index)
	change.Type = ChangeRestore
	s.commit(change)
}

// RestoreSnapshot applies an undo/redo snapshot without touching play state,
// shuffle or repeat.
func (s *Store) RestoreSnapshot(snapshot models.QueueSnapshot) bool {
	s.mutex.Lock()
	change := s.replaceQueueLocked(snapshot.Queue, snapshot.CurrentIndex)
	change.Type = ChangeRestore
	return s.commit(change)
}

func (s *Store) replaceQueueLocked(queue []models.Track, index int) *Change {
	prev := s.state.ActiveTrack
	s.state.Queue = append([]models.Track{}, queue...)
	change := &Change{}
	if len(s.state.Queue) == 0 {
		s.state.CurrentIndex = 0
		s.state.ActiveTrack = nil
		s.state.IsPlaying = false
		s.adHoc = false
		s.switching = false
		change.TrackChanged = prev != nil
		return change
	}
	if index < 0 {
		index = 0
	}
	if index >= len(s.state.Queue) {
		index = len(s.state.Queue) - 1
	}
	s.state.CurrentIndex = index
	next := s.state.Queue[index]
	if prev == nil || prev.ID != next.ID {
		s.setActiveLocked(next, false)
		change.TrackChanged = true
	} else {
		s.adHoc = false
	}
	return change
}

// Snapshot captures the queue for the undo history.
func (s *Store) Snapshot() models.QueueSnapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return models.QueueSnapshot{
		ID:           uuid.NewString(),
		Queue:        append([]models.Track(nil), s.state.Queue...),
		CurrentIndex: s.state.CurrentIndex,
		Timestamp:    time.Now(),
	}
}

func (s *Store) setActiveLocked(track models.Track, adHoc bool) {
	t := track
	s.state.ActiveTrack = &t
	s.adHoc = adHoc
	s.switching = true
}

// commit must be called with the mutex held; it releases it before notifying.
func (s *Store) commit(change *Change) bool {
	if change == nil {
		s.mutex.Unlock()
		return false
	}
	s.seq++
	change.Seq = s.seq
	change.State = s.state.Clone()
	listeners := lo.Values(s.listeners)
	s.mutex.Unlock()

	s.logger.Tracef("state change: %s (index %d/%d)", change.Type, change.State.CurrentIndex, len(change.State.Queue))
	for _, fn := range listeners {
		fn(*change)
	}
	return true
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
