package engine

import (
	"errors"
	"fmt"
	"time"

	"playdeck/models"
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
	ErrInvalidIndex  = errors.New("queue index out of range")
	ErrNoActiveTrack = errors.New("no active track")
	ErrInvalidMode   = errors.New("unknown player mode")
)

// Play resumes (nil) or starts track.
func (e *Engine) Play(track *models.Track) {
	before := e.store.State()
	if !e.store.PlayTrack(track) {
		return
	}
	e.syncAudio(before, e.store.State(), false)
}

func (e *Engine) Pause() {
	if !e.store.PauseTrack() {
		return
	}
	e.player.Pause()
	e.savePosition()
}

// Seek moves the playhead. The read model shows the requested time right
// away and is corrected by the next timeupdate from the primitive.
func (e *Engine) Seek(position time.Duration) error {
	active := e.activeTrack()
	if active == nil {
		return ErrNoActiveTrack
	}
	if position < 0 {
		position = 0
	}
	e.mutex.Lock()
	if e.duration > 0 && position > e.duration {
		position = e.duration
	}
	e.currentTime = position
	duration := e.duration
	e.mutex.Unlock()
	e.emit(TimeUpdate{TrackID: active.ID, CurrentTime: position, Duration: duration, Provisional: true})

	if err := e.player.Seek(position); err != nil {
		return fmt.Errorf("seek to %v: %w", position, err)
	}
	return nil
}

func (e *Engine) SetVolume(volume float64) {
	e.store.SetVolume(volume)
	e.player.SetVolume(e.store.State().Volume)
}

func (e *Engine) SetPlayerMode(mode models.PlayerMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w %q", ErrInvalidMode, mode)
	}
	e.store.SetPlayerMode(mode)
	return nil
}

func (e *Engine) Next() bool {
	before := e.store.State()
	if !e.store.NextTrack() {
		return false
	}
	e.syncAudio(before, e.store.State(), true)
	return true
}

func (e *Engine) Previous() bool {
	before := e.store.State()
	if !e.store.PreviousTrack() {
		return false
	}
	e.syncAudio(before, e.store.State(), true)
	return true
}

func (e *Engine) AddTrack(tracks ...models.Track) {
	e.manualEdit(func() bool {
		e.store.AddToQueue(tracks...)
		return len(tracks) > 0
	})
}

func (e *Engine) RemoveTrack(index int) error {
	if !e.manualEdit(func() bool { return e.store.RemoveFromQueue(index) }) {
		return ErrInvalidIndex
	}
	return nil
}

func (e *Engine) Reorder(from, to int) error {
	if !e.manualEdit(func() bool { return e.store.ReorderQueue(from, to) }) {
		return ErrInvalidIndex
	}
	return nil
}

func (e *Engine) ToggleShuffle() bool {
	var shuffle bool
	e.manualEdit(func() bool {
		shuffle = e.store.ToggleShuffle()
		return true
	})
	return shuffle
}

func (e *Engine) ToggleRepeat() models.RepeatMode {
	return e.store.ToggleRepeat()
}

func (e *Engine) Undo() error {
	snapshot, ok := e.history.Undo()
	if !ok {
		return ErrNothingToUndo
	}
	e.restoreSnapshot(snapshot)
	return nil
}

func (e *Engine) Redo() error {
	snapshot, ok := e.history.Redo()
	if !ok {
		return ErrNothingToRedo
	}
	e.restoreSnapshot(snapshot)
	return nil
}

// ResetMetrics starts a fresh performance window and stall count.
func (e *Engine) ResetMetrics() models.PerformanceMetrics {
	metrics := e.perf.Reset()
	e.buffer.ResetStalls()
	e.setBufferState(e.buffer.State())
	e.emit(MetricsUpdated{Metrics: metrics})
	return metrics
}

func (e *Engine) restoreSnapshot(snapshot models.QueueSnapshot) {
	if e.refiller != nil {
		e.refiller.NoteManualEdit()
	}
	before := e.store.State()
	e.store.RestoreSnapshot(snapshot)
	e.syncAudio(before, e.store.State(), false)
}

// manualEdit applies a user queue edit: pending smart refills are dropped and
// the result becomes the newest undo entry.
func (e *Engine) manualEdit(edit func() bool) bool {
	if e.refiller != nil {
		e.refiller.NoteManualEdit()
	}
	before := e.store.State()
	if !edit() {
		return false
	}
	e.history.Push(e.store.Snapshot())
	e.syncAudio(before, e.store.State(), false)
	return true
}

// syncAudio drives the player from a before/after pair of store states.
// switched forces a load even when the same track id is now active, as when
// stepping between duplicate queue entries.
func (e *Engine) syncAudio(before, after models.PlayerState, switched bool) {
	switch {
	case after.ActiveTrack == nil:
		if before.ActiveTrack != nil {
			e.player.Pause()
		}
	case switched || before.ActiveTrack == nil || before.ActiveTrack.ID != after.ActiveTrack.ID:
		if before.ActiveTrack != nil {
			e.savePosition()
		}
		e.player.SwitchTo(*after.ActiveTrack, after.IsPlaying)
	case after.IsPlaying && !before.IsPlaying:
		e.player.Resume()
	case !after.IsPlaying && before.IsPlaying:
		e.player.Pause()
	}
}
