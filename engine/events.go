package engine

import (
	"time"

	"playdeck/controller"
	"playdeck/models"
)

// Event is the closed set of notifications delivered to subscribers. Use a
// type switch over the concrete types below.
type Event interface {
	isEvent()
}

// StateChanged carries the committed state. Seq increases with every commit,
// so a subscriber can discard a change older than one it already applied.
type StateChanged struct {
	Seq    uint64
	Change controller.ChangeType
	State  models.PlayerState
}

// TimeUpdate carries the playhead. Provisional is set for a seek that the
// primitive has not confirmed yet; the next non-provisional update wins.
type TimeUpdate struct {
	TrackID     string
	CurrentTime time.Duration
	Duration    time.Duration
	Provisional bool
}

type BufferChanged struct {
	State models.BufferState
}

type MetricsUpdated struct {
	Metrics models.PerformanceMetrics
}

// TrackUnplayable reports that every source tier of a track failed.
type TrackUnplayable struct {
	TrackID string
	Err     error
}

type PlaybackFailed struct {
	TrackID string
	Err     error
}

func (StateChanged) isEvent()    {}
func (TimeUpdate) isEvent()      {}
func (BufferChanged) isEvent()   {}
func (MetricsUpdated) isEvent()  {}
func (TrackUnplayable) isEvent() {}
func (PlaybackFailed) isEvent()  {}

// ReadModel is the UI-facing view of the engine. Times are in seconds.
type ReadModel struct {
	SessionID       string                    `json:"sessionId"`
	Status          controller.Status         `json:"status"`
	CurrentTime     float64                   `json:"currentTime"`
	Duration        float64                   `json:"duration"`
	BufferedPercent float64                   `json:"bufferedPercent"`
	IsPlaying       bool                      `json:"isPlaying"`
	ActiveTrack     *models.Track             `json:"activeTrack"`
	Queue           []models.Track            `json:"queue"`
	CurrentIndex    int                       `json:"currentIndex"`
	Shuffle         bool                      `json:"shuffle"`
	Repeat          models.RepeatMode         `json:"repeat"`
	Volume          float64                   `json:"volume"`
	Mode            models.PlayerMode         `json:"playerMode"`
	Unplayable      bool                      `json:"unplayable"`
	BufferState     models.BufferState        `json:"bufferState"`
	Metrics         models.PerformanceMetrics `json:"metrics"`
	CanUndo         bool                      `json:"canUndo"`
	CanRedo         bool                      `json:"canRedo"`
	StorageDegraded bool                      `json:"storageDegraded"`
}
