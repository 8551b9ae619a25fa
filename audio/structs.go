package audio

import "time"

// EventType mirrors the media element events a host runtime emits.
type EventType string

const (
	EventLoadStart      EventType = "loadstart"
	EventLoadedMetadata EventType = "loadedmetadata"
	EventTimeUpdate     EventType = "timeupdate"
	EventProgress       EventType = "progress"
	EventWaiting        EventType = "waiting"
	EventPlaying        EventType = "playing"
	EventCanPlay        EventType = "canplay"
	EventEnded          EventType = "ended"
	EventError          EventType = "error"
)

type Event struct {
	Type        EventType
	Src         string
	CurrentTime time.Duration
	Err         error
	// TrackID is filled in by the Player when it forwards the event.
	TrackID string
}

type ReadyState int

const (
	HaveNothing ReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

type TimeRange struct {
	Start time.Duration
	End   time.Duration
}

type Media struct {
	URL      string
	Duration time.Duration
	// Data holds the source bytes when they came from the prefetch cache, so
	// the primitive need not reach the network.
	Data []byte
}

type PlaybackNotificationType string

const (
	PlaybackLoading      PlaybackNotificationType = "loading"
	PlaybackLoaded       PlaybackNotificationType = "loaded"
	PlaybackLoadError    PlaybackNotificationType = "load_error"
	PlaybackLoadCanceled PlaybackNotificationType = "load_canceled"
	PlaybackPreloaded    PlaybackNotificationType = "preloaded"
	PlaybackStarted      PlaybackNotificationType = "started"
	PlaybackPaused       PlaybackNotificationType = "paused"
	PlaybackResumed      PlaybackNotificationType = "resumed"
	PlaybackCrossfaded   PlaybackNotificationType = "crossfaded"
	PlaybackUnplayable   PlaybackNotificationType = "unplayable"
	PlaybackError        PlaybackNotificationType = "error"
)

type PlaybackNotification struct {
	Event    PlaybackNotificationType
	TrackID  string
	Tier     string
	LoadTime time.Duration
	Error    error
}
