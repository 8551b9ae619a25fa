package models

import (
	"time"
)

// SourceTier identifies one entry of a track's source-priority chain.
type SourceTier string

const (
	TierStreaming SourceTier = "streaming"
	TierCached    SourceTier = "cached"
	TierOriginal  SourceTier = "original"
)

// Track is owned by the metadata provider; the engine never mutates one.
type Track struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	StreamURL   string        `json:"streamUrl,omitempty"`
	CachedURL   string        `json:"cachedUrl,omitempty"`
	OriginalURL string        `json:"originalUrl,omitempty"`
	Duration    time.Duration `json:"duration"`
	Tags        []string      `json:"tags,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

type Source struct {
	Tier SourceTier
	URL  string
}

// Sources returns the non-empty tiers in priority order.
func (t Track) Sources() []Source {
	sources := make([]Source, 0, 3)
	if t.StreamURL != "" {
		sources = append(sources, Source{Tier: TierStreaming, URL: t.StreamURL})
	}
	if t.CachedURL != "" {
		sources = append(sources, Source{Tier: TierCached, URL: t.CachedURL})
	}
	if t.OriginalURL != "" {
		sources = append(sources, Source{Tier: TierOriginal, URL: t.OriginalURL})
	}
	return sources
}

// Source returns the first non-empty source URL, or "" when the track has none.
func (t Track) Source() string {
	if s := t.Sources(); len(s) > 0 {
		return s[0].URL
	}
	return ""
}

type RepeatMode string

const (
	RepeatOff RepeatMode = "off"
	RepeatAll RepeatMode = "all"
	RepeatOne RepeatMode = "one"
)

func (r RepeatMode) Valid() bool {
	switch r {
	case RepeatOff, RepeatAll, RepeatOne:
		return true
	}
	return false
}

// Next cycles off -> all -> one -> off.
func (r RepeatMode) Next() RepeatMode {
	switch r {
	case RepeatOff:
		return RepeatAll
	case RepeatAll:
		return RepeatOne
	default:
		return RepeatOff
	}
}

type PlayerMode string

const (
	ModeFull   PlayerMode = "full"
	ModeMini   PlayerMode = "mini"
	ModeHidden PlayerMode = "hidden"
)

func (m PlayerMode) Valid() bool {
	switch m {
	case ModeFull, ModeMini, ModeHidden:
		return true
	}
	return false
}

type PlayerState struct {
	ActiveTrack  *Track     `json:"activeTrack"`
	IsPlaying    bool       `json:"isPlaying"`
	Queue        []Track    `json:"queue"`
	CurrentIndex int        `json:"currentIndex"`
	Shuffle      bool       `json:"shuffle"`
	Repeat       RepeatMode `json:"repeat"`
	Volume       float64    `json:"volume"`
	Mode         PlayerMode `json:"playerMode"`
}

// Clone returns a deep copy so readers never share the store's slices.
func (s PlayerState) Clone() PlayerState {
	out := s
	out.Queue = append([]Track(nil), s.Queue...)
	if s.ActiveTrack != nil {
		t := *s.ActiveTrack
		out.ActiveTrack = &t
	}
	return out
}

type BufferHealth string

const (
	HealthGood BufferHealth = "good"
	HealthFair BufferHealth = "fair"
	HealthPoor BufferHealth = "poor"
)

type NetworkQuality string

const (
	NetworkExcellent NetworkQuality = "excellent"
	NetworkGood      NetworkQuality = "good"
	NetworkPoor      NetworkQuality = "poor"
	NetworkOffline   NetworkQuality = "offline"
)

type BufferState struct {
	IsBuffering     bool           `json:"isBuffering"`
	Health          BufferHealth   `json:"bufferHealth"`
	BufferedSeconds float64        `json:"bufferedSeconds"`
	StallCount      int            `json:"stallCount"`
	NetworkQuality  NetworkQuality `json:"networkQuality"`
}

type QueueSnapshot struct {
	ID           string    `json:"id"`
	Queue        []Track   `json:"queue"`
	CurrentIndex int       `json:"currentIndex"`
	Timestamp    time.Time `json:"timestamp"`
}

type PlaybackPosition struct {
	TrackID   string    `json:"trackId"`
	Position  float64   `json:"position"`
	Duration  float64   `json:"duration"`
	Timestamp time.Time `json:"timestamp"`
}

type PerformanceMetrics struct {
	AverageLoadTime time.Duration `json:"averageLoadTime"`
	LoadSamples     int           `json:"loadSamples"`
	SlowLoadRatio   float64       `json:"slowLoadRatio"`
	Stalls          int           `json:"stalls"`
	Underruns       int           `json:"underruns"`
	CacheHitRate    float64       `json:"cacheHitRate"`
	HealthScore     int           `json:"healthScore"`
	Recommendations []string      `json:"recommendations"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

type CachePriority int

const (
	PriorityLow CachePriority = iota
	PriorityNormal
	PriorityHigh
)

type CacheStats struct {
	HitRate   float64 `json:"hitRate"`
	MissRate  float64 `json:"missRate"`
	TotalSize int64   `json:"totalSize"`
	Entries   int     `json:"entries"`
}
