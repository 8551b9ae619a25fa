// Package audio drives the two playback primitives behind the engine: source
// loading with tier fallback, preloading, eased crossfades and debounced
// track switches.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"playdeck/models"
)

// Primitive is the host media runtime's playback element. Implementations
// must not hold internal locks while sending on the Events channel.
type Primitive interface {
	// Load replaces the current source and returns once metadata is available.
	Load(ctx context.Context, media Media) error
	// Play may fail with ErrPlaybackInterrupted when a pause or load overtakes it.
	Play(ctx context.Context) error
	Pause()
	Seek(position time.Duration) error
	SetVolume(volume float64)
	Volume() float64
	CurrentTime() time.Duration
	Duration() time.Duration
	Buffered() []TimeRange
	ReadyState() ReadyState
	Src() string
	Events() <-chan Event
	Close() error
}

var (
	ErrPlaybackInterrupted = errors.New("play request interrupted")
	ErrUnplayable          = errors.New("no playable source")
	ErrNoSource            = errors.New("no source loaded")
)

// SourceLoadError is a failure of one tier of a track's source chain.
type SourceLoadError struct {
	TrackID string
	Tier    models.SourceTier
	URL     string
	Err     error
}

func (e *SourceLoadError) Error() string {
	return fmt.Sprintf("load %s source for %s: %v", e.Tier, e.TrackID, e.Err)
}

func (e *SourceLoadError) Unwrap() error {
	return e.Err
}

// BufferedAhead returns how much media is buffered past the playhead in the
// range that contains it.
func BufferedAhead(p Primitive) time.Duration {
	pos := p.CurrentTime()
	for _, r := range p.Buffered() {
		if pos >= r.Start && pos <= r.End {
			return r.End - pos
		}
	}
	return 0
}

// Remaining returns duration minus current time, or 0 when unknown.
func Remaining(p Primitive) time.Duration {
	d := p.Duration()
	if d <= 0 {
		return 0
	}
	if r := d - p.CurrentTime(); r > 0 {
		return r
	}
	return 0
}
