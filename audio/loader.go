package audio

import (
	"context"
	"errors"
	"time"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"

	"playdeck/models"
)

// SourceCache is the read side of the prefetch byte cache. Every lookup
// counts towards its hit rate.
type SourceCache interface {
	Get(ctx context.Context, url string) ([]byte, bool, error)
}

type Loader struct {
	timeout time.Duration
	cache   SourceCache
	logger  *log.Entry
}

type LoadResult struct {
	TrackID  string
	Tier     models.SourceTier
	URL      string
	Cached   bool
	Duration time.Duration
}

// NewLoader returns a loader that consults cache, when not nil, before each
// source tier goes to the network.
func NewLoader(timeout time.Duration, cache SourceCache) *Loader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Loader{
		timeout: timeout,
		cache:   cache,
		logger: log.WithFields(log.Fields{
			"module": "audio-loader",
		}),
	}
}

// Load walks the track's source chain (streaming, cached, original) into p and
// stops at the first tier that loads. When every tier fails the returned error
// wraps ErrUnplayable.
func (l *Loader) Load(ctx context.Context, p Primitive, track models.Track) (*LoadResult, error) {
	sources := track.Sources()
	if len(sources) == 0 {
		return nil, errors.Join(ErrUnplayable, &SourceLoadError{TrackID: track.ID, Err: ErrNoSource})
	}

	var failures []error
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		data := l.cached(ctx, src.URL)
		loadCtx, cancel := context.WithTimeout(ctx, l.timeout)
		err := p.Load(loadCtx, Media{URL: src.URL, Duration: track.Duration, Data: data})
		cancel()
		if err == nil {
			l.logger.Debugf("loaded %s from %s tier in %v (cached: %v)", track.ID, src.Tier, time.Since(start), data != nil)
			return &LoadResult{
				TrackID:  track.ID,
				Tier:     src.Tier,
				URL:      src.URL,
				Cached:   data != nil,
				Duration: time.Since(start),
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		loadErr := &SourceLoadError{TrackID: track.ID, Tier: src.Tier, URL: src.URL, Err: err}
		l.logger.Warnf("source failed, trying next tier: %v", loadErr)
		failures = append(failures, loadErr)
	}

	err := errors.Join(append([]error{ErrUnplayable}, failures...)...)
	l.logger.Errorf("track %s is unplayable: %v", track.ID, err)
	sentry.CaptureException(err)
	return nil, err
}

// cached returns the prefetched bytes for url, or nil on a miss. A failing
// cache only costs the network round trip.
func (l *Loader) cached(ctx context.Context, url string) []byte {
	if l.cache == nil {
		return nil
	}
	data, ok, err := l.cache.Get(ctx, url)
	if err != nil {
		l.logger.Warnf("cache lookup %s: %v", url, err)
		return nil
	}
	if !ok {
		return nil
	}
	return data
}
