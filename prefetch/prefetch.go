// Package prefetch warms the byte cache with the tracks queued after the
// active one.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"playdeck/models"
)

const (
	DefaultWindow      = 3
	DefaultConcurrency = 2
)

// Cache is the byte cache prefetched sources are written to.
type Cache interface {
	Get(ctx context.Context, url string) ([]byte, bool, error)
	Put(ctx context.Context, url string, data []byte, priority models.CachePriority) error
	Stats(ctx context.Context) (models.CacheStats, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// NetworkInfo is the host's connection signal.
type NetworkInfo struct {
	Online        bool
	SaveData      bool
	EffectiveType string
}

// Suitable reports whether prefetching is allowed on this connection.
func (n NetworkInfo) Suitable() bool {
	if !n.Online || n.SaveData {
		return false
	}
	switch n.EffectiveType {
	case "slow-2g", "2g":
		return false
	}
	return true
}

type NetworkProbe func() NetworkInfo

func AlwaysOnline() NetworkInfo {
	return NetworkInfo{Online: true, EffectiveType: "4g"}
}

// Result summarizes one evaluation.
type Result struct {
	Skipped   bool
	Fetched   int
	Hits      int
	Discarded int
}

type Scheduler struct {
	mutex       sync.Mutex
	cache       Cache
	fetcher     Fetcher
	network     NetworkProbe
	window      int
	concurrency int
	lastIndex   int
	lastActive  string
	lastWindow  []string
	active      string
	logger      *log.Entry
}

type Option func(*Scheduler)

func WithWindow(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.window = n
		}
	}
}

func WithNetwork(probe NetworkProbe) Option {
	return func(s *Scheduler) {
		s.network = probe
	}
}

func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewScheduler(cache Cache, fetcher Fetcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		cache:       cache,
		fetcher:     fetcher,
		network:     AlwaysOnline,
		window:      DefaultWindow,
		concurrency: DefaultConcurrency,
		lastIndex:   -1,
		logger: log.WithFields(log.Fields{
			"module": "prefetch",
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetActive records the active track; fetches started under another track
// are discarded when they complete.
func (s *Scheduler) SetActive(trackID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.active = trackID
}

// Reset forgets the last evaluated position so the next Evaluate runs.
func (s *Scheduler) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastIndex = -1
	s.lastActive = ""
	s.lastWindow = nil
}

// Upcoming returns up to window tracks after the current index.
func Upcoming(state models.PlayerState, window int) []models.Track {
	if len(state.Queue) == 0 || state.CurrentIndex+1 >= len(state.Queue) {
		return nil
	}
	end := min(state.CurrentIndex+1+window, len(state.Queue))
	return state.Queue[state.CurrentIndex+1 : end]
}

// Evaluate warms the cache for the window after the current index. Repeated
// calls for the same active track, position and window contents are skipped
// unless the previous one failed.
func (s *Scheduler) Evaluate(ctx context.Context, state models.PlayerState) (Result, error) {
	if state.ActiveTrack == nil {
		return Result{Skipped: true}, nil
	}
	activeID := state.ActiveTrack.ID
	upcoming := Upcoming(state, s.window)
	ids := lo.Map(upcoming, func(t models.Track, _ int) string { return t.ID })

	s.mutex.Lock()
	s.active = activeID
	if s.lastIndex == state.CurrentIndex && s.lastActive == activeID && slices.Equal(s.lastWindow, ids) {
		s.mutex.Unlock()
		return Result{Skipped: true}, nil
	}
	s.mutex.Unlock()

	if network := s.network(); !network.Suitable() {
		s.logger.Debugf("network not suitable for prefetch: %+v", network)
		return Result{Skipped: true}, nil
	}

	s.mutex.Lock()
	s.lastIndex = state.CurrentIndex
	s.lastActive = activeID
	s.lastWindow = ids
	s.mutex.Unlock()

	var (
		resultMutex sync.Mutex
		result      Result
	)
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for distance, track := range upcoming {
		url := track.Source()
		if url == "" {
			continue
		}
		priority := priorityFor(distance + 1)
		g.Go(func() error {
			outcome, err := s.warm(ctx, activeID, url, priority)
			resultMutex.Lock()
			defer resultMutex.Unlock()
			switch outcome {
			case outcomeHit:
				result.Hits++
			case outcomeFetched:
				result.Fetched++
			case outcomeDiscarded:
				result.Discarded++
			}
			return err
		})
	}
	err := g.Wait()
	if err != nil {
		// the window is not warm, so the next evaluation must run again
		s.Reset()
		s.logger.Warnf("prefetch failed: %v", err)
	}
	return result, err
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeHit
	outcomeFetched
	outcomeDiscarded
)

func (s *Scheduler) warm(ctx context.Context, activeID, url string, priority models.CachePriority) (outcome, error) {
	if _, ok, err := s.cache.Get(ctx, url); err != nil {
		return outcomeNone, fmt.Errorf("cache lookup %s: %w", url, err)
	} else if ok {
		return outcomeHit, nil
	}

	data, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return outcomeNone, fmt.Errorf("fetch %s: %w", url, err)
	}

	s.mutex.Lock()
	stale := s.active != activeID
	s.mutex.Unlock()
	if stale {
		s.logger.Debugf("discarding prefetch of %s, active track changed", url)
		return outcomeDiscarded, nil
	}

	if err := s.cache.Put(ctx, url, data, priority); err != nil {
		return outcomeNone, fmt.Errorf("cache store %s: %w", url, err)
	}
	return outcomeFetched, nil
}

// HitRate reads the cache hit rate for the performance monitor.
func (s *Scheduler) HitRate(ctx context.Context) (float64, error) {
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.HitRate, nil
}

// priorityFor maps queue distance from the active track to a cache priority.
func priorityFor(distance int) models.CachePriority {
	switch {
	case distance <= 1:
		return models.PriorityHigh
	case distance == 2:
		return models.PriorityNormal
	default:
		return models.PriorityLow
	}
}

var ErrFetchStatus = errors.New("unexpected fetch status")

type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher reads at most maxBytes of each response; 0 means unbounded.
func NewHTTPFetcher(client *http.Client, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s", ErrFetchStatus, resp.Status)
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes)
	}
	return io.ReadAll(body)
}

// MemoryCache is a Cache for sessions without a database.
type MemoryCache struct {
	mutex   sync.Mutex
	entries map[string][]byte
	hits    int64
	misses  int64
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]byte)}
}

func (c *MemoryCache) Get(_ context.Context, url string) ([]byte, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	data, ok := c.entries[url]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return data, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, url string, data []byte, _ models.CachePriority) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries[url] = data
	return nil
}

func (c *MemoryCache) Stats(context.Context) (models.CacheStats, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	stats := models.CacheStats{Entries: len(c.entries)}
	for _, data := range c.entries {
		stats.TotalSize += int64(len(data))
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		stats.HitRate = float64(c.hits) / float64(lookups)
		stats.MissRate = float64(c.misses) / float64(lookups)
	}
	return stats, nil
}
