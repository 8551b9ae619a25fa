// Package smartqueue tops up the queue with related tracks when it is about to
// run dry.
package smartqueue

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"playdeck/models"
)

const (
	DefaultMinUpcoming = 2
	DefaultSettleDelay = time.Second

	candidateLimit = 20
)

var ErrNoCandidates = errors.New("catalog returned no candidates")

// Catalog is the metadata provider the refill draws from.
type Catalog interface {
	Candidates(ctx context.Context, seed models.Track, limit int) ([]models.Track, error)
}

// Ranker orders candidates by how well they follow seed and returns at most n.
type Ranker interface {
	Rank(ctx context.Context, seed models.Track, candidates []models.Track, n int) ([]models.Track, error)
}

// TagRanker scores candidates by tag overlap with the seed, newest first on ties.
type TagRanker struct{}

func (TagRanker) Rank(_ context.Context, seed models.Track, candidates []models.Track, n int) ([]models.Track, error) {
	ranked := slices.Clone(candidates)
	scores := lo.SliceToMap(ranked, func(t models.Track) (string, float64) {
		return t.ID, similarity(seed.Tags, t.Tags)
	})
	slices.SortStableFunc(ranked, func(a, b models.Track) int {
		if sa, sb := scores[a.ID], scores[b.ID]; sa != sb {
			if sa > sb {
				return -1
			}
			return 1
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked, nil
}

// similarity is the Jaccard index of two tag sets.
func similarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	union := lo.Union(a, b)
	inter := lo.Intersect(a, b)
	return float64(len(inter)) / float64(len(union))
}

// Applier appends refill tracks to the queue.
type Applier func(tracks []models.Track)

// Refiller schedules a refill once the queue has settled. Any manual queue
// edit invalidates refills that were scheduled or running before it.
type Refiller struct {
	catalog     Catalog
	ranker      Ranker
	apply       Applier
	minUpcoming int
	settle      time.Duration
	generation  atomic.Uint64
	mutex       sync.Mutex
	timer       *time.Timer
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *log.Entry
}

type Option func(*Refiller)

func WithMinUpcoming(n int) Option {
	return func(r *Refiller) {
		if n > 0 {
			r.minUpcoming = n
		}
	}
}

func WithSettleDelay(d time.Duration) Option {
	return func(r *Refiller) {
		r.settle = d
	}
}

func NewRefiller(catalog Catalog, ranker Ranker, apply Applier, opts ...Option) *Refiller {
	if ranker == nil {
		ranker = TagRanker{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Refiller{
		catalog:     catalog,
		ranker:      ranker,
		apply:       apply,
		minUpcoming: DefaultMinUpcoming,
		settle:      DefaultSettleDelay,
		ctx:         ctx,
		cancel:      cancel,
		logger: log.WithFields(log.Fields{
			"module": "smart-queue",
		}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NoteManualEdit drops any pending or in-flight refill.
func (r *Refiller) NoteManualEdit() {
	r.generation.Add(1)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Needed returns how many tracks a refill would add for state.
func (r *Refiller) Needed(state models.PlayerState) int {
	if state.ActiveTrack == nil || len(state.Queue) == 0 || state.Repeat != models.RepeatOff {
		return 0
	}
	upcoming := len(state.Queue) - state.CurrentIndex - 1
	return max(r.minUpcoming-upcoming, 0)
}

// Schedule arms a refill after the settle delay when state is running low.
// Later calls replace an armed timer.
func (r *Refiller) Schedule(state models.PlayerState) {
	need := r.Needed(state)
	if need == 0 || r.ctx.Err() != nil {
		return
	}
	seed := *state.ActiveTrack
	exclude := lo.Map(state.Queue, func(t models.Track, _ int) string { return t.ID })
	gen := r.generation.Load()

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.settle, func() {
		r.run(gen, seed, exclude, need)
	})
}

func (r *Refiller) run(gen uint64, seed models.Track, exclude []string, need int) {
	if gen != r.generation.Load() {
		return
	}
	tracks, err := r.Pick(r.ctx, seed, exclude, need)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Warnf("refill after %s failed: %v", seed.ID, err)
		}
		return
	}
	if gen != r.generation.Load() {
		r.logger.Debug("queue edited during refill, dropping result")
		return
	}
	r.logger.Infof("adding %d tracks after %s", len(tracks), seed.ID)
	r.apply(tracks)
}

// Pick fetches candidates related to seed, skips excluded ids and ranks them.
func (r *Refiller) Pick(ctx context.Context, seed models.Track, exclude []string, n int) ([]models.Track, error) {
	candidates, err := r.catalog.Candidates(ctx, seed, candidateLimit)
	if err != nil {
		return nil, err
	}
	candidates = lo.Filter(candidates, func(t models.Track, _ int) bool {
		return t.ID != seed.ID && !lo.Contains(exclude, t.ID)
	})
	candidates = lo.UniqBy(candidates, func(t models.Track) string { return t.ID })
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	ranked, err := r.ranker.Rank(ctx, seed, candidates, n)
	if err != nil {
		r.logger.Warnf("ranking failed, using tag similarity: %v", err)
		return TagRanker{}.Rank(ctx, seed, candidates, n)
	}
	return ranked, nil
}

func (r *Refiller) Close() {
	r.cancel()
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
