package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"playdeck/kv"
	"playdeck/models"
)

const (
	PositionsKey = "playdeck.positions"

	DefaultPositionMaxAge     = 7 * 24 * time.Hour
	DefaultPositionMaxEntries = 50

	minResumeSeconds = 10
	maxResumeRatio   = 0.9
)

// Resumable reports whether position (seconds) is worth restoring for a track
// of the given duration.
func Resumable(position, duration float64) bool {
	return position >= minResumeSeconds && duration > 0 && position <= maxResumeRatio*duration
}

// PositionStore keeps one resume position per track in a single JSON map.
type PositionStore struct {
	mutex      sync.Mutex
	store      kv.Store
	restored   map[string]bool
	maxAge     time.Duration
	maxEntries int
	now        func() time.Time
	logger     *log.Entry
}

func NewPositionStore(store kv.Store) *PositionStore {
	return &PositionStore{
		store:      store,
		restored:   make(map[string]bool),
		maxAge:     DefaultPositionMaxAge,
		maxEntries: DefaultPositionMaxEntries,
		now:        time.Now,
		logger: log.WithFields(log.Fields{
			"module": "position-persistence",
		}),
	}
}

func (p *PositionStore) Save(ctx context.Context, pos models.PlaybackPosition) error {
	if pos.TrackID == "" {
		return nil
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()

	positions := p.loadLocked(ctx)
	if pos.Timestamp.IsZero() {
		pos.Timestamp = p.now()
	}
	positions[pos.TrackID] = pos
	return p.writeLocked(ctx, p.prune(positions))
}

// Restore returns the saved position of trackID once per session, and only
// when it falls inside the resumable band.
func (p *PositionStore) Restore(ctx context.Context, trackID string, duration float64) (float64, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.restored[trackID] {
		return 0, false
	}
	pos, ok := p.loadLocked(ctx)[trackID]
	if !ok {
		return 0, false
	}
	if duration <= 0 {
		duration = pos.Duration
	}
	if !Resumable(pos.Position, duration) {
		return 0, false
	}
	p.restored[trackID] = true
	p.logger.Debugf("restoring %s at %.1fs", trackID, pos.Position)
	return pos.Position, true
}

func (p *PositionStore) Remove(ctx context.Context, trackID string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	positions := p.loadLocked(ctx)
	if _, ok := positions[trackID]; !ok {
		return nil
	}
	delete(positions, trackID)
	return p.writeLocked(ctx, positions)
}

func (p *PositionStore) All(ctx context.Context) map[string]models.PlaybackPosition {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.loadLocked(ctx)
}

// Collect applies age and size limits to the stored positions.
func (p *PositionStore) Collect(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	positions := p.loadLocked(ctx)
	pruned := p.prune(positions)
	if len(pruned) == len(positions) {
		return nil
	}
	return p.writeLocked(ctx, pruned)
}

// prune drops entries older than maxAge, then keeps the newest maxEntries.
func (p *PositionStore) prune(positions map[string]models.PlaybackPosition) map[string]models.PlaybackPosition {
	cutoff := p.now().Add(-p.maxAge)
	fresh := lo.Filter(lo.Values(positions), func(pos models.PlaybackPosition, _ int) bool {
		return pos.Timestamp.After(cutoff)
	})
	slices.SortFunc(fresh, func(a, b models.PlaybackPosition) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if len(fresh) > p.maxEntries {
		fresh = fresh[:p.maxEntries]
	}
	return lo.KeyBy(fresh, func(pos models.PlaybackPosition) string {
		return pos.TrackID
	})
}

func (p *PositionStore) loadLocked(ctx context.Context) map[string]models.PlaybackPosition {
	positions := make(map[string]models.PlaybackPosition)
	raw, ok, err := p.store.Get(ctx, PositionsKey)
	if err != nil {
		p.logger.Warnf("reading positions: %v", err)
		return positions
	}
	if !ok {
		return positions
	}
	if err := json.Unmarshal([]byte(raw), &positions); err != nil {
		p.logger.Warnf("discarding corrupt positions: %v", err)
		if err := p.store.Remove(ctx, PositionsKey); err != nil {
			p.logger.Warnf("removing positions: %v", err)
		}
		return make(map[string]models.PlaybackPosition)
	}
	for id, pos := range positions {
		if pos.TrackID != id {
			delete(positions, id)
		}
	}
	return positions
}

func (p *PositionStore) writeLocked(ctx context.Context, positions map[string]models.PlaybackPosition) error {
	data, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("failed to encode positions: %w", err)
	}
	return p.store.Set(ctx, PositionsKey, string(data))
}
