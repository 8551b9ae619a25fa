// Package persist saves the queue and playback positions through a kv.Store
// and keeps the in-memory undo/redo history of queue edits.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"playdeck/kv"
	"playdeck/models"
)

const (
	QueueKey      = "playdeck.queue"
	QueueStateKey = "playdeck.queue_state"
)

// SavedQueue is what survives a restart. Seq is the store change it was taken
// from; it orders saves but is not itself persisted.
type SavedQueue struct {
	Seq          uint64
	Queue        []models.Track
	CurrentIndex int
	Shuffle      bool
	Repeat       models.RepeatMode
	Mode         models.PlayerMode
}

type queueState struct {
	CurrentIndex int               `json:"currentIndex"`
	Shuffle      bool              `json:"shuffle"`
	Repeat       models.RepeatMode `json:"repeat"`
	Mode         models.PlayerMode `json:"playerMode,omitempty"`
}

// ValidationError describes why stored queue data was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid persisted %s: %s", e.Field, e.Reason)
}

// QueueStore serializes saves. A save carrying a Seq at or below the last one
// written is dropped, so a slow writer cannot replace a newer queue.
type QueueStore struct {
	mutex   sync.Mutex
	lastSeq uint64
	store   kv.Store
	logger  *log.Entry
}

func NewQueueStore(store kv.Store) *QueueStore {
	return &QueueStore{
		store: store,
		logger: log.WithFields(log.Fields{
			"module": "queue-persistence",
		}),
	}
}

func FromState(state models.PlayerState) SavedQueue {
	return SavedQueue{
		Queue:        append([]models.Track(nil), state.Queue...),
		CurrentIndex: state.CurrentIndex,
		Shuffle:      state.Shuffle,
		Repeat:       state.Repeat,
		Mode:         state.Mode,
	}
}

func (q *QueueStore) Save(ctx context.Context, saved SavedQueue) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if saved.Seq != 0 {
		if saved.Seq <= q.lastSeq {
			q.logger.Tracef("dropping queue save %d, already wrote %d", saved.Seq, q.lastSeq)
			return nil
		}
		q.lastSeq = saved.Seq
	}

	queue := saved.Queue
	if queue == nil {
		queue = []models.Track{}
	}
	queueJSON, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	stateJSON, err := json.Marshal(queueState{
		CurrentIndex: saved.CurrentIndex,
		Shuffle:      saved.Shuffle,
		Repeat:       saved.Repeat,
		Mode:         saved.Mode,
	})
	if err != nil {
		return fmt.Errorf("failed to encode queue state: %w", err)
	}

	if err := q.store.Set(ctx, QueueKey, string(queueJSON)); err != nil {
		return err
	}
	return q.store.Set(ctx, QueueStateKey, string(stateJSON))
}

// Load returns the stored queue when present and valid. Invalid data is
// removed from storage and reported as absent.
func (q *QueueStore) Load(ctx context.Context) (SavedQueue, bool) {
	queueJSON, hasQueue, err := q.store.Get(ctx, QueueKey)
	if err != nil {
		q.logger.Warnf("reading stored queue: %v", err)
		return SavedQueue{}, false
	}
	stateJSON, hasState, err := q.store.Get(ctx, QueueStateKey)
	if err != nil {
		q.logger.Warnf("reading stored queue state: %v", err)
		return SavedQueue{}, false
	}
	if !hasQueue && !hasState {
		return SavedQueue{}, false
	}

	saved, err := Validate([]byte(queueJSON), []byte(stateJSON))
	if err != nil {
		q.logger.Warnf("discarding stored queue: %v", err)
		q.Clear(ctx)
		return SavedQueue{}, false
	}
	return saved, true
}

func (q *QueueStore) Clear(ctx context.Context) {
	for _, key := range []string{QueueKey, QueueStateKey} {
		if err := q.store.Remove(ctx, key); err != nil {
			q.logger.Warnf("removing %s: %v", key, err)
		}
	}
}

// Validate strictly checks the stored shape: an array of track records with
// string ids, an integer in-range currentIndex, a boolean shuffle and a known
// repeat mode.
func Validate(queueJSON, stateJSON []byte) (SavedQueue, error) {
	var records []map[string]json.RawMessage
	if err := json.Unmarshal(queueJSON, &records); err != nil {
		return SavedQueue{}, &ValidationError{Field: "queue", Reason: "not an array of records"}
	}
	if records == nil {
		return SavedQueue{}, &ValidationError{Field: "queue", Reason: "missing"}
	}
	for i, rec := range records {
		var id string
		raw, ok := rec["id"]
		if !ok || json.Unmarshal(raw, &id) != nil || id == "" {
			return SavedQueue{}, &ValidationError{Field: "queue", Reason: fmt.Sprintf("entry %d has no id", i)}
		}
	}
	var queue []models.Track
	if err := json.Unmarshal(queueJSON, &queue); err != nil {
		return SavedQueue{}, &ValidationError{Field: "queue", Reason: err.Error()}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(stateJSON, &fields); err != nil || fields == nil {
		return SavedQueue{}, &ValidationError{Field: "queue state", Reason: "not an object"}
	}

	var index float64
	raw, ok := fields["currentIndex"]
	if !ok || json.Unmarshal(raw, &index) != nil {
		return SavedQueue{}, &ValidationError{Field: "currentIndex", Reason: "not a number"}
	}
	if index != float64(int(index)) {
		return SavedQueue{}, &ValidationError{Field: "currentIndex", Reason: "not an integer"}
	}
	if len(queue) == 0 && index != 0 || len(queue) > 0 && (index < 0 || int(index) >= len(queue)) {
		return SavedQueue{}, &ValidationError{Field: "currentIndex", Reason: fmt.Sprintf("%v out of range", index)}
	}

	var shuffle bool
	if raw, ok := fields["shuffle"]; !ok || json.Unmarshal(raw, &shuffle) != nil {
		return SavedQueue{}, &ValidationError{Field: "shuffle", Reason: "not a boolean"}
	}

	var repeat models.RepeatMode
	if raw, ok := fields["repeat"]; !ok || json.Unmarshal(raw, &repeat) != nil || !repeat.Valid() {
		return SavedQueue{}, &ValidationError{Field: "repeat", Reason: "unknown repeat mode"}
	}

	mode := models.ModeFull
	if raw, ok := fields["playerMode"]; ok {
		if json.Unmarshal(raw, &mode) != nil || !mode.Valid() {
			return SavedQueue{}, &ValidationError{Field: "playerMode", Reason: "unknown player mode"}
		}
	}

	return SavedQueue{
		Queue:        queue,
		CurrentIndex: int(index),
		Shuffle:      shuffle,
		Repeat:       repeat,
		Mode:         mode,
	}, nil
}
