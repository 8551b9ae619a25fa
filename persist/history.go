package persist

import (
	"sync"

	"playdeck/models"
)

const DefaultHistoryCapacity = 10

// History is a bounded linear undo/redo stack of queue snapshots. pointer is
// the snapshot matching the current queue.
type History struct {
	mutex    sync.Mutex
	entries  []models.QueueSnapshot
	pointer  int
	capacity int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{capacity: capacity, pointer: -1}
}

// Push records snapshot as the current state, dropping any redo entries and
// the oldest entry once over capacity.
func (h *History) Push(snapshot models.QueueSnapshot) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	snapshot.Queue = append([]models.Track(nil), snapshot.Queue...)
	h.entries = append(h.entries[:h.pointer+1], snapshot)
	if over := len(h.entries) - h.capacity; over > 0 {
		h.entries = append([]models.QueueSnapshot(nil), h.entries[over:]...)
	}
	h.pointer = len(h.entries) - 1
}

func (h *History) Undo() (models.QueueSnapshot, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.pointer <= 0 {
		return models.QueueSnapshot{}, false
	}
	h.pointer--
	return h.currentLocked(), true
}

func (h *History) Redo() (models.QueueSnapshot, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.pointer >= len(h.entries)-1 {
		return models.QueueSnapshot{}, false
	}
	h.pointer++
	return h.currentLocked(), true
}

func (h *History) currentLocked() models.QueueSnapshot {
	s := h.entries[h.pointer]
	s.Queue = append([]models.Track(nil), s.Queue...)
	return s
}

func (h *History) CanUndo() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.pointer > 0
}

func (h *History) CanRedo() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.pointer < len(h.entries)-1
}

func (h *History) Len() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.entries)
}
