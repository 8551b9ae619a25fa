// Package kv is the durable key-value capability that persistence is written
// against. Backends range from an in-memory map to the SQLite store in
// package database.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

var ErrUnavailable = errors.New("storage unavailable")

// StorageError wraps any backend failure (quota, unavailable, I/O).
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

type Store interface {
	// Get returns ok=false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

type Memory struct {
	mutex  sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.values, key)
	return nil
}

// Resilient fronts a durable Store. The first failure flips it into
// memory-only mode for the rest of the session; callers never see the error.
type Resilient struct {
	primary  Store
	memory   *Memory
	degraded atomic.Bool
	logger   *log.Entry
}

func NewResilient(primary Store) *Resilient {
	r := &Resilient{
		primary: primary,
		memory:  NewMemory(),
		logger: log.WithFields(log.Fields{
			"module": "kv",
		}),
	}
	if primary == nil {
		r.degraded.Store(true)
	}
	return r
}

// Degraded reports whether the store has fallen back to memory.
func (r *Resilient) Degraded() bool {
	return r.degraded.Load()
}

func (r *Resilient) Get(ctx context.Context, key string) (string, bool, error) {
	if !r.degraded.Load() {
		v, ok, err := r.primary.Get(ctx, key)
		if err == nil {
			if ok {
				r.memory.Set(ctx, key, v)
			}
			return v, ok, nil
		}
		r.degrade(&StorageError{Op: "get", Key: key, Err: err})
	}
	return r.memory.Get(ctx, key)
}

func (r *Resilient) Set(ctx context.Context, key, value string) error {
	r.memory.Set(ctx, key, value)
	if r.degraded.Load() {
		return nil
	}
	if err := r.primary.Set(ctx, key, value); err != nil {
		r.degrade(&StorageError{Op: "set", Key: key, Err: err})
	}
	return nil
}

func (r *Resilient) Remove(ctx context.Context, key string) error {
	r.memory.Remove(ctx, key)
	if r.degraded.Load() {
		return nil
	}
	if err := r.primary.Remove(ctx, key); err != nil {
		r.degrade(&StorageError{Op: "remove", Key: key, Err: err})
	}
	return nil
}

func (r *Resilient) degrade(err error) {
	if r.degraded.CompareAndSwap(false, true) {
		r.logger.Warnf("durable storage failed, continuing in memory for this session: %v", err)
		sentry.CaptureException(err)
	}
}
