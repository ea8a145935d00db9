package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Punyamittal/skipon-relay/backend/storage"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemStore is an in-process Store with per-key expiry. It backs tests and
// single-node deployments that run without redis.
type MemStore struct {
	mx        *sync.Mutex
	db        map[string]entry
	available bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:        &sync.Mutex{},
		db:        make(map[string]entry),
		available: true,
	}
}

// SetAvailable toggles simulated store reachability.
func (ms *MemStore) SetAvailable(v bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.available = v
}

func (ms *MemStore) Ready() bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return ms.available
}

func (ms *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if !ms.available {
		return nil, storage.ErrUnavailable
	}
	e, ok := ms.db[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(ms.db, key)
		return nil, storage.ErrNotFound
	}
	return e.value, nil
}

func (ms *MemStore) SetWithExpiry(_ context.Context, key string, value []byte, ttl time.Duration) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if !ms.available {
		return storage.ErrUnavailable
	}
	ms.db[key] = entry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (ms *MemStore) Delete(_ context.Context, key string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if !ms.available {
		return storage.ErrUnavailable
	}
	delete(ms.db, key)
	return nil
}

func (ms *MemStore) Exists(_ context.Context, key string) (bool, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if !ms.available {
		return false, storage.ErrUnavailable
	}
	e, ok := ms.db[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(ms.db, key)
		return false, nil
	}
	return true, nil
}
