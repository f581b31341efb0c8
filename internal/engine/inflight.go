package engine

import (
	"sync"

	"github.com/Priya8975/sales-webhooks/internal/domain"
)

// InFlight tracks (subscription, event) pairs that are currently being
// delivered or are waiting in the retry queue. A key is held from the first
// attempt until the delivery succeeds or fails permanently.
type InFlight struct {
	mu   sync.Mutex
	keys map[domain.DeliveryKey]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{keys: make(map[domain.DeliveryKey]struct{})}
}

// Acquire claims key. It returns false if the key is already held.
func (f *InFlight) Acquire(key domain.DeliveryKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, held := f.keys[key]; held {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

func (f *InFlight) Release(key domain.DeliveryKey) {
	f.mu.Lock()
	delete(f.keys, key)
	f.mu.Unlock()
}

func (f *InFlight) Held(key domain.DeliveryKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, held := f.keys[key]
	return held
}

func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}
