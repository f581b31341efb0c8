package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/engine"
	"github.com/google/uuid"
)

// MemorySubscriptionStore serves subscriptions from memory. It backs local
// runs driven by a YAML file and the tests.
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]domain.Subscription
}

func NewMemorySubscriptionStore(subs ...domain.Subscription) *MemorySubscriptionStore {
	s := &MemorySubscriptionStore{subs: make(map[string]domain.Subscription, len(subs))}
	for _, sub := range subs {
		s.subs[sub.ID] = sub
	}
	return s
}

func (s *MemorySubscriptionStore) CreateSubscription(_ context.Context, sub domain.Subscription) (*domain.Subscription, error) {
	if err := prepareNew(&sub, time.Now().UTC()); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; ok {
		return nil, domain.NewValidationError("id", fmt.Sprintf("subscription %s already exists", sub.ID))
	}
	s.subs[sub.ID] = sub
	return &sub, nil
}

func (s *MemorySubscriptionStore) GetSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return &sub, nil
}

func (s *MemorySubscriptionStore) ListSubscriptions(_ context.Context, tenantID string) ([]domain.Subscription, error) {
	return s.collect(func(sub *domain.Subscription) bool {
		return tenantID == "" || sub.TenantID == tenantID
	}), nil
}

func (s *MemorySubscriptionStore) ActiveSubscriptions(_ context.Context, eventType string) ([]domain.Subscription, error) {
	return s.collect(func(sub *domain.Subscription) bool {
		return sub.Active && sub.Matches(eventType)
	}), nil
}

// collect returns matching subscriptions ordered by creation time, then id.
func (s *MemorySubscriptionStore) collect(match func(*domain.Subscription) bool) []domain.Subscription {
	s.mu.RLock()
	out := []domain.Subscription{}
	for _, sub := range s.subs {
		if match(&sub) {
			out = append(out, sub)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemorySubscriptionStore) UpdateSubscription(_ context.Context, id string, patch domain.SubscriptionPatch) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	patch.Apply(&sub)
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	sub.UpdatedAt = time.Now().UTC()
	s.subs[id] = sub
	return &sub, nil
}

func (s *MemorySubscriptionStore) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id]; !ok {
		return fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	delete(s.subs, id)
	return nil
}

// MemoryPayloadStore keeps pending retry requests in process memory.
type MemoryPayloadStore struct {
	mu       sync.Mutex
	payloads map[string]engine.Request
}

func NewMemoryPayloadStore() *MemoryPayloadStore {
	return &MemoryPayloadStore{payloads: make(map[string]engine.Request)}
}

func (s *MemoryPayloadStore) SavePayload(_ context.Context, ref string, req engine.Request) error {
	s.mu.Lock()
	s.payloads[ref] = req
	s.mu.Unlock()
	return nil
}

func (s *MemoryPayloadStore) LoadPayload(_ context.Context, ref string) (engine.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.payloads[ref]
	if !ok {
		return req, fmt.Errorf("payload %s: %w", ref, domain.ErrNotFound)
	}
	return req, nil
}

func (s *MemoryPayloadStore) DeletePayload(_ context.Context, ref string) error {
	s.mu.Lock()
	delete(s.payloads, ref)
	s.mu.Unlock()
	return nil
}

func (s *MemoryPayloadStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

// MemoryDeadLetterStore keeps dead letters in process memory.
type MemoryDeadLetterStore struct {
	mu      sync.Mutex
	letters []domain.DeadLetter
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

func (s *MemoryDeadLetterStore) SaveDeadLetter(_ context.Context, dl domain.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.letters = append(s.letters, dl)
	s.mu.Unlock()
	return nil
}

func (s *MemoryDeadLetterStore) ListDeadLetters(_ context.Context, f DeadLetterFilter) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.DeadLetter{}
	for i := len(s.letters) - 1; i >= 0; i-- {
		dl := s.letters[i]
		if (dl.ResolvedAt != nil) != f.Resolved {
			continue
		}
		if f.SubscriptionID != "" && dl.SubscriptionID != f.SubscriptionID {
			continue
		}
		out = append(out, dl)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryDeadLetterStore) GetDeadLetter(_ context.Context, id string) (*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dl := range s.letters {
		if dl.ID == id {
			return &dl, nil
		}
	}
	return nil, fmt.Errorf("dead letter %s: %w", id, domain.ErrNotFound)
}

func (s *MemoryDeadLetterStore) ResolveDeadLetter(_ context.Context, id, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.letters {
		dl := &s.letters[i]
		if dl.ID != id || dl.ResolvedAt != nil {
			continue
		}
		now := time.Now().UTC()
		dl.ResolvedAt = &now
		dl.ResolvedBy = &resolvedBy
		return nil
	}
	return fmt.Errorf("open dead letter %s: %w", id, domain.ErrNotFound)
}

const DefaultAttemptCapacity = 10000

// MemoryAttemptStore keeps the most recent attempts in a ring buffer.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
	next     int
	full     bool
}

func NewMemoryAttemptStore(capacity int) *MemoryAttemptStore {
	if capacity <= 0 {
		capacity = DefaultAttemptCapacity
	}
	return &MemoryAttemptStore{attempts: make([]domain.DeliveryAttempt, capacity)}
}

func (s *MemoryAttemptStore) RecordAttempt(a domain.DeliveryAttempt) {
	s.mu.Lock()
	s.attempts[s.next] = a
	s.next = (s.next + 1) % len(s.attempts)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
}

// ListAttempts returns stored attempts newest first.
func (s *MemoryAttemptStore) ListAttempts(_ context.Context, f AttemptFilter) ([]domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next
	if s.full {
		n = len(s.attempts)
	}
	out := []domain.DeliveryAttempt{}
	for i := 0; i < n; i++ {
		idx := (s.next - 1 - i + len(s.attempts)) % len(s.attempts)
		a := s.attempts[idx]
		if f.SubscriptionID != "" && a.SubscriptionID != f.SubscriptionID {
			continue
		}
		if f.EventID != "" && a.EventID != f.EventID {
			continue
		}
		if f.Outcome != "" && a.Outcome != f.Outcome {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
