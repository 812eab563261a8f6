package interrupt

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/reactor/pkg/models"
)

var (
	// ErrInterruptNotFound means no interrupt exists at the
	// (threadID, interruptID) address.
	ErrInterruptNotFound = errors.New("interrupt not found")

	// ErrInterruptResolved means the interrupt already left the pending
	// state and cannot be responded to again.
	ErrInterruptResolved = errors.New("interrupt already resolved")
)

// Store persists pending interrupts. Interrupts are addressed by the
// (threadID, interruptID) pair.
type Store interface {
	// Create persists a new pending interrupt.
	Create(ctx context.Context, interrupt *models.PendingInterrupt) error

	// Get returns the interrupt at the address, or ErrInterruptNotFound.
	Get(ctx context.Context, threadID, interruptID string) (*models.PendingInterrupt, error)

	// Resolve moves a pending interrupt to a terminal status, recording
	// the response when present. ErrInterruptNotFound for unknown
	// addresses; ErrInterruptResolved when it already left pending.
	Resolve(ctx context.Context, threadID, interruptID string, status models.InterruptStatus, resp *models.InterruptResponse) error

	// ListPending returns pending interrupts for a thread, oldest
	// first. An empty threadID lists all threads.
	ListPending(ctx context.Context, threadID string) ([]*models.PendingInterrupt, error)

	// DeleteExpired removes interrupts that left the pending state
	// before the cutoff, returning how many were removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type storedInterrupt struct {
	interrupt  models.PendingInterrupt
	resolvedAt time.Time
}

// MemoryStore is a mutex-guarded in-memory Store for tests and
// single-process deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[addrKey]*storedInterrupt
}

type addrKey struct {
	threadID    string
	interruptID string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[addrKey]*storedInterrupt)}
}

func (s *MemoryStore) Create(_ context.Context, interrupt *models.PendingInterrupt) error {
	if interrupt == nil || interrupt.ID == "" {
		return errors.New("interrupt ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[addrKey{interrupt.ThreadID, interrupt.ID}] = &storedInterrupt{interrupt: *interrupt}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, threadID, interruptID string) (*models.PendingInterrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[addrKey{threadID, interruptID}]
	if !ok {
		return nil, ErrInterruptNotFound
	}
	out := item.interrupt
	return &out, nil
}

func (s *MemoryStore) Resolve(_ context.Context, threadID, interruptID string, status models.InterruptStatus, resp *models.InterruptResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[addrKey{threadID, interruptID}]
	if !ok {
		return ErrInterruptNotFound
	}
	if item.interrupt.Status != models.InterruptPending {
		return ErrInterruptResolved
	}
	item.interrupt.Status = status
	item.interrupt.Response = resp
	item.resolvedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListPending(_ context.Context, threadID string) ([]*models.PendingInterrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PendingInterrupt
	for key, item := range s.items {
		if item.interrupt.Status != models.InterruptPending {
			continue
		}
		if threadID != "" && key.threadID != threadID {
			continue
		}
		copied := item.interrupt
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, item := range s.items {
		if item.interrupt.Status == models.InterruptPending {
			continue
		}
		if item.resolvedAt.Before(cutoff) {
			delete(s.items, key)
			removed++
		}
	}
	return removed, nil
}
