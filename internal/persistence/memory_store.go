package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/ledgerwire/flowstate/pkg/api"
)

// MemoryStore is a simple, goroutine-safe CheckpointStore backed by maps.
// It is the default backend for cmd/flowd -store=memory and for tests
// that do not need crash durability.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[api.FlowId]*api.Checkpoint
	leases      map[api.FlowId]memoryLease
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[api.FlowId]*api.Checkpoint),
		leases:      make(map[api.FlowId]memoryLease),
	}
}

var _ CheckpointStore = (*MemoryStore)(nil)

func (s *MemoryStore) Load(ctx context.Context, flowId api.FlowId) (*api.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[flowId]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return cp.Clone(), nil
}

func (s *MemoryStore) Persist(ctx context.Context, cp *api.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[cp.FlowId] = cp.Clone()
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, flowId api.FlowId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, flowId)
	delete(s.leases, flowId)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter CheckpointFilter) ([]*api.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Checkpoint
	for _, cp := range s.checkpoints {
		if filter.HasFlowState && cp.FlowState.Kind != filter.FlowStateKind {
			continue
		}
		if filter.Errored && cp.ErrorState.Kind != api.ErrorStateErrored {
			continue
		}
		result = append(result, cp.Clone())
	}
	return result, nil
}

func (s *MemoryStore) TryAcquireLease(ctx context.Context, flowId api.FlowId, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	lease, held := s.leases[flowId]
	if held && lease.owner != owner && lease.expires.After(now) {
		return false, nil
	}
	s.leases[flowId] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, flowId api.FlowId, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, held := s.leases[flowId]
	if !held || lease.owner != owner {
		return ErrLeaseHeldByOther
	}
	s.leases[flowId] = memoryLease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, flowId api.FlowId, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, held := s.leases[flowId]
	if !held || lease.owner == owner {
		delete(s.leases, flowId)
	}
	return nil
}
