package registry

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const memoryCleanupInterval = time.Minute

// Memory is an in-process Registry. Several managers in one process can
// share one Memory to behave like separate nodes.
type Memory struct {
	mu    sync.Mutex // serializes read-modify-write sequences on cache
	cache *gocache.Cache
}

// NewMemory creates an empty in-process registry
func NewMemory() *Memory {
	return &Memory{cache: gocache.New(gocache.NoExpiration, memoryCleanupInterval)}
}

func (m *Memory) Has(ctx context.Context, taskID string) (bool, error) {
	owner, err := m.Owner(ctx, taskID)
	return owner != "", err
}

func (m *Memory) Register(ctx context.Context, taskID, nodeID string, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Add treats an expired item as absent
	if err := m.cache.Add(taskID, nodeID, ttl); err != nil {
		return ErrLeaseExists
	}
	return nil
}

func (m *Memory) Renew(ctx context.Context, taskID, nodeID string, ttl time.Duration) (bool, error) {
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.cache.Get(taskID)
	if !ok || owner.(string) != nodeID {
		return false, nil
	}
	m.cache.Set(taskID, nodeID, ttl)
	return true, nil
}

func (m *Memory) Remove(ctx context.Context, taskID, nodeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.cache.Get(taskID)
	if !ok || owner.(string) != nodeID {
		return false, nil
	}
	m.cache.Delete(taskID)
	return true, nil
}

func (m *Memory) Owner(ctx context.Context, taskID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	owner, ok := m.cache.Get(taskID)
	if !ok {
		return "", nil
	}
	return owner.(string), nil
}

func (m *Memory) Close() error {
	m.cache.Flush()
	return nil
}
