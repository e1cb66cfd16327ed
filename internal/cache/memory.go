package cache

import (
	"context"
	"sync"
	"time"

	"github.com/entryline/gatescan/internal/domain"
)

// MemoryCache is the single-process fallback used when no Redis is
// configured, and in tests.
type MemoryCache struct {
	mu        sync.RWMutex
	ttl       time.Duration
	snapshots map[string]*domain.TicketSnapshot
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:       ttl,
		snapshots: make(map[string]*domain.TicketSnapshot),
	}
}

func (c *MemoryCache) Get(ctx context.Context, code string) (*domain.TicketSnapshot, error) {
	c.mu.RLock()
	snap, ok := c.snapshots[code]
	c.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if c.ttl > 0 && time.Since(snap.FetchedAt) > c.ttl {
		return nil, nil
	}
	return snap, nil
}

func (c *MemoryCache) Put(ctx context.Context, snapshot *domain.TicketSnapshot) error {
	c.mu.Lock()
	c.snapshots[snapshot.Code] = snapshot
	c.mu.Unlock()
	return nil
}

var _ TicketCache = (*MemoryCache)(nil)
