package graph

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ankie/internal/domain"
	"ankie/internal/infra/metrics"
)

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	Compiles   int64         `json:"compiles"`
	Errors     int64         `json:"errors"`
	Entries    int           `json:"entries"`
	AvgCompile time.Duration `json:"avg_compile_ns"`
}

// Cache memoizes compiled graphs per agent id. Concurrent misses for the same
// agent share one compilation; a failed compilation is never cached.
type Cache struct {
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*Graph
	// version bumps on every invalidation so a compile that started before
	// it does not store a stale graph.
	version map[string]uint64
	epoch   uint64

	hits, misses, compiles, errors int64
	compileTime                    time.Duration

	metrics *metrics.Metrics
	bus     domain.EventBus
	logger  *slog.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheMetrics records hits, misses and compile latency.
func WithCacheMetrics(m *metrics.Metrics) CacheOption { return func(c *Cache) { c.metrics = m } }

// WithCacheBus publishes an event whenever entries are invalidated.
func WithCacheBus(bus domain.EventBus) CacheOption { return func(c *Cache) { c.bus = bus } }

// NewCache creates an empty cache.
func NewCache(logger *slog.Logger, opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]*Graph),
		version: make(map[string]uint64),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrCompile returns the cached graph for agentID or calls factory to build
// it. Callers racing on the same missing agent all receive the graph of a
// single factory call.
func (c *Cache) GetOrCompile(agentID string, factory func() (*Graph, error)) (*Graph, error) {
	if g, ok := c.lookup(agentID); ok {
		c.hit()
		return g, nil
	}

	v, err, _ := c.group.Do(agentID, func() (any, error) {
		if g, ok := c.lookup(agentID); ok {
			return g, nil
		}
		ver := c.currentVersion(agentID)

		c.miss()
		start := time.Now()
		g, err := factory()
		elapsed := time.Since(start)

		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.errors++
			return nil, err
		}
		c.compiles++
		c.compileTime += elapsed
		c.metrics.ObserveCompile(elapsed)
		if c.versionLocked(agentID) == ver {
			c.entries[agentID] = g
		}
		c.logger.Debug("graph compiled", "agent_id", agentID, "duration", elapsed)
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Graph), nil
}

// Invalidate drops the cached graph of agentID.
func (c *Cache) Invalidate(ctx context.Context, agentID string) {
	c.mu.Lock()
	delete(c.entries, agentID)
	c.version[agentID]++
	c.mu.Unlock()
	c.group.Forget(agentID)

	c.logger.Info("graph cache invalidated", "agent_id", agentID)
	c.publish(ctx, []string{agentID})
}

// InvalidateAll drops every cached graph.
func (c *Cache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
		c.group.Forget(id)
	}
	clear(c.entries)
	clear(c.version)
	c.epoch++
	c.mu.Unlock()

	c.logger.Info("graph cache cleared", "entries", len(ids))
	c.publish(ctx, ids)
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		Hits:     c.hits,
		Misses:   c.misses,
		Compiles: c.compiles,
		Errors:   c.errors,
		Entries:  len(c.entries),
	}
	if c.compiles > 0 {
		s.AvgCompile = c.compileTime / time.Duration(c.compiles)
	}
	return s
}

func (c *Cache) lookup(agentID string) (*Graph, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.entries[agentID]
	return g, ok
}

func (c *Cache) currentVersion(agentID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versionLocked(agentID)
}

// versionLocked folds the global epoch into the per-agent counter.
func (c *Cache) versionLocked(agentID string) uint64 {
	return c.epoch<<32 | c.version[agentID]
}

func (c *Cache) hit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	c.metrics.GraphCacheHit()
}

func (c *Cache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	c.metrics.GraphCacheMiss()
}

func (c *Cache) publish(ctx context.Context, agentIDs []string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, domain.NewEvent(domain.EventGraphCacheCleared, "", "", map[string]any{
		"agent_ids": agentIDs,
	}))
}
