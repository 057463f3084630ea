package graph

import (
	"context"

	"ankie/internal/domain"
)

// Compiler resolves an agent id to its compiled graph through the cache.
type Compiler struct {
	cache   *Cache
	builder *Builder
	agents  domain.AgentDirectory
}

// NewCompiler wires a cache to a builder.
func NewCompiler(cache *Cache, builder *Builder, agents domain.AgentDirectory) *Compiler {
	return &Compiler{cache: cache, builder: builder, agents: agents}
}

// Graph returns the graph of agentID, compiling it on first use.
func (c *Compiler) Graph(ctx context.Context, agentID string) (*Graph, error) {
	return c.cache.GetOrCompile(agentID, func() (*Graph, error) {
		cfg, err := c.agents.Get(agentID)
		if err != nil {
			return nil, err
		}
		// The compile is shared by every waiter; one caller's cancellation
		// must not fail the others.
		return c.builder.Compile(context.WithoutCancel(ctx), cfg)
	})
}

// Cache exposes the underlying cache for stats and invalidation.
func (c *Compiler) Cache() *Cache { return c.cache }
