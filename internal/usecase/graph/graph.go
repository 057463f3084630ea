// Package graph compiles an agent configuration into an executable node
// graph and memoizes compiled graphs per agent.
package graph

import (
	"context"
	"slices"
	"time"

	"ankie/internal/domain"
)

// NodeFunc advances st and names the next node. Done ends the execution.
// A NodeFunc mutates only st; the execution manager hands it a private copy
// and discards the copy on error.
type NodeFunc func(ctx context.Context, st *domain.ExecutionState) (domain.NodeType, error)

// Done is returned by the end node when no delegating agent is waiting.
const Done domain.NodeType = ""

// Entry is the node every execution of a fresh turn starts at.
const Entry = domain.NodeRouter

// transitions is the state machine shared by every compiled graph.
var transitions = map[domain.NodeType][]domain.NodeType{
	domain.NodeRouter:     {domain.NodeAgent, domain.NodeDelegation},
	domain.NodeAgent:      {domain.NodeTools, domain.NodeEnd},
	domain.NodeTools:      {domain.NodeAgent, domain.NodeInterrupt, domain.NodeRouter},
	domain.NodeInterrupt:  {domain.NodeTools, domain.NodeEnd, domain.NodeAgent},
	domain.NodeDelegation: {domain.NodeRouter, domain.NodeAgent},
	domain.NodeEnd:        {domain.NodeAgent, Done},
}

// Graph is the compiled, immutable execution graph of one agent.
type Graph struct {
	agent      domain.AgentConfig
	tools      []domain.ToolSchema
	targets    []string
	nodes      map[domain.NodeType]NodeFunc
	saver      domain.CheckpointSaver
	compiledAt time.Time
}

// Agent returns the configuration the graph was compiled from.
func (g *Graph) Agent() domain.AgentConfig { return g.agent }

// Tools returns the tool schemas offered to the model, including the
// delegation pseudo-tool when the agent may delegate.
func (g *Graph) Tools() []domain.ToolSchema { return slices.Clone(g.tools) }

// DelegationTargets lists the agent ids this agent may hand work to.
func (g *Graph) DelegationTargets() []string { return slices.Clone(g.targets) }

// Node returns the function for node t.
func (g *Graph) Node(t domain.NodeType) (NodeFunc, bool) {
	fn, ok := g.nodes[t]
	return fn, ok
}

// CanTransition reports whether to is a legal successor of from.
func (g *Graph) CanTransition(from, to domain.NodeType) bool {
	return slices.Contains(transitions[from], to)
}

// Checkpointer returns the shared saver every graph from the same builder uses.
func (g *Graph) Checkpointer() domain.CheckpointSaver { return g.saver }

// CompiledAt is when the graph was built.
func (g *Graph) CompiledAt() time.Time { return g.compiledAt }
