package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"ankie/internal/domain"
	"ankie/internal/infra/tracer"
)

// Deps holds the collaborators wired into every compiled graph.
type Deps struct {
	Models domain.ModelSource
	Tools  domain.ToolExecutor
	Risk   domain.RiskClassifier
	Agents domain.AgentDirectory
	// Saver is the single shared checkpoint saver. Required.
	Saver  domain.CheckpointSaver
	Bus    domain.EventBus // optional, nil = no events
	Logger *slog.Logger

	MaxDelegationDepth int
	ToolConcurrency    int
}

// Builder compiles agent configurations into graphs.
type Builder struct {
	deps Deps
}

// NewBuilder creates a builder. Zero limits get the defaults: 5 hops and 4
// concurrent tool calls.
func NewBuilder(deps Deps) *Builder {
	if deps.MaxDelegationDepth <= 0 {
		deps.MaxDelegationDepth = 5
	}
	if deps.ToolConcurrency <= 0 {
		deps.ToolConcurrency = 4
	}
	return &Builder{deps: deps}
}

// Compile builds the graph for cfg. Any problem is fatal: no partial graph
// is ever returned.
func (b *Builder) Compile(ctx context.Context, cfg domain.AgentConfig) (*Graph, error) {
	_, span := tracer.StartSpan(ctx, "graph.compile",
		trace.WithAttributes(tracer.StringAttr("agent.id", cfg.ID)),
	)
	defer span.End()

	g, err := b.compile(ctx, cfg)
	if err != nil {
		tracer.RecordError(span, err)
		b.deps.Logger.Error("graph compile failed", "agent_id", cfg.ID, "error", err)
		return nil, err
	}
	span.SetAttributes(
		tracer.IntAttr("graph.tools", len(g.tools)),
		tracer.IntAttr("graph.targets", len(g.targets)),
	)
	tracer.SetOK(span)
	return g, nil
}

func (b *Builder) compile(ctx context.Context, cfg domain.AgentConfig) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, compileError(cfg.ID, err)
	}
	if b.deps.Saver == nil {
		return nil, compileError(cfg.ID, fmt.Errorf("%w: no checkpoint saver", domain.ErrInvalidInput))
	}
	if b.deps.Models == nil || b.deps.Tools == nil || b.deps.Agents == nil {
		return nil, compileError(cfg.ID, fmt.Errorf("%w: builder is missing a dependency", domain.ErrInvalidInput))
	}

	schemas := make([]domain.ToolSchema, 0, len(cfg.Tools)+1)
	for _, name := range cfg.Tools {
		if name == domain.DelegateToolName {
			return nil, compileError(cfg.ID, fmt.Errorf("%w: %s is reserved", domain.ErrInvalidInput, name))
		}
		tool, err := b.deps.Tools.Get(name)
		if err != nil {
			return nil, compileError(cfg.ID, fmt.Errorf("tool %q: %w", name, err))
		}
		schemas = append(schemas, tool.Schema())
	}

	targets, err := b.delegationTargets(ctx, cfg)
	if err != nil {
		return nil, compileError(cfg.ID, err)
	}
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	if len(targets) > 0 {
		schema, err := delegateSchema(targets)
		if err != nil {
			return nil, compileError(cfg.ID, err)
		}
		schemas = append(schemas, schema)
	}

	n := &nodes{
		deps:         b.deps,
		agent:        cfg,
		schemas:      schemas,
		targets:      toSet(ids),
		instructions: instructions(cfg, targets),
	}
	return &Graph{
		agent:   cfg,
		tools:   schemas,
		targets: ids,
		nodes: map[domain.NodeType]NodeFunc{
			domain.NodeRouter:     n.router,
			domain.NodeAgent:      n.call,
			domain.NodeTools:      n.tools,
			domain.NodeInterrupt:  n.interrupt,
			domain.NodeDelegation: n.delegate,
			domain.NodeEnd:        n.end,
		},
		saver:      b.deps.Saver,
		compiledAt: time.Now(),
	}, nil
}

// delegationTargets resolves who cfg may hand work to. Explicit Delegates
// must all exist; a supervisor without a list may reach every specialist.
func (b *Builder) delegationTargets(ctx context.Context, cfg domain.AgentConfig) ([]domain.AgentConfig, error) {
	if len(cfg.Delegates) > 0 {
		out := make([]domain.AgentConfig, 0, len(cfg.Delegates))
		for _, id := range cfg.Delegates {
			target, err := b.deps.Agents.Get(id)
			if err != nil {
				return nil, fmt.Errorf("delegate %q: %w", id, err)
			}
			if !cfg.CanDelegateTo(target) {
				return nil, fmt.Errorf("%w: %q may not delegate to %q", domain.ErrInvalidInput, cfg.ID, id)
			}
			out = append(out, target)
		}
		return out, nil
	}
	if cfg.Role != domain.RoleSupervisor {
		return nil, nil
	}
	all, err := b.deps.Agents.ListForUser(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var out []domain.AgentConfig
	for _, t := range all {
		if cfg.CanDelegateTo(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func compileError(agentID string, cause error) error {
	return &domain.DomainError{
		Op:        "Graph.Compile",
		Err:       domain.ErrGraphCompile,
		Detail:    fmt.Sprintf("agent %q: %v", agentID, cause),
		SubSystem: "graph",
	}
}

func delegateSchema(targets []domain.AgentConfig) (domain.ToolSchema, error) {
	ids := make([]string, len(targets))
	var desc strings.Builder
	desc.WriteString("Hand a task to a specialist agent and wait for its answer. Available specialists:")
	for i, t := range targets {
		ids[i] = t.ID
		fmt.Fprintf(&desc, "\n- %s (%s): %s", t.ID, t.DisplayName(), t.Description)
	}
	params, err := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_id": map[string]any{
				"type":        "string",
				"enum":        ids,
				"description": "Id of the specialist to delegate to.",
			},
			"task": map[string]any{
				"type":        "string",
				"description": "Self-contained description of what the specialist should do.",
			},
		},
		"required":             []string{"agent_id", "task"},
		"additionalProperties": false,
	})
	if err != nil {
		return domain.ToolSchema{}, err
	}
	return domain.ToolSchema{
		Name:        domain.DelegateToolName,
		Description: desc.String(),
		Parameters:  params,
	}, nil
}

// instructions is the static part of the agent's system prompt.
func instructions(cfg domain.AgentConfig, targets []domain.AgentConfig) string {
	var sb strings.Builder
	sb.WriteString(cfg.Prompt)
	if len(targets) > 0 {
		sb.WriteString("\n\nYou can hand work to these specialists with the ")
		sb.WriteString(domain.DelegateToolName)
		sb.WriteString(" tool:")
		for _, t := range targets {
			fmt.Fprintf(&sb, "\n- %s (%s): %s", t.ID, t.DisplayName(), t.Description)
		}
	}
	return strings.TrimSpace(sb.String())
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
