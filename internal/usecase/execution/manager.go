// Package execution drives a compiled graph from one node to the next,
// checkpointing after every transition and narrating progress as steps.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"ankie/internal/domain"
	"ankie/internal/infra/metrics"
	"ankie/internal/infra/tracer"
	"ankie/internal/usecase/graph"
	"ankie/internal/usecase/steps"
)

// GraphSource resolves the compiled graph of an agent.
type GraphSource interface {
	Graph(ctx context.Context, agentID string) (*graph.Graph, error)
}

// Config bounds a single execution.
type Config struct {
	MaxNodeAttempts int
	MaxSteps        int
	RetryBackoff    time.Duration
}

// Manager runs executions. It holds no per-execution state and is safe for
// concurrent use.
type Manager struct {
	graphs  GraphSource
	agents  domain.AgentDirectory
	steps   *steps.Builder
	bus     domain.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus publishes execution events.
func WithBus(bus domain.EventBus) Option { return func(m *Manager) { m.bus = bus } }

// WithMetrics records terminal statuses, retries and checkpoint appends.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// NewManager creates a manager. Zero limits fall back to 3 attempts per node,
// 60 transitions per execution and a 500ms initial retry backoff.
func NewManager(graphs GraphSource, agents domain.AgentDirectory, sb *steps.Builder, logger *slog.Logger, cfg Config, opts ...Option) *Manager {
	if cfg.MaxNodeAttempts <= 0 {
		cfg.MaxNodeAttempts = 3
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 60
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	m := &Manager{graphs: graphs, agents: agents, steps: sb, logger: logger, cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts executing st at node start in a new goroutine. parentID is the
// thread's latest checkpoint id, empty for a thread's first execution.
// The manager owns st from here on.
func (m *Manager) Run(ctx context.Context, st *domain.ExecutionState, start domain.NodeType, parentID string) *Stream {
	s := newStream()
	go func() {
		res, err := m.run(ctx, s, st, start, parentID)
		s.finish(res, err)
	}()
	return s
}

type runner struct {
	m      *Manager
	s      *Stream
	st     *domain.ExecutionState
	saver  domain.CheckpointSaver
	lastID string
	steps  int
}

func (m *Manager) run(ctx context.Context, s *Stream, st *domain.ExecutionState, node domain.NodeType, parentID string) (*domain.ExecutionResult, error) {
	ctx = domain.WithRequest(ctx, domain.RequestContext{
		UserID:    st.UserID,
		Locale:    st.Locale,
		RequestID: st.RequestID,
		ThreadID:  st.ThreadID,
	})
	ctx, span := tracer.StartSpan(ctx, "execution.run",
		trace.WithAttributes(
			tracer.StringAttr("thread.id", st.ThreadID),
			tracer.StringAttr("execution.id", st.ExecutionID),
			tracer.StringAttr("agent.id", st.AgentID),
			tracer.StringAttr("start.node", string(node)),
		),
	)
	defer span.End()

	r := &runner{m: m, s: s, st: st, lastID: parentID}
	st.Status = domain.StatusRunning
	m.logger.Info("execution started",
		"thread_id", st.ThreadID,
		"execution_id", st.ExecutionID,
		"agent_id", st.AgentID,
		"node", node,
	)

	res, err := r.loop(ctx, node)
	if err != nil {
		tracer.RecordError(span, err)
	} else {
		span.SetAttributes(tracer.StringAttr("execution.status", string(res.Status)))
		tracer.SetOK(span)
	}
	return res, err
}

func (r *runner) loop(ctx context.Context, node domain.NodeType) (*domain.ExecutionResult, error) {
	m, st := r.m, r.st
	for {
		if ctx.Err() != nil {
			return r.cancelled(ctx)
		}
		if st.Step >= m.cfg.MaxSteps {
			return r.fail(ctx, &domain.DomainError{
				Op:        "Execution.Run",
				Err:       domain.ErrMaxSteps,
				Detail:    fmt.Sprintf("%d transitions", st.Step),
				SubSystem: "execution",
			})
		}

		g, err := m.graphs.Graph(ctx, st.AgentID)
		if err != nil {
			return r.fail(ctx, err)
		}
		if r.saver == nil {
			r.saver = g.Checkpointer()
		}
		fn, ok := g.Node(node)
		if !ok {
			return r.fail(ctx, fmt.Errorf("%w: graph of %q has no node %q", domain.ErrGraphCompile, st.AgentID, node))
		}

		before := st
		resumed := node == domain.NodeInterrupt
		next, after, err := r.runNode(ctx, node, fn)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx)
			}
			return r.fail(ctx, err)
		}
		if !g.CanTransition(node, next) {
			return r.fail(ctx, fmt.Errorf("%w: illegal transition %s → %q", domain.ErrInvalidInput, node, next))
		}

		st = after
		r.st = st
		st.Step++
		st.CurrentNode = next
		switch {
		case next == graph.Done:
			st.Status = domain.StatusCompleted
			st.CurrentNode = domain.NodeEnd
		case next == domain.NodeInterrupt && st.Response == nil:
			st.Status = domain.StatusInterrupted
		}
		st.UpdatedAt = time.Now()

		if err := r.checkpoint(ctx); err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx)
			}
			return r.fail(ctx, err)
		}
		m.logger.Debug("node transition",
			"thread_id", st.ThreadID,
			"execution_id", st.ExecutionID,
			"agent_id", before.AgentID,
			"node", node,
			"next", next,
		)

		// A tools node that stops for approval ran nothing; the interrupt
		// step describes it instead.
		if !resumed && st.Status != domain.StatusInterrupted {
			r.emit(ctx, r.stepFor(ctx, g, node, next, before))
		}

		switch st.Status {
		case domain.StatusCompleted:
			return r.completed(ctx)
		case domain.StatusInterrupted:
			return r.interrupted(ctx, g)
		}
		node = next
	}
}

// runNode runs fn on a private copy of the state, retrying transient
// failures with exponential backoff.
func (r *runner) runNode(ctx context.Context, node domain.NodeType, fn graph.NodeFunc) (domain.NodeType, *domain.ExecutionState, error) {
	ctx, span := tracer.StartSpan(ctx, "execution.node",
		trace.WithAttributes(
			tracer.StringAttr("node", string(node)),
			tracer.StringAttr("agent.id", r.st.AgentID),
		),
	)
	defer span.End()

	backoff := r.m.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		work := r.st.Clone()
		next, err := fn(ctx, work)
		if err == nil {
			span.SetAttributes(tracer.IntAttr("attempts", attempt))
			tracer.SetOK(span)
			return next, work, nil
		}
		if !domain.IsRetryableError(err) || attempt >= r.m.cfg.MaxNodeAttempts || ctx.Err() != nil {
			tracer.RecordError(span, err)
			return "", nil, err
		}

		r.m.metrics.NodeRetry(string(node))
		r.m.logger.Warn("node failed, retrying",
			"thread_id", r.st.ThreadID,
			"execution_id", r.st.ExecutionID,
			"node", node,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (r *runner) checkpoint(ctx context.Context) error {
	if r.saver == nil {
		return fmt.Errorf("%w: no checkpoint saver", domain.ErrInvalidInput)
	}
	ctx, span := tracer.StartSpan(ctx, "checkpoint.append",
		trace.WithAttributes(tracer.StringAttr("thread.id", r.st.ThreadID)),
	)
	defer span.End()

	cp := &domain.Checkpoint{
		ThreadID:    r.st.ThreadID,
		ID:          ulid.Make().String(),
		ParentID:    r.lastID,
		ExecutionID: r.st.ExecutionID,
		Node:        r.st.CurrentNode,
		Status:      r.st.Status,
		State:       r.st.Clone(),
		CreatedAt:   time.Now(),
	}
	if err := r.saver.Append(ctx, cp); err != nil {
		if errors.Is(err, domain.ErrCheckpointConflict) {
			r.m.metrics.CheckpointConflict()
		}
		tracer.RecordError(span, err)
		return err
	}
	r.m.metrics.CheckpointAppended()
	r.lastID = cp.ID
	tracer.SetOK(span)
	return nil
}

// stepFor narrates the node that just ran, using the state it ran on.
func (r *runner) stepFor(ctx context.Context, g *graph.Graph, node, next domain.NodeType, before *domain.ExecutionState) domain.ExecutionStep {
	cfg := steps.Config{
		Node:        node,
		AgentID:     before.AgentID,
		AgentName:   g.Agent().DisplayName(),
		ExecutionID: before.ExecutionID,
		ThreadID:    before.ThreadID,
		Locale:      before.Locale,
		Final:       node == domain.NodeAgent && next == domain.NodeEnd,
		Progress:    min(r.st.Step*10, 90),
	}
	switch node {
	case domain.NodeTools:
		for _, call := range before.PendingToolCalls {
			if call.Name != domain.DelegateToolName {
				cfg.Tools = append(cfg.Tools, call.Name)
			}
		}
	case domain.NodeDelegation:
		if pd := before.PendingDelegation; pd != nil {
			cfg.TargetAgentID = pd.ToAgentID
			cfg.TargetAgentName = r.displayName(pd.ToAgentID)
		}
	case domain.NodeEnd:
		if next == graph.Done {
			cfg.Progress = 100
		}
	}
	return r.m.steps.Build(ctx, cfg)
}

func (r *runner) displayName(agentID string) string {
	if r.m.agents == nil {
		return agentID
	}
	a, err := r.m.agents.Get(agentID)
	if err != nil {
		return agentID
	}
	return a.DisplayName()
}

func (r *runner) emit(ctx context.Context, step domain.ExecutionStep) {
	r.steps++
	r.s.emit(step)
	r.publish(ctx, domain.EventExecutionStep, step)
}

func (r *runner) publish(ctx context.Context, typ domain.EventType, payload any) {
	if r.m.bus == nil {
		return
	}
	r.m.bus.Publish(ctx, domain.NewEvent(typ, r.st.ThreadID, r.st.ExecutionID, payload))
}

func (r *runner) result() *domain.ExecutionResult {
	return &domain.ExecutionResult{
		ThreadID:     r.st.ThreadID,
		ExecutionID:  r.st.ExecutionID,
		CheckpointID: r.lastID,
		AgentID:      r.st.AgentID,
		Status:       r.st.Status,
		Content:      r.st.FinalContent,
		Interrupt:    r.st.Interrupt,
		Steps:        r.steps,
	}
}

func (r *runner) completed(ctx context.Context) (*domain.ExecutionResult, error) {
	res := r.result()
	r.m.metrics.ExecutionFinished(string(domain.StatusCompleted))
	r.publish(ctx, domain.EventExecutionCompleted, res)
	r.m.logger.Info("execution completed",
		"thread_id", r.st.ThreadID,
		"execution_id", r.st.ExecutionID,
		"agent_id", r.st.AgentID,
		"steps", r.st.Step,
		"hops", r.st.Hops,
	)
	return res, nil
}

func (r *runner) interrupted(ctx context.Context, g *graph.Graph) (*domain.ExecutionResult, error) {
	in := r.st.Interrupt
	r.emit(ctx, r.m.steps.Build(ctx, steps.Config{
		Node:        domain.NodeInterrupt,
		AgentID:     r.st.AgentID,
		AgentName:   g.Agent().DisplayName(),
		ExecutionID: r.st.ExecutionID,
		ThreadID:    r.st.ThreadID,
		Locale:      r.st.Locale,
		Tools:       []string{in.ActionRequest.Action},
		Progress:    min(r.st.Step*10, 90),
	}))
	res := r.result()
	r.m.metrics.ExecutionFinished(string(domain.StatusInterrupted))
	r.publish(ctx, domain.EventExecutionInterrupt, in)
	r.m.logger.Info("execution interrupted",
		"thread_id", r.st.ThreadID,
		"execution_id", r.st.ExecutionID,
		"checkpoint_id", r.lastID,
		"action", in.ActionRequest.Action,
	)
	return res, nil
}

// fail records the failure in a final checkpoint. The checkpoint is best
// effort: the original error is what the caller needs.
func (r *runner) fail(ctx context.Context, cause error) (*domain.ExecutionResult, error) {
	r.st.Status = domain.StatusFailed
	r.st.Error = cause.Error()
	r.st.UpdatedAt = time.Now()

	persist := context.WithoutCancel(ctx)
	if !errors.Is(cause, domain.ErrCheckpointConflict) {
		if err := r.checkpoint(persist); err != nil {
			r.m.logger.Warn("failed to persist failed status",
				"thread_id", r.st.ThreadID,
				"execution_id", r.st.ExecutionID,
				"error", err,
			)
		}
	}

	r.m.metrics.ExecutionFinished(string(domain.StatusFailed))
	r.publish(persist, domain.EventExecutionFailed, domain.ExecutionFailedPayload{
		Code:    domain.ErrorCodeOf(cause),
		Class:   domain.ClassifyFailure(cause),
		Message: domain.UserMessage(cause),
		Error:   cause.Error(),
	})
	r.m.logger.Error("execution failed",
		"thread_id", r.st.ThreadID,
		"execution_id", r.st.ExecutionID,
		"agent_id", r.st.AgentID,
		"code", domain.ErrorCodeOf(cause),
		"error", cause,
	)
	return r.result(), cause
}

func (r *runner) cancelled(ctx context.Context) (*domain.ExecutionResult, error) {
	r.st.Status = domain.StatusCancelled
	r.st.UpdatedAt = time.Now()
	persist := context.WithoutCancel(ctx)
	if err := r.checkpoint(persist); err != nil {
		r.m.logger.Warn("failed to persist cancelled status",
			"thread_id", r.st.ThreadID,
			"execution_id", r.st.ExecutionID,
			"error", err,
		)
	}

	err := domain.NewSubSystemError("execution", "Execution.Run", domain.ErrExecutionCancelled, r.st.ExecutionID)
	r.m.metrics.ExecutionFinished(string(domain.StatusCancelled))
	r.publish(persist, domain.EventExecutionFailed, domain.ExecutionFailedPayload{
		Code:    domain.CodeExecutionCancelled,
		Class:   domain.ClassifyFailure(err),
		Message: domain.UserMessage(err),
		Error:   err.Error(),
	})
	r.m.logger.Info("execution cancelled",
		"thread_id", r.st.ThreadID,
		"execution_id", r.st.ExecutionID,
	)
	return r.result(), err
}
