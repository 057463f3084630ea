// Package orchestrator is the entry point for chat turns: it picks the agent,
// adds the delegation hint, serializes executions per thread and resumes
// executions paused on a human decision.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"ankie/internal/domain"
	"ankie/internal/infra/tracer"
	"ankie/internal/usecase/delegation"
	"ankie/internal/usecase/execution"
	"ankie/internal/usecase/graph"
	"ankie/internal/usecase/multiagent"
)

// Config tunes turn handling.
type Config struct {
	// HardRouting sends a turn straight to the detected specialist when the
	// hint is mandatory, instead of leaving the choice to the model.
	HardRouting bool
	LeaseTTL    time.Duration
	LeaseWait   time.Duration
}

// Deps are the shared, process-wide collaborators. Saver must be the same
// instance the graph builder was given.
type Deps struct {
	Agents   domain.AgentDirectory
	Graphs   *graph.Compiler
	Manager  *execution.Manager
	Saver    domain.CheckpointSaver
	Leaser   domain.ThreadLeaser
	Detector *delegation.Detector     // optional
	Mentions *multiagent.MentionRouter // optional
	Bus      domain.EventBus          // optional
	Logger   *slog.Logger
}

// TurnRequest is one user message.
type TurnRequest struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	Message  string `json:"message"`
	Locale   string `json:"locale,omitempty"`
	// AgentID pins the turn to an agent. Empty continues with the thread's
	// agent, or the supervisor for a new thread.
	AgentID string `json:"agent_id,omitempty"`
}

// ResumeRequest answers a pending interrupt.
type ResumeRequest struct {
	ThreadID    string `json:"thread_id"`
	ExecutionID string `json:"execution_id"`
	// CheckpointID optionally pins the exact checkpoint being answered.
	CheckpointID string              `json:"checkpoint_id,omitempty"`
	Response     domain.HumanResponse `json:"response"`
}

// Turn is a running execution.
type Turn struct {
	ThreadID    string
	ExecutionID string
	AgentID     string
	*execution.Stream
}

// PendingApproval describes a thread paused on a human decision.
type PendingApproval struct {
	ThreadID     string                 `json:"thread_id"`
	ExecutionID  string                 `json:"execution_id"`
	CheckpointID string                 `json:"checkpoint_id"`
	Interrupt    *domain.HumanInterrupt `json:"interrupt"`
}

// Orchestrator handles turns and resumes.
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu      sync.Mutex
	running map[string]*active // by execution id
	closed  bool
	wg      sync.WaitGroup
}

type active struct {
	threadID string
	cancel   context.CancelFunc
}

// New creates an orchestrator. Zero lease settings default to a two minute
// TTL and a five second wait.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.LeaseWait <= 0 {
		cfg.LeaseWait = 5 * time.Second
	}
	return &Orchestrator{deps: deps, cfg: cfg, running: make(map[string]*active)}
}

// HandleTurn starts an execution for req. The thread lease is held until the
// returned stream finishes.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	if strings.TrimSpace(req.ThreadID) == "" || strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: thread id and message are required", domain.ErrInvalidInput)
	}
	ctx, span := tracer.StartSpan(ctx, "orchestrator.turn",
		trace.WithAttributes(
			tracer.StringAttr("thread.id", req.ThreadID),
			tracer.StringAttr("user.id", req.UserID),
		),
	)
	defer span.End()

	turn, err := o.handleTurn(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		tracer.StringAttr("execution.id", turn.ExecutionID),
		tracer.StringAttr("agent.id", turn.AgentID),
	)
	tracer.SetOK(span)
	return turn, nil
}

func (o *Orchestrator) handleTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	release, err := o.lease(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			release()
		}
	}()

	latest, err := o.latest(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if latest.PendingInterrupt() {
		return nil, domain.NewSubSystemError("orchestrator", "Orchestrator.HandleTurn", domain.ErrInterruptPending,
			fmt.Sprintf("thread %s checkpoint %s", req.ThreadID, latest.ID))
	}
	if latest.Unfinished() {
		if o.isRunning(latest.ExecutionID) {
			return nil, domain.NewSubSystemError("orchestrator", "Orchestrator.HandleTurn", domain.ErrThreadBusy, req.ThreadID)
		}
		return nil, domain.NewSubSystemError("orchestrator", "Orchestrator.HandleTurn", domain.ErrExecutionIncomplete,
			fmt.Sprintf("thread %s execution %s stopped at %s", req.ThreadID, latest.ExecutionID, latest.Node))
	}

	root, message, err := o.resolveAgent(ctx, req, latest)
	if err != nil {
		return nil, err
	}
	// Compile errors are hard failures of the turn, reported before anything
	// is checkpointed.
	if _, err := o.deps.Graphs.Graph(ctx, root.ID); err != nil {
		return nil, err
	}

	var history []domain.Message
	parentID := ""
	if latest != nil {
		parentID = latest.ID
		history = rootMessages(latest.State)
	}
	history = append(history, domain.Message{Role: domain.RoleUser, Content: message, Timestamp: time.Now()})

	now := time.Now()
	st := &domain.ExecutionState{
		ThreadID:       req.ThreadID,
		ExecutionID:    ulid.Make().String(),
		UserID:         req.UserID,
		Locale:         req.Locale,
		RequestID:      ulid.Make().String(),
		RootAgentID:    root.ID,
		AgentID:        root.ID,
		Messages:       history,
		CurrentNode:    graph.Entry,
		DelegationPath: []string{root.ID},
		Status:         domain.StatusRunning,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	o.applyIntent(ctx, st, root, message)

	o.publish(ctx, domain.NewEvent(domain.EventTurnReceived, st.ThreadID, st.ExecutionID, map[string]any{
		"agent_id": root.ID,
		"user_id":  req.UserID,
	}))
	o.deps.Logger.Info("turn received",
		"thread_id", st.ThreadID,
		"execution_id", st.ExecutionID,
		"agent_id", root.ID,
		"hinted", st.Hint != "",
		"hard_routed", st.PendingDelegation != nil,
	)

	turn, err := o.start(ctx, st, graph.Entry, parentID, release)
	if err != nil {
		return nil, err
	}
	started = true
	return turn, nil
}

// resolveAgent picks the turn's root agent: an explicit id, then an @mention,
// then the thread's previous root, then the supervisor.
func (o *Orchestrator) resolveAgent(ctx context.Context, req TurnRequest, latest *domain.Checkpoint) (domain.AgentConfig, string, error) {
	message := strings.TrimSpace(req.Message)
	if req.AgentID != "" {
		a, err := o.deps.Agents.Get(req.AgentID)
		return a, message, err
	}
	if o.deps.Mentions != nil {
		if a, rest, ok := o.deps.Mentions.Route(ctx, req.UserID, message); ok && rest != "" {
			return a, rest, nil
		}
	}
	if latest != nil && latest.State.RootAgentID != "" {
		if a, err := o.deps.Agents.Get(latest.State.RootAgentID); err == nil {
			return a, message, nil
		}
	}
	a, err := o.deps.Agents.Supervisor()
	return a, message, err
}

// applyIntent merges the delegation hint into this turn's state. The stored
// agent configuration is never touched.
func (o *Orchestrator) applyIntent(ctx context.Context, st *domain.ExecutionState, root domain.AgentConfig, message string) {
	if o.deps.Detector == nil {
		return
	}
	intent := o.deps.Detector.DetectIntent(ctx, st.Messages, st.UserID)
	hint := o.deps.Detector.Hint(intent)
	if hint.Tier == delegation.TierNone || hint.AgentID == root.ID {
		return
	}
	target, err := o.deps.Agents.Get(hint.AgentID)
	if err != nil || !root.CanDelegateTo(target) {
		return
	}
	if o.cfg.HardRouting && hint.Tier == delegation.TierMandatory {
		st.PendingDelegation = &domain.PendingDelegation{
			FromAgentID: root.ID,
			ToAgentID:   target.ID,
			Task:        message,
		}
		return
	}
	st.Hint = hint.Text
}

// PendingInterrupt returns the thread's pending approval, or nil.
func (o *Orchestrator) PendingInterrupt(ctx context.Context, threadID string) (*PendingApproval, error) {
	latest, err := o.latest(ctx, threadID)
	if err != nil || !latest.PendingInterrupt() {
		return nil, err
	}
	return &PendingApproval{
		ThreadID:     threadID,
		ExecutionID:  latest.ExecutionID,
		CheckpointID: latest.ID,
		Interrupt:    latest.State.Interrupt,
	}, nil
}

// Resume answers the pending interrupt of (thread, execution) and continues
// the execution. A response for an interrupt that is not the thread's latest
// pending checkpoint is rejected with ErrStaleInterrupt.
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest) (*Turn, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.resume",
		trace.WithAttributes(
			tracer.StringAttr("thread.id", req.ThreadID),
			tracer.StringAttr("execution.id", req.ExecutionID),
			tracer.StringAttr("response.type", string(req.Response.Type)),
		),
	)
	defer span.End()

	turn, err := o.resume(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return turn, nil
}

func (o *Orchestrator) resume(ctx context.Context, req ResumeRequest) (*Turn, error) {
	release, err := o.lease(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			release()
		}
	}()

	latest, err := o.latest(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	switch {
	case !latest.PendingInterrupt():
		return nil, staleInterrupt(req, "no pending interrupt")
	case latest.ExecutionID != req.ExecutionID:
		return nil, staleInterrupt(req, "execution "+latest.ExecutionID+" is pending")
	case req.CheckpointID != "" && req.CheckpointID != latest.ID:
		return nil, staleInterrupt(req, "checkpoint "+latest.ID+" is pending")
	}

	st := latest.State
	if err := req.Response.Validate(st.Interrupt); err != nil {
		return nil, err
	}
	resp := req.Response
	st.Response = &resp
	st.Status = domain.StatusRunning

	o.publish(ctx, domain.NewEvent(domain.EventExecutionResumed, st.ThreadID, st.ExecutionID, map[string]any{
		"interrupt_id": st.Interrupt.ID,
		"response":     resp.Type,
	}))
	o.deps.Logger.Info("execution resumed",
		"thread_id", st.ThreadID,
		"execution_id", st.ExecutionID,
		"checkpoint_id", latest.ID,
		"response", resp.Type,
	)

	turn, err := o.start(ctx, st, domain.NodeInterrupt, latest.ID, release)
	if err != nil {
		return nil, err
	}
	started = true
	return turn, nil
}

func staleInterrupt(req ResumeRequest, detail string) error {
	return domain.NewSubSystemError("orchestrator", "Orchestrator.Resume", domain.ErrStaleInterrupt,
		fmt.Sprintf("thread %s execution %s: %s", req.ThreadID, req.ExecutionID, detail))
}

// Recover continues the thread's unfinished execution from its latest
// checkpoint. An execution is unfinished when the process running it stopped
// between two transitions; the node it was about to run runs again.
func (o *Orchestrator) Recover(ctx context.Context, threadID string) (*Turn, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.recover",
		trace.WithAttributes(tracer.StringAttr("thread.id", threadID)),
	)
	defer span.End()

	turn, err := o.recoverThread(ctx, threadID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.StringAttr("execution.id", turn.ExecutionID))
	tracer.SetOK(span)
	return turn, nil
}

func (o *Orchestrator) recoverThread(ctx context.Context, threadID string) (*Turn, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("%w: thread id is required", domain.ErrInvalidInput)
	}
	release, err := o.lease(ctx, threadID)
	if err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			release()
		}
	}()

	latest, err := o.latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !latest.Unfinished() {
		return nil, domain.NewSubSystemError("orchestrator", "Orchestrator.Recover", domain.ErrNotFound,
			"thread "+threadID+" has no unfinished execution")
	}
	if o.isRunning(latest.ExecutionID) {
		return nil, domain.NewSubSystemError("orchestrator", "Orchestrator.Recover", domain.ErrThreadBusy, threadID)
	}

	st := latest.State
	st.Status = domain.StatusRunning
	o.publish(ctx, domain.NewEvent(domain.EventExecutionRecovered, st.ThreadID, st.ExecutionID, map[string]any{
		"checkpoint_id": latest.ID,
		"node":          latest.Node,
	}))
	o.deps.Logger.Info("execution recovered",
		"thread_id", st.ThreadID,
		"execution_id", st.ExecutionID,
		"checkpoint_id", latest.ID,
		"node", latest.Node,
		"agent_id", st.AgentID,
	)

	turn, err := o.start(ctx, st, latest.Node, latest.ID, release)
	if err != nil {
		return nil, err
	}
	started = true
	return turn, nil
}

func (o *Orchestrator) isRunning(executionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[executionID]
	return ok
}

// GraphStats reports graph cache activity.
func (o *Orchestrator) GraphStats() graph.Stats { return o.deps.Graphs.Cache().Stats() }

// InvalidateGraph drops the compiled graph of agentID, or every graph when
// agentID is empty.
func (o *Orchestrator) InvalidateGraph(ctx context.Context, agentID string) {
	if agentID == "" {
		o.deps.Graphs.Cache().InvalidateAll(ctx)
		return
	}
	o.deps.Graphs.Cache().Invalidate(ctx, agentID)
}

// Cancel stops a running execution. It reports whether one was found.
func (o *Orchestrator) Cancel(threadID, executionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.running[executionID]
	if !ok || a.threadID != threadID {
		return false
	}
	a.cancel()
	return true
}

// Shutdown cancels every running execution and waits for them to persist
// their final checkpoint, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, a := range o.running {
		a.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start runs st and releases the lease when the execution stops. The
// execution outlives the request context only through Cancel or Shutdown.
func (o *Orchestrator) start(ctx context.Context, st *domain.ExecutionState, node domain.NodeType, parentID string, release func()) (*Turn, error) {
	execCtx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: orchestrator is shutting down", domain.ErrExecutionCancelled)
	}
	o.running[st.ExecutionID] = &active{threadID: st.ThreadID, cancel: cancel}
	o.wg.Add(1)
	o.mu.Unlock()

	turn := &Turn{
		ThreadID:    st.ThreadID,
		ExecutionID: st.ExecutionID,
		AgentID:     st.AgentID,
		Stream:      o.deps.Manager.Run(execCtx, st, node, parentID),
	}
	go func() {
		defer o.wg.Done()
		<-turn.Done()
		release()
		cancel()
		o.mu.Lock()
		delete(o.running, turn.ExecutionID)
		o.mu.Unlock()
	}()
	return turn, nil
}

// lease waits up to LeaseWait for the thread. Timing out means another
// execution holds it.
func (o *Orchestrator) lease(ctx context.Context, threadID string) (func(), error) {
	wait, cancel := context.WithTimeout(ctx, o.cfg.LeaseWait)
	defer cancel()
	release, err := o.deps.Leaser.Acquire(wait, threadID, o.cfg.LeaseTTL)
	if err == nil {
		return release, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrThreadBusy) {
		return nil, domain.NewSubSystemError("orchestrator", "Orchestrator.Lease", domain.ErrThreadBusy, threadID)
	}
	return nil, err
}

// latest returns the thread's newest checkpoint, or nil for a new thread.
func (o *Orchestrator) latest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	cp, err := o.deps.Saver.Latest(ctx, threadID)
	if errors.Is(err, domain.ErrCheckpointNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	return cp, nil
}

func (o *Orchestrator) publish(ctx context.Context, ev domain.Event) {
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(ctx, ev)
	}
}

// rootMessages is the conversation as the root agent saw it. An execution
// that stopped inside a delegation keeps the root transcript on the first
// frame.
func rootMessages(st *domain.ExecutionState) []domain.Message {
	if st == nil {
		return nil
	}
	msgs := st.Messages
	if len(st.Frames) > 0 {
		msgs = st.Frames[0].Messages
	}
	return repairTranscript(msgs)
}
