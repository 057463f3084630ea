package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"ankie/internal/domain"
)

// nodes binds the node functions of one compiled graph to its agent.
type nodes struct {
	deps         Deps
	agent        domain.AgentConfig
	schemas      []domain.ToolSchema
	targets      map[string]bool
	instructions string
}

type toolEventPayload struct {
	AgentID    string `json:"agent_id"`
	ToolCallID string `json:"tool_call_id"`
	Tool       string `json:"tool"`
	IsError    bool   `json:"is_error,omitempty"`
}

type delegatedPayload struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Task  string `json:"task"`
	Depth int    `json:"depth"`
	Hops  int    `json:"hops"`
}

func (n *nodes) publish(ctx context.Context, st *domain.ExecutionState, typ domain.EventType, payload any) {
	if n.deps.Bus == nil {
		return
	}
	n.deps.Bus.Publish(ctx, domain.NewEvent(typ, st.ThreadID, st.ExecutionID, payload))
}

// router sends a pending hand-off to the delegation node and everything
// else to the acting agent.
func (n *nodes) router(_ context.Context, st *domain.ExecutionState) (domain.NodeType, error) {
	if st.PendingDelegation != nil {
		return domain.NodeDelegation, nil
	}
	return domain.NodeAgent, nil
}

// call runs one model turn for the acting agent.
func (n *nodes) call(ctx context.Context, st *domain.ExecutionState) (domain.NodeType, error) {
	model, err := n.deps.Models.Model(n.agent.Model, domain.ModelConfig{
		Temperature: n.agent.Temperature,
		MaxTokens:   n.agent.MaxTokens,
		Streaming:   n.agent.Streaming,
	})
	if err != nil {
		return "", err
	}

	system := n.instructions
	if st.Hint != "" {
		system = strings.TrimSpace(system + "\n\n" + st.Hint)
	}
	msgs := make([]domain.Message, 0, len(st.Messages)+1)
	if system != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: system})
	}
	msgs = append(msgs, st.Messages...)

	req := domain.ChatRequest{
		Model:       n.agent.Model,
		Messages:    msgs,
		Tools:       n.schemas,
		MaxTokens:   n.agent.MaxTokens,
		Temperature: n.agent.Temperature,
	}

	var resp *domain.ChatResponse
	if sp, ok := model.(domain.StreamingLLMProvider); ok && n.agent.Streaming {
		req.Stream = true
		ch, err := sp.ChatStream(ctx, req)
		if err != nil {
			return "", err
		}
		resp, err = domain.CollectStream(ctx, ch, func(d domain.StreamDelta) {
			if d.Content == "" && !d.Done {
				return
			}
			n.publish(ctx, st, domain.EventStreamDelta, domain.StreamDeltaPayload{
				AgentID: st.AgentID,
				Content: d.Content,
				Done:    d.Done,
			})
		})
		if err != nil {
			return "", err
		}
	} else {
		resp, err = model.Chat(ctx, req)
		if err != nil {
			return "", err
		}
	}

	msg := resp.Message
	msg.Role = domain.RoleAssistant
	msg.Name = st.AgentID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].ID == "" {
			msg.ToolCalls[i].ID = "call_" + ulid.Make().String()
		}
	}
	st.Messages = append(st.Messages, msg)

	if len(msg.ToolCalls) > 0 {
		st.PendingToolCalls = slices.Clone(msg.ToolCalls)
		st.FinalContent = ""
		return domain.NodeTools, nil
	}
	st.FinalContent = msg.Content
	return domain.NodeEnd, nil
}

// tools executes the pending tool calls. A call that needs approval and has
// not been approved pauses the execution before anything runs. Tool failures
// become error results for the model and never fail the node.
func (n *nodes) tools(ctx context.Context, st *domain.ExecutionState) (domain.NodeType, error) {
	calls := st.PendingToolCalls
	if len(calls) == 0 {
		return domain.NodeAgent, nil
	}

	for _, call := range calls {
		if call.Name == domain.DelegateToolName || !n.agent.HasTool(call.Name) {
			continue
		}
		if n.risk(call.Name) == domain.RiskApproval && !st.ApprovedCalls[call.ID] {
			st.Interrupt = &domain.HumanInterrupt{
				ID:         ulid.Make().String(),
				ToolCallID: call.ID,
				AgentID:    st.AgentID,
				ActionRequest: domain.ActionRequest{
					Action: call.Name,
					Args:   call.Arguments,
				},
				Config:      domain.DefaultInterruptConfig(),
				Description: fmt.Sprintf("%s wants to run %s", n.agent.DisplayName(), call.Name),
				CreatedAt:   time.Now(),
			}
			return domain.NodeInterrupt, nil
		}
	}

	results := make([]*domain.Message, len(calls))
	var delegation *domain.PendingDelegation
	for i, call := range calls {
		if call.Name != domain.DelegateToolName {
			continue
		}
		pd, err := n.parseDelegation(st, call)
		switch {
		case err != nil:
			results[i] = errorResult(call, err.Error())
		case delegation != nil:
			results[i] = errorResult(call, "only one delegation can run at a time; this one was skipped")
		default:
			delegation = pd
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.deps.ToolConcurrency)
	for i, call := range calls {
		if call.Name == domain.DelegateToolName {
			continue
		}
		g.Go(func() error {
			msg := n.execute(gctx, st, call)
			results[i] = &msg
			return nil
		})
	}
	_ = g.Wait()

	for _, msg := range results {
		if msg != nil {
			st.Messages = append(st.Messages, *msg)
		}
	}
	st.PendingToolCalls = nil
	st.ApprovedCalls = nil

	if delegation != nil {
		st.PendingDelegation = delegation
		return domain.NodeRouter, nil
	}
	return domain.NodeAgent, nil
}

func (n *nodes) risk(tool string) domain.ToolRisk {
	if n.deps.Risk == nil {
		return domain.RiskAuto
	}
	return n.deps.Risk.Classify(tool)
}

func (n *nodes) execute(ctx context.Context, st *domain.ExecutionState, call domain.ToolCall) domain.Message {
	n.publish(ctx, st, domain.EventToolCallStarted, toolEventPayload{
		AgentID: st.AgentID, ToolCallID: call.ID, Tool: call.Name,
	})
	msg := n.run(ctx, call)
	n.publish(ctx, st, domain.EventToolCallCompleted, toolEventPayload{
		AgentID: st.AgentID, ToolCallID: call.ID, Tool: call.Name,
		IsError: strings.HasPrefix(msg.Content, "Error: "),
	})
	return msg
}

func (n *nodes) run(ctx context.Context, call domain.ToolCall) domain.Message {
	if n.risk(call.Name) == domain.RiskDenied {
		return *errorResult(call, fmt.Sprintf("tool %s is not permitted", call.Name))
	}
	if !n.agent.HasTool(call.Name) {
		return *errorResult(call, fmt.Sprintf("tool %s is not available to %s", call.Name, n.agent.DisplayName()))
	}
	tool, err := n.deps.Tools.Get(call.Name)
	if err != nil {
		return *errorResult(call, err.Error())
	}
	res, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		n.deps.Logger.Warn("tool failed", "tool", call.Name, "agent_id", n.agent.ID, "error", err)
		return *errorResult(call, err.Error())
	}
	if res == nil {
		return domain.NewToolMessage(call, "")
	}
	if res.IsError {
		return *errorResult(call, res.Content)
	}
	return domain.NewToolMessage(call, res.Content)
}

func errorResult(call domain.ToolCall, text string) *domain.Message {
	msg := domain.NewToolMessage(call, "Error: "+text)
	return &msg
}

func (n *nodes) parseDelegation(st *domain.ExecutionState, call domain.ToolCall) (*domain.PendingDelegation, error) {
	var args domain.DelegateArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, fmt.Errorf("invalid %s arguments: %v", domain.DelegateToolName, err)
	}
	if !n.targets[args.AgentID] {
		return nil, fmt.Errorf("%s cannot delegate to %q", n.agent.DisplayName(), args.AgentID)
	}
	return &domain.PendingDelegation{
		FromAgentID: st.AgentID,
		ToAgentID:   args.AgentID,
		Task:        strings.TrimSpace(args.Task),
		ToolCallID:  call.ID,
	}, nil
}

// interrupt applies the human response recorded by a resume.
func (n *nodes) interrupt(_ context.Context, st *domain.ExecutionState) (domain.NodeType, error) {
	in, resp := st.Interrupt, st.Response
	if in == nil || resp == nil {
		return "", domain.NewSubSystemError("graph", "Graph.Interrupt", domain.ErrStaleInterrupt, "no interrupt awaiting a response")
	}
	if err := resp.Validate(in); err != nil {
		return "", err
	}
	st.Interrupt, st.Response = nil, nil

	switch resp.Type {
	case domain.ResponseAccept:
		approve(st, in.ToolCallID)
		return domain.NodeTools, nil

	case domain.ResponseEdit:
		replaceArgs(st, in.ToolCallID, resp.Args)
		approve(st, in.ToolCallID)
		return domain.NodeTools, nil

	case domain.ResponseReject:
		decline(st, in.ToolCallID, "The user declined this action.")
		content := fmt.Sprintf("Okay, I did not run %s because you declined it.", in.ActionRequest.Action)
		st.Messages = append(st.Messages, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   content,
			Name:      st.AgentID,
			Timestamp: time.Now(),
		})
		st.FinalContent = content
		return domain.NodeEnd, nil

	default: // respond
		decline(st, in.ToolCallID, "The user declined this action and said: "+resp.Message)
		return domain.NodeAgent, nil
	}
}

func approve(st *domain.ExecutionState, callID string) {
	if st.ApprovedCalls == nil {
		st.ApprovedCalls = make(map[string]bool)
	}
	st.ApprovedCalls[callID] = true
}

func replaceArgs(st *domain.ExecutionState, callID string, args json.RawMessage) {
	for i := range st.PendingToolCalls {
		if st.PendingToolCalls[i].ID == callID {
			st.PendingToolCalls[i].Arguments = args
		}
	}
	for i := len(st.Messages) - 1; i >= 0; i-- {
		m := &st.Messages[i]
		if m.Role != domain.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		for j := range m.ToolCalls {
			if m.ToolCalls[j].ID == callID {
				m.ToolCalls[j].Arguments = args
			}
		}
		return
	}
}

// decline answers every pending call without running it.
func decline(st *domain.ExecutionState, callID, reason string) {
	for _, call := range st.PendingToolCalls {
		text := "Not executed: the user declined a related action."
		if call.ID == callID {
			text = reason
		}
		st.Messages = append(st.Messages, domain.NewToolMessage(call, text))
	}
	st.PendingToolCalls = nil
	st.ApprovedCalls = nil
}

// delegate hands the conversation to the pending target agent. The caller's
// transcript is saved on the frame stack and the specialist starts from the
// task alone.
func (n *nodes) delegate(ctx context.Context, st *domain.ExecutionState) (domain.NodeType, error) {
	pd := st.PendingDelegation
	st.PendingDelegation = nil
	if pd == nil {
		return domain.NodeAgent, nil
	}

	target, err := n.deps.Agents.Get(pd.ToAgentID)
	if err == nil && !n.targets[pd.ToAgentID] {
		err = fmt.Errorf("%s cannot delegate to %q", n.agent.DisplayName(), pd.ToAgentID)
	}
	if err == nil && n.waiting(st, pd.ToAgentID) {
		err = fmt.Errorf("%q is already waiting on this delegation chain", pd.ToAgentID)
	}
	if err != nil {
		n.deps.Logger.Warn("delegation rejected", "from", st.AgentID, "to", pd.ToAgentID, "error", err)
		if pd.ToolCallID != "" {
			call := domain.ToolCall{ID: pd.ToolCallID, Name: domain.DelegateToolName}
			st.Messages = append(st.Messages, *errorResult(call, err.Error()))
		}
		return domain.NodeAgent, nil
	}

	if st.Hops >= n.deps.MaxDelegationDepth {
		return "", &domain.DomainError{
			Op:        "Graph.Delegate",
			Err:       domain.ErrDelegationDepthExceeded,
			Detail:    fmt.Sprintf("%d hand-offs reached, %s → %s refused", st.Hops, st.AgentID, pd.ToAgentID),
			SubSystem: "graph",
		}
	}

	task := pd.Task
	if task == "" {
		task = domain.LastUserMessage(st.Messages)
	}
	st.Frames = append(st.Frames, domain.DelegationFrame{
		AgentID:    st.AgentID,
		Messages:   st.Messages,
		ToolCallID: pd.ToolCallID,
	})
	st.Messages = []domain.Message{{Role: domain.RoleUser, Content: task, Timestamp: time.Now()}}
	st.AgentID = target.ID
	st.Hops++
	st.DelegationPath = append(st.DelegationPath, target.ID)
	st.Hint = ""

	n.publish(ctx, st, domain.EventAgentDelegated, delegatedPayload{
		From:  pd.FromAgentID,
		To:    target.ID,
		Task:  task,
		Depth: st.DelegationDepth(),
		Hops:  st.Hops,
	})
	n.deps.Logger.Info("agent delegated",
		"thread_id", st.ThreadID,
		"from", pd.FromAgentID,
		"to", target.ID,
		"depth", st.DelegationDepth(),
	)
	return domain.NodeRouter, nil
}

func (n *nodes) waiting(st *domain.ExecutionState, agentID string) bool {
	if agentID == st.AgentID {
		return true
	}
	for _, f := range st.Frames {
		if f.AgentID == agentID {
			return true
		}
	}
	return false
}

// end finishes the acting agent. A specialist's answer is handed back to the
// agent that delegated: as the delegation tool result when the agent asked
// for it, or as that agent's own reply when the turn was hard-routed.
func (n *nodes) end(_ context.Context, st *domain.ExecutionState) (domain.NodeType, error) {
	for len(st.Frames) > 0 {
		result := st.FinalContent
		specialist := st.AgentID
		frame := st.Frames[len(st.Frames)-1]
		st.Frames = st.Frames[:len(st.Frames)-1]

		st.AgentID = frame.AgentID
		st.Messages = frame.Messages
		st.Hint = ""

		if frame.ToolCallID != "" {
			call := domain.ToolCall{ID: frame.ToolCallID, Name: domain.DelegateToolName}
			st.Messages = append(st.Messages, domain.NewToolMessage(call, result))
			st.FinalContent = ""
			return domain.NodeAgent, nil
		}
		st.Messages = append(st.Messages, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   result,
			Name:      specialist,
			Timestamp: time.Now(),
		})
	}
	return Done, nil
}
