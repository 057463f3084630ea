package domain

import (
	"maps"
	"slices"
	"time"
)

// ExecutionStatus is the lifecycle status of one execution.
type ExecutionStatus string

const (
	StatusRunning     ExecutionStatus = "running"
	StatusInterrupted ExecutionStatus = "interrupted"
	StatusCompleted   ExecutionStatus = "completed"
	StatusFailed      ExecutionStatus = "failed"
	StatusCancelled   ExecutionStatus = "cancelled"
)

// Terminal reports whether no further node will run.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PendingDelegation is a hand-off waiting for the router.
type PendingDelegation struct {
	FromAgentID string `json:"from_agent_id"`
	ToAgentID   string `json:"to_agent_id"`
	Task        string `json:"task"`
	// ToolCallID is empty when the router hard-routed the turn.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// DelegationFrame saves the delegating agent while a specialist works.
type DelegationFrame struct {
	AgentID    string    `json:"agent_id"`
	Messages   []Message `json:"messages"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
}

// ExecutionState is the persisted record of one execution. It is mutated only
// by graph nodes and checkpointed after every transition.
type ExecutionState struct {
	ThreadID    string `json:"thread_id"`
	ExecutionID string `json:"execution_id"`
	UserID      string `json:"user_id"`
	Locale      string `json:"locale,omitempty"`
	RequestID   string `json:"request_id,omitempty"`

	// RootAgentID is the agent the turn started with; AgentID is acting now.
	RootAgentID string `json:"root_agent_id"`
	AgentID     string `json:"agent_id"`

	Messages         []Message  `json:"messages"`
	CurrentNode      NodeType   `json:"current_node"`
	PendingToolCalls []ToolCall `json:"pending_tool_calls,omitempty"`
	// ApprovedCalls holds tool call ids a human accepted or edited.
	ApprovedCalls map[string]bool `json:"approved_calls,omitempty"`

	Interrupt *HumanInterrupt `json:"interrupt,omitempty"`
	// Response is recorded by a resume and consumed by the interrupt node.
	Response *HumanResponse `json:"response,omitempty"`

	PendingDelegation *PendingDelegation `json:"pending_delegation,omitempty"`
	Frames            []DelegationFrame  `json:"frames,omitempty"`
	DelegationPath    []string           `json:"delegation_path,omitempty"`
	// Hops counts every hand-off in this execution, including returned ones.
	Hops int `json:"hops"`

	// Hint is the delegation directive merged into the acting agent's
	// instructions for this turn only.
	Hint string `json:"hint,omitempty"`

	Status       ExecutionStatus `json:"status"`
	Step         int             `json:"step"`
	FinalContent string          `json:"final_content,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DelegationDepth is the number of agents currently waiting on a specialist.
func (s *ExecutionState) DelegationDepth() int {
	return len(s.Frames)
}

// Clone returns a deep copy safe to mutate independently.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = cloneMessages(s.Messages)
	c.PendingToolCalls = slices.Clone(s.PendingToolCalls)
	c.ApprovedCalls = maps.Clone(s.ApprovedCalls)
	c.DelegationPath = slices.Clone(s.DelegationPath)
	if s.Interrupt != nil {
		in := *s.Interrupt
		c.Interrupt = &in
	}
	if s.Response != nil {
		r := *s.Response
		c.Response = &r
	}
	if s.PendingDelegation != nil {
		pd := *s.PendingDelegation
		c.PendingDelegation = &pd
	}
	if s.Frames != nil {
		c.Frames = make([]DelegationFrame, len(s.Frames))
		for i, f := range s.Frames {
			f.Messages = cloneMessages(f.Messages)
			c.Frames[i] = f
		}
	}
	return &c
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// ExecutionResult is the terminal outcome reported to the caller.
type ExecutionResult struct {
	ThreadID     string          `json:"thread_id"`
	ExecutionID  string          `json:"execution_id"`
	CheckpointID string          `json:"checkpoint_id"`
	AgentID      string          `json:"agent_id"`
	Status       ExecutionStatus `json:"status"`
	Content      string          `json:"content,omitempty"`
	Interrupt    *HumanInterrupt `json:"interrupt,omitempty"`
	Steps        int             `json:"steps"`
}
