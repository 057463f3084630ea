package domain

import "time"

// NodeType names a node of the execution graph.
type NodeType string

const (
	NodeRouter     NodeType = "router"
	NodeAgent      NodeType = "agent"
	NodeTools      NodeType = "tools"
	NodeDelegation NodeType = "delegationAgent"
	NodeInterrupt  NodeType = "interrupt"
	NodeEnd        NodeType = "end"
)

// StepAction is the user-facing verb of an ExecutionStep.
type StepAction string

const (
	ActionAnalyzing  StepAction = "analyzing"
	ActionThinking   StepAction = "thinking"
	ActionResponding StepAction = "responding"
	ActionDelegating StepAction = "delegating"
	ActionCompleting StepAction = "completing"
	ActionRouting    StepAction = "routing"
	ActionInterrupt  StepAction = "interrupt"
)

// MetaCanonical marks a step whose text is final and must not be re-enriched.
const MetaCanonical = "canonical"

// ExecutionStep is one observable unit of progress. Immutable once emitted.
type ExecutionStep struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	AgentID     string         `json:"agent_id"`
	AgentName   string         `json:"agent_name"`
	Node        NodeType       `json:"node"`
	Action      StepAction     `json:"action"`
	Content     string         `json:"content"`
	Progress    int            `json:"progress"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Canonical reports whether the step carries the canonical flag.
func (s ExecutionStep) Canonical() bool {
	v, _ := s.Metadata[MetaCanonical].(bool)
	return v
}
