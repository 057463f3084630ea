package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	ToolCallID  string `json:"tool_call_id"`
	Content     string `json:"content"`
	IsError     bool   `json:"is_error"`
	IsRetryable bool   `json:"is_retryable,omitempty"`
}

// Tool is the interface every tool must implement.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolExecutor abstracts tool lookup and execution.
type ToolExecutor interface {
	Get(name string) (Tool, error)
	Schemas() []ToolSchema
}

// ToolRisk is the static risk classification of a tool.
type ToolRisk string

const (
	// RiskAuto tools run without asking.
	RiskAuto ToolRisk = "auto"
	// RiskApproval tools pause execution until a human decides.
	RiskApproval ToolRisk = "approval"
	// RiskDenied tools are never run; the call gets an error result.
	RiskDenied ToolRisk = "denied"
)

// RiskClassifier assigns a risk level to a tool by name.
type RiskClassifier interface {
	Classify(toolName string) ToolRisk
}

// DelegateToolName is the pseudo-tool an agent calls to hand work to a specialist.
const DelegateToolName = "delegate_to_agent"

// DelegateArgs are the arguments of a DelegateToolName call.
type DelegateArgs struct {
	AgentID string `json:"agent_id"`
	Task    string `json:"task"`
}
