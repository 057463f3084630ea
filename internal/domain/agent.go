package domain

import (
	"context"
	"fmt"
	"slices"
)

// AgentRole distinguishes the routing supervisor from task specialists.
type AgentRole string

const (
	RoleSupervisor AgentRole = "supervisor"
	RoleSpecialist AgentRole = "specialist"
)

// AgentConfig is the immutable descriptor of an agent. The registry owns it;
// the orchestration core only reads it and never mutates a stored value.
type AgentConfig struct {
	ID          string    `json:"id"                   yaml:"id"`
	Name        string    `json:"name"                 yaml:"name"`
	Description string    `json:"description"          yaml:"description"`
	Role        AgentRole `json:"role"                 yaml:"role"`
	Model       string    `json:"model"                yaml:"model"`
	Temperature float64   `json:"temperature"          yaml:"temperature"`
	MaxTokens   int       `json:"max_tokens"           yaml:"max_tokens"`
	Tools       []string  `json:"tools,omitempty"      yaml:"tools,omitempty"`
	Prompt      string    `json:"prompt"               yaml:"prompt"`
	Tags        []string  `json:"tags,omitempty"       yaml:"tags,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"  yaml:"parent_id,omitempty"`
	// Delegates lists agent ids this agent may hand work to. Empty means any
	// specialist for a supervisor and none for a specialist.
	Delegates []string `json:"delegates,omitempty" yaml:"delegates,omitempty"`
	Streaming bool     `json:"streaming,omitempty" yaml:"streaming,omitempty"`
}

// Validate checks the fields the graph builder relies on.
func (a AgentConfig) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: agent id is empty", ErrInvalidInput)
	}
	if a.Model == "" {
		return fmt.Errorf("%w: agent %q has no model", ErrInvalidInput, a.ID)
	}
	switch a.Role {
	case RoleSupervisor, RoleSpecialist:
	default:
		return fmt.Errorf("%w: agent %q has invalid role %q", ErrInvalidInput, a.ID, a.Role)
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		return fmt.Errorf("%w: agent %q temperature %.2f out of range", ErrInvalidInput, a.ID, a.Temperature)
	}
	if a.ParentID == a.ID {
		return fmt.Errorf("%w: agent %q is its own parent", ErrInvalidInput, a.ID)
	}
	return nil
}

// DisplayName returns Name, falling back to ID.
func (a AgentConfig) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// HasTool reports whether the agent is allowed to call the named tool.
func (a AgentConfig) HasTool(name string) bool {
	return slices.Contains(a.Tools, name)
}

// CanDelegateTo reports whether this agent may hand work to target.
func (a AgentConfig) CanDelegateTo(target AgentConfig) bool {
	if target.ID == a.ID || target.Role == RoleSupervisor {
		return false
	}
	if len(a.Delegates) > 0 {
		return slices.Contains(a.Delegates, target.ID)
	}
	return a.Role == RoleSupervisor
}

// AgentDirectory resolves agent configurations.
type AgentDirectory interface {
	// Get returns the configuration for id or ErrAgentNotFound.
	Get(id string) (AgentConfig, error)
	// ListForUser returns the agents available to a user or tenant.
	ListForUser(ctx context.Context, userID string) ([]AgentConfig, error)
	// Supervisor returns the default routing agent.
	Supervisor() (AgentConfig, error)
}
