package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"ankie/internal/domain"
)

// Registry holds the agent configurations and provides lookup. Stored values
// are copies; callers never see a shared slice.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]domain.AgentConfig
	supervisorID string
	onChange     []func(agentID string)
	logger       *slog.Logger
}

var _ domain.AgentDirectory = (*Registry)(nil)

// NewRegistry creates a Registry with the given supervisor id.
func NewRegistry(supervisorID string, logger *slog.Logger) *Registry {
	return &Registry{
		agents:       make(map[string]domain.AgentConfig),
		supervisorID: supervisorID,
		logger:       logger,
	}
}

// NewRegistryFrom registers every definition, stopping at the first invalid one.
func NewRegistryFrom(supervisorID string, defs []domain.AgentConfig, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(supervisorID, logger)
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	if _, err := r.Supervisor(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds an agent. Returns ErrDuplicate if the id is taken.
func (r *Registry) Register(cfg domain.AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[cfg.ID]; exists {
		return fmt.Errorf("agent %q: %w", cfg.ID, domain.ErrDuplicate)
	}
	r.agents[cfg.ID] = cloneConfig(cfg)
	r.logger.Info("agent registered", "agent_id", cfg.ID, "name", cfg.Name, "role", cfg.Role)
	return nil
}

// Update replaces an existing agent and notifies change listeners.
func (r *Registry) Update(cfg domain.AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if _, ok := r.agents[cfg.ID]; !ok {
		r.mu.Unlock()
		return r.notFound(cfg.ID)
	}
	r.agents[cfg.ID] = cloneConfig(cfg)
	listeners := r.onChange
	r.mu.Unlock()

	r.logger.Info("agent updated", "agent_id", cfg.ID)
	for _, fn := range listeners {
		fn(cfg.ID)
	}
	return nil
}

// Remove unregisters an agent and notifies change listeners.
func (r *Registry) Remove(agentID string) error {
	r.mu.Lock()
	if _, ok := r.agents[agentID]; !ok {
		r.mu.Unlock()
		return r.notFound(agentID)
	}
	delete(r.agents, agentID)
	listeners := r.onChange
	r.mu.Unlock()

	r.logger.Info("agent removed", "agent_id", agentID)
	for _, fn := range listeners {
		fn(agentID)
	}
	return nil
}

// OnChange registers fn to run after an agent is updated or removed.
func (r *Registry) OnChange(fn func(agentID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Get implements domain.AgentDirectory.
func (r *Registry) Get(agentID string) (domain.AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.agents[agentID]
	if !ok {
		return domain.AgentConfig{}, r.notFound(agentID)
	}
	return cloneConfig(cfg), nil
}

// Supervisor implements domain.AgentDirectory.
func (r *Registry) Supervisor() (domain.AgentConfig, error) {
	cfg, err := r.Get(r.supervisorID)
	if err != nil {
		return cfg, err
	}
	if cfg.Role != domain.RoleSupervisor {
		return domain.AgentConfig{}, fmt.Errorf("%w: agent %q is not a supervisor", domain.ErrInvalidInput, cfg.ID)
	}
	return cfg, nil
}

// ListForUser implements domain.AgentDirectory. Every user sees the full
// specialist roster; the supervisor is not a delegation target.
func (r *Registry) ListForUser(_ context.Context, _ string) ([]domain.AgentConfig, error) {
	var out []domain.AgentConfig
	for _, cfg := range r.List() {
		if cfg.Role == domain.RoleSpecialist {
			out = append(out, cfg)
		}
	}
	return out, nil
}

// List returns every registered agent sorted by id.
func (r *Registry) List() []domain.AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AgentConfig, 0, len(r.agents))
	for _, cfg := range r.agents {
		out = append(out, cloneConfig(cfg))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) notFound(agentID string) error {
	return domain.NewSubSystemError("agent", "Registry.Get", domain.ErrAgentNotFound, agentID)
}

func cloneConfig(cfg domain.AgentConfig) domain.AgentConfig {
	cfg.Tools = append([]string(nil), cfg.Tools...)
	cfg.Tags = append([]string(nil), cfg.Tags...)
	cfg.Delegates = append([]string(nil), cfg.Delegates...)
	return cfg
}
