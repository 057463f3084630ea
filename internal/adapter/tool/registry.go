package tool

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"ankie/internal/domain"
)

// Compile-time interface check.
var _ domain.ToolExecutor = (*Registry)(nil)

// Registry holds named tools. Every registered tool validates its arguments
// against its JSON schema before running.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

// Register adds tools. A duplicate or reserved name fails the whole call
// before anything is added. A tool whose schema does not compile is
// registered without validation and a warning is logged.
func (r *Registry) Register(tools ...domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		name := t.Name()
		switch {
		case name == "":
			return fmt.Errorf("%w: tool with empty name", domain.ErrInvalidInput)
		case name == domain.DelegateToolName:
			return fmt.Errorf("%w: tool name %q is reserved", domain.ErrInvalidInput, name)
		case seen[name]:
			return fmt.Errorf("%w: tool %q registered twice", domain.ErrDuplicate, name)
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("%w: tool %q already registered", domain.ErrDuplicate, name)
		}
		seen[name] = true
	}

	for _, t := range tools {
		wrapped, err := WithSchemaValidation(t)
		if err != nil {
			r.logger.Warn("schema validation disabled for tool", "tool", t.Name(), "error", err)
			wrapped = t
		}
		r.tools[t.Name()] = wrapped
	}
	return nil
}

// Unregister removes tools by name. Unknown names are ignored.
func (r *Registry) Unregister(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		delete(r.tools, name)
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewSubSystemError("tool", "Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns every tool schema sorted by name, so prompts built from
// them are stable across runs.
func (r *Registry) Schemas() []domain.ToolSchema {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]domain.ToolSchema, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			schemas = append(schemas, t.Schema())
		}
	}
	return schemas
}
