package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ankie/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeDirectory struct {
	agents map[string]domain.AgentConfig
}

func newDirectory(agents ...domain.AgentConfig) *fakeDirectory {
	d := &fakeDirectory{agents: make(map[string]domain.AgentConfig)}
	for _, a := range agents {
		d.agents[a.ID] = a
	}
	return d
}

func (d *fakeDirectory) Get(id string) (domain.AgentConfig, error) {
	a, ok := d.agents[id]
	if !ok {
		return domain.AgentConfig{}, domain.ErrAgentNotFound
	}
	return a, nil
}

func (d *fakeDirectory) ListForUser(context.Context, string) ([]domain.AgentConfig, error) {
	out := make([]domain.AgentConfig, 0, len(d.agents))
	for _, id := range []string{"calendar", "email", "social"} {
		if a, ok := d.agents[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d *fakeDirectory) Supervisor() (domain.AgentConfig, error) { return d.Get("ankie") }

func testAgents() []domain.AgentConfig {
	return []domain.AgentConfig{
		{ID: "ankie", Name: "Ankie", Role: domain.RoleSupervisor, Model: "test-model", Prompt: "You route requests."},
		{ID: "calendar", Name: "Ami", Role: domain.RoleSpecialist, Model: "test-model",
			Description: "calendar expert", Tools: []string{"createCalendarEvent"}, Delegates: []string{"email"}},
		{ID: "email", Name: "Astra", Role: domain.RoleSpecialist, Model: "test-model",
			Description: "email expert", Tools: []string{"sendEmail"}},
		{ID: "social", Name: "Nora", Role: domain.RoleSpecialist, Model: "test-model",
			Description: "social expert", Tools: []string{"postTweet"}},
	}
}

type fakeTool struct {
	name  string
	calls int
	mu    sync.Mutex
	run   func(args json.RawMessage) (*domain.ToolResult, error)
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return t.name }
func (t *fakeTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Parameters: json.RawMessage(`{"type":"object"}`)}
}

func (t *fakeTool) Execute(_ context.Context, args json.RawMessage) (*domain.ToolResult, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	if t.run != nil {
		return t.run(args)
	}
	return &domain.ToolResult{Content: t.name + " done"}, nil
}

type fakeTools struct {
	tools map[string]*fakeTool
}

func newTools(names ...string) *fakeTools {
	ft := &fakeTools{tools: make(map[string]*fakeTool)}
	for _, n := range names {
		ft.tools[n] = &fakeTool{name: n}
	}
	return ft
}

func (f *fakeTools) Get(name string) (domain.Tool, error) {
	t, ok := f.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolNotFound, name)
	}
	return t, nil
}

func (f *fakeTools) Schemas() []domain.ToolSchema { return nil }

type riskMap map[string]domain.ToolRisk

func (r riskMap) Classify(name string) domain.ToolRisk {
	if risk, ok := r[name]; ok {
		return risk
	}
	return domain.RiskAuto
}

// scriptedModel replays responses in order.
type scriptedModel struct {
	mu       sync.Mutex
	replies  []domain.Message
	requests []domain.ChatRequest
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.replies) == 0 {
		return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: "done"}}, nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return &domain.ChatResponse{Message: r}, nil
}

type modelSource struct{ model domain.LLMProvider }

func (s modelSource) Model(string, domain.ModelConfig) (domain.LLMProvider, error) { return s.model, nil }

type nopSaver struct{}

func (nopSaver) Latest(context.Context, string) (*domain.Checkpoint, error) {
	return nil, domain.ErrCheckpointNotFound
}
func (nopSaver) Append(context.Context, *domain.Checkpoint) error { return nil }
func (nopSaver) List(context.Context, string, int) ([]*domain.Checkpoint, error) {
	return nil, nil
}
func (nopSaver) Prune(context.Context, time.Time) (int, error) { return 0, nil }

func testDeps(model domain.LLMProvider, tools *fakeTools, risk domain.RiskClassifier) Deps {
	return Deps{
		Models: modelSource{model: model},
		Tools:  tools,
		Risk:   risk,
		Agents: newDirectory(testAgents()...),
		Saver:  nopSaver{},
		Logger: testLogger,
	}
}

func compile(t *testing.T, deps Deps, agentID string) *Graph {
	t.Helper()
	cfg, err := deps.Agents.Get(agentID)
	if err != nil {
		t.Fatalf("agent %s: %v", agentID, err)
	}
	g, err := NewBuilder(deps).Compile(context.Background(), cfg)
	if err != nil {
		t.Fatalf("compile %s: %v", agentID, err)
	}
	return g
}

func toolCall(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}
