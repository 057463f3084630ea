package execution

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ankie/internal/domain"
	"ankie/internal/usecase/graph"
	"ankie/internal/usecase/steps"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type directory map[string]domain.AgentConfig

func (d directory) Get(id string) (domain.AgentConfig, error) {
	a, ok := d[id]
	if !ok {
		return domain.AgentConfig{}, domain.ErrAgentNotFound
	}
	return a, nil
}

func (d directory) ListForUser(context.Context, string) ([]domain.AgentConfig, error) {
	var out []domain.AgentConfig
	for _, id := range []string{"calendar", "email", "social"} {
		if a, ok := d[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d directory) Supervisor() (domain.AgentConfig, error) { return d.Get("ankie") }

func agents() directory {
	return directory{
		"ankie": {ID: "ankie", Name: "Ankie", Role: domain.RoleSupervisor, Model: "m"},
		"email": {ID: "email", Name: "Astra", Role: domain.RoleSpecialist, Model: "m",
			Description: "email expert", Tools: []string{"sendEmail"}},
		"social": {ID: "social", Name: "Nora", Role: domain.RoleSpecialist, Model: "m",
			Description: "social expert", Tools: []string{"postTweet"}},
	}
}

type tool struct {
	name string
	mu   sync.Mutex
	runs int
}

func (t *tool) Name() string        { return t.name }
func (t *tool) Description() string { return t.name }
func (t *tool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Parameters: json.RawMessage(`{"type":"object"}`)}
}

func (t *tool) Execute(context.Context, json.RawMessage) (*domain.ToolResult, error) {
	t.mu.Lock()
	t.runs++
	t.mu.Unlock()
	return &domain.ToolResult{Content: t.name + " ok"}, nil
}

func (t *tool) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

type toolset map[string]*tool

func (ts toolset) Get(name string) (domain.Tool, error) {
	t, ok := ts[name]
	if !ok {
		return nil, domain.ErrToolNotFound
	}
	return t, nil
}

func (ts toolset) Schemas() []domain.ToolSchema { return nil }

type riskMap map[string]domain.ToolRisk

func (r riskMap) Classify(name string) domain.ToolRisk {
	if v, ok := r[name]; ok {
		return v
	}
	return domain.RiskAuto
}

// chatFunc adapts a function to an LLM provider.
type chatFunc func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)

func (f chatFunc) Name() string { return "fake" }
func (f chatFunc) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return f(ctx, req)
}

type source struct{ model domain.LLMProvider }

func (s source) Model(string, domain.ModelConfig) (domain.LLMProvider, error) { return s.model, nil }

// script replies in order; the last reply repeats.
func script(replies ...domain.Message) chatFunc {
	var mu sync.Mutex
	i := 0
	return func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		r := replies[min(i, len(replies)-1)]
		i++
		return &domain.ChatResponse{Message: r}, nil
	}
}

// memSaver keeps checkpoints in memory and enforces the parent chain.
type memSaver struct {
	mu      sync.Mutex
	threads map[string][]*domain.Checkpoint
}

func newMemSaver() *memSaver { return &memSaver{threads: make(map[string][]*domain.Checkpoint)} }

func (s *memSaver) Latest(_ context.Context, threadID string) (*domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.threads[threadID]
	if len(cps) == 0 {
		return nil, domain.ErrCheckpointNotFound
	}
	cp := *cps[len(cps)-1]
	cp.State = cp.State.Clone()
	return &cp, nil
}

func (s *memSaver) Append(_ context.Context, cp *domain.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.threads[cp.ThreadID]
	latest := ""
	if len(cps) > 0 {
		latest = cps[len(cps)-1].ID
	}
	if cp.ParentID != latest {
		return domain.ErrCheckpointConflict
	}
	cp.Seq = int64(len(cps) + 1)
	s.threads[cp.ThreadID] = append(cps, cp)
	return nil
}

func (s *memSaver) List(_ context.Context, threadID string, limit int) ([]*domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.threads[threadID]
	var out []*domain.Checkpoint
	for i := len(cps) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, cps[i])
	}
	return out, nil
}

func (s *memSaver) Prune(context.Context, time.Time) (int, error) { return 0, nil }

type fixture struct {
	saver   *memSaver
	tools   toolset
	manager *Manager
}

type fixtureOpts struct {
	model    domain.LLMProvider
	risk     domain.RiskClassifier
	maxDepth int
	cfg      Config
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	f := &fixture{
		saver: newMemSaver(),
		tools: toolset{"sendEmail": {name: "sendEmail"}, "postTweet": {name: "postTweet"}},
	}
	dir := agents()
	builder := graph.NewBuilder(graph.Deps{
		Models:             source{model: o.model},
		Tools:              f.tools,
		Risk:               o.risk,
		Agents:             dir,
		Saver:              f.saver,
		Logger:             testLogger,
		MaxDelegationDepth: o.maxDepth,
	})
	compiler := graph.NewCompiler(graph.NewCache(testLogger), builder, dir)
	if o.cfg.RetryBackoff == 0 {
		o.cfg.RetryBackoff = time.Millisecond
	}
	f.manager = NewManager(compiler, dir, steps.NewBuilder("en"), testLogger, o.cfg)
	return f
}

func newState(agentID, text string) *domain.ExecutionState {
	return &domain.ExecutionState{
		ThreadID:       "thread-1",
		ExecutionID:    "exec-1",
		UserID:         "u1",
		RootAgentID:    agentID,
		AgentID:        agentID,
		Messages:       []domain.Message{{Role: domain.RoleUser, Content: text}},
		DelegationPath: []string{agentID},
		StartedAt:      time.Now(),
	}
}

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func actions(steps []domain.ExecutionStep) []domain.StepAction {
	out := make([]domain.StepAction, len(steps))
	for i, s := range steps {
		out[i] = s.Action
	}
	return out
}
