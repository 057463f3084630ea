package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ankie/internal/adapter/checkpoint"
	"ankie/internal/domain"
	"ankie/internal/usecase/delegation"
	"ankie/internal/usecase/eventbus"
	"ankie/internal/usecase/execution"
	"ankie/internal/usecase/graph"
	"ankie/internal/usecase/multiagent"
	"ankie/internal/usecase/steps"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func roster() []domain.AgentConfig {
	return []domain.AgentConfig{
		{ID: "ankie", Name: "Ankie", Role: domain.RoleSupervisor, Model: "m-ankie",
			Prompt: "You are Ankie, the supervisor."},
		{ID: "calendar", Name: "Ami", Role: domain.RoleSpecialist, Model: "m-calendar",
			Description: "Calendar specialist: schedules meetings and events",
			Tools:       []string{"createCalendarEvent"},
			Tags:        []string{"calendar", "meeting", "schedule"},
			Delegates:   []string{"email"}},
		{ID: "email", Name: "Astra", Role: domain.RoleSpecialist, Model: "m-email",
			Description: "Email specialist: drafts and sends emails",
			Tools:       []string{"draftEmail"},
			Tags:        []string{"email", "invite"}},
		{ID: "social", Name: "Nora", Role: domain.RoleSpecialist, Model: "m-social",
			Description: "Social media specialist",
			Tools:       []string{"postTweet"},
			Tags:        []string{"tweet", "twitter"}},
	}
}

type chatFunc func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)

func (f chatFunc) Name() string { return "fake" }
func (f chatFunc) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return f(ctx, req)
}

type models map[string]domain.LLMProvider

func (m models) Model(name string, _ domain.ModelConfig) (domain.LLMProvider, error) {
	p, ok := m[name]
	if !ok {
		return nil, domain.ErrModelUnavailable
	}
	return p, nil
}

func reply(content string, calls ...domain.ToolCall) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: content, ToolCalls: calls}}, nil
}

func callTool(name, args string) domain.ToolCall {
	return domain.ToolCall{Name: name, Arguments: json.RawMessage(args)}
}

func last(req domain.ChatRequest) domain.Message { return req.Messages[len(req.Messages)-1] }

type tool struct {
	name   string
	result string
	mu     sync.Mutex
	args   []string
}

func (t *tool) Name() string        { return t.name }
func (t *tool) Description() string { return t.name }
func (t *tool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Parameters: json.RawMessage(`{"type":"object"}`)}
}

func (t *tool) Execute(_ context.Context, args json.RawMessage) (*domain.ToolResult, error) {
	t.mu.Lock()
	t.args = append(t.args, string(args))
	t.mu.Unlock()
	return &domain.ToolResult{Content: t.result}, nil
}

func (t *tool) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.args)
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

// chanLeaser grants one holder per thread.
type chanLeaser struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func (l *chanLeaser) slot(threadID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = make(map[string]chan struct{})
	}
	ch, ok := l.slots[threadID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[threadID] = ch
	}
	return ch
}

func (l *chanLeaser) Acquire(ctx context.Context, threadID string, _ time.Duration) (func(), error) {
	ch := l.slot(threadID)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type harness struct {
	orch   *Orchestrator
	saver  *checkpoint.MemorySaver
	leaser *chanLeaser
	tools  toolset
	bus    *eventbus.Bus
}

type harnessOpts struct {
	models models
	risk   domain.RiskClassifier
	cfg    Config
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	reg, err := multiagent.NewRegistryFrom("ankie", roster(), testLogger)
	require.NoError(t, err)

	h := &harness{
		saver:  checkpoint.NewMemorySaver(),
		leaser: &chanLeaser{},
		tools: toolset{
			"createCalendarEvent": {name: "createCalendarEvent", result: `{"event_id":"evt-42"}`},
			"draftEmail":          {name: "draftEmail", result: `{"draft_id":"draft-7"}`},
			"postTweet":           {name: "postTweet", result: `{"tweet_id":"1"}`},
		},
		bus: eventbus.New(testLogger),
	}
	t.Cleanup(h.bus.Close)

	builder := graph.NewBuilder(graph.Deps{
		Models: o.models,
		Tools:  h.tools,
		Risk:   o.risk,
		Agents: reg,
		Saver:  h.saver,
		Bus:    h.bus,
		Logger: testLogger,
	})
	compiler := graph.NewCompiler(graph.NewCache(testLogger), builder, reg)
	manager := execution.NewManager(compiler, reg, steps.NewBuilder("en"), testLogger,
		execution.Config{RetryBackoff: time.Millisecond}, execution.WithBus(h.bus))

	h.orch = New(Deps{
		Agents:   reg,
		Graphs:   compiler,
		Manager:  manager,
		Saver:    h.saver,
		Leaser:   h.leaser,
		Detector: delegation.NewDetector(reg, delegation.NewRuleAnalyzer(nil), testLogger),
		Mentions: multiagent.NewMentionRouter(reg, testLogger),
		Bus:      h.bus,
		Logger:   testLogger,
	}, o.cfg)
	return h
}

func actions(steps []domain.ExecutionStep) []domain.StepAction {
	out := make([]domain.StepAction, len(steps))
	for i, s := range steps {
		out[i] = s.Action
	}
	return out
}
