// Package integration runs the orchestrator end to end: real model factory,
// tools, checkpoints and gateway, against a scripted OpenAI-compatible
// server or, when keys are set, a real provider.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ankie/internal/adapter/checkpoint"
	"ankie/internal/adapter/gateway"
	"ankie/internal/adapter/lease"
	"ankie/internal/adapter/llm"
	"ankie/internal/adapter/tool"
	"ankie/internal/domain"
	"ankie/internal/infra/config"
	"ankie/internal/infra/metrics"
	"ankie/internal/usecase/approval"
	"ankie/internal/usecase/delegation"
	"ankie/internal/usecase/eventbus"
	"ankie/internal/usecase/execution"
	"ankie/internal/usecase/graph"
	"ankie/internal/usecase/multiagent"
	"ankie/internal/usecase/orchestrator"
	"ankie/internal/usecase/steps"
)

// Config holds integration test configuration from environment
type Config struct {
	OpenAIKey    string
	AnthropicKey string
	TestTimeout  time.Duration
	SkipSlow     bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		TestTimeout:  60 * time.Second,
		SkipSlow:     os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoAPIKey skips the test if the required API key is not set
func SkipIfNoAPIKey(t *testing.T, key, name string) {
	t.Helper()
	if key == "" {
		t.Skipf("Skipping %s integration test: %s_API_KEY not set", name, name)
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// WireMessage is a chat message as the OpenAI wire format carries it.
type WireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// WireToolCall is one function call in a WireMessage.
type WireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Script answers one chat completion. msgs excludes the system prompt.
type Script func(msgs []WireMessage) WireMessage

// Say is a plain assistant reply.
func Say(content string) WireMessage { return WireMessage{Role: "assistant", Content: content} }

// Call is an assistant reply that calls tool with args.
func Call(tool, args string) WireMessage {
	tc := WireToolCall{Type: "function"}
	tc.Function.Name = tool
	tc.Function.Arguments = args
	return WireMessage{Role: "assistant", ToolCalls: []WireToolCall{tc}}
}

// ScriptedLLM is an OpenAI-compatible server that picks a script by a
// substring of the system prompt, so each agent gets its own behavior.
type ScriptedLLM struct {
	*httptest.Server

	mu      sync.Mutex
	scripts map[string]Script
	calls   map[string]int
	seq     int
}

// NewScriptedLLM starts a server with scripts keyed by system prompt marker.
func NewScriptedLLM(t *testing.T, scripts map[string]Script) *ScriptedLLM {
	s := &ScriptedLLM{scripts: scripts, calls: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Calls returns how many completions the script for marker served.
func (s *ScriptedLLM) Calls(marker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[marker]
}

func (s *ScriptedLLM) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	var req struct {
		Model    string        `json:"model"`
		Messages []WireMessage `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var system string
	msgs := req.Messages
	if len(msgs) > 0 && msgs[0].Role == "system" {
		system, msgs = msgs[0].Content, msgs[1:]
	}

	s.mu.Lock()
	var script Script
	for marker, sc := range s.scripts {
		if strings.Contains(system, marker) {
			script = sc
			s.calls[marker]++
			break
		}
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	if script == nil {
		http.Error(w, "no script for system prompt", http.StatusBadRequest)
		return
	}
	reply := script(msgs)
	finish := "stop"
	for i := range reply.ToolCalls {
		reply.ToolCalls[i].ID = fmt.Sprintf("call_%d_%d", seq, i)
		finish = "tool_calls"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      fmt.Sprintf("chatcmpl-%d", seq),
		"model":   req.Model,
		"created": time.Now().Unix(),
		"choices": []map[string]any{{"message": reply, "finish_reason": finish}},
		"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
}

// LastTool returns the content of the most recent tool result, or "".
func LastTool(msgs []WireMessage) string {
	if n := len(msgs); n > 0 && msgs[n-1].Role == "tool" {
		return msgs[n-1].Content
	}
	return ""
}

// Stack is a fully wired orchestrator with a gateway in front of it.
type Stack struct {
	Config       *config.Config
	Metrics      *metrics.Metrics
	Bus          *eventbus.Bus
	Models       *llm.Factory
	Sandbox      *tool.Sandbox
	Saver        *checkpoint.SQLiteSaver
	Orchestrator *orchestrator.Orchestrator
	Gateway      *httptest.Server
}

// NewStack wires the default agent roster against an OpenAI-compatible
// endpoint at baseURL, persisting checkpoints in a temp SQLite file.
func NewStack(t *testing.T, baseURL, apiKey string) *Stack {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Defaults()
	cfg.LLM.Providers = []config.ProviderConfig{{Name: "openai", BaseURL: baseURL, APIKey: apiKey}}
	cfg.LLM.ResponseCache.Enabled = false
	cfg.Orchestrator.RetryBackoff = 10 * time.Millisecond
	cfg.Gateway.Auth = config.AuthConfig{Type: "static", Tokens: []config.TokenConfig{{Token: "test-token", Name: "tester"}}}

	st := &Stack{Config: cfg, Metrics: metrics.New(), Sandbox: tool.NewSandbox()}
	st.Bus = eventbus.New(log)
	t.Cleanup(st.Bus.Close)

	models := llm.NewFactory(cfg.LLM, llm.DefaultRegistry(), nil, st.Metrics, st.Bus, log)
	st.Models = models
	tools := tool.NewRegistry(log)
	require.NoError(t, tools.Register(tool.Builtins(st.Sandbox, nil, log)...))

	saver, err := checkpoint.NewSQLiteSaver(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { saver.Close() })
	st.Saver = saver

	agents, err := multiagent.NewRegistryFrom(cfg.Agents.Supervisor, cfg.Agents.Definitions, log)
	require.NoError(t, err)

	builder := graph.NewBuilder(graph.Deps{
		Models:             models,
		Tools:              tools,
		Risk:               approval.NewPolicy(cfg.Approval),
		Agents:             agents,
		Saver:              saver,
		Bus:                st.Bus,
		Logger:             log,
		MaxDelegationDepth: cfg.Orchestrator.MaxDelegationDepth,
		ToolConcurrency:    cfg.Orchestrator.ToolConcurrency,
	})
	compiler := graph.NewCompiler(graph.NewCache(log, graph.WithCacheMetrics(st.Metrics)), builder, agents)
	manager := execution.NewManager(compiler, agents, steps.NewBuilder(cfg.Steps.DefaultLocale), log,
		execution.Config{
			MaxNodeAttempts: cfg.Orchestrator.MaxNodeAttempts,
			MaxSteps:        cfg.Orchestrator.MaxSteps,
			RetryBackoff:    cfg.Orchestrator.RetryBackoff,
		},
		execution.WithMetrics(st.Metrics),
		execution.WithBus(st.Bus),
	)
	st.Orchestrator = orchestrator.New(orchestrator.Deps{
		Agents:   agents,
		Graphs:   compiler,
		Manager:  manager,
		Saver:    saver,
		Leaser:   lease.NewLocal(),
		Detector: delegation.NewDetector(agents, delegation.NewRuleAnalyzer(nil), log, delegation.WithMetrics(st.Metrics)),
		Mentions: multiagent.NewMentionRouter(agents, log),
		Bus:      st.Bus,
		Logger:   log,
	}, orchestrator.Config{
		LeaseTTL:  cfg.Orchestrator.Lease.TTL,
		LeaseWait: cfg.Orchestrator.Lease.Wait,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.Orchestrator.Shutdown(ctx)
	})

	srv := gateway.NewServer(st.Bus, gateway.NewAuthenticator(cfg.Gateway.Auth), "", log, gateway.WithMetrics(st.Metrics))
	engine := gateway.FromOrchestrator(st.Orchestrator)
	gateway.RegisterHandlers(srv, engine)
	gateway.RegisterHTTPHandlers(srv, engine, st.Metrics)
	st.Gateway = httptest.NewServer(srv.Handler())
	t.Cleanup(st.Gateway.Close)

	return st
}

// Steps drains a run, returning its steps and result.
func Steps(t *testing.T, run interface {
	Steps() <-chan domain.ExecutionStep
	Wait() (*domain.ExecutionResult, error)
}) ([]domain.ExecutionStep, *domain.ExecutionResult) {
	t.Helper()
	var out []domain.ExecutionStep
	for s := range run.Steps() {
		out = append(out, s)
	}
	res, err := run.Wait()
	require.NoError(t, err)
	return out, res
}
