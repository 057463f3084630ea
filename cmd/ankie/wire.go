package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/redis/go-redis/v9"

	"ankie/internal/adapter/checkpoint"
	"ankie/internal/adapter/gateway"
	"ankie/internal/adapter/lease"
	"ankie/internal/adapter/llm"
	"ankie/internal/adapter/tool"
	"ankie/internal/domain"
	"ankie/internal/infra/config"
	"ankie/internal/infra/metrics"
	"ankie/internal/infra/middleware"
	"ankie/internal/usecase/approval"
	"ankie/internal/usecase/delegation"
	"ankie/internal/usecase/eventbus"
	"ankie/internal/usecase/execution"
	"ankie/internal/usecase/graph"
	"ankie/internal/usecase/multiagent"
	"ankie/internal/usecase/orchestrator"
	"ankie/internal/usecase/retention"
	"ankie/internal/usecase/steps"
)

// App holds the wired runtime. Close releases everything in reverse order.
type App struct {
	Config       *config.Config
	Metrics      *metrics.Metrics
	Bus          *eventbus.Bus
	Models       *llm.Factory
	Graphs       *graph.Compiler
	Saver        domain.CheckpointSaver
	Orchestrator *orchestrator.Orchestrator
	Pruner       *retention.Pruner
	Gateway      *gateway.Server

	closers []func() error
	logger  *slog.Logger
}

// buildApp wires every component from cfg. ctx bounds background goroutines
// (limiter sweeps, MCP subprocesses).
func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New(), logger: log}

	// 1. Event bus
	a.Bus = eventbus.New(log)
	a.closers = append(a.closers, func() error { a.Bus.Close(); return nil })

	// 2. Model factory
	models := llm.NewFactory(cfg.LLM, llm.DefaultRegistry(), llm.NewResponseCache(cfg.LLM.ResponseCache, a.Metrics), a.Metrics, a.Bus, log)
	a.Models = models

	// 3. Tools
	tools, err := initTools(ctx, cfg, log, a)
	if err != nil {
		a.Close()
		return nil, err
	}

	// 4. Checkpoints and thread leases
	var redisClient *redis.Client
	if cfg.Checkpoint.Backend == "redis" || cfg.Orchestrator.Lease.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.Checkpoint.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("checkpoint redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		a.closers = append(a.closers, redisClient.Close)
	}
	a.Saver, err = initSaver(cfg.Checkpoint, redisClient, a)
	if err != nil {
		a.Close()
		return nil, err
	}
	var leaser domain.ThreadLeaser = lease.NewLocal()
	if cfg.Orchestrator.Lease.Backend == "redis" {
		leaser = lease.NewRedis(redisClient, keyPrefix(cfg.Checkpoint.KeyPrefix), log)
	}

	// 5. Agents
	agents, err := multiagent.NewRegistryFrom(cfg.Agents.Supervisor, cfg.Agents.Definitions, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("agents: %w", err)
	}

	// 6. Graphs and executions
	builder := graph.NewBuilder(graph.Deps{
		Models:             models,
		Tools:              tools,
		Risk:               approval.NewPolicy(cfg.Approval),
		Agents:             agents,
		Saver:              a.Saver,
		Bus:                a.Bus,
		Logger:             log,
		MaxDelegationDepth: cfg.Orchestrator.MaxDelegationDepth,
		ToolConcurrency:    cfg.Orchestrator.ToolConcurrency,
	})
	cache := graph.NewCache(log, graph.WithCacheMetrics(a.Metrics), graph.WithCacheBus(a.Bus))
	compiler := graph.NewCompiler(cache, builder, agents)
	a.Graphs = compiler
	// Delegating graphs describe their delegates, so any agent change
	// stales more than its own entry.
	agents.OnChange(func(string) { cache.InvalidateAll(context.Background()) })
	manager := execution.NewManager(compiler, agents, steps.NewBuilder(cfg.Steps.DefaultLocale), log,
		execution.Config{
			MaxNodeAttempts: cfg.Orchestrator.MaxNodeAttempts,
			MaxSteps:        cfg.Orchestrator.MaxSteps,
			RetryBackoff:    cfg.Orchestrator.RetryBackoff,
		},
		execution.WithMetrics(a.Metrics),
		execution.WithBus(a.Bus),
	)

	// 7. Orchestrator
	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Agents:   agents,
		Graphs:   compiler,
		Manager:  manager,
		Saver:    a.Saver,
		Leaser:   leaser,
		Detector: initDetector(cfg, agents, models, a.Metrics, log),
		Mentions: multiagent.NewMentionRouter(agents, log),
		Bus:      a.Bus,
		Logger:   log,
	}, orchestrator.Config{
		HardRouting: cfg.Orchestrator.HardRouting,
		LeaseTTL:    cfg.Orchestrator.Lease.TTL,
		LeaseWait:   cfg.Orchestrator.Lease.Wait,
	})

	// 8. Checkpoint retention
	a.Pruner = retention.New(a.Saver, cfg.Checkpoint.Retention, log,
		retention.WithSchedule(cfg.Checkpoint.PruneSchedule),
		retention.WithBus(a.Bus),
		retention.WithMetrics(a.Metrics),
	)

	// 9. Gateway
	if cfg.Gateway.Enabled {
		gwOpts := []gateway.Option{
			gateway.WithLimiter(middleware.NewLimiter(ctx, cfg.Gateway.RateLimit.RequestsPerMin, cfg.Gateway.RateLimit.Burst)),
			gateway.WithMetrics(a.Metrics),
		}
		if len(cfg.Gateway.AllowedOrigins) > 0 {
			gwOpts = append(gwOpts, gateway.WithOriginPatterns(cfg.Gateway.AllowedOrigins...))
		}
		a.Gateway = gateway.NewServer(a.Bus, gateway.NewAuthenticator(cfg.Gateway.Auth), cfg.Gateway.Addr, log, gwOpts...)
		engine := gateway.FromOrchestrator(a.Orchestrator)
		gateway.RegisterHandlers(a.Gateway, engine)
		gateway.RegisterHTTPHandlers(a.Gateway, engine, a.Metrics)
	}

	return a, nil
}

func initTools(ctx context.Context, cfg *config.Config, log *slog.Logger, a *App) (*tool.Registry, error) {
	var search tool.SearchBackend
	if cfg.Tools.SearchURL != "" {
		search = tool.NewSearXNGBackend(cfg.Tools.SearchURL, log)
	}
	reg := tool.NewRegistry(log)
	if err := reg.Register(tool.Builtins(tool.NewSandbox(), search, log)...); err != nil {
		return nil, fmt.Errorf("builtin tools: %w", err)
	}

	if len(cfg.Tools.MCPServers) == 0 {
		return reg, nil
	}
	bridge, err := tool.NewMCPBridge(ctx, cfg.Tools.MCPServers, log)
	if err != nil {
		// MCP tools are optional; the built-ins still serve.
		log.Warn("mcp tools unavailable", "error", err)
		return reg, nil
	}
	a.closers = append(a.closers, bridge.Close)
	if err := reg.Register(bridge.Tools()...); err != nil {
		return nil, fmt.Errorf("mcp tools: %w", err)
	}
	log.Info("mcp tools registered", "count", len(bridge.Tools()))
	return reg, nil
}

func initSaver(cfg config.CheckpointConfig, client *redis.Client, a *App) (domain.CheckpointSaver, error) {
	switch cfg.Backend {
	case "memory":
		return checkpoint.NewMemorySaver(), nil
	case "redis":
		return checkpoint.NewRedisSaver(client, checkpoint.WithKeyPrefix(keyPrefix(cfg.KeyPrefix))), nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("checkpoint dir: %w", err)
		}
		s, err := checkpoint.NewSQLiteSaver(cfg.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	}
}

func initDetector(cfg *config.Config, agents *multiagent.Registry, models *llm.Factory, m *metrics.Metrics, log *slog.Logger) *delegation.Detector {
	if !cfg.Delegation.Enabled {
		return nil
	}
	var analyzer delegation.Analyzer = delegation.NewRuleAnalyzer(nil)
	if cfg.Delegation.Analyzer == "llm" {
		model := cfg.Delegation.AnalyzerModel
		if model == "" {
			model = cfg.LLM.DefaultModel
		}
		analyzer = delegation.NewLLMAnalyzer(models, model)
	}
	opts := []delegation.Option{delegation.WithMetrics(m)}
	if cfg.Delegation.Prefilter != "" {
		// Validated at load.
		opts = append(opts, delegation.WithPrefilter(regexp.MustCompile(cfg.Delegation.Prefilter)))
	}
	return delegation.NewDetector(agents, analyzer, log, opts...)
}

// keyPrefix normalizes a configured Redis prefix to end in a colon.
func keyPrefix(p string) string {
	if p == "" {
		return "ankie:"
	}
	return strings.TrimSuffix(p, ":") + ":"
}

// Flush drops every cached response and compiled graph. Nothing is lost:
// both caches refill on demand.
func (a *App) Flush(ctx context.Context) {
	a.Models.InvalidateResponses()
	a.Orchestrator.InvalidateGraph(ctx, "")
	a.logger.Info("caches flushed")
}

// Close stops the orchestrator and releases resources in reverse order.
func (a *App) Close() error {
	var errs []error
	if a.Orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, a.Orchestrator.Shutdown(ctx))
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
