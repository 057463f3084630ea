package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLLM(cfg, ve)
	validateAgents(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateCheckpoint(cfg, ve)
	validateDelegation(cfg, ve)
	validateSteps(cfg, ve)
	validateTools(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

// knownFamilies mirrors the model family registry. Keys-optional families
// (local runtimes and IAM-authenticated clouds) are false.
var knownFamilies = map[string]bool{
	"openai":     true,
	"anthropic":  true,
	"xai":        true,
	"google":     true,
	"openrouter": true,
	"ollama":     false,
	"bedrock":    false,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultModel == "" {
		ve.Add("llm.default_model must not be empty")
	}
	if cfg.LLM.CallTimeout <= 0 {
		ve.Add("llm.call_timeout must be > 0")
	}
	if rc := cfg.LLM.ResponseCache; rc.Enabled && (rc.TTL <= 0 || rc.MaxEntries <= 0) {
		ve.Add("llm.response_cache: ttl and max_entries must be > 0 when enabled")
	}
	for from, to := range cfg.LLM.Fallbacks {
		if from == to {
			ve.Add("llm.fallbacks: %q falls back to itself", from)
		}
	}

	seen := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		requiresKey, known := knownFamilies[p.Name]
		switch {
		case p.Name == "":
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		case !known:
			ve.Add("llm.providers[%d].name %q is not a known model family", i, p.Name)
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider %q", i, p.Name)
		}
		seen[p.Name] = true

		if requiresKey && p.APIKey == "" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via ANKIE_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(p.Name))
		}
		if p.Name == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (bedrock): region is required", i)
		}
		if p.MaxOutputTokens < 0 {
			ve.Add("llm.providers[%d] (%s): max_output_tokens must be >= 0", i, p.Name)
		}
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	if len(cfg.Agents.Definitions) == 0 {
		ve.Add("agents.definitions must not be empty")
		return
	}
	ids := make(map[string]bool)
	for i, a := range cfg.Agents.Definitions {
		if err := a.Validate(); err != nil {
			ve.Add("agents.definitions[%d]: %v", i, err)
			continue
		}
		if ids[a.ID] {
			ve.Add("agents.definitions[%d]: duplicate agent id %q", i, a.ID)
		}
		ids[a.ID] = true
	}
	if !ids[cfg.Agents.Supervisor] {
		ve.Add("agents.supervisor %q does not match any agent definition", cfg.Agents.Supervisor)
	}
	for _, a := range cfg.Agents.Definitions {
		for _, d := range a.Delegates {
			if !ids[d] {
				ve.Add("agents: %s delegates to unknown agent %q", a.ID, d)
			}
		}
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.MaxDelegationDepth <= 0 {
		ve.Add("orchestrator.max_delegation_depth must be > 0")
	}
	if o.MaxNodeAttempts <= 0 {
		ve.Add("orchestrator.max_node_attempts must be > 0")
	}
	if o.MaxSteps <= 0 {
		ve.Add("orchestrator.max_steps must be > 0")
	}
	if o.ToolConcurrency <= 0 {
		ve.Add("orchestrator.tool_concurrency must be > 0")
	}
	if o.RetryBackoff < 0 {
		ve.Add("orchestrator.retry_backoff must be >= 0")
	}
	switch o.Lease.Backend {
	case "memory":
	case "redis":
		if cfg.Checkpoint.RedisURL == "" {
			ve.Add("orchestrator.lease: redis backend requires checkpoint.redis_url")
		}
	default:
		ve.Add("orchestrator.lease.backend %q is invalid (want: memory, redis)", o.Lease.Backend)
	}
	if o.Lease.TTL <= 0 {
		ve.Add("orchestrator.lease.ttl must be > 0")
	}
}

func validateCheckpoint(cfg *Config, ve *ValidationError) {
	c := cfg.Checkpoint
	switch c.Backend {
	case "memory":
	case "sqlite":
		if c.Path == "" {
			ve.Add("checkpoint.path is required for the sqlite backend")
		}
	case "redis":
		if c.RedisURL == "" {
			ve.Add("checkpoint.redis_url is required for the redis backend")
		}
	default:
		ve.Add("checkpoint.backend %q is invalid (want: memory, sqlite, redis)", c.Backend)
	}
	if c.Retention < 0 {
		ve.Add("checkpoint.retention must be >= 0")
	}
	if c.Retention > 0 && c.PruneSchedule != "" {
		if _, err := cron.ParseStandard(c.PruneSchedule); err != nil {
			ve.Add("checkpoint.prune_schedule %q: %v", c.PruneSchedule, err)
		}
	}
}

func validateDelegation(cfg *Config, ve *ValidationError) {
	switch cfg.Delegation.Analyzer {
	case "rules", "":
	case "llm":
		if cfg.Delegation.AnalyzerModel == "" && cfg.LLM.DefaultModel == "" {
			ve.Add("delegation.analyzer_model is required for the llm analyzer")
		}
	default:
		ve.Add("delegation.analyzer %q is invalid (want: rules, llm)", cfg.Delegation.Analyzer)
	}
	if p := cfg.Delegation.Prefilter; p != "" {
		if _, err := regexp.Compile(p); err != nil {
			ve.Add("delegation.prefilter is not a valid regexp: %v", err)
		}
	}
}

func validateSteps(cfg *Config, ve *ValidationError) {
	if _, err := language.Parse(cfg.Steps.DefaultLocale); err != nil {
		ve.Add("steps.default_locale %q is not a valid BCP 47 tag", cfg.Steps.DefaultLocale)
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	names := make(map[string]bool)
	for i, s := range cfg.Tools.MCPServers {
		if s.Name == "" {
			ve.Add("tools.mcp_servers[%d].name must not be empty", i)
		} else if names[s.Name] {
			ve.Add("tools.mcp_servers[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				ve.Add("tools.mcp_servers[%d] (%s): command is required for stdio", i, s.Name)
			}
		case "http":
			if s.URL == "" {
				ve.Add("tools.mcp_servers[%d] (%s): url is required for http", i, s.Name)
			}
		default:
			ve.Add("tools.mcp_servers[%d] (%s): transport %q is invalid (want: stdio, http)", i, s.Name, s.Transport)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if !g.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is invalid: %v", g.Addr, err)
	}
	if g.Auth.Type == "static" && len(g.Auth.Tokens) == 0 {
		ve.Add("gateway.auth: static auth requires at least one token")
	}
	if g.RateLimit.RequestsPerMin < 0 || g.RateLimit.Burst < 0 {
		ve.Add("gateway.rate_limit values must be >= 0")
	}
}
