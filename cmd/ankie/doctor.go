package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ankie/internal/adapter/llm"
	"ankie/internal/infra/config"
	"ankie/internal/usecase/multiagent"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Some checks work without a loadable config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "Default model", Fn: checkDefaultModel},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "Agents", Fn: checkAgents},
		{Name: "Checkpoint backend", Fn: checkCheckpointBackend},
		{Name: "Gateway", Fn: checkGateway},
		{Name: "MCP servers", Fn: checkMCPServers},
		{Name: "SearXNG", Fn: checkSearXNG},
		{Name: "Network", Fn: checkNetwork},
	}
	pass, warn, fail := report(os.Stdout, cfg, checks)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure ankie runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nankie should work, but consider addressing the warnings.")
	} else if pass > 0 {
		fmt.Println("\nAll checks passed! ankie is ready to run.")
	}
	return nil
}

// report runs checks against cfg and prints one line per result.
func report(w io.Writer, cfg *config.Config, checks []Check) (pass, warn, fail int) {
	fmt.Fprintln(w, "ankie doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	return pass, warn, fail
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// checkConfigFile returns a check that verifies the config file parses. A
// missing file is only a warning since the defaults still run.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create config.yaml or pass --config",
			}
		}
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the fields named above",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkLLMAPIKey verifies at least one provider has an API key, or is a
// keyless local family.
func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add at least one provider in config.yaml under llm.providers",
		}
	}

	reg := llm.DefaultRegistry()
	var withKey, withoutKey []string
	for _, p := range cfg.LLM.Providers {
		f, _ := reg.Family(p.Name)
		if p.APIKey != "" || !f.RequiresKey {
			withKey = append(withKey, p.Name)
		} else {
			withoutKey = append(withoutKey, p.Name)
		}
	}

	if len(withKey) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API keys found for providers: %s", strings.Join(withoutKey, ", ")),
			Fix:     "Set API keys via environment variables (e.g., ANKIE_LLM_PROVIDER_OPENAI_API_KEY)",
		}
	}
	if len(withoutKey) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("keys configured for [%s]; missing for [%s]", strings.Join(withKey, ", "), strings.Join(withoutKey, ", ")),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("credentials configured for: %s", strings.Join(withKey, ", ")),
	}
}

// checkDefaultModel verifies the default model resolves to a configured family.
func checkDefaultModel(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	f, model, err := llm.DefaultRegistry().Resolve(cfg.LLM.DefaultModel)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Use a known model name or prefix it with its family, e.g. ollama/llama3",
		}
	}
	if _, ok := cfg.LLM.Provider(f.ID); !ok {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s needs the %s provider, which is not configured", model, f.ID),
			Fix:     fmt.Sprintf("Add a %q entry under llm.providers", f.ID),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s via %s", model, f.ID)}
}

// checkLLMConnectivity tests if the default model's provider is reachable.
func checkLLMConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	f, _, err := llm.DefaultRegistry().Resolve(cfg.LLM.DefaultModel)
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "skipped, default model does not resolve"}
	}
	provider, ok := cfg.LLM.Provider(f.ID)
	if !ok {
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("skipped, provider %q not configured", f.ID)}
	}

	endpoint := providerEndpoint(provider)
	if endpoint == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no known endpoint for %q, skipping connectivity test", provider.Name),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check your internet connection and firewall settings",
		}
	}
	resp.Body.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", provider.Name, latency.Milliseconds()),
	}
}

// providerEndpoint returns a health/ping URL for the given provider family.
func providerEndpoint(p config.ProviderConfig) string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}
	switch p.Name {
	case "openai":
		return "https://api.openai.com/v1/models"
	case "anthropic":
		return "https://api.anthropic.com/"
	case "google":
		return "https://generativelanguage.googleapis.com/"
	case "xai":
		return "https://api.x.ai/v1/models"
	case "openrouter":
		return "https://openrouter.ai/api/v1/models"
	case "ollama":
		return "http://localhost:11434/api/tags"
	default:
		return ""
	}
}

// checkAgents builds the agent roster the way serve does.
func checkAgents(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	reg, err := multiagent.NewRegistryFrom(cfg.Agents.Supervisor, cfg.Agents.Definitions, slog.New(slog.DiscardHandler))
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Check agents.supervisor and agents.definitions in config.yaml",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d agents, supervisor %s", len(reg.List()), cfg.Agents.Supervisor),
	}
}

// checkCheckpointBackend verifies the checkpoint store is usable.
func checkCheckpointBackend(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	c := cfg.Checkpoint
	switch c.Backend {
	case "memory":
		return CheckResult{
			Status:  StatusWarn,
			Message: "in-memory checkpoints are lost on restart",
			Fix:     "Use checkpoint.backend: sqlite or redis for durable threads",
		}
	case "redis":
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid redis url: %v", err)}
		}
		client := redis.NewClient(opts)
		defer client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("redis not reachable at %s: %v", opts.Addr, err),
				Fix:     "Start Redis or update checkpoint.redis_url",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("redis reachable at %s", opts.Addr)}
	default:
		dir := filepath.Dir(c.Path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("cannot create %s: %v", dir, err),
				Fix:     "Fix permissions or change checkpoint.path",
			}
		}
		probe := filepath.Join(dir, ".doctor_probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s is not writable: %v", dir, err),
				Fix:     "Fix permissions or change checkpoint.path",
			}
		}
		os.Remove(probe)
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("sqlite at %s", c.Path)}
	}
}

// checkGateway warns when the gateway listens beyond localhost without auth.
func checkGateway(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	g := cfg.Gateway
	if !g.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}
	host, _, err := net.SplitHostPort(g.Addr)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid gateway.addr %q: %v", g.Addr, err)}
	}
	local := host == "localhost" || host == "127.0.0.1" || host == "::1"
	if g.Auth.Type != "static" && !local {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("gateway on %s accepts unauthenticated clients", g.Addr),
			Fix:     "Set gateway.auth.type: static with tokens, or bind to 127.0.0.1",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("gateway on %s (auth: %s)", g.Addr, authName(g.Auth.Type))}
}

func authName(t string) string {
	if t == "" {
		return "open"
	}
	return t
}

// checkMCPServers verifies stdio MCP commands are on PATH.
func checkMCPServers(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.Tools.MCPServers) == 0 {
		return CheckResult{Status: StatusPass, Message: "no MCP servers configured"}
	}
	var missing []string
	for _, s := range cfg.Tools.MCPServers {
		if s.Transport != "stdio" {
			continue
		}
		if _, err := exec.LookPath(s.Command); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", s.Name, s.Command))
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("commands not found: %s", strings.Join(missing, "; ")),
			Fix:     "Install the missing commands; their tools are skipped until then",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d MCP servers configured", len(cfg.Tools.MCPServers))}
}

// checkSearXNG checks the web search backend.
func checkSearXNG(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	url := cfg.Tools.SearchURL
	if url == "" {
		return CheckResult{Status: StatusPass, Message: "search disabled, webSearch reports not configured"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid SearXNG URL: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("SearXNG not reachable at %s: %v", url, err),
			Fix:     "Start SearXNG or update tools.search_url",
		}
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("SearXNG responded with status %d at %s", resp.StatusCode, url),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("SearXNG reachable at %s", url)}
}

// checkNetwork verifies basic internet connectivity.
func checkNetwork(_ *config.Config) CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var d net.Dialer
	for _, addr := range []string{"1.1.1.1:443", "8.8.8.8:443"} {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return CheckResult{Status: StatusPass, Message: "internet connectivity OK"}
		}
	}
	return CheckResult{
		Status:  StatusFail,
		Message: "no internet connectivity detected",
		Fix:     "Check your network connection and firewall settings",
	}
}
