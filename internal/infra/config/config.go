package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ankie/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	LLM          LLMConfig          `yaml:"llm"`
	Agents       AgentsConfig       `yaml:"agents"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Approval     ApprovalConfig     `yaml:"approval"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint"`
	Delegation   DelegationConfig   `yaml:"delegation"`
	Steps        StepsConfig        `yaml:"steps"`
	Tools        ToolsConfig        `yaml:"tools"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Includes     []string           `yaml:"includes,omitempty"`
}

// LLMConfig holds model factory settings.
type LLMConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
	// DefaultModel is the last-resort model every fallback chain ends with.
	DefaultModel string `yaml:"default_model"`
	// Aliases maps internal names ("fast", "smart") to model names.
	Aliases map[string]string `yaml:"aliases,omitempty"`
	// Fallbacks maps a model name to the model tried when it fails.
	Fallbacks      map[string]string    `yaml:"fallbacks,omitempty"`
	CallTimeout    time.Duration        `yaml:"call_timeout"`
	ResponseCache  ResponseCacheConfig  `yaml:"response_cache"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ResponseCacheConfig controls the shared model response cache.
type ResponseCacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds credentials and transport settings for one provider
// family. Name is the family id: openai, anthropic, xai, google, openrouter,
// ollama or bedrock.
type ProviderConfig struct {
	Name            string        `yaml:"name"`
	BaseURL         string        `yaml:"base_url,omitempty"`
	APIKey          string        `yaml:"api_key"`
	Region          string        `yaml:"region,omitempty"`
	MaxOutputTokens int           `yaml:"max_output_tokens,omitempty"`
	ConnTimeout     time.Duration `yaml:"conn_timeout"`
	RespTimeout     time.Duration `yaml:"resp_timeout"`
	Pool            PoolConfig    `yaml:"pool"`
}

// AgentsConfig holds the static agent definitions.
type AgentsConfig struct {
	Supervisor  string               `yaml:"supervisor"`
	Definitions []domain.AgentConfig `yaml:"definitions"`
}

// OrchestratorConfig bounds executions.
type OrchestratorConfig struct {
	MaxDelegationDepth int           `yaml:"max_delegation_depth"`
	MaxNodeAttempts    int           `yaml:"max_node_attempts"`
	MaxSteps           int           `yaml:"max_steps"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	ToolConcurrency    int           `yaml:"tool_concurrency"`
	HardRouting        bool          `yaml:"hard_routing"`
	Lease              LeaseConfig   `yaml:"lease"`
}

// LeaseConfig configures the per-thread execution lease.
type LeaseConfig struct {
	Backend string        `yaml:"backend"` // "memory" or "redis"
	TTL     time.Duration `yaml:"ttl"`
	Wait    time.Duration `yaml:"wait"`
}

// ApprovalConfig overrides the built-in tool risk classification.
type ApprovalConfig struct {
	RequireApproval []string `yaml:"require_approval,omitempty"`
	AlwaysAllow     []string `yaml:"always_allow,omitempty"`
	AlwaysDeny      []string `yaml:"always_deny,omitempty"`
}

// CheckpointConfig selects and tunes the checkpoint saver.
type CheckpointConfig struct {
	Backend       string        `yaml:"backend"` // "memory", "sqlite" or "redis"
	Path          string        `yaml:"path,omitempty"`
	RedisURL      string        `yaml:"redis_url,omitempty"`
	KeyPrefix     string        `yaml:"key_prefix,omitempty"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

// DelegationConfig configures the delegation detector.
type DelegationConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Analyzer      string `yaml:"analyzer"` // "rules" or "llm"
	AnalyzerModel string `yaml:"analyzer_model,omitempty"`
	// Prefilter overrides the keyword regexp that gates detection.
	Prefilter string `yaml:"prefilter,omitempty"`
}

// StepsConfig configures step narration.
type StepsConfig struct {
	DefaultLocale string `yaml:"default_locale"`
}

// ToolsConfig holds external tool settings.
type ToolsConfig struct {
	// SearchURL is a SearXNG instance for webSearch. Empty disables search.
	SearchURL  string      `yaml:"search_url,omitempty"`
	MCPServers []MCPServer `yaml:"mcp_servers,omitempty"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// AllowedOrigins are browser origin patterns; empty means localhost only.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// RateLimitConfig is a per-client token bucket.
type RateLimitConfig struct {
	RequestsPerMin int `yaml:"requests_per_min"`
	Burst          int `yaml:"burst"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.ankie/data.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".ankie", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultModel: "gpt-4o-mini",
			Aliases: map[string]string{
				"fast":  "gpt-4o-mini",
				"smart": "claude-sonnet-4-20250514",
			},
			CallTimeout: 60 * time.Second,
			ResponseCache: ResponseCacheConfig{
				Enabled:    true,
				TTL:        5 * time.Minute,
				MaxEntries: 1024,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Agents: AgentsConfig{
			Supervisor:  "ankie",
			Definitions: DefaultAgents(),
		},
		Orchestrator: OrchestratorConfig{
			MaxDelegationDepth: 5,
			MaxNodeAttempts:    3,
			MaxSteps:           60,
			RetryBackoff:       500 * time.Millisecond,
			ToolConcurrency:    4,
			Lease: LeaseConfig{
				Backend: "memory",
				TTL:     2 * time.Minute,
				Wait:    5 * time.Second,
			},
		},
		Checkpoint: CheckpointConfig{
			Backend:       "sqlite",
			Path:          filepath.Join(defaultDataDir(), "checkpoints.db"),
			KeyPrefix:     "ankie",
			Retention:     30 * 24 * time.Hour,
			PruneSchedule: "@hourly",
		},
		Delegation: DelegationConfig{
			Enabled:  true,
			Analyzer: "rules",
		},
		Steps: StepsConfig{DefaultLocale: "en"},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    ":8787",
			RateLimit: RateLimitConfig{
				RequestsPerMin: 120,
				Burst:          20,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// DefaultAgents is the built-in supervisor and specialist roster.
func DefaultAgents() []domain.AgentConfig {
	return []domain.AgentConfig{
		{
			ID: "ankie", Name: "Ankie", Role: domain.RoleSupervisor,
			Description: "Supervisor that routes requests to specialists and synthesizes their answers",
			Model:       "gpt-4o-mini", Temperature: 0.3, MaxTokens: 4096,
			Tools:  []string{"webSearch"},
			Prompt: "You are Ankie, a helpful assistant. Delegate specialised work to the right specialist and summarise their results for the user.",
			Tags:   []string{"general", "routing"},
		},
		{
			ID: "calendar", Name: "Ami", Role: domain.RoleSpecialist, ParentID: "ankie",
			Description: "Calendar specialist: schedules meetings, events and reminders",
			Model:       "gpt-4o-mini", Temperature: 0.2, MaxTokens: 2048,
			Tools:     []string{"createCalendarEvent", "listCalendarEvents", "deleteEvent"},
			Prompt:    "You manage the user's calendar. Create, list and remove events precisely.",
			Tags:      []string{"calendar", "meeting", "schedule", "event", "reminder"},
			Delegates: []string{"email"},
		},
		{
			ID: "email", Name: "Astra", Role: domain.RoleSpecialist, ParentID: "ankie",
			Description: "Email specialist: drafts and sends emails and invites",
			Model:       "gpt-4o-mini", Temperature: 0.4, MaxTokens: 2048,
			Tools:  []string{"draftEmail", "sendEmail", "searchEmail"},
			Prompt: "You write and send emails on the user's behalf. Keep drafts concise.",
			Tags:   []string{"email", "mail", "inbox", "invite"},
		},
		{
			ID: "social", Name: "Nora", Role: domain.RoleSpecialist, ParentID: "ankie",
			Description: "Social media specialist: drafts and publishes posts on Twitter, Instagram, Facebook and Telegram",
			Model:       "gpt-4o-mini", Temperature: 0.7, MaxTokens: 2048,
			Tools:  []string{"postTweet", "publishInstagramPost", "postToFacebook", "sendTelegramMessage"},
			Prompt: "You create engaging social media content and publish it when asked.",
			Tags:   []string{"social", "twitter", "tweet", "instagram", "facebook", "telegram", "post"},
		},
		{
			ID: "commerce", Name: "Emma", Role: domain.RoleSpecialist, ParentID: "ankie",
			Description: "E-commerce specialist: Shopify products, orders and sales",
			Model:       "gpt-4o-mini", Temperature: 0.2, MaxTokens: 2048,
			Tools:  []string{"listShopifyProducts", "getShopifyOrders", "createShopifyOrder"},
			Prompt: "You manage the user's Shopify store.",
			Tags:   []string{"shopify", "store", "order", "product", "sales", "ecommerce"},
		},
		{
			ID: "research", Name: "Apu", Role: domain.RoleSpecialist, ParentID: "ankie",
			Description: "Research specialist: web research, news, fact finding and research notes",
			Model:       "gpt-4o-mini", Temperature: 0.3, MaxTokens: 4096,
			Tools:  []string{"webSearch", "saveNote", "searchNotes"},
			Prompt: "You research topics thoroughly and cite your sources.",
			Tags:   []string{"research", "search", "news", "investigate", "notes"},
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		ApplyEnvOverrides(cfg)
		return cfg, Validate(cfg)
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		if err := applyIncludes(cfg, absPath); err != nil {
			return nil, err
		}
		// The main file wins over anything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("ANKIE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps ANKIE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	setString("ANKIE_LLM_DEFAULT_MODEL", &cfg.LLM.DefaultModel)
	setDuration("ANKIE_LLM_CALL_TIMEOUT", &cfg.LLM.CallTimeout)
	if v := os.Getenv("ANKIE_LLM_RESPONSE_CACHE"); v != "" {
		cfg.LLM.ResponseCache.Enabled = v == "true"
	}

	setInt("ANKIE_ORCHESTRATOR_MAX_DELEGATION_DEPTH", &cfg.Orchestrator.MaxDelegationDepth)
	setInt("ANKIE_ORCHESTRATOR_MAX_NODE_ATTEMPTS", &cfg.Orchestrator.MaxNodeAttempts)
	if v := os.Getenv("ANKIE_ORCHESTRATOR_HARD_ROUTING"); v != "" {
		cfg.Orchestrator.HardRouting = v == "true"
	}
	setString("ANKIE_LEASE_BACKEND", &cfg.Orchestrator.Lease.Backend)

	setString("ANKIE_CHECKPOINT_BACKEND", &cfg.Checkpoint.Backend)
	setString("ANKIE_CHECKPOINT_PATH", &cfg.Checkpoint.Path)
	setString("ANKIE_REDIS_URL", &cfg.Checkpoint.RedisURL)
	setDuration("ANKIE_CHECKPOINT_RETENTION", &cfg.Checkpoint.Retention)

	setString("ANKIE_DELEGATION_ANALYZER", &cfg.Delegation.Analyzer)
	setString("ANKIE_DEFAULT_LOCALE", &cfg.Steps.DefaultLocale)

	setString("ANKIE_GATEWAY_ADDR", &cfg.Gateway.Addr)
	if v := os.Getenv("ANKIE_GATEWAY_TOKENS"); v != "" {
		cfg.Gateway.Auth.Type = "static"
		cfg.Gateway.Auth.Tokens = nil
		for i, tok := range splitAndTrim(v, ",") {
			if tok == "" {
				continue
			}
			cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
				Name:  fmt.Sprintf("env-%d", i),
				Token: tok,
			})
		}
	}

	setString("ANKIE_LOGGER_LEVEL", &cfg.Logger.Level)
	setString("ANKIE_LOGGER_FORMAT", &cfg.Logger.Format)
	if v := os.Getenv("ANKIE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	setString("ANKIE_TRACER_EXPORTER", &cfg.Tracer.Exporter)

	// ANKIE_LLM_PROVIDER_<NAME>_API_KEY fills keys of configured providers and
	// registers providers that only exist in the environment.
	for _, family := range []string{"openai", "anthropic", "xai", "google", "openrouter", "ollama"} {
		v := os.Getenv("ANKIE_LLM_PROVIDER_" + strings.ToUpper(family) + "_API_KEY")
		if v == "" {
			continue
		}
		found := false
		for i := range cfg.LLM.Providers {
			if cfg.LLM.Providers[i].Name == family {
				cfg.LLM.Providers[i].APIKey = v
				found = true
			}
		}
		if !found {
			cfg.LLM.Providers = append(cfg.LLM.Providers, ProviderConfig{Name: family, APIKey: v})
		}
	}
}

// Provider returns the configuration for a provider family.
func (c LLMConfig) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
