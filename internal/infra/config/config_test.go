package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.LLM.CallTimeout != 60*time.Second {
		t.Errorf("call timeout = %v, want 60s", cfg.LLM.CallTimeout)
	}
	if cfg.Orchestrator.MaxDelegationDepth != 5 {
		t.Errorf("max delegation depth = %d, want 5", cfg.Orchestrator.MaxDelegationDepth)
	}
	if cfg.Agents.Supervisor != "ankie" {
		t.Errorf("supervisor = %q", cfg.Agents.Supervisor)
	}
	if cfg.Steps.DefaultLocale != "en" {
		t.Errorf("default locale = %q", cfg.Steps.DefaultLocale)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.DefaultModel != Defaults().LLM.DefaultModel {
		t.Errorf("default model = %q", cfg.LLM.DefaultModel)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
llm:
  default_model: "claude-sonnet-4-20250514"
  call_timeout: 30s
  fallbacks:
    "gpt-4o": "claude-sonnet-4-20250514"
  providers:
    - name: "anthropic"
      api_key: "sk-ant"
orchestrator:
  max_delegation_depth: 3
checkpoint:
  backend: "memory"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.DefaultModel != "claude-sonnet-4-20250514" {
		t.Errorf("default model = %q", cfg.LLM.DefaultModel)
	}
	if cfg.LLM.CallTimeout != 30*time.Second {
		t.Errorf("call timeout = %v", cfg.LLM.CallTimeout)
	}
	if cfg.LLM.Fallbacks["gpt-4o"] != "claude-sonnet-4-20250514" {
		t.Errorf("fallbacks = %v", cfg.LLM.Fallbacks)
	}
	if cfg.Orchestrator.MaxDelegationDepth != 3 {
		t.Errorf("max delegation depth = %d", cfg.Orchestrator.MaxDelegationDepth)
	}
	// Untouched sections keep their defaults.
	if cfg.Orchestrator.MaxNodeAttempts != 3 {
		t.Errorf("max node attempts = %d", cfg.Orchestrator.MaxNodeAttempts)
	}
	p, ok := cfg.LLM.Provider("anthropic")
	if !ok || p.APIKey != "sk-ant" {
		t.Errorf("provider lookup = %+v, %v", p, ok)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", "llm: [unterminated")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", "checkpoint:\n  backend: memory\n")
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "insecure permissions") {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestLoadReturnsValidationError(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
checkpoint:
  backend: "cassandra"
`)
	_, err := Load(path)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
	}
	assertContains(t, ve.Error(), `checkpoint.backend "cassandra" is invalid`)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANKIE_LLM_DEFAULT_MODEL", "grok-3")
	t.Setenv("ANKIE_LLM_CALL_TIMEOUT", "15s")
	t.Setenv("ANKIE_ORCHESTRATOR_MAX_DELEGATION_DEPTH", "2")
	t.Setenv("ANKIE_ORCHESTRATOR_HARD_ROUTING", "true")
	t.Setenv("ANKIE_CHECKPOINT_BACKEND", "memory")
	t.Setenv("ANKIE_DEFAULT_LOCALE", "es")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.LLM.DefaultModel != "grok-3" {
		t.Errorf("default model = %q", cfg.LLM.DefaultModel)
	}
	if cfg.LLM.CallTimeout != 15*time.Second {
		t.Errorf("call timeout = %v", cfg.LLM.CallTimeout)
	}
	if cfg.Orchestrator.MaxDelegationDepth != 2 || !cfg.Orchestrator.HardRouting {
		t.Errorf("orchestrator = %+v", cfg.Orchestrator)
	}
	if cfg.Checkpoint.Backend != "memory" || cfg.Steps.DefaultLocale != "es" {
		t.Errorf("checkpoint=%q locale=%q", cfg.Checkpoint.Backend, cfg.Steps.DefaultLocale)
	}
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("ANKIE_LLM_CALL_TIMEOUT", "soon")
	t.Setenv("ANKIE_ORCHESTRATOR_MAX_NODE_ATTEMPTS", "-1")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.LLM.CallTimeout != 60*time.Second || cfg.Orchestrator.MaxNodeAttempts != 3 {
		t.Errorf("garbage env changed config: %v %d", cfg.LLM.CallTimeout, cfg.Orchestrator.MaxNodeAttempts)
	}
}

func TestEnvProviderAPIKey(t *testing.T) {
	t.Setenv("ANKIE_LLM_PROVIDER_OPENAI_API_KEY", "sk-env")

	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{{Name: "anthropic", APIKey: "sk-ant"}}
	ApplyEnvOverrides(cfg)

	p, ok := cfg.LLM.Provider("openai")
	if !ok || p.APIKey != "sk-env" {
		t.Fatalf("env provider not registered: %+v", cfg.LLM.Providers)
	}
	if p, _ := cfg.LLM.Provider("anthropic"); p.APIKey != "sk-ant" {
		t.Errorf("anthropic key clobbered: %q", p.APIKey)
	}
}

func TestEnvGatewayTokens(t *testing.T) {
	t.Setenv("ANKIE_GATEWAY_TOKENS", "alpha, beta,")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Gateway.Auth.Type != "static" || len(cfg.Gateway.Auth.Tokens) != 2 {
		t.Fatalf("auth = %+v", cfg.Gateway.Auth)
	}
	if cfg.Gateway.Auth.Tokens[1].Token != "beta" {
		t.Errorf("second token = %q", cfg.Gateway.Auth.Tokens[1].Token)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("sk-secret", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(enc, "sk-secret") {
		t.Fatal("ciphertext leaks plaintext")
	}
	got, err := DecryptValue(enc, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if got != "sk-secret" {
		t.Errorf("got %q", got)
	}
	if _, err := DecryptValue(enc, "wrong"); err == nil {
		t.Error("wrong passphrase should fail")
	}
}

func TestDecryptValueMalformed(t *testing.T) {
	for _, in := range []string{"no-colon", "zz:00", "00:zz", "00:00"} {
		if _, err := DecryptValue(in, "pw"); err == nil {
			t.Errorf("DecryptValue(%q) should fail", in)
		}
	}
}

func TestLoadWithConfigKey(t *testing.T) {
	enc, err := EncryptValue("sk-real", "pw")
	if err != nil {
		t.Fatal(err)
	}
	tokEnc, err := EncryptValue("gw-token", "pw")
	if err != nil {
		t.Fatal(err)
	}
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
llm:
  providers:
    - name: "openai"
      api_key: "enc:`+enc+`"
gateway:
  auth:
    type: static
    tokens:
      - name: "web"
        token: "enc:`+tokEnc+`"
checkpoint:
  backend: memory
`)
	t.Setenv("ANKIE_CONFIG_KEY", "pw")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p, _ := cfg.LLM.Provider("openai"); p.APIKey != "sk-real" {
		t.Errorf("api key = %q", p.APIKey)
	}
	if cfg.Gateway.Auth.Tokens[0].Token != "gw-token" {
		t.Errorf("gateway token = %q", cfg.Gateway.Auth.Tokens[0].Token)
	}
}

func TestLoadDecryptSecretsError(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
llm:
  providers:
    - name: "openai"
      api_key: "enc:00:00"
`)
	t.Setenv("ANKIE_CONFIG_KEY", "pw")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "llm.providers.openai.api_key") {
		t.Fatalf("expected decrypt error naming the field, got %v", err)
	}
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		mode os.FileMode
		ok   bool
	}{
		{0o600, true},
		{0o644, true},
		{0o664, false},
		{0o666, false},
	} {
		path := filepath.Join(dir, "f")
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(path, tc.mode); err != nil {
			t.Fatal(err)
		}
		err := validatePermissions(path)
		if (err == nil) != tc.ok {
			t.Errorf("mode %o: err = %v, want ok=%v", tc.mode, err, tc.ok)
		}
	}
	if err := validatePermissions(filepath.Join(dir, "missing")); err == nil {
		t.Error("missing file should fail")
	}
}
