package domain

import (
	"errors"
	"testing"
)

func TestAgentConfigValidate(t *testing.T) {
	base := AgentConfig{ID: "calendar", Model: "gpt-4o", Role: RoleSpecialist, Temperature: 0.2}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*AgentConfig)
	}{
		{"empty id", func(a *AgentConfig) { a.ID = "" }},
		{"empty model", func(a *AgentConfig) { a.Model = "" }},
		{"bad role", func(a *AgentConfig) { a.Role = "boss" }},
		{"temperature", func(a *AgentConfig) { a.Temperature = 3 }},
		{"self parent", func(a *AgentConfig) { a.ParentID = "calendar" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Validate() = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestAgentConfigCanDelegateTo(t *testing.T) {
	supervisor := AgentConfig{ID: "ankie", Role: RoleSupervisor}
	calendar := AgentConfig{ID: "calendar", Role: RoleSpecialist, Delegates: []string{"email"}}
	email := AgentConfig{ID: "email", Role: RoleSpecialist}
	social := AgentConfig{ID: "social", Role: RoleSpecialist}

	if !supervisor.CanDelegateTo(calendar) {
		t.Error("supervisor should delegate to any specialist")
	}
	if !calendar.CanDelegateTo(email) {
		t.Error("calendar lists email as delegate")
	}
	if calendar.CanDelegateTo(social) {
		t.Error("calendar must not delegate to unlisted specialist")
	}
	if email.CanDelegateTo(social) {
		t.Error("specialist without delegates must not delegate")
	}
	if calendar.CanDelegateTo(supervisor) {
		t.Error("nobody delegates to the supervisor")
	}
	if supervisor.CanDelegateTo(supervisor) {
		t.Error("self delegation must be refused")
	}
}

func TestAgentConfigDisplayName(t *testing.T) {
	if got := (AgentConfig{ID: "email"}).DisplayName(); got != "email" {
		t.Errorf("DisplayName() = %q, want id fallback", got)
	}
	if got := (AgentConfig{ID: "email", Name: "Astra"}).DisplayName(); got != "Astra" {
		t.Errorf("DisplayName() = %q, want Astra", got)
	}
}
