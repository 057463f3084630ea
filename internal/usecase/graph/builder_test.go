package graph

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ankie/internal/domain"
)

func toolNames(schemas []domain.ToolSchema) []string {
	out := make([]string, len(schemas))
	for i, s := range schemas {
		out[i] = s.Name
	}
	return out
}

func TestCompileSupervisorOffersDelegation(t *testing.T) {
	deps := testDeps(&scriptedModel{}, newTools("createCalendarEvent", "sendEmail", "postTweet"), nil)
	g := compile(t, deps, "ankie")

	assert.Equal(t, []string{"calendar", "email", "social"}, g.DelegationTargets())
	require.Equal(t, []string{domain.DelegateToolName}, toolNames(g.Tools()))

	var params struct {
		Properties struct {
			AgentID struct {
				Enum []string `json:"enum"`
			} `json:"agent_id"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(g.Tools()[0].Parameters, &params))
	assert.Equal(t, []string{"calendar", "email", "social"}, params.Properties.AgentID.Enum)
	assert.ElementsMatch(t, []string{"agent_id", "task"}, params.Required)
}

func TestCompileSpecialist(t *testing.T) {
	deps := testDeps(&scriptedModel{}, newTools("createCalendarEvent", "sendEmail", "postTweet"), nil)

	email := compile(t, deps, "email")
	assert.Empty(t, email.DelegationTargets())
	assert.Equal(t, []string{"sendEmail"}, toolNames(email.Tools()))

	calendar := compile(t, deps, "calendar")
	assert.Equal(t, []string{"email"}, calendar.DelegationTargets())
	assert.Equal(t, []string{"createCalendarEvent", domain.DelegateToolName}, toolNames(calendar.Tools()))
	assert.Equal(t, "calendar", calendar.Agent().ID)
	assert.False(t, calendar.CompiledAt().IsZero())
}

func TestCompileFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Deps, *domain.AgentConfig)
	}{
		{"unknown tool", func(_ *Deps, a *domain.AgentConfig) { a.Tools = []string{"nope"} }},
		{"reserved tool name", func(_ *Deps, a *domain.AgentConfig) { a.Tools = []string{domain.DelegateToolName} }},
		{"missing saver", func(d *Deps, _ *domain.AgentConfig) { d.Saver = nil }},
		{"invalid config", func(_ *Deps, a *domain.AgentConfig) { a.Model = "" }},
		{"unknown delegate", func(_ *Deps, a *domain.AgentConfig) { a.Delegates = []string{"ghost"} }},
		{"delegate to supervisor", func(_ *Deps, a *domain.AgentConfig) { a.Delegates = []string{"ankie"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps(&scriptedModel{}, newTools("sendEmail"), nil)
			cfg, err := deps.Agents.Get("email")
			require.NoError(t, err)
			tt.mutate(&deps, &cfg)

			g, err := NewBuilder(deps).Compile(context.Background(), cfg)
			require.Error(t, err)
			assert.Nil(t, g)
			assert.ErrorIs(t, err, domain.ErrGraphCompile)

			var de *domain.DomainError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, "graph", de.SubSystem)
			assert.Contains(t, de.Detail, `"email"`)
		})
	}
}

func TestCanTransition(t *testing.T) {
	deps := testDeps(&scriptedModel{}, newTools("sendEmail"), nil)
	g := compile(t, deps, "email")

	assert.True(t, g.CanTransition(domain.NodeRouter, domain.NodeAgent))
	assert.True(t, g.CanTransition(domain.NodeTools, domain.NodeInterrupt))
	assert.True(t, g.CanTransition(domain.NodeEnd, Done))
	assert.False(t, g.CanTransition(domain.NodeRouter, domain.NodeTools))
	assert.False(t, g.CanTransition(domain.NodeAgent, domain.NodeDelegation))

	for _, node := range []domain.NodeType{
		domain.NodeRouter, domain.NodeAgent, domain.NodeTools,
		domain.NodeInterrupt, domain.NodeDelegation, domain.NodeEnd,
	} {
		_, ok := g.Node(node)
		assert.True(t, ok, node)
	}
}
