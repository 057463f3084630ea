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

func runNode(t *testing.T, g *Graph, node domain.NodeType, st *domain.ExecutionState) (domain.NodeType, error) {
	t.Helper()
	fn, ok := g.Node(node)
	require.True(t, ok)
	return fn(context.Background(), st)
}

func userState(agentID, text string) *domain.ExecutionState {
	return &domain.ExecutionState{
		ThreadID:    "t1",
		ExecutionID: "e1",
		RootAgentID: agentID,
		AgentID:     agentID,
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: text}},
		Status:      domain.StatusRunning,
	}
}

func TestRouter(t *testing.T) {
	g := compile(t, testDeps(&scriptedModel{}, newTools("sendEmail"), nil), "email")
	st := userState("email", "hi")

	next, err := runNode(t, g, domain.NodeRouter, st)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeAgent, next)

	st.PendingDelegation = &domain.PendingDelegation{ToAgentID: "email"}
	next, err = runNode(t, g, domain.NodeRouter, st)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeDelegation, next)
}

func TestAgentNodeAnswersAndRequestsTools(t *testing.T) {
	model := &scriptedModel{replies: []domain.Message{
		{Content: "", ToolCalls: []domain.ToolCall{{Name: "sendEmail", Arguments: json.RawMessage(`{}`)}}},
		{Content: "Sent."},
	}}
	g := compile(t, testDeps(model, newTools("sendEmail"), nil), "email")
	st := userState("email", "email bob")
	st.Hint = "Delegation hint text"

	next, err := runNode(t, g, domain.NodeAgent, st)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeTools, next)
	require.Len(t, st.PendingToolCalls, 1)
	assert.NotEmpty(t, st.PendingToolCalls[0].ID, "missing call ids are generated")

	sys := model.requests[0].Messages[0]
	assert.Equal(t, domain.RoleSystem, sys.Role)
	assert.Contains(t, sys.Content, "Delegation hint text")

	next, err = runNode(t, g, domain.NodeAgent, st)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeEnd, next)
	assert.Equal(t, "Sent.", st.FinalContent)
}

func TestToolsNodeInterruptsOnApproval(t *testing.T) {
	tools := newTools("postTweet")
	g := compile(t, testDeps(&scriptedModel{}, tools, riskMap{"postTweet": domain.RiskApproval}), "social")
	st := userState("social", "tweet hello")
	call := toolCall("c1", "postTweet", `{"text":"hello"}`)
	st.Messages = append(st.Messages, domain.Message{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{call}})
	st.PendingToolCalls = []domain.ToolCall{call}

	next, err := runNode(t, g, domain.NodeTools, st)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeInterrupt, next)
	require.NotNil(t, st.Interrupt)
	assert.Equal(t, "c1", st.Interrupt.ToolCallID)
	assert.Equal(t, "postTweet", st.Interrupt.ActionRequest.Action)
	assert.JSONEq(t, `{"text":"hello"}`, string(st.Interrupt.ActionRequest.Args))
	assert.Zero(t, tools.tools["postTweet"].calls)

	t.Run("accept runs the call", func(t *testing.T) {
		st := st.Clone()
		st.Response = &domain.HumanResponse{Type: domain.ResponseAccept}
		next, err := runNode(t, g, domain.NodeInterrupt, st)
		require.NoError(t, err)
		assert.Equal(t, domain.NodeTools, next)
		assert.Nil(t, st.Interrupt)

		next, err = runNode(t, g, domain.NodeTools, st)
		require.NoError(t, err)
		assert.Equal(t, domain.NodeAgent, next)
		assert.Equal(t, 1, tools.tools["postTweet"].calls)
		assert.Equal(t, "postTweet done", st.Messages[len(st.Messages)-1].Content)
		assert.Empty(t, st.ApprovedCalls)
	})

	t.Run("edit replaces the arguments", func(t *testing.T) {
		st := st.Clone()
		st.Response = &domain.HumanResponse{Type: domain.ResponseEdit, Args: json.RawMessage(`{"text":"bye"}`)}
		next, err := runNode(t, g, domain.NodeInterrupt, st)
		require.NoError(t, err)
		assert.Equal(t, domain.NodeTools, next)
		assert.JSONEq(t, `{"text":"bye"}`, string(st.PendingToolCalls[0].Arguments))
		assert.JSONEq(t, `{"text":"bye"}`, string(st.Messages[1].ToolCalls[0].Arguments))
		assert.True(t, st.ApprovedCalls["c1"])
	})

	t.Run("reject ends with the declined message", func(t *testing.T) {
		st := st.Clone()
		st.Response = &domain.HumanResponse{Type: domain.ResponseReject}
		next, err := runNode(t, g, domain.NodeInterrupt, st)
		require.NoError(t, err)
		assert.Equal(t, domain.NodeEnd, next)
		assert.Equal(t, "Okay, I did not run postTweet because you declined it.", st.FinalContent)
		assert.Empty(t, st.PendingToolCalls)
	})

	t.Run("respond returns to the agent", func(t *testing.T) {
		st := st.Clone()
		st.Response = &domain.HumanResponse{Type: domain.ResponseRespond, Message: "make it shorter"}
		next, err := runNode(t, g, domain.NodeInterrupt, st)
		require.NoError(t, err)
		assert.Equal(t, domain.NodeAgent, next)
		assert.Contains(t, st.Messages[len(st.Messages)-1].Content, "make it shorter")
	})
}

func TestInterruptWithoutResponseIsStale(t *testing.T) {
	g := compile(t, testDeps(&scriptedModel{}, newTools("postTweet"), nil), "social")
	_, err := runNode(t, g, domain.NodeInterrupt, userState("social", "x"))
	assert.ErrorIs(t, err, domain.ErrStaleInterrupt)
}

func TestToolsNodeFailuresBecomeResults(t *testing.T) {
	tools := newTools("sendEmail")
	tools.tools["sendEmail"].run = func(json.RawMessage) (*domain.ToolResult, error) {
		return nil, errors.New("smtp down")
	}
	g := compile(t, testDeps(&scriptedModel{}, tools, riskMap{"postTweet": domain.RiskDenied}), "email")
	st := userState("email", "x")
	st.PendingToolCalls = []domain.ToolCall{
		toolCall("c1", "sendEmail", `{}`),
		toolCall("c2", "postTweet", `{}`),
	}

	next, err := runNode(t, g, domain.NodeTools, st)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeAgent, next)
	require.Len(t, st.Messages, 3)
	assert.Equal(t, "Error: smtp down", st.Messages[1].Content)
	assert.Equal(t, "Error: tool postTweet is not permitted", st.Messages[2].Content)
	assert.Equal(t, "c2", st.Messages[2].ToolCalls[0].ID)
}

func TestDelegationRoundTrip(t *testing.T) {
	deps := testDeps(&scriptedModel{}, newTools("createCalendarEvent", "sendEmail"), nil)
	calendar := compile(t, deps, "calendar")
	email := compile(t, deps, "email")

	st := userState("calendar", "schedule a meeting and email the invite")
	st.DelegationPath = []string{"calendar"}
	st.PendingToolCalls = []domain.ToolCall{
		toolCall("d1", domain.DelegateToolName, `{"agent_id":"email","task":"send the invite"}`),
	}

	next, err := runNode(t, calendar, domain.NodeTools, st)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeRouter, next)
	require.NotNil(t, st.PendingDelegation)

	next, err = runNode(t, calendar, domain.NodeDelegation, st)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeRouter, next)
	assert.Equal(t, "email", st.AgentID)
	assert.Equal(t, 1, st.DelegationDepth())
	assert.Equal(t, []string{"calendar", "email"}, st.DelegationPath)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, "send the invite", st.Messages[0].Content)

	st.FinalContent = "Invite sent."
	next, err = runNode(t, email, domain.NodeEnd, st)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeAgent, next)
	assert.Equal(t, "calendar", st.AgentID)
	assert.Zero(t, st.DelegationDepth())
	last := st.Messages[len(st.Messages)-1]
	assert.Equal(t, domain.RoleTool, last.Role)
	assert.Equal(t, "Invite sent.", last.Content)
	assert.Equal(t, "d1", last.ToolCalls[0].ID)

	next, err = runNode(t, calendar, domain.NodeEnd, st)
	require.NoError(t, err)
	assert.Equal(t, Done, next)
}

func TestDelegationRejectsInvalidTarget(t *testing.T) {
	deps := testDeps(&scriptedModel{}, newTools("createCalendarEvent", "sendEmail"), nil)
	calendar := compile(t, deps, "calendar")

	st := userState("calendar", "x")
	st.PendingToolCalls = []domain.ToolCall{
		toolCall("d1", domain.DelegateToolName, `{"agent_id":"social","task":"tweet"}`),
	}
	next, err := runNode(t, calendar, domain.NodeTools, st)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeAgent, next)
	assert.Nil(t, st.PendingDelegation)
	assert.Contains(t, st.Messages[len(st.Messages)-1].Content, "cannot delegate")
}

func TestDelegationDepthGuard(t *testing.T) {
	deps := testDeps(&scriptedModel{}, newTools("createCalendarEvent", "sendEmail"), nil)
	deps.MaxDelegationDepth = 2
	calendar := compile(t, deps, "calendar")

	st := userState("calendar", "x")
	st.Hops = 2
	st.PendingDelegation = &domain.PendingDelegation{FromAgentID: "calendar", ToAgentID: "email", Task: "t", ToolCallID: "d1"}

	_, err := runNode(t, calendar, domain.NodeDelegation, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDelegationDepthExceeded)
	assert.Equal(t, domain.CodeDelegationDepth, domain.ErrorCodeOf(err))
}

func TestEndAfterHardRoutedDelegation(t *testing.T) {
	deps := testDeps(&scriptedModel{}, newTools("sendEmail"), nil)
	email := compile(t, deps, "email")

	st := userState("email", "send it")
	st.Frames = []domain.DelegationFrame{{
		AgentID:  "ankie",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "send it"}},
	}}
	st.FinalContent = "Sent to Bob."

	next, err := runNode(t, email, domain.NodeEnd, st)
	require.NoError(t, err)
	assert.Equal(t, Done, next)
	assert.Equal(t, "ankie", st.AgentID)
	assert.Equal(t, "Sent to Bob.", st.FinalContent)
	assert.Equal(t, domain.RoleAssistant, st.Messages[len(st.Messages)-1].Role)
}
