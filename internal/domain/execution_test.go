package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStateCloneIsDeep(t *testing.T) {
	orig := &ExecutionState{
		ThreadID:         "t1",
		Messages:         []Message{{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "sendEmail"}}}},
		PendingToolCalls: []ToolCall{{ID: "c1", Name: "sendEmail"}},
		ApprovedCalls:    map[string]bool{"c0": true},
		Interrupt:        &HumanInterrupt{ID: "i1"},
		Frames:           []DelegationFrame{{AgentID: "ankie", Messages: []Message{{Role: RoleUser, Content: "hi"}}}},
		DelegationPath:   []string{"ankie", "calendar"},
	}

	c := orig.Clone()
	c.Messages[0].ToolCalls[0].Name = "changed"
	c.PendingToolCalls[0].ID = "changed"
	c.ApprovedCalls["c9"] = true
	c.Interrupt.ID = "changed"
	c.Frames[0].Messages[0].Content = "changed"
	c.DelegationPath[0] = "changed"

	assert.Equal(t, "sendEmail", orig.Messages[0].ToolCalls[0].Name)
	assert.Equal(t, "c1", orig.PendingToolCalls[0].ID)
	assert.NotContains(t, orig.ApprovedCalls, "c9")
	assert.Equal(t, "i1", orig.Interrupt.ID)
	assert.Equal(t, "hi", orig.Frames[0].Messages[0].Content)
	assert.Equal(t, "ankie", orig.DelegationPath[0])
	assert.Equal(t, 1, c.DelegationDepth())
}

func TestCloneNil(t *testing.T) {
	var s *ExecutionState
	assert.Nil(t, s.Clone())
}

func TestHumanResponseValidate(t *testing.T) {
	in := &HumanInterrupt{ID: "i1", Config: DefaultInterruptConfig()}

	tests := []struct {
		name    string
		resp    HumanResponse
		wantErr bool
	}{
		{"accept", HumanResponse{Type: ResponseAccept}, false},
		{"reject", HumanResponse{Type: ResponseReject}, false},
		{"edit with args", HumanResponse{Type: ResponseEdit, Args: json.RawMessage(`{"text":"hi"}`)}, false},
		{"edit without args", HumanResponse{Type: ResponseEdit}, true},
		{"edit with bad json", HumanResponse{Type: ResponseEdit, Args: json.RawMessage(`{bad`)}, true},
		{"respond with message", HumanResponse{Type: ResponseRespond, Message: "use a softer tone"}, false},
		{"respond empty", HumanResponse{Type: ResponseRespond}, true},
		{"unknown", HumanResponse{Type: "ignore"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.resp.Validate(in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidHumanResponse), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHumanResponseRespectsConfig(t *testing.T) {
	in := &HumanInterrupt{Config: InterruptConfig{AllowAccept: true, AllowReject: true}}
	err := HumanResponse{Type: ResponseEdit, Args: json.RawMessage(`{}`)}.Validate(in)
	require.ErrorIs(t, err, ErrInvalidHumanResponse)
	require.NoError(t, HumanResponse{Type: ResponseAccept}.Validate(in))
}

func TestCheckpointValidate(t *testing.T) {
	ok := &Checkpoint{ThreadID: "t", ID: "b", ParentID: "a", State: &ExecutionState{}}
	require.NoError(t, ok.Validate())

	bad := []*Checkpoint{
		nil,
		{ID: "b", State: &ExecutionState{}},
		{ThreadID: "t", State: &ExecutionState{}},
		{ThreadID: "t", ID: "a", ParentID: "a", State: &ExecutionState{}},
		{ThreadID: "t", ID: "b"},
	}
	for i, cp := range bad {
		assert.ErrorIs(t, cp.Validate(), ErrInvalidInput, "case %d", i)
	}
}

func TestCheckpointPendingInterrupt(t *testing.T) {
	cp := &Checkpoint{
		Status: StatusInterrupted,
		State:  &ExecutionState{Interrupt: &HumanInterrupt{ID: "i"}},
	}
	assert.True(t, cp.PendingInterrupt())

	cp.State.Response = &HumanResponse{Type: ResponseAccept}
	assert.False(t, cp.PendingInterrupt(), "a recorded response resolves the interrupt")

	assert.False(t, (&Checkpoint{Status: StatusCompleted, State: &ExecutionState{}}).PendingInterrupt())
}

func TestCheckpointUnfinished(t *testing.T) {
	assert.True(t, (&Checkpoint{Status: StatusRunning, Node: NodeTools, State: &ExecutionState{}}).Unfinished())
	assert.False(t, (&Checkpoint{Status: StatusInterrupted, Node: NodeInterrupt, State: &ExecutionState{}}).Unfinished())
	assert.False(t, (&Checkpoint{Status: StatusFailed, Node: NodeAgent, State: &ExecutionState{}}).Unfinished())
	assert.False(t, (*Checkpoint)(nil).Unfinished())
}

func TestMessageCloneCopiesArguments(t *testing.T) {
	orig := Message{ToolCalls: []ToolCall{{ID: "c1", Arguments: json.RawMessage(`{"a":1}`)}}}
	c := orig.Clone()
	c.ToolCalls[0].ID = "c2"
	c.ToolCalls[0].Arguments[1] = 'b'

	assert.Equal(t, "c1", orig.ToolCalls[0].ID)
	assert.Equal(t, `{"a":1}`, string(orig.ToolCalls[0].Arguments))
	assert.Nil(t, Message{}.Clone().ToolCalls)
}

func TestDelegationIntentBest(t *testing.T) {
	intent := DelegationIntent{
		Heuristic: &HeuristicMatch{AgentID: "calendar", Confidence: 0.7},
		Analysis:  &IntentAnalysis{AgentID: "email", Confidence: 0.9},
	}
	id, conf := intent.Best()
	assert.Equal(t, "email", id)
	assert.InDelta(t, 0.9, conf, 1e-9)

	id, conf = DelegationIntent{Heuristic: &HeuristicMatch{AgentID: "calendar", Confidence: 0.7}}.Best()
	assert.Equal(t, "calendar", id)
	assert.InDelta(t, 0.7, conf, 1e-9)
}

func TestExecutionStepCanonical(t *testing.T) {
	assert.True(t, ExecutionStep{Metadata: map[string]any{MetaCanonical: true}}.Canonical())
	assert.False(t, ExecutionStep{}.Canonical())
}
