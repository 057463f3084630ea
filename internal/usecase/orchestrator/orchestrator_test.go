package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ankie/internal/domain"
	"ankie/internal/usecase/execution"
)

const meetingRequest = "Schedule a meeting with John tomorrow at 10am and email him an invite"

// calendarModel books the event, hands the invite to the email agent and
// summarizes both.
func calendarModel() chatFunc {
	return func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		m := last(req)
		switch {
		case m.Role == domain.RoleUser:
			return reply("", callTool("createCalendarEvent", `{"title":"Meeting with John","start":"tomorrow 10:00"}`))
		case strings.Contains(m.Content, "evt-42"):
			return reply("", callTool(domain.DelegateToolName,
				`{"agent_id":"email","task":"Email John an invite for event evt-42"}`))
		default:
			return reply("Created event evt-42. " + m.Content)
		}
	}
}

func emailModel() chatFunc {
	return func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if last(req).Role == domain.RoleUser {
			return reply("", callTool("draftEmail", `{"to":"john","subject":"Invite"}`))
		}
		return reply("Drafted invite email draft-7 to John.")
	}
}

func TestHandleTurnDelegatesCalendarThenEmail(t *testing.T) {
	var supervisorCalls atomic.Int32
	h := newHarness(t, harnessOpts{
		models: models{
			"m-ankie": chatFunc(func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
				supervisorCalls.Add(1)
				return reply("I can answer that myself.")
			}),
			"m-calendar": calendarModel(),
			"m-email":    emailModel(),
		},
		cfg: Config{HardRouting: true},
	})

	turn, err := h.orch.HandleTurn(context.Background(), TurnRequest{
		ThreadID: "t1", UserID: "u1", Message: meetingRequest,
	})
	require.NoError(t, err)
	assert.Equal(t, "ankie", turn.AgentID)

	steps, res, err := execution.Collect(turn.Stream)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Contains(t, res.Content, "evt-42")
	assert.Contains(t, res.Content, "draft-7")
	assert.Zero(t, supervisorCalls.Load(), "a mandatory hint routes without asking the supervisor")

	got := actions(steps)
	first := -1
	for i, a := range got {
		if a == domain.ActionDelegating {
			first = i
			break
		}
	}
	require.GreaterOrEqual(t, first, 0, "no delegating step in %v", got)
	assert.Equal(t, domain.ActionCompleting, got[len(got)-1])
	assert.Less(t, first, len(got)-1)

	assert.Equal(t, 1, h.tools["createCalendarEvent"].calls())
	assert.Equal(t, 1, h.tools["draftEmail"].calls())

	cp, err := h.saver.Latest(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ankie", "calendar", "email"}, cp.State.DelegationPath)
	assert.Equal(t, "ankie", cp.State.AgentID)
	assert.Empty(t, cp.State.Frames)
}

func TestHandleTurnSoftHintReachesSupervisorPrompt(t *testing.T) {
	var mu sync.Mutex
	var system string
	h := newHarness(t, harnessOpts{
		models: models{
			"m-ankie": chatFunc(func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
				m := last(req)
				if m.Role == domain.RoleUser {
					mu.Lock()
					system = req.Messages[0].Content
					mu.Unlock()
					return reply("", callTool(domain.DelegateToolName,
						`{"agent_id":"calendar","task":"Book a meeting with John tomorrow at 10am"}`))
				}
				return reply("Done: " + m.Content)
			}),
			"m-calendar": chatFunc(func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
				return reply("Booked for 10am.")
			}),
		},
	})

	turn, err := h.orch.HandleTurn(context.Background(), TurnRequest{
		ThreadID: "t1", UserID: "u1", Message: "Can you schedule a meeting with John tomorrow?",
	})
	require.NoError(t, err)
	res, err := turn.Wait()
	require.NoError(t, err)
	assert.Equal(t, "Done: Booked for 10am.", res.Content)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, system, "MANDATORY DELEGATION")
	assert.Contains(t, system, `"calendar"`)
}

func tweetModels() models {
	return models{
		"m-social": chatFunc(func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			if last(req).Role == domain.RoleUser {
				return reply("", callTool("postTweet", `{"text":"hello world"}`))
			}
			return reply("Posted.")
		}),
	}
}

func TestResumeRejectSkipsTool(t *testing.T) {
	h := newHarness(t, harnessOpts{
		models: tweetModels(),
		risk:   riskMap{"postTweet": domain.RiskApproval},
	})
	ctx := context.Background()

	turn, err := h.orch.HandleTurn(ctx, TurnRequest{
		ThreadID: "t1", UserID: "u1", Message: "tweet hello world", AgentID: "social",
	})
	require.NoError(t, err)
	steps, res, err := execution.Collect(turn.Stream)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInterrupted, res.Status)
	require.NotNil(t, res.Interrupt)
	assert.Equal(t, "postTweet", res.Interrupt.ActionRequest.Action)
	assert.Equal(t, domain.ActionInterrupt, steps[len(steps)-1].Action)

	pending, err := h.orch.PendingInterrupt(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, turn.ExecutionID, pending.ExecutionID)
	assert.Equal(t, res.CheckpointID, pending.CheckpointID)

	_, err = h.orch.HandleTurn(ctx, TurnRequest{ThreadID: "t1", UserID: "u1", Message: "hello?"})
	require.ErrorIs(t, err, domain.ErrInterruptPending)

	resumed, err := h.orch.Resume(ctx, ResumeRequest{
		ThreadID:     "t1",
		ExecutionID:  turn.ExecutionID,
		CheckpointID: pending.CheckpointID,
		Response:     domain.HumanResponse{Type: domain.ResponseReject},
	})
	require.NoError(t, err)
	res, err = resumed.Wait()
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, "Okay, I did not run postTweet because you declined it.", res.Content)
	assert.Zero(t, h.tools["postTweet"].calls())

	pending, err = h.orch.PendingInterrupt(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	_, err = h.orch.Resume(ctx, ResumeRequest{
		ThreadID:    "t1",
		ExecutionID: turn.ExecutionID,
		Response:    domain.HumanResponse{Type: domain.ResponseAccept},
	})
	require.ErrorIs(t, err, domain.ErrStaleInterrupt)
}

func TestResumeAcceptRunsTool(t *testing.T) {
	h := newHarness(t, harnessOpts{
		models: tweetModels(),
		risk:   riskMap{"postTweet": domain.RiskApproval},
	})
	ctx := context.Background()

	turn, err := h.orch.HandleTurn(ctx, TurnRequest{
		ThreadID: "t1", UserID: "u1", Message: "tweet hello world", AgentID: "social",
	})
	require.NoError(t, err)
	_, err = turn.Wait()
	require.NoError(t, err)

	resumed, err := h.orch.Resume(ctx, ResumeRequest{
		ThreadID:    "t1",
		ExecutionID: turn.ExecutionID,
		Response:    domain.HumanResponse{Type: domain.ResponseAccept},
	})
	require.NoError(t, err)
	res, err := resumed.Wait()
	require.NoError(t, err)
	assert.Equal(t, "Posted.", res.Content)
	assert.Equal(t, 1, h.tools["postTweet"].calls())
}

func TestResumeRejectsMismatchedInterrupt(t *testing.T) {
	h := newHarness(t, harnessOpts{
		models: tweetModels(),
		risk:   riskMap{"postTweet": domain.RiskApproval},
	})
	ctx := context.Background()

	_, err := h.orch.Resume(ctx, ResumeRequest{
		ThreadID: "empty", ExecutionID: "x",
		Response: domain.HumanResponse{Type: domain.ResponseAccept},
	})
	require.ErrorIs(t, err, domain.ErrStaleInterrupt)

	turn, err := h.orch.HandleTurn(ctx, TurnRequest{
		ThreadID: "t1", UserID: "u1", Message: "tweet hello world", AgentID: "social",
	})
	require.NoError(t, err)
	_, err = turn.Wait()
	require.NoError(t, err)

	tests := []struct {
		name string
		req  ResumeRequest
	}{
		{"other execution", ResumeRequest{ExecutionID: "someone-else"}},
		{"other checkpoint", ResumeRequest{ExecutionID: turn.ExecutionID, CheckpointID: "old"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.ThreadID = "t1"
			tt.req.Response = domain.HumanResponse{Type: domain.ResponseAccept}
			_, err := h.orch.Resume(ctx, tt.req)
			require.ErrorIs(t, err, domain.ErrStaleInterrupt)
		})
	}
	assert.Zero(t, h.tools["postTweet"].calls())
}

func TestHandleTurnContinuesThread(t *testing.T) {
	var mu sync.Mutex
	var seen [][]domain.Message
	h := newHarness(t, harnessOpts{models: models{
		"m-email": chatFunc(func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			mu.Lock()
			seen = append(seen, req.Messages)
			mu.Unlock()
			return reply("Hi there.")
		}),
	}})
	ctx := context.Background()

	for _, msg := range []string{"hello", "how are you"} {
		turn, err := h.orch.HandleTurn(ctx, TurnRequest{ThreadID: "t1", UserID: "u1", Message: msg, AgentID: "email"})
		require.NoError(t, err)
		_, err = turn.Wait()
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	var roles []string
	for _, m := range seen[1] {
		if m.Role != domain.RoleSystem {
			roles = append(roles, m.Role)
		}
	}
	assert.Equal(t, []string{domain.RoleUser, domain.RoleAssistant, domain.RoleUser}, roles)
}

func TestHandleTurnThreadBusy(t *testing.T) {
	h := newHarness(t, harnessOpts{
		models: models{"m-email": chatFunc(func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			return reply("ok")
		})},
		cfg: Config{LeaseWait: 20 * time.Millisecond},
	})
	release, err := h.leaser.Acquire(context.Background(), "t1", time.Minute)
	require.NoError(t, err)

	_, err = h.orch.HandleTurn(context.Background(), TurnRequest{ThreadID: "t1", Message: "hi", AgentID: "email"})
	require.ErrorIs(t, err, domain.ErrThreadBusy)

	release()
	turn, err := h.orch.HandleTurn(context.Background(), TurnRequest{ThreadID: "t1", Message: "hi", AgentID: "email"})
	require.NoError(t, err)
	_, err = turn.Wait()
	require.NoError(t, err)
}

func TestHandleTurnValidation(t *testing.T) {
	h := newHarness(t, harnessOpts{models: models{}})

	_, err := h.orch.HandleTurn(context.Background(), TurnRequest{ThreadID: "t1", Message: "  "})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.orch.HandleTurn(context.Background(), TurnRequest{ThreadID: "t1", Message: "hi", AgentID: "ghost"})
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestCancelStopsExecution(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, harnessOpts{models: models{
		"m-email": chatFunc(func(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}})

	turn, err := h.orch.HandleTurn(context.Background(), TurnRequest{ThreadID: "t1", Message: "hi", AgentID: "email"})
	require.NoError(t, err)
	<-started

	assert.False(t, h.orch.Cancel("other-thread", turn.ExecutionID))
	assert.True(t, h.orch.Cancel("t1", turn.ExecutionID))

	res, err := turn.Wait()
	require.ErrorIs(t, err, domain.ErrExecutionCancelled)
	assert.Equal(t, domain.StatusCancelled, res.Status)

	require.NoError(t, h.orch.Shutdown(context.Background()))
	_, err = h.orch.HandleTurn(context.Background(), TurnRequest{ThreadID: "t1", Message: "hi", AgentID: "email"})
	require.ErrorIs(t, err, domain.ErrExecutionCancelled)
}

func TestGraphStatsAndInvalidate(t *testing.T) {
	h := newHarness(t, harnessOpts{models: models{"m-email": chatFunc(func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		return reply("ok")
	})}})

	turn, err := h.orch.HandleTurn(context.Background(), TurnRequest{ThreadID: "t1", Message: "hi", AgentID: "email"})
	require.NoError(t, err)
	_, err = turn.Wait()
	require.NoError(t, err)

	stats := h.orch.GraphStats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Compiles)

	h.orch.InvalidateGraph(context.Background(), "")
	assert.Zero(t, h.orch.GraphStats().Entries)
}

// seedCrashedRun stores the checkpoint a process leaves behind when it dies
// after the calendar agent asked for a tool and before the tool ran.
func seedCrashedRun(t *testing.T, h *harness) *domain.Checkpoint {
	t.Helper()
	call := callTool("createCalendarEvent", `{"title":"Meeting with John"}`)
	call.ID = "call_1"
	now := time.Now()
	cp := &domain.Checkpoint{
		ThreadID:    "t1",
		ID:          "cp-1",
		ExecutionID: "exec-crashed",
		Node:        domain.NodeTools,
		Status:      domain.StatusRunning,
		State: &domain.ExecutionState{
			ThreadID:    "t1",
			ExecutionID: "exec-crashed",
			UserID:      "u1",
			RootAgentID: "calendar",
			AgentID:     "calendar",
			Messages: []domain.Message{
				{Role: domain.RoleUser, Content: meetingRequest},
				{Role: domain.RoleAssistant, Name: "calendar", ToolCalls: []domain.ToolCall{call}},
			},
			PendingToolCalls: []domain.ToolCall{call},
			CurrentNode:      domain.NodeTools,
			DelegationPath:   []string{"calendar"},
			Status:           domain.StatusRunning,
			Step:             2,
			StartedAt:        now,
			UpdatedAt:        now,
		},
		CreatedAt: now,
	}
	require.NoError(t, h.saver.Append(context.Background(), cp))
	return cp
}

func TestRecoverContinuesCrashedExecution(t *testing.T) {
	var mu sync.Mutex
	var toolResults []string
	h := newHarness(t, harnessOpts{models: models{
		"m-calendar": chatFunc(func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			m := last(req)
			if m.Role == domain.RoleTool {
				mu.Lock()
				toolResults = append(toolResults, m.Content)
				mu.Unlock()
				return reply("Created event evt-42.")
			}
			return reply("Anything else?")
		}),
	}})
	ctx := context.Background()
	crashed := seedCrashedRun(t, h)

	_, err := h.orch.HandleTurn(ctx, TurnRequest{ThreadID: "t1", UserID: "u1", Message: "hello?"})
	require.ErrorIs(t, err, domain.ErrExecutionIncomplete)
	assert.Zero(t, h.tools["createCalendarEvent"].calls(), "a new turn does not discard the unfinished run")

	turn, err := h.orch.Recover(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "exec-crashed", turn.ExecutionID)
	res, err := turn.Wait()
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, "Created event evt-42.", res.Content)
	assert.Equal(t, 1, h.tools["createCalendarEvent"].calls())

	mu.Lock()
	assert.Equal(t, []string{`{"event_id":"evt-42"}`}, toolResults)
	mu.Unlock()

	chain, err := h.saver.List(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, crashed.ID, chain[len(chain)-1].ID)
	assert.Equal(t, crashed.ID, chain[len(chain)-2].ParentID, "recovery appends to the crashed chain")

	_, err = h.orch.Recover(ctx, "t1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	turn2, err := h.orch.HandleTurn(ctx, TurnRequest{ThreadID: "t1", UserID: "u1", Message: "thanks"})
	require.NoError(t, err)
	res, err = turn2.Wait()
	require.NoError(t, err)
	assert.Equal(t, "Anything else?", res.Content)
}

func TestRecoverWithoutUnfinishedExecution(t *testing.T) {
	h := newHarness(t, harnessOpts{models: models{}})

	_, err := h.orch.Recover(context.Background(), "empty")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.orch.Recover(context.Background(), " ")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
