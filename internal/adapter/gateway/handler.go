package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ankie/internal/domain"
	"ankie/internal/infra/metrics"
	"ankie/internal/usecase/graph"
	"ankie/internal/usecase/orchestrator"
)

// Run is a started execution as the gateway consumes it.
type Run interface {
	Steps() <-chan domain.ExecutionStep
	Wait() (*domain.ExecutionResult, error)
}

// Engine is the orchestration surface the gateway exposes.
type Engine interface {
	HandleTurn(ctx context.Context, req orchestrator.TurnRequest) (Run, error)
	Resume(ctx context.Context, req orchestrator.ResumeRequest) (Run, error)
	Recover(ctx context.Context, threadID string) (Run, error)
	PendingInterrupt(ctx context.Context, threadID string) (*orchestrator.PendingApproval, error)
	Cancel(threadID, executionID string) bool
	GraphStats() graph.Stats
	InvalidateGraph(ctx context.Context, agentID string)
}

// orchestratorEngine adapts *orchestrator.Orchestrator to Engine.
type orchestratorEngine struct{ *orchestrator.Orchestrator }

// FromOrchestrator wraps o as an Engine.
func FromOrchestrator(o *orchestrator.Orchestrator) Engine { return orchestratorEngine{o} }

func (e orchestratorEngine) HandleTurn(ctx context.Context, req orchestrator.TurnRequest) (Run, error) {
	t, err := e.Orchestrator.HandleTurn(ctx, req)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (e orchestratorEngine) Resume(ctx context.Context, req orchestrator.ResumeRequest) (Run, error) {
	t, err := e.Orchestrator.Resume(ctx, req)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (e orchestratorEngine) Recover(ctx context.Context, threadID string) (Run, error) {
	t, err := e.Orchestrator.Recover(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

type cancelParams struct {
	ThreadID    string `json:"thread_id"`
	ExecutionID string `json:"execution_id"`
}

type threadParams struct {
	ThreadID string `json:"thread_id"`
}

type invalidateParams struct {
	AgentID string `json:"agent_id,omitempty"`
}

// RegisterHandlers registers the RPC methods:
//
//	chat.turn         run a user message, streaming step frames
//	interrupt.resume  answer a pending approval, streaming step frames
//	interrupt.get     the thread's pending approval, or null
//	chat.recover      continue an execution that stopped mid-run
//	execution.cancel  stop a running execution
//	graph.stats       graph cache counters
//	graph.invalidate  drop one compiled graph, or all of them
func RegisterHandlers(s *Server, engine Engine) {
	s.RegisterHandler("chat.turn", func(ctx context.Context, call *Call) (any, error) {
		var req orchestrator.TurnRequest
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
		if err := bindUser(&req, call.Client); err != nil {
			return nil, err
		}
		run, err := engine.HandleTurn(context.WithoutCancel(ctx), req)
		if err != nil {
			return nil, err
		}
		call.Watch(req.ThreadID)
		return drain(call, run)
	})

	s.RegisterHandler("interrupt.resume", func(ctx context.Context, call *Call) (any, error) {
		var req orchestrator.ResumeRequest
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
		run, err := engine.Resume(context.WithoutCancel(ctx), req)
		if err != nil {
			return nil, err
		}
		call.Watch(req.ThreadID)
		return drain(call, run)
	})

	s.RegisterHandler("chat.recover", func(ctx context.Context, call *Call) (any, error) {
		var p threadParams
		if err := call.Decode(&p); err != nil {
			return nil, err
		}
		run, err := engine.Recover(context.WithoutCancel(ctx), p.ThreadID)
		if err != nil {
			return nil, err
		}
		call.Watch(p.ThreadID)
		return drain(call, run)
	})

	s.RegisterHandler("interrupt.get", func(ctx context.Context, call *Call) (any, error) {
		var p threadParams
		if err := call.Decode(&p); err != nil {
			return nil, err
		}
		return engine.PendingInterrupt(ctx, p.ThreadID)
	})

	s.RegisterHandler("execution.cancel", func(_ context.Context, call *Call) (any, error) {
		var p cancelParams
		if err := call.Decode(&p); err != nil {
			return nil, err
		}
		return map[string]bool{"cancelled": engine.Cancel(p.ThreadID, p.ExecutionID)}, nil
	})

	s.RegisterHandler("graph.stats", func(context.Context, *Call) (any, error) {
		return engine.GraphStats(), nil
	})

	s.RegisterHandler("graph.invalidate", func(ctx context.Context, call *Call) (any, error) {
		var p invalidateParams
		if len(call.Params) > 0 {
			if err := call.Decode(&p); err != nil {
				return nil, err
			}
		}
		engine.InvalidateGraph(ctx, p.AgentID)
		return engine.GraphStats(), nil
	})
}

// bindUser defaults the turn's user to the client. A verified client cannot
// speak for another user; an open gateway has no identity to enforce.
func bindUser(req *orchestrator.TurnRequest, client *ClientInfo) error {
	switch {
	case req.UserID == "":
		req.UserID = client.Name
	case client.Verified && req.UserID != client.Name:
		return domain.NewSubSystemError("gateway", "Gateway.ChatTurn", domain.ErrGatewayAuthFailed,
			"user_id "+req.UserID+" does not match client "+client.Name)
	}
	return nil
}

// drain forwards every step to the caller and returns the result.
func drain(call *Call, run Run) (*domain.ExecutionResult, error) {
	for step := range run.Steps() {
		call.Step(step)
	}
	return run.Wait()
}

// RegisterHTTPHandlers adds GET /health and GET /metrics. The metrics route
// requires the same bearer token as the WebSocket.
func RegisterHTTPHandlers(s *Server, engine Engine, m *metrics.Metrics) {
	started := time.Now()
	s.RegisterHTTPRoute("GET /health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		stats := engine.GraphStats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":        "ok",
			"uptime":        time.Since(started).Round(time.Second).String(),
			"cached_graphs": stats.Entries,
		})
	}))
	s.RegisterHTTPRoute("GET /metrics", s.requireAuth(m.Handler()))
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.Authenticate(bearerToken(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
