package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
)

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	inner := &mockProvider{name: "flaky", chatFn: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, fmt.Errorf("%w: 503", domain.ErrProviderError)
	}}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute}, slog.Default())

	for i := 0; i < 2; i++ {
		if _, err := cb.Chat(context.Background(), domain.ChatRequest{}); !errors.Is(err, domain.ErrProviderError) {
			t.Fatalf("call %d: got %v", i, err)
		}
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	if !errors.Is(err, domain.ErrModelUnavailable) {
		t.Fatalf("open circuit error = %v, want ErrModelUnavailable", err)
	}
	if got := inner.calls.Load(); got != 2 {
		t.Errorf("inner calls = %d, want 2", got)
	}
}

func TestCircuitBreakerIgnoresCallerErrors(t *testing.T) {
	inner := &mockProvider{name: "strict", chatFn: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, fmt.Errorf("%w: bad tool schema", domain.ErrInvalidInput)
	}}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 1}, slog.Default())

	for i := 0; i < 3; i++ {
		cb.Chat(context.Background(), domain.ChatRequest{})
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreakerStreamRequiresStreamingInner(t *testing.T) {
	cb := NewCircuitBreakerProvider(&mockProvider{name: "plain"}, config.CircuitBreakerConfig{}, slog.Default())
	if _, err := cb.ChatStream(context.Background(), domain.ChatRequest{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}
