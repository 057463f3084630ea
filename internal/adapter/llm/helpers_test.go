package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"ankie/internal/domain"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusForbidden, domain.ErrAuthInvalid},
		{http.StatusNotFound, domain.ErrModelUnavailable},
		{http.StatusRequestEntityTooLarge, domain.ErrContextOverflow},
		{http.StatusGatewayTimeout, domain.ErrTimeout},
		{http.StatusBadGateway, domain.ErrProviderError},
		{http.StatusBadRequest, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		err := mapHTTPError(tt.status, []byte("body"))
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: got %v, want %v", tt.status, err, tt.want)
		}
		if !strings.Contains(err.Error(), "body") {
			t.Errorf("status %d: detail missing from %q", tt.status, err)
		}
	}
}

func TestParseSSEStreamSkipsCommentsAndStopsOnDone(t *testing.T) {
	body := io.NopCloser(strings.NewReader(": keepalive\n\ndata: one\n\ndata: two\n\ndata: [DONE]\n\ndata: never\n\n"))
	var parsed []string
	ch := parseSSEStream(context.Background(), body, func(ev sseEvent) (*domain.StreamDelta, error) {
		parsed = append(parsed, string(ev.Data))
		return &domain.StreamDelta{Content: string(ev.Data)}, nil
	})

	var deltas []domain.StreamDelta
	for d := range ch {
		deltas = append(deltas, d)
	}
	if len(deltas) != 3 {
		t.Fatalf("got %d deltas, want 3", len(deltas))
	}
	if deltas[0].Content != "one" || deltas[1].Content != "two" || !deltas[2].Done {
		t.Errorf("unexpected deltas: %+v", deltas)
	}
	if len(parsed) != 2 {
		t.Errorf("parser saw %v", parsed)
	}
}

func TestParseSSEStreamNamedEvents(t *testing.T) {
	body := io.NopCloser(strings.NewReader("event: ping\ndata: {}\n\nevent: message_stop\ndata: {}\n\n"))
	var names []string
	ch := parseSSEStream(context.Background(), body, func(ev sseEvent) (*domain.StreamDelta, error) {
		names = append(names, ev.Name)
		if ev.Name == "message_stop" {
			return &domain.StreamDelta{Done: true}, nil
		}
		return nil, nil
	})
	for range ch {
	}
	if len(names) != 2 || names[0] != "ping" || names[1] != "message_stop" {
		t.Errorf("names = %v", names)
	}
}

func TestMapTransportErrorDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()
	if err := mapTransportError(ctx, errors.New("dial")); !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}
