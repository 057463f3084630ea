package llm

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
)

type mockProvider struct {
	name     string
	calls    atomic.Int32
	chatFn   func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error)
	streamFn func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error)
}

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.calls.Add(1)
	if m.chatFn == nil {
		return &domain.ChatResponse{Model: req.Model, Message: domain.Message{Role: domain.RoleAssistant, Content: m.name}}, nil
	}
	return m.chatFn(ctx, req)
}

func (m *mockProvider) Name() string { return m.name }

type mockStreamProvider struct {
	*mockProvider
}

func (m mockStreamProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	m.calls.Add(1)
	return m.streamFn(ctx, req)
}

// fakeFamily builds a keyless family whose constructor returns p, or err
// when p is nil.
func fakeFamily(id string, p domain.LLMProvider, err error) Family {
	return Family{
		ID:                  id,
		Prefixes:            []string{id + "-"},
		MaxOutputTokens:     1000,
		DefaultOutputTokens: 500,
		New: func(config.ProviderConfig, *slog.Logger) (domain.LLMProvider, error) {
			if p == nil {
				return nil, err
			}
			return p, nil
		},
	}
}

// recordingBus captures published events.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                 { return func() {} }
func (b *recordingBus) Close()                                                  {}

func (b *recordingBus) ofType(typ domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, ev := range b.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func bufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}
