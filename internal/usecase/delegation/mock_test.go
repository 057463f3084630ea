package delegation

import (
	"context"

	"ankie/internal/domain"
)

type fakeDirectory struct {
	agents []domain.AgentConfig
	err    error
}

func (f *fakeDirectory) Get(id string) (domain.AgentConfig, error) {
	for _, a := range f.agents {
		if a.ID == id {
			return a, nil
		}
	}
	return domain.AgentConfig{}, domain.ErrAgentNotFound
}

func (f *fakeDirectory) ListForUser(context.Context, string) ([]domain.AgentConfig, error) {
	return f.agents, f.err
}

func (f *fakeDirectory) Supervisor() (domain.AgentConfig, error) {
	return domain.AgentConfig{ID: "ankie", Role: domain.RoleSupervisor, Model: "m"}, nil
}

type analyzerFunc func(ctx context.Context, history []domain.Message, agents []domain.AgentConfig) (*domain.IntentAnalysis, error)

func (f analyzerFunc) Analyze(ctx context.Context, history []domain.Message, agents []domain.AgentConfig) (*domain.IntentAnalysis, error) {
	return f(ctx, history, agents)
}

type staticModel struct {
	reply string
	err   error
	got   domain.ChatRequest
}

func (m *staticModel) Name() string { return "static" }

func (m *staticModel) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.got = req
	if m.err != nil {
		return nil, m.err
	}
	return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: m.reply}}, nil
}

type staticSource struct {
	model *staticModel
	name  string
}

func (s *staticSource) Model(name string, _ domain.ModelConfig) (domain.LLMProvider, error) {
	s.name = name
	return s.model, nil
}

func specialists() []domain.AgentConfig {
	return []domain.AgentConfig{
		{
			ID: "calendar", Name: "Ami", Role: domain.RoleSpecialist, Model: "m",
			Description: "Calendar specialist: schedules meetings, events and reminders",
			Tools:       []string{"createCalendarEvent", "listCalendarEvents", "deleteEvent"},
			Tags:        []string{"calendar", "meeting", "schedule", "event", "reminder"},
		},
		{
			ID: "email", Name: "Astra", Role: domain.RoleSpecialist, Model: "m",
			Description: "Email specialist: drafts and sends emails and invites",
			Tools:       []string{"draftEmail", "sendEmail", "searchEmail"},
			Tags:        []string{"email", "mail", "inbox", "invite"},
		},
		{
			ID: "social", Name: "Nora", Role: domain.RoleSpecialist, Model: "m",
			Description: "Social media specialist: drafts and publishes posts",
			Tools:       []string{"postTweet"},
			Tags:        []string{"social", "twitter", "tweet", "post"},
		},
	}
}

func userTurn(text string) []domain.Message {
	return []domain.Message{
		{Role: domain.RoleUser, Content: "earlier message about email"},
		{Role: domain.RoleAssistant, Content: "ok"},
		{Role: domain.RoleUser, Content: text},
	}
}
