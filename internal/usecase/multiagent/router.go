package multiagent

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"ankie/internal/domain"
)

// discardLogger returns a no-op logger for routers created without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MentionRouter resolves an explicit "@agent" prefix in a user message to an
// agent id. The name may be the agent id or its display name, case-insensitive.
type MentionRouter struct {
	dir    domain.AgentDirectory
	logger *slog.Logger
}

// NewMentionRouter creates a router backed by the registry.
func NewMentionRouter(dir domain.AgentDirectory, logger *slog.Logger) *MentionRouter {
	if logger == nil {
		logger = discardLogger()
	}
	return &MentionRouter{dir: dir, logger: logger}
}

// Route returns the mentioned agent and the message without its prefix.
// ok is false when there is no prefix or the name is unknown.
func (r *MentionRouter) Route(ctx context.Context, userID, content string) (agent domain.AgentConfig, rest string, ok bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "@") {
		return domain.AgentConfig{}, content, false
	}

	// Extract the name after @, up to the first space.
	name, rest, _ := strings.Cut(content[1:], " ")
	name = strings.ToLower(strings.TrimRight(name, ",:"))

	agents, err := r.dir.ListForUser(ctx, userID)
	if err != nil {
		r.logger.Debug("mention lookup failed", "error", err)
		return domain.AgentConfig{}, content, false
	}
	for _, a := range agents {
		if strings.ToLower(a.ID) == name || strings.ToLower(a.Name) == name {
			r.logger.Debug("mention matched agent", "mention", name, "agent_id", a.ID)
			return a, strings.TrimSpace(rest), true
		}
	}
	r.logger.Debug("unknown mention", "mention", name)
	return domain.AgentConfig{}, content, false
}
