package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"ankie/internal/domain"
)

// Analyzer is the "intelligent" scorer: it proposes a target agent and the
// tool it would likely call.
type Analyzer interface {
	Analyze(ctx context.Context, history []domain.Message, agents []domain.AgentConfig) (*domain.IntentAnalysis, error)
}

// ToolRule maps a request pattern to the tool that serves it.
type ToolRule struct {
	Pattern    *regexp.Regexp
	Tool       string
	Confidence float64
}

// DefaultToolRules covers the built-in specialist tools. Order matters: the
// first matching rule wins.
var DefaultToolRules = []ToolRule{
	{regexp.MustCompile(`(?i)\b(schedule|book|set ?up|arrange)\b.*\b(meeting|call|event|appointment)s?\b`), "createCalendarEvent", 0.85},
	{regexp.MustCompile(`(?i)\b(what'?s on|list|show)\b.*\b(calendar|agenda|schedule)\b`), "listCalendarEvents", 0.8},
	{regexp.MustCompile(`(?i)\b(cancel|delete|remove)\b.*\b(meeting|event|appointment)\b`), "deleteEvent", 0.8},
	{regexp.MustCompile(`(?i)\b(send|write|draft|compose|reply)\b.*\b(e-?mail|mail|invite)\b`), "draftEmail", 0.8},
	{regexp.MustCompile(`(?i)\b(tweet|post (it |this )?(on|to) (twitter|x))\b`), "postTweet", 0.85},
	{regexp.MustCompile(`(?i)\binstagram\b`), "publishInstagramPost", 0.8},
	{regexp.MustCompile(`(?i)\bfacebook\b`), "postToFacebook", 0.8},
	{regexp.MustCompile(`(?i)\btelegram\b`), "sendTelegramMessage", 0.8},
	{regexp.MustCompile(`(?i)\b(shopify|store)\b.*\border`), "getShopifyOrders", 0.75},
	{regexp.MustCompile(`(?i)\b(shopify|store)\b.*\bproducts?\b`), "listShopifyProducts", 0.75},
	{regexp.MustCompile(`(?i)\b(my|research|saved) notes?\b`), "searchNotes", 0.7},
	{regexp.MustCompile(`(?i)\b(research|look up|find out|latest news|investigate)\b`), "webSearch", 0.7},
}

// RuleAnalyzer matches the last user message against tool rules and picks
// the specialist that owns the matched tool.
type RuleAnalyzer struct {
	rules []ToolRule
}

// NewRuleAnalyzer returns an analyzer over rules, or DefaultToolRules when empty.
func NewRuleAnalyzer(rules []ToolRule) *RuleAnalyzer {
	if len(rules) == 0 {
		rules = DefaultToolRules
	}
	return &RuleAnalyzer{rules: rules}
}

// Analyze implements Analyzer. A nil result means no rule matched.
func (a *RuleAnalyzer) Analyze(_ context.Context, history []domain.Message, agents []domain.AgentConfig) (*domain.IntentAnalysis, error) {
	text := domain.LastUserMessage(history)
	for _, r := range a.rules {
		if !r.Pattern.MatchString(text) {
			continue
		}
		for _, ag := range agents {
			if ag.HasTool(r.Tool) {
				return &domain.IntentAnalysis{
					AgentID:    ag.ID,
					ToolName:   r.Tool,
					Confidence: r.Confidence,
					Reason:     "matched " + r.Tool + " rule",
				}, nil
			}
		}
	}
	return nil, nil
}

// LLMAnalyzer asks a model for a strict JSON verdict.
type LLMAnalyzer struct {
	models domain.ModelSource
	model  string
}

// NewLLMAnalyzer creates an analyzer that calls model through the factory.
func NewLLMAnalyzer(models domain.ModelSource, model string) *LLMAnalyzer {
	return &LLMAnalyzer{models: models, model: model}
}

const analyzerPrompt = `You route user requests to specialist agents.
Reply with a single JSON object and nothing else:
{"agent_id": "<id or empty>", "tool_name": "<tool or empty>", "confidence": <0..1>, "reason": "<short>"}
Use an empty agent_id and confidence 0 when no specialist fits.

Specialists:
`

// Analyze implements Analyzer.
func (a *LLMAnalyzer) Analyze(ctx context.Context, history []domain.Message, agents []domain.AgentConfig) (*domain.IntentAnalysis, error) {
	text := domain.LastUserMessage(history)
	if text == "" || len(agents) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(analyzerPrompt)
	for _, ag := range agents {
		fmt.Fprintf(&sb, "- %s (%s): %s. Tools: %s\n", ag.ID, ag.DisplayName(), ag.Description, strings.Join(ag.Tools, ", "))
	}

	llm, err := a.models.Model(a.model, domain.ModelConfig{Temperature: 0, MaxTokens: 256})
	if err != nil {
		return nil, err
	}
	resp, err := llm.Chat(ctx, domain.ChatRequest{Messages: []domain.Message{
		{Role: domain.RoleSystem, Content: sb.String()},
		{Role: domain.RoleUser, Content: text},
	}})
	if err != nil {
		return nil, err
	}
	return parseVerdict(resp.Message.Content, agents)
}

// parseVerdict decodes the model reply, tolerating a markdown fence around it.
func parseVerdict(raw string, agents []domain.AgentConfig) (*domain.IntentAnalysis, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var v domain.IntentAnalysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
		return nil, fmt.Errorf("%w: analyzer verdict: %v", domain.ErrInvalidInput, err)
	}
	if v.AgentID == "" {
		return nil, nil
	}
	known := false
	for _, ag := range agents {
		if ag.ID == v.AgentID {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: analyzer chose unknown agent %q", domain.ErrAgentNotFound, v.AgentID)
	}
	v.Confidence = min(max(v.Confidence, 0), 1)
	return &v, nil
}
