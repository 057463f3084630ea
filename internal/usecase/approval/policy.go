// Package approval decides which tool calls pause for a human decision.
package approval

import (
	"ankie/internal/domain"
	"ankie/internal/infra/config"
)

// HighRiskTools are the tools that act on the user's behalf in a way that is
// visible to others or hard to undo. They pause execution for approval
// unless configuration says otherwise.
var HighRiskTools = []string{
	"sendEmail",
	"postTweet",
	"publishPost",
	"publishInstagramPost",
	"postToFacebook",
	"sendTelegramMessage",
	"deleteResource",
	"deleteEvent",
	"createShopifyOrder",
}

// Policy is a RiskClassifier driven by the built-in high-risk list and
// allow/deny overrides.
//
// Precedence, strongest first:
//   - always_deny: the call is never run and gets an error tool result
//   - always_allow: the call runs without asking
//   - require_approval or HighRiskTools: the execution pauses on an interrupt
//   - anything else runs without asking
type Policy struct {
	approval    map[string]bool
	alwaysAllow map[string]bool
	alwaysDeny  map[string]bool
}

var _ domain.RiskClassifier = (*Policy)(nil)

// NewPolicy builds a policy from the approval config section.
func NewPolicy(cfg config.ApprovalConfig) *Policy {
	p := &Policy{
		approval:    toSet(HighRiskTools),
		alwaysAllow: toSet(cfg.AlwaysAllow),
		alwaysDeny:  toSet(cfg.AlwaysDeny),
	}
	for _, name := range cfg.RequireApproval {
		p.approval[name] = true
	}
	return p
}

// Classify implements domain.RiskClassifier.
func (p *Policy) Classify(toolName string) domain.ToolRisk {
	switch {
	case p.alwaysDeny[toolName]:
		return domain.RiskDenied
	case p.alwaysAllow[toolName]:
		return domain.RiskAuto
	case p.approval[toolName]:
		return domain.RiskApproval
	}
	return domain.RiskAuto
}

func toSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
