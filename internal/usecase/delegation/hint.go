package delegation

import (
	"fmt"
	"math"
	"strings"

	"ankie/internal/domain"
)

// Tier is the wording strength of a delegation hint.
type Tier string

const (
	TierNone      Tier = ""
	TierSuggested Tier = "suggested"
	TierStrong    Tier = "strong"
	TierMandatory Tier = "mandatory"
)

// Tier boundaries. MinHintConfidence is exclusive, the others inclusive.
const (
	MinHintConfidence       = 0.55
	StrongHintConfidence    = 0.65
	MandatoryHintConfidence = 0.80
)

// Hint is the directive merged into the acting agent's instructions.
type Hint struct {
	Tier       Tier
	AgentID    string
	ToolName   string
	Confidence float64
	Text       string
}

// CreateDelegationHint renders the hint for intent. It returns a zero Hint
// when nothing was detected or the confidence is at or below MinHintConfidence.
func CreateDelegationHint(intent domain.DelegationIntent) Hint {
	agentID, conf := intent.Best()
	if !intent.Detected || agentID == "" {
		return Hint{}
	}
	pct := int(math.Round(conf * 100))
	h := Hint{AgentID: agentID, Confidence: conf}
	if intent.Analysis != nil && intent.Analysis.AgentID == agentID {
		h.ToolName = intent.Analysis.ToolName
	}

	switch {
	case conf+epsilon >= MandatoryHintConfidence:
		h.Tier = TierMandatory
	case conf+epsilon >= StrongHintConfidence:
		h.Tier = TierStrong
	case conf > MinHintConfidence+epsilon:
		h.Tier = TierSuggested
	default:
		return Hint{}
	}
	h.Text = renderHint(h, pct)
	return h
}

// epsilon absorbs float noise so a score computed as 0.7999999 still counts
// as 0.80.
const epsilon = 1e-9

func renderHint(h Hint, pct int) string {
	var sb strings.Builder
	switch h.Tier {
	case TierMandatory:
		fmt.Fprintf(&sb, "MANDATORY DELEGATION (%d%% confidence): this request belongs to the %q specialist. "+
			"Do NOT answer it yourself. Call %s with agent_id %q and a precise task description.",
			pct, h.AgentID, domain.DelegateToolName, h.AgentID)
	case TierStrong:
		fmt.Fprintf(&sb, "STRONG RECOMMENDATION (%d%% confidence): the %q specialist is best suited for this request. "+
			"Delegate with %s unless you can fully answer it yourself.",
			pct, h.AgentID, domain.DelegateToolName)
	default:
		fmt.Fprintf(&sb, "Suggestion (%d%% confidence): the %q specialist may be able to help with this request. "+
			"Consider delegating with %s.",
			pct, h.AgentID, domain.DelegateToolName)
	}
	if h.ToolName != "" {
		fmt.Fprintf(&sb, " The specialist will likely need its %s tool.", h.ToolName)
	}
	return sb.String()
}
