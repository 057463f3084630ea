package domain

// HeuristicMatch is the lexical scorer's best agent.
type HeuristicMatch struct {
	AgentID    string   `json:"agent_id"`
	Confidence float64  `json:"confidence"`
	Keywords   []string `json:"keywords,omitempty"`
}

// IntentAnalysis is the analyzer's verdict.
type IntentAnalysis struct {
	AgentID    string  `json:"agent_id"`
	ToolName   string  `json:"tool_name,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// DelegationIntent is computed fresh per user turn and never persisted.
type DelegationIntent struct {
	Detected  bool            `json:"detected"`
	Heuristic *HeuristicMatch `json:"heuristic,omitempty"`
	Analysis  *IntentAnalysis `json:"analysis,omitempty"`
}

// Best returns the target agent and confidence of the stronger scorer.
func (d DelegationIntent) Best() (agentID string, confidence float64) {
	if d.Heuristic != nil {
		agentID, confidence = d.Heuristic.AgentID, d.Heuristic.Confidence
	}
	if d.Analysis != nil && d.Analysis.Confidence > confidence {
		agentID, confidence = d.Analysis.AgentID, d.Analysis.Confidence
	}
	return agentID, confidence
}
