package approval

import (
	"testing"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
)

func TestPolicyBuiltins(t *testing.T) {
	p := NewPolicy(config.ApprovalConfig{})

	for _, name := range []string{"postTweet", "sendEmail", "deleteEvent"} {
		if got := p.Classify(name); got != domain.RiskApproval {
			t.Errorf("Classify(%q) = %s, want approval", name, got)
		}
	}
	if got := p.Classify("listCalendarEvents"); got != domain.RiskAuto {
		t.Errorf("read-only tool = %s, want auto", got)
	}
}

func TestPolicyOverrides(t *testing.T) {
	p := NewPolicy(config.ApprovalConfig{
		RequireApproval: []string{"draftEmail"},
		AlwaysAllow:     []string{"sendEmail"},
		AlwaysDeny:      []string{"deleteResource", "sendEmail"},
	})

	tests := []struct {
		tool string
		want domain.ToolRisk
	}{
		{"draftEmail", domain.RiskApproval},
		{"sendEmail", domain.RiskDenied}, // deny beats allow
		{"deleteResource", domain.RiskDenied},
		{"postTweet", domain.RiskApproval},
		{"webSearch", domain.RiskAuto},
	}
	for _, tt := range tests {
		if got := p.Classify(tt.tool); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.tool, got, tt.want)
		}
	}
}
