package delegation

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ankie/internal/domain"
	"ankie/internal/infra/metrics"
)

const meetingRequest = "schedule a meeting with John tomorrow at 10am and email him an invite"

func TestDetectIntentCalendarAndEmail(t *testing.T) {
	d := NewDetector(&fakeDirectory{agents: specialists()}, NewRuleAnalyzer(nil), slog.Default())

	intent := d.DetectIntent(context.Background(), userTurn(meetingRequest), "u1")
	require.True(t, intent.Detected)
	require.NotNil(t, intent.Heuristic)
	assert.Equal(t, "calendar", intent.Heuristic.AgentID, "earliest keyword breaks the calendar/email tie")
	assert.ElementsMatch(t, []string{"schedule", "meeting"}, intent.Heuristic.Keywords)
	assert.InDelta(t, 0.84, intent.Heuristic.Confidence, 0.001)

	require.NotNil(t, intent.Analysis)
	assert.Equal(t, "createCalendarEvent", intent.Analysis.ToolName)

	agentID, conf := intent.Best()
	assert.Equal(t, "calendar", agentID)
	assert.InDelta(t, 0.85, conf, 0.001)
}

func TestDetectIntentPrefilterSkipsSmallTalk(t *testing.T) {
	called := false
	d := NewDetector(&fakeDirectory{agents: specialists()}, analyzerFunc(
		func(context.Context, []domain.Message, []domain.AgentConfig) (*domain.IntentAnalysis, error) {
			called = true
			return nil, nil
		}), slog.Default())

	intent := d.DetectIntent(context.Background(), userTurn("hi, how are you today?"), "u1")
	assert.False(t, intent.Detected)
	assert.Nil(t, intent.Heuristic)
	assert.False(t, called, "analyzer must not run when the prefilter misses")
}

func TestDetectIntentCustomPrefilter(t *testing.T) {
	calls := 0
	d := NewDetector(&fakeDirectory{agents: specialists()}, analyzerFunc(
		func(context.Context, []domain.Message, []domain.AgentConfig) (*domain.IntentAnalysis, error) {
			calls++
			return nil, nil
		}), slog.Default(), WithPrefilter(regexp.MustCompile(`(?i)\bagenda\b`)))

	assert.False(t, d.DetectIntent(context.Background(), userTurn(meetingRequest), "u1").Detected)
	assert.Zero(t, calls, "the default keywords no longer pass")

	d.DetectIntent(context.Background(), userTurn("what is on the agenda"), "u1")
	assert.Equal(t, 1, calls)
}

func TestDetectIntentDirectoryErrorIsNotDetected(t *testing.T) {
	d := NewDetector(&fakeDirectory{err: errors.New("agent store down")}, nil, slog.Default())
	intent := d.DetectIntent(context.Background(), userTurn(meetingRequest), "u1")
	assert.Equal(t, domain.DelegationIntent{}, intent)
}

func TestDetectIntentAnalyzerErrorKeepsHeuristic(t *testing.T) {
	d := NewDetector(&fakeDirectory{agents: specialists()}, analyzerFunc(
		func(context.Context, []domain.Message, []domain.AgentConfig) (*domain.IntentAnalysis, error) {
			return nil, errors.New("model offline")
		}), slog.Default())

	intent := d.DetectIntent(context.Background(), userTurn("please tweet this launch"), "u1")
	assert.True(t, intent.Detected)
	assert.Nil(t, intent.Analysis)
	assert.Equal(t, "social", intent.Heuristic.AgentID)
}

func TestDetectIntentAnalyzerPanicIsNotDetected(t *testing.T) {
	d := NewDetector(&fakeDirectory{agents: specialists()}, analyzerFunc(
		func(context.Context, []domain.Message, []domain.AgentConfig) (*domain.IntentAnalysis, error) {
			panic("boom")
		}), slog.Default())

	intent := d.DetectIntent(context.Background(), userTurn(meetingRequest), "u1")
	assert.False(t, intent.Detected)
}

func TestDetectIntentAnalyzerThreshold(t *testing.T) {
	verdict := func(conf float64) Analyzer {
		return analyzerFunc(func(context.Context, []domain.Message, []domain.AgentConfig) (*domain.IntentAnalysis, error) {
			return &domain.IntentAnalysis{AgentID: "email", Confidence: conf}, nil
		})
	}
	// "find" passes the prefilter but no agent keyword matches.
	msg := userTurn("find something nice")

	low := NewDetector(&fakeDirectory{agents: specialists()}, verdict(0.59), slog.Default())
	assert.False(t, low.DetectIntent(context.Background(), msg, "u1").Detected)

	ok := NewDetector(&fakeDirectory{agents: specialists()}, verdict(0.6), slog.Default())
	assert.True(t, ok.DetectIntent(context.Background(), msg, "u1").Detected)
}

func TestDetectorHintRecordsTier(t *testing.T) {
	m := metrics.New()
	d := NewDetector(&fakeDirectory{agents: specialists()}, NewRuleAnalyzer(nil), slog.Default(), WithMetrics(m))

	h := d.Hint(d.DetectIntent(context.Background(), userTurn(meetingRequest), "u1"))
	assert.Equal(t, TierMandatory, h.Tier)
	assert.Equal(t, "createCalendarEvent", h.ToolName)
}
