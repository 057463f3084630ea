// Package delegation decides whether a user turn should be handed to a
// specialist and renders the routing hint for the acting agent.
package delegation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"go.opentelemetry.io/otel/trace"

	"ankie/internal/domain"
	"ankie/internal/infra/metrics"
	"ankie/internal/infra/tracer"
)

// AnalysisThreshold is the analyzer confidence that counts as detected.
const AnalysisThreshold = 0.6

// DefaultPrefilter gates full analysis. Most small talk never reaches the scorers.
var DefaultPrefilter = regexp.MustCompile(`(?i)\b(` +
	`schedul\w*|meeting|calendar|event|appointment|remind\w*|agenda|` +
	`e-?mail|mail|inbox|invite|draft|send|reply|` +
	`tweet|post|publish|twitter|instagram|facebook|telegram|social|` +
	`shopify|store|order|product|sales|` +
	`research|search|look up|find|news|notes?|investigate` +
	`)\b`)

// Detector scores a user turn against the specialists available to the user.
type Detector struct {
	agents    domain.AgentDirectory
	analyzer  Analyzer
	prefilter *regexp.Regexp
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithPrefilter replaces DefaultPrefilter.
func WithPrefilter(re *regexp.Regexp) Option {
	return func(d *Detector) { d.prefilter = re }
}

// WithMetrics records hint tiers.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// NewDetector creates a detector. analyzer may be nil to use heuristics only.
func NewDetector(agents domain.AgentDirectory, analyzer Analyzer, logger *slog.Logger, opts ...Option) *Detector {
	d := &Detector{
		agents:    agents,
		analyzer:  analyzer,
		prefilter: DefaultPrefilter,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectIntent never fails: agent loading or scoring errors, including
// panics, are logged and reported as not detected.
func (d *Detector) DetectIntent(ctx context.Context, history []domain.Message, userID string) (intent domain.DelegationIntent) {
	text := domain.LastUserMessage(history)
	if text == "" || !d.prefilter.MatchString(text) {
		return intent
	}

	ctx, span := tracer.StartSpan(ctx, "delegation.detect",
		trace.WithAttributes(tracer.StringAttr("user.id", userID)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("delegation detection panicked", "panic", fmt.Sprint(r))
			intent = domain.DelegationIntent{}
		}
	}()

	agents, err := d.agents.ListForUser(ctx, userID)
	if err != nil {
		tracer.RecordError(span, err)
		d.logger.Warn("delegation detection skipped", "user_id", userID, "error", err)
		return intent
	}

	intent.Heuristic = buildIndex(agents).score(text)
	if d.analyzer != nil {
		analysis, err := d.analyzer.Analyze(ctx, history, agents)
		if err != nil {
			d.logger.Warn("delegation analyzer failed", "user_id", userID, "error", err)
		} else {
			intent.Analysis = analysis
		}
	}

	intent.Detected = (intent.Heuristic != nil && intent.Heuristic.Confidence > 0) ||
		(intent.Analysis != nil && intent.Analysis.Confidence >= AnalysisThreshold)

	agentID, conf := intent.Best()
	d.logger.Debug("delegation intent",
		"detected", intent.Detected, "agent_id", agentID, "confidence", conf)
	span.SetAttributes(tracer.StringAttr("delegation.agent_id", agentID))
	tracer.SetOK(span)
	return intent
}

// Hint renders the hint for intent and records its tier.
func (d *Detector) Hint(intent domain.DelegationIntent) Hint {
	h := CreateDelegationHint(intent)
	if h.Tier != TierNone {
		d.metrics.DelegationHint(string(h.Tier))
	}
	return h
}
