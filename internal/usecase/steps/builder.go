// Package steps turns graph node transitions into localized, user-facing
// progress messages.
package steps

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/language"

	"ankie/internal/domain"
)

// Config describes one node transition.
type Config struct {
	Node        domain.NodeType
	AgentID     string
	AgentName   string
	ExecutionID string
	ThreadID    string

	// Delegation target, for NodeDelegation.
	TargetAgentID   string
	TargetAgentName string

	// Tools executing in this transition, for NodeTools and NodeInterrupt.
	Tools []string

	// Locale overrides the request locale when set.
	Locale   string
	Progress int
	// Final marks an agent transition that produced the answer.
	Final bool
}

// Builder renders ExecutionSteps. It is safe for concurrent use.
type Builder struct {
	catalog   Catalog
	fallback  language.Tag
	tags      []language.Tag
	matcher   language.Matcher
	expertise map[language.Tag]map[string]string
	toolNames map[language.Tag]map[string]string
	seq       atomic.Uint64
	now       func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithCatalog replaces DefaultCatalog.
func WithCatalog(c Catalog) Option { return func(b *Builder) { b.catalog = c } }

// WithExpertise replaces DefaultExpertise.
func WithExpertise(e map[language.Tag]map[string]string) Option {
	return func(b *Builder) { b.expertise = e }
}

// WithClock sets the time source used for timestamps and ids.
func WithClock(now func() time.Time) Option { return func(b *Builder) { b.now = now } }

// NewBuilder creates a builder whose fallback locale is defaultLocale, or
// English when it does not parse.
func NewBuilder(defaultLocale string, opts ...Option) *Builder {
	fallback, err := language.Parse(defaultLocale)
	if err != nil {
		fallback = language.English
	}
	b := &Builder{
		catalog:   DefaultCatalog(),
		expertise: DefaultExpertise(),
		toolNames: DefaultToolNames(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.fallback = b.base(fallback)
	b.tags = b.catalog.Tags(b.fallback)
	b.matcher = language.NewMatcher(b.tags)
	return b
}

// Build renders the step for cfg. It never fails: an unknown node uses the
// default template and an unknown locale uses the fallback.
func (b *Builder) Build(ctx context.Context, cfg Config) domain.ExecutionStep {
	locale := b.locale(ctx, cfg.Locale)
	agentName := orID(cfg.AgentName, cfg.AgentID)
	vars := Vars{
		Agent:     agentName,
		Expertise: b.expertise[locale][cfg.AgentID],
		Target:    orID(cfg.TargetAgentName, cfg.TargetAgentID),
		ToolCount: len(cfg.Tools),
	}
	if cfg.TargetAgentID != "" {
		vars.TargetExpertise = b.expertise[locale][cfg.TargetAgentID]
	}
	if len(cfg.Tools) > 0 {
		vars.Tool = b.toolName(locale, cfg.Tools[0])
	}

	now := b.now()
	seq := b.seq.Add(1)
	var id string
	if cfg.Node == domain.NodeDelegation {
		id = fmt.Sprintf("%s→%s:delegate:%d-%d", cfg.AgentID, cfg.TargetAgentID, now.UnixMilli(), seq)
	} else {
		id = fmt.Sprintf("%s:%s:%d-%d", cfg.AgentID, cfg.Node, now.UnixMilli(), seq)
	}

	meta := map[string]any{
		domain.MetaCanonical: true,
		"locale":             locale.String(),
	}
	if len(cfg.Tools) > 0 {
		meta["tools"] = append([]string(nil), cfg.Tools...)
	}
	if cfg.TargetAgentID != "" {
		meta["target_agent_id"] = cfg.TargetAgentID
	}

	return domain.ExecutionStep{
		ID:          id,
		ExecutionID: cfg.ExecutionID,
		ThreadID:    cfg.ThreadID,
		Timestamp:   now,
		AgentID:     cfg.AgentID,
		AgentName:   agentName,
		Node:        cfg.Node,
		Action:      ActionFor(cfg.Node, cfg.Final),
		Content:     b.catalog.Lookup(locale, b.fallback, cfg.Node)(vars),
		Progress:    min(max(cfg.Progress, 0), 100),
		Metadata:    meta,
	}
}

// ActionFor maps a node type to the step action.
func ActionFor(node domain.NodeType, final bool) domain.StepAction {
	switch node {
	case domain.NodeRouter:
		return domain.ActionRouting
	case domain.NodeAgent:
		if final {
			return domain.ActionResponding
		}
		return domain.ActionThinking
	case domain.NodeDelegation:
		return domain.ActionDelegating
	case domain.NodeInterrupt:
		return domain.ActionInterrupt
	case domain.NodeEnd:
		return domain.ActionCompleting
	}
	return domain.ActionAnalyzing
}

// locale picks the explicit locale, then the request locale, then the fallback.
func (b *Builder) locale(ctx context.Context, explicit string) language.Tag {
	raw := explicit
	if raw == "" {
		raw = domain.RequestFromContext(ctx).Locale
	}
	if raw == "" {
		return b.fallback
	}
	tags, _, err := language.ParseAcceptLanguage(raw)
	if err != nil || len(tags) == 0 {
		return b.fallback
	}
	_, idx, conf := b.matcher.Match(tags...)
	if conf == language.No {
		return b.fallback
	}
	return b.tags[idx]
}

// base reduces a tag to the catalog entry it belongs to ("es-MX" to "es").
func (b *Builder) base(tag language.Tag) language.Tag {
	if _, ok := b.catalog[tag]; ok {
		return tag
	}
	if base, conf := tag.Base(); conf != language.No {
		if t, err := language.Parse(base.String()); err == nil {
			if _, ok := b.catalog[t]; ok {
				return t
			}
		}
	}
	return language.English
}

func (b *Builder) toolName(locale language.Tag, raw string) string {
	if name, ok := b.toolNames[locale][raw]; ok {
		return name
	}
	if name, ok := b.toolNames[b.fallback][raw]; ok {
		return name
	}
	return raw
}

func orID(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || !unicode.IsUpper(r) {
		return s
	}
	// Keep acronyms like "SMS" intact.
	if next, _ := utf8.DecodeRuneInString(s[n:]); unicode.IsUpper(next) {
		return s
	}
	return strings.ToLower(s[:n]) + s[n:]
}
