package llm

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
)

// Constructor builds the client for one provider family.
type Constructor func(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error)

// Family describes a provider family: how model names map onto it, how many
// output tokens it accepts, and how to construct its client.
type Family struct {
	ID string
	// Prefixes are matched against the lower-cased model name. A name may
	// also select a family explicitly with "<id>/<model>".
	Prefixes            []string
	MaxOutputTokens     int
	DefaultOutputTokens int
	RequiresKey         bool
	New                 Constructor
}

// ClampMaxTokens bounds requested to the family ceiling. A non-positive
// request gets the family default.
func ClampMaxTokens(f Family, requested int) int {
	switch {
	case requested <= 0:
		return f.DefaultOutputTokens
	case requested > f.MaxOutputTokens:
		return f.MaxOutputTokens
	default:
		return requested
	}
}

// BuiltinFamilies returns the families compiled into this binary.
func BuiltinFamilies() []Family {
	return []Family{
		{
			ID:                  "openai",
			Prefixes:            []string{"gpt-4", "gpt-5", "gpt-3.5", "o1", "o3", "o4", "chatgpt-"},
			MaxOutputTokens:     16384,
			DefaultOutputTokens: 4096,
			RequiresKey:         true,
			New:                 openAICompatible("https://api.openai.com/v1", nil),
		},
		{
			ID:                  "anthropic",
			Prefixes:            []string{"claude-3", "claude-sonnet", "claude-opus", "claude-haiku"},
			MaxOutputTokens:     8192,
			DefaultOutputTokens: 4096,
			RequiresKey:         true,
			New:                 newAnthropic,
		},
		{
			ID:                  "xai",
			Prefixes:            []string{"grok-"},
			MaxOutputTokens:     32768,
			DefaultOutputTokens: 4096,
			RequiresKey:         true,
			New:                 openAICompatible("https://api.x.ai/v1", nil),
		},
		{
			ID:                  "google",
			Prefixes:            []string{"gemini-"},
			MaxOutputTokens:     8192,
			DefaultOutputTokens: 4096,
			RequiresKey:         true,
			New:                 newGemini,
		},
		{
			ID:                  "openrouter",
			MaxOutputTokens:     8192,
			DefaultOutputTokens: 4096,
			RequiresKey:         true,
			New: openAICompatible("https://openrouter.ai/api/v1", map[string]string{
				"HTTP-Referer": "https://github.com/ankie",
				"X-Title":      "ankie",
			}),
		},
		{
			ID:                  "ollama",
			MaxOutputTokens:     4096,
			DefaultOutputTokens: 2048,
			New:                 openAICompatible("http://localhost:11434/v1", nil),
		},
		{
			ID:                  "bedrock",
			MaxOutputTokens:     4096,
			DefaultOutputTokens: 2048,
			New:                 newBedrock,
		},
	}
}

type prefixEntry struct {
	prefix string
	family string
}

// Registry maps model names to provider families. It is immutable after
// construction.
type Registry struct {
	families map[string]Family
	prefixes []prefixEntry // longest first
}

// NewRegistry indexes families. Duplicate ids or prefixes are rejected so one
// family can never shadow another.
func NewRegistry(families ...Family) (*Registry, error) {
	r := &Registry{families: make(map[string]Family, len(families))}
	owner := make(map[string]string)
	for _, f := range families {
		if f.ID == "" || f.New == nil {
			return nil, fmt.Errorf("llm: family %q is incomplete", f.ID)
		}
		if f.DefaultOutputTokens <= 0 || f.DefaultOutputTokens > f.MaxOutputTokens {
			return nil, fmt.Errorf("llm: family %q has inconsistent token limits", f.ID)
		}
		if _, dup := r.families[f.ID]; dup {
			return nil, fmt.Errorf("llm: family %q registered twice", f.ID)
		}
		r.families[f.ID] = f
		for _, p := range f.Prefixes {
			p = strings.ToLower(p)
			if prev, dup := owner[p]; dup {
				return nil, fmt.Errorf("llm: prefix %q claimed by %s and %s", p, prev, f.ID)
			}
			owner[p] = f.ID
			r.prefixes = append(r.prefixes, prefixEntry{prefix: p, family: f.ID})
		}
	}
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
	})
	return r, nil
}

// DefaultRegistry returns a registry of BuiltinFamilies.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(BuiltinFamilies()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Family returns the family with the given id.
func (r *Registry) Family(id string) (Family, bool) {
	f, ok := r.families[id]
	return f, ok
}

// Resolve maps a model name to its family and the model id sent to the
// provider. "openrouter/anthropic/claude-3.5" resolves to openrouter with
// model "anthropic/claude-3.5".
func (r *Registry) Resolve(name string) (Family, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Family{}, "", fmt.Errorf("%w: empty model name", domain.ErrUnknownModelFamily)
	}
	if id, model, ok := strings.Cut(name, "/"); ok {
		if f, known := r.families[strings.ToLower(id)]; known && model != "" {
			return f, model, nil
		}
	}
	lower := strings.ToLower(name)
	for _, e := range r.prefixes {
		if strings.HasPrefix(lower, e.prefix) {
			return r.families[e.family], name, nil
		}
	}
	return Family{}, "", fmt.Errorf("%w: %q", domain.ErrUnknownModelFamily, name)
}
