package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
	"ankie/internal/infra/metrics"
)

var _ domain.ModelSource = (*Factory)(nil)

const defaultCallTimeout = 60 * time.Second

// Factory resolves logical model names to handles. A name expands to a chain:
// the name itself, its configured fallbacks (followed transitively), then the
// default model. The first candidate that can be constructed wins; the rest
// of the chain backs the handle at call time.
type Factory struct {
	cfg      config.LLMConfig
	registry *Registry
	cache    *ResponseCache
	metrics  *metrics.Metrics
	bus      domain.EventBus
	logger   *slog.Logger

	mu        sync.Mutex
	providers map[string]domain.LLMProvider
	handles   map[handleKey]*Handle
}

type handleKey struct {
	name string
	cfg  domain.ModelConfig
}

// NewFactory creates a factory. cache, m and bus may be nil.
func NewFactory(cfg config.LLMConfig, registry *Registry, cache *ResponseCache, m *metrics.Metrics, bus domain.EventBus, logger *slog.Logger) *Factory {
	return &Factory{
		cfg:       cfg,
		registry:  registry,
		cache:     cache,
		metrics:   m,
		bus:       bus,
		logger:    logger,
		providers: make(map[string]domain.LLMProvider),
		handles:   make(map[handleKey]*Handle),
	}
}

// Model implements domain.ModelSource.
func (f *Factory) Model(name string, cfg domain.ModelConfig) (domain.LLMProvider, error) {
	return f.GetModel(name, cfg)
}

// GetModel returns the cached handle for (name, cfg), building it on first use.
func (f *Factory) GetModel(name string, cfg domain.ModelConfig) (*Handle, error) {
	key := handleKey{name: strings.TrimSpace(name), cfg: cfg}

	f.mu.Lock()
	h, ok := f.handles[key]
	f.mu.Unlock()
	if ok {
		return h, nil
	}

	h, err := f.build(f.chain(key.name), key.name, cfg)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.handles[key]; ok {
		return existing, nil
	}
	f.handles[key] = h
	return h, nil
}

// InvalidateResponses clears the shared response cache.
func (f *Factory) InvalidateResponses() {
	f.cache.Clear()
}

func (f *Factory) alias(name string) string {
	if target, ok := f.cfg.Aliases[name]; ok {
		return target
	}
	return name
}

// chain expands name into its ordered candidate list without repeats.
func (f *Factory) chain(name string) []string {
	seen := make(map[string]bool)
	var out []string
	for cur := name; cur != ""; {
		resolved := f.alias(cur)
		if seen[resolved] {
			break
		}
		seen[resolved] = true
		out = append(out, resolved)

		next, ok := f.cfg.Fallbacks[cur]
		if !ok {
			next = f.cfg.Fallbacks[resolved]
		}
		cur = next
	}
	if def := f.alias(f.cfg.DefaultModel); def != "" && !seen[def] {
		out = append(out, def)
	}
	return out
}

// build walks candidates and returns a handle for the first that constructs.
func (f *Factory) build(candidates []string, requested string, cfg domain.ModelConfig) (*Handle, error) {
	var errs []error
	for i, cand := range candidates {
		h, reason, err := f.newHandle(cand, requested, cfg)
		if err == nil {
			h.rest = candidates[i+1:]
			if i > 0 {
				f.logger.Info("model resolved via fallback", "requested", requested, "model", h.Name())
			}
			return h, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", cand, err))

		next := ""
		if i+1 < len(candidates) {
			next = candidates[i+1]
		}
		f.logger.Warn("model unavailable, falling back",
			"requested", requested,
			"model", cand,
			"next", next,
			"reason", reason,
			"error", err,
		)
		f.recordFallback(context.Background(), domain.ModelFallbackPayload{
			Requested: requested,
			From:      cand,
			To:        next,
			Reason:    reason,
			Error:     err.Error(),
		})
	}
	return nil, &domain.DomainError{
		Op:        "Factory.GetModel",
		Err:       domain.ErrModelUnavailable,
		Detail:    fmt.Sprintf("%q: %v", requested, errors.Join(errs...)),
		SubSystem: "llm",
	}
}

func (f *Factory) newHandle(name, requested string, cfg domain.ModelConfig) (*Handle, string, error) {
	fam, model, err := f.registry.Resolve(name)
	if err != nil {
		return nil, reasonUnknownFamily, err
	}
	provider, err := f.provider(fam)
	if err != nil {
		if errors.Is(err, domain.ErrProviderNotConfigured) {
			return nil, reasonNotConfigured, err
		}
		return nil, reasonConstructFailed, err
	}

	limits := fam
	if pc, ok := f.cfg.Provider(fam.ID); ok && pc.MaxOutputTokens > 0 && pc.MaxOutputTokens < limits.MaxOutputTokens {
		limits.MaxOutputTokens = pc.MaxOutputTokens
		limits.DefaultOutputTokens = min(limits.DefaultOutputTokens, pc.MaxOutputTokens)
	}
	clamped := cfg
	clamped.MaxTokens = ClampMaxTokens(limits, cfg.MaxTokens)

	return &Handle{
		Requested:    requested,
		Model:        model,
		Family:       fam.ID,
		Config:       clamped,
		provider:     provider,
		ceiling:      limits.MaxOutputTokens,
		timeout:      orDefault(f.cfg.CallTimeout, defaultCallTimeout),
		cache:        f.cache,
		factory:      f,
		requestedCfg: cfg,
	}, "", nil
}

// provider returns the shared client for a family, constructing it once.
func (f *Factory) provider(fam Family) (domain.LLMProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.providers[fam.ID]; ok {
		return p, nil
	}

	pc, ok := f.cfg.Provider(fam.ID)
	if !ok && fam.RequiresKey {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotConfigured, fam.ID)
	}
	pc.Name = fam.ID
	if fam.RequiresKey && pc.APIKey == "" {
		return nil, fmt.Errorf("%w: %s has no api key", domain.ErrProviderNotConfigured, fam.ID)
	}
	p, err := fam.New(pc, f.logger)
	if err != nil {
		return nil, err
	}
	if f.cfg.CircuitBreaker.Enabled {
		p = NewCircuitBreakerProvider(p, f.cfg.CircuitBreaker, f.logger)
	}
	f.providers[fam.ID] = p
	return p, nil
}

func (f *Factory) recordFallback(ctx context.Context, p domain.ModelFallbackPayload) {
	f.metrics.ModelFallback(p.Reason)
	if f.bus != nil {
		rc := domain.RequestFromContext(ctx)
		f.bus.Publish(ctx, domain.NewEvent(domain.EventModelFallback, rc.ThreadID, "", p))
	}
}
