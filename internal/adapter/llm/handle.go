package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ankie/internal/domain"
)

var (
	_ domain.LLMProvider          = (*Handle)(nil)
	_ domain.StreamingLLMProvider = (*Handle)(nil)
)

// Handle is a model bound to one provider family. Handles are cached by the
// factory and safe for concurrent use.
type Handle struct {
	// Requested is the name passed to GetModel.
	Requested string
	// Model is the provider-side model id actually called.
	Model string
	// Family is the provider family id.
	Family string
	// Config holds the generation settings with MaxTokens already clamped.
	Config domain.ModelConfig

	provider     domain.LLMProvider
	ceiling      int
	timeout      time.Duration
	cache        *ResponseCache
	factory      *Factory
	requestedCfg domain.ModelConfig

	// rest is the remainder of the fallback chain, built on first failure.
	rest     []string
	nextOnce sync.Once
	next     *Handle
	nextErr  error
}

// Name implements domain.LLMProvider.
func (h *Handle) Name() string { return h.Family + "/" + h.Model }

// prepare applies the handle's model and limits to req.
func (h *Handle) prepare(req domain.ChatRequest) domain.ChatRequest {
	req.Model = h.Model
	if req.Temperature == 0 {
		req.Temperature = h.Config.Temperature
	}
	switch {
	case req.MaxTokens <= 0:
		req.MaxTokens = h.Config.MaxTokens
	case req.MaxTokens > h.ceiling:
		req.MaxTokens = h.ceiling
	}
	return req
}

// Chat implements domain.LLMProvider. Every call is bounded by the handle
// timeout; unrecoverable provider errors move to the next model in the chain.
func (h *Handle) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	prepared := h.prepare(req)
	prepared.Stream = false
	if resp, ok := h.cache.Get(prepared); ok {
		return resp, nil
	}

	resp, err := h.chatWithTimeout(ctx, prepared)
	if err == nil {
		h.cache.Put(prepared, resp)
		return resp, nil
	}
	if !shouldFailover(ctx, err) {
		return nil, err
	}
	next := h.failover(ctx, err)
	if next == nil {
		return nil, err
	}
	return next.Chat(ctx, req)
}

type chatResult struct {
	resp *domain.ChatResponse
	err  error
}

// chatWithTimeout races the provider call against the handle timeout so a
// provider that ignores context cancellation still cannot hang the caller.
func (h *Handle) chatWithTimeout(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	done := make(chan chatResult, 1)
	go func() {
		resp, err := h.provider.Chat(callCtx, req)
		done <- chatResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, h.timeoutError(ctx, callCtx, r.err)
		}
		return r.resp, nil
	case <-callCtx.Done():
		return nil, h.timeoutError(ctx, callCtx, callCtx.Err())
	}
}

// timeoutError reports ErrTimeout when the handle deadline, not the caller,
// ended the call.
func (h *Handle) timeoutError(parent, callCtx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: model %s exceeded %s", domain.ErrTimeout, h.Name(), h.timeout)
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	return err
}

// ChatStream implements domain.StreamingLLMProvider. The timeout covers the
// whole stream; a stream cut off by it ends with a delta carrying ErrTimeout.
func (h *Handle) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := h.provider.(domain.StreamingLLMProvider)
	if !ok {
		return h.chatAsStream(ctx, req)
	}
	prepared := h.prepare(req)
	prepared.Stream = true

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	in, err := sp.ChatStream(callCtx, prepared)
	if err != nil {
		err = h.timeoutError(ctx, callCtx, err)
		cancel()
		if !shouldFailover(ctx, err) {
			return nil, err
		}
		next := h.failover(ctx, err)
		if next == nil {
			return nil, err
		}
		return next.ChatStream(ctx, req)
	}

	out := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case d, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
				if d.Done {
					return
				}
			case <-callCtx.Done():
				if ctx.Err() != nil {
					return
				}
				select {
				case out <- domain.StreamDelta{Done: true, Err: h.timeoutError(ctx, callCtx, callCtx.Err())}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}

// chatAsStream adapts a non-streaming provider to a one-delta stream.
func (h *Handle) chatAsStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	resp, err := h.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan domain.StreamDelta, 1)
	usage := resp.Usage
	ch <- domain.StreamDelta{
		Content:   resp.Message.Content,
		ToolCalls: resp.Message.ToolCalls,
		Usage:     &usage,
		Done:      true,
	}
	close(ch)
	return ch, nil
}
