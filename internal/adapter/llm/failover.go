package llm

import (
	"context"
	"errors"

	"ankie/internal/domain"
)

// Fallback reasons, used as log fields and metric labels.
const (
	reasonUnknownFamily   = "unknown_family"
	reasonNotConfigured   = "not_configured"
	reasonConstructFailed = "construct_failed"
	reasonCallFailed      = "call_failed"
	reasonCircuitOpen     = "circuit_open"
)

// shouldFailover reports whether a failed call should move to the next model.
// Timeouts are left to the caller's retry policy, and bad requests would fail
// the same way on any model.
func shouldFailover(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrContextOverflow):
		return false
	}
	return true
}

func callFailureReason(err error) string {
	if errors.Is(err, domain.ErrModelUnavailable) {
		return reasonCircuitOpen
	}
	return reasonCallFailed
}

// failover returns the next handle in the chain, building it on first use.
// It returns nil when the chain is exhausted.
func (h *Handle) failover(ctx context.Context, cause error) *Handle {
	h.nextOnce.Do(func() {
		if len(h.rest) == 0 {
			return
		}
		h.next, h.nextErr = h.factory.build(h.rest, h.Requested, h.requestedCfg)
	})
	to := ""
	if h.next != nil {
		to = h.next.Name()
	}
	h.factory.recordFallback(ctx, domain.ModelFallbackPayload{
		Requested: h.Requested,
		From:      h.Name(),
		To:        to,
		Reason:    callFailureReason(cause),
		Error:     cause.Error(),
	})
	return h.next
}
