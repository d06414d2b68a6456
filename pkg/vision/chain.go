package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Chain consults providers in configured order and returns the first usable
// answer. Providers that fail their health gate or error out are skipped;
// the caller decides what "usable" means through the accept callback.
type Chain struct {
	providers []Provider
}

// NewChain builds a fallback chain. Order matters: earlier providers are
// preferred.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Providers returns the chain members in consultation order.
func (c *Chain) Providers() []Provider {
	return c.providers
}

// Empty reports whether the chain has no providers configured.
func (c *Chain) Empty() bool {
	return len(c.providers) == 0
}

// Analyze walks the chain. When accept is non-nil, a provider's response is
// only taken if accept returns true; otherwise the next provider is tried.
// Returns the winning response, or the last rejected response together with
// ErrNoUsableResponse when every provider answered but none was accepted.
func (c *Chain) Analyze(ctx context.Context, req AnalysisRequest, accept func(*AnalysisResponse) bool) (*AnalysisResponse, error) {
	if len(c.providers) == 0 {
		return nil, errors.New("vision: no fallback providers configured")
	}

	var (
		errs         []string
		lastRejected *AnalysisResponse
	)
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.Healthy(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", p.Name(), err))
			continue
		}
		resp, err := p.Analyze(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", p.Name(), err))
			continue
		}
		if accept == nil || accept(resp) {
			return resp, nil
		}
		lastRejected = resp
	}

	if lastRejected != nil {
		return lastRejected, ErrNoUsableResponse
	}
	return nil, fmt.Errorf("vision: all providers failed: %s", strings.Join(errs, "; "))
}

// ErrNoUsableResponse indicates every provider answered but no response
// passed the caller's accept gate.
var ErrNoUsableResponse = errors.New("vision: no provider returned a usable response")
