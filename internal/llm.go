package internal

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Oracle is the remote multimodal model used for scan analysis and chat.
type Oracle interface {
	Analyze(ctx context.Context, image []byte, mediaType, prompt string) (string, error)
	Complete(ctx context.Context, prompt string) (string, error)
}

var _ Oracle = (*RateLimitedOracle)(nil)

// RateLimitedOracle caps calls to the wrapped oracle at a per-minute budget.
type RateLimitedOracle struct {
	next    Oracle
	limiter *rate.Limiter
}

func NewRateLimitedOracle(next Oracle, requestsPerMinute int) *RateLimitedOracle {
	limit := rate.Inf
	burst := 1
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
		burst = requestsPerMinute
	}
	return &RateLimitedOracle{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (o *RateLimitedOracle) Analyze(ctx context.Context, image []byte, mediaType, prompt string) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("oracle rate limit: %w", err)
	}
	return o.next.Analyze(ctx, image, mediaType, prompt)
}

func (o *RateLimitedOracle) Complete(ctx context.Context, prompt string) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("oracle rate limit: %w", err)
	}
	return o.next.Complete(ctx, prompt)
}
