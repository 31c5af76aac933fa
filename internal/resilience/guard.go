package resilience

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Guard bundles the rate limiter, circuit breaker and retry policy applied to
// one upstream service.
type Guard struct {
	Service string
	Limiter *rate.Limiter
	Breaker *CircuitBreaker
	Retry   RetryConfig
}

// NewGuard creates a Guard allowing rps requests per second. A non-positive
// rps disables rate limiting.
func NewGuard(service string, rps float64, retry RetryConfig, breaker *CircuitBreaker) *Guard {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if breaker == nil {
		cfg := DefaultCircuitBreakerConfig()
		cfg.OnStateChange = func(from, to CircuitState) {
			zap.L().Warn("resilience: circuit state changed",
				zap.String("service", service),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
		breaker = NewCircuitBreaker(cfg)
	}
	return &Guard{
		Service: service,
		Limiter: rate.NewLimiter(limit, 1),
		Breaker: breaker,
		Retry:   retry,
	}
}

// Call runs fn under g. Each attempt waits on the limiter and passes through
// the breaker; transient failures are retried.
func Call[T any](ctx context.Context, g *Guard, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := g.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = RetryLogger(g.Service, operation)
	}
	return call(ctx, g, cfg, fn)
}

// CallOnce runs fn under g's limiter and breaker without retrying. Use it for
// non-idempotent requests where a lost reply may still have taken effect.
func CallOnce[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	return call(ctx, g, RetryConfig{MaxAttempts: 1}, fn)
}

func call[T any](ctx context.Context, g *Guard, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return DoVal(ctx, cfg, func(ctx context.Context) (T, error) {
		if err := g.Limiter.Wait(ctx); err != nil {
			var zero T
			return zero, eris.Wrapf(err, "%s: rate limit wait", g.Service)
		}
		return ExecuteVal(ctx, g.Breaker, fn)
	})
}
