package capability

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// limited wraps an adapter with a token bucket.
type limited struct {
	id      string
	adapter Adapter
	limiter *rate.Limiter
}

// Limit wraps adapter so that at most rps calls per second (with the given
// burst) reach the upstream service. Callers wait for a token until their
// context expires. A non-positive rps returns adapter unchanged.
func Limit(id string, adapter Adapter, rps float64, burst int) Adapter {
	if rps <= 0 {
		return adapter
	}
	if burst < 1 {
		burst = 1
	}
	return &limited{
		id:      id,
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (l *limited) Invoke(ctx context.Context, params Params) (string, error) {
	// Wait fails early, with ctx still live, when the next token would
	// arrive after the deadline.
	if err := l.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", NewError(ErrRateLimited, l.id, "rate limit wait aborted", err)
		}
		return "", NewError(ErrTimeout, l.id, "deadline reached waiting for rate limit", err)
	}
	return l.adapter.Invoke(ctx, params)
}

// Sufficient delegates to the wrapped adapter.
func (l *limited) Sufficient(output string) bool {
	return Sufficient(l.adapter, output)
}
