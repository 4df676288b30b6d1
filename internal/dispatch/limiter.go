package dispatch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// outboundLimiter throttles calls leaving the dispatcher so a fan-out
// burst cannot hammer upstream providers. Two tiers: a global cap on all
// outbound traffic, and a per-provider cap.
type outboundLimiter struct {
	global        *rate.Limiter
	perProvider   sync.Map // map[string]*rate.Limiter
	providerRate  rate.Limit
	providerBurst int
}

func newOutboundLimiter(globalPerSecond, perProviderPerSecond float64) *outboundLimiter {
	return &outboundLimiter{
		global:        rate.NewLimiter(rate.Limit(globalPerSecond), int(globalPerSecond*2)),
		providerRate:  rate.Limit(perProviderPerSecond),
		providerBurst: int(perProviderPerSecond * 2),
	}
}

// wait blocks until both tiers admit one call for the provider
func (l *outboundLimiter) wait(ctx context.Context, provider string) error {
	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	return l.limiterFor(provider).Wait(ctx)
}

func (l *outboundLimiter) limiterFor(provider string) *rate.Limiter {
	if limiter, ok := l.perProvider.Load(provider); ok {
		return limiter.(*rate.Limiter)
	}

	newLimiter := rate.NewLimiter(l.providerRate, l.providerBurst)
	actual, _ := l.perProvider.LoadOrStore(provider, newLimiter)
	return actual.(*rate.Limiter)
}
