package network

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// DomainLimiter hands out one token bucket per host so a slow site
// does not throttle requests to the others.
type DomainLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewDomainLimiter creates a limiter allowing rps requests per second per host.
// A non-positive rps disables limiting.
func NewDomainLimiter(rps float64, burst int) *DomainLimiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &DomainLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      limit,
		burst:    burst,
	}
}

// Wait blocks until a request to targetURL is allowed or ctx is done.
func (d *DomainLimiter) Wait(ctx context.Context, targetURL string) error {
	return d.limiterFor(hostOf(targetURL)).Wait(ctx)
}

func (d *DomainLimiter) limiterFor(host string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.limiters[host]
	if !ok {
		l = rate.NewLimiter(d.rps, d.burst)
		d.limiters[host] = l
	}
	return l
}

func hostOf(targetURL string) string {
	u, err := url.Parse(targetURL)
	if err != nil {
		return targetURL
	}
	return u.Hostname()
}
