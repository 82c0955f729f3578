package loader

import (
	"sync"

	"golang.org/x/time/rate"
)

// callLimiters hands out one token-bucket limiter per plugin for
// invocation rate limiting. A requestsPerMin of 0 disables limiting
// and limiter returns nil.
type callLimiters struct {
	perMin int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newCallLimiters(requestsPerMin int) *callLimiters {
	return &callLimiters{
		perMin:   requestsPerMin,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter returns the shared limiter for a plugin, creating it on
// first use. Proxies for the same plugin share one bucket so that
// replacing a proxy during reconcile does not reset the budget.
func (c *callLimiters) limiter(plugin string) *rate.Limiter {
	if c.perMin <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[plugin]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(c.perMin)/60.0), c.perMin)
		c.limiters[plugin] = l
	}
	return l
}
