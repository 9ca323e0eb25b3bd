package crawler

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DomainManager spaces out page renders per host. A zero interval disables it;
// the renderer's own jitter still applies.
type DomainManager struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter
}

func NewDomainManager(interval time.Duration) *DomainManager {
	return &DomainManager{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a render of targetURL may start.
func (d *DomainManager) Wait(ctx context.Context, targetURL string) error {
	if d == nil || d.interval <= 0 {
		return nil
	}
	u, err := url.Parse(targetURL)
	if err != nil {
		return err
	}
	domain := u.Host

	d.mu.Lock()
	limiter, exists := d.limiters[domain]
	if !exists {
		// One request per interval, burst of 1.
		limiter = rate.NewLimiter(rate.Every(d.interval), 1)
		d.limiters[domain] = limiter
	}
	d.mu.Unlock()

	return limiter.Wait(ctx)
}
