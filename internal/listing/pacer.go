package listing

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// pacer spaces page loads by at least min plus a random jitter up to max.
type pacer struct {
	limiter *rate.Limiter
	jitter  time.Duration
}

func newPacer(minDelay, maxDelay time.Duration) *pacer {
	l := rate.NewLimiter(rate.Every(minDelay), 1)
	l.Allow() // the first page is not paced
	return &pacer{limiter: l, jitter: maxDelay - minDelay}
}

// Wait blocks until the next page may load.
func (p *pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if p.jitter <= 0 {
		return nil
	}
	t := time.NewTimer(rand.N(p.jitter))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
