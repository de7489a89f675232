package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pacer spaces dispatches by a random delay drawn uniformly from
// [min, max], optionally behind a shared rate ceiling.
type pacer struct {
	min, max time.Duration
	limiter  *rate.Limiter

	mu  sync.Mutex
	rng *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

func newPacer(min, max time.Duration, limiter *rate.Limiter, seed int64) *pacer {
	return &pacer{
		min:     min,
		max:     max,
		limiter: limiter,
		rng:     rand.New(rand.NewSource(seed)),
		sleep:   sleepCtx,
	}
}

// newLimiter returns nil when perMinute is not positive.
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

func (p *pacer) next() time.Duration {
	if p.max <= p.min {
		return p.min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.min + time.Duration(p.rng.Int63n(int64(p.max-p.min)+1))
}

// Wait blocks for one pacing interval. It returns ctx's error if cancelled.
func (p *pacer) Wait(ctx context.Context) error {
	if d := p.next(); d > 0 {
		if err := p.sleep(ctx, d); err != nil {
			return err
		}
	}
	if p.limiter != nil {
		return p.limiter.Wait(ctx)
	}
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
