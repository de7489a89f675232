package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mailpace/internal/identity"
	"mailpace/pkg/logx"
)

// perIdentity runs one worker per sender identity over a shared queue.
// Each worker paces itself; the optional rate ceiling and the circuit are
// shared. The ledger claim keeps a recipient with exactly one worker.
func (r *run) perIdentity(ctx context.Context, queue []Recipient) (State, error) {
	work := make(chan Recipient, len(queue))
	for _, rec := range queue {
		if r.s.deps.Ledger.Contains(rec.Normalized) {
			r.skip(rec)
			continue
		}
		work <- rec
	}
	close(work)

	senders := r.s.deps.Pool.Senders()
	var dropped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range senders {
		g.Go(func() error {
			return r.worker(gctx, i, id, work, &dropped)
		})
	}
	err := g.Wait()

	switch {
	case err != nil:
		return StateFailed, err
	case r.circuit.Tripped():
		return StateTripped, nil
	case ctx.Err() != nil:
		return StateCancelled, nil
	case len(work) > 0 || dropped.Load() > 0:
		r.log.Warn("all sender identities exhausted", logx.Int("remaining_recipients", len(work)+int(dropped.Load())))
		return StateExhausted, nil
	}
	return StateCompleted, nil
}

func (r *run) worker(ctx context.Context, n int, id identity.Identity, work <-chan Recipient, dropped *atomic.Int64) error {
	d := r.s.deps
	log := r.log.With(logx.String("identity", id.Address))
	p := newPacer(r.pol.PacingMin, r.pol.PacingMax, r.limiter, time.Now().UnixNano()+int64(n))
	p.sleep = r.s.sleep

	first := true
	for {
		if ctx.Err() != nil || r.circuit.Tripped() {
			return nil
		}
		if !d.Pool.HasCapacity(ctx, id.Address) {
			log.Info("identity quota reached")
			return nil
		}
		rec, ok := <-work
		if !ok {
			return nil
		}
		if !first {
			if err := p.Wait(ctx); err != nil {
				return nil
			}
		}
		if r.circuit.Tripped() {
			return nil
		}
		if !d.Pool.HasCapacity(ctx, id.Address) {
			// another run sharing the pool used the last slot while we waited
			dropped.Add(1)
			return nil
		}

		switch r.pol.DedupOn {
		case DedupConfirmed:
			if d.Ledger.Contains(rec.Normalized) {
				r.skip(rec)
				continue
			}
		default:
			claimed, err := d.Ledger.Claim(r.persist, rec.Normalized)
			if err != nil {
				return fmt.Errorf("ledger claim %s: %w", rec.Normalized, err)
			}
			if !claimed {
				r.skip(rec)
				continue
			}
		}
		first = false

		sent, err := r.dispatch(ctx, rec, id)
		if err != nil {
			return err
		}
		if sent && r.checkDue() {
			if r.check(ctx, id) {
				return nil
			}
		}
	}
}
