package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"mailpace/internal/eventbus"
	"mailpace/internal/identity"
	"mailpace/internal/monitor"
	"mailpace/internal/transport"
	"mailpace/pkg/logx"
)

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Pool    Pool
	Ledger  Ledger
	Sender  transport.Sender
	Checker Checker
	Bus     eventbus.Bus
	Log     logx.Logger
	Now     func() time.Time
}

// Scheduler walks a recipient list and dispatches each recipient at most
// once across all runs, rotating identities under quota and halting when a
// deliverability check finds mail being filtered.
type Scheduler struct {
	deps    Deps
	policy  atomic.Pointer[Policy]
	state   atomic.Int32
	running atomic.Bool

	mu   sync.Mutex
	last Report

	sleep func(ctx context.Context, d time.Duration) error
}

func New(d Deps, p Policy) (*Scheduler, error) {
	if d.Pool == nil || d.Ledger == nil || d.Sender == nil || d.Checker == nil {
		return nil, fmt.Errorf("%w: pool, ledger, sender and checker are required", ErrConfig)
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Scheduler{deps: d, sleep: sleepCtx}
	s.Apply(p)
	return s, nil
}

// Apply replaces the policy. It takes effect at the next run.
func (s *Scheduler) Apply(p Policy) {
	np := p.normalized()
	s.policy.Store(&np)
}

func (s *Scheduler) Policy() Policy { return *s.policy.Load() }

func (s *Scheduler) State() State { return State(s.state.Load()) }

// LastReport returns the report of the most recent finished run.
func (s *Scheduler) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.last.RunID != ""
}

func (s *Scheduler) setState(st State) { s.state.Store(int32(st)) }

// run carries per-run state shared by the dispatch loop and its workers.
type run struct {
	s       *Scheduler
	pol     Policy
	probe   identity.Identity
	circuit *circuit
	limiter *rate.Limiter
	log     logx.Logger

	// persist outlives cancellation so counters and ledger entries of the
	// in-flight dispatch are always written.
	persist context.Context

	successes atomic.Int64

	mu  sync.Mutex
	rep Report
}

// Run dispatches recipients until the list is done, capacity runs out, the
// circuit trips or ctx is cancelled. The error is non-nil only for
// ConfigError and Failed runs; the report is always filled in.
func (s *Scheduler) Run(ctx context.Context, recipients []Recipient) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrBusy
	}
	defer s.running.Store(false)

	pol := s.Policy()
	r := &run{
		s:       s,
		pol:     pol,
		circuit: &circuit{},
		limiter: newLimiter(pol.MaxPerMinute),
		persist: context.WithoutCancel(ctx),
		rep: Report{
			RunID:     uuid.NewString(),
			Mode:      pol.Mode,
			Total:     len(recipients),
			StartedAt: s.deps.Now(),
		},
	}
	r.log = s.deps.Log.With(logx.String("run", r.rep.RunID))
	s.setState(StateIdle)

	probe, ok := s.deps.Pool.AcquireProbe()
	if !ok {
		r.log.Error("no probe identity configured")
		return s.finish(r, StateConfigError, fmt.Errorf("%w: no probe identity", ErrConfig))
	}
	r.probe = probe

	queue := Unique(recipients)
	r.rep.Unique = len(queue)
	fresh := 0
	for _, rec := range queue {
		if !s.deps.Ledger.Contains(rec.Normalized) {
			fresh++
		}
	}
	if fresh == 0 {
		r.log.Info("no new recipients", logx.Int("unique", len(queue)))
	}
	s.setState(StateRunning)
	r.log.Info("dispatch run started",
		logx.String("mode", string(pol.Mode)),
		logx.Int("recipients", len(queue)),
		logx.Int("probe_interval", pol.ProbeInterval),
	)

	var (
		st  State
		err error
	)
	switch pol.Mode {
	case ModePerIdentity:
		st, err = r.perIdentity(ctx, queue)
	case ModeSequential:
		st, err = r.sequential(ctx, queue)
	default:
		return s.finish(r, StateConfigError, fmt.Errorf("%w: unknown mode %q", ErrConfig, pol.Mode))
	}
	return s.finish(r, st, err)
}

func (s *Scheduler) finish(r *run, st State, err error) (Report, error) {
	r.mu.Lock()
	r.rep.State = st
	r.rep.FinishedAt = s.deps.Now()
	if err != nil {
		r.rep.Error = err.Error()
	}
	rep := r.rep
	r.mu.Unlock()

	s.setState(st)
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()

	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeFinished, Time: rep.FinishedAt, Data: rep})
	fields := []logx.Field{
		logx.String("state", st.String()),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Int("probes", rep.Probes),
		logx.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	}
	if err != nil {
		r.log.Error("dispatch run ended", append(fields, logx.Err(err))...)
	} else {
		r.log.Info("dispatch run ended", fields...)
	}
	return rep, err
}

func (r *run) sequential(ctx context.Context, queue []Recipient) (State, error) {
	p := newPacer(r.pol.PacingMin, r.pol.PacingMax, r.limiter, time.Now().UnixNano())
	p.sleep = r.s.sleep

	for i, rec := range queue {
		if ctx.Err() != nil {
			return StateCancelled, nil
		}
		if r.s.deps.Ledger.Contains(rec.Normalized) {
			r.skip(rec)
			continue
		}
		id, ok := r.s.deps.Pool.AcquireSender(ctx)
		if !ok {
			r.log.Warn("all sender identities exhausted", logx.Int("remaining_recipients", len(queue)-i))
			return StateExhausted, nil
		}
		if r.attempted() > 0 {
			if err := p.Wait(ctx); err != nil {
				return StateCancelled, nil
			}
		}
		if r.pol.DedupOn == DedupAttempted {
			// A shared store may have taken the address from another
			// process after our ledger was loaded.
			claimed, err := r.s.deps.Ledger.Claim(r.persist, rec.Normalized)
			if err != nil {
				return StateFailed, fmt.Errorf("ledger claim %s: %w", rec.Normalized, err)
			}
			if !claimed {
				r.skip(rec)
				continue
			}
		}
		sent, err := r.dispatch(ctx, rec, id)
		if err != nil {
			return StateFailed, err
		}
		if sent && r.checkDue() {
			if r.check(ctx, id) {
				return StateTripped, nil
			}
		}
	}
	return StateCompleted, nil
}

// dispatch sends to one recipient with the given identity and accounts for
// it. A transport failure is an outcome, not an error: the returned error
// is reserved for ledger failures that must halt the run.
func (r *run) dispatch(ctx context.Context, rec Recipient, id identity.Identity) (bool, error) {
	d := r.s.deps
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.pol.SendTimeout)
	sendErr := d.Sender.Send(sctx, id.Account(), rec.Address, r.pol.Message)
	cancel()

	if err := d.Pool.RecordSend(r.persist, id.Address); err != nil && !errors.Is(err, identity.ErrQuotaExceeded) {
		r.log.Warn("persist quota counter failed", logx.String("identity", id.Address), logx.Err(err))
	}

	out := Outcome{
		RunID:     r.rep.RunID,
		Recipient: rec.Address,
		Identity:  id.Address,
		At:        d.Now(),
		Status:    StatusSent,
		Remaining: d.Pool.Remaining(id.Address),
	}
	if sendErr != nil {
		out.Status = StatusFailed
		out.Error = sendErr.Error()
	}

	r.mu.Lock()
	r.rep.Attempted++
	if sendErr == nil {
		r.rep.Sent++
	} else {
		r.rep.Failed++
	}
	r.mu.Unlock()

	d.Bus.Publish(eventbus.Event{Type: eventbus.TypeOutcome, Time: out.At, Data: out})
	if sendErr != nil {
		r.log.Warn("dispatch failed",
			logx.Addr("to", rec.Address),
			logx.String("from", id.Address),
			logx.Bool("timeout", transport.IsTimeout(sendErr)),
			logx.Err(sendErr),
		)
		return false, nil
	}
	r.log.Info("dispatched",
		logx.Addr("to", rec.Address),
		logx.String("from", id.Address),
		logx.Int("remaining", out.Remaining),
	)

	if r.pol.DedupOn == DedupConfirmed {
		if err := d.Ledger.Record(r.persist, rec.Normalized); err != nil {
			return true, fmt.Errorf("ledger record %s: %w", rec.Normalized, err)
		}
	}
	return true, nil
}

// checkDue counts a success and reports whether it is a K-th one.
func (r *run) checkDue() bool {
	n := r.successes.Add(1)
	return r.pol.ProbeInterval > 0 && n%int64(r.pol.ProbeInterval) == 0
}

// check runs a deliverability check and reports whether the circuit is
// tripped afterwards.
func (r *run) check(ctx context.Context, sender identity.Identity) bool {
	return r.circuit.Guard(r.s.deps.Now, "filtered", func() bool {
		st := r.s.deps.Checker.Check(ctx, sender, r.probe)
		now := r.s.deps.Now()
		r.mu.Lock()
		r.rep.Probes++
		r.mu.Unlock()
		r.s.deps.Bus.Publish(eventbus.Event{
			Type: eventbus.TypeProbe,
			Time: now,
			Data: ProbeResult{RunID: r.rep.RunID, Sender: sender.Address, State: st, At: now},
		})
		r.log.Info("deliverability check", logx.String("sender", sender.Address), logx.String("result", st.String()))
		if st == monitor.Filtered {
			r.log.Error("probe landed in the filtered folder, halting dispatch", logx.String("sender", sender.Address))
			return true
		}
		return false
	})
}

func (r *run) skip(rec Recipient) {
	r.mu.Lock()
	r.rep.Skipped++
	r.mu.Unlock()
	r.log.Debug("already dispatched, skipping", logx.Addr("to", rec.Address))
}

func (r *run) attempted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rep.Attempted
}
