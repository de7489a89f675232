package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mailpace/internal/storage"
	logx "mailpace/pkg/logx"
)

// Saver persists the full identity list. It is called after every mutation.
type Saver interface {
	Save(ctx context.Context, recs []storage.IdentityRecord) error
}

// Pool holds the identities of a run in a stable priority order.
//
// Senders are handed out "first eligible": the earliest identity with quota
// left wins, there is no rotation. Counters change only through RecordSend
// and the lazy window reset, and each change is followed by a Save of the
// whole list.
type Pool struct {
	mu       sync.Mutex
	ids      []*Identity
	quotaSet []bool

	quota QuotaTracker
	saver Saver
	now   func() time.Time
	log   logx.Logger
}

type Option func(*Pool)

func WithSaver(s Saver) Option               { return func(p *Pool) { p.saver = s } }
func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }
func WithLogger(log logx.Logger) Option      { return func(p *Pool) { p.log = log } }
func WithQuota(q QuotaTracker) Option        { return func(p *Pool) { p.quota = q } }

// NewPool validates ids and builds a pool. A missing probe identity is not
// an error here; the scheduler rejects it before dispatching.
func NewPool(ids []Identity, opts ...Option) (*Pool, error) {
	p := &Pool{now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	if len(ids) == 0 {
		return nil, ErrEmpty
	}

	seen := make(map[string]bool, len(ids))
	probes := 0
	for _, id := range ids {
		key := strings.ToLower(strings.TrimSpace(id.Address))
		if key == "" {
			return nil, fmt.Errorf("identity address is empty")
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate identity %s", id.Address)
		}
		seen[key] = true
		if id.IsProbe() {
			probes++
		}
		cp := id
		p.ids = append(p.ids, &cp)
		p.quotaSet = append(p.quotaSet, id.DailyQuota > 0)
	}
	if probes > 1 {
		return nil, ErrMultipleProbe
	}
	return p, nil
}

// Load reads identity records from st and builds a pool that saves back to
// it. Identities without a last reset timestamp are initialised to now and
// persisted immediately.
func Load(ctx context.Context, st storage.IdentityStore, opts ...Option) (*Pool, error) {
	recs, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	ids := make([]Identity, 0, len(recs))
	needsInit := false
	for _, r := range recs {
		id, ok := fromRecord(r)
		if !ok {
			needsInit = true
		}
		ids = append(ids, id)
	}
	p, err := NewPool(ids, append([]Option{WithSaver(st)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if needsInit {
		p.mu.Lock()
		now := p.now()
		for _, id := range p.ids {
			if id.LastReset.IsZero() {
				p.log.Debug("initializing quota window", logx.String("identity", id.Address))
				id.SentToday = 0
				id.LastReset = now
			}
		}
		err := p.persistLocked(ctx)
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SetQuota swaps the quota policy (config reload).
func (p *Pool) SetQuota(q QuotaTracker) {
	p.mu.Lock()
	p.quota = q
	p.mu.Unlock()
}

// AcquireSender returns the first sender with quota left in its current
// window, resetting expired windows on the way. ok is false when every
// sender is exhausted.
func (p *Pool) AcquireSender(ctx context.Context) (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	reset := false
	var (
		found Identity
		ok    bool
	)
	for _, id := range p.ids {
		if id.IsProbe() {
			continue
		}
		if p.resetLocked(id, now) {
			reset = true
		}
		if p.quota.Remaining(id) > 0 {
			found, ok = *id, true
			break
		}
	}
	if reset {
		if err := p.persistLocked(ctx); err != nil {
			p.log.Warn("persisting quota reset failed", logx.Err(err))
		}
	}
	return found, ok
}

// AcquireProbe returns the probe identity, if one is configured.
func (p *Pool) AcquireProbe() (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.ids {
		if id.IsProbe() {
			return *id, true
		}
	}
	return Identity{}, false
}

// RecordSend counts one attempt against address and persists the pool.
// The in-memory counter is updated even when persisting fails.
func (p *Pool) RecordSend(ctx context.Context, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.findLocked(address)
	if id == nil {
		return fmt.Errorf("%w: %s", ErrUnknown, address)
	}
	if id.IsProbe() {
		return nil
	}
	p.resetLocked(id, p.now())
	if err := p.quota.Increment(id); err != nil {
		return fmt.Errorf("%s: %w", id.Address, err)
	}
	if err := p.persistLocked(ctx); err != nil {
		return fmt.Errorf("persist identities: %w", err)
	}
	return nil
}

// ResetIfWindowElapsed resets address's counter when its window expired.
func (p *Pool) ResetIfWindowElapsed(ctx context.Context, address string, now time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.findLocked(address)
	if id == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknown, address)
	}
	if !p.resetLocked(id, now) {
		return false, nil
	}
	return true, p.persistLocked(ctx)
}

// HasCapacity reports whether address may send now.
func (p *Pool) HasCapacity(ctx context.Context, address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.findLocked(address)
	if id == nil {
		return false
	}
	if p.resetLocked(id, p.now()) {
		if err := p.persistLocked(ctx); err != nil {
			p.log.Warn("persisting quota reset failed", logx.Err(err))
		}
	}
	return p.quota.Remaining(id) > 0
}

// Remaining returns the sends left for address without resetting anything.
func (p *Pool) Remaining(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.findLocked(address)
	if id == nil {
		return 0
	}
	return p.quota.Remaining(id)
}

// Senders returns copies of the sender identities in priority order.
func (p *Pool) Senders() []Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Identity, 0, len(p.ids))
	for _, id := range p.ids {
		if !id.IsProbe() {
			out = append(out, *id)
		}
	}
	return out
}

// Snapshot returns copies of every identity in priority order.
func (p *Pool) Snapshot() []Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Identity, len(p.ids))
	for i, id := range p.ids {
		out[i] = *id
	}
	return out
}

func (p *Pool) resetLocked(id *Identity, now time.Time) bool {
	if id.IsProbe() {
		return false
	}
	prev := id.SentToday
	if !p.quota.ResetIfWindowElapsed(id, now) {
		return false
	}
	p.log.Info("quota window reset", logx.String("identity", id.Address), logx.Int("prev_sent", prev))
	return true
}

func (p *Pool) findLocked(address string) *Identity {
	for _, id := range p.ids {
		if strings.EqualFold(id.Address, strings.TrimSpace(address)) {
			return id
		}
	}
	return nil
}

func (p *Pool) persistLocked(ctx context.Context) error {
	if p.saver == nil {
		return nil
	}
	recs := make([]storage.IdentityRecord, len(p.ids))
	for i, id := range p.ids {
		recs[i] = toRecord(*id, p.quotaSet[i])
	}
	return p.saver.Save(ctx, recs)
}
