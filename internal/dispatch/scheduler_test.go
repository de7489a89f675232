package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpace/internal/eventbus"
	"mailpace/internal/identity"
	"mailpace/internal/ledger"
	"mailpace/internal/monitor"
	"mailpace/internal/storage"
	"mailpace/internal/transport"
	"mailpace/pkg/logx"
)

type memLedgerStore struct {
	mu      sync.Mutex
	entries []string
	fail    error
}

func (m *memLedgerStore) Load(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.entries...), nil
}

func (m *memLedgerStore) Add(_ context.Context, a string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.entries = append(m.entries, a)
	return nil
}

type sentMail struct {
	from, to string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
	// failFor makes sends to these recipients fail.
	failFor map[string]bool
	onSend  func(to string)
}

func (f *fakeSender) Send(_ context.Context, from transport.Account, to string, _ transport.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMail{from: from.Address, to: to})
	fail := f.failFor[to]
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(to)
	}
	if fail {
		return &transport.Error{Op: transport.OpSend, Addr: to, Err: errors.New("550 rejected")}
	}
	return nil
}

func (f *fakeSender) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.to)
	}
	return out
}

type stubChecker struct {
	mu     sync.Mutex
	result monitor.FilterState
	calls  int
}

func (c *stubChecker) Check(context.Context, identity.Identity, identity.Identity) monitor.FilterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.result
}

type fixture struct {
	pool    *identity.Pool
	ledger  *ledger.Ledger
	store   *memLedgerStore
	sender  *fakeSender
	checker *stubChecker
	sched   *Scheduler
}

func newFixture(t *testing.T, ids []identity.Identity, pol Policy) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range ids {
		if ids[i].LastReset.IsZero() {
			ids[i].LastReset = now
		}
	}
	pool, err := identity.NewPool(ids, identity.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	store := &memLedgerStore{}
	l, err := ledger.Open(context.Background(), store, logx.Nop())
	require.NoError(t, err)

	f := &fixture{
		pool:    pool,
		ledger:  l,
		store:   store,
		sender:  &fakeSender{failFor: map[string]bool{}},
		checker: &stubChecker{result: monitor.Clear},
	}
	f.sched, err = New(Deps{Pool: pool, Ledger: l, Sender: f.sender, Checker: f.checker}, pol)
	require.NoError(t, err)
	return f
}

func senders(quota int, n int) []identity.Identity {
	out := make([]identity.Identity, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, identity.Identity{Address: "sender" + string(rune('a'+i)) + "@example.com", DailyQuota: quota})
	}
	return append(out, identity.Identity{Address: "probe@example.com", Role: identity.RoleProbe})
}

func recipients(addrs ...string) []Recipient {
	out := make([]Recipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, NewRecipient(a, nil))
	}
	return out
}

func TestRunCompletesAndRecordsEveryRecipient(t *testing.T) {
	f := newFixture(t, senders(10, 1), Policy{})

	rep, err := f.sched.Run(context.Background(), recipients("a@x.com", "b@x.com", "c@x.com"))
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, 3, rep.Sent)
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, f.sender.recipients())
	assert.Equal(t, 3, f.pool.Senders()[0].SentToday)
	assert.True(t, f.ledger.Contains("B@X.COM"))
	assert.Equal(t, StateCompleted, f.sched.State())

	last, ok := f.sched.LastReport()
	require.True(t, ok)
	assert.Equal(t, rep.RunID, last.RunID)
}

func TestRunStopsWhenQuotaExhausted(t *testing.T) {
	f := newFixture(t, senders(2, 1), Policy{})

	rep, err := f.sched.Run(context.Background(), recipients("a@x.com", "b@x.com", "c@x.com"))
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, rep.State)
	assert.Equal(t, 2, rep.Attempted)
	assert.Len(t, f.sender.recipients(), 2)
	assert.False(t, f.ledger.Contains("c@x.com"))
}

func TestRunRotatesToNextIdentity(t *testing.T) {
	f := newFixture(t, senders(1, 2), Policy{})

	rep, err := f.sched.Run(context.Background(), recipients("a@x.com", "b@x.com"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)

	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	require.Len(t, f.sender.sent, 2)
	assert.Equal(t, "sendera@example.com", f.sender.sent[0].from)
	assert.Equal(t, "senderb@example.com", f.sender.sent[1].from)
}

func TestRunTripsOnFilteredProbe(t *testing.T) {
	f := newFixture(t, senders(100, 1), Policy{ProbeInterval: 3})
	f.checker.result = monitor.Filtered

	rep, err := f.sched.Run(context.Background(), recipients("1@x.com", "2@x.com", "3@x.com", "4@x.com", "5@x.com"))
	require.NoError(t, err)

	assert.Equal(t, StateTripped, rep.State)
	assert.Len(t, f.sender.recipients(), 3)
	assert.Equal(t, 1, f.checker.calls)
	assert.Equal(t, 1, rep.Probes)
}

func TestProbeCadenceCountsSuccessesOnly(t *testing.T) {
	f := newFixture(t, senders(100, 1), Policy{ProbeInterval: 2})
	f.sender.failFor["2@x.com"] = true

	rep, err := f.sched.Run(context.Background(), recipients("1@x.com", "2@x.com", "3@x.com", "4@x.com", "5@x.com"))
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, 4, rep.Sent)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 2, f.checker.calls)
}

func TestUnknownProbeResultKeepsGoing(t *testing.T) {
	f := newFixture(t, senders(100, 1), Policy{ProbeInterval: 1})
	f.checker.result = monitor.Unknown

	rep, err := f.sched.Run(context.Background(), recipients("1@x.com", "2@x.com"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, 2, f.checker.calls)
}

func TestNegativeProbeIntervalDisablesChecks(t *testing.T) {
	f := newFixture(t, senders(100, 1), Policy{ProbeInterval: -1})
	f.checker.result = monitor.Filtered

	rep, err := f.sched.Run(context.Background(), recipients("1@x.com", "2@x.com"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.Zero(t, f.checker.calls)
}

func TestDuplicatesAreCaseInsensitive(t *testing.T) {
	f := newFixture(t, senders(10, 1), Policy{})

	rep, err := f.sched.Run(context.Background(), recipients("A@x.com", "a@X.com", " a@x.com "))
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 1, rep.Unique)
	assert.Equal(t, []string{"A@x.com"}, f.sender.recipients())
}

func TestSecondRunNeverRedispatches(t *testing.T) {
	f := newFixture(t, senders(10, 1), Policy{})
	list := recipients("a@x.com", "b@x.com")

	_, err := f.sched.Run(context.Background(), list)
	require.NoError(t, err)
	rep, err := f.sched.Run(context.Background(), append(list, NewRecipient("c@x.com", nil)))
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Skipped)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, f.sender.recipients())
}

func TestLedgerSurvivesReopen(t *testing.T) {
	f := newFixture(t, senders(10, 1), Policy{})
	_, err := f.sched.Run(context.Background(), recipients("a@x.com"))
	require.NoError(t, err)

	reopened, err := ledger.Open(context.Background(), f.store, logx.Nop())
	require.NoError(t, err)
	sender := &fakeSender{}
	s, err := New(Deps{Pool: f.pool, Ledger: reopened, Sender: sender, Checker: f.checker}, Policy{})
	require.NoError(t, err)

	rep, err := s.Run(context.Background(), recipients("A@X.COM"))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, sender.recipients())
}

func TestSharedLedgerPreventsSecondProcessResend(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	openShared := func() *ledger.Ledger {
		st, err := storage.OpenLedger(storage.Config{Driver: "redis", RedisAddr: mr.Addr(), RedisKey: "mailpace:sent"}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		l, err := ledger.Open(ctx, st, logx.Nop())
		require.NoError(t, err)
		return l
	}
	// Both processes load the shared set before either one runs.
	first := newFixture(t, senders(10, 1), Policy{})
	second := newFixture(t, senders(10, 1), Policy{})
	for _, f := range []*fixture{first, second} {
		f.ledger = openShared()
		var err error
		f.sched, err = New(Deps{Pool: f.pool, Ledger: f.ledger, Sender: f.sender, Checker: f.checker}, Policy{})
		require.NoError(t, err)
	}

	list := recipients("x@y.com", "z@y.com")
	rep, err := first.sched.Run(ctx, list)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sent)

	rep, err = second.sched.Run(ctx, list)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.Zero(t, rep.Sent)
	assert.Equal(t, 2, rep.Skipped)
	assert.Empty(t, second.sender.recipients())
	assert.Zero(t, second.pool.Senders()[0].SentToday)

	members, err := mr.Members("mailpace:sent")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x@y.com", "z@y.com"}, members)
}

func TestMissingProbeIsConfigError(t *testing.T) {
	f := newFixture(t, []identity.Identity{{Address: "s@example.com"}}, Policy{})

	rep, err := f.sched.Run(context.Background(), recipients("a@x.com"))
	require.ErrorIs(t, err, ErrConfig)
	assert.Equal(t, StateConfigError, rep.State)
	assert.Empty(t, f.sender.recipients())
}

func TestFailedSendIsStillRecorded(t *testing.T) {
	f := newFixture(t, senders(10, 1), Policy{})
	f.sender.failFor["bad@x.com"] = true

	rep, err := f.sched.Run(context.Background(), recipients("bad@x.com", "good@x.com"))
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, 1, rep.Failed)
	assert.True(t, f.ledger.Contains("bad@x.com"))
	assert.Equal(t, 2, f.pool.Senders()[0].SentToday)
}

func TestConfirmedModeRetriesFailures(t *testing.T) {
	f := newFixture(t, senders(10, 1), Policy{DedupOn: DedupConfirmed})
	f.sender.failFor["bad@x.com"] = true

	_, err := f.sched.Run(context.Background(), recipients("bad@x.com"))
	require.NoError(t, err)
	assert.False(t, f.ledger.Contains("bad@x.com"))

	delete(f.sender.failFor, "bad@x.com")
	rep, err := f.sched.Run(context.Background(), recipients("bad@x.com"))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.True(t, f.ledger.Contains("bad@x.com"))
}

func TestLedgerFailureHaltsBeforeSending(t *testing.T) {
	f := newFixture(t, senders(10, 1), Policy{})
	f.store.fail = errors.New("disk full")

	rep, err := f.sched.Run(context.Background(), recipients("a@x.com", "b@x.com"))
	require.Error(t, err)
	assert.Equal(t, StateFailed, rep.State)
	assert.Empty(t, f.sender.recipients())
}

func TestCancelStopsAfterInFlightDispatch(t *testing.T) {
	f := newFixture(t, senders(10, 1), Policy{})
	ctx, cancel := context.WithCancel(context.Background())
	f.sender.onSend = func(string) { cancel() }

	rep, err := f.sched.Run(ctx, recipients("a@x.com", "b@x.com"))
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, rep.State)
	assert.Equal(t, []string{"a@x.com"}, f.sender.recipients())
	assert.True(t, f.ledger.Contains("a@x.com"))
	assert.Equal(t, 1, f.pool.Senders()[0].SentToday)
}

func TestPacingWaitsBetweenDispatchesOnly(t *testing.T) {
	f := newFixture(t, senders(10, 1), Policy{PacingMin: time.Second, PacingMax: 3 * time.Second})
	var waits []time.Duration
	f.sched.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := f.sched.Run(context.Background(), recipients("a@x.com", "b@x.com", "c@x.com"))
	require.NoError(t, err)

	require.Len(t, waits, 2)
	for _, w := range waits {
		assert.GreaterOrEqual(t, w, time.Second)
		assert.LessOrEqual(t, w, 3*time.Second)
	}
}

func TestRunPublishesEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	f := newFixture(t, senders(10, 1), Policy{ProbeInterval: 1})
	f.sched.deps.Bus = bus

	_, err := f.sched.Run(context.Background(), recipients("a@x.com"))
	require.NoError(t, err)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []string{eventbus.TypeOutcome, eventbus.TypeProbe, eventbus.TypeFinished}, types)
}

func TestPerIdentityModeSpreadsAcrossSenders(t *testing.T) {
	f := newFixture(t, senders(2, 3), Policy{Mode: ModePerIdentity})

	list := recipients("1@x.com", "2@x.com", "3@x.com", "4@x.com", "5@x.com", "6@x.com", "7@x.com")
	rep, err := f.sched.Run(context.Background(), list)
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, rep.State)
	assert.Equal(t, 6, rep.Sent)
	got := f.sender.recipients()
	assert.Len(t, got, 6)

	seen := map[string]bool{}
	for _, r := range got {
		assert.False(t, seen[r], "recipient %s dispatched twice", r)
		seen[r] = true
	}
	for _, id := range f.pool.Senders() {
		assert.Equal(t, 2, id.SentToday, id.Address)
	}
}

func TestPerIdentityModeTripsAllWorkers(t *testing.T) {
	f := newFixture(t, senders(100, 2), Policy{Mode: ModePerIdentity, ProbeInterval: 2})
	f.checker.result = monitor.Filtered

	var list []Recipient
	for i := 0; i < 20; i++ {
		list = append(list, NewRecipient(strings.Repeat("r", i+1)+"@x.com", nil))
	}
	rep, err := f.sched.Run(context.Background(), list)
	require.NoError(t, err)

	assert.Equal(t, StateTripped, rep.State)
	assert.Equal(t, 1, f.checker.calls)
	sent := len(f.sender.recipients())
	assert.GreaterOrEqual(t, sent, 2)
	assert.Less(t, sent, len(list))
}

func TestUniqueKeepsFirstOccurrence(t *testing.T) {
	got := Unique([]Recipient{
		{Address: "B@x.com"},
		{Address: ""},
		{Address: "b@x.com", Meta: map[string]any{"n": 2}},
		{Address: "c@x.com"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "B@x.com", got[0].Address)
	assert.Equal(t, "b@x.com", got[0].Normalized)
	assert.Equal(t, "c@x.com", got[1].Address)
}
