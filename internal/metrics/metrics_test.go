package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpace/internal/dispatch"
	"mailpace/internal/eventbus"
	"mailpace/internal/identity"
	"mailpace/internal/monitor"
)

func TestObserveOutcomesAndRuns(t *testing.T) {
	m := New()
	m.Observe(eventbus.Event{Type: eventbus.TypeOutcome, Data: dispatch.Outcome{Identity: "a@x", Status: dispatch.StatusSent, Remaining: 9}})
	m.Observe(eventbus.Event{Type: eventbus.TypeOutcome, Data: dispatch.Outcome{Identity: "a@x", Status: dispatch.StatusFailed, Remaining: 8}})
	m.Observe(eventbus.Event{Type: eventbus.TypeProbe, Data: dispatch.ProbeResult{State: monitor.Filtered}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches.WithLabelValues("a@x", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches.WithLabelValues("a@x", "failed")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.QuotaRemaining.WithLabelValues("a@x")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Probes.WithLabelValues("filtered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Running))

	start := time.Now()
	m.Observe(eventbus.Event{Type: eventbus.TypeFinished, Data: dispatch.Report{
		State: dispatch.StateTripped, StartedAt: start, FinishedAt: start.Add(time.Minute),
	}})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("tripped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Running))
}

func TestObserveIgnoresForeignPayloads(t *testing.T) {
	m := New()
	m.Observe(eventbus.Event{Type: eventbus.TypeOutcome, Data: "nope"})
	assert.Equal(t, 0, testutil.CollectAndCount(m.Dispatches))
}

func TestSetPoolSkipsProbe(t *testing.T) {
	m := New()
	m.SetPool([]identity.Identity{
		{Address: "s@x"},
		{Address: "p@x", Role: identity.RoleProbe},
	}, func(string) int { return 5 })
	assert.Equal(t, 1, testutil.CollectAndCount(m.QuotaRemaining))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.LedgerSize.Set(3)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "mailpace_ledger_entries 3"))
}
