package identity

import (
	"strings"
	"time"
)

const (
	DefaultDailyQuota = 450
	DefaultWindow     = 24 * time.Hour
)

// QuotaTracker applies the daily quota policy to identities. It holds no
// counters itself; the pool's entries carry them and the pool lock guards
// every call.
type QuotaTracker struct {
	Window       time.Duration
	DefaultQuota int
	// Overrides maps a lower-cased address to its daily quota.
	Overrides map[string]int
}

func (q QuotaTracker) window() time.Duration {
	if q.Window <= 0 {
		return DefaultWindow
	}
	return q.Window
}

// QuotaFor returns the effective daily quota. Precedence: per-address
// override, then the value stored on the identity, then the default.
func (q QuotaTracker) QuotaFor(id *Identity) int {
	if v, ok := q.Overrides[strings.ToLower(id.Address)]; ok && v >= 0 {
		return v
	}
	if id.DailyQuota > 0 {
		return id.DailyQuota
	}
	if q.DefaultQuota > 0 {
		return q.DefaultQuota
	}
	return DefaultDailyQuota
}

// ResetIfWindowElapsed zeroes the counter once a full window has passed
// since the identity's own last reset. It reports whether a reset happened.
func (q QuotaTracker) ResetIfWindowElapsed(id *Identity, now time.Time) bool {
	if id.LastReset.IsZero() || now.Sub(id.LastReset) >= q.window() {
		id.SentToday = 0
		id.LastReset = now
		return true
	}
	return false
}

// Remaining returns how many more sends the identity may make in the
// current window. Probe identities never have sending capacity.
func (q QuotaTracker) Remaining(id *Identity) int {
	if id.IsProbe() {
		return 0
	}
	n := q.QuotaFor(id) - id.SentToday
	if n < 0 {
		return 0
	}
	return n
}

// Increment counts one send attempt.
func (q QuotaTracker) Increment(id *Identity) error {
	if q.Remaining(id) <= 0 {
		return ErrQuotaExceeded
	}
	id.SentToday++
	return nil
}
