// Package alert tells the operator when a dispatch run ends badly.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mailpace/internal/dispatch"
	"mailpace/internal/eventbus"
	"mailpace/internal/monitor"
	logx "mailpace/pkg/logx"
)

// Notifier delivers one alert text.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// DefaultStates are the run end states that raise an alert.
var DefaultStates = []dispatch.State{
	dispatch.StateTripped,
	dispatch.StateExhausted,
	dispatch.StateFailed,
	dispatch.StateConfigError,
}

const (
	defaultPerMinute = 6
	dedupWindow      = 10 * time.Minute
	notifyTimeout    = 10 * time.Second
)

// Service turns bus events into alerts: finished runs in a watched state
// and filtered probe results. Identical texts are suppressed for a while
// and the send rate is capped.
type Service struct {
	n       Notifier
	log     logx.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu     sync.Mutex
	states map[dispatch.State]bool
	seen   map[string]time.Time
}

func New(n Notifier, states []dispatch.State, perMinute int, log logx.Logger) *Service {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		n:       n,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		now:     time.Now,
		seen:    map[string]time.Time{},
	}
	s.SetStates(states)
	return s
}

// ParseStates maps state names ("tripped", "exhausted", ...) to states.
func ParseStates(names []string) ([]dispatch.State, error) {
	out := make([]dispatch.State, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		found := false
		for st := dispatch.StateIdle; st <= dispatch.StateFailed; st++ {
			if st.String() == n {
				out = append(out, st)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown run state %q", n)
		}
	}
	return out, nil
}

// SetStates replaces the watched states; empty means DefaultStates.
func (s *Service) SetStates(states []dispatch.State) {
	if len(states) == 0 {
		states = DefaultStates
	}
	m := make(map[dispatch.State]bool, len(states))
	for _, st := range states {
		m[st] = true
	}
	s.mu.Lock()
	s.states = m
	s.mu.Unlock()
}

// Text returns the alert for e, or "" when e is not alert-worthy.
func (s *Service) Text(e eventbus.Event) string {
	switch e.Type {
	case eventbus.TypeFinished:
		rep, ok := e.Data.(dispatch.Report)
		if !ok {
			return ""
		}
		s.mu.Lock()
		watched := s.states[rep.State]
		s.mu.Unlock()
		if !watched {
			return ""
		}
		var b strings.Builder
		fmt.Fprintf(&b, "mailpace run %s ended: %s\n", shortID(rep.RunID), rep.State)
		fmt.Fprintf(&b, "sent %d, failed %d, skipped %d, probes %d", rep.Sent, rep.Failed, rep.Skipped, rep.Probes)
		if rep.Error != "" {
			fmt.Fprintf(&b, "\nerror: %s", rep.Error)
		}
		return b.String()
	case eventbus.TypeProbe:
		pr, ok := e.Data.(dispatch.ProbeResult)
		if !ok || pr.State != monitor.Filtered {
			return ""
		}
		return fmt.Sprintf("mailpace run %s: probe from %s landed in the filtered folder, dispatch halted", shortID(pr.RunID), pr.Sender)
	}
	return ""
}

// Handle sends the alert for e, if any.
func (s *Service) Handle(ctx context.Context, e eventbus.Event) {
	text := s.Text(e)
	if text == "" {
		return
	}
	now := s.now()
	s.mu.Lock()
	for k, until := range s.seen {
		if now.After(until) {
			delete(s.seen, k)
		}
	}
	if _, dup := s.seen[text]; dup {
		s.mu.Unlock()
		s.log.Debug("alert suppressed (duplicate)")
		return
	}
	s.seen[text] = now.Add(dedupWindow)
	s.mu.Unlock()

	if !s.limiter.Allow() {
		s.log.Warn("alert dropped (rate limited)", logx.String("type", e.Type))
		return
	}
	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := s.n.Notify(nctx, text); err != nil {
		s.log.Warn("alert delivery failed", logx.Err(err))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
