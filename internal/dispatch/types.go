package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"mailpace/internal/identity"
	"mailpace/internal/ledger"
	"mailpace/internal/monitor"
	"mailpace/internal/transport"
)

var (
	// ErrConfig aborts a run before any dispatch (no probe identity).
	ErrConfig = errors.New("dispatch configuration error")
	ErrBusy   = errors.New("dispatch run already in progress")
)

// State is the scheduler's run state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateExhausted
	StateTripped
	StateConfigError
	StateCancelled
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:        "idle",
	StateRunning:     "running",
	StateCompleted:   "completed",
	StateExhausted:   "exhausted",
	StateTripped:     "tripped",
	StateConfigError: "config_error",
	StateCancelled:   "cancelled",
	StateFailed:      "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further dispatch can happen in this run.
func (s State) Terminal() bool { return s != StateIdle && s != StateRunning }

// Recipient is one record read from the recipient source.
type Recipient struct {
	Address    string
	Normalized string
	Meta       map[string]any
}

// NewRecipient builds a Recipient with its normalized address filled in.
func NewRecipient(address string, meta map[string]any) Recipient {
	return Recipient{Address: strings.TrimSpace(address), Normalized: ledger.Normalize(address), Meta: meta}
}

// Unique drops empty addresses and later duplicates (case-insensitive),
// keeping source order.
func Unique(in []Recipient) []Recipient {
	seen := make(map[string]bool, len(in))
	out := make([]Recipient, 0, len(in))
	for _, r := range in {
		if r.Normalized == "" {
			r.Normalized = ledger.Normalize(r.Address)
		}
		if r.Normalized == "" || seen[r.Normalized] {
			continue
		}
		seen[r.Normalized] = true
		out = append(out, r)
	}
	return out
}

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Outcome describes one dispatch. It is published on the bus and logged.
type Outcome struct {
	RunID     string    `json:"run_id"`
	Recipient string    `json:"recipient"`
	Identity  string    `json:"identity"`
	At        time.Time `json:"at"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	// Remaining is the identity's quota left after this dispatch.
	Remaining int `json:"remaining"`
}

// ProbeResult is published after every deliverability check.
type ProbeResult struct {
	RunID  string              `json:"run_id"`
	Sender string              `json:"sender"`
	State  monitor.FilterState `json:"state"`
	At     time.Time           `json:"at"`
}

// Report summarises a run.
type Report struct {
	RunID      string    `json:"run_id"`
	Mode       Mode      `json:"mode"`
	State      State     `json:"state"`
	Total      int       `json:"total"`
	Unique     int       `json:"unique"`
	Skipped    int       `json:"skipped"`
	Attempted  int       `json:"attempted"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Probes     int       `json:"probes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

type Mode string

const (
	ModeSequential  Mode = "sequential"
	ModePerIdentity Mode = "per_identity"
)

// DedupOn selects when a recipient enters the ledger.
type DedupOn string

const (
	// DedupAttempted records before the send: a failed or interrupted send
	// is never repeated.
	DedupAttempted DedupOn = "attempted"
	// DedupConfirmed records after a successful send only: transient
	// failures are retried by the next run, at the risk of a duplicate.
	DedupConfirmed DedupOn = "confirmed"
)

const (
	DefaultProbeInterval = 20
	DefaultSendTimeout   = 10 * time.Second
)

// Policy holds the tunables of a run.
type Policy struct {
	PacingMin time.Duration
	PacingMax time.Duration
	// ProbeInterval is K: a deliverability check follows every K-th
	// successful dispatch. 0 means the default, negative disables checks.
	ProbeInterval int
	// MaxPerMinute caps dispatches across all workers. 0 disables the cap.
	MaxPerMinute int
	SendTimeout  time.Duration
	Mode         Mode
	DedupOn      DedupOn
	Message      transport.Message
}

func (p Policy) normalized() Policy {
	if p.PacingMin < 0 {
		p.PacingMin = 0
	}
	if p.PacingMax < p.PacingMin {
		p.PacingMax = p.PacingMin
	}
	if p.ProbeInterval == 0 {
		p.ProbeInterval = DefaultProbeInterval
	}
	if p.SendTimeout <= 0 {
		p.SendTimeout = DefaultSendTimeout
	}
	if p.Mode == "" {
		p.Mode = ModeSequential
	}
	if p.DedupOn == "" {
		p.DedupOn = DedupAttempted
	}
	return p
}

// Pool is the part of identity.Pool the scheduler uses.
type Pool interface {
	AcquireSender(ctx context.Context) (identity.Identity, bool)
	AcquireProbe() (identity.Identity, bool)
	RecordSend(ctx context.Context, address string) error
	HasCapacity(ctx context.Context, address string) bool
	Remaining(address string) int
	Senders() []identity.Identity
}

// Ledger is the part of ledger.Ledger the scheduler uses.
type Ledger interface {
	Contains(address string) bool
	Record(ctx context.Context, address string) error
	Claim(ctx context.Context, address string) (bool, error)
}

// Checker runs one deliverability check (monitor.Monitor).
type Checker interface {
	Check(ctx context.Context, sender, probe identity.Identity) monitor.FilterState
}
