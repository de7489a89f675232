package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Account is the authenticated side of a send or a mailbox login.
type Account struct {
	Address    string
	Credential string
}

// Message is a fully rendered outbound message.
type Message struct {
	Subject string
	Body    string
}

// Criteria narrows a folder search. Zero fields match everything.
type Criteria struct {
	Subject string
	From    string
	Since   time.Time
}

// Summary describes one message found by a folder search.
type Summary struct {
	SeqNum  uint32
	From    string
	Subject string
	Date    time.Time
}

//go:generate mockgen -source=types.go -destination=mocks/mocks.go -package=mocks Sender,Searcher

// Sender transmits a single message.
type Sender interface {
	Send(ctx context.Context, from Account, to string, msg Message) error
}

// Searcher inspects a mailbox folder.
//
// Implementations are protocol specific (IMAP today); callers only rely on
// the folder name and the returned matches.
type Searcher interface {
	SearchFolder(ctx context.Context, acct Account, folder string, c Criteria) ([]Summary, error)
}

const (
	OpSend   = "send"
	OpSearch = "search"
)

// Error wraps adapter failures so callers can tell transmission problems
// (OpSend) from mailbox inspection problems (OpSearch).
type Error struct {
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
