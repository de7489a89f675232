// Package identity owns the sender identities of a dispatch run and their
// daily quota counters.
package identity

import (
	"errors"
	"strings"
	"time"

	"mailpace/internal/storage"
	"mailpace/internal/transport"
)

var (
	ErrNoProbe       = errors.New("no probe identity configured")
	ErrMultipleProbe = errors.New("more than one probe identity configured")
	ErrUnknown       = errors.New("unknown identity")
	ErrQuotaExceeded = errors.New("daily quota exceeded")
	ErrEmpty         = errors.New("identity list is empty")
)

type Role int

const (
	RoleSender Role = iota
	RoleProbe
)

func (r Role) String() string {
	if r == RoleProbe {
		return "probe"
	}
	return "sender"
}

// Identity is a value copy of one pool entry. Mutations go through Pool.
type Identity struct {
	Address    string
	Credential string
	DailyQuota int
	SentToday  int
	LastReset  time.Time
	Role       Role
}

func (i Identity) IsProbe() bool { return i.Role == RoleProbe }

// Account returns the credentials used to send or log in as this identity.
func (i Identity) Account() transport.Account {
	return transport.Account{Address: i.Address, Credential: i.Credential}
}

// parseTimestamp accepts RFC 3339 and the zone-less ISO layouts written by
// older tooling (read as local time).
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func fromRecord(r storage.IdentityRecord) (Identity, bool) {
	id := Identity{
		Address:    strings.TrimSpace(r.Address),
		Credential: r.Credential,
		DailyQuota: r.DailyQuota,
		SentToday:  r.SentToday,
		Role:       RoleSender,
	}
	if r.IsProbe {
		id.Role = RoleProbe
	}
	ts, ok := parseTimestamp(r.LastReset)
	id.LastReset = ts
	return id, ok
}

func toRecord(id Identity, quotaSet bool) storage.IdentityRecord {
	r := storage.IdentityRecord{
		Address:    id.Address,
		Credential: id.Credential,
		SentToday:  id.SentToday,
		IsProbe:    id.IsProbe(),
	}
	if !id.LastReset.IsZero() {
		r.LastReset = id.LastReset.Format(time.RFC3339Nano)
	}
	if quotaSet {
		r.DailyQuota = id.DailyQuota
	}
	return r
}
