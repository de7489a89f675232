package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	logx "mailpace/pkg/logx"
)

func TestSQLiteLedgerAndIdentities(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	led, err := OpenLedger(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	defer led.Close()
	for _, a := range []string{"b@x.com", "a@x.com", "b@x.com"} {
		if err := led.Add(ctx, a); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	got, err := led.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got[0] != "a@x.com" {
		t.Fatalf("Load = %v", got)
	}

	ids, err := OpenIdentities(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenIdentities: %v", err)
	}
	defer ids.Close()
	recs := []IdentityRecord{
		{Address: "z@x.com", Credential: "pz", SentToday: 1, LastReset: "2024-05-01T10:00:00Z", DailyQuota: 10},
		{Address: "a@x.com", Credential: "pa", IsProbe: true},
	}
	if err := ids.Save(ctx, recs); err != nil {
		t.Fatalf("Save: %v", err)
	}
	recs[0].SentToday = 2
	if err := ids.Save(ctx, recs); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	loaded, err := ids.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("got %d identities", len(loaded))
	}
	// Order is the saved order, not address order.
	if loaded[0] != recs[0] || loaded[1] != recs[1] {
		t.Fatalf("Load = %+v", loaded)
	}
}

func TestSQLiteLedgerClaim(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	first, err := OpenLedger(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	defer first.Close()
	second, err := OpenLedger(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("second OpenLedger: %v", err)
	}
	defer second.Close()

	won, err := first.(sqliteLedger).Claim(ctx, "a@x.com")
	if err != nil || !won {
		t.Fatalf("first Claim = %v, %v", won, err)
	}
	won, err = second.(sqliteLedger).Claim(ctx, "a@x.com")
	if err != nil || won {
		t.Fatalf("second Claim = %v, %v; want false", won, err)
	}
}

func TestSQLiteIdentitiesSeededOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seed := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(seed, []byte(`[
  {"email": "s@x.com", "password": "p", "sent": 3, "last_reset": "2026-01-01T00:00:00"},
  {"email": "probe@x.com", "password": "p", "is_test": true}
]`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := Config{Driver: "sqlite", Path: filepath.Join(dir, "state.db"), Seed: seed}

	ids, err := OpenIdentities(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("OpenIdentities: %v", err)
	}
	got, err := ids.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got[0].Address != "s@x.com" || got[0].SentToday != 3 || !got[1].IsProbe {
		t.Fatalf("seeded = %+v", got)
	}
	got[0].SentToday = 7
	if err := ids.Save(ctx, got); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ids.Close()

	// Reopening with the seed still configured keeps the live counters.
	ids, err = OpenIdentities(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ids.Close()
	got, err = ids.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got[0].SentToday != 7 {
		t.Fatalf("sent = %d, want 7", got[0].SentToday)
	}
}

func TestSQLiteIdentitiesMissingSeed(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenIdentities(Config{Driver: "sqlite", Path: filepath.Join(dir, "state.db"), Seed: filepath.Join(dir, "nope.json")}, logx.Nop())
	if err == nil {
		t.Fatal("expected error for missing seed file")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := OpenLedger(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := OpenIdentities(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("redis is not an identity backend")
	}
}
