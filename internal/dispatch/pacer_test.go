package dispatch

import (
	"context"
	"testing"
	"time"
)

func TestPacerStaysWithinBounds(t *testing.T) {
	p := newPacer(time.Second, 3*time.Second, nil, 42)
	for i := 0; i < 1000; i++ {
		d := p.next()
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("delay %v out of range", d)
		}
	}
}

func TestPacerFixedDelay(t *testing.T) {
	p := newPacer(2*time.Second, time.Second, nil, 1)
	if d := p.next(); d != 2*time.Second {
		t.Fatalf("expected min when max < min, got %v", d)
	}
}

func TestPacerWaitHonoursCancel(t *testing.T) {
	p := newPacer(time.Hour, time.Hour, nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestPacerRateCeiling(t *testing.T) {
	p := newPacer(0, 0, newLimiter(600), 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	// burst of one, then 100ms apart
	if el := time.Since(start); el < 150*time.Millisecond {
		t.Fatalf("limiter not applied, took %v", el)
	}
}

func TestNewLimiterDisabled(t *testing.T) {
	if newLimiter(0) != nil {
		t.Fatalf("expected nil limiter")
	}
}

func TestCircuitStaysTripped(t *testing.T) {
	c := &circuit{}
	now := func() time.Time { return time.Unix(0, 0) }
	if c.Guard(now, "filtered", func() bool { return false }) {
		t.Fatalf("clear check must not trip")
	}
	if !c.Guard(now, "filtered", func() bool { return true }) {
		t.Fatalf("expected trip")
	}
	called := false
	if !c.Guard(now, "filtered", func() bool { called = true; return false }) {
		t.Fatalf("tripped circuit must stay tripped")
	}
	if called {
		t.Fatalf("check must not run once tripped")
	}
	if c.State() != CircuitTripped || c.State().String() != "tripped" {
		t.Fatalf("state %v", c.State())
	}
	if c.Trip("again", now()) {
		t.Fatalf("second trip must be a no-op")
	}
}
