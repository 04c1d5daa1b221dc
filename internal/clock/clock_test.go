package clock_test

import (
	"testing"
	"time"

	"pkt.systems/refd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealAfterDeliversOnce(t *testing.T) {
	t.Parallel()

	ch := clock.Real{}.After(10 * time.Millisecond)
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("After did not trigger within timeout")
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1000, 0))
	ch := manual.After(time.Minute)
	select {
	case <-ch:
		t.Fatal("timer fired before Advance")
	default:
	}
	if pending := manual.Pending(); pending != 1 {
		t.Fatalf("expected 1 pending timer, got %d", pending)
	}
	manual.Advance(time.Minute)
	select {
	case fired := <-ch:
		if !fired.Equal(time.Unix(1000, 0).Add(time.Minute).UTC()) {
			t.Fatalf("unexpected fire time: %v", fired)
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after Advance")
	}
	if pending := manual.Pending(); pending != 0 {
		t.Fatalf("expected no pending timers, got %d", pending)
	}
}

func TestManualAdvanceSkipsFutureTimers(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(2000, 0))
	near := manual.After(time.Second)
	far := manual.After(time.Hour)
	manual.Advance(time.Minute)
	select {
	case <-near:
	default:
		t.Fatal("near timer should have fired")
	}
	select {
	case <-far:
		t.Fatal("far timer fired too early")
	default:
	}
	if pending := manual.Pending(); pending != 1 {
		t.Fatalf("expected far timer still pending, got %d", pending)
	}
}
