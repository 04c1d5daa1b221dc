package refd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/refd/internal/clock"
)

func waitForLen(t testing.TB, reg *Registry, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if reg.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry len = %d, want %d", reg.Len(), want)
}

// waitForTimers blocks until the clock holds at least want armed timers, so a
// test can Advance only after the sweeper goroutine reached its select.
func waitForTimers(t testing.TB, clk *clock.Manual, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if clk.Pending() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("clock holds %d timers, want at least %d", clk.Pending(), want)
}

func TestSweeperReapsOnTick(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Unix(1700000000, 0))
	reg := newTestRegistry(t, clk)
	src := writeArtifactSource(t, t.TempDir(), "a.pdf", "x")
	art, err := reg.Register(RegisterRequest{SourcePath: src, Filename: "a.pdf"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	reg.StartSweeper(5 * time.Minute)
	defer reg.StopSweeper()
	waitForTimers(t, clk, 1, time.Second)

	// Advance past both the tick interval and the TTL so the next tick reaps.
	clk.Advance(2 * time.Hour)
	waitForLen(t, reg, 0, time.Second)
	if reg.Get(art.Token) != nil {
		t.Fatal("expected swept token to stop resolving")
	}
	if _, err := os.Stat(filepath.Dir(art.Path)); !os.IsNotExist(err) {
		t.Fatalf("expected token dir removed, stat err = %v", err)
	}
}

func TestSweeperStartIsIdempotent(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, clock.NewManual(time.Unix(1700000000, 0)))
	reg.StartSweeper(time.Minute)
	reg.StartSweeper(time.Minute)
	reg.StopSweeper()
	reg.StopSweeper()
}

func TestSweeperStopWithoutStart(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, nil)
	reg.StopSweeper()
}

func TestSweeperRestarts(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Unix(1700000000, 0))
	reg := newTestRegistry(t, clk)
	reg.StartSweeper(time.Minute)
	waitForTimers(t, clk, 1, time.Second)
	reg.StopSweeper()

	src := writeArtifactSource(t, t.TempDir(), "a.pdf", "x")
	if _, err := reg.Register(RegisterRequest{SourcePath: src, Filename: "a.pdf"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// The stopped goroutine leaves its armed timer behind, so the restarted
	// sweeper is ready once a second timer shows up.
	reg.StartSweeper(time.Minute)
	defer reg.StopSweeper()
	waitForTimers(t, clk, 2, time.Second)

	clk.Advance(2 * time.Hour)
	waitForLen(t, reg, 0, time.Second)
}
