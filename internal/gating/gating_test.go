package gating_test

import (
	"sync"
	"testing"
	"time"

	"github.com/varnalab/ariadne/internal/gating"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAcquireReleaseBalance(t *testing.T) {
	t.Parallel()

	m := gating.NewManager()
	const call = "call-1"

	if m.IsGated(call) {
		t.Fatal("new call should not be gated")
	}

	tok1 := m.Acquire(call, gating.ReasonGreeting)
	tok2 := m.Acquire(call, gating.ReasonTTSSegment)
	if !m.IsGated(call) {
		t.Fatal("gated after acquire")
	}
	if got := m.TokenCount(call); got != 2 {
		t.Fatalf("TokenCount = %d, want 2", got)
	}

	m.Release(tok1)
	if !m.IsGated(call) {
		t.Fatal("one token still held, should stay gated")
	}

	m.Release(tok2)
	if m.IsGated(call) {
		t.Fatal("all tokens released, should be open")
	}

	// Double release is ignored.
	m.Release(tok2)
	if got := m.TokenCount(call); got != 0 {
		t.Fatalf("TokenCount after double release = %d, want 0", got)
	}
}

func TestTokensAreIndependentPerCall(t *testing.T) {
	t.Parallel()

	m := gating.NewManager()
	tok := m.Acquire("call-a", gating.ReasonTool)

	if m.IsGated("call-b") {
		t.Fatal("call-b should be unaffected by call-a tokens")
	}
	m.Release(tok)
}

func TestPostTTSGuardWindow(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := gating.NewManager(gating.WithClock(clock.Now))
	const call = "call-1"

	tok := m.Acquire(call, gating.ReasonTTSSegment)
	m.Release(tok)
	if m.IsGated(call) {
		t.Fatal("no guard armed yet")
	}

	m.ArmPostTTSGuard(call, 250*time.Millisecond)
	if !m.IsGated(call) {
		t.Fatal("guard window should gate with zero tokens")
	}
	if !m.GuardActive(call) {
		t.Fatal("GuardActive should report the armed window")
	}

	clock.Advance(249 * time.Millisecond)
	if !m.IsGated(call) {
		t.Fatal("still inside guard window")
	}

	clock.Advance(2 * time.Millisecond)
	if m.IsGated(call) {
		t.Fatal("guard expired, gate should open")
	}
	if m.GuardActive(call) {
		t.Fatal("GuardActive after expiry")
	}
}

func TestGuardMaxExtend(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := gating.NewManager(gating.WithClock(clock.Now))
	const call = "call-1"

	m.ArmPostTTSGuard(call, 500*time.Millisecond)
	clock.Advance(100 * time.Millisecond)

	// Shorter re-arm must not pull the deadline earlier.
	m.ArmPostTTSGuard(call, 100*time.Millisecond)
	clock.Advance(250 * time.Millisecond)
	if !m.IsGated(call) {
		t.Fatal("original guard deadline should still hold")
	}

	// Longer re-arm pushes it out.
	m.ArmPostTTSGuard(call, 400*time.Millisecond)
	clock.Advance(300 * time.Millisecond)
	if !m.IsGated(call) {
		t.Fatal("extended guard deadline should hold")
	}
	clock.Advance(101 * time.Millisecond)
	if m.IsGated(call) {
		t.Fatal("extended guard should have expired")
	}
}

func TestDropClearsEverything(t *testing.T) {
	t.Parallel()

	m := gating.NewManager()
	const call = "call-1"

	m.Acquire(call, gating.ReasonFarewell)
	m.ArmPostTTSGuard(call, time.Hour)
	m.Drop(call)

	if m.IsGated(call) {
		t.Fatal("Drop should clear tokens and guard")
	}
	m.Drop(call) // idempotent
}

func TestConcurrentAcquireRelease(t *testing.T) {
	t.Parallel()

	m := gating.NewManager()
	const call = "call-1"

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				tok := m.Acquire(call, gating.ReasonTTSSegment)
				m.Release(tok)
			}
		}()
	}
	wg.Wait()

	if m.IsGated(call) {
		t.Fatal("all tokens released concurrently, gate should be open")
	}
	if got := m.TokenCount(call); got != 0 {
		t.Fatalf("TokenCount = %d, want 0", got)
	}
}
