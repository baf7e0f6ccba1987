package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTryAcquireMutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	h1, ok, err := l.TryAcquire(ctx, "resource", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first TryAcquire = (ok=%v, err=%v)", ok, err)
	}

	_, ok, err = l.TryAcquire(ctx, "resource", time.Minute)
	if err != nil || ok {
		t.Errorf("second TryAcquire should lose: (ok=%v, err=%v)", ok, err)
	}

	// Different names do not contend
	_, ok, _ = l.TryAcquire(ctx, "other", time.Minute)
	if !ok {
		t.Error("unrelated lock should acquire")
	}

	if err := h1.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	_, ok, _ = l.TryAcquire(ctx, "resource", time.Minute)
	if !ok {
		t.Error("lock should be free after Release")
	}
}

func TestExpiredLockIsReacquirable(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	h1, _, _ := l.TryAcquire(ctx, "r", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	h2, ok, _ := l.TryAcquire(ctx, "r", time.Minute)
	if !ok {
		t.Fatal("expired lock should be acquirable")
	}

	// The stale handle must not touch the new holder's lock
	if err := h1.Extend(ctx, time.Minute); !errors.Is(err, ErrNotHeld) {
		t.Errorf("stale Extend = %v, want ErrNotHeld", err)
	}
	if err := h1.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("stale Release = %v, want ErrNotHeld", err)
	}
	if err := h2.Extend(ctx, time.Minute); err != nil {
		t.Errorf("live Extend = %v", err)
	}
}

func TestAcquireBlocksUntilFree(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	h1, _, _ := l.TryAcquire(ctx, "r", time.Minute)
	go func() {
		time.Sleep(80 * time.Millisecond)
		h1.Release(context.Background())
	}()

	start := time.Now()
	h2, err := l.Acquire(ctx, "r", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Acquire returned before the lock was released")
	}
	h2.Release(ctx)
}

func TestAcquireHonorsContext(t *testing.T) {
	l := NewMemoryLocker()
	l.TryAcquire(context.Background(), "r", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err := l.Acquire(ctx, "r", time.Minute)
	if err == nil {
		t.Fatal("Acquire should fail when ctx expires")
	}
}

func TestElectionSingleLeader(t *testing.T) {
	state := NewMemoryElectionState()

	cfgA := DefaultElectionConfig("poller")
	cfgA.InstanceID = "a"
	cfgB := DefaultElectionConfig("poller")
	cfgB.InstanceID = "b"

	a := NewMemoryElection(state, cfgA)
	b := NewMemoryElection(state, cfgB)

	ctx := context.Background()
	if !a.TryAcquireLeadership(ctx) {
		t.Fatal("first elector should win")
	}
	if b.TryAcquireLeadership(ctx) {
		t.Fatal("second elector should lose while the lock is live")
	}
	if !a.IsLeader() || b.IsLeader() {
		t.Errorf("leadership flags: a=%v b=%v", a.IsLeader(), b.IsLeader())
	}

	leader, err := a.GetLeader(ctx)
	if err != nil || leader.InstanceID != "a" {
		t.Errorf("GetLeader() = (%+v, %v), want instance a", leader, err)
	}
	if leader.Since.IsZero() {
		t.Error("GetLeader() should report when leadership was taken")
	}
}

func TestElectionFailover(t *testing.T) {
	state := NewMemoryElectionState()

	cfgA := DefaultElectionConfig("poller")
	cfgA.InstanceID = "a"
	cfgA.TTL = 20 * time.Millisecond
	cfgB := DefaultElectionConfig("poller")
	cfgB.InstanceID = "b"

	a := NewMemoryElection(state, cfgA)
	b := NewMemoryElection(state, cfgB)

	ctx := context.Background()
	a.TryAcquireLeadership(ctx)

	// Leader goes silent past its TTL; the standby takes over
	time.Sleep(40 * time.Millisecond)
	if !b.TryAcquireLeadership(ctx) {
		t.Fatal("standby should win after the leader's TTL lapses")
	}

	// The old leader notices on its next attempt
	var deposed bool
	a.OnDeposed(func() { deposed = true })
	a.TryAcquireLeadership(ctx)
	if a.IsLeader() {
		t.Error("stale leader should demote itself")
	}
	if !deposed {
		t.Error("OnDeposed callback should fire")
	}
}

func TestElectionCallbacks(t *testing.T) {
	state := NewMemoryElectionState()
	e := NewMemoryElection(state, DefaultElectionConfig("poller"))

	var elected bool
	e.OnElected(func() { elected = true })

	e.TryAcquireLeadership(context.Background())
	if !elected {
		t.Error("OnElected callback should fire on first win")
	}

	// A refresh while already leader does not re-fire the callback
	elected = false
	e.TryAcquireLeadership(context.Background())
	if elected {
		t.Error("OnElected should not fire on refresh")
	}
}
