package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"msgpilot/internal/model"
	"msgpilot/internal/remote"
)

func TestConcurrentStartSharesOneDial(t *testing.T) {
	env := newTestEnv(t)

	const callers = 8
	pilots := make([]*Pilot, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p, err := env.registry.GetOrCreate(context.Background(), "id-1", true)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			pilots[n] = p
		}(i)
	}
	wg.Wait()

	if got := env.dialer.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
	for i := 1; i < callers; i++ {
		if pilots[i] != pilots[0] {
			t.Fatal("concurrent callers got different pilots")
		}
	}
}

func TestGetOrCreateWithoutCreate(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.registry.GetOrCreate(context.Background(), "id-1", false)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if p != nil {
		t.Fatal("expected no pilot without allowCreate")
	}
	if env.dialer.dialCount() != 0 {
		t.Fatal("lookup must not dial")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.startPilot(t)
	sess := env.dialer.lastSession()

	env.registry.Stop("id-1")
	env.registry.Stop("id-1")

	if !sess.isClosed() {
		t.Fatal("expected the session to be closed")
	}
	if env.registry.Get("id-1") != nil {
		t.Fatal("expected the registry entry to be gone")
	}
	if got := env.sink.count("session-stopped"); got != 1 {
		t.Fatalf("session-stopped published %d times, want 1", got)
	}
}

func TestStartRearmsAutomation(t *testing.T) {
	env := newTestEnv(t)
	pilot := env.startPilot(t)

	if !env.registry.Suspend("id-1") {
		t.Fatal("Suspend on a running session must succeed")
	}
	if f := pilot.Features(); f.Sending || f.Click {
		t.Fatalf("features after suspend: %+v", f)
	}

	again := env.startPilot(t)
	if again != pilot {
		t.Fatal("restart of a live session must reuse the pilot")
	}
	if f := pilot.Features(); !f.Sending || !f.Click {
		t.Fatalf("features after restart: %+v", f)
	}
	if env.dialer.dialCount() != 1 {
		t.Fatalf("dial count = %d, want 1", env.dialer.dialCount())
	}
}

func TestSuspendWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	if env.registry.Suspend("id-1") {
		t.Fatal("Suspend on a down session must report false")
	}
}

func TestZombieReconnectsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.configureChannel(t, "chan-1")

	zombie := newFakeSession("id-1", "Tester")
	zombie.sendErr = remote.ErrZombie
	rejected := newFakeSession("id-1", "Tester")
	rejected.connectErr = remote.ErrAuthFailed
	env.dialer.queued = []*fakeSession{zombie, rejected}

	pilot := env.startPilot(t)
	pilot.scheduledSend(model.Command{Text: "+fish"})

	// One delayed reconnect attempt fires and fails; no more follow.
	time.Sleep(300 * time.Millisecond)
	if got := env.dialer.dialCount(); got != 2 {
		t.Fatalf("dial count = %d, want 2", got)
	}
	if env.registry.Get("id-1") != nil {
		t.Fatal("expected the session to stay down")
	}
	if !zombie.isClosed() {
		t.Fatal("expected the zombie session to be closed")
	}

	// The retry budget is spent until the operator starts it again.
	env.registry.scheduleReconnect("id-1")
	time.Sleep(150 * time.Millisecond)
	if got := env.dialer.dialCount(); got != 2 {
		t.Fatalf("dial count after second schedule = %d, want 2", got)
	}
}

func TestOperatorStartResetsRetryBudget(t *testing.T) {
	env := newTestEnv(t)

	env.startPilot(t)
	env.registry.Stop("id-1")
	env.registry.scheduleReconnect("id-1")
	time.Sleep(150 * time.Millisecond)
	if got := env.dialer.dialCount(); got != 2 {
		t.Fatalf("dial count = %d, want 2", got)
	}

	// An explicit start clears the ledger, so a later zombie may retry again.
	env.registry.Stop("id-1")
	env.startPilot(t)
	env.registry.Stop("id-1")
	env.registry.scheduleReconnect("id-1")
	time.Sleep(150 * time.Millisecond)
	if got := env.dialer.dialCount(); got != 4 {
		t.Fatalf("dial count = %d, want 4", got)
	}
}

func TestStatusForDownSession(t *testing.T) {
	env := newTestEnv(t)
	env.lockChallenge(t, true)

	st, err := env.registry.Status(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Connected {
		t.Fatal("expected disconnected status")
	}
	if !st.Challenge.Active {
		t.Fatal("challenge state must come from the store even when down")
	}
}

func TestStatusForLiveSession(t *testing.T) {
	env := newTestEnv(t)
	env.startPilot(t)

	st, err := env.registry.Status(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Connected || st.DisplayName != "Tester" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.Stats.LatencyMs != 42 {
		t.Fatalf("stats not surfaced: %+v", st.Stats)
	}
	if !st.Features.Sending || !st.Features.Click {
		t.Fatalf("features not surfaced: %+v", st.Features)
	}
}

func TestSessionStartPublishesEvent(t *testing.T) {
	env := newTestEnv(t)
	env.startPilot(t)

	if got := env.sink.count("session-started"); got != 1 {
		t.Fatalf("session-started published %d times, want 1", got)
	}
}
