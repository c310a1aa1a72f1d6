package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"msgpilot/internal/model"
	"msgpilot/internal/remote"
)

func TestScheduledSendRespectsChallengeLock(t *testing.T) {
	env := newTestEnv(t)
	env.configureChannel(t, "chan-1")
	pilot := env.startPilot(t)
	sess := env.dialer.lastSession()

	env.lockChallenge(t, true)
	pilot.scheduledSend(model.Command{Text: "+fish"})
	if sess.sentCount() != 0 {
		t.Fatal("locked tick must not send")
	}

	env.lockChallenge(t, false)
	pilot.scheduledSend(model.Command{Text: "+fish"})
	if sess.sentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", sess.sentCount())
	}
	last, _ := sess.lastSent()
	if last.Channel != "chan-1" || last.Text != "+fish" {
		t.Fatalf("unexpected send: %+v", last)
	}

	stats, err := env.store.CommandStats(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("CommandStats: %v", err)
	}
	if len(stats) != 1 || stats[0].Text != "+fish" || stats[0].Count != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestScheduledSendRespectsSendingToggle(t *testing.T) {
	env := newTestEnv(t)
	env.configureChannel(t, "chan-1")
	pilot := env.startPilot(t)
	sess := env.dialer.lastSession()

	off := false
	pilot.SetFeatures(&off, nil)
	pilot.scheduledSend(model.Command{Text: "+fish"})
	if sess.sentCount() != 0 {
		t.Fatal("disabled sending must not send")
	}
}

func TestScheduledSendSkipsUnavailableChannel(t *testing.T) {
	env := newTestEnv(t)
	env.configureChannel(t, "chan-1")
	pilot := env.startPilot(t)
	sess := env.dialer.lastSession()
	sess.fetchErr = remote.ErrChannelUnavailable

	// An unavailable channel is a skip, not a teardown.
	pilot.scheduledSend(model.Command{Text: "+fish"})
	if sess.sentCount() != 0 {
		t.Fatal("unexpected send")
	}
	if env.registry.Get("id-1") == nil {
		t.Fatal("session must stay up")
	}
}

func TestTimersFireFromStoredCommands(t *testing.T) {
	env := newTestEnv(t)
	env.configureChannel(t, "chan-1")
	err := env.store.SaveCommands(context.Background(), "id-1", []model.Command{
		{Trigger: "fish", Text: "+fish", IntervalMs: 30},
	})
	if err != nil {
		t.Fatalf("SaveCommands: %v", err)
	}

	env.startPilot(t)
	sess := env.dialer.lastSession()

	deadline := time.After(2 * time.Second)
	for sess.sentCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timer never fired")
		case <-time.After(20 * time.Millisecond):
		}
	}
	last, _ := sess.lastSent()
	if last.Text != "+fish" {
		t.Fatalf("unexpected send: %+v", last)
	}
}

func TestTimersStopOnShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.configureChannel(t, "chan-1")
	err := env.store.SaveCommands(context.Background(), "id-1", []model.Command{
		{Trigger: "fish", Text: "+fish", IntervalMs: 20},
	})
	if err != nil {
		t.Fatalf("SaveCommands: %v", err)
	}

	env.startPilot(t)
	sess := env.dialer.lastSession()
	env.registry.Stop("id-1")

	time.Sleep(100 * time.Millisecond)
	before := sess.sentCount()
	time.Sleep(300 * time.Millisecond)
	if after := sess.sentCount(); after != before {
		t.Fatalf("sends kept flowing after stop: %d -> %d", before, after)
	}
}

func TestRebuildWithoutChannelArmsNothing(t *testing.T) {
	env := newTestEnv(t)
	err := env.store.SaveCommands(context.Background(), "id-1", []model.Command{
		{Trigger: "fish", Text: "+fish", IntervalMs: 10},
	})
	if err != nil {
		t.Fatalf("SaveCommands: %v", err)
	}

	pilot := env.startPilot(t)
	if err := pilot.RebuildTimers(context.Background()); err != nil {
		t.Fatalf("RebuildTimers: %v", err)
	}

	pilot.sched.mu.Lock()
	armed := len(pilot.sched.stops)
	pilot.sched.mu.Unlock()
	if armed != 0 {
		t.Fatalf("%d timers armed without a channel", armed)
	}
}

func TestConcurrentRebuildsArmSingleTimerSet(t *testing.T) {
	env := newTestEnv(t)
	env.configureChannel(t, "chan-1")
	err := env.store.SaveCommands(context.Background(), "id-1", []model.Command{
		{Trigger: "fish", Text: "+fish", IntervalMs: 60000},
	})
	if err != nil {
		t.Fatalf("SaveCommands: %v", err)
	}
	pilot := env.startPilot(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pilot.RebuildTimers(context.Background()); err != nil {
				t.Errorf("RebuildTimers: %v", err)
			}
		}()
	}
	wg.Wait()

	pilot.sched.mu.Lock()
	armed := len(pilot.sched.stops)
	pilot.sched.mu.Unlock()
	if armed != 1 {
		t.Fatalf("%d timers armed for one command", armed)
	}
}

func TestRebuildAfterStopArmsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.configureChannel(t, "chan-1")
	err := env.store.SaveCommands(context.Background(), "id-1", []model.Command{
		{Trigger: "fish", Text: "+fish", IntervalMs: 60000},
	})
	if err != nil {
		t.Fatalf("SaveCommands: %v", err)
	}

	pilot := env.startPilot(t)
	env.registry.Stop("id-1")

	// A mutation handler may still hold the pilot it fetched before the stop.
	if err := pilot.RebuildTimers(context.Background()); err != nil {
		t.Fatalf("RebuildTimers: %v", err)
	}

	pilot.sched.mu.Lock()
	armed := len(pilot.sched.stops)
	pilot.sched.mu.Unlock()
	if armed != 0 {
		t.Fatalf("%d timers armed on a stopped session", armed)
	}
}

func TestManualCommandsGetNoTimer(t *testing.T) {
	env := newTestEnv(t)
	env.configureChannel(t, "chan-1")
	err := env.store.SaveCommands(context.Background(), "id-1", []model.Command{
		{Trigger: "manual", Text: "+manual"},
		{Trigger: "fish", Text: "+fish", IntervalMs: 60000},
		{Trigger: "bad-range", Text: "+bad", MinDelayMs: 500, MaxDelayMs: 100},
	})
	if err != nil {
		t.Fatalf("SaveCommands: %v", err)
	}

	pilot := env.startPilot(t)

	pilot.sched.mu.Lock()
	armed := len(pilot.sched.stops)
	pilot.sched.mu.Unlock()
	if armed != 1 {
		t.Fatalf("%d timers armed, want 1", armed)
	}
}

func TestSendMessageWhileLocked(t *testing.T) {
	env := newTestEnv(t)
	pilot := env.startPilot(t)
	env.lockChallenge(t, true)

	err := pilot.SendMessage(context.Background(), "chan-1", "hello")
	if !errors.Is(err, ErrChallengeLocked) {
		t.Fatalf("err = %v, want ErrChallengeLocked", err)
	}
	if env.dialer.lastSession().sentCount() != 0 {
		t.Fatal("locked manual send must not reach the wire")
	}
}

func TestSolveChallengeSendsWithoutUnlocking(t *testing.T) {
	env := newTestEnv(t)
	env.configureChannel(t, "chan-1")
	pilot := env.startPilot(t)
	env.lockChallenge(t, true)

	if err := pilot.SolveChallenge(context.Background(), "a1b2c3", ""); err != nil {
		t.Fatalf("SolveChallenge: %v", err)
	}

	last, ok := env.dialer.lastSession().lastSent()
	if !ok || last.Channel != "chan-1" || last.Text != "+captcha a1b2c3" {
		t.Fatalf("unexpected send: %+v", last)
	}

	// Only the platform's confirmation flips the state.
	state, _ := env.store.ChallengeState(context.Background(), "id-1")
	if !state.Active {
		t.Fatal("submitting a solution must not clear the lock")
	}
}

func TestSolveChallengeChannelOverride(t *testing.T) {
	env := newTestEnv(t)
	pilot := env.startPilot(t)

	if err := pilot.SolveChallenge(context.Background(), "xyz", "chan-override"); err != nil {
		t.Fatalf("SolveChallenge: %v", err)
	}
	last, _ := env.dialer.lastSession().lastSent()
	if last.Channel != "chan-override" {
		t.Fatalf("sent to %q, want chan-override", last.Channel)
	}

	if err := pilot.SolveChallenge(context.Background(), "xyz", ""); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("err = %v, want ErrNoChannel", err)
	}
}

func TestChallengeLockViaInboundMessages(t *testing.T) {
	env := newTestEnv(t)
	env.startPilot(t)
	sess := env.dialer.lastSession()

	sess.emit(remote.Message{
		ID:        "m1",
		ChannelID: "chan-1",
		Content: "STOP USING THIS COMMAND OR YOU WILL GET BLACKLISTED. " +
			"complete the captcha using the image below",
	})

	state, _ := env.store.ChallengeState(context.Background(), "id-1")
	if !state.Active {
		t.Fatal("prompt must persist a lock")
	}
	if env.sink.count("challenge-locked") != 1 {
		t.Fatal("expected a challenge-locked event")
	}

	// A confirmation mentioning somebody else must not unlock us.
	sess.emit(remote.Message{
		ID:       "m2",
		Content:  "captcha completed, you can keep playing!",
		Mentions: []string{"someone-else"},
	})
	state, _ = env.store.ChallengeState(context.Background(), "id-1")
	if !state.Active {
		t.Fatal("foreign confirmation cleared the lock")
	}

	sess.emit(remote.Message{
		ID:       "m3",
		Content:  "captcha completed, you can keep playing!",
		Mentions: []string{"id-1"},
	})
	state, _ = env.store.ChallengeState(context.Background(), "id-1")
	if state.Active {
		t.Fatal("confirmation for this account must clear the lock")
	}
	if env.sink.count("challenge-solved") != 1 {
		t.Fatal("expected a challenge-solved event")
	}
}

func TestAutoDeleteByEmbedColor(t *testing.T) {
	env := newTestEnv(t)
	pilot := env.startPilot(t)
	sess := env.dialer.lastSession()

	pilot.ApplyAutoDelete(model.AutoDeleteConfig{
		Enabled:   true,
		ChannelID: "chan-1",
		Colors:    []int{16711680},
	})

	// Matching color: deleted, and its buttons are never clicked.
	sess.emit(remote.Message{
		ID:        "m1",
		ChannelID: "chan-1",
		Embeds:    []remote.Embed{{Color: 16711680}},
		Buttons:   []remote.Button{{CustomID: "b1"}},
	})
	sess.mu.Lock()
	deleted := len(sess.deleted)
	sess.mu.Unlock()
	if deleted != 1 {
		t.Fatalf("deleted %d messages, want 1", deleted)
	}

	// Other channels are untouched.
	sess.emit(remote.Message{
		ID:        "m2",
		ChannelID: "chan-other",
		Embeds:    []remote.Embed{{Color: 16711680}},
	})
	sess.mu.Lock()
	deleted = len(sess.deleted)
	sess.mu.Unlock()
	if deleted != 1 {
		t.Fatal("message outside the configured channel was deleted")
	}

	time.Sleep(1200 * time.Millisecond)
	sess.mu.Lock()
	clicked := len(sess.clicked)
	sess.mu.Unlock()
	if clicked != 0 {
		t.Fatal("deleted message must not be clicked")
	}
}

func TestAutoClickAfterDelay(t *testing.T) {
	env := newTestEnv(t)
	pilot := env.startPilot(t)
	sess := env.dialer.lastSession()

	pilot.ApplyAutoDelete(model.AutoDeleteConfig{
		Enabled:   true,
		ChannelID: "chan-1",
		Colors:    []int{16711680},
	})

	// No color match but a button: clicked after the settle delay.
	sess.emit(remote.Message{
		ID:        "m1",
		ChannelID: "chan-1",
		Embeds:    []remote.Embed{{Color: 255}},
		Buttons:   []remote.Button{{CustomID: "claim"}},
	})

	deadline := time.After(3 * time.Second)
	for {
		sess.mu.Lock()
		clicked := len(sess.clicked)
		sess.mu.Unlock()
		if clicked == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("button never clicked")
		case <-time.After(50 * time.Millisecond):
		}
	}
	sess.mu.Lock()
	custom := sess.clicked[0]
	sess.mu.Unlock()
	if custom != "claim" {
		t.Fatalf("clicked %q, want claim", custom)
	}
}

func TestAutoClickGatedByLock(t *testing.T) {
	env := newTestEnv(t)
	pilot := env.startPilot(t)
	sess := env.dialer.lastSession()
	env.lockChallenge(t, true)

	pilot.ApplyAutoDelete(model.AutoDeleteConfig{
		Enabled:   true,
		ChannelID: "chan-1",
		Colors:    []int{16711680},
	})

	sess.emit(remote.Message{
		ID:        "m1",
		ChannelID: "chan-1",
		Embeds:    []remote.Embed{{Color: 255}},
		Buttons:   []remote.Button{{CustomID: "claim"}},
	})

	time.Sleep(1200 * time.Millisecond)
	sess.mu.Lock()
	clicked := len(sess.clicked)
	sess.mu.Unlock()
	if clicked != 0 {
		t.Fatal("locked identity must not click")
	}
}

func TestAutoDeleteRunsWhileLocked(t *testing.T) {
	env := newTestEnv(t)
	pilot := env.startPilot(t)
	sess := env.dialer.lastSession()
	env.lockChallenge(t, true)

	pilot.ApplyAutoDelete(model.AutoDeleteConfig{
		Enabled:   true,
		ChannelID: "chan-1",
		Colors:    []int{16711680},
	})

	// The cleanup filter is exempt from the lock.
	sess.emit(remote.Message{
		ID:        "m1",
		ChannelID: "chan-1",
		Embeds:    []remote.Embed{{Color: 16711680}},
	})
	sess.mu.Lock()
	deleted := len(sess.deleted)
	sess.mu.Unlock()
	if deleted != 1 {
		t.Fatal("auto-delete must keep working under a lock")
	}
}

func TestApplyPresence(t *testing.T) {
	env := newTestEnv(t)
	pilot := env.startPilot(t)
	sess := env.dialer.lastSession()

	err := pilot.ApplyPresence(context.Background(), true, model.PresenceConfig{Type: "PLAYING", Name: "chess"})
	if err != nil {
		t.Fatalf("ApplyPresence: %v", err)
	}
	sess.mu.Lock()
	presence := sess.presence
	sess.mu.Unlock()
	if presence == nil || presence.Name != "chess" {
		t.Fatalf("presence not applied: %+v", presence)
	}

	if err := pilot.ApplyPresence(context.Background(), false, model.PresenceConfig{}); err != nil {
		t.Fatalf("ApplyPresence: %v", err)
	}
	sess.mu.Lock()
	presence = sess.presence
	sess.mu.Unlock()
	if presence != nil {
		t.Fatal("disabling must clear the presence")
	}
}
