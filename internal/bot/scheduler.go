package bot

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"msgpilot/internal/model"
	"msgpilot/internal/remote"
)

const (
	// armJitterMaxMs staggers timer arming so a freshly started session does
	// not fire every command at once.
	armJitterMaxMs = 250
	sendTimeout    = 15 * time.Second
)

// scheduler owns every recurring send timer of one pilot. rebuild is the only
// place timers are created; every command or settings mutation funnels
// through it so a stale interval can never keep firing.
type scheduler struct {
	pilot *Pilot

	// mu serializes whole rebuilds, not just the stops slice: the
	// teardown-read-arm sequence must be atomic or two racing mutations
	// can each arm a timer for the same command.
	mu     sync.Mutex
	stops  []chan struct{}
	closed bool
}

func newScheduler(p *Pilot) *scheduler {
	return &scheduler{pilot: p}
}

// rebuild tears down all timers and re-creates them from the stored command
// list. Safe to call on a running session at any time; after shutdown it is
// a no-op, so a rebuild racing a session stop cannot leave timers behind.
func (s *scheduler) rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	if s.closed {
		return nil
	}

	settings, err := s.pilot.store.Settings(ctx, s.pilot.key)
	if err != nil {
		return err
	}
	if settings.ChannelID == "" {
		return nil
	}
	cmds, err := s.pilot.store.Commands(ctx, s.pilot.key)
	if err != nil {
		return err
	}

	for _, cmd := range cmds {
		if !cmd.Scheduled() {
			continue
		}
		stop := make(chan struct{})
		s.stops = append(s.stops, stop)
		go s.run(cmd, stop)
	}
	return nil
}

// shutdown cancels every timer and refuses any further arming.
func (s *scheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.clearLocked()
}

// clearLocked cancels timers synchronously; a tick already past its channel
// read may still finish its send. Callers hold mu.
func (s *scheduler) clearLocked() {
	for _, stop := range s.stops {
		close(stop)
	}
	s.stops = nil
}

func (s *scheduler) run(cmd model.Command, stop chan struct{}) {
	timer := time.NewTimer(firstDelay(cmd))
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			s.pilot.scheduledSend(cmd)
			timer.Reset(nextDelay(cmd))
		}
	}
}

func firstDelay(cmd model.Command) time.Duration {
	jitter := time.Duration(rand.Int63n(armJitterMaxMs)+20) * time.Millisecond
	return nextDelay(cmd) + jitter
}

func nextDelay(cmd model.Command) time.Duration {
	if cmd.IntervalMs > 0 {
		return time.Duration(cmd.IntervalMs) * time.Millisecond
	}
	span := cmd.MaxDelayMs - cmd.MinDelayMs
	if span <= 0 {
		return time.Duration(cmd.MinDelayMs) * time.Millisecond
	}
	return time.Duration(cmd.MinDelayMs+rand.Int63n(span+1)) * time.Millisecond
}

// scheduledSend is one tick. Skips are silent: the timer keeps running and
// re-checks on the next tick.
func (p *Pilot) scheduledSend(cmd model.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if p.isStopped() || !p.Features().Sending {
		return
	}

	// Read-through: a tick that begins after a lock was persisted must see it.
	state, err := p.store.ChallengeState(ctx, p.key)
	if err != nil {
		p.log.Error("challenge state read failed", "identity", p.key, "err", err)
		return
	}
	if state.Active {
		return
	}

	settings, err := p.store.Settings(ctx, p.key)
	if err != nil || settings.ChannelID == "" {
		return
	}

	if err := p.sess.FetchChannel(ctx, settings.ChannelID); err != nil {
		p.handleSendError(cmd, err)
		return
	}
	if err := p.sess.Send(ctx, settings.ChannelID, cmd.Text); err != nil {
		p.handleSendError(cmd, err)
		return
	}

	if err := p.store.IncrementCommandUsage(ctx, p.key, cmd.Text); err != nil {
		p.log.Warn("usage counter update failed", "identity", p.key, "err", err)
	}
}

func (p *Pilot) handleSendError(cmd model.Command, err error) {
	if errors.Is(err, remote.ErrZombie) {
		p.log.Error("scheduled send hit a dead session", "identity", p.key, "command", cmd.Trigger)
		p.registry.zombie(p.key)
		return
	}
	if errors.Is(err, remote.ErrChannelUnavailable) {
		p.log.Warn("scheduled send skipped, channel unavailable", "identity", p.key, "command", cmd.Trigger)
		return
	}
	p.log.Error("scheduled send failed", "identity", p.key, "command", cmd.Trigger, "err", err)
}
