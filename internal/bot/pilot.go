package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"msgpilot/internal/model"
	"msgpilot/internal/remote"
	"msgpilot/internal/store"
)

var (
	// ErrChallengeLocked is returned for outbound sends attempted while the
	// identity's challenge lock is active. Callers surface it to the
	// operator; it is never a silent drop.
	ErrChallengeLocked = errors.New("bot: challenge lock active, solve it first")
	// ErrNoChannel means no target channel is configured for the identity.
	ErrNoChannel = errors.New("bot: no channel configured")
)

const clickDelay = time.Second

// Features are the per-session automation toggles. Stop disables both;
// a start re-arms both.
type Features struct {
	Sending bool `json:"messages"`
	Click   bool `json:"click"`
}

// Pilot is the runtime owner of one identity: its live remote session, its
// scheduled-send timers and its automation toggles.
type Pilot struct {
	key      string
	store    *store.Store
	sess     remote.Session
	registry *Registry
	log      *slog.Logger
	fetch    evidenceFetcher

	sched *scheduler

	mu         sync.Mutex
	features   Features
	autoDelete model.AutoDeleteConfig
	stopped    bool
}

func newPilot(key string, sess remote.Session, st *store.Store, reg *Registry, log *slog.Logger, fetch evidenceFetcher) *Pilot {
	p := &Pilot{
		key:      key,
		store:    st,
		sess:     sess,
		registry: reg,
		log:      log,
		fetch:    fetch,
		features: Features{Sending: true, Click: true},
	}
	p.sched = newScheduler(p)
	return p
}

func (p *Pilot) SelfName() string    { return p.sess.SelfName() }
func (p *Pilot) Stats() remote.Stats { return p.sess.Stats() }

func (p *Pilot) Features() Features {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.features
}

// SetFeatures applies partial toggle updates and returns the new state.
func (p *Pilot) SetFeatures(sending, click *bool) Features {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sending != nil {
		p.features.Sending = *sending
	}
	if click != nil {
		p.features.Click = *click
	}
	return p.features
}

func (p *Pilot) enableAll() {
	p.mu.Lock()
	p.features = Features{Sending: true, Click: true}
	p.mu.Unlock()
}

func (p *Pilot) disableAll() {
	p.mu.Lock()
	p.features = Features{}
	p.mu.Unlock()
}

func (p *Pilot) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// shutdown releases every timer and the remote session. Disconnect errors
// are logged, never propagated.
func (p *Pilot) shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.sched.shutdown()
	if err := p.sess.Close(); err != nil {
		p.log.Warn("session close failed", "identity", p.key, "err", err)
	}
}

// RebuildTimers re-derives the timer set from the stored command list and
// settings. Called after every command or settings mutation.
func (p *Pilot) RebuildTimers(ctx context.Context) error {
	return p.sched.rebuild(ctx)
}

func (p *Pilot) ApplyAutoDelete(cfg model.AutoDeleteConfig) {
	p.mu.Lock()
	p.autoDelete = cfg
	p.mu.Unlock()
}

func (p *Pilot) autoDeleteConfig() model.AutoDeleteConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoDelete
}

// ApplyPresence pushes an activity update to the platform. A nil presence
// clears the activity.
func (p *Pilot) ApplyPresence(ctx context.Context, enabled bool, cfg model.PresenceConfig) error {
	if !enabled || cfg.Name == "" {
		return p.sess.SetPresence(ctx, nil)
	}
	return p.sess.SetPresence(ctx, &remote.Presence{
		Type:           cfg.Type,
		Name:           cfg.Name,
		Details:        cfg.Details,
		State:          cfg.State,
		URL:            cfg.URL,
		LargeImageKey:  cfg.LargeImageKey,
		LargeImageText: cfg.LargeImageText,
		SmallImageKey:  cfg.SmallImageKey,
		SmallImageText: cfg.SmallImageText,
		StartTimestamp: cfg.StartTimestamp,
	})
}

// SendMessage is the operator-initiated send path, gated by the challenge
// lock.
func (p *Pilot) SendMessage(ctx context.Context, channelID, text string) error {
	state, err := p.store.ChallengeState(ctx, p.key)
	if err != nil {
		return err
	}
	if state.Active {
		return ErrChallengeLocked
	}

	if err := p.sess.FetchChannel(ctx, channelID); err != nil {
		return err
	}
	return p.sess.Send(ctx, channelID, text)
}

// SolveChallenge submits an operator-typed solution through the normal send
// path. This is the one send allowed while locked: it is the mechanism to
// escape the lock. State only flips when the platform confirms.
func (p *Pilot) SolveChallenge(ctx context.Context, solution, overrideChannel string) error {
	channelID := overrideChannel
	if channelID == "" {
		settings, err := p.store.Settings(ctx, p.key)
		if err != nil {
			return err
		}
		channelID = settings.ChannelID
	}
	if channelID == "" {
		return ErrNoChannel
	}

	if err := p.sess.FetchChannel(ctx, channelID); err != nil {
		return err
	}
	return p.sess.Send(ctx, channelID, solutionText(solution))
}

// handleMessage is the inbound hook, invoked from the session's read loop.
func (p *Pilot) handleMessage(msg remote.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if p.runFilter(ctx, msg) {
		return
	}

	switch {
	case isChallengePrompt(msg):
		p.lock(ctx, msg)
	case isChallengeSolved(msg, p.sess.SelfID()):
		p.unlock(ctx)
	}
}

// runFilter applies the auto-delete / auto-click pass. Returns true when the
// message was deleted; a deleted message is never clicked.
func (p *Pilot) runFilter(ctx context.Context, msg remote.Message) bool {
	cfg := p.autoDeleteConfig()
	if !cfg.Enabled || cfg.ChannelID != msg.ChannelID {
		return false
	}
	if len(msg.Embeds) == 0 {
		return false
	}

	if embedColorMatches(msg, cfg.Colors) {
		delCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := p.sess.DeleteMessage(delCtx, msg.ChannelID, msg.ID); err != nil {
			// Timeouts are expected under platform lag; the message simply
			// stays.
			p.log.Warn("auto-delete failed", "identity", p.key, "message", msg.ID, "err", err)
		}
		return true
	}

	// No color match: click the first button, if the feature is armed and
	// the identity is not challenge-locked.
	if len(msg.Buttons) == 0 || !p.Features().Click {
		return false
	}
	state, err := p.store.ChallengeState(ctx, p.key)
	if err != nil || state.Active {
		return false
	}

	btn := msg.Buttons[0]
	time.AfterFunc(clickDelay, func() {
		clickCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if p.isStopped() {
			return
		}
		if err := p.sess.ClickButton(clickCtx, msg.ChannelID, msg.ID, btn.CustomID); err != nil {
			p.log.Warn("auto-click failed", "identity", p.key, "message", msg.ID, "err", err)
		}
	})
	return false
}

func embedColorMatches(msg remote.Message, colors []int) bool {
	for _, e := range msg.Embeds {
		if e.Color == 0 {
			continue
		}
		for _, c := range colors {
			if e.Color == c {
				return true
			}
		}
	}
	return false
}

func (p *Pilot) lock(ctx context.Context, msg remote.Message) {
	p.log.Warn("challenge detected", "identity", p.key)

	var evidence []byte
	if url := firstImageURL(msg); url != "" && p.fetch != nil {
		blob, err := p.fetch(url)
		if err != nil {
			// The lock takes effect regardless; the operator just gets no
			// image.
			p.log.Error("evidence download failed", "identity", p.key, "err", err)
		} else {
			evidence = blob
		}
	}

	state := model.ChallengeState{Active: true, Evidence: evidence, UpdatedAt: time.Now().UnixMilli()}
	if err := p.store.SaveChallengeState(ctx, p.key, state); err != nil {
		p.log.Error("challenge state persist failed", "identity", p.key, "err", err)
		return
	}
	p.registry.publish(p.key, "challenge-locked", map[string]interface{}{
		"hasEvidence": len(evidence) > 0,
	})
}

func (p *Pilot) unlock(ctx context.Context) {
	p.log.Info("challenge solved", "identity", p.key)
	state := model.ChallengeState{Active: false, UpdatedAt: time.Now().UnixMilli()}
	if err := p.store.SaveChallengeState(ctx, p.key, state); err != nil {
		p.log.Error("challenge state persist failed", "identity", p.key, "err", err)
		return
	}
	p.registry.publish(p.key, "challenge-solved", nil)
}
