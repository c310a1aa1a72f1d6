// Package bot is the automation core: the process-wide registry of live
// sessions, the per-identity pilot with its challenge state machine, and the
// scheduled-send engine.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"msgpilot/internal/model"
	"msgpilot/internal/remote"
	"msgpilot/internal/store"
)

// ErrNotRunning is returned by operations that need a live session.
var ErrNotRunning = errors.New("bot: session is not running")

// EventSink receives operator-facing lifecycle events. The websocket hub
// implements it; tests use stubs.
type EventSink interface {
	Publish(identityKey, event string, body map[string]interface{})
}

type Options struct {
	Store            *store.Store
	Dial             remote.Dialer
	Log              *slog.Logger
	Events           EventSink
	ConnectTimeout   time.Duration
	ReconnectBackoff time.Duration
	HTTPClient       *http.Client
}

// Registry is the single authority over identity-key → live pilot. Every
// session created or destroyed in this process flows through it.
type Registry struct {
	store            *store.Store
	dial             remote.Dialer
	log              *slog.Logger
	events           EventSink
	connectTimeout   time.Duration
	reconnectBackoff time.Duration
	fetch            evidenceFetcher

	mu            sync.Mutex
	pilots        map[string]*Pilot
	zombieRetried map[string]bool

	group singleflight.Group
}

func NewRegistry(opts Options) *Registry {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 45 * time.Second
	}
	reconnectBackoff := opts.ReconnectBackoff
	if reconnectBackoff <= 0 {
		reconnectBackoff = 5 * time.Second
	}
	return &Registry{
		store:            opts.Store,
		dial:             opts.Dial,
		log:              opts.Log,
		events:           opts.Events,
		connectTimeout:   connectTimeout,
		reconnectBackoff: reconnectBackoff,
		fetch:            httpEvidenceFetcher(opts.HTTPClient),
		pilots:           make(map[string]*Pilot),
		zombieRetried:    make(map[string]bool),
	}
}

func (r *Registry) publish(identityKey, event string, body map[string]interface{}) {
	if r.events != nil {
		r.events.Publish(identityKey, event, body)
	}
}

// Get returns the live pilot for an identity without ever creating one. Used
// by authentication and status paths that must not spin up a connection.
func (r *Registry) Get(identityKey string) *Pilot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pilots[identityKey]
}

// GetOrCreate returns the identity's pilot, starting one when allowed. An
// existing pilot gets its automation toggles re-armed, so a start request
// against a running session doubles as "resume all". Concurrent calls for
// the same identity share a single connection attempt.
func (r *Registry) GetOrCreate(ctx context.Context, identityKey string, allowCreate bool) (*Pilot, error) {
	r.mu.Lock()
	if p, ok := r.pilots[identityKey]; ok {
		delete(r.zombieRetried, identityKey)
		r.mu.Unlock()
		p.enableAll()
		return p, nil
	}
	r.mu.Unlock()

	if !allowCreate {
		return nil, nil
	}

	v, err, _ := r.group.Do(identityKey, func() (interface{}, error) {
		r.mu.Lock()
		if p, ok := r.pilots[identityKey]; ok {
			r.mu.Unlock()
			p.enableAll()
			return p, nil
		}
		r.mu.Unlock()
		return r.start(ctx, identityKey)
	})
	if err != nil {
		return nil, err
	}
	p := v.(*Pilot)

	r.mu.Lock()
	delete(r.zombieRetried, identityKey)
	r.mu.Unlock()
	return p, nil
}

func (r *Registry) start(ctx context.Context, identityKey string) (*Pilot, error) {
	ident, err := r.store.IdentityByKey(ctx, identityKey)
	if err != nil {
		return nil, err
	}

	sess := r.dial(ident.Credential)
	pilot := newPilot(identityKey, sess, r.store, r, r.log, r.fetch)

	sess.OnMessage(pilot.handleMessage)
	sess.OnDisconnect(func(cause error) {
		go r.onDisconnect(identityKey, pilot, cause)
	})

	connectCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()
	if err := sess.Connect(connectCtx); err != nil {
		_ = sess.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, remote.ErrConnectTimeout
		}
		return nil, err
	}

	if name := sess.SelfName(); name != "" && name != ident.DisplayName {
		if err := r.store.SetDisplayName(ctx, identityKey, name); err != nil {
			r.log.Warn("display name update failed", "identity", identityKey, "err", err)
		}
	}

	settings, err := r.store.Settings(ctx, identityKey)
	if err != nil {
		r.log.Warn("settings load failed on start", "identity", identityKey, "err", err)
		settings = model.Settings{}
	}
	pilot.ApplyAutoDelete(settings.AutoDelete)

	// The entry goes in before the timers start so the registry never holds
	// a running scheduler it does not know about.
	r.mu.Lock()
	r.pilots[identityKey] = pilot
	r.mu.Unlock()

	if err := pilot.RebuildTimers(ctx); err != nil {
		r.log.Error("timer setup failed", "identity", identityKey, "err", err)
	}
	if settings.PresenceEnabled {
		if err := pilot.ApplyPresence(ctx, true, settings.Presence); err != nil {
			r.log.Warn("presence restore failed", "identity", identityKey, "err", err)
		}
	}

	r.log.Info("session started", "identity", identityKey, "name", sess.SelfName())
	r.publish(identityKey, "session-started", map[string]interface{}{"name": sess.SelfName()})
	return pilot, nil
}

// Stop tears the identity's session down. Idempotent, and safe to call from
// a disconnect handler: pilot shutdown happens outside the registry lock.
func (r *Registry) Stop(identityKey string) {
	r.mu.Lock()
	pilot, ok := r.pilots[identityKey]
	if ok {
		delete(r.pilots, identityKey)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	pilot.shutdown()
	r.log.Info("session stopped", "identity", identityKey)
	r.publish(identityKey, "session-stopped", nil)
}

// Suspend pauses automation without dropping the connection, matching the
// operator-facing stop button: toggles off, timers keep gating themselves.
func (r *Registry) Suspend(identityKey string) bool {
	p := r.Get(identityKey)
	if p == nil {
		return false
	}
	p.disableAll()
	return true
}

// StopAll stops every live session, bounding each disconnect so shutdown is
// never hostage to a slow close.
func (r *Registry) StopAll(perSessionTimeout time.Duration) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.pilots))
	for key := range r.pilots {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	for _, key := range keys {
		done := make(chan struct{})
		go func(k string) {
			r.Stop(k)
			close(done)
		}(key)
		select {
		case <-done:
		case <-time.After(perSessionTimeout):
			r.log.Warn("session stop timed out", "identity", key)
		}
	}
}

func (r *Registry) onDisconnect(identityKey string, pilot *Pilot, cause error) {
	if pilot.isStopped() {
		return
	}
	r.log.Error("session lost", "identity", identityKey, "err", cause)
	r.Stop(identityKey)
	if errors.Is(cause, remote.ErrZombie) {
		r.scheduleReconnect(identityKey)
	}
}

// zombie is the scheduler's fatal path: the platform invalidated the token
// mid-run. Stop everything, then try to come back exactly once.
func (r *Registry) zombie(identityKey string) {
	r.Stop(identityKey)
	r.scheduleReconnect(identityKey)
}

// scheduleReconnect arms one delayed reconnect attempt. A second zombie
// failure before a successful start leaves the session stopped until an
// operator intervenes, so a revoked credential cannot cause a retry loop.
func (r *Registry) scheduleReconnect(identityKey string) {
	r.mu.Lock()
	if r.zombieRetried[identityKey] {
		r.mu.Unlock()
		r.log.Warn("reconnect already attempted, staying down", "identity", identityKey)
		return
	}
	r.zombieRetried[identityKey] = true
	r.mu.Unlock()

	r.log.Info("scheduling reconnect", "identity", identityKey, "backoff", r.reconnectBackoff)
	time.AfterFunc(r.reconnectBackoff, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.connectTimeout)
		defer cancel()
		if _, err := r.reconnect(ctx, identityKey); err != nil {
			r.log.Error("reconnect failed", "identity", identityKey, "err", err)
		}
	})
}

// reconnect is GetOrCreate without clearing the retry ledger, so a failed
// comeback does not earn another attempt.
func (r *Registry) reconnect(ctx context.Context, identityKey string) (*Pilot, error) {
	v, err, _ := r.group.Do(identityKey, func() (interface{}, error) {
		r.mu.Lock()
		if p, ok := r.pilots[identityKey]; ok {
			r.mu.Unlock()
			return p, nil
		}
		r.mu.Unlock()
		return r.start(ctx, identityKey)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pilot), nil
}

// Status is the operator status view. It never errors on a down session:
// challenge state comes from the persistent store either way.
type Status struct {
	Connected   bool
	DisplayName string
	Stats       remote.Stats
	Features    Features
	Challenge   model.ChallengeState
}

func (r *Registry) Status(ctx context.Context, identityKey string) (Status, error) {
	state, err := r.store.ChallengeState(ctx, identityKey)
	if err != nil {
		return Status{}, err
	}

	st := Status{Challenge: state}
	if p := r.Get(identityKey); p != nil {
		st.Connected = true
		st.DisplayName = p.SelfName()
		st.Stats = p.Stats()
		st.Features = p.Features()
	}
	return st, nil
}
