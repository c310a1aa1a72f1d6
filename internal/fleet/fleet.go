// Package fleet runs the secondary spam accounts. Workers are much simpler
// than a full pilot: one connection, a channel rotation, and a delay loop.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"msgpilot/internal/model"
	"msgpilot/internal/remote"
	"msgpilot/internal/store"
)

var (
	// ErrAlreadyRunning means a start was issued for a worker that is live.
	ErrAlreadyRunning = errors.New("fleet: worker already running")
	// ErrNoChannels means none of the worker's configured channels could be
	// fetched, so there is nothing to send to.
	ErrNoChannels = errors.New("fleet: no reachable channels configured")
)

const (
	fillerLetters = 50
	fillerDigits  = 30

	sendTimeout      = 15 * time.Second
	broadcastTimeout = 15 * time.Second

	broadcastPrefix = "+potato"
)

type Manager struct {
	store          *store.Store
	dial           remote.Dialer
	log            *slog.Logger
	connectTimeout time.Duration

	// limiter paces the whole fleet's outbound sends so a large worker set
	// cannot burst the platform all at once.
	limiter *rate.Limiter

	mu      sync.Mutex
	running map[int64]*runner
	// starting holds ids reserved by an in-flight launch so concurrent
	// starts for the same worker cannot both dial.
	starting map[int64]struct{}
}

type Options struct {
	Store          *store.Store
	Dial           remote.Dialer
	Log            *slog.Logger
	ConnectTimeout time.Duration
	SendRate       rate.Limit
	SendBurst      int
}

func NewManager(opts Options) *Manager {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 45 * time.Second
	}
	sendRate := opts.SendRate
	if sendRate <= 0 {
		sendRate = 5
	}
	burst := opts.SendBurst
	if burst <= 0 {
		burst = 3
	}
	return &Manager{
		store:          opts.Store,
		dial:           opts.Dial,
		log:            opts.Log,
		connectTimeout: connectTimeout,
		limiter:        rate.NewLimiter(sendRate, burst),
		running:        make(map[int64]*runner),
		starting:       make(map[int64]struct{}),
	}
}

// runner is one live worker loop.
type runner struct {
	worker   model.Worker
	sess     remote.Session
	channels []string
	stop     chan struct{}
	done     chan struct{}
}

// Running reports whether the worker is currently live.
func (m *Manager) Running(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// Start brings one worker online: connect, verify its channel list, persist
// the active flag and launch the send loop.
func (m *Manager) Start(ctx context.Context, ownerKey string, id int64) error {
	m.mu.Lock()
	if _, ok := m.running[id]; ok {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.mu.Unlock()

	worker, err := m.store.Worker(ctx, ownerKey, id)
	if err != nil {
		return err
	}
	return m.launch(ctx, worker)
}

func (m *Manager) launch(ctx context.Context, worker model.Worker) error {
	m.mu.Lock()
	if _, ok := m.running[worker.ID]; ok {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	if _, ok := m.starting[worker.ID]; ok {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.starting[worker.ID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, worker.ID)
		m.mu.Unlock()
	}()

	sess := m.dial(worker.Credential)

	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	if err := sess.Connect(connectCtx); err != nil {
		_ = sess.Close()
		return fmt.Errorf("worker %d connect: %w", worker.ID, err)
	}

	channels := m.verifyChannels(ctx, sess, worker)
	if len(channels) == 0 {
		_ = sess.Close()
		if err := m.store.SetWorkerActive(ctx, worker.OwnerID, worker.ID, false); err != nil {
			m.log.Warn("worker status update failed", "worker", worker.ID, "err", err)
		}
		return ErrNoChannels
	}

	if name := sess.SelfName(); name != "" && name != worker.DisplayName {
		if err := m.store.SetWorkerDisplayName(ctx, worker.OwnerID, worker.ID, name); err != nil {
			m.log.Warn("worker name update failed", "worker", worker.ID, "err", err)
		}
	}
	if err := m.store.SetWorkerActive(ctx, worker.OwnerID, worker.ID, true); err != nil {
		_ = sess.Close()
		return err
	}

	r := &runner{
		worker:   worker,
		sess:     sess,
		channels: channels,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.running[worker.ID] = r
	m.mu.Unlock()

	sess.OnDisconnect(func(cause error) {
		go m.onDisconnect(r, cause)
	})

	go m.loop(r)
	m.log.Info("worker started", "worker", worker.ID, "owner", worker.OwnerID,
		"channels", len(channels), "source", worker.Config.Source)
	return nil
}

// verifyChannels keeps only the channels the worker can actually reach.
func (m *Manager) verifyChannels(ctx context.Context, sess remote.Session, worker model.Worker) []string {
	reachable := make([]string, 0, len(worker.Config.Channels))
	for _, ch := range worker.Config.Channels {
		fetchCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sess.FetchChannel(fetchCtx, ch)
		cancel()
		if err != nil {
			m.log.Warn("worker channel unreachable", "worker", worker.ID, "channel", ch, "err", err)
			continue
		}
		reachable = append(reachable, ch)
	}
	return reachable
}

// Stop takes one worker offline and clears its persisted active flag.
func (m *Manager) Stop(ctx context.Context, ownerKey string, id int64) error {
	if _, err := m.store.Worker(ctx, ownerKey, id); err != nil {
		return err
	}
	m.stopRunner(id)
	return m.store.SetWorkerActive(ctx, ownerKey, id, false)
}

// StopAll disconnects every live worker without touching the persisted active
// flags, so the next boot restores the same fleet.
func (m *Manager) StopAll(perWorkerTimeout time.Duration) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		done := make(chan struct{})
		go func(workerID int64) {
			m.stopRunner(workerID)
			close(done)
		}(id)
		select {
		case <-done:
		case <-time.After(perWorkerTimeout):
			m.log.Warn("worker stop timed out", "worker", id)
		}
	}
}

func (m *Manager) stopRunner(id int64) {
	m.mu.Lock()
	r, ok := m.running[id]
	if ok {
		delete(m.running, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	close(r.stop)
	_ = r.sess.Close()
	<-r.done
	m.log.Info("worker stopped", "worker", id)
}

func (m *Manager) onDisconnect(r *runner, cause error) {
	m.mu.Lock()
	live, ok := m.running[r.worker.ID]
	m.mu.Unlock()
	if !ok || live != r {
		return
	}
	m.log.Error("worker connection lost", "worker", r.worker.ID, "err", cause)
	m.stopRunner(r.worker.ID)

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.store.SetWorkerActive(ctx, r.worker.OwnerID, r.worker.ID, false); err != nil {
		m.log.Warn("worker status update failed", "worker", r.worker.ID, "err", err)
	}
}

// RestoreAll relaunches every worker that was active when the process last
// stopped. Individual failures are logged and skipped.
func (m *Manager) RestoreAll(ctx context.Context) {
	workers, err := m.store.ActiveWorkers(ctx)
	if err != nil {
		m.log.Error("fleet restore query failed", "err", err)
		return
	}
	for _, w := range workers {
		if err := m.launch(ctx, w); err != nil {
			m.log.Error("fleet restore skipped worker", "worker", w.ID, "err", err)
		}
	}
	if len(workers) > 0 {
		m.log.Info("fleet restore complete", "workers", len(workers))
	}
}

func (m *Manager) loop(r *runner) {
	defer close(r.done)

	cfg := r.worker.Config
	next := 0
	for {
		select {
		case <-r.stop:
			return
		case <-time.After(loopDelay(cfg)):
		}

		channel := r.channels[next%len(r.channels)]
		next++

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := m.sendPaced(ctx, r.sess, channel, m.content(ctx, r.worker))
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, remote.ErrZombie) || errors.Is(err, remote.ErrClosed) {
			m.log.Error("worker session dead, shutting down", "worker", r.worker.ID, "err", err)
			go m.retire(r)
			return
		}
		m.log.Warn("worker send failed", "worker", r.worker.ID, "channel", channel, "err", err)
	}
}

// retire removes a dead runner and clears its active flag. Runs off the loop
// goroutine so stopRunner can wait on done.
func (m *Manager) retire(r *runner) {
	m.stopRunner(r.worker.ID)
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.store.SetWorkerActive(ctx, r.worker.OwnerID, r.worker.ID, false); err != nil {
		m.log.Warn("worker status update failed", "worker", r.worker.ID, "err", err)
	}
}

func (m *Manager) sendPaced(ctx context.Context, sess remote.Session, channel, text string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	return sess.Send(ctx, channel, text)
}

func loopDelay(cfg model.WorkerConfig) time.Duration {
	min, max := cfg.MinDelayMs, cfg.MaxDelayMs
	if min <= 0 {
		min = 8000
	}
	if max < min {
		max = min + 1000
	}
	span := max - min
	if span <= 0 {
		return time.Duration(min) * time.Millisecond
	}
	return time.Duration(min+rand.Int63n(span+1)) * time.Millisecond
}

// content picks the next message body according to the worker's source mode.
func (m *Manager) content(ctx context.Context, worker model.Worker) string {
	switch worker.Config.Source {
	case model.SourceOwnCommands:
		if msgs := worker.Config.Messages; len(msgs) > 0 {
			return msgs[rand.Intn(len(msgs))]
		}
	case model.SourceMainCommands:
		cmds, err := m.store.Commands(ctx, worker.OwnerID)
		if err != nil {
			m.log.Warn("worker command source read failed", "worker", worker.ID, "err", err)
		} else if len(cmds) > 0 {
			return cmds[rand.Intn(len(cmds))].Text
		}
	}
	return randomFiller()
}

// randomFiller is the default spam body: 50 letters and 30 digits shuffled
// together, a fresh draw per send.
func randomFiller() string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	const digits = "0123456789"

	buf := make([]byte, 0, fillerLetters+fillerDigits)
	for i := 0; i < fillerLetters; i++ {
		buf = append(buf, letters[rand.Intn(len(letters))])
	}
	for i := 0; i < fillerDigits; i++ {
		buf = append(buf, digits[rand.Intn(len(digits))])
	}
	rand.Shuffle(len(buf), func(i, j int) {
		buf[i], buf[j] = buf[j], buf[i]
	})
	return string(buf)
}

// BroadcastToTarget sends the targeting command from every worker the owner
// has, using each worker's first configured channel. Workers that are not
// running get a temporary login that is closed right after the send. Returns
// how many workers delivered.
func (m *Manager) BroadcastToTarget(ctx context.Context, ownerKey, targetID string) (int, error) {
	workers, err := m.store.Workers(ctx, ownerKey)
	if err != nil {
		return 0, err
	}

	text := fmt.Sprintf("%s <@%s>", broadcastPrefix, targetID)
	delivered := 0
	for _, w := range workers {
		if len(w.Config.Channels) == 0 {
			m.log.Warn("broadcast skipped worker, no channels", "worker", w.ID)
			continue
		}
		if err := m.broadcastOne(ctx, w, text); err != nil {
			m.log.Warn("broadcast failed for worker", "worker", w.ID, "err", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (m *Manager) broadcastOne(ctx context.Context, w model.Worker, text string) error {
	channel := w.Config.Channels[0]

	m.mu.Lock()
	r, running := m.running[w.ID]
	m.mu.Unlock()
	if running {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		return m.sendPaced(sendCtx, r.sess, channel, text)
	}

	// Temporary login: connect, send, tear down.
	sess := m.dial(w.Credential)
	tmpCtx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()
	if err := sess.Connect(tmpCtx); err != nil {
		_ = sess.Close()
		return err
	}
	defer sess.Close()

	if err := sess.FetchChannel(tmpCtx, channel); err != nil {
		return err
	}
	return m.sendPaced(tmpCtx, sess, channel, text)
}
