package bot

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"msgpilot/internal/crypto"
	"msgpilot/internal/model"
	"msgpilot/internal/remote"
	"msgpilot/internal/store"
)

type sentMessage struct {
	Channel string
	Text    string
}

// fakeSession is an in-memory remote.Session for exercising the core without
// a wire.
type fakeSession struct {
	mu       sync.Mutex
	selfID   string
	selfName string

	connectErr error
	sendErr    error
	fetchErr   error

	connected bool
	closed    bool
	sent      []sentMessage
	deleted   []string
	clicked   []string
	presence  *remote.Presence

	onMessage    func(remote.Message)
	onDisconnect func(error)
}

func newFakeSession(selfID, selfName string) *fakeSession {
	return &fakeSession{selfID: selfID, selfName: selfName}
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) SelfID() string   { return s.selfID }
func (s *fakeSession) SelfName() string { return s.selfName }

func (s *fakeSession) Stats() remote.Stats {
	return remote.Stats{LatencyMs: 42, PeerCount: 1}
}

func (s *fakeSession) FetchChannel(ctx context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchErr
}

func (s *fakeSession) Send(ctx context.Context, channelID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentMessage{Channel: channelID, Text: text})
	return nil
}

func (s *fakeSession) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, messageID)
	return nil
}

func (s *fakeSession) ClickButton(ctx context.Context, channelID, messageID, customID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicked = append(s.clicked, customID)
	return nil
}

func (s *fakeSession) SetPresence(ctx context.Context, p *remote.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = p
	return nil
}

func (s *fakeSession) OnMessage(fn func(remote.Message)) { s.onMessage = fn }
func (s *fakeSession) OnDisconnect(fn func(error))       { s.onDisconnect = fn }
func (s *fakeSession) emit(msg remote.Message)           { s.onMessage(msg) }

func (s *fakeSession) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSession) lastSent() (sentMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return sentMessage{}, false
	}
	return s.sent[len(s.sent)-1], true
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeDialer hands out queued sessions, falling back to fresh ones.
type fakeDialer struct {
	mu     sync.Mutex
	queued []*fakeSession
	dials  int
	last   *fakeSession
}

func (d *fakeDialer) dial(credential string) remote.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	var s *fakeSession
	if len(d.queued) > 0 {
		s = d.queued[0]
		d.queued = d.queued[1:]
	} else {
		s = newFakeSession("id-1", "Tester")
	}
	d.last = s
	return s
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastSession() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

type sinkEvent struct {
	Key   string
	Event string
}

type recordSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordSink) Publish(identityKey, event string, body map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{Key: identityKey, Event: event})
}

func (s *recordSink) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

type testEnv struct {
	store    *store.Store
	dialer   *fakeDialer
	sink     *recordSink
	registry *Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	box, err := crypto.New("test-key")
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "bot.db"), box)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if _, err := st.CreateIdentity(context.Background(), "id-1", "Tester", "credential"); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}

	dialer := &fakeDialer{}
	sink := &recordSink{}
	registry := NewRegistry(Options{
		Store:            st,
		Dial:             dialer.dial,
		Log:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Events:           sink,
		ConnectTimeout:   time.Second,
		ReconnectBackoff: 20 * time.Millisecond,
	})
	t.Cleanup(func() { registry.StopAll(time.Second) })

	return &testEnv{store: st, dialer: dialer, sink: sink, registry: registry}
}

func (e *testEnv) configureChannel(t *testing.T, channelID string) {
	t.Helper()
	settings, err := e.store.Settings(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	settings.ChannelID = channelID
	if err := e.store.SaveSettings(context.Background(), "id-1", settings); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
}

func (e *testEnv) lockChallenge(t *testing.T, active bool) {
	t.Helper()
	err := e.store.SaveChallengeState(context.Background(), "id-1", model.ChallengeState{Active: active})
	if err != nil {
		t.Fatalf("SaveChallengeState: %v", err)
	}
}

func (e *testEnv) startPilot(t *testing.T) *Pilot {
	t.Helper()
	pilot, err := e.registry.GetOrCreate(context.Background(), "id-1", true)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return pilot
}
