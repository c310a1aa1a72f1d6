package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Gateway op codes.
const (
	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opRequest      = 3
	opResponse     = 4
	opHeartbeatAck = 11
)

const (
	heartbeatPeriod = 41 * time.Second
	writeWait       = 10 * time.Second
	requestWait     = 15 * time.Second
)

type frame struct {
	Op    int             `json:"op"`
	Type  string          `json:"t,omitempty"`
	Nonce string          `json:"nonce,omitempty"`
	Data  json.RawMessage `json:"d,omitempty"`
}

type responseData struct {
	OK   bool   `json:"ok"`
	Code string `json:"code,omitempty"`
}

type readyData struct {
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	PeerCount int `json:"peer_count"`
}

type wireMessage struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Author    struct {
		ID string `json:"id"`
	} `json:"author"`
	Content  string `json:"content"`
	Mentions []struct {
		ID string `json:"id"`
	} `json:"mentions"`
	Attachments []struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
	} `json:"attachments"`
	Embeds []struct {
		Title string `json:"title"`
		Color int    `json:"color"`
	} `json:"embeds"`
	Components []struct {
		Components []struct {
			CustomID string `json:"custom_id"`
			Label    string `json:"label"`
		} `json:"components"`
	} `json:"components"`
}

// Gateway is the production Session over the platform websocket.
type Gateway struct {
	url        string
	credential string
	log        *slog.Logger

	mu        sync.Mutex // guards conn writes and handler registration
	conn      *websocket.Conn
	pending   map[string]chan responseData
	onMessage func(Message)
	onClose   func(error)
	closed    bool

	// also guarded by mu: written from the read loop, read by status calls
	selfID      string
	selfName    string
	peerCount   int
	latencyMs   int64
	connectedAt time.Time

	ready     chan error
	readyOnce sync.Once
	done      chan struct{}
}

// NewDialer returns a Dialer producing gateway sessions against the given URL.
func NewDialer(gatewayURL string, log *slog.Logger) Dialer {
	return func(credential string) Session {
		return &Gateway{
			url:        gatewayURL,
			credential: credential,
			log:        log,
			pending:    make(map[string]chan responseData),
			ready:      make(chan error, 1),
			done:       make(chan struct{}),
		}
	}
}

func (g *Gateway) OnMessage(fn func(Message)) {
	g.mu.Lock()
	g.onMessage = fn
	g.mu.Unlock()
}

func (g *Gateway) OnDisconnect(fn func(error)) {
	g.mu.Lock()
	g.onClose = fn
	g.mu.Unlock()
}

func (g *Gateway) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	identify, _ := json.Marshal(map[string]string{"token": g.credential})
	if err := g.writeFrame(frame{Op: opIdentify, Data: identify}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("identify: %w", err)
	}

	go g.readLoop()

	select {
	case err := <-g.ready:
		if err != nil {
			_ = g.Close()
			return err
		}
		g.mu.Lock()
		g.connectedAt = time.Now()
		g.mu.Unlock()
		go g.heartbeatLoop()
		return nil
	case <-ctx.Done():
		_ = g.Close()
		return ErrConnectTimeout
	}
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	conn := g.conn
	for nonce, ch := range g.pending {
		close(ch)
		delete(g.pending, nonce)
	}
	g.mu.Unlock()

	close(g.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (g *Gateway) SelfID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selfID
}

func (g *Gateway) SelfName() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selfName
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	var uptime time.Duration
	if !g.connectedAt.IsZero() {
		uptime = time.Since(g.connectedAt)
	}
	return Stats{PeerCount: g.peerCount, LatencyMs: g.latencyMs, Uptime: uptime}
}

func (g *Gateway) FetchChannel(ctx context.Context, channelID string) error {
	return g.request(ctx, "CHANNEL_FETCH", map[string]string{"channel_id": channelID})
}

func (g *Gateway) Send(ctx context.Context, channelID, text string) error {
	return g.request(ctx, "MESSAGE_SEND", map[string]string{
		"channel_id": channelID,
		"content":    text,
	})
}

func (g *Gateway) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return g.request(ctx, "MESSAGE_DELETE", map[string]string{
		"channel_id": channelID,
		"message_id": messageID,
	})
}

func (g *Gateway) ClickButton(ctx context.Context, channelID, messageID, customID string) error {
	return g.request(ctx, "COMPONENT_CLICK", map[string]string{
		"channel_id": channelID,
		"message_id": messageID,
		"custom_id":  customID,
	})
}

func (g *Gateway) SetPresence(ctx context.Context, p *Presence) error {
	payload := map[string]interface{}{}
	if p != nil && p.Name != "" {
		payload["type"] = p.Type
		payload["name"] = p.Name
		payload["details"] = p.Details
		payload["state"] = p.State
		if p.URL != "" {
			payload["url"] = p.URL
		}
		assets := map[string]string{}
		if p.LargeImageKey != "" {
			assets["large_image"] = p.LargeImageKey
			assets["large_text"] = p.LargeImageText
		}
		if p.SmallImageKey != "" {
			assets["small_image"] = p.SmallImageKey
			assets["small_text"] = p.SmallImageText
		}
		if len(assets) > 0 {
			payload["assets"] = assets
		}
		if p.StartTimestamp > 0 {
			payload["timestamps"] = map[string]int64{"start": p.StartTimestamp}
		}
	}
	return g.request(ctx, "PRESENCE_UPDATE", payload)
}

func (g *Gateway) request(ctx context.Context, reqType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	nonce := uuid.NewString()
	ch := make(chan responseData, 1)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.pending[nonce] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, nonce)
		g.mu.Unlock()
	}()

	if err := g.writeFrame(frame{Op: opRequest, Type: reqType, Nonce: nonce, Data: data}); err != nil {
		return err
	}

	timer := time.NewTimer(requestWait)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		return responseError(resp)
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrClosed
	case <-timer.C:
		return fmt.Errorf("%s: request timed out", reqType)
	}
}

func responseError(resp responseData) error {
	if resp.OK {
		return nil
	}
	switch resp.Code {
	case "UNAUTHORIZED", "TOKEN_REVOKED":
		return ErrZombie
	case "CHANNEL_NOT_FOUND", "UNKNOWN_CHANNEL", "MISSING_ACCESS":
		return ErrChannelUnavailable
	default:
		return fmt.Errorf("remote: request failed (%s)", resp.Code)
	}
}

func (g *Gateway) writeFrame(f frame) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil || g.closed {
		return ErrClosed
	}
	_ = g.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return g.conn.WriteJSON(f)
}

func (g *Gateway) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			ts, _ := json.Marshal(time.Now().UnixMilli())
			if err := g.writeFrame(frame{Op: opHeartbeat, Data: ts}); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) readLoop() {
	for {
		var f frame
		if err := g.conn.ReadJSON(&f); err != nil {
			g.finish(err)
			return
		}

		switch f.Op {
		case opDispatch:
			g.handleDispatch(f)
		case opResponse:
			var resp responseData
			_ = json.Unmarshal(f.Data, &resp)
			g.mu.Lock()
			if ch, ok := g.pending[f.Nonce]; ok {
				ch <- resp
				delete(g.pending, f.Nonce)
			}
			g.mu.Unlock()
		case opHeartbeatAck:
			var sentAt int64
			if err := json.Unmarshal(f.Data, &sentAt); err == nil && sentAt > 0 {
				g.mu.Lock()
				g.latencyMs = time.Now().UnixMilli() - sentAt
				g.mu.Unlock()
			}
		}
	}
}

func (g *Gateway) handleDispatch(f frame) {
	switch f.Type {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(f.Data, &ready); err != nil {
			g.readyOnce.Do(func() { g.ready <- fmt.Errorf("decode ready: %w", err) })
			return
		}
		g.mu.Lock()
		g.selfID = ready.User.ID
		g.selfName = ready.User.Username
		g.peerCount = ready.PeerCount
		g.mu.Unlock()
		g.readyOnce.Do(func() { g.ready <- nil })
	case "AUTH_FAILED":
		g.readyOnce.Do(func() { g.ready <- ErrAuthFailed })
	case "MESSAGE_CREATE":
		var wire wireMessage
		if err := json.Unmarshal(f.Data, &wire); err != nil {
			g.log.Warn("gateway: bad message payload", "err", err)
			return
		}
		g.mu.Lock()
		handler := g.onMessage
		g.mu.Unlock()
		if handler != nil {
			handler(decodeMessage(wire))
		}
	}
}

// finish routes a read-loop exit to either the connect waiter (failure before
// READY) or the disconnect handler.
func (g *Gateway) finish(err error) {
	delivered := false
	g.readyOnce.Do(func() {
		delivered = true
		if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code == websocket.ClosePolicyViolation {
			g.ready <- ErrAuthFailed
			return
		}
		g.ready <- fmt.Errorf("gateway closed before ready: %w", err)
	})
	if delivered {
		return
	}

	g.mu.Lock()
	closed := g.closed
	handler := g.onClose
	g.mu.Unlock()
	if closed || handler == nil {
		return
	}
	if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code == websocket.ClosePolicyViolation {
		handler(ErrZombie)
		return
	}
	handler(err)
}

func decodeMessage(wire wireMessage) Message {
	msg := Message{
		ID:        wire.ID,
		ChannelID: wire.ChannelID,
		AuthorID:  wire.Author.ID,
		Content:   wire.Content,
	}
	for _, m := range wire.Mentions {
		msg.Mentions = append(msg.Mentions, m.ID)
	}
	for _, a := range wire.Attachments {
		msg.Attachments = append(msg.Attachments, Attachment{URL: a.URL, ContentType: a.ContentType})
	}
	for _, e := range wire.Embeds {
		msg.Embeds = append(msg.Embeds, Embed{Title: e.Title, Color: e.Color})
	}
	for _, row := range wire.Components {
		for _, c := range row.Components {
			msg.Buttons = append(msg.Buttons, Button{CustomID: c.CustomID, Label: c.Label})
		}
	}
	return msg
}
