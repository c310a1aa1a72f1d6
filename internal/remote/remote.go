// Package remote is the boundary to the messaging platform. The core only
// sees the Session interface; the production implementation speaks the
// platform gateway over a websocket.
package remote

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAuthFailed means the credential was rejected at connect time.
	ErrAuthFailed = errors.New("remote: authentication failed")
	// ErrConnectTimeout means the platform did not acknowledge in time.
	ErrConnectTimeout = errors.New("remote: connect timeout")
	// ErrChannelUnavailable means the target channel could not be fetched.
	ErrChannelUnavailable = errors.New("remote: channel unavailable")
	// ErrZombie means the platform invalidated the session token mid-run.
	ErrZombie = errors.New("remote: session token no longer valid")
	// ErrClosed means the session was closed locally.
	ErrClosed = errors.New("remote: session closed")
)

type Attachment struct {
	URL         string
	ContentType string
}

type Embed struct {
	Title string
	Color int
}

type Button struct {
	CustomID string
	Label    string
}

// Message is one inbound platform message as seen by a session.
type Message struct {
	ID          string
	ChannelID   string
	AuthorID    string
	Content     string
	Mentions    []string
	Attachments []Attachment
	Embeds      []Embed
	Buttons     []Button
}

// MentionsUser reports whether the message targets the given account.
func (m Message) MentionsUser(id string) bool {
	for _, u := range m.Mentions {
		if u == id {
			return true
		}
	}
	return false
}

type Presence struct {
	Type           string
	Name           string
	Details        string
	State          string
	URL            string
	LargeImageKey  string
	LargeImageText string
	SmallImageKey  string
	SmallImageText string
	StartTimestamp int64
}

type Stats struct {
	PeerCount int
	LatencyMs int64
	Uptime    time.Duration
}

// Session is one authenticated connection to the platform. Handlers must be
// registered before Connect; they are invoked from the session's read loop.
type Session interface {
	Connect(ctx context.Context) error
	Close() error

	SelfID() string
	SelfName() string
	Stats() Stats

	FetchChannel(ctx context.Context, channelID string) error
	Send(ctx context.Context, channelID, text string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	ClickButton(ctx context.Context, channelID, messageID, customID string) error
	SetPresence(ctx context.Context, p *Presence) error

	OnMessage(func(Message))
	OnDisconnect(func(error))
}

// Dialer builds an unconnected Session for a credential. Injected so the
// core and its tests never touch the wire.
type Dialer func(credential string) Session
