package model

// Identity is one registered platform account. Credential is only populated
// by store lookups that need it and must never be logged in full.
type Identity struct {
	ID          string
	APIKey      string
	DisplayName string
	Credential  string
	CreatedAt   int64
}

// Command is one stored auto-send entry. IntervalMs fixes a recurring period;
// alternatively MinDelayMs/MaxDelayMs configure a random delay range drawn
// fresh after every send. All zero means manual-only.
type Command struct {
	Trigger    string `json:"trigger"`
	Text       string `json:"text"`
	IntervalMs int64  `json:"interval"`
	MinDelayMs int64  `json:"minDelay,omitempty"`
	MaxDelayMs int64  `json:"maxDelay,omitempty"`
	Type       string `json:"type,omitempty"`
}

// Scheduled reports whether the command should get a timer.
func (c Command) Scheduled() bool {
	if c.IntervalMs > 0 {
		return true
	}
	return c.MinDelayMs > 0 && c.MaxDelayMs >= c.MinDelayMs
}

type PresenceConfig struct {
	Type           string `json:"type,omitempty"`
	Name           string `json:"name,omitempty"`
	Details        string `json:"details,omitempty"`
	State          string `json:"state,omitempty"`
	URL            string `json:"url,omitempty"`
	LargeImageKey  string `json:"largeImageKey,omitempty"`
	LargeImageText string `json:"largeImageText,omitempty"`
	SmallImageKey  string `json:"smallImageKey,omitempty"`
	SmallImageText string `json:"smallImageText,omitempty"`
	StartTimestamp int64  `json:"startTimestamp,omitempty"`
}

type AutoDeleteConfig struct {
	Enabled   bool   `json:"enabled"`
	ChannelID string `json:"channelId"`
	Colors    []int  `json:"colors"`
}

type Settings struct {
	ChannelID       string           `json:"channelId"`
	PresenceEnabled bool             `json:"presenceEnabled"`
	Presence        PresenceConfig   `json:"presence"`
	AutoDelete      AutoDeleteConfig `json:"autoDelete"`
}

// ChallengeState is the persisted per-identity lock. While Active, scheduled
// sends and auto-click are suspended until the platform confirms a solution.
type ChallengeState struct {
	Active    bool   `json:"active"`
	Evidence  []byte `json:"evidence,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Content sources for a fleet worker's channels.
const (
	SourceRandom       = "random"
	SourceOwnCommands  = "own"
	SourceMainCommands = "main"
)

type WorkerConfig struct {
	Channels   []string `json:"channels"`
	MinDelayMs int64    `json:"minDelay"`
	MaxDelayMs int64    `json:"maxDelay"`
	Source     string   `json:"source"`
	// Messages feeds SourceOwnCommands; SourceMainCommands reads the owning
	// identity's stored command list instead.
	Messages []string `json:"messages,omitempty"`
}

// Worker is one fleet account owned by a primary identity. Active persists
// across restarts so a boot can resume the same fleet state.
type Worker struct {
	ID          int64        `json:"id"`
	OwnerID     string       `json:"-"`
	DisplayName string       `json:"displayName"`
	Credential  string       `json:"-"`
	Config      WorkerConfig `json:"config"`
	Active      bool         `json:"active"`
}

type CommandStat struct {
	Text  string `json:"text"`
	Count int64  `json:"count"`
}
