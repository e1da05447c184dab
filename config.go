package magma

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// NodeOptions configures a single audio node (spec.md §6 "nodes[]").
type NodeOptions struct {
	// Identifier is this node's unique name within a Manager. Defaults
	// to "<Host>:<Port>" when empty.
	Identifier string
	Host       string
	Port       int
	Password   string
	Secure     bool

	// Priority weights this node for usePriority node selection.
	// Priority <= 0 excludes the node from weighted selection entirely.
	Priority int

	// RetryAmount bounds reconnect attempts after an unsolicited close;
	// RetryDelay is the fixed delay between attempts.
	RetryAmount int
	RetryDelay  time.Duration

	// ResumeStatus toggles Lavalink session resume; ResumeTimeout is the
	// server-side window (seconds) during which a session survives a
	// disconnected client.
	ResumeStatus  bool
	ResumeTimeout int

	RequestTimeout time.Duration

	// BufferSize sizes the underlying WebSocket read/write buffers.
	BufferSize int

	Logger *zerolog.Logger
}

// DefaultNodeOptions mirrors the teacher's NewConfig defaults, adapted
// to the richer option set spec.md §6 requires.
func DefaultNodeOptions() NodeOptions {
	return NodeOptions{
		Host:           "127.0.0.1",
		Port:           2333,
		Password:       "youshallnotpass",
		Secure:         false,
		Priority:       0,
		RetryAmount:    10,
		RetryDelay:     10 * time.Second,
		ResumeStatus:   true,
		ResumeTimeout:  60,
		RequestTimeout: 10 * time.Second,
		BufferSize:     512,
	}
}

func (o *NodeOptions) fillDefaults() {
	d := DefaultNodeOptions()
	if o.Host == "" {
		o.Host = d.Host
	}
	if o.Port == 0 {
		o.Port = d.Port
	}
	if o.RetryAmount == 0 {
		o.RetryAmount = d.RetryAmount
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.ResumeTimeout == 0 {
		o.ResumeTimeout = d.ResumeTimeout
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.BufferSize == 0 {
		o.BufferSize = d.BufferSize
	}
	if o.Identifier == "" {
		o.Identifier = fmt.Sprintf("%s:%d", o.Host, o.Port)
	}
}

func (o *NodeOptions) socketEndpoint() string {
	scheme := "ws"
	if o.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/v4/websocket", scheme, o.Host, o.Port)
}

func (o *NodeOptions) httpEndpoint() string {
	scheme := "http"
	if o.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port)
}

// NodeSelection picks the policy Manager.useableNode applies.
type NodeSelection string

const (
	// SelectLeastPlayers picks the connected node with the fewest
	// total players (spec.md §4.8 default).
	SelectLeastPlayers NodeSelection = "leastPlayers"
	// SelectLeastLoad picks the connected node with the lowest
	// cpu.lavalinkLoad/cpu.cores ratio.
	SelectLeastLoad NodeSelection = "leastLoad"
)

// AutoplaySource names a recommendation platform the autoplay resolver
// can consult, in the order a ManagerOptions.AutoplaySearchPlatforms
// list establishes.
type AutoplaySource string

const (
	AutoplaySpotify    AutoplaySource = "spotify"
	AutoplayDeezer     AutoplaySource = "deezer"
	AutoplaySoundCloud AutoplaySource = "soundcloud"
	AutoplayTidal      AutoplaySource = "tidal"
	AutoplayVKMusic    AutoplaySource = "vkmusic"
	AutoplayQobuz      AutoplaySource = "qobuz"
	AutoplayYouTube    AutoplaySource = "youtube"
)

// ManagerOptions configures the Manager (spec.md §6).
type ManagerOptions struct {
	ClientID   string
	ClientName string
	ClusterID  int

	Nodes []NodeOptions

	DefaultSearchPlatform SearchPlatform

	Autoplay                bool
	AutoplaySearchPlatforms []AutoplaySource
	LastFMAPIKey            string

	MaxPreviousTracks int

	ReplaceYouTubeCredentials bool
	BlockedWords              []string
	TrackPartial              []TrackPartial

	NodeSelection NodeSelection
	UsePriority   bool

	// Send delivers a voice-state-change payload to the chat platform
	// gateway for the given guild. Required; see spec.md §6.
	Send func(guildID string, payload any) error

	// SessionDataDir roots the on-disk session-id map and per-player
	// snapshot files (spec.md §6). Defaults to "./magma/sessionData".
	SessionDataDir string

	Logger *zerolog.Logger
}

// DefaultManagerOptions mirrors spec.md §6's documented defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		ClientName:            "Magma",
		ClusterID:             0,
		DefaultSearchPlatform: SearchYouTube,
		Autoplay:              true,
		MaxPreviousTracks:     20,
		NodeSelection:         SelectLeastPlayers,
		SessionDataDir:        "magma/sessionData",
	}
}

func (o *ManagerOptions) fillDefaults() {
	d := DefaultManagerOptions()
	if o.ClientName == "" {
		o.ClientName = d.ClientName
	}
	if o.DefaultSearchPlatform == "" {
		o.DefaultSearchPlatform = d.DefaultSearchPlatform
	}
	if o.MaxPreviousTracks == 0 {
		o.MaxPreviousTracks = d.MaxPreviousTracks
	}
	if o.NodeSelection == "" {
		o.NodeSelection = d.NodeSelection
	}
	if o.SessionDataDir == "" {
		o.SessionDataDir = d.SessionDataDir
	}
}
