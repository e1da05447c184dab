package magma

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// VoiceStateUpdate is the unwrapped shape Manager.UpdateVoiceState
// accepts, whether it arrived as a raw gateway payload or pre-unwrapped
// by the caller (spec.md §4.8).
type VoiceStateUpdate struct {
	Type      string  `json:"t,omitempty"`
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	Token     string  `json:"token,omitempty"`
	Endpoint  string  `json:"endpoint,omitempty"`
}

type voiceGatewayEnvelope struct {
	T string           `json:"t"`
	D VoiceStateUpdate `json:"d"`
}

// Manager is the top-level orchestration surface (C8): owns the node
// pool, the live player map, the event bus, and session persistence.
type Manager struct {
	opts ManagerOptions
	log  zerolog.Logger

	nodesMu sync.RWMutex
	nodes   map[string]*Node

	playersMu sync.RWMutex
	players   map[string]*Player

	bus      *Bus
	sessions *SessionStore
	autoplay AutoplayResolver
}

// NewManager constructs a Manager from opts. Call Init to set the
// client identity and connect any nodes listed in opts.Nodes.
func NewManager(opts ManagerOptions) *Manager {
	opts.fillDefaults()
	log := defaultLogger()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	log = log.With().Str("component", "manager").Logger()

	m := &Manager{
		opts:    opts,
		nodes:   map[string]*Node{},
		players: map[string]*Player{},
		bus:     NewBus(),
		log:     log,
	}
	m.sessions = NewSessionStore(opts.SessionDataDir)
	if opts.Autoplay {
		m.autoplay = NewDefaultAutoplay(opts.AutoplaySearchPlatforms, opts.DefaultSearchPlatform, opts.LastFMAPIKey)
	}
	return m
}

// Init applies the chat-platform client identity and connects every
// node listed in ManagerOptions.Nodes (spec.md §4.8).
func (m *Manager) Init(clientID string, clusterID ...int) error {
	m.opts.ClientID = clientID
	if len(clusterID) > 0 {
		m.opts.ClusterID = clusterID[0]
	}
	for _, nodeOpts := range m.opts.Nodes {
		if _, err := m.CreateNode(nodeOpts); err != nil {
			m.log.Error().Err(err).Str("node", nodeOpts.Identifier).Msg("failed to create configured node")
		}
	}
	return nil
}

func (m *Manager) Bus() *Bus { return m.bus }

// RegisterDiscordSession wires discordgo's voice-state/voice-server
// gateway events into UpdateVoiceState, so discordgo users don't have
// to hand-roll that subscription themselves.
func (m *Manager) RegisterDiscordSession(s *discordgo.Session) {
	s.AddHandler(func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		var chPtr *string
		if v.ChannelID != "" {
			chPtr = &v.ChannelID
		}
		raw, err := json.Marshal(VoiceStateUpdate{
			Type:      "VOICE_STATE_UPDATE",
			GuildID:   v.GuildID,
			ChannelID: chPtr,
			UserID:    v.UserID,
			SessionID: v.SessionID,
		})
		if err != nil {
			return
		}
		_ = m.UpdateVoiceState(raw)
	})
	s.AddHandler(func(_ *discordgo.Session, v *discordgo.VoiceServerUpdate) {
		raw, err := json.Marshal(VoiceStateUpdate{
			Type:     "VOICE_SERVER_UPDATE",
			GuildID:  v.GuildID,
			Token:    v.Token,
			Endpoint: v.Endpoint,
		})
		if err != nil {
			return
		}
		_ = m.UpdateVoiceState(raw)
	})
}

// --- node pool (spec.md §4.8) ---

func (m *Manager) CreateNode(opts NodeOptions) (*Node, error) {
	opts.fillDefaults()
	m.nodesMu.Lock()
	if _, exists := m.nodes[opts.Identifier]; exists {
		m.nodesMu.Unlock()
		return nil, ErrNodeExists
	}
	n := NewNode(m, opts)
	m.nodes[opts.Identifier] = n
	m.nodesMu.Unlock()

	Emit(m.bus, NodeCreateEvent{Node: n})
	if err := n.Connect(); err != nil {
		return n, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.RequestTimeout)
	defer cancel()
	_ = n.RefreshInfo(ctx)
	return n, nil
}

func (m *Manager) DestroyNode(identifier string) error {
	m.nodesMu.RLock()
	n, ok := m.nodes[identifier]
	m.nodesMu.RUnlock()
	if !ok {
		return ErrNodeNotFound
	}
	n.Destroy(true)
	return nil
}

func (m *Manager) removeNode(n *Node) {
	m.nodesMu.Lock()
	delete(m.nodes, n.Identifier())
	m.nodesMu.Unlock()
}

// destroyNodeInternal is the recreate-on-loss path wired into Node's
// REST-404 hook and its reconnect-budget exhaustion (spec.md §4.1, §4.2):
// the lost node is torn down (migrating its players if requested) and a
// fresh Node with the same options takes its place in the pool so the
// identifier stays selectable once it recovers.
func (m *Manager) destroyNodeInternal(n *Node, migrate bool) {
	opts := n.opts
	n.Destroy(migrate)

	replacement, err := m.CreateNode(opts)
	if err != nil {
		m.log.Error().Err(err).Str("node", opts.Identifier).Msg("failed to recreate lost node")
		return
	}
	m.log.Info().Str("node", replacement.Identifier()).Msg("recreated node after loss")
}

// useableNode applies the configured node-selection policy over
// currently connected nodes (spec.md §4.8).
func (m *Manager) useableNode() (*Node, error) {
	m.nodesMu.RLock()
	candidates := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.Connected() {
			candidates = append(candidates, n)
		}
	}
	m.nodesMu.RUnlock()
	if len(candidates) == 0 {
		return nil, ErrNodeUnavailable
	}

	if m.opts.UsePriority {
		if n := selectByPriority(candidates); n != nil {
			return n, nil
		}
	}
	switch m.opts.NodeSelection {
	case SelectLeastLoad:
		return selectLeastLoad(candidates), nil
	default:
		return selectLeastPlayers(candidates), nil
	}
}

func selectByPriority(candidates []*Node) *Node {
	total := 0
	for _, n := range candidates {
		if n.Priority() > 0 {
			total += n.Priority()
		}
	}
	if total == 0 {
		return nil
	}
	draw := rand.Float64()
	cumulative := 0.0
	for _, n := range candidates {
		if n.Priority() <= 0 {
			continue
		}
		cumulative += float64(n.Priority()) / float64(total)
		if cumulative >= draw {
			return n
		}
	}
	return nil
}

func selectLeastLoad(candidates []*Node) *Node {
	var best *Node
	bestLoad := math.MaxFloat64
	for _, n := range candidates {
		stats := n.Stats()
		load := 0.0
		if stats.CPUCores > 0 {
			load = stats.LavalinkLoad / float64(stats.CPUCores)
		}
		if load < bestLoad {
			bestLoad = load
			best = n
		}
	}
	return best
}

func selectLeastPlayers(candidates []*Node) *Node {
	var best *Node
	bestCount := math.MaxInt64
	for _, n := range candidates {
		count := n.Stats().Players
		if count < bestCount {
			bestCount = count
			best = n
		}
	}
	return best
}

// migratePlayersFrom hands every player n was hosting to another
// usable node concurrently (spec.md §4.2, §9), falling back to
// detaching them if no other node is available.
func (m *Manager) migratePlayersFrom(n *Node) {
	var hosted []*Player
	m.playersMu.RLock()
	for _, p := range m.players {
		if p.node == n {
			hosted = append(hosted, p)
		}
	}
	m.playersMu.RUnlock()
	if len(hosted) == 0 {
		return
	}

	target, err := m.useableNode()
	if err != nil {
		m.log.Warn().Err(err).Msg("no node available to migrate players to, detaching instead")
		for _, p := range hosted {
			p.Detach()
		}
		return
	}

	var g errgroup.Group
	for _, p := range hosted {
		p := p
		g.Go(func() error { return m.migratePlayer(context.Background(), p, target) })
	}
	if err := g.Wait(); err != nil {
		m.log.Error().Err(err).Msg("player migration encountered errors")
	}
}

func (m *Manager) migratePlayer(ctx context.Context, p *Player, target *Node) error {
	p.rebindNode(target)
	if err := p.Connect(); err != nil {
		return err
	}

	p.mu.Lock()
	voice := p.VoiceState
	volume := p.Volume
	paused := p.Paused
	current := p.Queue.Current()
	p.mu.Unlock()

	if !voice.complete() {
		return nil
	}
	patch := updatePlayerPatch{
		Volume: &volume,
		Paused: &paused,
		Voice:  &voicePatch{Token: voice.Event.Token, Endpoint: voice.Event.Endpoint, SessionID: voice.SessionID},
	}
	if current != nil {
		patch.EncodedTrack = &current.Encoded
	}
	reqCtx, cancel := context.WithTimeout(ctx, target.opts.RequestTimeout)
	defer cancel()
	_, err := target.Rest.UpdatePlayer(reqCtx, p.GuildID, patch, false)
	return err
}

// --- players (spec.md §4.8) ---

func (m *Manager) Create(guildID, voiceChannelID, textChannelID string) (*Player, error) {
	m.playersMu.Lock()
	if _, exists := m.players[guildID]; exists {
		m.playersMu.Unlock()
		return nil, ErrPlayerExists
	}
	m.playersMu.Unlock()

	node, err := m.useableNode()
	if err != nil {
		return nil, err
	}
	p := NewPlayer(m, node, guildID, m.opts.ClientID, m.opts.MaxPreviousTracks)
	p.VoiceChannelID = voiceChannelID
	p.TextChannelID = textChannelID
	p.IsAutoplay = m.opts.Autoplay

	m.playersMu.Lock()
	m.players[guildID] = p
	m.playersMu.Unlock()

	Emit(m.bus, PlayerCreateEvent{Player: p})
	return p, p.Connect()
}

// Get returns the live player for guildID, or nil.
func (m *Manager) Get(guildID string) *Player { return m.GetPlayer(guildID) }

// GetPlayer is the internal lookup Node's event dispatch uses.
func (m *Manager) GetPlayer(guildID string) *Player {
	m.playersMu.RLock()
	defer m.playersMu.RUnlock()
	return m.players[guildID]
}

func (m *Manager) removePlayer(guildID string) {
	m.playersMu.Lock()
	delete(m.players, guildID)
	m.playersMu.Unlock()
}

func (m *Manager) Destroy(guildID string) error {
	p := m.GetPlayer(guildID)
	if p == nil {
		return ErrPlayerNotFound
	}
	return p.Destroy(true)
}

// --- voice-packet routing (spec.md §4.8) ---

// UpdateVoiceState accepts a wrapped ({t, d}) or unwrapped gateway
// voice payload and routes it by kind.
func (m *Manager) UpdateVoiceState(raw []byte) error {
	var payload VoiceStateUpdate
	var env voiceGatewayEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.T != "" && env.D.GuildID != "" {
		payload = env.D
		payload.Type = env.T
	} else if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}

	switch {
	case payload.Token != "" || payload.Type == "VOICE_SERVER_UPDATE":
		return m.handleVoiceServerUpdate(payload)
	case payload.SessionID != "" || payload.Type == "VOICE_STATE_UPDATE":
		return m.handleVoiceStateUpdate(payload)
	}
	return ErrMissingVoiceData
}

func (m *Manager) handleVoiceServerUpdate(p VoiceStateUpdate) error {
	player := m.GetPlayer(p.GuildID)
	if player == nil {
		return nil
	}
	player.mu.Lock()
	player.VoiceState.Event = VoiceServerEvent{Token: p.Token, Endpoint: p.Endpoint}
	complete := player.VoiceState.complete()
	voice := player.VoiceState
	node := player.node
	player.mu.Unlock()
	if !complete || node == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), node.opts.RequestTimeout)
	defer cancel()
	patch := updatePlayerPatch{Voice: &voicePatch{Token: voice.Event.Token, Endpoint: voice.Event.Endpoint, SessionID: voice.SessionID}}
	_, err := node.Rest.UpdatePlayer(ctx, p.GuildID, patch, false)
	return err
}

func (m *Manager) handleVoiceStateUpdate(p VoiceStateUpdate) error {
	if p.UserID != "" && p.UserID != m.opts.ClientID {
		return nil
	}
	player := m.GetPlayer(p.GuildID)
	if player == nil {
		return nil
	}
	if p.ChannelID == nil {
		Emit(m.bus, PlayerDisconnectEvent{Player: player})
		return player.Destroy(false)
	}

	player.mu.Lock()
	old := player.VoiceChannelID
	moved := old != "" && old != *p.ChannelID
	player.VoiceChannelID = *p.ChannelID
	player.VoiceState.SessionID = p.SessionID
	player.mu.Unlock()

	if moved {
		Emit(m.bus, PlayerMoveEvent{Player: player, OldChannelID: old, NewChannelID: *p.ChannelID})
	}
	return nil
}

// --- search / decode (spec.md §4.8) ---

func (m *Manager) Search(query any, requester string) (*LoadResult, error) {
	var q string
	var source SearchPlatform
	switch v := query.(type) {
	case string:
		q = v
	case SearchQuery:
		q = v.Query
		source = v.Source
	default:
		return nil, fmt.Errorf("magma: unsupported search query type %T", query)
	}

	node, err := m.useableNode()
	if err != nil {
		return nil, err
	}
	identifier := buildSearchIdentifier(q, source, m.opts.DefaultSearchPlatform)
	ctx, cancel := context.WithTimeout(context.Background(), node.opts.RequestTimeout)
	defer cancel()
	result, err := node.Rest.LoadTracks(ctx, identifier)
	if err != nil || result == nil {
		return result, err
	}
	for _, t := range result.Tracks {
		t.Requester = requester
	}
	return result, nil
}

func (m *Manager) DecodeTrack(ctx context.Context, encoded string) (*Track, error) {
	tracks, err := m.DecodeTracks(ctx, []string{encoded})
	if err != nil || len(tracks) == 0 {
		return nil, err
	}
	return tracks[0], nil
}

func (m *Manager) DecodeTracks(ctx context.Context, encoded []string) ([]*Track, error) {
	node, err := m.useableNode()
	if err != nil {
		return nil, err
	}
	return node.Rest.DecodeTracks(ctx, encoded)
}

// --- persistence (spec.md §5, §4.8) ---

func (m *Manager) SavePlayerState(guildID string) error {
	p := m.GetPlayer(guildID)
	if p == nil {
		return ErrPlayerNotFound
	}
	p.mu.Lock()
	snap := p.snapshotLocked()
	p.mu.Unlock()
	return savePlayerSnapshot(m.opts.SessionDataDir, snap)
}

// LoadPlayerStates recreates every persisted player snapshot whose
// node identifier equals nodeID, reconciling against that node's live
// player list and deleting each processed snapshot file (spec.md §5).
func (m *Manager) LoadPlayerStates(ctx context.Context, nodeID string) error {
	guildIDs, err := listSnapshotGuildIDs(m.opts.SessionDataDir)
	if err != nil {
		return err
	}
	m.nodesMu.RLock()
	node, ok := m.nodes[nodeID]
	m.nodesMu.RUnlock()
	if !ok {
		return ErrNodeNotFound
	}

	live, err := node.Rest.GetAllPlayers(ctx)
	if err != nil {
		return err
	}
	liveGuilds := make(map[string]bool, len(live))
	for _, lp := range live {
		liveGuilds[lp.GuildID] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, guildID := range guildIDs {
		guildID := guildID
		g.Go(func() error { return m.loadOnePlayerState(gctx, node, guildID, liveGuilds) })
	}
	return g.Wait()
}

func (m *Manager) loadOnePlayerState(ctx context.Context, node *Node, guildID string, liveGuilds map[string]bool) error {
	snap, err := loadPlayerSnapshot(m.opts.SessionDataDir, guildID)
	if err != nil {
		return err
	}
	if snap.NodeIdentifier != node.Identifier() {
		return nil
	}
	defer func() { _ = deletePlayerSnapshot(m.opts.SessionDataDir, guildID) }()

	if !liveGuilds[guildID] {
		return nil
	}

	p := NewPlayer(m, node, guildID, m.opts.ClientID, m.opts.MaxPreviousTracks)
	p.VoiceChannelID = snap.VoiceChannelID
	p.TextChannelID = snap.TextChannelID
	p.VoiceState = snap.VoiceState
	p.Volume = snap.Volume
	p.Paused = snap.Paused
	p.TrackRepeat = snap.TrackRepeat
	p.QueueRepeat = snap.QueueRepeat
	p.DynamicRepeat = snap.DynamicRepeat
	p.DynamicRepeatIntervalMs = snap.DynamicRepeatIntervalMs
	p.IsAutoplay = snap.IsAutoplay
	p.AutoplayTries = snap.AutoplayTries
	p.UserData = snap.UserData
	if snap.Filters != nil {
		p.Filters = snap.Filters
	}
	p.Queue.SetCurrent(snap.Current)
	if len(snap.Upcoming) > 0 {
		p.Queue.replaceUpcoming(snap.Upcoming)
	}
	for i := len(snap.Previous) - 1; i >= 0; i-- {
		p.Queue.pushPrevious(snap.Previous[i])
	}

	m.playersMu.Lock()
	m.players[guildID] = p
	m.playersMu.Unlock()

	if snap.VoiceState.complete() {
		patch := updatePlayerPatch{Voice: &voicePatch{
			Token:     snap.VoiceState.Event.Token,
			Endpoint:  snap.VoiceState.Event.Endpoint,
			SessionID: snap.VoiceState.SessionID,
		}}
		if _, err := node.Rest.UpdatePlayer(ctx, guildID, patch, false); err != nil {
			return err
		}
	}
	Emit(m.bus, PlayerCreateEvent{Player: p})
	return nil
}

// HandleShutdown snapshots every live player concurrently, prunes any
// stale snapshot file left over from a guild that is no longer live,
// then tears down every node without migration (spec.md §4.8, §9).
func (m *Manager) HandleShutdown(ctx context.Context) error {
	m.playersMu.RLock()
	players := make([]*Player, 0, len(m.players))
	liveGuilds := make(map[string]bool, len(m.players))
	for guildID, p := range m.players {
		players = append(players, p)
		liveGuilds[guildID] = true
	}
	m.playersMu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, p := range players {
		p := p
		g.Go(func() error {
			p.mu.Lock()
			snap := p.snapshotLocked()
			p.mu.Unlock()
			return savePlayerSnapshot(m.opts.SessionDataDir, snap)
		})
	}
	if err := g.Wait(); err != nil {
		m.log.Error().Err(err).Msg("shutdown snapshot fan-out failed")
	}

	if staleIDs, err := listSnapshotGuildIDs(m.opts.SessionDataDir); err != nil {
		m.log.Error().Err(err).Msg("failed to list snapshot files for pruning")
	} else {
		for _, guildID := range staleIDs {
			if liveGuilds[guildID] {
				continue
			}
			if err := deletePlayerSnapshot(m.opts.SessionDataDir, guildID); err != nil {
				m.log.Error().Err(err).Str("guildId", guildID).Msg("failed to prune stale snapshot")
			}
		}
	}

	m.nodesMu.RLock()
	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	m.nodesMu.RUnlock()
	for _, n := range nodes {
		n.Destroy(false)
	}
	return nil
}
