package magma

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NodeStats is the most recent stats frame a node has reported
// (spec.md §3 Node.stats).
type NodeStats struct {
	Players          int
	PlayingPlayers   int
	UptimeMs         int64
	MemoryUsed       int64
	MemoryFree       int64
	MemoryAllocated  int64
	MemoryReservable int64
	CPUCores         int
	SystemLoad       float64
	LavalinkLoad     float64
}

// NodeInfo is the most recent GET /v4/info response (spec.md §3 Node.info).
type NodeInfo struct {
	Version        string
	SourceManagers []string
	Filters        []string
}

// connState is Node's internal WebSocket lifecycle state (spec.md §4.2).
type connState byte

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateReconnecting
)

// Node is the WebSocket + REST handle to one audio node (C2). It holds
// its owning Manager as a non-owning reference (spec.md §9): Node never
// outlives the Manager that created it, but Manager, not Node, owns
// the player map Node needs to route events into.
type Node struct {
	opts NodeOptions
	mgr  *Manager
	Rest *Rest

	log zerolog.Logger

	mu         sync.RWMutex
	sock       *socket
	state      connState
	sessionID  string
	stats      NodeStats
	info       NodeInfo
	retryCount int
	destroying bool
}

// NewNode constructs a Node bound to mgr (for player lookup, migration,
// and session persistence) with the given options. Connect must be
// called separately.
func NewNode(mgr *Manager, opts NodeOptions) *Node {
	opts.fillDefaults()
	log := defaultLogger()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	log = log.With().Str("component", "node").Str("node", opts.Identifier).Logger()

	n := &Node{opts: opts, mgr: mgr, log: log}
	n.Rest = NewRest(opts, n.SessionID, n.onRestNodeLost)
	return n
}

func (n *Node) Identifier() string { return n.opts.Identifier }
func (n *Node) Priority() int      { return n.opts.Priority }

func (n *Node) Connected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == stateConnected
}

func (n *Node) SessionID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionID
}

func (n *Node) Stats() NodeStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

func (n *Node) Info() NodeInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info
}

// Connect dials the node's WebSocket endpoint, attaching a resume
// Session-Id header when resume is enabled and a session was persisted
// for this (identifier, clusterId) pair from a previous run.
func (n *Node) Connect() error {
	n.mu.Lock()
	n.state = stateConnecting
	n.mu.Unlock()

	headers := http.Header{}
	if n.mgr != nil {
		headers.Set("User-Id", n.mgr.opts.ClientID)
		headers.Set("Client-Name", n.mgr.opts.ClientName)
	}
	headers.Set("Authorization", n.opts.Password)

	resumeKey := ""
	if n.opts.ResumeStatus && n.mgr != nil {
		resumeKey = n.mgr.sessions.Get(n.opts.Identifier, n.mgr.opts.ClusterID)
	}
	if resumeKey != "" {
		headers.Set("Session-Id", resumeKey)
	}

	sock, err := newSocket(n.opts.socketEndpoint(), n.opts.BufferSize)
	if err != nil {
		n.mu.Lock()
		n.state = stateDisconnected
		n.mu.Unlock()
		return err
	}
	sock.OnData = n.dispatch
	sock.OnClose = n.handleClose

	if err := sock.Connect(headers); err != nil {
		n.mu.Lock()
		n.state = stateDisconnected
		n.mu.Unlock()
		return err
	}

	n.mu.Lock()
	n.sock = sock
	n.state = stateConnected
	n.retryCount = 0
	n.mu.Unlock()

	n.log.Info().Msg("node connected")
	if n.mgr != nil {
		Emit(n.mgr.bus, NodeConnectEvent{Node: n})
	}
	return nil
}

// handleClose runs on the socket's read-loop goroutine whenever the
// connection drops, whether by our own Destroy or an unsolicited
// remote close. Backoff reconnection only applies to the latter.
func (n *Node) handleClose(remote bool, err error) {
	n.mu.Lock()
	destroying := n.destroying
	n.state = stateDisconnected
	n.mu.Unlock()

	if destroying {
		return
	}
	if n.mgr != nil {
		Emit(n.mgr.bus, NodeDisconnectEvent{Node: n, Code: 0, Reason: fmt.Sprint(err)})
	}
	if !remote {
		return
	}
	go n.reconnectLoop()
}

// reconnectLoop retries Connect with the fixed RetryDelay up to
// RetryAmount times; exceeding the budget is terminal for this node
// (spec.md §4.2, §5).
func (n *Node) reconnectLoop() {
	n.mu.Lock()
	n.state = stateReconnecting
	n.mu.Unlock()

	for attempt := 1; attempt <= n.opts.RetryAmount; attempt++ {
		time.Sleep(n.opts.RetryDelay)
		n.mu.Lock()
		n.retryCount = attempt
		n.mu.Unlock()

		if err := n.Connect(); err == nil {
			n.log.Info().Int("attempt", attempt).Msg("node reconnected")
			if n.mgr != nil {
				Emit(n.mgr.bus, NodeReconnectEvent{Node: n, Attempt: attempt})
			}
			return
		}
		n.log.Warn().Int("attempt", attempt).Msg("reconnect attempt failed")
	}

	n.log.Error().Int("retryAmount", n.opts.RetryAmount).Msg("node exhausted reconnect budget, destroying")
	if n.mgr != nil {
		Emit(n.mgr.bus, NodeErrorEvent{Node: n, Err: fmt.Errorf("magma: node %s exhausted reconnect budget", n.opts.Identifier)})
		n.mgr.destroyNodeInternal(n, true)
	}
}

// onRestNodeLost is wired into Rest as the 404 escalation hook
// (spec.md §4.1): a 404 from this node's REST API means the node
// should be treated as lost, triggering destroy+recreate via Manager.
func (n *Node) onRestNodeLost(err error) {
	n.log.Error().Err(err).Msg("node reported lost via REST 404")
	if n.mgr != nil {
		n.mgr.destroyNodeInternal(n, true)
	}
}

// dispatch routes one inbound WebSocket frame by its op (spec.md §4.2).
func (n *Node) dispatch(data []byte) {
	var env opEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		n.log.Error().Err(err).Msg("malformed frame")
		return
	}
	switch env.Op {
	case "ready":
		n.handleReady(data)
	case "stats":
		n.handleStats(data)
	case "playerUpdate":
		n.handlePlayerUpdate(data)
	case "event":
		n.handleEvent(env.GuildID, data)
	default:
		n.log.Warn().Str("op", env.Op).Msg("unknown op")
	}
	if n.mgr != nil {
		Emit(n.mgr.bus, NodeRawEvent{Node: n, Data: data})
	}
}

func (n *Node) handleReady(data []byte) {
	var frame readyFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		n.log.Error().Err(err).Msg("malformed ready frame")
		return
	}
	n.mu.Lock()
	n.sessionID = frame.SessionID
	n.mu.Unlock()

	if n.mgr != nil {
		n.mgr.sessions.Set(n.opts.Identifier, n.mgr.opts.ClusterID, frame.SessionID)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.opts.RequestTimeout)
		defer cancel()
		if err := n.Rest.UpdateSession(ctx, n.opts.ResumeStatus, n.opts.ResumeTimeout); err != nil {
			n.log.Warn().Err(err).Msg("updateSession failed")
		}
	}()
}

func (n *Node) handleStats(data []byte) {
	var frame statsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		n.log.Error().Err(err).Msg("malformed stats frame")
		return
	}
	n.mu.Lock()
	n.stats = NodeStats{
		Players:          frame.Players,
		PlayingPlayers:   frame.PlayingPlayers,
		UptimeMs:         frame.Uptime,
		MemoryUsed:       frame.Memory.Used,
		MemoryFree:       frame.Memory.Free,
		MemoryAllocated:  frame.Memory.Allocated,
		MemoryReservable: frame.Memory.Reservable,
		CPUCores:         frame.CPU.Cores,
		SystemLoad:       frame.CPU.SystemLoad,
		LavalinkLoad:     frame.CPU.LavalinkLoad,
	}
	n.mu.Unlock()
}

func (n *Node) handlePlayerUpdate(data []byte) {
	var frame playerUpdateFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		n.log.Error().Err(err).Msg("malformed playerUpdate frame")
		return
	}
	if n.mgr == nil {
		return
	}
	p := n.mgr.GetPlayer(frame.GuildID)
	if p == nil {
		return
	}
	p.applyPlayerUpdate(frame.State.Position, frame.State.Ping, frame.State.Connected)
}

func (n *Node) handleEvent(guildID string, data []byte) {
	if n.mgr == nil {
		return
	}
	p := n.mgr.GetPlayer(guildID)
	if p == nil {
		n.log.Debug().Str("guildId", guildID).Msg("event for unknown player")
		return
	}
	var env eventFrame
	if err := json.Unmarshal(data, &env); err != nil {
		n.log.Error().Err(err).Msg("malformed event frame")
		return
	}
	p.handleNodeEvent(env.Type, data)
}

// RefreshInfo fetches and caches GET /v4/info.
func (n *Node) RefreshInfo(ctx context.Context) error {
	info, err := n.Rest.Info(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.info = NodeInfo{Version: info.Version.Semver, SourceManagers: info.SourceManagers}
	for _, f := range info.Filters {
		n.info.Filters = append(n.info.Filters, f)
	}
	n.mu.Unlock()
	return nil
}

// Destroy gracefully migrates every player this node hosts to another
// usable node, then tears the socket down (spec.md §4.2). migrate
// controls whether hosted players are handed to another node (true)
// or left bound to this node untouched (false, used when the whole
// Manager is shutting down and there is nowhere to migrate to).
func (n *Node) Destroy(migrate bool) {
	n.mu.Lock()
	n.destroying = true
	n.state = stateDisconnected
	sock := n.sock
	n.mu.Unlock()

	if n.mgr != nil {
		if migrate {
			n.mgr.migratePlayersFrom(n)
		}
		n.mgr.removeNode(n)
		Emit(n.mgr.bus, NodeDestroyEvent{Identifier: n.opts.Identifier})
	}

	if sock != nil && sock.Connected() {
		_ = sock.Close()
	}
	n.log.Info().Msg("node destroyed")
}
