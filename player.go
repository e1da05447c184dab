package magma

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// PlayerConnectionState is the player's voice-connection lifecycle
// state (spec.md §3).
type PlayerConnectionState string

const (
	StateConnected    PlayerConnectionState = "connected"
	StateConnecting   PlayerConnectionState = "connecting"
	StateDisconnected PlayerConnectionState = "disconnected"
	StateDisconnecting PlayerConnectionState = "disconnecting"
	StateDestroying   PlayerConnectionState = "destroying"
)

// VoiceServerEvent is the chat-platform voice-server-update half of a
// voice binding (spec.md §3, §4.8).
type VoiceServerEvent struct {
	Token    string `json:"token"`
	Endpoint string `json:"endpoint"`
}

// VoiceState is the pair of asynchronous events Manager.updateVoiceState
// correlates before a voice connection can be pushed to a node.
type VoiceState struct {
	SessionID string           `json:"sessionId"`
	Event     VoiceServerEvent `json:"event"`
}

func (v VoiceState) complete() bool {
	return v.SessionID != "" && v.Event.Token != "" && v.Event.Endpoint != ""
}

// PlayOptions parameterizes Player.Play; a nil Track plays/resumes
// queue.current (shifting one from upcoming if current is empty).
type PlayOptions struct {
	Track       *Track
	NoReplace   bool
	StartTimeMs int64
	EndTimeMs   int64
}

// QueueChangeDetails is the StateChange.Details payload for a
// ChangeQueue update (spec.md §4.3).
type QueueChangeDetails struct {
	Type   QueueChangeType
	Tracks []*Track
}

// PlayerSnapshot is the full observable state of a Player at a point
// in time: the before/after halves of a PlayerStateUpdate, and also
// the shape persisted to disk by Manager.savePlayerState (spec.md §4.8,
// §5 "a consistent snapshot").
type PlayerSnapshot struct {
	GuildID        string `json:"guildId"`
	NodeIdentifier string `json:"nodeIdentifier"`
	VoiceChannelID string `json:"voiceChannelId"`
	TextChannelID  string `json:"textChannelId"`
	VoiceState     VoiceState `json:"voiceState"`

	Playing    bool                  `json:"playing"`
	Paused     bool                  `json:"paused"`
	Volume     int                   `json:"volume"`
	PositionMs int64                 `json:"position"`
	State      PlayerConnectionState `json:"state"`

	TrackRepeat             bool `json:"trackRepeat"`
	QueueRepeat             bool `json:"queueRepeat"`
	DynamicRepeat           bool `json:"dynamicRepeat"`
	DynamicRepeatIntervalMs int  `json:"dynamicRepeatIntervalMs"`

	IsAutoplay    bool `json:"isAutoplay"`
	AutoplayTries int  `json:"autoplayTries"`

	Current  *Track   `json:"current"`
	Upcoming []*Track `json:"upcoming"`
	Previous []*Track `json:"previous"`

	Filters  *Filters       `json:"filters"`
	UserData map[string]any `json:"userData"`
}

// Player is the per-guild audio session state machine (C5).
type Player struct {
	GuildID string
	node    *Node // non-owning; reassigned by Manager on migration
	mgr     *Manager

	VoiceChannelID string
	TextChannelID  string
	VoiceState     VoiceState

	Playing    bool
	Paused     bool
	Volume     int
	PositionMs int64
	Ping       int
	connected  bool
	State      PlayerConnectionState

	TrackRepeat             bool
	QueueRepeat             bool
	DynamicRepeat           bool
	DynamicRepeatIntervalMs int

	IsAutoplay    bool
	AutoplayTries int

	Queue   *Queue
	Filters *Filters

	UserData map[string]any

	mu sync.Mutex

	explicitSkipPending bool
	endingTrack         *Track
	dynamicStop         chan struct{}
}

// NewPlayer constructs a Player bound to node and mgr. BotUserHandle is
// the requester identity stamped on autoplay-inserted tracks so Queue
// can classify them as autoPlayAdd rather than add.
func NewPlayer(mgr *Manager, node *Node, guildID string, botUserHandle string, maxPreviousTracks int) *Player {
	q := NewQueue(maxPreviousTracks)
	q.BotUserHandle = botUserHandle
	p := &Player{
		GuildID:       guildID,
		node:          node,
		mgr:           mgr,
		Volume:        100,
		State:         StateDisconnected,
		AutoplayTries: 3,
		Queue:         q,
		Filters:       NewFilters(),
		UserData:      map[string]any{},
	}
	return p
}

func (p *Player) Node() *Node { return p.node }

func (p *Player) snapshotLocked() PlayerSnapshot {
	nodeID := ""
	if p.node != nil {
		nodeID = p.node.Identifier()
	}
	return PlayerSnapshot{
		GuildID:                 p.GuildID,
		NodeIdentifier:          nodeID,
		VoiceChannelID:          p.VoiceChannelID,
		TextChannelID:           p.TextChannelID,
		VoiceState:              p.VoiceState,
		Playing:                 p.Playing,
		Paused:                  p.Paused,
		Volume:                  p.Volume,
		PositionMs:              p.PositionMs,
		State:                   p.State,
		TrackRepeat:             p.TrackRepeat,
		QueueRepeat:             p.QueueRepeat,
		DynamicRepeat:           p.DynamicRepeat,
		DynamicRepeatIntervalMs: p.DynamicRepeatIntervalMs,
		IsAutoplay:              p.IsAutoplay,
		AutoplayTries:           p.AutoplayTries,
		Current:                 p.Queue.Current(),
		Upcoming:                p.Queue.Upcoming(),
		Previous:                p.Queue.Previous(),
		Filters:                 p.Filters,
		UserData:                p.UserData,
	}
}

// mutate runs fn with p.mu held and returns the before/after snapshot
// pair. fn must only touch Player/Queue/Filters state directly — never
// call back into another Player method that itself calls mutate, or
// the non-reentrant lock deadlocks.
func (p *Player) mutate(fn func()) (old, neu PlayerSnapshot) {
	p.mu.Lock()
	old = p.snapshotLocked()
	fn()
	neu = p.snapshotLocked()
	p.mu.Unlock()
	return
}

func (p *Player) emit(changeType StateChangeType, details any, old, neu PlayerSnapshot) {
	if p.mgr == nil {
		return
	}
	Emit(p.mgr.bus, PlayerStateUpdateEvent{Player: p, Old: old, New: neu, Change: StateChange{Type: changeType, Details: details}})
}

func (p *Player) restContext() (context.Context, context.CancelFunc) {
	timeout := 10 * time.Second
	if p.node != nil {
		timeout = p.node.opts.RequestTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (p *Player) sendPlay(t *Track, noReplace bool, startMs, endMs int64) error {
	if p.node == nil {
		return ErrNodeUnavailable
	}
	patch := updatePlayerPatch{EncodedTrack: &t.Encoded}
	if startMs > 0 {
		patch.Position = &startMs
	}
	if endMs > 0 {
		patch.EndTime = &endMs
	}
	ctx, cancel := p.restContext()
	defer cancel()
	_, err := p.node.Rest.UpdatePlayer(ctx, p.GuildID, patch, noReplace)
	return err
}

// --- queue wrappers (emit ChangeQueue) ---

func (p *Player) AddToQueue(tracks []*Track, offset ...int) {
	var changeType QueueChangeType
	old, neu := p.mutate(func() { changeType = p.Queue.Add(tracks, offset...) })
	p.emit(ChangeQueue, QueueChangeDetails{Type: changeType, Tracks: tracks}, old, neu)
}

func (p *Player) RemoveFromQueue(startEnd ...int) ([]*Track, error) {
	var removed []*Track
	var rerr error
	old, neu := p.mutate(func() { removed, rerr = p.Queue.Remove(startEnd...) })
	if rerr != nil {
		return nil, rerr
	}
	p.emit(ChangeQueue, QueueChangeDetails{Type: QueueRemove, Tracks: removed}, old, neu)
	return removed, nil
}

func (p *Player) ClearQueue() {
	old, neu := p.mutate(func() { p.Queue.Clear() })
	p.emit(ChangeQueue, QueueChangeDetails{Type: QueueClear}, old, neu)
}

func (p *Player) ShuffleQueue() {
	old, neu := p.mutate(func() { p.Queue.Shuffle() })
	p.emit(ChangeQueue, QueueChangeDetails{Type: QueueShuffle}, old, neu)
}

func (p *Player) UserBlockShuffleQueue() {
	old, neu := p.mutate(func() { p.Queue.UserBlockShuffle() })
	p.emit(ChangeQueue, QueueChangeDetails{Type: QueueUserBlock}, old, neu)
}

func (p *Player) RoundRobinShuffleQueue() {
	old, neu := p.mutate(func() { p.Queue.RoundRobinShuffle() })
	p.emit(ChangeQueue, QueueChangeDetails{Type: QueueRoundRobin}, old, neu)
}

// --- playback operations (spec.md §4.5) ---

// Play plays queue.current (shifting one from upcoming if empty) with
// no argument, or replaces current immediately when opts.Track is set.
func (p *Player) Play(opts ...PlayOptions) error {
	var o PlayOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	if o.Track != nil {
		old, neu := p.mutate(func() {
			p.Queue.SetCurrent(o.Track)
			p.Playing = true
			p.Paused = false
		})
		p.emit(ChangeTrack, nil, old, neu)
		return p.sendPlay(o.Track, o.NoReplace, o.StartTimeMs, o.EndTimeMs)
	}

	var toPlay *Track
	old, neu := p.mutate(func() {
		current := p.Queue.Current()
		if current == nil {
			if next, ok := p.Queue.ShiftUpcoming(); ok {
				p.Queue.SetCurrent(next)
				current = next
			}
		}
		toPlay = current
	})
	if toPlay == nil {
		return ErrEmptyQueue
	}
	p.emit(ChangeTrack, nil, old, neu)
	return p.sendPlay(toPlay, o.NoReplace, o.StartTimeMs, o.EndTimeMs)
}

// Stop drops amount-1 upcoming tracks then asks the node to stop the
// current track, which triggers a TrackEndEvent(Stopped) that advances
// the state machine (spec.md §4.5).
func (p *Player) Stop(amount ...int) error {
	n := 1
	if len(amount) > 0 && amount[0] > 0 {
		n = amount[0]
	}
	if n > 1 {
		dropCount := n - 1
		if size := p.Queue.Count(); dropCount > size {
			dropCount = size
		}
		if dropCount > 0 {
			if _, err := p.RemoveFromQueue(0, dropCount); err != nil {
				return err
			}
		}
	}
	p.mu.Lock()
	p.explicitSkipPending = true
	p.mu.Unlock()

	if p.node == nil {
		return ErrNodeUnavailable
	}
	ctx, cancel := p.restContext()
	defer cancel()
	return p.node.Rest.StopPlayback(ctx, p.GuildID)
}

func (p *Player) Pause(pause bool) error {
	old, neu := p.mutate(func() { p.Paused = pause })
	p.emit(ChangePause, pause, old, neu)

	if p.node == nil {
		return ErrNodeUnavailable
	}
	ctx, cancel := p.restContext()
	defer cancel()
	paused := pause
	_, err := p.node.Rest.UpdatePlayer(ctx, p.GuildID, updatePlayerPatch{Paused: &paused}, false)
	return err
}

func (p *Player) Seek(ms int64) error {
	if p.node == nil {
		return ErrNodeUnavailable
	}
	ctx, cancel := p.restContext()
	defer cancel()
	_, err := p.node.Rest.UpdatePlayer(ctx, p.GuildID, updatePlayerPatch{Position: &ms}, false)
	return err
}

func (p *Player) SetVolume(v int) error {
	if v < 0 || v > 1000 {
		return ErrInvalidVolume
	}
	old, neu := p.mutate(func() { p.Volume = v })
	p.emit(ChangeVolume, v, old, neu)

	if p.node == nil {
		return ErrNodeUnavailable
	}
	ctx, cancel := p.restContext()
	defer cancel()
	_, err := p.node.Rest.UpdatePlayer(ctx, p.GuildID, updatePlayerPatch{Volume: &v}, false)
	return err
}

// UpdateFilters runs fn against the player's filter stack, then pushes
// the resulting patch to the node (spec.md §4.4). fn is called with
// p.mu held, same constraint as mutate.
func (p *Player) UpdateFilters(fn func(*Filters)) error {
	old, neu := p.mutate(func() { fn(p.Filters) })
	p.emit(ChangeFilters, nil, old, neu)

	if p.node == nil {
		return ErrNodeUnavailable
	}
	ctx, cancel := p.restContext()
	defer cancel()
	_, err := p.node.Rest.UpdatePlayer(ctx, p.GuildID, updatePlayerPatch{Filters: p.Filters.patch()}, false)
	return err
}

// ClearFilters resets every filter block and status flag, then pushes
// the cleared state to the node.
func (p *Player) ClearFilters() error {
	return p.UpdateFilters(func(f *Filters) { f.Clear() })
}

// Previous restores the most recent history entry as current, pushing
// the interrupted current back onto the front of upcoming. Fails if
// history is empty.
func (p *Player) Previous() error {
	var prev *Track
	var ok bool
	old, neu := p.mutate(func() {
		prev, ok = p.Queue.PopPrevious()
		if !ok {
			return
		}
		if current := p.Queue.Current(); current != nil {
			p.Queue.PushFront(current)
		}
		p.Queue.SetCurrent(prev)
	})
	if !ok {
		return ErrEmptyHistory
	}
	p.emit(ChangeTrack, nil, old, neu)
	return p.sendPlay(prev, true, 0, 0)
}

// Restart replays the current track from the beginning.
func (p *Player) Restart() error {
	current := p.Queue.Current()
	if current == nil {
		return ErrNilTrack
	}
	return p.sendPlay(current, true, 0, 0)
}

// --- repeat modes (pairwise exclusive, spec.md §3) ---

func (p *Player) SetTrackRepeat(on bool) {
	old, neu := p.mutate(func() {
		p.TrackRepeat = on
		if on {
			p.QueueRepeat, p.DynamicRepeat = false, false
		}
	})
	p.emit(ChangeRepeat, "track", old, neu)
	if !on {
		return
	}
	p.stopDynamicShuffle()
}

func (p *Player) SetQueueRepeat(on bool) {
	old, neu := p.mutate(func() {
		p.QueueRepeat = on
		if on {
			p.TrackRepeat, p.DynamicRepeat = false, false
		}
	})
	p.emit(ChangeRepeat, "queue", old, neu)
	if on {
		p.stopDynamicShuffle()
	}
}

// SetDynamicRepeat enables queue-repeat-with-periodic-shuffle and
// starts (or stops) the background ticker that shuffles upcoming every
// intervalMs while active (spec.md §4.5, GLOSSARY "Dynamic repeat").
func (p *Player) SetDynamicRepeat(on bool, intervalMs int) {
	old, neu := p.mutate(func() {
		p.DynamicRepeat = on
		if on {
			p.TrackRepeat, p.QueueRepeat = false, false
			p.DynamicRepeatIntervalMs = intervalMs
		}
	})
	p.emit(ChangeRepeat, "dynamic", old, neu)

	p.stopDynamicShuffle()
	if on && intervalMs > 0 {
		stop := make(chan struct{})
		p.mu.Lock()
		p.dynamicStop = stop
		p.mu.Unlock()
		go p.runDynamicShuffle(intervalMs, stop)
	}
}

func (p *Player) runDynamicShuffle(intervalMs int, stop chan struct{}) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.ShuffleQueue()
		}
	}
}

func (p *Player) stopDynamicShuffle() {
	p.mu.Lock()
	stop := p.dynamicStop
	p.dynamicStop = nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// --- voice lifecycle (spec.md §4.5) ---

type voiceGatewayPayload struct {
	Op int              `json:"op"`
	D  voiceGatewayData `json:"d"`
}

type voiceGatewayData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

func (p *Player) Connect() error {
	if p.mgr == nil || p.mgr.opts.Send == nil {
		return ErrMissingSend
	}
	old, neu := p.mutate(func() { p.State = StateConnecting })
	p.emit(ChangeConnection, nil, old, neu)

	channelID := p.VoiceChannelID
	return p.mgr.opts.Send(p.GuildID, voiceGatewayPayload{
		Op: 4,
		D:  voiceGatewayData{GuildID: p.GuildID, ChannelID: &channelID, SelfDeaf: true},
	})
}

func (p *Player) Disconnect() error {
	if p.mgr == nil || p.mgr.opts.Send == nil {
		return ErrMissingSend
	}
	old, neu := p.mutate(func() {
		p.State = StateDisconnecting
	})
	p.emit(ChangeConnection, nil, old, neu)

	err := p.mgr.opts.Send(p.GuildID, voiceGatewayPayload{
		Op: 4,
		D:  voiceGatewayData{GuildID: p.GuildID, ChannelID: nil, SelfDeaf: true},
	})

	old, neu = p.mutate(func() {
		p.State = StateDisconnected
		p.VoiceChannelID = ""
	})
	p.emit(ChangeConnection, nil, old, neu)
	return err
}

// Destroy always issues REST destroyPlayer on the hosting node, per
// spec.md §9's resolution of the detach-vs-destroy Open Question.
func (p *Player) Destroy(disconnect bool) error {
	old, neu := p.mutate(func() { p.State = StateDestroying })
	p.emit(ChangePlayerDestroy, nil, old, neu)

	if disconnect {
		_ = p.Disconnect()
	}
	p.stopDynamicShuffle()

	var err error
	if p.node != nil {
		ctx, cancel := p.restContext()
		defer cancel()
		err = p.node.Rest.DestroyPlayer(ctx, p.GuildID)
	}
	if p.mgr != nil {
		p.mgr.removePlayer(p.GuildID)
		_ = deletePlayerSnapshot(p.mgr.opts.SessionDataDir, p.GuildID)
		Emit(p.mgr.bus, PlayerDestroyEvent{Player: p})
	}
	return err
}

// Detach removes the player from the Manager's map without issuing
// REST destroyPlayer, for the undocumented "keep the node-side player
// alive" use case (spec.md §9).
func (p *Player) Detach() {
	p.stopDynamicShuffle()
	if p.mgr != nil {
		p.mgr.removePlayer(p.GuildID)
	}
}

// --- node event handler (spec.md §4.5) ---

func (p *Player) handleNodeEvent(eventType string, data []byte) {
	switch eventType {
	case eventTrackStart:
		var f trackStartEventFrame
		if err := json.Unmarshal(data, &f); err == nil {
			p.onTrackStart(f)
		}
	case eventTrackEnd:
		var f trackEndEventFrame
		if err := json.Unmarshal(data, &f); err == nil {
			p.onTrackEnd(f)
		}
	case eventTrackException:
		var f trackExceptionEventFrame
		if err := json.Unmarshal(data, &f); err == nil {
			p.onTrackException(f)
		}
	case eventTrackStuck:
		var f trackStuckEventFrame
		if err := json.Unmarshal(data, &f); err == nil {
			p.onTrackStuck(f)
		}
	case eventWebSocketClosed:
		var f webSocketClosedEventFrame
		if err := json.Unmarshal(data, &f); err == nil {
			p.onWebSocketClosed(f)
		}
	case eventSegmentsLoaded, eventSegmentSkipped, eventChapterStarted, eventChaptersLoaded:
		p.onSponsorBlockEvent(eventType, data)
	}
}

func (p *Player) onTrackStart(f trackStartEventFrame) {
	old, neu := p.mutate(func() {
		p.Playing = true
		p.Paused = false
	})
	p.emit(ChangeTrack, nil, old, neu)
	if p.mgr != nil {
		Emit(p.mgr.bus, TrackStartEvent{Player: p, Track: p.Queue.Current()})
	}
}

// takeEndingTrack returns and clears the track an in-flight event
// handler captured as the autoplay seed.
func (p *Player) takeEndingTrack() *Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.endingTrack
	p.endingTrack = nil
	return t
}

func (p *Player) onTrackEnd(f trackEndEventFrame) {
	reason := TrackEndReason(f.Reason)
	p.mu.Lock()
	p.endingTrack = p.Queue.Current()
	p.mu.Unlock()

	if p.mgr != nil {
		Emit(p.mgr.bus, TrackEndEvent{Player: p, Track: p.Queue.Current(), Reason: reason})
	}

	switch reason {
	case ReasonReplaced:
		p.takeEndingTrack()
		return
	case ReasonLoadFailed:
		p.handleFailureAdvance()
	case ReasonStopped:
		p.mu.Lock()
		explicitSkip := p.explicitSkipPending
		p.explicitSkipPending = false
		p.mu.Unlock()
		p.takeEndingTrack()
		if p.Queue.Count() > 0 && explicitSkip {
			p.advanceNormal()
		} else {
			p.emitQueueEnd()
		}
	case ReasonFinished, ReasonCleanup:
		p.handleNaturalEnd()
	default:
		p.takeEndingTrack()
	}
}

func (p *Player) onTrackException(f trackExceptionEventFrame) {
	p.mu.Lock()
	p.endingTrack = p.Queue.Current()
	p.mu.Unlock()

	if p.mgr != nil {
		Emit(p.mgr.bus, TrackErrorEvent{Player: p, Track: p.Queue.Current(), Message: f.Exception.Message})
	}
	seed := p.takeEndingTrack()
	if p.tryAutoplay(seed) {
		return
	}
	p.advanceNormal()
}

func (p *Player) onTrackStuck(f trackStuckEventFrame) {
	if p.mgr != nil {
		Emit(p.mgr.bus, TrackStuckEvent{Player: p, Track: p.Queue.Current(), ThresholdMs: f.ThresholdMs})
	}
	// Node-side stop, then handled as an error: mark the pending stop
	// explicit so the TrackEndEvent(Stopped) this provokes advances
	// the queue instead of ending it (spec.md §4.5).
	p.mu.Lock()
	p.explicitSkipPending = true
	p.mu.Unlock()
	if p.node == nil {
		return
	}
	ctx, cancel := p.restContext()
	defer cancel()
	_ = p.node.Rest.StopPlayback(ctx, p.GuildID)
}

func (p *Player) onWebSocketClosed(f webSocketClosedEventFrame) {
	if p.mgr != nil {
		Emit(p.mgr.bus, SocketClosedEvent{Player: p, Code: f.Code, Reason: f.Reason, ByRemote: f.ByRemote})
	}
	if f.Code == 4014 || f.Code == 4022 {
		_ = p.Destroy(false)
	}
}

func (p *Player) onSponsorBlockEvent(eventType string, data []byte) {
	if p.mgr == nil {
		return
	}
	switch eventType {
	case eventSegmentsLoaded:
		var f segmentsLoadedFrame
		if json.Unmarshal(data, &f) == nil {
			Emit(p.mgr.bus, SegmentsLoadedEvent{Player: p, Segments: f.segments()})
		}
	case eventSegmentSkipped:
		var f segmentSkippedFrame
		if json.Unmarshal(data, &f) == nil {
			Emit(p.mgr.bus, SegmentSkippedEvent{Player: p, Segment: f.Segment.toSegment()})
		}
	case eventChaptersLoaded:
		var f chaptersLoadedFrame
		if json.Unmarshal(data, &f) == nil {
			Emit(p.mgr.bus, ChaptersLoadedEvent{Player: p, Chapters: f.chapters()})
		}
	case eventChapterStarted:
		var f chapterStartedFrame
		if json.Unmarshal(data, &f) == nil {
			Emit(p.mgr.bus, ChapterStartedEvent{Player: p, Chapter: f.Chapter.toChapter()})
		}
	}
}

// handleFailureAdvance implements the LoadFailed branch of the
// TrackEnd reason matrix: try autoplay using the failed track as seed,
// else advance normally (spec.md §4.5).
func (p *Player) handleFailureAdvance() {
	seed := p.takeEndingTrack()
	if p.tryAutoplay(seed) {
		return
	}
	p.advanceNormal()
}

// handleNaturalEnd implements the Finished/Cleanup branch of the
// TrackEnd reason matrix (spec.md §4.5).
func (p *Player) handleNaturalEnd() {
	p.mu.Lock()
	trackRepeat := p.TrackRepeat
	queueRepeat := p.QueueRepeat
	dynamicRepeat := p.DynamicRepeat
	p.mu.Unlock()

	current := p.takeEndingTrack()

	switch {
	case trackRepeat:
		if current != nil {
			_ = p.sendPlay(current, false, 0, 0)
		}
	case queueRepeat:
		if current != nil {
			p.AddToQueue([]*Track{current})
		}
		p.advanceNormal()
	case dynamicRepeat:
		if current != nil {
			p.AddToQueue([]*Track{current})
		}
		p.advanceNormal()
	default:
		if current != nil {
			old, neu := p.mutate(func() { p.Queue.pushPrevious(current) })
			p.emit(ChangeTrack, nil, old, neu)
		}
		p.advanceNormal()
	}
}

// advanceNormal shifts the next upcoming track into current and plays
// it, or — if upcoming is empty — tries autoplay, else emits QueueEnd.
func (p *Player) advanceNormal() {
	var next, seed *Track
	var ok bool
	old, neu := p.mutate(func() {
		seed = p.Queue.Current()
		next, ok = p.Queue.ShiftUpcoming()
		if ok {
			p.Queue.SetCurrent(next)
		} else {
			p.Queue.SetCurrent(nil)
		}
	})
	p.emit(ChangeTrack, nil, old, neu)

	if ok {
		_ = p.sendPlay(next, false, 0, 0)
		return
	}
	if p.tryAutoplay(seed) {
		return
	}
	p.emitQueueEnd()
}

// tryAutoplay asks the Manager's autoplay resolver for a follow-up
// track using seed, the track that just ended as captured by the
// caller; a nil seed resolves nothing. Returns true if a track was
// found and queued for playback.
func (p *Player) tryAutoplay(seed *Track) bool {
	p.mu.Lock()
	autoplay := p.IsAutoplay
	tries := p.AutoplayTries
	p.mu.Unlock()

	if !autoplay || tries <= 0 || seed == nil || p.mgr == nil || p.mgr.autoplay == nil {
		return false
	}

	next, err := p.mgr.autoplay.Resolve(context.Background(), p.node, seed)
	if err != nil || next == nil {
		p.mu.Lock()
		if p.AutoplayTries > 0 {
			p.AutoplayTries--
		}
		p.mu.Unlock()
		return false
	}

	next.Requester = p.Queue.BotUserHandle
	p.AddToQueue([]*Track{next})
	_ = p.sendPlay(next, false, 0, 0)
	return true
}

func (p *Player) emitQueueEnd() {
	if p.mgr != nil {
		Emit(p.mgr.bus, QueueEndEvent{Player: p})
	}
}

// applyPlayerUpdate ingests a playerUpdate frame from Node: updates
// position/ping/connected and, if position changed, emits a TrackChange
// state update carrying a "timeUpdate" detail (spec.md §4.2).
func (p *Player) applyPlayerUpdate(positionMs int64, ping int, connected bool) {
	var changed bool
	old, neu := p.mutate(func() {
		changed = p.PositionMs != positionMs
		p.PositionMs = positionMs
		p.Ping = ping
		p.connected = connected
	})
	if changed {
		p.emit(ChangeTrack, "timeUpdate", old, neu)
	}
}

// rebindNode is used by Manager during migration: the player keeps its
// queue/filters/voice state but now belongs to a different node.
func (p *Player) rebindNode(n *Node) {
	p.mu.Lock()
	p.node = n
	p.mu.Unlock()
}
