package magma

import (
	"reflect"
	"sync"
)

// TrackEndReason classifies why a TrackEndEvent fired (spec.md §4.5).
type TrackEndReason string

const (
	ReasonFinished   TrackEndReason = "finished"
	ReasonLoadFailed TrackEndReason = "loadFailed"
	ReasonStopped    TrackEndReason = "stopped"
	ReasonReplaced   TrackEndReason = "replaced"
	ReasonCleanup    TrackEndReason = "cleanup"
)

// StateChangeType classifies a PlayerStateUpdate's mutation kind.
type StateChangeType string

const (
	ChangeAutoPlay  StateChangeType = "autoPlayChange"
	ChangeConnection StateChangeType = "connectionChange"
	ChangeRepeat    StateChangeType = "repeatChange"
	ChangePause     StateChangeType = "pauseChange"
	ChangeQueue     StateChangeType = "queueChange"
	ChangeTrack     StateChangeType = "trackChange"
	ChangeVolume    StateChangeType = "volumeChange"
	ChangeChannel   StateChangeType = "channelChange"
	ChangePlayerCreate StateChangeType = "playerCreate"
	ChangePlayerDestroy StateChangeType = "playerDestroy"
	ChangeFilters   StateChangeType = "filtersChange"
)

// StateChange carries the before/after pair and a type discriminant for
// a single observable Player mutation.
type StateChange struct {
	Type    StateChangeType
	Details any
}

type SponsorSegment struct {
	Category string
	StartMs  int64
	EndMs    int64
}

type SponsorChapter struct {
	Name    string
	StartMs int64
	EndMs   int64
}

// --- event payloads ---

type DebugEvent struct{ Message string }

type NodeCreateEvent struct{ Node *Node }
type NodeDestroyEvent struct{ Identifier string }
type NodeConnectEvent struct{ Node *Node }
type NodeReconnectEvent struct {
	Node    *Node
	Attempt int
}
type NodeDisconnectEvent struct {
	Node   *Node
	Code   int
	Reason string
}
type NodeErrorEvent struct {
	Node *Node
	Err  error
}
type NodeRawEvent struct {
	Node *Node
	Data []byte
}

type PlayerCreateEvent struct{ Player *Player }
type PlayerDestroyEvent struct{ Player *Player }
type PlayerMoveEvent struct {
	Player       *Player
	OldChannelID string
	NewChannelID string
}
type PlayerDisconnectEvent struct{ Player *Player }
type PlayerStateUpdateEvent struct {
	Player *Player
	Old    PlayerSnapshot
	New    PlayerSnapshot
	Change StateChange
}

type TrackStartEvent struct {
	Player *Player
	Track  *Track
}
type TrackEndEvent struct {
	Player *Player
	Track  *Track
	Reason TrackEndReason
}
type TrackStuckEvent struct {
	Player      *Player
	Track       *Track
	ThresholdMs int64
}
type TrackErrorEvent struct {
	Player  *Player
	Track   *Track
	Message string
}
type QueueEndEvent struct{ Player *Player }
type SocketClosedEvent struct {
	Player   *Player
	Code     int
	Reason   string
	ByRemote bool
}

type SegmentsLoadedEvent struct {
	Player   *Player
	Segments []SponsorSegment
}
type SegmentSkippedEvent struct {
	Player  *Player
	Segment SponsorSegment
}
type ChapterStartedEvent struct {
	Player  *Player
	Chapter SponsorChapter
}
type ChaptersLoadedEvent struct {
	Player   *Player
	Chapters []SponsorChapter
}

// subscription pairs a handler with an id so Unsubscribe can remove it
// without relying on slice position, which shifts as others unsubscribe.
type subscription struct {
	id uint64
	fn func(any)
}

// Bus is the typed event-subscription surface (C9). Subscribe/Emit are
// generic over the event payload type, so each event kind gets its own
// registration list keyed by reflect.Type without hand-written
// per-kind boilerplate.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[reflect.Type][]subscription
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: map[reflect.Type][]subscription{}}
}

// Subscribe registers fn for every event of type T and returns an
// unsubscribe function.
func Subscribe[T any](b *Bus, fn func(T)) func() {
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], subscription{
		id: id,
		fn: func(e any) { fn(e.(T)) },
	})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[t]
		for i, s := range subs {
			if s.id == id {
				b.handlers[t] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit dispatches e to every subscriber of its concrete type.
func Emit[T any](b *Bus, e T) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[t]))
	copy(subs, b.handlers[t])
	b.mu.RUnlock()
	for _, s := range subs {
		s.fn(e)
	}
}
