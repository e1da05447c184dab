package magma

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Method string
	Path   string
	Body   []byte
}

type fakeNodeServer struct {
	mu       sync.Mutex
	requests []capturedRequest
}

func (s *fakeNodeServer) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, capturedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{}`))
}

func (s *fakeNodeServer) last() capturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func (s *fakeNodeServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// newTestPlayer wires a Player to a Node whose REST client targets an
// httptest server, bypassing the WebSocket handshake entirely by
// stamping a session id directly (same-package field access).
func newTestPlayer(t *testing.T) (*Player, *fakeNodeServer) {
	t.Helper()
	fake := &fakeNodeServer{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	opts := NodeOptions{Host: u.Hostname(), Port: port, Password: "test", RequestTimeout: 5 * time.Second}
	opts.fillDefaults()

	mgr := &Manager{
		opts:    ManagerOptions{MaxPreviousTracks: 20, SessionDataDir: t.TempDir()},
		nodes:   map[string]*Node{},
		players: map[string]*Player{},
		bus:     NewBus(),
	}
	node := NewNode(mgr, opts)
	node.sessionID = "test-session"

	p := NewPlayer(mgr, node, "guild-1", "bot-handle", 20)
	mgr.players["guild-1"] = p
	return p, fake
}

func TestPlayerAddToQueueEmitsChangeQueue(t *testing.T) {
	p, _ := newTestPlayer(t)
	var got *PlayerStateUpdateEvent
	Subscribe(p.mgr.bus, func(e PlayerStateUpdateEvent) { got = &e })

	p.AddToQueue([]*Track{track("a", "u1")})

	require.NotNil(t, got)
	assert.Equal(t, ChangeQueue, got.Change.Type)
	details, ok := got.Change.Details.(QueueChangeDetails)
	require.True(t, ok)
	assert.Equal(t, QueueAdd, details.Type)
}

func TestPlayerPlaySendsEncodedTrack(t *testing.T) {
	p, fake := newTestPlayer(t)
	tr := track("enc-123", "")

	err := p.Play(PlayOptions{Track: tr})
	require.NoError(t, err)

	req := fake.last()
	assert.Equal(t, http.MethodPatch, req.Method)
	var patch updatePlayerPatch
	require.NoError(t, json.Unmarshal(req.Body, &patch))
	require.NotNil(t, patch.EncodedTrack)
	assert.Equal(t, "enc-123", *patch.EncodedTrack)
	assert.True(t, p.Playing)
}

func TestPlayerPlayEmptyQueueErrors(t *testing.T) {
	p, _ := newTestPlayer(t)
	err := p.Play()
	assert.ErrorIs(t, err, ErrEmptyQueue)
}

func TestPlayerRepeatModesAreExclusive(t *testing.T) {
	p, _ := newTestPlayer(t)

	p.SetTrackRepeat(true)
	assert.True(t, p.TrackRepeat)

	p.SetQueueRepeat(true)
	assert.True(t, p.QueueRepeat)
	assert.False(t, p.TrackRepeat)

	p.SetDynamicRepeat(true, 0)
	assert.True(t, p.DynamicRepeat)
	assert.False(t, p.QueueRepeat)
	assert.False(t, p.TrackRepeat)
}

func TestPlayerOnTrackEndFinishedAdvancesAndHistorizes(t *testing.T) {
	p, fake := newTestPlayer(t)
	p.AddToQueue([]*Track{track("a", ""), track("b", "")})
	require.Equal(t, "a", p.Queue.Current().Identifier)

	frame, err := json.Marshal(trackEndEventFrame{
		Track:  RawTrack{Encoded: "a", Info: rawTrackInfo{Identifier: "a"}},
		Reason: string(ReasonFinished),
	})
	require.NoError(t, err)
	p.handleNodeEvent(eventTrackEnd, frame)

	assert.Equal(t, "b", p.Queue.Current().Identifier)
	prev := p.Queue.Previous()
	require.Len(t, prev, 1)
	assert.Equal(t, "a", prev[0].Identifier)

	req := fake.last()
	assert.Equal(t, http.MethodPatch, req.Method)
}

func TestPlayerOnTrackEndStoppedWithoutExplicitSkipEndsQueue(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.AddToQueue([]*Track{track("a", ""), track("b", "")})

	var gotQueueEnd bool
	Subscribe(p.mgr.bus, func(QueueEndEvent) { gotQueueEnd = true })

	frame, err := json.Marshal(trackEndEventFrame{
		Track:  RawTrack{Encoded: "a", Info: rawTrackInfo{Identifier: "a"}},
		Reason: string(ReasonStopped),
	})
	require.NoError(t, err)
	p.handleNodeEvent(eventTrackEnd, frame)

	assert.True(t, gotQueueEnd)
	assert.Equal(t, "a", p.Queue.Current().Identifier, "current untouched when stop wasn't an explicit skip")
}

func TestPlayerOnTrackEndStoppedWithExplicitSkipAdvances(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.AddToQueue([]*Track{track("a", ""), track("b", "")})
	_ = p.Stop()

	frame, err := json.Marshal(trackEndEventFrame{
		Track:  RawTrack{Encoded: "a", Info: rawTrackInfo{Identifier: "a"}},
		Reason: string(ReasonStopped),
	})
	require.NoError(t, err)
	p.handleNodeEvent(eventTrackEnd, frame)

	assert.Equal(t, "b", p.Queue.Current().Identifier)
}

func TestPlayerOnTrackEndReplacedIsANoop(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.AddToQueue([]*Track{track("a", "")})

	var gotTrackEnd bool
	Subscribe(p.mgr.bus, func(TrackEndEvent) { gotTrackEnd = true })

	frame, err := json.Marshal(trackEndEventFrame{Reason: string(ReasonReplaced)})
	require.NoError(t, err)
	p.handleNodeEvent(eventTrackEnd, frame)

	assert.True(t, gotTrackEnd)
	assert.Equal(t, "a", p.Queue.Current().Identifier)
}

func TestPlayerOnTrackStuckStopsPlaybackAndMarksExplicitSkip(t *testing.T) {
	p, fake := newTestPlayer(t)
	p.AddToQueue([]*Track{track("a", "")})

	frame, err := json.Marshal(trackStuckEventFrame{ThresholdMs: 5000})
	require.NoError(t, err)
	p.handleNodeEvent(eventTrackStuck, frame)

	assert.Equal(t, 1, fake.count())
	p.mu.Lock()
	explicit := p.explicitSkipPending
	p.mu.Unlock()
	assert.True(t, explicit)
}

func TestPlayerPreviousRestoresHistory(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.AddToQueue([]*Track{track("a", ""), track("b", "")})
	p.Queue.pushPrevious(track("z", ""))

	err := p.Previous()
	require.NoError(t, err)
	assert.Equal(t, "z", p.Queue.Current().Identifier)
	assert.Equal(t, []string{"a", "b"}, ids(p.Queue.Upcoming()))
}

func TestPlayerPreviousEmptyHistoryErrors(t *testing.T) {
	p, _ := newTestPlayer(t)
	err := p.Previous()
	assert.ErrorIs(t, err, ErrEmptyHistory)
}

func TestPlayerDetachDoesNotCallRest(t *testing.T) {
	p, fake := newTestPlayer(t)
	p.Detach()
	assert.Equal(t, 0, fake.count())
	assert.Nil(t, p.mgr.GetPlayer("guild-1"))
}

func TestPlayerDestroyCallsRestDelete(t *testing.T) {
	p, fake := newTestPlayer(t)
	err := p.Destroy(false)
	require.NoError(t, err)
	req := fake.last()
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Nil(t, p.mgr.GetPlayer("guild-1"))
}

func TestPlayerSetVolumeRejectsOutOfRange(t *testing.T) {
	p, _ := newTestPlayer(t)
	err := p.SetVolume(-1)
	assert.ErrorIs(t, err, ErrInvalidVolume)
	err = p.SetVolume(1001)
	assert.ErrorIs(t, err, ErrInvalidVolume)
}

func TestPlayerApplyPlayerUpdateEmitsOnPositionChange(t *testing.T) {
	p, _ := newTestPlayer(t)
	var updates int
	Subscribe(p.mgr.bus, func(PlayerStateUpdateEvent) { updates++ })

	p.applyPlayerUpdate(1000, 20, true)
	assert.Equal(t, 1, updates)

	p.applyPlayerUpdate(1000, 20, true)
	assert.Equal(t, 1, updates, "no new event when position is unchanged")
}

func TestPlayerUpdateFiltersPushesPatchToNode(t *testing.T) {
	p, fake := newTestPlayer(t)
	var got *PlayerStateUpdateEvent
	Subscribe(p.mgr.bus, func(e PlayerStateUpdateEvent) { got = &e })

	err := p.UpdateFilters(func(f *Filters) { f.Nightcore() })
	require.NoError(t, err)

	assert.True(t, p.Filters.FiltersStatus()["nightcore"])
	require.NotNil(t, got)
	assert.Equal(t, ChangeFilters, got.Change.Type)

	req := fake.last()
	assert.Equal(t, http.MethodPatch, req.Method)
	var patch updatePlayerPatch
	require.NoError(t, json.Unmarshal(req.Body, &patch))
	require.NotNil(t, patch.Filters)
	require.NotNil(t, patch.Filters.Timescale)
	assert.InDelta(t, 1.3, patch.Filters.Timescale.Speed, 0.001)
}

func TestPlayerClearFiltersPushesEmptyPatch(t *testing.T) {
	p, fake := newTestPlayer(t)
	require.NoError(t, p.UpdateFilters(func(f *Filters) { f.BassBoost(3) }))

	err := p.ClearFilters()
	require.NoError(t, err)

	assert.False(t, p.Filters.FiltersStatus()["bassBoost"])
	req := fake.last()
	var patch updatePlayerPatch
	require.NoError(t, json.Unmarshal(req.Body, &patch))
	assert.Nil(t, patch.Filters.Equalizer)
}
