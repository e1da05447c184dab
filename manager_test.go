package magma

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, priority int) *Node {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/players") {
			w.Write([]byte(`[{"guildId":"guild-1"}]`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	opts := NodeOptions{Host: u.Hostname(), Port: port, Priority: priority, RequestTimeout: 5 * time.Second}
	opts.fillDefaults()
	n := NewNode(nil, opts)
	n.sessionID = "sess"
	return n
}

func TestSelectLeastPlayersPicksFewest(t *testing.T) {
	a := newTestNode(t, 0)
	a.stats = NodeStats{Players: 5}
	b := newTestNode(t, 0)
	b.stats = NodeStats{Players: 2}

	best := selectLeastPlayers([]*Node{a, b})
	assert.Same(t, b, best)
}

func TestSelectLeastLoadPicksLowestRatio(t *testing.T) {
	a := newTestNode(t, 0)
	a.stats = NodeStats{CPUCores: 4, LavalinkLoad: 3.2}
	b := newTestNode(t, 0)
	b.stats = NodeStats{CPUCores: 4, LavalinkLoad: 0.4}

	best := selectLeastLoad([]*Node{a, b})
	assert.Same(t, b, best)
}

func TestSelectByPriorityExcludesNonPositive(t *testing.T) {
	a := newTestNode(t, 0)
	b := newTestNode(t, 5)

	best := selectByPriority([]*Node{a, b})
	require.NotNil(t, best)
	assert.Same(t, b, best)
}

func TestSelectByPriorityAllZeroReturnsNil(t *testing.T) {
	a := newTestNode(t, 0)
	b := newTestNode(t, 0)
	assert.Nil(t, selectByPriority([]*Node{a, b}))
}

func newTestManager(t *testing.T) (*Manager, *Node) {
	t.Helper()
	dir := t.TempDir()
	mgr := NewManager(ManagerOptions{
		ClientID:          "bot-1",
		MaxPreviousTracks: 20,
		SessionDataDir:    dir,
		Autoplay:          false,
		Send:              func(string, any) error { return nil },
	})
	node := newTestNode(t, 0)
	node.mgr = mgr
	mgr.nodes[node.Identifier()] = node
	// Fake the node as connected without dialing a real WebSocket.
	node.mu.Lock()
	node.state = stateConnected
	node.mu.Unlock()
	return mgr, node
}

func TestManagerCreatePlayerUsesUseableNode(t *testing.T) {
	mgr, node := newTestManager(t)
	p, err := mgr.Create("guild-1", "voice-1", "text-1")
	require.NoError(t, err)
	assert.Same(t, node, p.Node())
	assert.Same(t, p, mgr.Get("guild-1"))
}

func TestManagerCreateDuplicateGuildErrors(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.Create("guild-1", "v", "t")
	require.NoError(t, err)
	_, err = mgr.Create("guild-1", "v", "t")
	assert.ErrorIs(t, err, ErrPlayerExists)
}

func TestManagerCreateNoNodeErrors(t *testing.T) {
	mgr := NewManager(ManagerOptions{SessionDataDir: t.TempDir()})
	_, err := mgr.Create("guild-1", "v", "t")
	assert.ErrorIs(t, err, ErrNodeUnavailable)
}

func TestManagerHandleVoiceServerUpdateCompletesVoiceState(t *testing.T) {
	mgr, _ := newTestManager(t)
	p, err := mgr.Create("guild-1", "voice-1", "text-1")
	require.NoError(t, err)
	p.VoiceState.SessionID = "session-xyz"

	raw, err := json.Marshal(VoiceStateUpdate{
		Type:     "VOICE_SERVER_UPDATE",
		GuildID:  "guild-1",
		Token:    "tok",
		Endpoint: "endpoint.example",
	})
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateVoiceState(raw))

	assert.True(t, p.VoiceState.complete())
	assert.Equal(t, "tok", p.VoiceState.Event.Token)
}

func TestManagerHandleVoiceStateUpdateTracksChannel(t *testing.T) {
	mgr, _ := newTestManager(t)
	p, err := mgr.Create("guild-1", "", "")
	require.NoError(t, err)

	channelID := "channel-1"
	raw, err := json.Marshal(VoiceStateUpdate{
		Type:      "VOICE_STATE_UPDATE",
		GuildID:   "guild-1",
		ChannelID: &channelID,
		UserID:    "bot-1",
		SessionID: "sess-xyz",
	})
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateVoiceState(raw))

	assert.Equal(t, "channel-1", p.VoiceChannelID)
}

func TestManagerHandleVoiceStateUpdateIgnoresOtherUsers(t *testing.T) {
	mgr, _ := newTestManager(t)
	p, err := mgr.Create("guild-1", "original-channel", "")
	require.NoError(t, err)

	channelID := "channel-2"
	raw, err := json.Marshal(VoiceStateUpdate{
		Type:      "VOICE_STATE_UPDATE",
		GuildID:   "guild-1",
		ChannelID: &channelID,
		UserID:    "someone-else",
	})
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateVoiceState(raw))

	assert.Equal(t, "original-channel", p.VoiceChannelID)
}

func TestManagerSaveAndLoadPlayerState(t *testing.T) {
	mgr, node := newTestManager(t)
	p, err := mgr.Create("guild-1", "voice-1", "text-1")
	require.NoError(t, err)
	p.AddToQueue([]*Track{track("a", ""), track("b", "")})

	require.NoError(t, mgr.SavePlayerState("guild-1"))

	guildIDs, err := listSnapshotGuildIDs(mgr.opts.SessionDataDir)
	require.NoError(t, err)
	assert.Contains(t, guildIDs, "guild-1")

	mgr.removePlayer("guild-1")
	require.NoError(t, mgr.LoadPlayerStates(context.Background(), node.Identifier()))

	reloaded := mgr.Get("guild-1")
	require.NotNil(t, reloaded)
	assert.Equal(t, "a", reloaded.Queue.Current().Identifier)
}

func TestManagerHandleShutdownSnapshotsAndDestroysNodes(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.Create("guild-1", "voice-1", "text-1")
	require.NoError(t, err)

	require.NoError(t, mgr.HandleShutdown(context.Background()))

	guildIDs, err := listSnapshotGuildIDs(mgr.opts.SessionDataDir)
	require.NoError(t, err)
	assert.Contains(t, guildIDs, "guild-1")
}

func TestManagerHandleShutdownPrunesStaleSnapshots(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.Create("guild-1", "voice-1", "text-1")
	require.NoError(t, err)

	require.NoError(t, savePlayerSnapshot(mgr.opts.SessionDataDir, PlayerSnapshot{GuildID: "guild-stale"}))

	require.NoError(t, mgr.HandleShutdown(context.Background()))

	guildIDs, err := listSnapshotGuildIDs(mgr.opts.SessionDataDir)
	require.NoError(t, err)
	assert.Contains(t, guildIDs, "guild-1")
	assert.NotContains(t, guildIDs, "guild-stale")
}
