package magma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStoreSetGet(t *testing.T) {
	dir := t.TempDir()
	store := NewSessionStore(dir)

	require.NoError(t, store.Set("node-1", 0, "sess-abc"))
	assert.Equal(t, "sess-abc", store.Get("node-1", 0))
	assert.Equal(t, "", store.Get("node-2", 0))
}

func TestSessionStorePersistsAcrossLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewSessionStore(dir)
	require.NoError(t, store.Set("node-1", 3, "sess-xyz"))

	reloaded := NewSessionStore(dir)
	assert.Equal(t, "sess-xyz", reloaded.Get("node-1", 3))
}

func TestSessionKeyIncludesClusterID(t *testing.T) {
	dir := t.TempDir()
	store := NewSessionStore(dir)
	require.NoError(t, store.Set("node-1", 0, "a"))
	require.NoError(t, store.Set("node-1", 1, "b"))

	assert.Equal(t, "a", store.Get("node-1", 0))
	assert.Equal(t, "b", store.Get("node-1", 1))
}

func TestSavePlayerSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	snap := PlayerSnapshot{
		GuildID:    "guild-1",
		Playing:    true,
		Volume:     80,
		PositionMs: 1500,
		Current:    &Track{Encoded: "enc", Identifier: "id"},
	}
	require.NoError(t, savePlayerSnapshot(dir, snap))

	loaded, err := loadPlayerSnapshot(dir, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, snap.GuildID, loaded.GuildID)
	assert.Equal(t, snap.Volume, loaded.Volume)
	assert.Equal(t, snap.PositionMs, loaded.PositionMs)
	require.NotNil(t, loaded.Current)
	assert.Equal(t, "id", loaded.Current.Identifier)
}

func TestLoadPlayerSnapshotMissingReturnsError(t *testing.T) {
	dir := t.TempDir()
	_, err := loadPlayerSnapshot(dir, "nonexistent")
	assert.Error(t, err)
}

func TestDeletePlayerSnapshotIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	snap := PlayerSnapshot{GuildID: "guild-2"}
	require.NoError(t, savePlayerSnapshot(dir, snap))

	require.NoError(t, deletePlayerSnapshot(dir, "guild-2"))
	require.NoError(t, deletePlayerSnapshot(dir, "guild-2"))

	_, err := loadPlayerSnapshot(dir, "guild-2")
	assert.Error(t, err)
}

func TestListSnapshotGuildIDs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, savePlayerSnapshot(dir, PlayerSnapshot{GuildID: "g1"}))
	require.NoError(t, savePlayerSnapshot(dir, PlayerSnapshot{GuildID: "g2"}))

	ids, err := listSnapshotGuildIDs(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "g2"}, ids)
}

func TestListSnapshotGuildIDsMissingDir(t *testing.T) {
	dir := t.TempDir()
	ids, err := listSnapshotGuildIDs(dir + "/does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, ids)
}
