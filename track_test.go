package magma

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSourceName(t *testing.T) {
	assert.Equal(t, SourceYouTube, normalizeSourceName("YouTube"))
	assert.Equal(t, SourceYouTube, normalizeSourceName("ytsearch"))
	assert.Equal(t, SourceSpotify, normalizeSourceName("Spotify"))
	assert.Equal(t, SourceUnknown, normalizeSourceName("napster"))
}

func TestTrackBuilderBuild(t *testing.T) {
	b := NewTrackBuilder(nil, false, nil)
	raw := RawTrack{
		Encoded: "abc123",
		Info: rawTrackInfo{
			Identifier: "dQw4w9WgXcQ",
			Title:      "Never Gonna Give You Up",
			Author:     "Rick Astley",
			Length:     212000,
			IsSeekable: true,
			URI:        "https://youtube.com/watch?v=dQw4w9WgXcQ",
			SourceName: "youtube",
		},
	}
	tr := b.Build(raw, "user#1")
	require.NotNil(t, tr)
	assert.Equal(t, "abc123", tr.Encoded)
	assert.Equal(t, SourceYouTube, tr.SourceName)
	assert.Equal(t, "user#1", tr.Requester)
	assert.Contains(t, tr.ArtworkURL, "dQw4w9WgXcQ")
	assert.Contains(t, tr.DisplayThumbnail(ThumbnailMax), string(ThumbnailMax))
}

func TestTrackBuilderCleanYouTubeMetadata(t *testing.T) {
	b := NewTrackBuilder(nil, true, []string{"[Official Video]"})
	raw := RawTrack{
		Info: rawTrackInfo{
			Identifier: "xyz",
			Title:      "Rick Astley - Never Gonna Give You Up [Official Video] ()",
			Author:     "Rick Astley - Topic",
			SourceName: "youtube",
		},
	}
	tr := b.Build(raw, "")
	assert.Equal(t, "Rick Astley", tr.Author)
	assert.Equal(t, "Never Gonna Give You Up", tr.Title)
}

func TestTrackBuilderCleanStripsAtPrefixAndBalancesBrackets(t *testing.T) {
	b := NewTrackBuilder(nil, true, nil)
	raw := RawTrack{
		Info: rawTrackInfo{
			Identifier: "xyz",
			Title:      "Cool Song (Remix (Extended",
			Author:     "@somehandle DJ Cool)",
			SourceName: "youtube",
		},
	}
	tr := b.Build(raw, "")
	assert.Equal(t, "Cool Song Remix Extended", tr.Title)
	assert.Equal(t, "DJ Cool", tr.Author)
}

func TestBalanceBrackets(t *testing.T) {
	assert.Equal(t, "a(b)c", balanceBrackets("a(b)c"))
	assert.Equal(t, "ac", balanceBrackets("a)c"))
	assert.Equal(t, "a(bc", balanceBrackets("a(bc"))
	assert.Equal(t, "a[b]c", balanceBrackets("a[b]c"))
}

func TestTrackPartialProjection(t *testing.T) {
	full := &Track{
		Encoded:    "enc",
		Identifier: "id",
		Title:      "Title",
		Author:     "Author",
		DurationMs: 1000,
		URI:        "uri",
		Requester:  "req",
		SourceName: SourceYouTube,
	}
	projected := full.Partial([]TrackPartial{PartialTitle})

	data, err := json.Marshal(projected)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, "enc", out["encoded"])
	assert.Equal(t, "id", out["identifier"])
	assert.Equal(t, "Title", out["title"])
	_, hasAuthor := out["author"]
	assert.False(t, hasAuthor)
	_, hasURI := out["uri"]
	assert.False(t, hasURI)
}

func TestTrackPartialNilKeepsAllFields(t *testing.T) {
	full := &Track{Encoded: "enc", Identifier: "id", Title: "Title", Author: "Author"}
	data, err := json.Marshal(full)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "Title", out["title"])
	assert.Equal(t, "Author", out["author"])
}
