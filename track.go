package magma

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// TrackSource names a recommendation/search provider that originated a
// Track, normalized from whatever string the hosting node reports.
type TrackSource string

const (
	SourceYouTube    TrackSource = "youtube"
	SourceSpotify    TrackSource = "spotify"
	SourceSoundCloud TrackSource = "soundcloud"
	SourceDeezer     TrackSource = "deezer"
	SourceTidal      TrackSource = "tidal"
	SourceVKMusic    TrackSource = "vkmusic"
	SourceQobuz      TrackSource = "qobuz"
	SourceUnknown    TrackSource = "unknown"
)

// sourceNameAliases maps every spelling a node might report for a source
// onto the normalized TrackSource it represents.
var sourceNameAliases = map[string]TrackSource{
	"youtube":       SourceYouTube,
	"ytsearch":      SourceYouTube,
	"youtube music": SourceYouTube,
	"spotify":       SourceSpotify,
	"soundcloud":    SourceSoundCloud,
	"scsearch":      SourceSoundCloud,
	"deezer":        SourceDeezer,
	"dzsearch":      SourceDeezer,
	"dzrec":         SourceDeezer,
	"tidal":         SourceTidal,
	"tdsearch":      SourceTidal,
	"tdrec":         SourceTidal,
	"vkmusic":       SourceVKMusic,
	"vksearch":      SourceVKMusic,
	"vkrec":         SourceVKMusic,
	"qobuz":         SourceQobuz,
	"qbsearch":      SourceQobuz,
	"qbrec":         SourceQobuz,
}

func normalizeSourceName(raw string) TrackSource {
	if src, ok := sourceNameAliases[strings.ToLower(raw)]; ok {
		return src
	}
	return SourceUnknown
}

// ThumbnailSize enumerates the fixed set of sizes a Track's thumbnail
// resolver accepts.
type ThumbnailSize string

const (
	ThumbnailDefault  ThumbnailSize = "default"
	ThumbnailMedium   ThumbnailSize = "mqdefault"
	ThumbnailHigh     ThumbnailSize = "hqdefault"
	ThumbnailStandard ThumbnailSize = "sddefault"
	ThumbnailMax      ThumbnailSize = "maxresdefault"
)

// TrackPartial names a single field of Track eligible for projection.
// The identifier is always retained regardless of the configured set.
type TrackPartial string

const (
	PartialTitle      TrackPartial = "title"
	PartialAuthor     TrackPartial = "author"
	PartialDuration   TrackPartial = "duration"
	PartialISRC       TrackPartial = "isrc"
	PartialSourceName TrackPartial = "sourceName"
	PartialArtworkURL TrackPartial = "artworkUrl"
	PartialURI        TrackPartial = "uri"
	PartialRequester  TrackPartial = "requester"
	PartialPluginInfo TrackPartial = "pluginInfo"
	PartialCustomData TrackPartial = "customData"
)

// Track is an immutable (aside from title/author normalization) unit of
// playback. The opaque Encoded identifier is the only field a node
// strictly requires back from the client; everything else is carried
// for presentation and autoplay/queue bookkeeping.
type Track struct {
	Encoded    string         `json:"encoded"`
	Identifier string         `json:"identifier"`
	Title      string         `json:"title"`
	Author     string         `json:"author"`
	DurationMs int            `json:"length"`
	Seekable   bool           `json:"isSeekable"`
	Stream     bool           `json:"isStream"`
	URI        string         `json:"uri,omitempty"`
	ArtworkURL string         `json:"artworkUrl,omitempty"`
	ISRC       string         `json:"isrc,omitempty"`
	SourceName TrackSource    `json:"sourceName"`
	Requester  string         `json:"requester,omitempty"`
	PluginInfo map[string]any `json:"pluginInfo,omitempty"`
	CustomData map[string]any `json:"customData"`

	projection  []TrackPartial
	thumbnailFn func(ThumbnailSize) string
}

// DisplayThumbnail resolves an artwork URL for the given size. Tracks
// without a dedicated resolver (anything but YouTube) fall back to the
// node-reported artwork URL regardless of size.
func (t *Track) DisplayThumbnail(size ThumbnailSize) string {
	if t.thumbnailFn != nil {
		return t.thumbnailFn(size)
	}
	return t.ArtworkURL
}

// Partial returns a shallow copy of t projected onto the given field
// set; Encoded and Identifier are always retained.
func (t *Track) Partial(fields []TrackPartial) *Track {
	cp := *t
	cp.projection = fields
	return &cp
}

func (t *Track) hasField(f TrackPartial) bool {
	if t.projection == nil {
		return true
	}
	for _, p := range t.projection {
		if p == f {
			return true
		}
	}
	return false
}

// MarshalJSON honors the track's configured partial projection, if any.
// The opaque encoded identifier is never elided.
func (t *Track) MarshalJSON() ([]byte, error) {
	type alias struct {
		Encoded    string         `json:"encoded"`
		Identifier string         `json:"identifier"`
		Title      string         `json:"title,omitempty"`
		Author     string         `json:"author,omitempty"`
		DurationMs int            `json:"length,omitempty"`
		Seekable   bool           `json:"isSeekable,omitempty"`
		Stream     bool           `json:"isStream,omitempty"`
		URI        string         `json:"uri,omitempty"`
		ArtworkURL string         `json:"artworkUrl,omitempty"`
		ISRC       string         `json:"isrc,omitempty"`
		SourceName TrackSource    `json:"sourceName,omitempty"`
		Requester  string         `json:"requester,omitempty"`
		PluginInfo map[string]any `json:"pluginInfo,omitempty"`
		CustomData map[string]any `json:"customData,omitempty"`
	}
	out := alias{Encoded: t.Encoded, Identifier: t.Identifier}
	if t.hasField(PartialTitle) {
		out.Title = t.Title
	}
	if t.hasField(PartialAuthor) {
		out.Author = t.Author
	}
	if t.hasField(PartialDuration) {
		out.DurationMs = t.DurationMs
		out.Seekable = t.Seekable
		out.Stream = t.Stream
	}
	if t.hasField(PartialURI) {
		out.URI = t.URI
	}
	if t.hasField(PartialArtworkURL) {
		out.ArtworkURL = t.ArtworkURL
	}
	if t.hasField(PartialISRC) {
		out.ISRC = t.ISRC
	}
	if t.hasField(PartialSourceName) {
		out.SourceName = t.SourceName
	}
	if t.hasField(PartialRequester) {
		out.Requester = t.Requester
	}
	if t.hasField(PartialPluginInfo) {
		out.PluginInfo = t.PluginInfo
	}
	if t.hasField(PartialCustomData) {
		out.CustomData = t.CustomData
	}
	return json.Marshal(out)
}

// rawTrackInfo mirrors a Lavalink v4 track payload's nested info object.
type rawTrackInfo struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	Length     int    `json:"length"`
	IsSeekable bool   `json:"isSeekable"`
	IsStream   bool   `json:"isStream"`
	URI        string `json:"uri"`
	ArtworkURL string `json:"artworkUrl"`
	ISRC       string `json:"isrc"`
	SourceName string `json:"sourceName"`
}

// RawTrack is the wire shape a node returns from loadtracks/decodetracks.
type RawTrack struct {
	Encoded    string         `json:"encoded"`
	Info       rawTrackInfo   `json:"info"`
	PluginInfo map[string]any `json:"pluginInfo"`
}

// TrackBuilder canonicalizes raw node track payloads into internal
// Tracks (C7). It owns the partial-field projection configuration and
// the optional YouTube title/author cleanup.
type TrackBuilder struct {
	Partial                   []TrackPartial
	ReplaceYouTubeCredentials bool
	BlockedWords              []string

	blockedWordsRe *regexp.Regexp
}

// NewTrackBuilder constructs a builder; blockedWords are regex-escaped
// and OR-joined once so Build doesn't recompile a pattern per call.
func NewTrackBuilder(partial []TrackPartial, replaceYouTubeCredentials bool, blockedWords []string) *TrackBuilder {
	b := &TrackBuilder{
		Partial:                   partial,
		ReplaceYouTubeCredentials: replaceYouTubeCredentials,
		BlockedWords:              blockedWords,
	}
	if len(blockedWords) > 0 {
		escaped := make([]string, len(blockedWords))
		for i, w := range blockedWords {
			escaped[i] = regexp.QuoteMeta(w)
		}
		b.blockedWordsRe = regexp.MustCompile("(?i)(" + strings.Join(escaped, "|") + ")")
	}
	return b
}

// Build canonicalizes a raw track payload into a Track, applying the
// builder's partial projection and YouTube cleanup configuration.
func (b *TrackBuilder) Build(raw RawTrack, requester string) *Track {
	source := normalizeSourceName(raw.Info.SourceName)
	t := &Track{
		Encoded:    raw.Encoded,
		Identifier: raw.Info.Identifier,
		Title:      raw.Info.Title,
		Author:     raw.Info.Author,
		DurationMs: raw.Info.Length,
		Seekable:   raw.Info.IsSeekable,
		Stream:     raw.Info.IsStream,
		URI:        raw.Info.URI,
		ArtworkURL: raw.Info.ArtworkURL,
		ISRC:       raw.Info.ISRC,
		SourceName: source,
		Requester:  requester,
		PluginInfo: raw.PluginInfo,
		CustomData: map[string]any{},
		projection: b.Partial,
	}

	if source == SourceYouTube {
		id := t.Identifier
		t.ArtworkURL = fmt.Sprintf("https://img.youtube.com/vi/%s/%s.jpg", id, ThumbnailHigh)
		t.thumbnailFn = func(size ThumbnailSize) string {
			return fmt.Sprintf("https://img.youtube.com/vi/%s/%s.jpg", id, size)
		}
		if b.ReplaceYouTubeCredentials {
			b.cleanYouTubeMetadata(t)
		}
	}

	return t
}

var (
	topicSuffixRe  = regexp.MustCompile(`(?i)\s*-\s*Topic$|^Topic\s*-\s*`)
	atPrefixRe     = regexp.MustCompile(`(?m)@\S+`)
	emptyBracketRe = regexp.MustCompile(`[\(\[\{]\s*[\)\]\}]`)
)

// cleanYouTubeMetadata normalizes title/author for YouTube-sourced
// tracks per spec.md §4.7: strip "- Topic"/"Topic -", drop configured
// blocked words, balance leftover brackets, drop empty brackets and
// @-prefixes, then split "<author> - <title>"-shaped titles when the
// left side already matches the cleaned author.
func (b *TrackBuilder) cleanYouTubeMetadata(t *Track) {
	title := topicSuffixRe.ReplaceAllString(t.Title, "")
	author := topicSuffixRe.ReplaceAllString(t.Author, "")

	if b.blockedWordsRe != nil {
		title = b.blockedWordsRe.ReplaceAllString(title, "")
		author = b.blockedWordsRe.ReplaceAllString(author, "")
	}

	title = balanceBrackets(title)
	author = balanceBrackets(author)
	title = emptyBracketRe.ReplaceAllString(title, "")
	author = emptyBracketRe.ReplaceAllString(author, "")
	title = atPrefixRe.ReplaceAllString(title, "")
	author = atPrefixRe.ReplaceAllString(author, "")

	title = strings.TrimSpace(title)
	author = strings.TrimSpace(author)

	if idx := strings.Index(title, " - "); idx != -1 {
		left := strings.TrimSpace(title[:idx])
		if strings.EqualFold(left, author) {
			right := strings.TrimSpace(title[idx+3:])
			author = left
			title = right
		}
	}

	t.Title = title
	t.Author = author
}

// balanceBrackets drops any closing bracket with no matching opener and
// any opening bracket with no matching closer, left to right.
func balanceBrackets(s string) string {
	pairs := map[rune]rune{'(': ')', '[': ']', '{': '}'}
	closers := map[rune]rune{')': '(', ']': '[', '}': '{'}

	var stack []int // indices (in runes) of unmatched openers
	runes := []rune(s)
	drop := make([]bool, len(runes))

	for i, r := range runes {
		if _, ok := pairs[r]; ok {
			stack = append(stack, i)
			continue
		}
		if opener, ok := closers[r]; ok {
			matched := false
			for j := len(stack) - 1; j >= 0; j-- {
				if runes[stack[j]] == opener {
					stack = append(stack[:j], stack[j+1:]...)
					matched = true
					break
				}
			}
			if !matched {
				drop[i] = true
			}
		}
	}
	for _, idx := range stack {
		drop[idx] = true
	}

	var out strings.Builder
	for i, r := range runes {
		if !drop[i] {
			out.WriteRune(r)
		}
	}
	return out.String()
}
