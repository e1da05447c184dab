package magma

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	resty "github.com/go-resty/resty/v2"
)

// AutoplayResolver produces a follow-up track for an ending one. Wired
// into Manager as the autoplay fallback Player.tryAutoplay calls
// (spec.md §4.6).
type AutoplayResolver interface {
	Resolve(ctx context.Context, node *Node, seed *Track) (*Track, error)
}

// DefaultAutoplay implements the ordered-platform-strategy resolver
// spec.md §4.6 describes, grounded on the same resty client the rest
// of the package uses for outbound HTTP.
type DefaultAutoplay struct {
	Platforms     []AutoplaySource
	DefaultSearch SearchPlatform
	LastFMAPIKey  string
	HTTP          *resty.Client
}

// NewDefaultAutoplay builds a resolver trying platforms in order.
func NewDefaultAutoplay(platforms []AutoplaySource, defaultSearch SearchPlatform, lastFMAPIKey string) *DefaultAutoplay {
	if defaultSearch == "" {
		defaultSearch = SearchYouTube
	}
	return &DefaultAutoplay{
		Platforms:     platforms,
		DefaultSearch: defaultSearch,
		LastFMAPIKey:  lastFMAPIKey,
		HTTP:          resty.New().SetTimeout(10 * time.Second),
	}
}

func (a *DefaultAutoplay) Resolve(ctx context.Context, node *Node, seed *Track) (*Track, error) {
	if node == nil || seed == nil {
		return nil, ErrNilTrack
	}
	available := node.Info().SourceManagers
	for _, platform := range a.Platforms {
		if !sourceManagerAvailable(available, platform) {
			continue
		}
		track, err := a.resolveFromPlatform(ctx, node, platform, seed)
		if err == nil && track != nil && track.URI != seed.URI {
			return track, nil
		}
	}
	if a.LastFMAPIKey != "" {
		if track, err := a.resolveViaLastFM(ctx, node, seed); err == nil && track != nil {
			return track, nil
		}
	}
	return nil, nil
}

func sourceManagerAvailable(available []string, platform AutoplaySource) bool {
	for _, s := range available {
		if strings.EqualFold(s, string(platform)) {
			return true
		}
	}
	return false
}

func (a *DefaultAutoplay) resolveFromPlatform(ctx context.Context, node *Node, platform AutoplaySource, seed *Track) (*Track, error) {
	switch platform {
	case AutoplaySpotify:
		return a.resolveSpotify(ctx, node, seed)
	case AutoplayDeezer, AutoplayTidal, AutoplayVKMusic, AutoplayQobuz:
		return a.resolveViaRecommendPrefix(ctx, node, platform, seed)
	case AutoplaySoundCloud:
		return a.resolveSoundCloud(ctx, node, seed)
	case AutoplayYouTube:
		return a.resolveYouTube(ctx, node, seed)
	}
	return nil, nil
}

func firstOtherTrack(tracks []*Track, seed *Track) *Track {
	for _, t := range tracks {
		if t.URI != seed.URI {
			return t
		}
	}
	return nil
}

// reseedOnPlatform re-searches "<author> - <title>" on the target
// platform when seed's own URI isn't from that platform, per spec.md
// §4.6's "If the input track's URI is not of the target platform...".
func (a *DefaultAutoplay) reseedOnPlatform(ctx context.Context, node *Node, prefix string, seed *Track) (*Track, error) {
	query := fmt.Sprintf("%s:%s - %s", prefix, seed.Author, seed.Title)
	result, err := node.Rest.LoadTracks(ctx, query)
	if err != nil || result == nil || len(result.Tracks) == 0 {
		return nil, err
	}
	return result.Tracks[0], nil
}

func (a *DefaultAutoplay) resolveViaRecommendPrefix(ctx context.Context, node *Node, platform AutoplaySource, seed *Track) (*Track, error) {
	prefix, ok := autoplayRecommendPrefix[platform]
	if !ok {
		return nil, nil
	}
	result, err := node.Rest.LoadTracks(ctx, prefix+":"+seed.Identifier)
	if err != nil || result == nil {
		return nil, err
	}
	return firstOtherTrack(result.Tracks, seed), nil
}

func (a *DefaultAutoplay) resolveSpotify(ctx context.Context, node *Node, seed *Track) (*Track, error) {
	seedID := seed.Identifier
	if !strings.Contains(strings.ToLower(string(seed.SourceName)), "spotify") {
		reseeded, err := a.reseedOnPlatform(ctx, node, "spsearch", seed)
		if err != nil || reseeded == nil {
			return nil, err
		}
		seedID = reseeded.Identifier
	}

	token, err := spotifyAccessToken(ctx, a.HTTP)
	if err != nil {
		return nil, err
	}

	var out struct {
		Tracks []struct {
			Name    string `json:"name"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
		} `json:"tracks"`
	}
	resp, err := a.HTTP.R().SetContext(ctx).
		SetAuthToken(token).
		SetQueryParams(map[string]string{"seed_tracks": seedID, "limit": "10"}).
		SetResult(&out).
		Get("https://api.spotify.com/v1/recommendations")
	if err != nil {
		return nil, err
	}
	if resp.IsError() || len(out.Tracks) == 0 {
		return nil, nil
	}

	pick := out.Tracks[rand.Intn(len(out.Tracks))]
	artist := ""
	if len(pick.Artists) > 0 {
		artist = pick.Artists[0].Name
	}
	return a.searchDefault(ctx, node, fmt.Sprintf("%s - %s", artist, pick.Name))
}

var recommendedSectionPattern = regexp.MustCompile(`(?is)<section[^>]*recommended[^>]*>(.*?)</section>`)
var anchorHrefPattern = regexp.MustCompile(`(?i)<a[^>]+href="([^"]+)"`)

func extractRecommendedHrefs(html string) []string {
	scope := html
	if section := recommendedSectionPattern.FindStringSubmatch(html); len(section) > 1 {
		scope = section[1]
	}
	matches := anchorHrefPattern.FindAllStringSubmatch(scope, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func (a *DefaultAutoplay) resolveSoundCloud(ctx context.Context, node *Node, seed *Track) (*Track, error) {
	uri := seed.URI
	if !strings.Contains(uri, "soundcloud.com") {
		reseeded, err := a.reseedOnPlatform(ctx, node, "scsearch", seed)
		if err != nil || reseeded == nil {
			return nil, err
		}
		uri = reseeded.URI
	}

	resp, err := a.HTTP.R().SetContext(ctx).Get(uri + "/recommended")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, nil
	}
	hrefs := extractRecommendedHrefs(resp.String())
	if len(hrefs) == 0 {
		return nil, nil
	}
	pick := hrefs[rand.Intn(len(hrefs))]

	result, err := node.Rest.LoadTracks(ctx, pick)
	if err != nil || result == nil || len(result.Tracks) == 0 {
		return nil, err
	}
	return result.Tracks[0], nil
}

var youtubeVideoIDPattern = regexp.MustCompile(`(?:v=|youtu\.be/)([\w-]{11})`)

func (a *DefaultAutoplay) resolveYouTube(ctx context.Context, node *Node, seed *Track) (*Track, error) {
	videoID := ""
	if m := youtubeVideoIDPattern.FindStringSubmatch(seed.URI); len(m) > 1 {
		videoID = m[1]
	} else {
		result, err := node.Rest.LoadTracks(ctx, string(SearchYouTube)+":"+seed.Title+" "+seed.Author)
		if err != nil || result == nil || len(result.Tracks) == 0 {
			return nil, err
		}
		if m := youtubeVideoIDPattern.FindStringSubmatch(result.Tracks[0].URI); len(m) > 1 {
			videoID = m[1]
		}
	}
	if videoID == "" {
		return nil, nil
	}

	index := 2 + rand.Intn(23)
	mixURL := fmt.Sprintf("https://www.youtube.com/watch?v=%s&list=RD%s&index=%d", videoID, videoID, index)
	result, err := node.Rest.LoadTracks(ctx, mixURL)
	if err != nil || result == nil || len(result.Tracks) == 0 {
		return nil, err
	}
	return result.Tracks[0], nil
}

func (a *DefaultAutoplay) searchDefault(ctx context.Context, node *Node, query string) (*Track, error) {
	identifier := buildSearchIdentifier(query, a.DefaultSearch, a.DefaultSearch)
	result, err := node.Rest.LoadTracks(ctx, identifier)
	if err != nil || result == nil || len(result.Tracks) == 0 {
		return nil, err
	}
	return result.Tracks[0], nil
}

// resolveViaLastFM is the last-resort metadata lookup: find a similar
// track by (artist, title) via LastFM, then search it on the default
// platform (spec.md §4.6 step 3).
func (a *DefaultAutoplay) resolveViaLastFM(ctx context.Context, node *Node, seed *Track) (*Track, error) {
	var out struct {
		Similartracks struct {
			Track []struct {
				Name   string `json:"name"`
				Artist struct {
					Name string `json:"name"`
				} `json:"artist"`
			} `json:"track"`
		} `json:"similartracks"`
	}
	resp, err := a.HTTP.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"method":  "track.getsimilar",
			"artist":  seed.Author,
			"track":   seed.Title,
			"api_key": a.LastFMAPIKey,
			"format":  "json",
			"limit":   "5",
		}).
		SetResult(&out).
		Get("https://ws.audioscrobbler.com/2.0/")
	if err != nil {
		return nil, err
	}
	if resp.IsError() || len(out.Similartracks.Track) == 0 {
		return nil, nil
	}
	pick := out.Similartracks.Track[0]
	return a.searchDefault(ctx, node, fmt.Sprintf("%s - %s", pick.Artist.Name, pick.Name))
}
