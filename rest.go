package magma

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	resty "github.com/go-resty/resty/v2"
)

// LoadType mirrors the normalized search outcome kinds spec.md §4.8
// maps loadType onto.
type LoadType string

const (
	LoadTrack    LoadType = "track"
	LoadSearch   LoadType = "search"
	LoadPlaylist LoadType = "playlist"
	LoadEmpty    LoadType = "empty"
	LoadError    LoadType = "error"
)

// PlaylistInfo is attached to a LoadResult when Type == LoadPlaylist.
type PlaylistInfo struct {
	Name          string
	SelectedTrack int
	DurationMs    int
}

// LoadResult is the normalized outcome of Rest.LoadTracks /
// Manager.Search (spec.md §4.8).
type LoadResult struct {
	Type         LoadType
	Tracks       []*Track
	Playlist     *PlaylistInfo
	ErrorMessage string
}

// Rest is the typed REST client for one audio node (C1). All requests
// carry Authorization + Content-Type per spec.md §4.1; "Guild not
// found" bodies normalize to an empty, non-error result, 404s report
// the node as lost via onLost, and bare transport failures surface a
// nil result for the caller to retry or escalate.
type Rest struct {
	client     *resty.Client
	identifier string
	sessionID  func() string
	log        zerolog.Logger

	// onNodeLost is invoked (once per call site) when a request comes
	// back 404, signaling the hosting node should be treated as lost;
	// Node wires this through to Manager's recreate path.
	onNodeLost func(error)
}

// NewRest builds a Rest client bound to one node's HTTP endpoint.
func NewRest(opts NodeOptions, sessionID func() string, onNodeLost func(error)) *Rest {
	log := defaultLogger()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	client := resty.New().
		SetBaseURL(opts.httpEndpoint()).
		SetHeader("Authorization", opts.Password).
		SetHeader("Content-Type", "application/json").
		SetTimeout(opts.RequestTimeout).
		SetRetryCount(2)

	return &Rest{
		client:     client,
		identifier: opts.Identifier,
		sessionID:  sessionID,
		log:        log.With().Str("component", "rest").Str("node", opts.Identifier).Logger(),
		onNodeLost: onNodeLost,
	}
}

func (r *Rest) traced(ctx context.Context) *resty.Request {
	reqID := uuid.NewString()
	return r.client.R().SetContext(ctx).SetHeader("X-Request-Id", reqID)
}

// guildNotFound matches Lavalink's canonical error body for an unknown
// player, normalized to an empty non-error result per spec.md §4.1.
func guildNotFound(body string) bool {
	return strings.Contains(strings.ToLower(body), "guild not found") ||
		strings.Contains(strings.ToLower(body), "no session with id") ||
		strings.Contains(strings.ToLower(body), "player not found")
}

func (r *Rest) checkStatus(resp *resty.Response, err error) error {
	reqID := ""
	if resp != nil && resp.Request != nil {
		reqID = resp.Request.Header.Get("X-Request-Id")
	}
	if err != nil {
		// transport error: no response at all.
		r.log.Debug().Err(err).Str("request_id", reqID).Msg("rest transport error")
		return err
	}
	if guildNotFound(resp.String()) {
		return nil
	}
	if resp.StatusCode() == 404 {
		r.log.Warn().Str("request_id", reqID).Str("url", resp.Request.URL).Msg("rest 404, marking node lost")
		if r.onNodeLost != nil {
			r.onNodeLost(fmt.Errorf("magma: node %s returned 404 (request_id %s)", r.identifier, reqID))
		}
		return fmt.Errorf("magma: node %s not found (404)", r.identifier)
	}
	if resp.IsError() {
		return fmt.Errorf("magma: node %s request failed: %d %s", r.identifier, resp.StatusCode(), resp.String())
	}
	return nil
}

// GetAllPlayers lists every player currently hosted by this node's
// session.
func (r *Rest) GetAllPlayers(ctx context.Context) ([]restPlayerState, error) {
	sid := r.sessionID()
	if sid == "" {
		return nil, ErrNotConnected
	}
	var out []restPlayerState
	resp, err := r.traced(ctx).SetResult(&out).
		Get(fmt.Sprintf("/v4/sessions/%s/players", sid))
	if cerr := r.checkStatus(resp, err); cerr != nil || err != nil {
		return nil, cerr
	}
	return out, nil
}

// UpdatePlayer issues PATCH /v4/sessions/{sid}/players/{guildId}.
func (r *Rest) UpdatePlayer(ctx context.Context, guildID string, patch updatePlayerPatch, noReplace bool) (*restPlayerState, error) {
	sid := r.sessionID()
	if sid == "" {
		return nil, ErrNotConnected
	}
	var out restPlayerState
	resp, err := r.traced(ctx).
		SetBody(patch).
		SetQueryParam("noReplace", fmt.Sprint(noReplace)).
		SetResult(&out).
		Patch(fmt.Sprintf("/v4/sessions/%s/players/%s", sid, guildID))
	if cerr := r.checkStatus(resp, err); cerr != nil || err != nil {
		return nil, cerr
	}
	if resp.IsError() {
		// guild-not-found normalized to empty, non-error.
		return nil, nil
	}
	return &out, nil
}

// StopPlayback clears the encoded track on the node side, which
// provokes a TrackEndEvent(Stopped) for the caller's player event
// handler to act on (spec.md §4.5; Lavalink has no dedicated stop op,
// only "set encodedTrack to null").
func (r *Rest) StopPlayback(ctx context.Context, guildID string) error {
	sid := r.sessionID()
	if sid == "" {
		return ErrNotConnected
	}
	resp, err := r.traced(ctx).
		SetBody(map[string]any{"encodedTrack": nil}).
		SetQueryParam("noReplace", "false").
		Patch(fmt.Sprintf("/v4/sessions/%s/players/%s", sid, guildID))
	return r.checkStatus(resp, err)
}

// DestroyPlayer issues DELETE /v4/sessions/{sid}/players/{guildId}.
func (r *Rest) DestroyPlayer(ctx context.Context, guildID string) error {
	sid := r.sessionID()
	if sid == "" {
		return ErrNotConnected
	}
	resp, err := r.traced(ctx).Delete(fmt.Sprintf("/v4/sessions/%s/players/%s", sid, guildID))
	return r.checkStatus(resp, err)
}

// UpdateSession issues PATCH /v4/sessions/{sid} to (re)configure resume.
func (r *Rest) UpdateSession(ctx context.Context, resuming bool, timeoutSec int) error {
	sid := r.sessionID()
	if sid == "" {
		return ErrNotConnected
	}
	resp, err := r.traced(ctx).
		SetBody(sessionPatch{Resuming: resuming, Timeout: timeoutSec}).
		Patch(fmt.Sprintf("/v4/sessions/%s", sid))
	return r.checkStatus(resp, err)
}

// LoadTracks issues GET /v4/loadtracks?identifier=... and normalizes
// the loadType into a LoadResult (spec.md §4.8).
func (r *Rest) LoadTracks(ctx context.Context, identifier string) (*LoadResult, error) {
	var raw restLoadResult
	resp, err := r.traced(ctx).
		SetQueryParam("identifier", identifier).
		SetResult(&raw).
		Get("/v4/loadtracks")
	if cerr := r.checkStatus(resp, err); cerr != nil || err != nil {
		return nil, cerr
	}

	result := &LoadResult{Type: LoadType(raw.LoadType)}
	switch result.Type {
	case LoadTrack, LoadSearch:
		var tracks []RawTrack
		if result.Type == LoadTrack {
			var one RawTrack
			if err := json.Unmarshal(raw.Data, &one); err != nil {
				return nil, err
			}
			tracks = []RawTrack{one}
		} else if err := json.Unmarshal(raw.Data, &tracks); err != nil {
			return nil, err
		}
		for _, rt := range tracks {
			result.Tracks = append(result.Tracks, &Track{
				Encoded:    rt.Encoded,
				Identifier: rt.Info.Identifier,
				Title:      rt.Info.Title,
				Author:     rt.Info.Author,
				DurationMs: rt.Info.Length,
				Seekable:   rt.Info.IsSeekable,
				Stream:     rt.Info.IsStream,
				URI:        rt.Info.URI,
				ArtworkURL: rt.Info.ArtworkURL,
				ISRC:       rt.Info.ISRC,
				SourceName: normalizeSourceName(rt.Info.SourceName),
				PluginInfo: rt.PluginInfo,
				CustomData: map[string]any{},
			})
		}
	case LoadPlaylist:
		var pl restPlaylistData
		if err := json.Unmarshal(raw.Data, &pl); err != nil {
			return nil, err
		}
		duration := 0
		for _, rt := range pl.Tracks {
			duration += rt.Info.Length
			result.Tracks = append(result.Tracks, &Track{
				Encoded:    rt.Encoded,
				Identifier: rt.Info.Identifier,
				Title:      rt.Info.Title,
				Author:     rt.Info.Author,
				DurationMs: rt.Info.Length,
				Seekable:   rt.Info.IsSeekable,
				Stream:     rt.Info.IsStream,
				URI:        rt.Info.URI,
				ArtworkURL: rt.Info.ArtworkURL,
				ISRC:       rt.Info.ISRC,
				SourceName: normalizeSourceName(rt.Info.SourceName),
				PluginInfo: rt.PluginInfo,
				CustomData: map[string]any{},
			})
		}
		result.Playlist = &PlaylistInfo{
			Name:          pl.Info.Name,
			SelectedTrack: pl.Info.SelectedTrack,
			DurationMs:    duration,
		}
	case LoadError:
		var errData restErrorData
		if err := json.Unmarshal(raw.Data, &errData); err == nil {
			result.ErrorMessage = errData.Message
		}
	}
	return result, nil
}

// DecodeTracks issues POST /v4/decodetracks.
func (r *Rest) DecodeTracks(ctx context.Context, encoded []string) ([]*Track, error) {
	var raw []RawTrack
	resp, err := r.traced(ctx).SetBody(encoded).SetResult(&raw).Post("/v4/decodetracks")
	if cerr := r.checkStatus(resp, err); cerr != nil || err != nil {
		return nil, cerr
	}
	out := make([]*Track, len(raw))
	for i, rt := range raw {
		out[i] = &Track{
			Encoded:    rt.Encoded,
			Identifier: rt.Info.Identifier,
			Title:      rt.Info.Title,
			Author:     rt.Info.Author,
			DurationMs: rt.Info.Length,
			Seekable:   rt.Info.IsSeekable,
			Stream:     rt.Info.IsStream,
			URI:        rt.Info.URI,
			ArtworkURL: rt.Info.ArtworkURL,
			ISRC:       rt.Info.ISRC,
			SourceName: normalizeSourceName(rt.Info.SourceName),
			PluginInfo: rt.PluginInfo,
			CustomData: map[string]any{},
		}
	}
	return out, nil
}

// Info issues GET /v4/info.
func (r *Rest) Info(ctx context.Context) (*restInfoResponse, error) {
	var out restInfoResponse
	resp, err := r.traced(ctx).SetResult(&out).Get("/v4/info")
	if cerr := r.checkStatus(resp, err); cerr != nil || err != nil {
		return nil, cerr
	}
	return &out, nil
}

// Lyrics fetches a plugin-scoped lyrics payload for the given player.
func (r *Rest) Lyrics(ctx context.Context, guildID string) (json.RawMessage, error) {
	sid := r.sessionID()
	if sid == "" {
		return nil, ErrNotConnected
	}
	var out json.RawMessage
	resp, err := r.traced(ctx).SetResult(&out).
		Get(fmt.Sprintf("/v4/sessions/%s/players/%s/lyrics", sid, guildID))
	if cerr := r.checkStatus(resp, err); cerr != nil || err != nil {
		return nil, cerr
	}
	return out, nil
}

// SponsorBlockCategories fetches the plugin-scoped sponsor-segment
// categories configured for the given player.
func (r *Rest) SponsorBlockCategories(ctx context.Context, guildID string) ([]string, error) {
	sid := r.sessionID()
	if sid == "" {
		return nil, ErrNotConnected
	}
	var out []string
	resp, err := r.traced(ctx).SetResult(&out).
		Get(fmt.Sprintf("/v4/sessions/%s/players/%s/sponsorblock/categories", sid, guildID))
	if cerr := r.checkStatus(resp, err); cerr != nil || err != nil {
		return nil, cerr
	}
	return out, nil
}
