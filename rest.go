package lava

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/goccy/go-json"

	"github.com/dkeye/lava/objects"
)

const restMaxAttempts = 5

// ExternalSearcher resolves queries against an external catalog (for
// example Spotify) instead of the node. Implementations are supplied by the
// application; the library only routes matching URLs to them.
type ExternalSearcher interface {
	Search(ctx context.Context, kind, id string) (*objects.Result, error)
}

var spotifyURLRegex = regexp.MustCompile(
	`(?:https?://open\.)?spotify(?:\.com/|:)(?P<type>album|playlist|artist|track)(?:[/:])(?P<id>[a-zA-Z0-9]+)`,
)

// request performs one REST exchange with the node. Transport failures and
// server errors are retried with a linear delay up to the attempt ceiling;
// client errors fail immediately.
func (n *Node) request(ctx context.Context, method, path string, params url.Values, body any) (json.RawMessage, error) {
	reqURL := n.restURL + n.restPath(path)
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = n.marshal(body)
		if err != nil {
			return nil, fmt.Errorf("lava: marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < restMaxAttempts; attempt++ {
		if attempt > 0 {
			wait := n.restWait(attempt)
			n.log.Warn().
				Err(lastErr).
				Str("url", reqURL).
				Dur("retry_in", wait).
				Int("attempt", attempt+1).
				Msg("retrying request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", n.password)
		req.Header.Set("User-Id", n.userID)
		req.Header.Set("Client-Name", clientName)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode >= 500:
			lastErr = &HTTPError{Status: resp.StatusCode, URL: reqURL, Message: string(data)}
			continue
		case resp.StatusCode >= 300:
			// Client errors are the node telling us the request is wrong;
			// repeating it will not help.
			return nil, &HTTPError{Status: resp.StatusCode, URL: reqURL, Message: string(data)}
		}

		n.log.Debug().Str("method", method).Str("url", reqURL).Int("status", resp.StatusCode).Msg("request ok")
		return data, nil
	}

	n.log.Error().Err(lastErr).Str("url", reqURL).Int("attempts", restMaxAttempts).Msg("request retries exhausted")
	var httpErr *HTTPError
	if errors.As(lastErr, &httpErr) {
		return nil, httpErr
	}
	return nil, &HTTPError{URL: reqURL, Message: lastErr.Error()}
}

// restPath maps an endpoint to the dialect's REST namespace.
func (n *Node) restPath(path string) string {
	if n.protocol == ProtocolLavalink {
		return "/v4" + path
	}
	return path
}

type loadTracksResponse struct {
	LoadType objects.LoadType `json:"loadType"`
	Data     json.RawMessage  `json:"data"`
}

// Search resolves a query through the node's loadtracks endpoint, or
// through the configured external searcher when the query is a recognized
// external catalog URL. It returns ErrNoResults for an empty outcome and
// *SearchFailedError when the node reports a load failure.
func (n *Node) Search(ctx context.Context, query string) (*objects.Result, error) {
	if n.searcher != nil {
		if match := spotifyURLRegex.FindStringSubmatch(query); match != nil {
			return n.searcher.Search(ctx, match[1], match[2])
		}
	}
	return n.LoadTracks(ctx, query)
}

// LoadTracks asks the node to resolve an identifier (URL or search prefix
// query) into playable tracks.
func (n *Node) LoadTracks(ctx context.Context, identifier string) (*objects.Result, error) {
	params := url.Values{"identifier": {identifier}}
	data, err := n.request(ctx, http.MethodGet, "/loadtracks", params, nil)
	if err != nil {
		return nil, err
	}

	var resp loadTracksResponse
	if err := n.unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("lava: decode loadtracks response: %w", err)
	}

	result := &objects.Result{LoadType: resp.LoadType}
	switch resp.LoadType {
	case objects.LoadTypeTrack:
		var track objects.Track
		if err := n.unmarshal(resp.Data, &track); err != nil {
			return nil, err
		}
		result.Tracks = []objects.Track{track}

	case objects.LoadTypePlaylist:
		var playlist objects.Playlist
		if err := n.unmarshal(resp.Data, &playlist); err != nil {
			return nil, err
		}
		result.Playlist = &playlist
		result.Tracks = playlist.Tracks

	case objects.LoadTypeSearch:
		var tracks []objects.Track
		if err := n.unmarshal(resp.Data, &tracks); err != nil {
			return nil, err
		}
		result.Tracks = tracks

	case objects.LoadTypeEmpty:
		return nil, ErrNoResults

	case objects.LoadTypeError:
		var exc exceptionData
		if err := n.unmarshal(resp.Data, &exc); err != nil {
			return nil, err
		}
		return nil, &SearchFailedError{
			Message:  exc.Message,
			Severity: objects.Severity(exc.Severity),
			Cause:    exc.Cause,
		}

	default:
		// Forward compatibility: an unknown load type is surfaced, not
		// guessed at.
		return nil, fmt.Errorf("lava: unknown load type %q", resp.LoadType)
	}
	return result, nil
}

// DecodeTrack asks the node to expand an encoded track string into its
// metadata.
func (n *Node) DecodeTrack(ctx context.Context, encoded string) (*objects.Track, error) {
	params := url.Values{"encodedTrack": {encoded}}
	data, err := n.request(ctx, http.MethodGet, "/decodetrack", params, nil)
	if err != nil {
		return nil, err
	}
	var track objects.Track
	if err := n.unmarshal(data, &track); err != nil {
		return nil, err
	}
	return &track, nil
}

// DecodeTracks is the batch form of DecodeTrack.
func (n *Node) DecodeTracks(ctx context.Context, encoded []string) ([]objects.Track, error) {
	body := map[string][]string{"encodedTracks": encoded}
	data, err := n.request(ctx, http.MethodPost, "/decodetracks", nil, body)
	if err != nil {
		return nil, err
	}
	var tracks []objects.Track
	if err := n.unmarshal(data, &tracks); err != nil {
		return nil, err
	}
	return tracks, nil
}

// FetchStats polls the node's stats endpoint. The websocket delivers the
// same report periodically; this is for on-demand checks.
func (n *Node) FetchStats(ctx context.Context) (*objects.Stats, error) {
	data, err := n.request(ctx, http.MethodGet, "/stats", nil, nil)
	if err != nil {
		return nil, err
	}
	var wire lavalinkStats
	if err := n.unmarshal(data, &wire); err != nil {
		return nil, err
	}
	stats := objects.NewStats()
	stats.Players = wire.Players
	stats.PlayingPlayers = wire.PlayingPlayers
	stats.Uptime = wire.Uptime
	stats.Memory = wire.Memory
	stats.CPU = wire.CPU
	if wire.FrameStats != nil {
		stats.Frames = *wire.FrameStats
	}

	n.mu.Lock()
	n.stats = stats
	n.mu.Unlock()
	return stats, nil
}

// RoutePlannerStatus reports the node's IP rotation state.
func (n *Node) RoutePlannerStatus(ctx context.Context) (*objects.RoutePlannerStatus, error) {
	data, err := n.request(ctx, http.MethodGet, "/routeplanner/status", nil, nil)
	if err != nil {
		return nil, err
	}
	var status objects.RoutePlannerStatus
	if err := n.unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// FreeRoutePlannerAddress unmarks a single banned address on the node's
// route planner.
func (n *Node) FreeRoutePlannerAddress(ctx context.Context, address string) error {
	body := map[string]string{"address": address}
	_, err := n.request(ctx, http.MethodPost, "/routeplanner/free/address", nil, body)
	return err
}

// FreeAllRoutePlannerAddresses unmarks every banned address on the node's
// route planner.
func (n *Node) FreeAllRoutePlannerAddresses(ctx context.Context) error {
	_, err := n.request(ctx, http.MethodPost, "/routeplanner/free/all", nil, nil)
	return err
}

// Wire shapes for the session-scoped player endpoints.

type restVoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

type restPlayerTrack struct {
	Encoded    *string        `json:"encoded"`
	Identifier string         `json:"identifier,omitempty"`
	UserData   map[string]any `json:"userData,omitempty"`
}

type restPlayerUpdate struct {
	Track    *restPlayerTrack `json:"track,omitempty"`
	Position *int64           `json:"position,omitempty"`
	EndTime  *int64           `json:"endTime,omitempty"`
	Volume   *int             `json:"volume,omitempty"`
	Paused   *bool            `json:"paused,omitempty"`
	Filters  *objects.Filter  `json:"filters,omitempty"`
	Voice    *restVoiceState  `json:"voice,omitempty"`
}

type restPlayerData struct {
	GuildID string              `json:"guildId"`
	Track   *objects.Track      `json:"track"`
	Volume  int                 `json:"volume"`
	Paused  bool                `json:"paused"`
	State   lavalinkPlayerState `json:"state"`
	Filters *objects.Filter     `json:"filters"`
}

// updatePlayer patches the node-side player for a guild. It blocks until
// the handshake of the current epoch has produced a session token, since
// the endpoint is addressed by it.
func (n *Node) updatePlayer(ctx context.Context, guildID string, noReplace bool, update restPlayerUpdate) (*restPlayerData, error) {
	if err := n.waitUntilReady(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	if noReplace {
		params.Set("noReplace", "true")
	}
	path := fmt.Sprintf("/sessions/%s/players/%s", n.SessionID(), guildID)
	data, err := n.request(ctx, http.MethodPatch, path, params, update)
	if err != nil {
		return nil, err
	}

	var player restPlayerData
	if err := n.unmarshal(data, &player); err != nil {
		return nil, err
	}
	return &player, nil
}

// destroyPlayer removes the node-side player for a guild.
func (n *Node) destroyPlayer(ctx context.Context, guildID string) error {
	if err := n.waitUntilReady(ctx); err != nil {
		return err
	}
	path := fmt.Sprintf("/sessions/%s/players/%s", n.SessionID(), guildID)
	_, err := n.request(ctx, http.MethodDelete, path, nil, nil)
	return err
}
