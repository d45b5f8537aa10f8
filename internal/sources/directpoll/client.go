package directpoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/strefethen/nowplaying-hub/internal/credentials"
	"github.com/strefethen/nowplaying-hub/internal/provider"
)

// playbackResponse is the wire shape of the cloud now-playing endpoint.
type playbackResponse struct {
	PlaybackState  string `json:"playbackState"`
	PositionMillis int    `json:"positionMillis"`
	Device         struct {
		Name string `json:"name"`
	} `json:"device"`
	CurrentItem struct {
		Track struct {
			Name   string `json:"name"`
			Artist struct {
				Name string `json:"name"`
			} `json:"artist"`
			Album struct {
				Name string `json:"name"`
			} `json:"album"`
			ImageURL       string `json:"imageUrl"`
			DurationMillis int    `json:"durationMillis"`
		} `json:"track"`
	} `json:"currentItem"`
}

// Client fetches the current playback state from the cloud REST API.
type Client struct {
	apiURL      string
	householdID string
	credential  provider.CredentialSet
	tokens      *credentials.Store
	httpClient  *http.Client
}

// NewClient creates a polling client for one household.
func NewClient(apiURL, householdID string, credential provider.CredentialSet, tokens *credentials.Store, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiURL:      apiURL,
		householdID: householdID,
		credential:  credential,
		tokens:      tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchNowPlaying retrieves the current playback snapshot. Auth failures
// and timeouts come back as typed provider errors so the caller can
// classify without string matching.
func (c *Client) FetchNowPlaying(ctx context.Context) (*provider.Payload, error) {
	token, err := c.tokens.AccessToken(c.credential)
	if err != nil {
		return nil, provider.NewAuthError(provider.CloudPoll, "no valid access token", err)
	}

	url := fmt.Sprintf("%s/households/%s/playback", c.apiURL, c.householdID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, provider.NewTimeoutError(provider.CloudPoll, "playback request timed out", err)
		}
		return nil, provider.NewTransientError(provider.CloudPoll, "playback request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NewTransientError(provider.CloudPoll, "read playback response", err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := provider.ClassifyHTTPStatus(resp.StatusCode)
		message := fmt.Sprintf("playback request returned %s", resp.Status)
		if kind == provider.ErrorAuth {
			return nil, provider.NewAuthError(provider.CloudPoll, message, nil)
		}
		return nil, provider.NewTransientError(provider.CloudPoll, message, nil)
	}

	var wire playbackResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, provider.NewTransientError(provider.CloudPoll, "parse playback response", err)
	}

	return mapPayload(&wire), nil
}

func mapPayload(wire *playbackResponse) *provider.Payload {
	state := mapState(wire.PlaybackState)
	track := wire.CurrentItem.Track
	return &provider.Payload{
		Title:      track.Name,
		Artist:     track.Artist.Name,
		Album:      track.Album.Name,
		ArtworkURL: track.ImageURL,
		State:      state,
		IsPlaying:  state == provider.StatePlaying,
		PositionMs: wire.PositionMillis,
		DurationMs: track.DurationMillis,
		DeviceName: wire.Device.Name,
	}
}

func mapState(wireState string) provider.PlaybackState {
	switch wireState {
	case "PLAYBACK_STATE_PLAYING", "PLAYING":
		return provider.StatePlaying
	case "PLAYBACK_STATE_PAUSED", "PAUSED_PLAYBACK":
		return provider.StatePaused
	case "PLAYBACK_STATE_STOPPED", "STOPPED":
		return provider.StateStopped
	default:
		return provider.StateIdle
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
