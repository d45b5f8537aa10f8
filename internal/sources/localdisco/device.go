package localdisco

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/strefethen/nowplaying-hub/internal/provider"
)

const devicePort = "1400"

// httpClient is a shared client with tight timeouts to avoid hanging
// on unreachable devices.
var httpClient = &http.Client{
	Timeout: 5 * time.Second,
	Transport: &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
		TLSHandshakeTimeout: 3 * time.Second,
		IdleConnTimeout:     30 * time.Second,
	},
}

// deviceStatus is the wire shape of a device's now-playing endpoint.
type deviceStatus struct {
	State      string `json:"state"`
	DeviceName string `json:"deviceName"`
	PositionMs int    `json:"positionMs"`
	Track      struct {
		Title      string `json:"title"`
		Artist     string `json:"artist"`
		Album      string `json:"album"`
		ArtworkURL string `json:"artworkUrl"`
		DurationMs int    `json:"durationMs"`
	} `json:"track"`
}

// fetchStatus polls one device's status endpoint.
func fetchStatus(ctx context.Context, ip string) (*provider.Payload, error) {
	statusURL := "http://" + net.JoinHostPort(ip, devicePort) + "/api/nowplaying"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, provider.NewTimeoutError(provider.LocalNetwork, "device status timed out", err)
		}
		return nil, provider.NewTransientError(provider.LocalNetwork, "device status request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NewTransientError(provider.LocalNetwork, "read device status", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, provider.NewTransientError(provider.LocalNetwork, "device status returned "+resp.Status, nil)
	}

	var wire deviceStatus
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, provider.NewTransientError(provider.LocalNetwork, "parse device status", err)
	}

	state := mapState(wire.State)
	return &provider.Payload{
		Title:      wire.Track.Title,
		Artist:     wire.Track.Artist,
		Album:      wire.Track.Album,
		ArtworkURL: wire.Track.ArtworkURL,
		State:      state,
		IsPlaying:  state == provider.StatePlaying,
		PositionMs: wire.PositionMs,
		DurationMs: wire.Track.DurationMs,
		DeviceName: wire.DeviceName,
	}, nil
}

func mapState(wireState string) provider.PlaybackState {
	switch strings.ToUpper(wireState) {
	case "PLAYING":
		return provider.StatePlaying
	case "PAUSED", "PAUSED_PLAYBACK":
		return provider.StatePaused
	case "STOPPED":
		return provider.StateStopped
	default:
		return provider.StateIdle
	}
}

func extractHost(location string) string {
	if location == "" {
		return ""
	}
	parsed, err := url.Parse(location)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.Hostname())
}
